// Package rtti decodes the MSVC C++ EH exception RTTI (the catchable
// type chain a `throw` records) directly out of a suspended process's
// memory, without needing the process's own debug symbols.
//
// Grounded on original_source/hindsight/ExceptionRtti.cpp/.hpp: the
// same two parameter/struct layouts (64-bit RVA-relative, 32-bit
// absolute-VA), the same catchable-type-array walk, and the same
// std::exception what() extraction at a fixed offset into the thrown
// object.
package rtti

import (
	"fmt"
	"strings"

	"github.com/crashsnap/crashsnap/pkg/logflags"
	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/target"
)

// EHExceptionNumber is the NT exception code MSVC uses for C++ EH
// throws: 'msc' | 0xE0000000.
const EHExceptionNumber uint32 = 0xE06D7363

// EHMagicNumber1 is the expected ExceptionInformation[0] value that
// distinguishes a genuine MSVC C++ EH exception from an unrelated
// exception sharing the same code.
const EHMagicNumber1 uintptr = 0x19930520

const stdException = "std::exception"
const whatMessageCap = 1024

// Summary is the decoded result: the demangled catchable type chain,
// an optional std::exception::what() message, and the module that
// constructed the ThrowInfo (the module that performed the throw).
type Summary struct {
	TypeNames  []string
	Message    string
	HasMessage bool
	ThrowImage string
}

// Decode reads the MSVC EH RTTI referenced by an exception record's
// ExceptionInformation parameters, branching on process bitness the
// same way Process64/Process32 do.
//
// parameters must have at least 3 elements: [magicNumber,
// pExceptionObject, pThrowInfo] for 32-bit, with a 4th
// [pThrowImageBase] present for 64-bit.
func Decode(facade target.Facade, idx *moduleindex.Index, demangler Demangler, is64 bool, parameters []uintptr) (*Summary, error) {
	log := logflags.RTTILogger()
	if len(parameters) < 3 {
		return nil, fmt.Errorf("rtti: exception record has only %d parameters, need at least 3", len(parameters))
	}
	if parameters[0] != EHMagicNumber1 {
		return nil, fmt.Errorf("rtti: magic number %#x does not match EH_MAGIC_NUMBER1", parameters[0])
	}

	if is64 {
		summary, err := decode64(facade, idx, demangler, parameters)
		if err == nil && summary != nil {
			log.Debugf("decoded %d catchable type(s) from 64-bit throw at %#x", len(summary.TypeNames), parameters[2])
		}
		return summary, err
	}
	summary, err := decode32(facade, idx, demangler, parameters)
	if err == nil && summary != nil {
		log.Debugf("decoded %d catchable type(s) from 32-bit throw at %#x", len(summary.TypeNames), parameters[2])
	}
	return summary, err
}

// Demangler turns an MSVC decorated type name (e.g.
// ".?AVruntime_error@std@@") into a human-readable C++ type name. The
// DbgHelp-backed implementation lives in demangle_windows.go.
type Demangler interface {
	Demangle(decorated string) (string, bool)
}

func decode64(facade target.Facade, idx *moduleindex.Index, demangler Demangler, parameters []uintptr) (*Summary, error) {
	pExceptionObject := parameters[1]
	pThrowInfo := parameters[2]
	var pThrowImageBase uintptr
	if len(parameters) > 3 {
		pThrowImageBase = parameters[3]
	}

	summary := &Summary{}
	if mod, ok := idx.ModuleAtAddress(pThrowInfo); ok {
		summary.ThrowImage = mod.Path
	}
	if pThrowInfo == 0 {
		return summary, nil
	}

	rvaToVA := func(rva int32) uintptr {
		if rva == 0 {
			return 0
		}
		return pThrowImageBase + uintptr(rva)
	}

	var throwInfo throwInfo64
	if err := readStruct(facade, pThrowInfo, &throwInfo); err != nil {
		return summary, nil
	}

	typeArrayAddr := rvaToVA(throwInfo.PCatchableTypeArray)
	if typeArrayAddr == 0 {
		return summary, nil
	}

	count, err := readInt32(facade, typeArrayAddr)
	if err != nil {
		return summary, nil
	}

	offsets, err := readInt32Array(facade, typeArrayAddr+4, int(count))
	if err != nil {
		return summary, nil
	}

	containsStdException := false
	for _, off := range offsets {
		catchableAddr := rvaToVA(off)
		if catchableAddr == 0 {
			return summary, nil
		}

		var catchable catchableType64
		if err := readStruct(facade, catchableAddr, &catchable); err != nil {
			return summary, nil
		}

		typeDescAddr := rvaToVA(catchable.PType)
		typeNameAddr := typeDescAddr + typeDescriptor64NameOffset
		if typeDescAddr == 0 {
			return summary, nil
		}

		decoratedName, err := facade.ReadCString(typeNameAddr, 512)
		if err != nil || decoratedName == "" {
			return summary, nil
		}

		name := decoratedName
		if demangled, ok := demangler.Demangle(decoratedName); ok {
			name = demangled
		}
		summary.TypeNames = append(summary.TypeNames, name)

		if !containsStdException && strings.Contains(name, stdException) {
			containsStdException = true
		}
	}

	if containsStdException && pExceptionObject != 0 {
		whatPtr, err := facade.ReadValue(pExceptionObject+8, 8)
		if err == nil && whatPtr != 0 {
			if message, err := facade.ReadCString(uintptr(whatPtr), whatMessageCap); err == nil && message != "" {
				summary.Message = message
				summary.HasMessage = true
			}
		}
	}

	return summary, nil
}

func decode32(facade target.Facade, idx *moduleindex.Index, demangler Demangler, parameters []uintptr) (*Summary, error) {
	pExceptionObject := parameters[1]
	pThrowInfo := parameters[2]

	summary := &Summary{}
	if mod, ok := idx.ModuleAtAddress(pThrowInfo); ok {
		summary.ThrowImage = mod.Path
	}
	if pThrowInfo == 0 {
		return summary, nil
	}

	var throwInfo throwInfo32
	if err := readStruct(facade, pThrowInfo, &throwInfo); err != nil {
		return summary, nil
	}

	typeArrayAddr := uintptr(uint32(throwInfo.PCatchableTypeArray))
	if typeArrayAddr == 0 {
		return summary, nil
	}

	count, err := readInt32(facade, typeArrayAddr)
	if err != nil {
		return summary, nil
	}

	offsets, err := readInt32Array(facade, typeArrayAddr+4, int(count))
	if err != nil {
		return summary, nil
	}

	containsStdException := false
	for _, off := range offsets {
		catchableAddr := uintptr(uint32(off))
		if catchableAddr == 0 {
			return summary, nil
		}

		var catchable catchableType32
		if err := readStruct(facade, catchableAddr, &catchable); err != nil {
			return summary, nil
		}

		typeDescAddr := uintptr(uint32(catchable.PType))
		typeNameAddr := typeDescAddr + typeDescriptor32NameOffset
		if typeDescAddr == 0 {
			return summary, nil
		}

		decoratedName, err := facade.ReadCString(typeNameAddr, 512)
		if err != nil || decoratedName == "" {
			return summary, nil
		}

		name := decoratedName
		if demangled, ok := demangler.Demangle(decoratedName); ok {
			name = demangled
		}
		summary.TypeNames = append(summary.TypeNames, name)

		if !containsStdException && strings.Contains(name, stdException) {
			containsStdException = true
		}
	}

	if containsStdException && pExceptionObject != 0 {
		whatPtr, err := facade.ReadValue(pExceptionObject+4, 4)
		if err == nil && whatPtr != 0 {
			if message, err := facade.ReadCString(uintptr(whatPtr), whatMessageCap); err == nil && message != "" {
				summary.Message = message
				summary.HasMessage = true
			}
		}
	}

	return summary, nil
}
