package rtti

// Struct layouts below are the Go mirror of
// original_source/hindsight/ExceptionRtti.hpp's 64- and 32-bit MSVC EH
// RTTI structures. Field names match the C++ source; RVA-typed fields
// keep the int32 type the compiler emits them as even on 64-bit, since
// they are offsets relative to pThrowImageBase, not pointers.

// pmd mirrors the PMD (pointer-to-member displacement) structure used
// by catchableType64/32 to describe how to adjust `this` when the
// catch type is a base class of the thrown type.
type pmd struct {
	Mdisp int32
	Pdisp int32
	Vdisp int32
}

// throwInfo64 mirrors _ThrowInfo on 64-bit: every pointer field is
// actually an RVA relative to the throwing module's image base.
type throwInfo64 struct {
	Attributes       uint32
	PmfnUnwind       int32
	PForwardCompat   int32
	PCatchableTypeArray int32
}

// throwInfo32 mirrors _ThrowInfo on 32-bit: every pointer field is an
// absolute VA, since 32-bit MSVC EH predates RVA-relative throw
// metadata.
type throwInfo32 struct {
	Attributes          uint32
	PmfnUnwind          int32
	PForwardCompat      int32
	PCatchableTypeArray int32
}

// catchableType64 mirrors _CatchableType on 64-bit. PType and
// copyFunction are RVAs.
type catchableType64 struct {
	Properties    uint32
	PType         int32
	ThisDisplacement pmd
	SizeOrOffset  int32
	CopyFunction  int32
}

// catchableType32 mirrors _CatchableType on 32-bit. PType and
// copyFunction are absolute VAs truncated to 32 bits.
type catchableType32 struct {
	Properties       uint32
	PType            int32
	ThisDisplacement pmd
	SizeOrOffset     int32
	CopyFunction     int32
}

// typeDescriptor64NameOffset/typeDescriptor32NameOffset are the byte
// offsets of TypeDescriptor::name from the start of the struct:
// pVFTable (8 or 4 bytes) + spare (8 or 4 bytes).
const (
	typeDescriptor64NameOffset = 16
	typeDescriptor32NameOffset = 8
)
