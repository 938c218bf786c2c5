// Package moduleindex tracks the set of modules (executable images)
// loaded into a debuggee process over its lifetime, and resolves
// addresses to the module that owns them.
//
// Grounded on the original implementation's ModuleCollection: modules
// are remembered in first-seen order for the lifetime of the index
// (the "durable" sequence used by C7/C8's module-index field), while
// only currently-loaded modules participate in address resolution.
package moduleindex

import "fmt"

const (
	imageFileMachineI386  = 0x014c
	imageFileMachineAMD64 = 0x8664
)

// MemReader is the minimal remote-memory read capability this package
// needs to resolve a module's size from its own PE headers. A
// target.Facade satisfies this interface.
type MemReader interface {
	Read(addr uintptr, buf []byte) error
}

// Module describes a single loaded image.
type Module struct {
	Base uintptr
	Size uint64
	Path string
}

// ContainsAddress reports whether addr falls within this module's
// mapped range.
func (m Module) ContainsAddress(addr uintptr) bool {
	return addr >= m.Base && addr < m.Base+uintptr(m.Size)
}

// Index is the durable, order-preserving record of every module ever
// loaded into a process, plus the subset currently active.
type Index struct {
	order    []string          // module paths, in first-seen order
	indexOf  map[string]int    // path -> position in order
	active   map[uintptr]Module // base -> Module, only while loaded
	byPath   map[string]map[uintptr]bool
}

// New creates an empty module index.
func New() *Index {
	return &Index{
		indexOf: make(map[string]int),
		active:  make(map[uintptr]Module),
		byPath:  make(map[string]map[uintptr]bool),
	}
}

// Contains reports whether a module with this path has ever been seen,
// loaded or not.
func (idx *Index) Contains(path string) bool {
	_, ok := idx.indexOf[path]
	return ok
}

// Active reports whether a module is currently loaded at base, and
// returns it if so. ActivePath answers the same question by path (a
// path can have more than one active base if the same image was mapped
// more than once, e.g. via LoadLibrary twice with different flags).
func (idx *Index) Active(base uintptr) (Module, bool) {
	m, ok := idx.active[base]
	return m, ok
}

// ActivePath reports whether any base address is currently active for
// the given path.
func (idx *Index) ActivePath(path string) bool {
	bases, ok := idx.byPath[path]
	return ok && len(bases) > 0
}

// LoadWithSize records a module load when the caller already knows the
// module's size (e.g. from the CREATE_PROCESS_DEBUG_EVENT's base image,
// where the loader supplies it).
func (idx *Index) LoadWithSize(path string, base uintptr, size uint64) {
	idx.remember(path)
	idx.active[base] = Module{Base: base, Size: size, Path: path}
	idx.markActive(path, base)
}

// Load records a module load, resolving its size by reading the PE
// headers out of the target process through r.
func (idx *Index) Load(r MemReader, path string, base uintptr) error {
	size, err := resolveImageSize(r, base)
	if err != nil {
		return err
	}
	idx.LoadWithSize(path, base, size)
	return nil
}

// Unload records a module unload. The module is removed from the
// active set, but stays in the durable first-seen order and remains
// visible to Contains/IndexOf.
func (idx *Index) Unload(base uintptr) {
	m, ok := idx.active[base]
	if !ok {
		return
	}
	delete(idx.active, base)
	if bases, ok := idx.byPath[m.Path]; ok {
		delete(bases, base)
	}
}

// ModuleAtAddress resolves addr to the active module that contains it,
// or false if no loaded module claims the address.
func (idx *Index) ModuleAtAddress(addr uintptr) (Module, bool) {
	for _, m := range idx.active {
		if m.ContainsAddress(addr) {
			return m, true
		}
	}
	return Module{}, false
}

// IndexOf returns the load-order position of the module at base, or -1
// if base is not currently active.
func (idx *Index) IndexOf(base uintptr) int {
	m, ok := idx.active[base]
	if !ok {
		return -1
	}
	return idx.IndexOfPath(m.Path)
}

// IndexOfPath returns the first-seen load-order position of path, or
// -1 if path has never been seen.
func (idx *Index) IndexOfPath(path string) int {
	i, ok := idx.indexOf[path]
	if !ok {
		return -1
	}
	return i
}

// Paths returns the durable first-seen module path sequence.
func (idx *Index) Paths() []string {
	out := make([]string, len(idx.order))
	copy(out, idx.order)
	return out
}

func (idx *Index) remember(path string) {
	if idx.Contains(path) {
		return
	}
	idx.order = append(idx.order, path)
	idx.indexOf[path] = len(idx.order) - 1
}

func (idx *Index) markActive(path string, base uintptr) {
	bases, ok := idx.byPath[path]
	if !ok {
		bases = make(map[uintptr]bool)
		idx.byPath[path] = bases
	}
	bases[base] = true
}

// resolveImageSize reads a module's SizeOfImage out of its own PE
// headers: the DOS stub's e_lfanew field at offset 0x3c gives the PE
// header offset, the machine word four bytes into the PE header
// selects the 32- or 64-bit optional header layout, and that header's
// SizeOfImage field (at a fixed offset for either machine type) gives
// the answer. Grounded on ModuleCollection::GetRemoteModuleSize.
func resolveImageSize(r MemReader, base uintptr) (uint64, error) {
	var off [4]byte
	if err := r.Read(base+0x3c, off[:]); err != nil {
		return 0, fmt.Errorf("read e_lfanew: %w", err)
	}
	peOffset := uintptr(le32(off[:]))

	var machine [2]byte
	if err := r.Read(base+peOffset+4, machine[:]); err != nil {
		return 0, fmt.Errorf("read machine type: %w", err)
	}
	mach := le16(machine[:])

	switch mach {
	case imageFileMachineAMD64:
		return readSizeOfImage(r, base+peOffset, sizeOfImageOffset64)
	case imageFileMachineI386:
		return readSizeOfImage(r, base+peOffset, sizeOfImageOffset32)
	default:
		return 0, fmt.Errorf("unsupported machine type %#x", mach)
	}
}

// Offsets of IMAGE_NT_HEADERSnn.OptionalHeader.SizeOfImage relative to
// the start of IMAGE_NT_HEADERSnn: Signature(4) + FileHeader(20) +
// OptionalHeader up to SizeOfImage. The 32- and 64-bit optional headers
// diverge earlier (PE32 has BaseOfData plus a 4-byte ImageBase, PE32+
// has no BaseOfData and an 8-byte ImageBase), but both spans are 8
// bytes, so SizeOfImage sits at the same offset in either layout.
const (
	sizeOfImageOffset32 = 4 + 20 + 56
	sizeOfImageOffset64 = 4 + 20 + 56
)

func readSizeOfImage(r MemReader, ntHeaderBase uintptr, offset uintptr) (uint64, error) {
	var buf [4]byte
	if err := r.Read(ntHeaderBase+offset, buf[:]); err != nil {
		return 0, fmt.Errorf("read SizeOfImage: %w", err)
	}
	return uint64(le32(buf[:])), nil
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
