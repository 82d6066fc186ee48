package elfloader

import "sync"

// defaultPageSize is the page granularity used for alignment decisions. It is
// overridable via LoaderConfig.PageSize (config.go) for targets whose
// Mapper uses a non-4K page size; 4096 matches every architecture this
// loader currently targets (amd64, arm64 on Linux).
const defaultPageSize = 4096

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }

// Segments owns one address-space reservation: the base pointer
// returned by Mapper.Reserve, its length, the displacement between
// that pointer and the image's minimum vaddr, and the Mapper used to
// eventually release it. It is the Go realization of spec.md §3's
// Segments entity and enforces the same invariant: exactly one release
// accompanies Close, `base = mapped_ptr - offset`, and any `base +
// st_value` for a defined symbol falls inside `[mapped_ptr,
// mapped_ptr+mapped_len)`.
type Segments struct {
	mapper    Mapper
	mappedPtr uintptr
	mappedLen uintptr
	offset    uint64 // mappedPtr - base, i.e. base = mappedPtr - offset

	closeOnce sync.Once
	closeErr  error
}

// Base is the load bias: the address from which all of this module's
// internal virtual addresses (p_vaddr, st_value, r_offset, ...) are
// offset.
func (s *Segments) Base() uintptr { return s.mappedPtr - uintptr(s.offset) }

// MappedPtr is the address actually returned by the reservation.
func (s *Segments) MappedPtr() uintptr { return s.mappedPtr }

// MappedLen is the total length of the reservation.
func (s *Segments) MappedLen() uintptr { return s.mappedLen }

// Rebase adds this segment's base to a file-relative virtual address.
func (s *Segments) Rebase(vaddr uint64) uintptr { return s.Base() + uintptr(vaddr) }

// Close releases the entire reservation exactly once, regardless of
// how many times it is called; later calls observe the first result.
// ModuleCore calls this from its fini path (module.go); RawElf/LoadedElf
// construction failures call it directly so a partially built module
// never leaks its mapping (spec.md §7 "Partial-state cleanup is
// automatic via the Segments drop").
func (s *Segments) Close() error {
	s.closeOnce.Do(func() {
		if s.mapper != nil && s.mappedLen != 0 {
			s.closeErr = s.mapper.Munmap(s.mappedPtr, s.mappedLen)
		}
	})
	return s.closeErr
}

// RelroRegion is the optional PT_GNU_RELRO span (spec.md §3). Apply is
// idempotent; Relocate calls it only when lazy binding is off, per
// spec.md §4.G "After pass 3, if not lazy, the RELRO region is made
// read-only."
type RelroRegion struct {
	Addr    uintptr
	Len     uintptr
	applied bool
}

func (r *RelroRegion) Apply(m Mapper) error {
	if r == nil || r.applied || r.Len == 0 {
		return nil
	}
	if err := m.Mprotect(r.Addr, r.Len, ProtRead); err != nil {
		return wrapErr(KindMmap, "", "apply RELRO protection", err)
	}
	r.applied = true
	return nil
}
