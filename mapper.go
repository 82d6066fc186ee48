package elfloader

// Prot is the three-bit R/W/X protection set, translated from p_flags
// per spec.md §4.D.1: {R=PF_R>>2, W=PF_W, X=(PF_X)<<2} maps ELF's
// (X,W,R) bit order onto the platform's native (R,W,X) PROT_* order.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtNone Prot = 0
)

// MapFlags mirrors the {PRIVATE, FIXED, ANONYMOUS} flag set of spec.md §6.
type MapFlags uint8

const (
	MapPrivate MapFlags = 1 << iota
	MapFixed
	MapAnonymous
)

// Mapper is the OS memory-management collaborator (spec.md §6). The
// loader never calls the OS directly; every reservation, commit,
// protection change, and release goes through this interface so the
// core loading-and-relocation pipeline stays host-agnostic, with
// osmapper/ supplying the default golang.org/x/sys/unix-backed
// implementation.
type Mapper interface {
	// Reserve commits `length` bytes with ProtNone so no other mapping
	// can land inside the span before LOAD segments are committed into
	// it. addr is a hint (0 means "OS choice"); for ET_EXEC images the
	// loader passes the segment's absolute min_vaddr.
	Reserve(addr, length uintptr) (uintptr, error)

	// Mmap commits or file-maps `length` bytes at a fixed address
	// inside a prior Reserve. needCopy is set to true when the caller
	// must separately fill the region via Reader.ReadAt (i.e. the
	// Mapper could not honor a file-backed mapping, e.g. no fd or
	// Reader is not file-backed).
	Mmap(addr, length uintptr, prot Prot, flags MapFlags, fd uintptr, offset int64) (mapped uintptr, needCopy bool, err error)

	// MmapAnon commits anonymous zero pages at a fixed address inside
	// a prior Reserve.
	MmapAnon(addr, length uintptr, prot Prot, flags MapFlags) (uintptr, error)

	// Munmap releases a region. Segments.Close calls this exactly once
	// for the entire reservation (spec.md §3 Segments invariant).
	Munmap(addr, length uintptr) error

	// Mprotect changes permissions of an already-committed region.
	Mprotect(addr, length uintptr, prot Prot) error
}

// protFromFlags translates ELF p_flags (PF_R/PF_W/PF_X) to Prot.
func protFromFlags(r, w, x bool) Prot {
	var p Prot
	if r {
		p |= ProtRead
	}
	if w {
		p |= ProtWrite
	}
	if x {
		p |= ProtExec
	}
	return p
}
