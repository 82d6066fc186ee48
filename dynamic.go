package elfloader

import (
	"github.com/blacktop/go-elfloader/types"
)

// HashKind tags which hash table variant a module carries (spec.md §3
// DynamicInfo "hash (typed tagged variant: GnuHash | SysVHash | None)").
type HashKind int

const (
	HashNone HashKind = iota
	HashGnu
	HashSysv
)

// DynamicRaw holds the unresolved, file-relative offsets extracted from
// walking the PT_DYNAMIC array (spec.md §3 "DynamicInfo (raw)"). Every
// tag in spec.md §4.A's "Tags observed" list that this loader acts on
// has a field here; unrecognized tags are silently skipped during the
// walk per spec.md.
type DynamicRaw struct {
	Needed []uint32 // DT_NEEDED string-table indices

	SymtabOff uint64
	StrtabOff uint64
	StrtabSz  uint64
	SymEnt    uint64

	HashKind HashKind
	HashOff  uint64 // DT_HASH or DT_GNU_HASH offset, per HashKind

	PltRelOff  uint64
	PltRelSz   uint64
	PltRelType types.DynTag // DT_REL or DT_RELA

	RelaOff   uint64
	RelaSz    uint64
	RelaEnt   uint64
	RelCount  uint64 // DT_RELACOUNT/DT_RELCOUNT
	IsRela    bool   // true if RELA-format dynamic relocations are used

	RelrOff uint64
	RelrSz  uint64

	InitOff       uint64
	HasInit       bool
	FiniOff       uint64
	HasFini       bool
	InitArrayOff  uint64
	InitArraySz   uint64
	FiniArrayOff  uint64
	FiniArraySz   uint64

	Flags  types.DFFlags
	Flags1 types.DF1Flags

	RPathIdx   uint32
	HasRPath   bool
	RunPathIdx uint32
	HasRunPath bool

	VersymOff     uint64
	VerneedOff    uint64
	VerneedNum    uint32
	VerdefOff     uint64
	VerdefNum     uint32

	PltGotOff uint64
}

// parseDynamicRaw walks the PT_DYNAMIC array starting at file offset
// dynOff, terminating at DT_NULL, per spec.md §4.A.
func parseDynamicRaw(r Reader, h *ElfHeader, dynOff uint64) (*DynamicRaw, error) {
	entries, err := readDynEntries(r, dynOff, h.Is64, h.ByteOrder)
	if err != nil {
		return nil, err
	}

	raw := &DynamicRaw{}
	for _, d := range entries {
		tag := types.DynTag(d.Tag)
		switch tag {
		case types.DT_NULL:
			// terminator; loop below also stops here
		case types.DT_NEEDED:
			raw.Needed = append(raw.Needed, uint32(d.Val))
		case types.DT_SYMTAB:
			raw.SymtabOff = d.Val
		case types.DT_STRTAB:
			raw.StrtabOff = d.Val
		case types.DT_STRSZ:
			raw.StrtabSz = d.Val
		case types.DT_SYMENT:
			raw.SymEnt = d.Val
		case types.DT_HASH:
			if raw.HashKind == HashNone {
				raw.HashKind = HashSysv
				raw.HashOff = d.Val
			}
		case types.DT_GNU_HASH:
			raw.HashKind = HashGnu
			raw.HashOff = d.Val
		case types.DT_PLTRELSZ:
			raw.PltRelSz = d.Val
		case types.DT_PLTREL:
			raw.PltRelType = types.DynTag(d.Val)
		case types.DT_JMPREL:
			raw.PltRelOff = d.Val
		case types.DT_RELA:
			raw.RelaOff = d.Val
			raw.IsRela = true
		case types.DT_RELASZ:
			raw.RelaSz = d.Val
		case types.DT_RELAENT:
			raw.RelaEnt = d.Val
		case types.DT_RELACOUNT:
			raw.RelCount = d.Val
		case types.DT_REL:
			if raw.RelaOff == 0 {
				raw.RelaOff = d.Val
			}
		case types.DT_RELSZ:
			if raw.RelaSz == 0 {
				raw.RelaSz = d.Val
			}
		case types.DT_RELENT:
			if raw.RelaEnt == 0 {
				raw.RelaEnt = d.Val
			}
		case types.DT_RELCOUNT:
			if raw.RelCount == 0 {
				raw.RelCount = d.Val
			}
		case types.DT_RELR:
			raw.RelrOff = d.Val
		case types.DT_RELRSZ:
			raw.RelrSz = d.Val
		case types.DT_INIT:
			raw.InitOff, raw.HasInit = d.Val, true
		case types.DT_FINI:
			raw.FiniOff, raw.HasFini = d.Val, true
		case types.DT_INIT_ARRAY:
			raw.InitArrayOff = d.Val
		case types.DT_INIT_ARRAYSZ:
			raw.InitArraySz = d.Val
		case types.DT_FINI_ARRAY:
			raw.FiniArrayOff = d.Val
		case types.DT_FINI_ARRAYSZ:
			raw.FiniArraySz = d.Val
		case types.DT_FLAGS:
			raw.Flags = types.DFFlags(d.Val)
		case types.DT_FLAGS_1:
			raw.Flags1 = types.DF1Flags(d.Val)
		case types.DT_RPATH:
			raw.RPathIdx, raw.HasRPath = uint32(d.Val), true
		case types.DT_RUNPATH:
			raw.RunPathIdx, raw.HasRunPath = uint32(d.Val), true
		case types.DT_VERSYM:
			raw.VersymOff = d.Val
		case types.DT_VERNEED:
			raw.VerneedOff = d.Val
		case types.DT_VERNEEDNUM:
			raw.VerneedNum = uint32(d.Val)
		case types.DT_VERDEF:
			raw.VerdefOff = d.Val
		case types.DT_VERDEFNUM:
			raw.VerdefNum = uint32(d.Val)
		case types.DT_PLTGOT:
			raw.PltGotOff = d.Val
		default:
			// unknown tags are silently skipped, per spec.md §4.A
		}
	}

	if raw.SymtabOff == 0 || raw.StrtabOff == 0 {
		return nil, newErr(KindParseDynamic, r.Name(), "missing DT_SYMTAB or DT_STRTAB")
	}
	if raw.HashKind == HashNone {
		// Caller decides whether synthesis is acceptable; parseDynamicRaw
		// itself only records the absence, checked by the image builder.
	}

	// Open Question resolution (DESIGN.md #1): DT_RELACOUNT must not
	// exceed the relocation array's entry count. The entry types on
	// either side of that count are checked by relocation passes 1 and 2.
	if raw.RelCount > 0 {
		n := raw.RelaSz / relEntrySize(raw)
		if raw.RelCount > n {
			return nil, newErr(KindParseDynamic, r.Name(), "DT_RELACOUNT exceeds relocation array size")
		}
	}

	return raw, nil
}

func relEntrySize(raw *DynamicRaw) uint64 {
	if raw.RelaEnt != 0 {
		return raw.RelaEnt
	}
	if raw.IsRela {
		return types.Rela64Size
	}
	return types.Rel64Size
}

// DynamicInfo is the load-base-rebased view of DynamicRaw: every file
// offset becomes a live process address (spec.md §3 "DynamicInfo
// (resolved)"). It is constructed once, lazily, by the image builder
// (image.go).
type DynamicInfo struct {
	raw  *DynamicRaw
	segs *Segments

	SymtabAddr uintptr
	StrtabAddr uintptr
	StrtabLen  int

	HashKind HashKind
	HashAddr uintptr

	PltRelAddr uintptr
	PltRelSz   uint64
	PltIsRela  bool

	RelaAddr uintptr
	RelaSz   uint64
	RelaEnt  uint64
	RelCount uint64
	IsRela   bool

	RelrAddr uintptr
	RelrSz   uint64

	InitAddr      uintptr
	HasInit       bool
	FiniAddr      uintptr
	HasFini       bool
	InitArrayAddr uintptr
	InitArrayN    int
	FiniArrayAddr uintptr
	FiniArrayN    int

	Flags  types.DFFlags
	Flags1 types.DF1Flags

	PltGotAddr uintptr
}

func resolveDynamicInfo(raw *DynamicRaw, segs *Segments, is64 bool) *DynamicInfo {
	symEnt := raw.SymEnt
	if symEnt == 0 {
		if is64 {
			symEnt = types.Sym64Size
		} else {
			symEnt = types.Sym32Size
		}
	}
	relaEnt := relEntrySize(raw)

	di := &DynamicInfo{
		raw:        raw,
		segs:       segs,
		SymtabAddr: segs.Rebase(raw.SymtabOff),
		StrtabAddr: segs.Rebase(raw.StrtabOff),
		StrtabLen:  int(raw.StrtabSz),
		HashKind:   raw.HashKind,
		PltRelAddr: segs.Rebase(raw.PltRelOff),
		PltRelSz:   raw.PltRelSz,
		PltIsRela:  raw.PltRelType == types.DT_RELA,
		RelaAddr:   segs.Rebase(raw.RelaOff),
		RelaSz:     raw.RelaSz,
		RelaEnt:    relaEnt,
		RelCount:   raw.RelCount,
		IsRela:     raw.IsRela,
		RelrAddr:   segs.Rebase(raw.RelrOff),
		RelrSz:     raw.RelrSz,
		HasInit:    raw.HasInit,
		HasFini:    raw.HasFini,
		InitArrayAddr: segs.Rebase(raw.InitArrayOff),
		InitArrayN:    int(raw.InitArraySz / 8),
		FiniArrayAddr: segs.Rebase(raw.FiniArrayOff),
		FiniArrayN:    int(raw.FiniArraySz / 8),
		Flags:      raw.Flags,
		Flags1:     raw.Flags1,
		PltGotAddr: segs.Rebase(raw.PltGotOff),
	}
	if raw.HasInit {
		di.InitAddr = segs.Rebase(raw.InitOff)
	}
	if raw.HasFini {
		di.FiniAddr = segs.Rebase(raw.FiniOff)
	}
	if raw.HashKind != HashNone {
		di.HashAddr = segs.Rebase(raw.HashOff)
	}
	_ = symEnt
	return di
}

// NeededNames returns the DT_NEEDED library name strings. The loader
// does not open them (Non-goal, spec.md §1); this is read-only
// enumeration for a caller-supplied dependency resolver
// (SPEC_FULL.md domain-stack supplement).
func (di *DynamicInfo) NeededNames() []string {
	strtab := viewBytes(di.StrtabAddr, di.StrtabLen)
	out := make([]string, 0, len(di.raw.Needed))
	for _, idx := range di.raw.Needed {
		out = append(out, cstr(strtab, idx))
	}
	return out
}

// RPath and RunPath expose the raw DT_RPATH/DT_RUNPATH strings without
// resolving them (Non-goal preserved, see SPEC_FULL.md).
func (di *DynamicInfo) RPath() (string, bool) {
	if !di.raw.HasRPath {
		return "", false
	}
	strtab := viewBytes(di.StrtabAddr, di.StrtabLen)
	return cstr(strtab, di.raw.RPathIdx), true
}

func (di *DynamicInfo) RunPath() (string, bool) {
	if !di.raw.HasRunPath {
		return "", false
	}
	strtab := viewBytes(di.StrtabAddr, di.StrtabLen)
	return cstr(strtab, di.raw.RunPathIdx), true
}

// BindNow reports whether eager binding was requested by the object
// itself via DT_FLAGS/DT_FLAGS_1, independent of the caller's
// Relocator.Lazy override.
func (di *DynamicInfo) BindNow() bool {
	return di.Flags&types.DF_BIND_NOW != 0 || di.Flags1&types.DF_1_NOW != 0
}
