package elfloader

import (
	"github.com/blacktop/go-elfloader/types"
)

// mapPhdrImage implements spec.md §4.D.1: reserve the full
// [min_vaddr, max_vaddr) span (page-aligned outward), commit each
// PT_LOAD segment's share of it, and zero-fill any BSS tail.
//
// Grounded on other_examples/.../sliverarmory-reflektor/memmod_linux.go's
// mapELFImage: that function computes the same min/max vaddr span,
// mmaps one anonymous RW region for the whole span, and copies file
// bytes in per segment — which has the pleasant side effect of
// zero-filling BSS for free (a fresh anonymous mapping is always
// zero). This mapper commits per PT_LOAD segment instead: the
// anonymous-commit path gets a zero BSS the same way, while the
// file-backed path commits whole BSS pages past the file-backed span as
// a separate anonymous range (spec.md §4.D.1's "if the zero tail
// crosses page boundaries, an additional anonymous mapping is
// created") and clears the file bytes that follow p_filesz on the last
// file-backed page. Final per-segment protection is
// applied afterward via Mapper.Mprotect, once file contents are copied
// in (copying into a not-yet-writable page would fail).
func mapPhdrImage(r Reader, loads []types.Phdr64, etype types.Type, m Mapper, pageSize uint64) (*Segments, *RelroRegion, error) {
	if len(loads) == 0 {
		return nil, nil, newErr(KindParsePhdr, r.Name(), "no PT_LOAD segments")
	}

	minV := ^uint64(0)
	var maxV uint64
	for _, p := range loads {
		if p.Memsz == 0 {
			continue
		}
		lo := alignDown(p.Vaddr, pageSize)
		hi := alignUp(p.Vaddr+p.Memsz, pageSize)
		if hi <= lo {
			return nil, nil, newErr(KindParsePhdr, r.Name(), "invalid PT_LOAD vaddr/memsz range")
		}
		if lo < minV {
			minV = lo
		}
		if hi > maxV {
			maxV = hi
		}
	}
	if minV == ^uint64(0) || maxV <= minV {
		return nil, nil, newErr(KindParsePhdr, r.Name(), "no loadable PT_LOAD segments")
	}
	total := uintptr(maxV - minV)

	var reserveAddr uintptr
	if etype == types.ET_EXEC {
		reserveAddr = uintptr(minV)
	}
	mappedPtr, err := m.Reserve(reserveAddr, total)
	if err != nil {
		return nil, nil, wrapErr(KindMmap, r.Name(), "reserve address space", err)
	}

	segs := &Segments{mapper: m, mappedPtr: mappedPtr, mappedLen: total, offset: minV}

	for _, p := range loads {
		if types.PType(p.Type) != types.PT_LOAD || p.Memsz == 0 {
			continue
		}
		segLo := alignDown(p.Vaddr, pageSize)
		segHi := alignUp(p.Vaddr+p.Memsz, pageSize)
		segAddr := segs.Rebase(segLo)
		segLen := uintptr(segHi - segLo)

		// spec.md §4.D.1: file-backed mapping when the Reader exposes a
		// descriptor, falling back to an anonymous commit plus ReadAt
		// copy (needCopy, or no descriptor at all) otherwise. Either way
		// the trailing BSS pages beyond the last file-backed page are a
		// separate anonymous commit, since mmap can't back memory past
		// the end of the file-content span with file contents.
		fd, hasFd := r.Fd()
		if hasFd && p.Filesz > 0 {
			fileOff := alignDown(p.Off, pageSize)
			backedSpan := uintptr(alignUp(p.Off+p.Filesz, pageSize) - fileOff)
			if backedSpan > segLen {
				backedSpan = segLen
			}
			_, needCopy, err := m.Mmap(segAddr, backedSpan, ProtRead|ProtWrite, MapFixed|MapPrivate, fd, int64(fileOff))
			if err != nil {
				segs.Close()
				return nil, nil, wrapErr(KindMmap, r.Name(), "file-map PT_LOAD segment", err)
			}
			if backedSpan < segLen {
				if _, err := m.MmapAnon(segAddr+backedSpan, segLen-backedSpan, ProtRead|ProtWrite, MapFixed|MapPrivate|MapAnonymous); err != nil {
					segs.Close()
					return nil, nil, wrapErr(KindMmap, r.Name(), "commit PT_LOAD BSS tail", err)
				}
			}
			if needCopy {
				dstSlice := viewBytes(segs.Rebase(p.Vaddr), int(p.Filesz))
				if err := r.ReadAt(dstSlice, int64(p.Off)); err != nil {
					segs.Close()
					return nil, nil, wrapErr(KindIO, r.Name(), "read PT_LOAD segment contents", err)
				}
			}
			if p.Memsz > p.Filesz {
				tailStart := segs.Rebase(p.Vaddr + p.Filesz)
				tailEnd := segAddr + backedSpan
				if memEnd := segs.Rebase(p.Vaddr + p.Memsz); memEnd < tailEnd {
					tailEnd = memEnd
				}
				if tailEnd > tailStart {
					clear(viewBytes(tailStart, int(tailEnd-tailStart)))
				}
			}
		} else {
			if _, err := m.MmapAnon(segAddr, segLen, ProtRead|ProtWrite, MapFixed|MapPrivate|MapAnonymous); err != nil {
				segs.Close()
				return nil, nil, wrapErr(KindMmap, r.Name(), "commit PT_LOAD segment", err)
			}
			if p.Filesz > 0 {
				dstSlice := viewBytes(segs.Rebase(p.Vaddr), int(p.Filesz))
				if err := r.ReadAt(dstSlice, int64(p.Off)); err != nil {
					segs.Close()
					return nil, nil, wrapErr(KindIO, r.Name(), "read PT_LOAD segment contents", err)
				}
			}
		}

		prot := protFromFlags(types.PFlags(p.Flags)&types.PF_R != 0, types.PFlags(p.Flags)&types.PF_W != 0, types.PFlags(p.Flags)&types.PF_X != 0)
		if err := m.Mprotect(segAddr, segLen, prot); err != nil {
			segs.Close()
			return nil, nil, wrapErr(KindMmap, r.Name(), "protect PT_LOAD segment", err)
		}
	}

	var relro *RelroRegion
	for _, p := range loads {
		if types.PType(p.Type) == types.PT_GNU_RELRO {
			relro = &RelroRegion{Addr: segs.Rebase(p.Vaddr), Len: uintptr(p.Memsz)}
		}
	}

	return segs, relro, nil
}
