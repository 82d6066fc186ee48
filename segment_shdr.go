package elfloader

import "github.com/blacktop/go-elfloader/types"

// mapShdrImage implements spec.md §4.D.2: when there is no program
// header table to drive mapping (the ET_REL object case), every
// SHF_ALLOC section is coalesced into one of three permission buckets
// (read-only, executable, writable) and the buckets are laid out
// consecutively in one reservation, each mprotect'd to its own
// permission once contents are copied in.
//
// Grounded on original_source/src/segment/shdr.rs's bucket-coalescing
// pass and other_examples/.../0890ba82_zboralski-galago's
// internal/emulator/elf.go, which lays out ET_REL sections into
// synthetic contiguous regions by permission class before relocating
// them — the same problem an object loader has with no phdrs to follow.
// shdrBucketLayout records where mapShdrImage put each permission
// bucket so a caller that needs to write into newly-allocated memory
// after the initial commit (the object path's synthesized PLT/GOT
// regions, patched during relocation) can defer the final mprotect to
// protectShdrBuckets instead of racing it.
type shdrBucketLayout struct {
	off      [types.BucketCount]uint64
	size     [types.BucketCount]uint64
	pageSize uint64
}

func mapShdrImage(r Reader, shdrs []types.Shdr64, m Mapper, pageSize uint64) (*Segments, map[int]uintptr, *shdrBucketLayout, error) {
	type placed struct {
		idx    int
		size   uint64
		align  uint64
		bucket types.PermBucket
	}

	var items []placed
	bucketSize := make([]uint64, types.BucketCount)
	for i, s := range shdrs {
		if types.SFlags(s.Flags)&types.SHF_ALLOC == 0 || s.Size == 0 {
			continue
		}
		align := s.Addralign
		if align == 0 {
			align = 1
		}
		b := types.BucketFor(types.SFlags(s.Flags))
		bucketSize[b] = alignUp(bucketSize[b], align) + s.Size
		items = append(items, placed{idx: i, size: s.Size, align: align, bucket: b})
	}
	if len(items) == 0 {
		return nil, nil, nil, newErr(KindParsePhdr, r.Name(), "no allocatable sections")
	}

	bucketOff := make([]uint64, types.BucketCount)
	var total uint64
	for b := 0; b < types.BucketCount; b++ {
		bucketOff[b] = alignUp(total, pageSize)
		total = bucketOff[b] + alignUp(bucketSize[b], pageSize)
	}

	mappedPtr, err := m.Reserve(0, uintptr(total))
	if err != nil {
		return nil, nil, nil, wrapErr(KindMmap, r.Name(), "reserve address space", err)
	}
	segs := &Segments{mapper: m, mappedPtr: mappedPtr, mappedLen: uintptr(total), offset: 0}

	if _, err := m.MmapAnon(mappedPtr, uintptr(total), ProtRead|ProtWrite, MapFixed|MapPrivate|MapAnonymous); err != nil {
		segs.Close()
		return nil, nil, nil, wrapErr(KindMmap, r.Name(), "commit object image", err)
	}

	cursor := append([]uint64{}, bucketOff...)
	sectionAddr := make(map[int]uintptr, len(items))
	for _, it := range items {
		cursor[it.bucket] = alignUp(cursor[it.bucket], it.align)
		addr := segs.Rebase(cursor[it.bucket])
		sectionAddr[it.idx] = addr
		cursor[it.bucket] += it.size

		s := shdrs[it.idx]
		if types.SType(s.Type) == types.SHT_NOBITS {
			continue // bss and the object path's synthesized PLT/GOT: anonymous pages are already zero
		}
		dst := viewBytes(addr, int(s.Size))
		if err := r.ReadAt(dst, int64(s.Off)); err != nil {
			segs.Close()
			return nil, nil, nil, wrapErr(KindIO, r.Name(), "read section contents", err)
		}
	}

	// Buckets stay RW past this point; the phdr-driven path finalizes
	// its RELRO/text permissions immediately because nothing further
	// touches that memory, but the object path still has relocation
	// patches (and, for PLT32 overflow, brand-new stub code) to write.
	// protectShdrBuckets applies the real RO/RX/RW split once that's done.
	layout := &shdrBucketLayout{pageSize: pageSize}
	for b := 0; b < types.BucketCount; b++ {
		layout.off[b] = bucketOff[b]
		layout.size[b] = bucketSize[b]
	}

	return segs, sectionAddr, layout, nil
}

// protectShdrBuckets applies mapShdrImage's deferred final permissions:
// read-only, read-execute, and read-write for the RO/RX/RW buckets
// respectively.
func protectShdrBuckets(name string, segs *Segments, m Mapper, layout *shdrBucketLayout) error {
	perms := [types.BucketCount]Prot{
		types.BucketRO: ProtRead,
		types.BucketRX: ProtRead | ProtExec,
		types.BucketRW: ProtRead | ProtWrite,
	}
	for b := 0; b < types.BucketCount; b++ {
		if layout.size[b] == 0 {
			continue
		}
		addr := segs.Rebase(layout.off[b])
		length := alignUp(layout.size[b], layout.pageSize)
		if err := m.Mprotect(addr, uintptr(length), perms[b]); err != nil {
			return wrapErr(KindMmap, name, "protect object bucket", err)
		}
	}
	return nil
}
