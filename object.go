package elfloader

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/go-elfloader/arch"
	"github.com/blacktop/go-elfloader/types"
)

const (
	synthPltEntrySize = 16
	synthGotEntrySize = 8
)

// PltGotSection is bookkeeping for the call stubs the object path
// synthesises on demand (spec.md §3 "PltGotSection (object path
// only)"): a PLT entry is allocated the first time a PLT32 relocation's
// displacement to its target overflows signed 32 bits, one stub per
// distinct symbol thereafter reused.
type PltGotSection struct {
	pltAddr      uintptr
	gotAddr      uintptr
	gotPltAddr   uintptr
	pltEntrySize int
	capacity     int
	next         int
	bySymbol     map[uint32]uintptr
}

// stubFor returns the PLT stub address for symIndex, allocating one
// from the reserved capacity on first use.
func (p *PltGotSection) stubFor(symIndex uint32) (uintptr, bool) {
	if p == nil {
		return 0, false
	}
	if addr, ok := p.bySymbol[symIndex]; ok {
		return addr, true
	}
	if p.next >= p.capacity {
		return 0, false
	}
	addr := p.pltAddr + uintptr(p.next*p.pltEntrySize)
	p.bySymbol[symIndex] = addr
	p.next++
	return addr, true
}

// ObjectImage is the product of the ET_REL front-end (spec.md §4.I): no
// PT_LOAD, no PT_DYNAMIC, so the section-header-driven mapper commits
// memory and a synthesized hash backs symbol lookup instead of an
// on-disk GNU/SysV table.
//
// Grounded on original_source/src/segment/shdr.rs for the bucketing
// idea and generalized here to also carry the synthesized .plt/.got/
// .got.plt regions, since no original_source file implements the
// ET_REL front-end itself (object.rs there is an ElfObject/Reader
// abstraction, unrelated to this relocatable-input path).
type ObjectImage struct {
	Header      *ElfHeader
	Segs        *Segments
	Shdrs       []types.Shdr64 // original section list, unextended
	SectionAddr map[int]uintptr
	Symtab      *SymbolTable
	PltGot      *PltGotSection

	reader  Reader
	relSecs []int
	layout  *shdrBucketLayout
}

func (oi *ObjectImage) elfHeader() *ElfHeader { return oi.Header }

// buildObjectImage implements spec.md §4.I steps 1-6: read section
// headers, bucket allocatable sections plus synthesized PLT/GOT/
// GOT.PLT regions through the shdr-driven mapper in one reservation,
// rewrite every defined symbol's st_value to be base-relative the same
// way the dynamic path's symbols already are, and build a synthesized-
// hash SymbolTable over the rewritten copy.
func buildObjectImage(r Reader, h *ElfHeader, cfg *LoaderConfig) (*ObjectImage, error) {
	shdrs, err := readShdrs(r, h)
	if err != nil {
		return nil, err
	}

	symSecIdx, strSecIdx := -1, -1
	for i, s := range shdrs {
		if types.SType(s.Type) == types.SHT_SYMTAB {
			symSecIdx = i
			strSecIdx = int(s.Link)
			break
		}
	}
	if symSecIdx < 0 {
		return nil, newErr(KindParsePhdr, r.Name(), "object file has no SHT_SYMTAB section")
	}

	var relSecs []int
	var relCount int
	for i, s := range shdrs {
		switch types.SType(s.Type) {
		case types.SHT_REL, types.SHT_RELA:
			relSecs = append(relSecs, i)
			if s.Entsize != 0 {
				relCount += int(s.Size / s.Entsize)
			}
		}
	}

	ext := append([]types.Shdr64{}, shdrs...)

	// SHT_NOBITS (rather than SHT_PROGBITS) tells mapShdrImage to leave
	// these regions as the fresh zeroed anonymous pages they already are
	// instead of copying file content from the meaningless zero Off
	// they'd otherwise inherit.
	pltIdx := len(ext)
	ext = append(ext, types.Shdr64{
		Type: uint32(types.SHT_NOBITS), Flags: uint64(types.SHF_ALLOC | types.SHF_EXECINSTR),
		Size: uint64(relCount * synthPltEntrySize), Addralign: 16,
	})
	gotIdx := len(ext)
	ext = append(ext, types.Shdr64{
		Type: uint32(types.SHT_NOBITS), Flags: uint64(types.SHF_ALLOC | types.SHF_WRITE),
		Size: uint64(relCount * synthGotEntrySize), Addralign: 8,
	})
	gotPltIdx := len(ext)
	ext = append(ext, types.Shdr64{
		Type: uint32(types.SHT_NOBITS), Flags: uint64(types.SHF_ALLOC | types.SHF_WRITE),
		Size: uint64(relCount * synthGotEntrySize), Addralign: 8,
	})

	// The symbol table and its string table are not SHF_ALLOC in a
	// relocatable object (they are link-time metadata, not runtime
	// data), so they are copied into the reservation as writable/
	// read-only alloc sections of their own: mapShdrImage's normal
	// file-content copy populates them from the same file offset,
	// and the symtab copy is then patched in place below.
	symCopyIdx := len(ext)
	symCopy := shdrs[symSecIdx]
	symCopy.Flags = uint64(types.SHF_ALLOC | types.SHF_WRITE)
	ext = append(ext, symCopy)

	strCopyIdx := -1
	if strSecIdx >= 0 && strSecIdx < len(shdrs) {
		strCopyIdx = len(ext)
		strCopy := shdrs[strSecIdx]
		strCopy.Flags = uint64(types.SHF_ALLOC)
		ext = append(ext, strCopy)
	}

	segs, sectionAddr, layout, err := mapShdrImage(r, ext, cfg.Mapper, cfg.pageSize())
	if err != nil {
		return nil, err
	}

	entSize := int(shdrs[symSecIdx].Entsize)
	if entSize == 0 {
		entSize = types.Sym64Size
	}
	symCount := int(shdrs[symSecIdx].Size) / entSize
	symAddr, haveSymtab := sectionAddr[symCopyIdx]
	if !haveSymtab {
		return nil, newErr(KindParsePhdr, r.Name(), "symbol table section was not committed")
	}

	for i := 0; i < symCount; i++ {
		data := viewBytes(symAddr, (i+1)*entSize)
		sym := readSym(data, i, h.Is64, h.ByteOrder)
		if sym.Shndx == types.SHN_UNDEF || int(sym.Shndx) >= len(shdrs) {
			continue
		}
		secAddr, ok := sectionAddr[int(sym.Shndx)]
		if !ok {
			continue
		}
		newValue := uint64(secAddr-segs.Base()) + sym.Value
		writeSymValue(symAddr, i, h.Is64, newValue)
	}

	var strtabAddr uintptr
	var strtabLen int
	if strCopyIdx >= 0 {
		strtabAddr = sectionAddr[strCopyIdx]
		strtabLen = int(shdrs[strSecIdx].Size)
	}

	di := &DynamicInfo{SymtabAddr: symAddr, StrtabAddr: strtabAddr, StrtabLen: strtabLen}
	st := newSymbolTable(di, h, nil)
	st.hash = buildSyntheticHash(st, symCount)

	var pg *PltGotSection
	if relCount > 0 {
		pg = &PltGotSection{
			pltAddr: sectionAddr[pltIdx], gotAddr: sectionAddr[gotIdx], gotPltAddr: sectionAddr[gotPltIdx],
			pltEntrySize: synthPltEntrySize, capacity: relCount, bySymbol: make(map[uint32]uintptr),
		}
	}

	return &ObjectImage{
		Header: h, Segs: segs, Shdrs: shdrs, SectionAddr: sectionAddr,
		Symtab: st, PltGot: pg, reader: r, relSecs: relSecs, layout: layout,
	}, nil
}

// writeSymValue patches the st_value field of symbol index idx in a
// live (already-mapped) symbol table, honoring the Sym64/Sym32 layout
// difference.
func writeSymValue(base uintptr, idx int, is64 bool, value uint64) {
	if is64 {
		writeUint64(base+uintptr(idx*types.Sym64Size)+8, value)
		return
	}
	writeUint32(base+uintptr(idx*types.Sym32Size)+4, uint32(value))
}

// ObjectRelocator drives spec.md §4.I step 7 for a section-header-only
// object: relocation entries are scattered across one SHT_REL/SHT_RELA
// section per patched section rather than one consolidated dynamic
// array, and the role set is different (absolute 64/32-bit,
// PC-relative 32-bit, PLT-relative 32-bit, GOT-relative 32-bit).
// Object relocation is always eager; spec.md describes no lazy PLT for
// ET_REL input.
type ObjectRelocator struct {
	img  *ObjectImage
	core *ModuleCore

	PreFind     FindFunc
	Scope       []*LoadedModule
	PostFind    FindFunc
	PreHandler  HandlerFunc
	PostHandler HandlerFunc
}

// ObjectRelocator starts a relocator builder for a RawElf produced by
// the ET_REL front-end, the object-path counterpart to RawElf.Relocator.
func (r *RawElf) ObjectRelocator() (*ObjectRelocator, error) {
	img, ok := r.core.img.(*ObjectImage)
	if !ok {
		return nil, newErr(KindRelocate, r.core.name, "ObjectRelocator used on a non-object-path module")
	}
	return &ObjectRelocator{img: img, core: r.core}, nil
}

func (rl *ObjectRelocator) WithScope(scope []*LoadedModule) *ObjectRelocator  { rl.Scope = scope; return rl }
func (rl *ObjectRelocator) WithPreFind(f FindFunc) *ObjectRelocator          { rl.PreFind = f; return rl }
func (rl *ObjectRelocator) WithPostFind(f FindFunc) *ObjectRelocator         { rl.PostFind = f; return rl }
func (rl *ObjectRelocator) WithPreHandler(f HandlerFunc) *ObjectRelocator    { rl.PreHandler = f; return rl }
func (rl *ObjectRelocator) WithPostHandler(f HandlerFunc) *ObjectRelocator   { rl.PostHandler = f; return rl }

func (rl *ObjectRelocator) resolve(name string, pc PreComputedHash, used []bool) (uintptr, bool) {
	if rl.PreFind != nil {
		if addr, ok := rl.PreFind(name); ok {
			return addr, true
		}
	}
	for i, m := range rl.Scope {
		if m == nil {
			continue
		}
		if addr, ok := m.lookupOwn(name, pc); ok {
			used[i] = true
			return addr, true
		}
	}
	if rl.PostFind != nil {
		if addr, ok := rl.PostFind(name); ok {
			return addr, true
		}
	}
	return 0, false
}

// Relocate performs step 7: walk every relocation section, resolve
// each entry's symbol, and apply the role-specific patch at
// SectionAddr[target] + r_offset (the "same address arithmetic as the
// dynamic path" spec.md asks for, computed on the fly rather than
// persisted back into the file-relative r_offset).
func (rl *ObjectRelocator) Relocate(ctx context.Context) (*LoadedModule, error) {
	img := rl.img
	core := rl.core
	base := img.Segs.Base()

	a := arch.ByMachine(uint16(img.Header.Machine))
	if a == nil {
		return nil, newErr(KindRelocate, core.name, "no architecture descriptor for relocation")
	}

	used := make([]bool, len(rl.Scope))

	for _, secIdx := range img.relSecs {
		s := img.Shdrs[secIdx]
		target := int(s.Info)
		targetAddr, ok := img.SectionAddr[target]
		if !ok {
			continue // relocations against a section that was never mapped (e.g. debug info)
		}
		isRela := types.SType(s.Type) == types.SHT_RELA
		entSize := uint64(types.Rel64Size)
		if isRela {
			entSize = uint64(types.Rela64Size)
		}
		if s.Entsize != 0 {
			entSize = s.Entsize
		}
		count := s.Size / entSize

		buf := make([]byte, s.Size)
		if err := img.reader.ReadAt(buf, int64(s.Off)); err != nil {
			return nil, wrapErr(KindIO, core.name, "read relocation section", err)
		}

		for i := uint64(0); i < count; i++ {
			entry := buf[i*entSize:]
			offset := binary.LittleEndian.Uint64(entry)
			info := binary.LittleEndian.Uint64(entry[8:])
			symIndex := types.R_SYM64(info)
			typeCode := types.R_TYPE64(info)
			var addend int64
			if isRela {
				addend = int64(binary.LittleEndian.Uint64(entry[16:]))
			}

			patchAddr := targetAddr + uintptr(offset)
			role := a.RelocRole(typeCode)

			if !isRela && role != arch.RoleRelative {
				addend = int64(viewUint64(patchAddr))
			}

			var symName string
			var symAddr uintptr
			var symResolved bool
			if symIndex != 0 {
				sym, info := img.Symtab.rawSymbolAt(symIndex)
				symName = info.Name
				if sym.Shndx != types.SHN_UNDEF {
					symAddr = base + uintptr(sym.Value)
					symResolved = true
				}
			}

			rc := &RelocationContext{Offset: offset, SymIndex: symIndex, TypeCode: typeCode, Addend: addend, SymbolName: symName}

			if rl.PreHandler != nil {
				res, err := rl.PreHandler(rc)
				if err != nil {
					return nil, wrapErr(KindRelocate, core.name, "pre-handler rejected relocation", err)
				}
				if res.Handled {
					markUsed(used, res)
					continue
				}
			}

			if !symResolved && symIndex != 0 {
				pc := Precompute(symName)
				addr, ok := rl.resolve(symName, pc, used)
				if !ok {
					if rl.PostHandler != nil {
						res, herr := rl.PostHandler(rc)
						if herr != nil {
							return nil, wrapErr(KindRelocate, core.name, "post-handler rejected relocation", herr)
						}
						if res.Handled {
							markUsed(used, res)
							continue
						}
					}
					return nil, unresolvedErr(core.name, rc)
				}
				symAddr, symResolved = addr, true
			}

			switch role {
			case arch.RoleSymbolic:
				writeUint64(patchAddr, uint64(int64(symAddr)+addend))
			case arch.RoleAbs32:
				writeUint32(patchAddr, uint32(int64(symAddr)+addend))
			case arch.RolePC32:
				writeUint32(patchAddr, uint32(int64(symAddr)+addend-int64(patchAddr)))
			case arch.RoleGOTPCREL:
				gotSlot, err := rl.gotSlotFor(img, symIndex, symAddr)
				if err != nil {
					return nil, err
				}
				writeUint32(patchAddr, uint32(int64(gotSlot)+addend-int64(patchAddr)))
			case arch.RolePLT32:
				disp := int64(symAddr) + addend - int64(patchAddr)
				if disp < -(1<<31) || disp >= (1<<31) {
					stub, ok := img.PltGot.stubFor(symIndex)
					if !ok {
						return nil, newErr(KindRelocate, core.name, fmt.Sprintf("PLT capacity exhausted for symbol %q", symName))
					}
					writePltStub(stub, symAddr)
					disp = int64(stub) + addend - int64(patchAddr)
				}
				writeUint32(patchAddr, uint32(disp))
			default:
				if rl.PostHandler != nil {
					res, herr := rl.PostHandler(rc)
					if herr != nil {
						return nil, wrapErr(KindRelocate, core.name, "post-handler rejected relocation", herr)
					}
					if res.Handled {
						markUsed(used, res)
						continue
					}
				}
				return nil, newErr(KindRelocate, core.name, fmt.Sprintf("unhandled object relocation type %d at offset %#x", typeCode, offset))
			}
		}
	}

	// Step 8: downgrade RO/RX buckets now that all patches are written.
	if err := img.downgradePermissions(core.name, core.cfg.Mapper); err != nil {
		return nil, err
	}

	core.dynInfo = nil
	core.symtab = img.Symtab

	var deps []*LoadedModule
	for i, u := range used {
		if u && rl.Scope[i] != nil {
			rl.Scope[i].AddRef()
			deps = append(deps, rl.Scope[i])
		}
	}
	core.deps = deps
	core.isInit.Store(true)
	return &LoadedModule{ModuleCore: core}, nil
}

// gotSlotFor tracks which symbol indices already have a .got slot
// allocated, mirroring PltGotSection.bySymbol but for the plain GOT
// (GOTPCREL loads, not calls through the PLT).
func (rl *ObjectRelocator) gotSlotFor(img *ObjectImage, symIndex uint32, symAddr uintptr) (uintptr, error) {
	pg := img.PltGot
	if pg == nil || pg.gotAddr == 0 {
		return 0, newErr(KindRelocate, rl.core.name, "GOTPCREL relocation with no synthesized .got")
	}
	if pg.bySymbol == nil {
		pg.bySymbol = make(map[uint32]uintptr)
	}
	const gotKeyBit = uint32(1) << 31 // disjoint key space from PLT's bySymbol map (same struct, different slot kind)
	key := symIndex | gotKeyBit
	if addr, ok := pg.bySymbol[key]; ok {
		return addr, nil
	}
	slot := pg.next
	if slot >= pg.capacity {
		return 0, newErr(KindRelocate, rl.core.name, "synthesized .got capacity exhausted")
	}
	pg.next++
	addr := pg.gotAddr + uintptr(slot*synthGotEntrySize)
	writeUintptr(addr, symAddr)
	pg.bySymbol[key] = addr
	return addr, nil
}

// writePltStub writes a minimal eager call stub at addr that jumps
// directly to target: `movabs $target, %rax; jmp *%rax`, 12 bytes,
// padded to the architecture's fixed PLT entry size. This is the
// object path's only consumer of synthesized PLT memory, so the stub
// encoding is fixed to x86-64 rather than dispatched through arch.Arch
// (no other architecture's ET_REL psABI is in scope here, per spec.md
// §4.I's own "PLT32/PC32/GOTPCREL" wording).
func writePltStub(addr uintptr, target uintptr) {
	buf := viewBytes(addr, synthPltEntrySize)
	buf[0], buf[1] = 0x48, 0xb8 // movabs $imm64, %rax
	writeUint64(addr+2, uint64(target))
	buf[10], buf[11] = 0xff, 0xe0 // jmp *%rax
}

// downgradePermissions implements spec.md §4.I step 8: once every
// relocation has been applied, the read-only and read-execute buckets
// no longer need to be writable (they were mapped RW initially so
// section contents, the symbol-table patch, and any synthesized PLT
// stub code could be written in).
func (oi *ObjectImage) downgradePermissions(name string, m Mapper) error {
	if oi.layout == nil {
		return nil
	}
	return protectShdrBuckets(name, oi.Segs, m, oi.layout)
}
