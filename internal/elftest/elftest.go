// Package elftest synthesizes minimal, valid little-endian ELF64
// images in memory for use by the rest of the module's tests, in place
// of the base64-embedded real binaries the teacher's file_test.go
// checks in: this loader's fixtures need specific dynamic-array,
// relocation, and section-header shapes that no convenient small real
// binary exercises on demand, so they are built byte-by-byte here
// instead, the way original_source/tools/gen-elf assembles its test
// objects field-by-field rather than linking a real compiler toolchain.
package elftest

import (
	"encoding/binary"
	"errors"

	"github.com/blacktop/go-elfloader/types"
)

// BytesReader adapts an in-memory image to elfloader.Reader, for tests
// that have no real file on disk to open (mirroring osmapper.FileReader's
// role for real files).
type BytesReader struct {
	name string
	data []byte
}

// NewBytesReader wraps data under name, the string ParseHeader/loader
// errors report as the failing file's identity.
func NewBytesReader(name string, data []byte) *BytesReader {
	return &BytesReader{name: name, data: data}
}

func (r *BytesReader) Name() string { return r.name }

func (r *BytesReader) ReadAt(buf []byte, offset int64) error {
	if offset < 0 || offset > int64(len(r.data)) {
		return errors.New("elftest: read past end of image")
	}
	n := copy(buf, r.data[offset:])
	if n < len(buf) {
		return errors.New("elftest: short read past end of image")
	}
	return nil
}

func (r *BytesReader) Fd() (uintptr, bool) { return 0, false }

// buf is an append-only little-endian byte buffer with fixed-size
// reservations patched in place once later offsets are known.
type buf struct {
	b []byte
}

func (w *buf) pos() uint64 { return uint64(len(w.b)) }

func (w *buf) padTo(align uint64) {
	for align > 0 && uint64(len(w.b))%align != 0 {
		w.b = append(w.b, 0)
	}
}

func (w *buf) reserve(n int) uint64 {
	off := w.pos()
	w.b = append(w.b, make([]byte, n)...)
	return off
}

func (w *buf) append(p []byte) uint64 {
	off := w.pos()
	w.b = append(w.b, p...)
	return off
}

func (w *buf) putU16(off uint64, v uint16) { binary.LittleEndian.PutUint16(w.b[off:], v) }
func (w *buf) putU32(off uint64, v uint32) { binary.LittleEndian.PutUint32(w.b[off:], v) }
func (w *buf) putU64(off uint64, v uint64) { binary.LittleEndian.PutUint64(w.b[off:], v) }
func (w *buf) putI64(off uint64, v int64)  { binary.LittleEndian.PutUint64(w.b[off:], uint64(v)) }
func (w *buf) putByte(off uint64, v byte)  { w.b[off] = v }

// strTab accumulates a null-first, null-separated ELF string table.
type strTab struct {
	data []byte
}

func newStrTab() *strTab { return &strTab{data: []byte{0}} }

func (s *strTab) add(name string) uint32 {
	if name == "" {
		return 0
	}
	off := uint32(len(s.data))
	s.data = append(s.data, name...)
	s.data = append(s.data, 0)
	return off
}

func putEhdr(w *buf, off uint64, etype, machine uint16, phoff, shoff uint64, phnum, shnum, shstrndx uint16) {
	copy(w.b[off:], types.ElfMagic[:])
	w.putByte(off+uint64(types.EI_CLASS), byte(types.ELFCLASS64))
	w.putByte(off+uint64(types.EI_DATA), byte(types.ELFDATA2LSB))
	w.putByte(off+uint64(types.EI_VERSION), byte(types.EV_CURRENT))
	w.putByte(off+uint64(types.EI_OSABI), byte(types.ELFOSABI_LINUX))

	b := off + types.EI_NIDENT
	w.putU16(b+0, etype)
	w.putU16(b+2, machine)
	w.putU32(b+4, uint32(types.EV_CURRENT))
	w.putU64(b+8, 0) // e_entry, unused by this loader
	w.putU64(b+16, phoff)
	w.putU64(b+24, shoff)
	w.putU32(b+32, 0) // e_flags
	w.putU16(b+36, types.Ehdr64Size)
	w.putU16(b+38, types.Phdr64Size)
	w.putU16(b+40, phnum)
	w.putU16(b+42, types.Shdr64Size)
	w.putU16(b+44, shnum)
	w.putU16(b+46, shstrndx)
}

func putPhdr(w *buf, off uint64, p types.Phdr64) {
	w.putU32(off+0, p.Type)
	w.putU32(off+4, p.Flags)
	w.putU64(off+8, p.Off)
	w.putU64(off+16, p.Vaddr)
	w.putU64(off+24, p.Paddr)
	w.putU64(off+32, p.Filesz)
	w.putU64(off+40, p.Memsz)
	w.putU64(off+48, p.Align)
}

func putShdr(w *buf, off uint64, s types.Shdr64) {
	w.putU32(off+0, s.Name)
	w.putU32(off+4, s.Type)
	w.putU64(off+8, s.Flags)
	w.putU64(off+16, s.Addr)
	w.putU64(off+24, s.Off)
	w.putU64(off+32, s.Size)
	w.putU32(off+40, s.Link)
	w.putU32(off+44, s.Info)
	w.putU64(off+48, s.Addralign)
	w.putU64(off+56, s.Entsize)
}

func putSym(w *buf, off uint64, name uint32, info, other byte, shndx uint16, value, size uint64) {
	w.putU32(off+0, name)
	w.putByte(off+4, info)
	w.putByte(off+5, other)
	w.putU16(off+6, shndx)
	w.putU64(off+8, value)
	w.putU64(off+16, size)
}

func putDyn(w *buf, off uint64, tag types.DynTag, val uint64) {
	w.putI64(off+0, int64(tag))
	w.putU64(off+8, val)
}

func putRela(w *buf, off uint64, r uint64, sym, typ uint32, addend int64) {
	w.putU64(off+0, r)
	w.putU64(off+8, types.R_INFO64(sym, typ))
	w.putI64(off+16, addend)
}

// buildSysvHash lays out a one-bucket classic .hash section covering
// symbol indices [1, n]: every name hashes into the same bucket and
// Lookup walks the whole chain, which is all a fixture with a handful
// of symbols needs.
func buildSysvHash(w *buf, n int) uint64 {
	off := w.pos()
	nbucket, nchain := uint32(1), uint32(n+1)
	w.reserve(8 + int(nbucket)*4 + int(nchain)*4)
	w.putU32(off+0, nbucket)
	w.putU32(off+4, nchain)
	bucketOff := off + 8
	if n > 0 {
		w.putU32(bucketOff, 1)
	} else {
		w.putU32(bucketOff, 0)
	}
	chainOff := bucketOff + 4
	for i := 1; i <= n; i++ {
		next := uint32(i + 1)
		if i == n {
			next = 0
		}
		w.putU32(chainOff+uint64(i)*4, next)
	}
	return off
}

// Region identifies where a dynamic symbol's value falls, resolved to
// an absolute link-time vaddr once the text/data regions are laid out
// (this loader's dynamic path reads st_value as already being a link-
// time vaddr, unlike the ET_REL path's section-relative values).
type Region int

const (
	RegionUndef Region = iota
	RegionText
	RegionData
)

// DynSymbol describes one .dynsym entry to synthesize.
type DynSymbol struct {
	Name   string
	Region Region
	Offset uint64
	Size   uint64
	Bind   types.STBind
	Type   types.STType
}

// DynReloc describes one Rela64 entry. SymIndex is 1-based into the
// Symbols slice passed to BuildDynamic; 0 means no symbol (RELATIVE,
// IRELATIVE).
type DynReloc struct {
	Offset   uint64
	SymIndex int
	Type     uint32
	Addend   int64
}

// DynamicSpec is the input to BuildDynamic.
type DynamicSpec struct {
	Machine  types.Machine
	TextSize uint64
	DataSize uint64
	Symbols  []DynSymbol
	Rela     []DynReloc // DT_RELA array; RelCount-length RELATIVE prefix, then pass-2 entries
	RelCount uint64
	JmpRela  []DynReloc // DT_JMPREL array (pass 3, JUMP_SLOT/IRELATIVE)
}

// DynamicLayout is BuildDynamic's result: the file bytes plus the
// region vaddrs a caller needs to build PreFind/PostFind closures that
// resolve this fixture's own symbols.
type DynamicLayout struct {
	Data      []byte
	TextVaddr uint64
	DataVaddr uint64
	// SymbolVaddr[i] is the resolved link-time vaddr of Symbols[i]
	// (0 for an undefined symbol).
	SymbolVaddr []uint64
}

// BuildDynamic synthesizes an ET_DYN image: one RWX PT_LOAD spanning
// the whole file (vaddr identical to file offset throughout, so the
// phdr-driven mapper's file-offset reads line up with its rebased
// addresses for free) plus a PT_DYNAMIC pointing at a dynamic array
// carrying DT_SYMTAB/STRTAB/HASH/RELA and, if JmpRela is non-empty,
// DT_JMPREL/PLTRELSZ/PLTREL.
func BuildDynamic(spec DynamicSpec) *DynamicLayout {
	var w buf

	ehdrOff := w.reserve(types.Ehdr64Size)
	phdrsOff := w.pos()
	ldPhdrOff := w.reserve(types.Phdr64Size)
	dynPhdrOff := w.reserve(types.Phdr64Size)

	w.padTo(8)
	textVaddr := w.pos()
	w.reserve(int(spec.TextSize))

	w.padTo(8)
	dataVaddr := w.pos()
	w.reserve(int(spec.DataSize))

	st := newStrTab()
	nameOff := make([]uint32, len(spec.Symbols))
	symVaddr := make([]uint64, len(spec.Symbols))
	for i, s := range spec.Symbols {
		nameOff[i] = st.add(s.Name)
		switch s.Region {
		case RegionText:
			symVaddr[i] = textVaddr + s.Offset
		case RegionData:
			symVaddr[i] = dataVaddr + s.Offset
		}
	}
	w.padTo(1)
	strOff := w.append(st.data)
	strSz := uint64(len(st.data))

	w.padTo(8)
	symOff := w.pos()
	putSym(&w, w.reserve(types.Sym64Size), 0, 0, 0, types.SHN_UNDEF, 0, 0) // index 0: null symbol
	for i, s := range spec.Symbols {
		shndx := uint16(types.SHN_UNDEF)
		if s.Region != RegionUndef {
			shndx = 1
		}
		info := types.ST_INFO(s.Bind, s.Type)
		putSym(&w, w.reserve(types.Sym64Size), nameOff[i], info, 0, shndx, symVaddr[i], s.Size)
	}

	w.padTo(4)
	hashOff := buildSysvHash(&w, len(spec.Symbols))

	w.padTo(8)
	relaOff := w.pos()
	for _, r := range spec.Rela {
		putRela(&w, w.reserve(types.Rela64Size), r.Offset, uint32(r.SymIndex), r.Type, r.Addend)
	}
	relaSz := w.pos() - relaOff

	var jmprelOff, jmprelSz uint64
	if len(spec.JmpRela) > 0 {
		jmprelOff = w.pos()
		for _, r := range spec.JmpRela {
			putRela(&w, w.reserve(types.Rela64Size), r.Offset, uint32(r.SymIndex), r.Type, r.Addend)
		}
		jmprelSz = w.pos() - jmprelOff
	}

	w.padTo(8)
	dynOff := w.pos()
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_SYMTAB, symOff)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_STRTAB, strOff)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_STRSZ, strSz)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_SYMENT, types.Sym64Size)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_HASH, hashOff)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_RELA, relaOff)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_RELASZ, relaSz)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_RELAENT, types.Rela64Size)
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_RELACOUNT, spec.RelCount)
	if jmprelSz > 0 {
		putDyn(&w, w.reserve(types.Dyn64Size), types.DT_JMPREL, jmprelOff)
		putDyn(&w, w.reserve(types.Dyn64Size), types.DT_PLTRELSZ, jmprelSz)
		putDyn(&w, w.reserve(types.Dyn64Size), types.DT_PLTREL, uint64(types.DT_RELA))
	}
	putDyn(&w, w.reserve(types.Dyn64Size), types.DT_NULL, 0)
	dynSz := w.pos() - dynOff

	total := w.pos()

	putEhdr(&w, ehdrOff, uint16(types.ET_DYN), uint16(spec.Machine), phdrsOff, 0, 2, 0, 0)
	putPhdr(&w, ldPhdrOff, types.Phdr64{
		Type: uint32(types.PT_LOAD), Flags: uint32(types.PF_R | types.PF_W | types.PF_X),
		Off: 0, Vaddr: 0, Paddr: 0, Filesz: total, Memsz: total, Align: defaultPageSize,
	})
	putPhdr(&w, dynPhdrOff, types.Phdr64{
		Type: uint32(types.PT_DYNAMIC), Flags: uint32(types.PF_R | types.PF_W),
		Off: dynOff, Vaddr: dynOff, Paddr: dynOff, Filesz: dynSz, Memsz: dynSz, Align: 8,
	})

	return &DynamicLayout{Data: w.b, TextVaddr: textVaddr, DataVaddr: dataVaddr, SymbolVaddr: symVaddr}
}

const defaultPageSize = 4096

// ObjSymbol describes one .symtab entry for BuildObject.
type ObjSymbol struct {
	Name    string
	Section int // 1-based index into the Sections slice passed to BuildObject; 0 means undefined
	Offset  uint64
	Size    uint64
	Bind    types.STBind
	Type    types.STType
}

// ObjReloc describes one relocation entry against a given section.
// SymIndex is 1-based into the Symbols slice (0 is never valid here:
// every ET_REL relocation targets a symbol).
type ObjReloc struct {
	Offset   uint64
	SymIndex int
	Type     uint32
	Addend   int64
}

// ObjSection describes one allocatable PROGBITS section to synthesize
// (.text, .data, .rodata, ...); Content is copied verbatim, zero-padded
// if shorter than Size.
type ObjSection struct {
	Name    string
	Flags   types.SFlags
	Size    uint64
	Content []byte
	Relocs  []ObjReloc
}

// ObjectSpec is the input to BuildObject.
type ObjectSpec struct {
	Machine  types.Machine
	Sections []ObjSection
	Symbols  []ObjSymbol
}

// BuildObject synthesizes an ET_REL (relocatable object) image: a
// section header table with one PROGBITS entry per ObjectSpec.Sections
// entry, a SHT_SYMTAB/SHT_STRTAB pair, and one SHT_RELA section per
// input section that carries relocations.
func BuildObject(spec ObjectSpec) []byte {
	var w buf

	ehdrOff := w.reserve(types.Ehdr64Size)

	shstr := newStrTab()
	secNameOff := make([]uint32, len(spec.Sections))
	for i, s := range spec.Sections {
		secNameOff[i] = shstr.add(s.Name)
	}
	symtabNameOff := shstr.add(".symtab")
	strtabNameOff := shstr.add(".strtab")
	shstrtabNameOff := shstr.add(".shstrtab")
	relaNameOff := make([]uint32, len(spec.Sections))
	for i, s := range spec.Sections {
		if len(s.Relocs) > 0 {
			relaNameOff[i] = shstr.add(".rela" + s.Name)
		}
	}

	w.padTo(8)
	secOff := make([]uint64, len(spec.Sections))
	secSize := make([]uint64, len(spec.Sections))
	for i, s := range spec.Sections {
		w.padTo(8)
		secOff[i] = w.pos()
		content := s.Content
		if uint64(len(content)) < s.Size {
			content = append(append([]byte{}, content...), make([]byte, s.Size-uint64(len(content)))...)
		}
		w.append(content)
		secSize[i] = s.Size
	}

	strtab := newStrTab()
	symNameOff := make([]uint32, len(spec.Symbols))
	for i, s := range spec.Symbols {
		symNameOff[i] = strtab.add(s.Name)
	}

	w.padTo(8)
	symtabOff := w.pos()
	putSym(&w, w.reserve(types.Sym64Size), 0, 0, 0, types.SHN_UNDEF, 0, 0)
	for i, s := range spec.Symbols {
		shndx := uint16(types.SHN_UNDEF)
		if s.Section > 0 {
			shndx = uint16(s.Section)
		}
		info := types.ST_INFO(s.Bind, s.Type)
		putSym(&w, w.reserve(types.Sym64Size), symNameOff[i], info, 0, shndx, s.Offset, s.Size)
	}
	symtabSz := w.pos() - symtabOff

	w.padTo(1)
	strtabOff := w.append(strtab.data)
	strtabSz := uint64(len(strtab.data))

	w.padTo(1)
	shstrtabOff := w.append(shstr.data)
	shstrtabSz := uint64(len(shstr.data))

	// Section index layout: 0=SHT_NULL, 1..N=input sections,
	// N+1=.symtab, N+2=.strtab, N+3=.shstrtab, then one .rela<x> per
	// input section that carries relocations.
	n := len(spec.Sections)
	symtabIdx := n + 1
	strtabIdx := n + 2
	shstrtabIdx := n + 3
	relaBase := n + 4

	relaOff := make([]uint64, n)
	relaSz := make([]uint64, n)
	relaIdx := make([]int, n)
	next := relaBase
	for i, s := range spec.Sections {
		if len(s.Relocs) == 0 {
			relaIdx[i] = -1
			continue
		}
		w.padTo(8)
		relaOff[i] = w.pos()
		for _, r := range s.Relocs {
			putRela(&w, w.reserve(types.Rela64Size), r.Offset, uint32(r.SymIndex), r.Type, r.Addend)
		}
		relaSz[i] = w.pos() - relaOff[i]
		relaIdx[i] = next
		next++
	}

	w.padTo(8)
	shoff := w.pos()
	shnum := relaBase + (next - relaBase)
	w.reserve(shnum * int(types.Shdr64Size))

	putShdr(&w, shoff+0, types.Shdr64{}) // SHT_NULL
	for i, s := range spec.Sections {
		putShdr(&w, shoff+uint64(1+i)*types.Shdr64Size, types.Shdr64{
			Name: secNameOff[i], Type: uint32(types.SHT_PROGBITS), Flags: uint64(s.Flags),
			Off: secOff[i], Size: secSize[i], Addralign: 1,
		})
	}
	putShdr(&w, shoff+uint64(symtabIdx)*types.Shdr64Size, types.Shdr64{
		Name: symtabNameOff, Type: uint32(types.SHT_SYMTAB), Off: symtabOff, Size: symtabSz,
		Link: uint32(strtabIdx), Info: 1, Addralign: 8, Entsize: types.Sym64Size,
	})
	putShdr(&w, shoff+uint64(strtabIdx)*types.Shdr64Size, types.Shdr64{
		Name: strtabNameOff, Type: uint32(types.SHT_STRTAB), Off: strtabOff, Size: strtabSz, Addralign: 1,
	})
	putShdr(&w, shoff+uint64(shstrtabIdx)*types.Shdr64Size, types.Shdr64{
		Name: shstrtabNameOff, Type: uint32(types.SHT_STRTAB), Off: shstrtabOff, Size: shstrtabSz, Addralign: 1,
	})
	for i := range spec.Sections {
		if relaIdx[i] < 0 {
			continue
		}
		putShdr(&w, shoff+uint64(relaIdx[i])*types.Shdr64Size, types.Shdr64{
			Name: relaNameOff[i], Type: uint32(types.SHT_RELA), Off: relaOff[i], Size: relaSz[i],
			Link: uint32(symtabIdx), Info: uint32(1 + i), Addralign: 8, Entsize: types.Rela64Size,
		})
	}

	putEhdr(&w, ehdrOff, uint16(types.ET_REL), uint16(spec.Machine), 0, shoff, 0, uint16(shnum), uint16(shstrtabIdx))

	return w.b
}
