package elfloader

import (
	"sync"

	"github.com/blacktop/go-elfloader/types"
)

// dynState is the Go realization of spec.md §4.E's three-state cell
// "Empty | Uninit(params) | Init(data)": hasDyn==false is Empty (no
// PT_DYNAMIC at all), hasDyn==true with symtab==nil is Uninit, and
// symtab!=nil is Init. The transition from Uninit to Init happens at
// most once, guarded by sync.Once rather than a hand-rolled atomic
// tag, since construction here is always single-threaded per image.
type dynState struct {
	once   sync.Once
	hasDyn bool
	dynOff uint64

	raw    *DynamicRaw
	info   *DynamicInfo
	symtab *SymbolTable
	err    error
}

func (d *dynState) ensure(r Reader, h *ElfHeader, segs *Segments, shdrs []types.Shdr64, synth bool) error {
	if !d.hasDyn {
		return nil
	}
	d.once.Do(func() {
		raw, err := parseDynamicRaw(r, h, d.dynOff)
		if err != nil {
			d.err = err
			return
		}
		info := resolveDynamicInfo(raw, segs, h.Is64)

		var hash *HashTable
		switch raw.HashKind {
		case HashGnu:
			hash, err = newGnuHashTable(info.HashAddr, h.ByteOrder)
		case HashSysv:
			hash, err = newSysvHashTable(info.HashAddr, h.ByteOrder)
		}
		if err != nil {
			d.err = err
			return
		}

		st := newSymbolTable(info, h, hash)

		if hash == nil {
			if !synth {
				d.err = newErr(KindParseDynamic, r.Name(), "no GNU or SysV hash table present")
				return
			}
			count := dynsymCount(shdrs)
			if count == 0 {
				d.err = newErr(KindParseDynamic, r.Name(), "hash synthesis requested but .dynsym size is unknown")
				return
			}
			st.hash = buildSyntheticHash(st, count)
		}

		d.raw, d.info, d.symtab = raw, info, st
	})
	return d.err
}

func dynsymCount(shdrs []types.Shdr64) int {
	for _, s := range shdrs {
		if types.SType(s.Type) == types.SHT_DYNSYM && s.Entsize != 0 {
			return int(s.Size / s.Entsize)
		}
	}
	return 0
}

// Image is the product of component E: a mapped Segments plus the
// per-phdr observations collected while walking the program header
// table once.
type Image struct {
	Header *ElfHeader
	Segs   *Segments
	Phdrs  []types.Phdr64
	Shdrs  []types.Shdr64 // best-effort; only needed for hash synthesis on the dynamic path

	Relro     *RelroRegion
	Interp    string
	HasInterp bool

	// PreferredPhdrAddr is PT_PHDR's own rebased location: the in-memory
	// phdr slice a module should prefer over re-deriving one from disk,
	// per spec.md §4.E. Zero when the image carries no PT_PHDR entry.
	PreferredPhdrAddr uintptr
	HasPreferredPhdr  bool

	reader Reader
	dyn    dynState
}

// buildImage implements spec.md §4.E: map segments phdr-driven, walk
// the phdr list once collecting PT_DYNAMIC/PT_GNU_RELRO/PT_INTERP, and
// invoke LoaderConfig.LoadHook for every entry before any segment is
// mapped. The
// teacher analogue is FileTOC's per-load-command bookkeeping loop in
// the deleted file.go.
func buildImage(r Reader, h *ElfHeader, cfg *LoaderConfig) (*Image, error) {
	phdrs, err := readPhdrs(r, h)
	if err != nil {
		return nil, err
	}

	if cfg.LoadHook != nil {
		for i := range phdrs {
			p := phdrs[i]
			if err := cfg.LoadHook(&LoadHookContext{Index: i, Phdr: &p, Name: r.Name()}); err != nil {
				return nil, wrapErr(KindParsePhdr, r.Name(), "load hook rejected phdr", err)
			}
		}
	}

	segs, relro, err := mapPhdrImage(r, phdrs, h.Type, cfg.Mapper, cfg.pageSize())
	if err != nil {
		return nil, err
	}

	img := &Image{Header: h, Segs: segs, Phdrs: phdrs, Relro: relro, reader: r}

	for _, p := range phdrs {
		switch types.PType(p.Type) {
		case types.PT_DYNAMIC:
			img.dyn.hasDyn = true
			img.dyn.dynOff = p.Off
		case types.PT_INTERP:
			data := viewBytes(segs.Rebase(p.Vaddr), int(p.Filesz))
			img.Interp = cstr(data, 0)
			img.HasInterp = true
		case types.PT_PHDR:
			img.PreferredPhdrAddr = segs.Rebase(p.Vaddr)
			img.HasPreferredPhdr = true
		}
	}

	if h.Shnum > 0 {
		if shdrs, err := readShdrs(r, h); err == nil {
			img.Shdrs = shdrs
		} else {
			debugf("%s: section headers unavailable: %v", r.Name(), err)
		}
	}

	return img, nil
}

func (img *Image) elfHeader() *ElfHeader { return img.Header }

// Dynamic lazily parses and returns this image's dynamic info and
// symbol table. Both are nil with a nil error when the image carries
// no PT_DYNAMIC segment at all (a statically-linked object has no
// dynamic info to relocate against).
func (img *Image) Dynamic(synthesizeHash bool) (*DynamicInfo, *SymbolTable, error) {
	if err := img.dyn.ensure(img.reader, img.Header, img.Segs, img.Shdrs, synthesizeHash); err != nil {
		return nil, nil, err
	}
	return img.dyn.info, img.dyn.symtab, nil
}
