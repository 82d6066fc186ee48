package elfloader

import (
	"encoding/binary"

	"github.com/blacktop/go-elfloader/pkg/gnuhash"
	"github.com/blacktop/go-elfloader/types"
)

// SymbolInfo identifies a symbol by name and, optionally, version
// string (spec.md §3 "SymbolInfo{name, opt_version}").
type SymbolInfo struct {
	Name    string
	Version string // empty when the symbol carries no version requirement
}

// PreComputedHash is spec.md's PreComputedHash: a hash of a name
// computed once and reused across every module consulted during one
// resolution walk.
type PreComputedHash struct {
	*gnuhash.Precomputed
}

// Precompute hashes name once for reuse across a pre_find -> scope ->
// post_find walk.
func Precompute(name string) PreComputedHash {
	return PreComputedHash{gnuhash.Precompute(name)}
}

// VersionFilter optionally narrows symbol-name matches to a specific
// GNU symbol version, per spec.md §9 "Versioned symbols ... treated as
// an optional lookup filter". nil (the default) disables version
// matching entirely — every VERSYM index matches.
type VersionFilter func(symIndex uint32, want string) bool

// SymbolTable is spec.md §3's SymbolTable: (symtab, strtab, hash
// variant, optional version table).
type SymbolTable struct {
	is64       bool
	bo         binary.ByteOrder
	symtabAddr uintptr
	strtabAddr uintptr
	strtabLen  int
	entSize    int

	hash *HashTable

	versymAddr uintptr // 0 if absent
	verFilter  VersionFilter
}

func newSymbolTable(di *DynamicInfo, h *ElfHeader, hash *HashTable) *SymbolTable {
	entSize := types.Sym64Size
	if !h.Is64 {
		entSize = types.Sym32Size
	}
	return &SymbolTable{
		is64:       h.Is64,
		bo:         h.ByteOrder,
		symtabAddr: di.SymtabAddr,
		strtabAddr: di.StrtabAddr,
		strtabLen:  di.StrtabLen,
		entSize:    entSize,
		hash:       hash,
	}
}

// rawSymbolAt reads symbol index i without any bind/type/undef
// filtering, used internally by hash construction and by LookupByIndex.
func (st *SymbolTable) rawSymbolAt(i uint32) (types.Sym64, SymbolInfo) {
	data := viewBytes(st.symtabAddr, (int(i)+1)*st.entSize)
	sym := readSym(data, int(i), st.is64, st.bo)
	strtab := viewBytes(st.strtabAddr, st.strtabLen)
	name := cstr(strtab, sym.Name)
	info := SymbolInfo{Name: name}
	if st.versymAddr != 0 {
		// version index extraction deferred to the optional filter hook;
		// kept minimal per spec.md §1's exclusion of the full
		// GNU_verneed/GNU_verdef subsystem.
	}
	return sym, info
}

// LookupByIndex returns the symbol at index i and its name/version
// info (spec.md §3 "lookup_by_index(i)").
func (st *SymbolTable) LookupByIndex(i uint32) (types.Sym64, SymbolInfo) {
	return st.rawSymbolAt(i)
}

// LookupByInfo resolves a symbol by name (spec.md §3
// "lookup_by_info(SymbolInfo, PreComputedHash) -> Option<&Symbol>"),
// restricted to symbols eligible for cross-module binding
// (types.IsOkForBind) and, if requireDefined is true, excluding
// undefined (SHN_UNDEF) symbols.
func (st *SymbolTable) LookupByInfo(info SymbolInfo, pc PreComputedHash, requireDefined bool) (types.Sym64, uint32, bool) {
	eq := func(idx uint32) bool {
		sym, cand := st.rawSymbolAt(idx)
		if cand.Name != info.Name {
			return false
		}
		if requireDefined && sym.Shndx == types.SHN_UNDEF {
			return false
		}
		if !types.IsOkForBind(sym.Info) {
			return false
		}
		if st.verFilter != nil && info.Version != "" {
			return st.verFilter(idx, info.Version)
		}
		return true
	}

	if st.hash == nil {
		return types.Sym64{}, 0, false
	}
	switch st.hash.kind {
	case HashGnu:
		idx, ok := st.hash.gnu.Lookup(pc.Precomputed, eq)
		if !ok {
			return types.Sym64{}, 0, false
		}
		sym, _ := st.rawSymbolAt(idx)
		return sym, idx, true
	case HashSysv:
		idx, ok := st.hash.sysv.Lookup(pc.Precomputed, info.Name, eq)
		if !ok {
			return types.Sym64{}, 0, false
		}
		sym, _ := st.rawSymbolAt(idx)
		return sym, idx, true
	default:
		for _, idx := range st.hash.synthetic[info.Name] {
			if eq(idx) {
				sym, _ := st.rawSymbolAt(idx)
				return sym, idx, true
			}
		}
		return types.Sym64{}, 0, false
	}
}
