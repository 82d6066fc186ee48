package types

import "fmt"

// Sym64 is a 64-bit ELF symbol table entry.
type Sym64 struct {
	Name  uint32
	Info  uint8
	Other uint8
	Shndx uint16
	Value uint64
	Size  uint64
}

// Sym32 is a 32-bit ELF symbol table entry.
type Sym32 struct {
	Name  uint32
	Value uint32
	Size  uint32
	Info  uint8
	Other uint8
	Shndx uint16
}

const (
	Sym64Size = 24
	Sym32Size = 16
)

const SHN_UNDEF = 0

// STBind is the symbol binding (top 4 bits of st_info).
type STBind uint8

const (
	STB_LOCAL  STBind = 0
	STB_GLOBAL STBind = 1
	STB_WEAK   STBind = 2
	STB_GNU_UNIQUE STBind = 10
)

// STType is the symbol type (bottom 4 bits of st_info).
type STType uint8

const (
	STT_NOTYPE  STType = 0
	STT_OBJECT  STType = 1
	STT_FUNC    STType = 2
	STT_SECTION STType = 3
	STT_FILE    STType = 4
	STT_COMMON  STType = 5
	STT_TLS     STType = 6
	STT_GNU_IFUNC STType = 10
)

// ST_BIND and ST_TYPE decompose st_info, matching the gABI macros.
func ST_BIND(info uint8) STBind { return STBind(info >> 4) }
func ST_TYPE(info uint8) STType { return STType(info & 0xf) }
func ST_INFO(b STBind, t STType) uint8 { return uint8(b)<<4 | uint8(t)&0xf }

// okBinds and okTypes are the bitmasks spec.md §4.C names: the
// intersection of {GLOBAL,WEAK,GNU_UNIQUE} bindings with
// {NOTYPE,OBJECT,FUNC,COMMON,TLS,GNU_IFUNC} types is eligible to bind
// against another module's reference.
var okBinds = map[STBind]bool{
	STB_GLOBAL:     true,
	STB_WEAK:       true,
	STB_GNU_UNIQUE: true,
}

var okTypes = map[STType]bool{
	STT_NOTYPE:    true,
	STT_OBJECT:    true,
	STT_FUNC:      true,
	STT_COMMON:    true,
	STT_TLS:       true,
	STT_GNU_IFUNC: true,
}

// IsOkForBind reports whether a symbol with the given st_info is a
// legal target for cross-module name resolution (spec.md §4.C).
func IsOkForBind(info uint8) bool {
	return okBinds[ST_BIND(info)] && okTypes[ST_TYPE(info)]
}

func (b STBind) String() string {
	switch b {
	case STB_LOCAL:
		return "LOCAL"
	case STB_GLOBAL:
		return "GLOBAL"
	case STB_WEAK:
		return "WEAK"
	case STB_GNU_UNIQUE:
		return "GNU_UNIQUE"
	default:
		return fmt.Sprintf("BIND(%d)", uint8(b))
	}
}

func (t STType) String() string {
	switch t {
	case STT_NOTYPE:
		return "NOTYPE"
	case STT_OBJECT:
		return "OBJECT"
	case STT_FUNC:
		return "FUNC"
	case STT_SECTION:
		return "SECTION"
	case STT_FILE:
		return "FILE"
	case STT_COMMON:
		return "COMMON"
	case STT_TLS:
		return "TLS"
	case STT_GNU_IFUNC:
		return "GNU_IFUNC"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}
