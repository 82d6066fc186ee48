package types

// DynTag is the d_tag field of an Elf_Dyn entry.
type DynTag int64

const (
	DT_NULL         DynTag = 0
	DT_NEEDED       DynTag = 1
	DT_PLTRELSZ     DynTag = 2
	DT_PLTGOT       DynTag = 3
	DT_HASH         DynTag = 4
	DT_STRTAB       DynTag = 5
	DT_SYMTAB       DynTag = 6
	DT_RELA         DynTag = 7
	DT_RELASZ       DynTag = 8
	DT_RELAENT      DynTag = 9
	DT_STRSZ        DynTag = 10
	DT_SYMENT       DynTag = 11
	DT_INIT         DynTag = 12
	DT_FINI         DynTag = 13
	DT_RPATH        DynTag = 15
	DT_SYMBOLIC     DynTag = 16
	DT_REL          DynTag = 17
	DT_RELSZ        DynTag = 18
	DT_RELENT       DynTag = 19
	DT_PLTREL       DynTag = 20
	DT_DEBUG        DynTag = 21
	DT_TEXTREL      DynTag = 22
	DT_JMPREL       DynTag = 23
	DT_BIND_NOW     DynTag = 24
	DT_INIT_ARRAY   DynTag = 25
	DT_FINI_ARRAY   DynTag = 26
	DT_INIT_ARRAYSZ DynTag = 27
	DT_FINI_ARRAYSZ DynTag = 28
	DT_RUNPATH      DynTag = 29
	DT_FLAGS        DynTag = 30
	DT_RELRSZ       DynTag = 35
	DT_RELR         DynTag = 36
	DT_RELACOUNT    DynTag = 0x6ffffff9
	DT_RELCOUNT     DynTag = 0x6ffffffa
	DT_FLAGS_1      DynTag = 0x6ffffffb
	DT_VERDEF       DynTag = 0x6ffffffc
	DT_VERDEFNUM    DynTag = 0x6ffffffd
	DT_VERNEED      DynTag = 0x6ffffffe
	DT_VERNEEDNUM   DynTag = 0x6fffffff
	DT_VERSYM       DynTag = 0x6ffffff0
	DT_GNU_HASH     DynTag = 0x6ffffef5
)

// DFFlags are the bits of DT_FLAGS.
type DFFlags uint64

const (
	DF_ORIGIN     DFFlags = 1 << 0
	DF_SYMBOLIC   DFFlags = 1 << 1
	DF_TEXTREL    DFFlags = 1 << 2
	DF_BIND_NOW   DFFlags = 1 << 3
	DF_STATIC_TLS DFFlags = 1 << 4
)

// DF1Flags are the bits of DT_FLAGS_1.
type DF1Flags uint64

const (
	DF_1_NOW      DF1Flags = 1 << 0
	DF_1_GLOBAL   DF1Flags = 1 << 1
	DF_1_NODELETE DF1Flags = 1 << 3
	DF_1_PIE      DF1Flags = 1 << 27
)

// Dyn64 is a 64-bit dynamic-array entry.
type Dyn64 struct {
	Tag int64
	Val uint64
}

// Dyn32 is a 32-bit dynamic-array entry.
type Dyn32 struct {
	Tag int32
	Val uint32
}

const (
	Dyn64Size = 16
	Dyn32Size = 8
)
