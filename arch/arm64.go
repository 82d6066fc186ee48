package arch

// AArch64 relocation type codes, from the psABI. Grounded on
// original_source/src/arch/aarch64.rs's REL_* constant list.
const (
	rAArch64None       = 0
	rAArch64Abs64      = 257
	rAArch64Copy       = 1024
	rAArch64GlobDat    = 1025
	rAArch64JumpSlot   = 1026
	rAArch64Relative   = 1027
	rAArch64TLSDTPMod  = 1028
	rAArch64TLSDTPRel  = 1029
	rAArch64TLSTPRel   = 1030
	rAArch64IRelative  = 1032
)

func arm64Role(t uint32) Role {
	switch t {
	case rAArch64None:
		return RoleNone
	case rAArch64Relative:
		return RoleRelative
	case rAArch64GlobDat:
		return RoleGOT
	case rAArch64Abs64:
		return RoleSymbolic
	case rAArch64JumpSlot:
		return RoleJumpSlot
	case rAArch64IRelative:
		return RoleIRelative
	case rAArch64Copy:
		return RoleCopy
	case rAArch64TLSDTPRel:
		return RoleDTPOff
	case rAArch64TLSTPRel:
		return RoleTPOff
	default:
		return RoleUnknown
	}
}

// ARM64 is the AArch64 architecture descriptor.
var ARM64 = &Arch{
	Name:              "arm64",
	Machine:           machineAArch64,
	PointerSize:       8,
	DTVOffset:         0,
	RelocRole:         arm64Role,
	PLTEntrySize:      16,
	LazyPLTHeaderSize: 32,
	LazyPLTEntrySize:  16,
	GOTDylibSlot:      1,
	GOTResolverSlot:   2,
}
