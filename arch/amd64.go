package arch

// x86-64 relocation type codes, from the psABI. Grounded on
// original_source/src/arch/x86_64.rs's REL_* constant list.
const (
	rX8664None     = 0
	rX8664_64      = 1
	rX8664PC32     = 2
	rX8664Copy     = 5
	rX8664GlobDat  = 6
	rX8664JumpSlot = 7
	rX8664Relative = 8
	rX8664GOTPCREL = 9
	rX8664TPOff64  = 18
	rX8664DTPMod64 = 16
	rX8664DTPOff64 = 17
	rX8664IRelative = 37
	rX8664PLT32    = 4
	rX8664_32      = 10
	rX8664_32S     = 11
)

func amd64Role(t uint32) Role {
	switch t {
	case rX8664None:
		return RoleNone
	case rX8664Relative:
		return RoleRelative
	case rX8664GlobDat:
		return RoleGOT
	case rX8664_64:
		return RoleSymbolic
	case rX8664JumpSlot:
		return RoleJumpSlot
	case rX8664IRelative:
		return RoleIRelative
	case rX8664Copy:
		return RoleCopy
	case rX8664DTPOff64:
		return RoleDTPOff
	case rX8664TPOff64:
		return RoleTPOff
	case rX8664PC32:
		return RolePC32
	case rX8664PLT32:
		return RolePLT32
	case rX8664GOTPCREL:
		return RoleGOTPCREL
	case rX8664_32, rX8664_32S:
		return RoleAbs32
	default:
		return RoleUnknown
	}
}

// AMD64 is the x86-64 architecture descriptor. PLT entry sizes and GOT
// slot indices mirror original_source/src/arch/x86_64.rs's
// PLT_ENTRY_SIZE / LAZY_PLT_*_SIZE / DYLIB_OFFSET / RESOLVE_FUNCTION_OFFSET.
var AMD64 = &Arch{
	Name:              "amd64",
	Machine:           machineX86_64,
	PointerSize:       8,
	DTVOffset:         0,
	RelocRole:         amd64Role,
	PLTEntrySize:      16,
	LazyPLTHeaderSize: 32,
	LazyPLTEntrySize:  16,
	GOTDylibSlot:      1,
	GOTResolverSlot:   2,
}
