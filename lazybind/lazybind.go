// Package lazybind supplies the architecture-specific half of the
// lazy-binding runtime described in spec.md §4.H: a naked trampoline
// reachable from a module's lazy PLT header, plus the glue that lets
// it call back into the loader's fixup logic without lazybind needing
// to import the package that owns ModuleCore.
//
// Grounded on original_source/src/arch/x86_64.rs's dl_runtime_resolve
// naked_asm block (register save, recover the two PLT-pushed
// parameters, call dl_fixup, restore, tail-jump to the result) and the
// per-architecture isolation pattern of original_source/src/arch/
// {x86_64,aarch64}.rs generally.
package lazybind

import "unsafe"

// FixupFunc resolves relocIndex against the lazy scope installed on
// the module identified by identity (an opaque pointer to the core
// package's ModuleCore; lazybind never dereferences it, only threads
// it through), patches the GOT, and returns the resolved address.
type FixupFunc func(identity unsafe.Pointer, relocIndex uint64) uintptr

// Fixup is registered once by the package that owns ModuleCore (see
// elfloader's relocation.go init()). The indirection exists because
// lazybind cannot import that package: a direct import would close
// the cycle spec.md's WeakRef is built specifically to avoid at the
// data level, and the same cycle would reappear at the package level
// if lazybind called ModuleCore methods directly.
var Fixup FixupFunc

// ResolverAddr returns the trampoline entry point pass 3 writes into
// GOT[GOTResolverSlot] for the given arch.Arch.Name.
func ResolverAddr(archName string) uintptr {
	switch archName {
	case "amd64":
		return resolverAddrAMD64()
	case "arm64":
		return resolverAddrARM64()
	default:
		return 0
	}
}

// dlFixupTrampoline is the Go-side landing pad each architecture's
// naked stub CALLs after recovering the module-identity and
// relocation-index parameters. It exists only to keep the asm files
// free of any knowledge of FixupFunc's nil-check.
//
//go:nosplit
func dlFixupTrampoline(identity unsafe.Pointer, relocIndex uint64) uintptr {
	if Fixup == nil {
		panic("lazybind: Fixup resolver not registered")
	}
	return Fixup(identity, relocIndex)
}
