package lazybind

import "reflect"

// dlRuntimeResolveAMD64 is a naked System V AMD64 trampoline, declared
// here and defined in lazybind_amd64.s. The lazy PLT header for this
// architecture leaves two words above the caller's argument registers
// before jumping here: the module identity pointer and the relocation
// index, pushed by the stub generated at link time for the original
// object this loader is re-mapping.
//
// Grounded directly on original_source/src/arch/x86_64.rs's
// dl_runtime_resolve naked_asm body: save the six integer argument
// registers, recover the two pushed words, call the fixup, restore the
// six registers, drop both frames, and tail-jump to the resolved
// address.
func dlRuntimeResolveAMD64()

func resolverAddrAMD64() uintptr {
	return reflect.ValueOf(dlRuntimeResolveAMD64).Pointer()
}
