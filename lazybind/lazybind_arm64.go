package lazybind

import "reflect"

// dlRuntimeResolveARM64 is this loader's own AArch64 realization of
// the lazy-binding trampoline: original_source/src/arch/aarch64.rs
// defines only the architecture's relocation-role constants (no
// naked_asm dl_runtime_resolve exists there to translate), so this
// stub is modeled on dlRuntimeResolveAMD64 by analogy, adapted to the
// AAPCS64 calling convention (X0-X7 integer/pointer arguments, X8
// indirect-result register, link register X30).
func dlRuntimeResolveARM64()

func resolverAddrARM64() uintptr {
	return reflect.ValueOf(dlRuntimeResolveARM64).Pointer()
}
