package elfloader_test

import (
	"context"
	"testing"
	"unsafe"

	elfloader "github.com/blacktop/go-elfloader"
	"github.com/blacktop/go-elfloader/internal/elftest"
	"github.com/blacktop/go-elfloader/osmapper"
	"github.com/blacktop/go-elfloader/types"
)

const (
	rX8664_32      = 10
	rX8664PC32     = 2
	rX8664GOTPCREL = 9
	rX8664PLT32    = 4
)

func readI32(addr uintptr) int32 {
	return *(*int32)(unsafe.Pointer(addr))
}

// TestObjectRelocateRoles builds a relocatable object exercising every
// role ObjectRelocator.Relocate dispatches on (SYMBOLIC, ABS32, PC32,
// GOTPCREL, PLT32-with-overflow) and checks each patched slot. .data
// carries a GLOBAL marker symbol at every relocation's own offset so
// the resolved address can be read back through the exported
// LoadedModule.Get, without needing access to the object path's
// unexported section-address table.
func TestObjectRelocateRoles(t *testing.T) {
	const extObjAddr = uintptr(0x10000)
	const extFuncAddr = uintptr(0x20000)
	const extFunc2Addr = uintptr(0x9000) // far outside any PLT32 displacement a real mmap'd stub could reach, forcing the overflow/stub path

	data := elftest.BuildObject(elftest.ObjectSpec{
		Machine: types.EM_X86_64,
		Sections: []elftest.ObjSection{
			{
				Name:  ".text",
				Flags: types.SHF_ALLOC | types.SHF_EXECINSTR,
				Size:  16,
			},
			{
				Name:  ".data",
				Flags: types.SHF_ALLOC | types.SHF_WRITE,
				Size:  32,
				Relocs: []elftest.ObjReloc{
					{Offset: 0, SymIndex: 1, Type: rX8664_64, Addend: 0},      // SYMBOLIC, internal func_sym
					{Offset: 8, SymIndex: 7, Type: rX8664_32, Addend: 0},      // ABS32, external ext_obj
					{Offset: 12, SymIndex: 1, Type: rX8664PC32, Addend: 0},     // PC32, internal func_sym
					{Offset: 16, SymIndex: 8, Type: rX8664GOTPCREL, Addend: 0}, // GOTPCREL, external ext_func
					{Offset: 24, SymIndex: 9, Type: rX8664PLT32, Addend: 0},    // PLT32, external ext_func2, forces stub
				},
			},
		},
		Symbols: []elftest.ObjSymbol{
			{Name: "func_sym", Section: 1, Offset: 0, Size: 8, Bind: types.STB_GLOBAL, Type: types.STT_FUNC},
			{Name: "marker0", Section: 2, Offset: 0, Size: 4, Bind: types.STB_GLOBAL, Type: types.STT_OBJECT},
			{Name: "marker8", Section: 2, Offset: 8, Size: 4, Bind: types.STB_GLOBAL, Type: types.STT_OBJECT},
			{Name: "marker12", Section: 2, Offset: 12, Size: 4, Bind: types.STB_GLOBAL, Type: types.STT_OBJECT},
			{Name: "marker16", Section: 2, Offset: 16, Size: 4, Bind: types.STB_GLOBAL, Type: types.STT_OBJECT},
			{Name: "marker24", Section: 2, Offset: 24, Size: 4, Bind: types.STB_GLOBAL, Type: types.STT_OBJECT},
			{Name: "ext_obj", Section: 0, Bind: types.STB_GLOBAL, Type: types.STT_OBJECT},
			{Name: "ext_func", Section: 0, Bind: types.STB_GLOBAL, Type: types.STT_FUNC},
			{Name: "ext_func2", Section: 0, Bind: types.STB_GLOBAL, Type: types.STT_FUNC},
		},
	})

	loader := elfloader.NewLoader(&elfloader.LoaderConfig{Mapper: osmapper.Mapper{}})
	raw, err := loader.LoadObject(elftest.NewBytesReader("fixture", data))
	if err != nil {
		t.Fatalf("LoadObject: %v", err)
	}

	rl, err := raw.ObjectRelocator()
	if err != nil {
		t.Fatalf("ObjectRelocator: %v", err)
	}
	preFind := func(name string) (uintptr, bool) {
		switch name {
		case "ext_obj":
			return extObjAddr, true
		case "ext_func":
			return extFuncAddr, true
		case "ext_func2":
			return extFunc2Addr, true
		default:
			return 0, false
		}
	}

	mod, err := rl.WithPreFind(preFind).Relocate(context.Background())
	if err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	defer mod.Release()

	funcSymAddr, ok := mod.Get("func_sym")
	if !ok {
		t.Fatal("Get(\"func_sym\") not found after relocation")
	}

	marker := func(name string) uintptr {
		addr, ok := mod.Get(name)
		if !ok {
			t.Fatalf("Get(%q) not found after relocation", name)
		}
		return addr
	}

	// SYMBOLIC: full 64-bit write of the resolved address plus addend.
	if got, want := readU64(marker("marker0")), uint64(funcSymAddr); got != want {
		t.Errorf("SYMBOLIC slot = %#x, want %#x", got, want)
	}

	// ABS32: truncated 32-bit write of the resolved address plus addend.
	if got, want := readI32(marker("marker8")), int32(uint32(extObjAddr)); got != want {
		t.Errorf("ABS32 slot = %#x, want %#x", got, want)
	}

	// PC32: resolved address plus addend, minus the patch site's own address.
	patchPC32 := marker("marker12")
	if got, want := readI32(patchPC32), int32(int64(funcSymAddr)-int64(patchPC32)); got != want {
		t.Errorf("PC32 slot = %#x, want %#x", got, want)
	}

	// GOTPCREL: the patch holds a PC-relative displacement to a synthesized
	// .got slot; follow it and confirm the slot itself holds ext_func's address.
	patchGOT := marker("marker16")
	gotSlot := uintptr(int64(patchGOT) + int64(readI32(patchGOT)))
	if got, want := readU64(gotSlot), uint64(extFuncAddr); got != want {
		t.Errorf("GOTPCREL slot contents = %#x, want %#x", got, want)
	}

	// PLT32: ext_func2 is far enough away that the direct displacement
	// overflows a signed 32-bit field, so the patch must point at a
	// synthesized PLT stub instead; follow it and confirm the stub's
	// embedded absolute target is ext_func2's address.
	patchPLT := marker("marker24")
	stubAddr := uintptr(int64(patchPLT) + int64(readI32(patchPLT)))
	if got, want := readU64(stubAddr+2), uint64(extFunc2Addr); got != want {
		t.Errorf("PLT32 stub target = %#x, want %#x", got, want)
	}
}
