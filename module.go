package elfloader

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// moduleIDs hands out the identifiers ModuleRef uses to look a module
// up in weakTable; it is deliberately independent of pointer value so
// a finalized ModuleCore can be removed from the table without relying
// on the Go runtime ever collecting it.
var moduleIDs atomic.Uint64

// weakTable backs ModuleRef.Upgrade. Go has no public weak-pointer
// primitive usable across the module's targeted runtimes, so the weak
// reference described in spec.md §3/§4.F is realized by hand: a side
// table the strong owner removes itself from at teardown, exactly the
// "manual weak reference ... implemented by hand as an indirection
// through a small side table" called for in SPEC_FULL.md.
var weakTable sync.Map // map[uint64]*ModuleCore

// lazyScopeFunc is the type-erased symbol lookup the lazy-bind fixup
// trampoline consults (spec.md §4.F "current lazy_scope").
type lazyScopeFunc func(name string) (uintptr, bool)

// moduleImage is the minimal surface ModuleCore needs from whichever
// front-end produced it: the phdr-driven dynamic path's *Image, or the
// section-header-driven object path's *ObjectImage (spec.md §4.I).
// Relocation itself stays front-end-specific (Relocator vs.
// ObjectRelocator) and type-asserts back to the concrete image it
// needs.
type moduleImage interface {
	elfHeader() *ElfHeader
}

// ModuleCore is the reference-counted inner record of spec.md §3.
type ModuleCore struct {
	id   uint64
	name string
	cfg  *LoaderConfig

	segs    *Segments
	img     moduleImage
	dynInfo *DynamicInfo
	symtab  *SymbolTable

	// deps is this module's own AddRef'd strong hold on every provider
	// it resolved a symbol against (spec.md §3/§4.F "the dependency
	// slice is the mechanism by which a module keeps its providers
	// alive"). Released in teardown, after this module's own resources
	// are gone, so no provider's memory can be unmapped out from under
	// a dependent that still holds this module alive.
	deps []*LoadedModule

	userData any

	hasInit    bool
	initAddr   uintptr
	initArray  []uintptr
	hasFini    bool
	finiAddr   uintptr
	finiArray  []uintptr

	refcount atomic.Int64
	isInit   atomic.Bool

	lazyScope atomic.Pointer[lazyScopeFunc]

	finiOnce sync.Once
}

func newModuleCore(name string, segs *Segments, img moduleImage, cfg *LoaderConfig) *ModuleCore {
	c := &ModuleCore{
		id:   moduleIDs.Add(1),
		name: name,
		cfg:  cfg,
		segs: segs,
		img:  img,
	}
	c.refcount.Store(1)
	weakTable.Store(c.id, c)
	return c
}

// Name is the module's diagnostic identifier, the Reader's Name() at
// load time.
func (c *ModuleCore) Name() string { return c.name }

// Base is the module's load bias.
func (c *ModuleCore) Base() uintptr { return c.segs.Base() }

// MappedLen is the size of this module's address-space reservation.
func (c *ModuleCore) MappedLen() uintptr { return c.segs.MappedLen() }

// Entry is the rebased ELF entry point (0 for non-executables without one).
func (c *ModuleCore) Entry() uintptr {
	h := c.img.elfHeader()
	if h.Entry == 0 {
		return 0
	}
	return c.segs.Rebase(h.Entry)
}

// UserData returns the caller-attached value set via LoadHook or by the
// caller after Load returns.
func (c *ModuleCore) UserData() any { return c.userData }

// SetUserData attaches caller-chosen data (spec.md §3 "user-attached
// data of caller-chosen type D").
func (c *ModuleCore) SetUserData(v any) { c.userData = v }

// SymbolTable exposes the resolved symbol table, or nil for a module
// with no PT_DYNAMIC segment.
func (c *ModuleCore) SymbolTable() *SymbolTable { return c.symtab }

// DynamicInfo exposes the resolved dynamic-section view, or nil.
func (c *ModuleCore) DynamicInfo() *DynamicInfo { return c.dynInfo }

// lookupOwn resolves a name against this module's own symbol table
// only, used for LOCAL-binding self-resolution (spec.md §4.C rule 1)
// and as a dependency-scope member during other modules' relocation.
func (c *ModuleCore) lookupOwn(name string, pc PreComputedHash) (uintptr, bool) {
	if c.symtab == nil {
		return 0, false
	}
	sym, _, ok := c.symtab.LookupByInfo(SymbolInfo{Name: name}, pc, true)
	if !ok {
		return 0, false
	}
	return c.Base() + uintptr(sym.Value), true
}

// AddRef increments the strong reference count and returns c, mirroring
// an Arc::clone.
func (c *ModuleCore) AddRef() *ModuleCore {
	c.refcount.Add(1)
	return c
}

// Release decrements the strong reference count, running fini exactly
// once when it reaches zero (spec.md §4.F drop order).
func (c *ModuleCore) Release() {
	if c.refcount.Add(-1) == 0 {
		c.teardown()
	}
}

func (c *ModuleCore) teardown() {
	c.finiOnce.Do(func() {
		weakTable.Delete(c.id)

		if c.cfg != nil && c.cfg.FiniFn != nil {
			if err := c.cfg.FiniFn(c.finiAddr, c.finiArray); err != nil {
				debugf("%s: fini handler error: %v", c.name, err)
			}
		} else {
			for i := len(c.finiArray) - 1; i >= 0; i-- {
				callVoidFunc(c.finiArray[i])
			}
			if c.hasFini {
				callVoidFunc(c.finiAddr)
			}
		}

		if c.segs != nil {
			if err := c.segs.Close(); err != nil {
				debugf("%s: unmap on teardown: %v", c.name, err)
			}
		}

		for _, d := range c.deps {
			if d != nil {
				d.Release()
			}
		}
	})
}

// callVoidFunc invokes a bare void(void) function at addr by building a
// Go func value that points at a one-word cell holding addr (a func
// value is a pointer to a cell whose first word is the code address) —
// the same manual-trampoline trick other_examples/.../memmod-style
// loaders use to call into code they just mapped (there via a small
// asm cCall0 helper; here via Go's func-value layout directly, which
// is safe for a zero-argument, zero-return System V call).
func callVoidFunc(addr uintptr) {
	if addr == 0 {
		return
	}
	cell := unsafe.Pointer(&addr)
	fn := *(*func())(unsafe.Pointer(&cell))
	fn()
}

// RawElf is the post-mapping, pre-relocation handle (spec.md §4.F).
type RawElf struct {
	core *ModuleCore
}

func (r *RawElf) Name() string          { return r.core.name }
func (r *RawElf) Base() uintptr         { return r.core.Base() }
func (r *RawElf) DynamicInfo() *DynamicInfo { return r.core.dynInfo }

// Relocator starts a relocator builder bound to this image, per
// spec.md §4.J "Each entry point returns the unrelocated RawElf. The
// caller then chains .relocator() ...".
func (r *RawElf) Relocator() *Relocator {
	return &Relocator{raw: r}
}

// LoadedModule is ModuleCore plus the dependency slice that keeps this
// module's providers alive for as long as this module is (spec.md §3
// "LoadedModule ... carries the dependency reference slice").
type LoadedModule struct {
	*ModuleCore
}

// Deps returns this module's resolved dependencies, in scope order.
func (m *LoadedModule) Deps() []*LoadedModule { return m.deps }

// Get resolves an exported symbol by name against this module's own
// symbol table and returns its rebased address, matching spec.md §6
// "get::<T>(name) for typed pointer retrieval".
func (m *LoadedModule) Get(name string) (uintptr, bool) {
	return m.lookupOwn(name, Precompute(name))
}

// Ref produces a weak reference to this module's core, used by the
// lazy-binding fixup and lazy-scope closures to re-enter a module
// without holding it alive forever (spec.md §3 "WeakRef").
func (m *LoadedModule) Ref() ModuleRef { return ModuleRef{id: m.id} }

// ModuleRef is a downgraded reference (spec.md §3 "WeakRef").
type ModuleRef struct {
	id uint64
}

// Upgrade attempts to regain a strong reference. It fails once the
// module has reached a zero refcount and torn down, even if this
// process still happens to hold the backing memory live through some
// other path.
func (w ModuleRef) Upgrade() (*ModuleCore, bool) {
	v, ok := weakTable.Load(w.id)
	if !ok {
		return nil, false
	}
	c := v.(*ModuleCore)
	for {
		n := c.refcount.Load()
		if n <= 0 {
			return nil, false
		}
		if c.refcount.CompareAndSwap(n, n+1) {
			return c, true
		}
	}
}
