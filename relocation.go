package elfloader

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/blacktop/go-elfloader/arch"
	"github.com/blacktop/go-elfloader/lazybind"
	"github.com/blacktop/go-elfloader/pkg/relrchain"
	"github.com/blacktop/go-elfloader/types"
)

// FindFunc is a caller-supplied symbol lookup (spec.md §6 "pre_find,
// post_find: Fn(&str) -> Option<*const ()>").
type FindFunc func(name string) (uintptr, bool)

// RelocationContext is handed to PreHandler/PostHandler for one
// relocation entry (spec.md §6).
type RelocationContext struct {
	Offset     uint64
	SymIndex   uint32
	TypeCode   uint32
	Addend     int64
	SymbolName string

	// Unresolved is set when the entry fell through to the
	// weak-undefined-resolves-to-null rule (spec.md §4.C rule 3)
	// instead of finding a real definition (DESIGN.md Open Question #2).
	Unresolved bool
}

// HandlerResult is a PreHandler/PostHandler decision for one entry.
type HandlerResult struct {
	Handled bool
	DepIdx  int
	HasDep  bool
}

// HandlerFunc mirrors spec.md's
// "FnMut(&RelocationContext) -> Option<Result<Option<scope_idx>>>".
type HandlerFunc func(*RelocationContext) (HandlerResult, error)

// Relocator is the per-call builder of spec.md §4.G / §6 "Relocator
// configuration", produced by RawElf.Relocator() and configured
// fluently before Relocate runs the three passes.
type Relocator struct {
	raw *RawElf

	PreFind  FindFunc
	Scope    []*LoadedModule
	PostFind FindFunc

	Lazy      *bool
	LazyScope FindFunc

	PreHandler  HandlerFunc
	PostHandler HandlerFunc
}

func (rl *Relocator) WithScope(scope []*LoadedModule) *Relocator   { rl.Scope = scope; return rl }
func (rl *Relocator) WithPreFind(f FindFunc) *Relocator            { rl.PreFind = f; return rl }
func (rl *Relocator) WithPostFind(f FindFunc) *Relocator           { rl.PostFind = f; return rl }
func (rl *Relocator) WithLazy(v bool) *Relocator                   { rl.Lazy = &v; return rl }
func (rl *Relocator) WithLazyScope(f FindFunc) *Relocator          { rl.LazyScope = f; return rl }
func (rl *Relocator) WithPreHandler(f HandlerFunc) *Relocator      { rl.PreHandler = f; return rl }
func (rl *Relocator) WithPostHandler(f HandlerFunc) *Relocator     { rl.PostHandler = f; return rl }

// relEntry is the decoded abstraction of spec.md §3's "Relocation
// entry": (offset, sym_index, type_code, addend).
type relEntry struct {
	Offset   uint64
	SymIndex uint32
	Type     uint32
	Addend   int64
}

// readRelocEntry decodes one RELA/REL entry from live process memory at
// addr. The explicit addend field is only meaningful when isRela; REL
// callers must read the implicit addend from the relocation target
// themselves (effectiveAddend does this).
func readRelocEntry(addr uintptr, isRela bool) relEntry {
	offset := viewUint64(addr)
	info := viewUint64(addr + 8)
	e := relEntry{
		Offset:   offset,
		SymIndex: types.R_SYM64(info),
		Type:     types.R_TYPE64(info),
	}
	if isRela {
		e.Addend = int64(viewUint64(addr + 16))
	}
	return e
}

func effectiveAddend(e relEntry, base uintptr, isRela bool) int64 {
	if isRela {
		return e.Addend
	}
	return int64(viewUint64(base + uintptr(e.Offset)))
}

// Relocate runs the three-pass relocation engine of spec.md §4.G and
// returns the published LoadedModule.
func (rl *Relocator) Relocate(ctx context.Context) (*LoadedModule, error) {
	core := rl.raw.core
	img, ok := core.img.(*Image)
	if !ok {
		return nil, newErr(KindRelocate, core.name, "Relocator used on a non-dynamic-path module")
	}
	cfg := core.cfg

	dynInfo, symtab, err := img.Dynamic(cfg.SynthesizeHash)
	if err != nil {
		return nil, err
	}
	core.dynInfo = dynInfo
	core.symtab = symtab

	if dynInfo == nil {
		return rl.finish(core, nil)
	}

	a := arch.ByMachine(uint16(img.Header.Machine))
	if a == nil {
		return nil, newErr(KindRelocate, core.name, "no architecture descriptor for relocation")
	}

	lazy := !dynInfo.BindNow()
	if rl.Lazy != nil {
		lazy = *rl.Lazy && !dynInfo.BindNow()
	}

	used := make([]bool, len(rl.Scope))

	if err := rl.pass1Relative(core, dynInfo, a); err != nil {
		return nil, err
	}
	if err := rl.pass2Dynamic(core, dynInfo, symtab, a, used); err != nil {
		return nil, err
	}
	if err := rl.pass3Plt(core, dynInfo, symtab, a, lazy, used); err != nil {
		return nil, err
	}

	if !lazy && img.Relro != nil {
		if err := img.Relro.Apply(cfg.Mapper); err != nil {
			return nil, err
		}
	}

	return rl.finish(core, used)
}

// pass1Relative implements spec.md §4.G Pass 1: the DT_RELACOUNT-bounded
// prefix of RELATIVE entries, plus the RELR compressed stream.
func (rl *Relocator) pass1Relative(core *ModuleCore, di *DynamicInfo, a *arch.Arch) error {
	base := core.Base()

	if di.RelaAddr != 0 && di.RelCount > 0 {
		for i := uint64(0); i < di.RelCount; i++ {
			entryAddr := di.RelaAddr + uintptr(i*di.RelaEnt)
			e := readRelocEntry(entryAddr, di.IsRela)
			if a.RelocRole(e.Type) != arch.RoleRelative {
				return newErr(KindRelocate, core.name, "DT_RELACOUNT prefix contains a non-RELATIVE entry")
			}
			addend := effectiveAddend(e, base, di.IsRela)
			writeUint64(base+uintptr(e.Offset), uint64(base)+uint64(addend))
		}
	}

	if di.RelrAddr != 0 && di.RelrSz > 0 {
		n := int(di.RelrSz / 8)
		words := make([]uint64, n)
		for i := 0; i < n; i++ {
			words[i] = viewUint64(di.RelrAddr + uintptr(i*8))
		}
		for _, e := range relrchain.Decode(words, 8) {
			patchAddr := base + uintptr(e.Addr)
			orig := viewUint64(patchAddr)
			writeUint64(patchAddr, uint64(base)+orig)
		}
	}
	return nil
}

// pass2Dynamic implements spec.md §4.G Pass 2: every non-RELATIVE,
// non-PLT dynamic relocation entry.
func (rl *Relocator) pass2Dynamic(core *ModuleCore, di *DynamicInfo, symtab *SymbolTable, a *arch.Arch, used []bool) error {
	if di.RelaAddr == 0 {
		return nil
	}
	base := core.Base()
	count := di.RelaSz / di.RelaEnt

	for i := di.RelCount; i < count; i++ {
		entryAddr := di.RelaAddr + uintptr(i*di.RelaEnt)
		e := readRelocEntry(entryAddr, di.IsRela)
		role := a.RelocRole(e.Type)
		if role == arch.RoleRelative {
			return newErr(KindRelocate, core.name, "RELATIVE entry found outside the DT_RELACOUNT-bounded prefix")
		}
		if role == arch.RoleJumpSlot {
			continue
		}

		rc := &RelocationContext{
			Offset:   e.Offset,
			SymIndex: e.SymIndex,
			TypeCode: e.Type,
			Addend:   effectiveAddend(e, base, di.IsRela),
		}
		if symtab != nil && e.SymIndex != 0 {
			_, info := symtab.rawSymbolAt(e.SymIndex)
			rc.SymbolName = info.Name
		}

		if rl.PreHandler != nil {
			res, err := rl.PreHandler(rc)
			if err != nil {
				return wrapErr(KindRelocate, core.name, "pre-handler rejected relocation", err)
			}
			if res.Handled {
				markUsed(used, res)
				continue
			}
		}

		var err error
		switch role {
		case arch.RoleNone:
		case arch.RoleGOT, arch.RoleSymbolic:
			err = rl.resolveAndWrite(core, symtab, rc, used, base)
		case arch.RoleDTPOff:
			err = rl.resolveAndWriteDTPOff(core, symtab, rc, used, base, a)
		case arch.RoleCopy:
			err = rl.relocateCopy(core, symtab, rc, used, base)
		case arch.RoleIRelative:
			target := callResolver(base + uintptr(rc.Addend))
			writeUintptr(base+uintptr(rc.Offset), target)
		default:
			if rl.PostHandler != nil {
				res, herr := rl.PostHandler(rc)
				if herr != nil {
					return wrapErr(KindRelocate, core.name, "post-handler rejected relocation", herr)
				}
				if res.Handled {
					markUsed(used, res)
					continue
				}
			}
			err = newErr(KindRelocate, core.name, fmt.Sprintf("unhandled relocation type %d at offset %#x", rc.TypeCode, rc.Offset))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func markUsed(used []bool, res HandlerResult) {
	if res.HasDep && res.DepIdx >= 0 && res.DepIdx < len(used) {
		used[res.DepIdx] = true
	}
}

// pass3Plt implements spec.md §4.G Pass 3: PLT/GOT (JUMP_SLOT) entries,
// eager or lazy.
func (rl *Relocator) pass3Plt(core *ModuleCore, di *DynamicInfo, symtab *SymbolTable, a *arch.Arch, lazy bool, used []bool) error {
	if di.PltRelAddr == 0 || di.PltRelSz == 0 {
		return nil
	}
	base := core.Base()
	entSize := uint64(types.Rela64Size)
	if !di.PltIsRela {
		entSize = uint64(types.Rel64Size)
	}
	count := di.PltRelSz / entSize

	for i := uint64(0); i < count; i++ {
		entryAddr := di.PltRelAddr + uintptr(i*entSize)
		e := readRelocEntry(entryAddr, di.PltIsRela)
		role := a.RelocRole(e.Type)

		rc := &RelocationContext{
			Offset:   e.Offset,
			SymIndex: e.SymIndex,
			TypeCode: e.Type,
			Addend:   effectiveAddend(e, base, di.PltIsRela),
		}
		if symtab != nil && e.SymIndex != 0 {
			_, info := symtab.rawSymbolAt(e.SymIndex)
			rc.SymbolName = info.Name
		}

		if role == arch.RoleIRelative {
			// IRELATIVE entries in the PLT table have no fallback path
			// and are always resolved eagerly (spec.md §4.G Pass 3).
			target := callResolver(base + uintptr(rc.Addend))
			writeUintptr(base+uintptr(rc.Offset), target)
			continue
		}

		if !lazy {
			if err := rl.resolveAndWrite(core, symtab, rc, used, base); err != nil {
				return err
			}
			continue
		}

		// Lazy mode: rebase the PLT-stub-pointing addend already stored
		// at the site so the stub's own jump lands correctly; the
		// actual symbol resolution happens on first call, via dl_fixup.
		orig := viewUint64(base + uintptr(rc.Offset))
		writeUint64(base+uintptr(rc.Offset), uint64(base)+orig)
	}

	if lazy && di.PltGotAddr != 0 {
		lazyFn := rl.buildLazyScope(core)
		core.lazyScope.Store(&lazyFn)
		writeUintptr(di.PltGotAddr+uintptr(a.GOTDylibSlot*a.PointerSize), uintptr(unsafe.Pointer(core)))
		writeUintptr(di.PltGotAddr+uintptr(a.GOTResolverSlot*a.PointerSize), lazybind.ResolverAddr(a.Name))
	}

	return nil
}

// resolve walks pre_find -> scope -> post_find (spec.md §4.C rule 2),
// marking used[i] whenever scope member i supplies the hit.
func (rl *Relocator) resolve(name string, pc PreComputedHash, used []bool) (uintptr, int, bool) {
	if rl.PreFind != nil {
		if addr, ok := rl.PreFind(name); ok {
			return addr, -1, true
		}
	}
	for i, m := range rl.Scope {
		if m == nil {
			continue
		}
		if addr, ok := m.lookupOwn(name, pc); ok {
			used[i] = true
			return addr, i, true
		}
	}
	if rl.PostFind != nil {
		if addr, ok := rl.PostFind(name); ok {
			return addr, -1, true
		}
	}
	return 0, -1, false
}

// resolveSymbolAddr resolves rc's symbol, applying the
// weak-undefined-resolves-to-null fallback (spec.md §4.C rule 3) and
// flagging rc.Unresolved when that fallback fires.
func (rl *Relocator) resolveSymbolAddr(symtab *SymbolTable, rc *RelocationContext, used []bool) (uintptr, bool) {
	if symtab == nil || rc.SymIndex == 0 {
		return 0, false
	}
	sym, _ := symtab.rawSymbolAt(rc.SymIndex)
	pc := Precompute(rc.SymbolName)

	if addr, _, ok := rl.resolve(rc.SymbolName, pc, used); ok {
		return addr, true
	}
	if types.ST_BIND(sym.Info) == types.STB_WEAK && sym.Shndx == types.SHN_UNDEF {
		rc.Unresolved = true
		return 0, true
	}
	return 0, false
}

func (rl *Relocator) resolveAndWrite(core *ModuleCore, symtab *SymbolTable, rc *RelocationContext, used []bool, base uintptr) error {
	addr, ok := rl.resolveSymbolAddr(symtab, rc, used)
	if !ok {
		return unresolvedErr(core.name, rc)
	}
	writeUint64(base+uintptr(rc.Offset), uint64(addr)+uint64(rc.Addend))
	return nil
}

func (rl *Relocator) resolveAndWriteDTPOff(core *ModuleCore, symtab *SymbolTable, rc *RelocationContext, used []bool, base uintptr, a *arch.Arch) error {
	addr, ok := rl.resolveSymbolAddr(symtab, rc, used)
	if !ok {
		return unresolvedErr(core.name, rc)
	}
	writeUint64(base+uintptr(rc.Offset), uint64(int64(addr)+rc.Addend-a.DTVOffset))
	return nil
}

// relocateCopy implements the COPY relocation (spec.md §4.G Pass 2),
// enriched per SPEC_FULL.md's DOMAIN-STACK SUPPLEMENT: the provider
// search prefers a module recorded as a NEEDED dependency of the
// relocating module before falling back to the full scope, avoiding a
// copy from an unrelated module that happens to export the same name.
func (rl *Relocator) relocateCopy(core *ModuleCore, symtab *SymbolTable, rc *RelocationContext, used []bool, base uintptr) error {
	sym, _ := symtab.rawSymbolAt(rc.SymIndex)
	pc := Precompute(rc.SymbolName)

	needed := map[string]bool{}
	if core.dynInfo != nil {
		for _, n := range core.dynInfo.NeededNames() {
			needed[n] = true
		}
	}
	for i, m := range rl.Scope {
		if m == nil || !needed[m.Name()] || m.symtab == nil {
			continue
		}
		if srcSym, _, ok := m.symtab.LookupByInfo(SymbolInfo{Name: rc.SymbolName}, pc, true); ok {
			used[i] = true
			src := m.Base() + uintptr(srcSym.Value)
			copy(viewBytes(base+uintptr(rc.Offset), int(sym.Size)), viewBytes(src, int(sym.Size)))
			return nil
		}
	}

	addr, idx, ok := rl.resolve(rc.SymbolName, pc, used)
	if !ok {
		return unresolvedErr(core.name, rc)
	}
	if idx >= 0 {
		used[idx] = true
	}
	copy(viewBytes(base+uintptr(rc.Offset), int(sym.Size)), viewBytes(addr, int(sym.Size)))
	return nil
}

func unresolvedErr(module string, rc *RelocationContext) error {
	return newErr(KindRelocate, module, fmt.Sprintf("unresolved symbol %q at offset %#x", rc.SymbolName, rc.Offset))
}

// callResolver invokes an IFUNC resolver (zero arguments, uintptr
// return) the same way callVoidFunc invokes a void function.
func callResolver(addr uintptr) uintptr {
	cell := unsafe.Pointer(&addr)
	fn := *(*func() uintptr)(unsafe.Pointer(&cell))
	return fn()
}

// buildLazyScope composes the caller's LazyScope with weak references
// to every scope member (spec.md §4.G "composed from the caller's
// lazy-scope plus weak refs to scope members"), breaking the
// dependency cycle a direct strong-reference closure would create.
func (rl *Relocator) buildLazyScope(core *ModuleCore) lazyScopeFunc {
	refs := make([]ModuleRef, 0, len(rl.Scope))
	for _, m := range rl.Scope {
		if m != nil {
			refs = append(refs, m.Ref())
		}
	}
	callerLazy := rl.LazyScope
	return func(name string) (uintptr, bool) {
		pc := Precompute(name)
		for _, ref := range refs {
			c, ok := ref.Upgrade()
			if !ok {
				continue
			}
			addr, found := c.lookupOwn(name, pc)
			c.Release()
			if found {
				return addr, true
			}
		}
		if callerLazy != nil {
			return callerLazy(name)
		}
		return 0, false
	}
}

// finish builds the dependency slice (excluding self-reference, per
// spec.md §4.F "Cycle avoidance"), runs init hooks, and publishes the
// LoadedModule.
func (rl *Relocator) finish(core *ModuleCore, used []bool) (*LoadedModule, error) {
	var deps []*LoadedModule
	for i, u := range used {
		if !u || rl.Scope[i] == nil {
			continue
		}
		if rl.Scope[i].ModuleCore == core {
			continue
		}
		rl.Scope[i].AddRef()
		deps = append(deps, rl.Scope[i])
	}
	core.deps = deps

	if core.dynInfo != nil {
		core.hasInit = core.dynInfo.HasInit
		core.initAddr = core.dynInfo.InitAddr
		if core.dynInfo.InitArrayN > 0 {
			core.initArray = readAddrArray(core.dynInfo.InitArrayAddr, core.dynInfo.InitArrayN)
		}
		core.hasFini = core.dynInfo.HasFini
		core.finiAddr = core.dynInfo.FiniAddr
		if core.dynInfo.FiniArrayN > 0 {
			core.finiArray = readAddrArray(core.dynInfo.FiniArrayAddr, core.dynInfo.FiniArrayN)
		}
	}

	if core.cfg != nil && core.cfg.InitFn != nil {
		if err := core.cfg.InitFn(core.initAddr, core.initArray); err != nil {
			return nil, wrapErr(KindRelocate, core.name, "init handler failed", err)
		}
	} else {
		for _, addr := range core.initArray {
			callVoidFunc(addr)
		}
		if core.hasInit {
			callVoidFunc(core.initAddr)
		}
	}
	core.isInit.Store(true)

	return &LoadedModule{ModuleCore: core}, nil
}

func readAddrArray(addr uintptr, n int) []uintptr {
	out := make([]uintptr, n)
	for i := 0; i < n; i++ {
		out[i] = viewUintptr(addr + uintptr(i*8))
	}
	return out
}

// dlFixup is the C-callable resolver half of spec.md §4.H's lazy
// binding runtime; lazybind's per-architecture trampoline tail-calls
// into it through the Fixup indirection registered in init() below,
// since lazybind cannot import this package (it is built to be usable
// standalone by the trampoline's minimal asm environment).
func dlFixup(identity unsafe.Pointer, relocIndex uint64) uintptr {
	core := (*ModuleCore)(identity)
	lsp := core.lazyScope.Load()
	if lsp == nil {
		panic("elfloader: lazy-bind fixup fired with no lazy scope installed")
	}
	di := core.dynInfo
	entSize := uint64(types.Rela64Size)
	if !di.PltIsRela {
		entSize = uint64(types.Rel64Size)
	}
	entryAddr := di.PltRelAddr + uintptr(relocIndex*entSize)
	e := readRelocEntry(entryAddr, di.PltIsRela)

	dynImg, _ := core.img.(*Image)
	a := arch.ByMachine(uint16(dynImg.Header.Machine))
	if a == nil || a.RelocRole(e.Type) != arch.RoleJumpSlot {
		panic("elfloader: lazy-bind fixup on a non-JUMP_SLOT relocation")
	}

	_, info := core.symtab.rawSymbolAt(e.SymIndex)
	addr, ok := (*lsp)(info.Name)
	if !ok {
		panic("elfloader: lazy-bind fixup: unresolved symbol " + info.Name)
	}
	writeUintptr(core.Base()+uintptr(e.Offset), addr)
	return addr
}

func init() {
	lazybind.Fixup = dlFixup
}
