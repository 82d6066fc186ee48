package elfloader

import "github.com/blacktop/go-elfloader/types"

// Loader is the top-level facade (spec.md §4.J): a configured mapper,
// lifecycle hooks, and the four entry points that turn a Reader into
// an unrelocated RawElf. Every entry point shares buildImage/
// buildObjectImage with the others; they differ only in which e_type
// values they accept.
type Loader struct {
	cfg *LoaderConfig
}

// NewLoader builds a Loader around cfg. A nil cfg is valid; every
// LoaderConfig field then takes its zero-value default (no mapper
// override beyond what Mapper requires, no hooks, eager hash
// validation).
func NewLoader(cfg *LoaderConfig) *Loader {
	if cfg == nil {
		cfg = &LoaderConfig{}
	}
	return &Loader{cfg: cfg}
}

// Load dispatches on e_type per spec.md §4.J: ET_REL goes through the
// object path, ET_DYN and ET_EXEC both go through the phdr-driven
// dynamic path (the PIE-vs-dylib distinction affects only which of
// LoadDylib/LoadExec will accept the result, not how it's built).
func (l *Loader) Load(r Reader) (*RawElf, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	switch h.Type {
	case types.ET_REL:
		return l.loadObject(r, h)
	case types.ET_DYN, types.ET_EXEC:
		return l.loadDynamic(r, h)
	default:
		return nil, newErr(KindParseEhdr, r.Name(), "unsupported e_type: "+h.Type.String())
	}
}

// LoadDylib loads r as a shared library: ET_DYN without PT_INTERP. An
// ET_DYN carrying PT_INTERP is a PIE executable and belongs to
// LoadExec instead (spec.md §4.J's "ET_DYN without interp → dylib
// path").
func (l *Loader) LoadDylib(r Reader) (*RawElf, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Type != types.ET_DYN {
		return nil, newErr(KindParseEhdr, r.Name(), "LoadDylib requires ET_DYN, got "+h.Type.String())
	}
	raw, err := l.loadDynamic(r, h)
	if err != nil {
		return nil, err
	}
	if img := raw.core.img.(*Image); img.HasInterp {
		raw.core.Release()
		return nil, newErr(KindParseEhdr, r.Name(), "LoadDylib given a PIE executable (carries PT_INTERP); use LoadExec")
	}
	return raw, nil
}

// LoadExec loads r as an executable: plain ET_EXEC, or a PIE ET_DYN
// carrying PT_INTERP (spec.md §4.J's "ET_DYN with PT_INTERP or no
// dynamic → exec/PIE path").
func (l *Loader) LoadExec(r Reader) (*RawElf, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Type != types.ET_EXEC && h.Type != types.ET_DYN {
		return nil, newErr(KindParseEhdr, r.Name(), "LoadExec requires ET_EXEC or a PIE ET_DYN, got "+h.Type.String())
	}
	raw, err := l.loadDynamic(r, h)
	if err != nil {
		return nil, err
	}
	if h.Type == types.ET_DYN {
		img := raw.core.img.(*Image)
		if !img.HasInterp && img.dyn.hasDyn {
			raw.core.Release()
			return nil, newErr(KindParseEhdr, r.Name(), "LoadExec given a plain shared library (no PT_INTERP); use LoadDylib")
		}
	}
	return raw, nil
}

// LoadObject loads r as a relocatable object file (ET_REL), the
// spec.md §4.I front-end.
func (l *Loader) LoadObject(r Reader) (*RawElf, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	if h.Type != types.ET_REL {
		return nil, newErr(KindParseEhdr, r.Name(), "LoadObject requires ET_REL, got "+h.Type.String())
	}
	return l.loadObject(r, h)
}

func (l *Loader) loadDynamic(r Reader, h *ElfHeader) (*RawElf, error) {
	img, err := buildImage(r, h, l.cfg)
	if err != nil {
		return nil, err
	}
	core := newModuleCore(r.Name(), img.Segs, img, l.cfg)
	return &RawElf{core: core}, nil
}

func (l *Loader) loadObject(r Reader, h *ElfHeader) (*RawElf, error) {
	img, err := buildObjectImage(r, h, l.cfg)
	if err != nil {
		return nil, err
	}
	core := newModuleCore(r.Name(), img.Segs, img, l.cfg)
	return &RawElf{core: core}, nil
}
