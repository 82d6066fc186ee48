package elfloader

import (
	"log"
	"os"

	env "github.com/xyproto/env/v2"

	"github.com/blacktop/go-elfloader/types"
)

// debugEnabled is read from GOELFLOADER_DEBUG once at package init
// the way the teacher's CLI tools gate verbose output behind an
// environment flag rather than a logger level.
var debugEnabled = env.Bool("GOELFLOADER_DEBUG")

var debugLogger = log.New(os.Stderr, "elfloader: ", log.LstdFlags)

func debugf(format string, args ...any) {
	if debugEnabled {
		debugLogger.Printf(format, args...)
	}
}

// LoadHookContext is passed to LoaderConfig.LoadHook once per program
// header, before its segment is committed (spec.md §6 "load_hook(ctx)").
type LoadHookContext struct {
	Index int
	Phdr  *types.Phdr64
	Name  string
}

// LoaderConfig is the Loader facade's configuration (spec.md §6 "Loader
// configuration"), built fluently the way the teacher configures its
// higher-level decoders with option structs.
type LoaderConfig struct {
	Mapper Mapper

	// PageSize overrides the alignment granularity; 0 means
	// defaultPageSize.
	PageSize uint64

	// SynthesizeHash permits a dynamic image missing both GNU and SysV
	// hash tables to fall back to an on-the-fly scan, matching the
	// object path's synthesis (spec.md §4.A "unless the caller
	// requested synthesis").
	SynthesizeHash bool

	// InitFn is invoked with the resolved DT_INIT address (if any) and
	// the DT_INIT_ARRAY entries, after relocation completes.
	InitFn func(initFn uintptr, initArray []uintptr) error

	// FiniFn is invoked on module teardown with the analogous pair.
	FiniFn func(finiFn uintptr, finiArray []uintptr) error

	// LoadHook is called once per phdr before its segment is processed.
	LoadHook func(ctx *LoadHookContext) error
}

func (c *LoaderConfig) pageSize() uint64 {
	if c != nil && c.PageSize != 0 {
		return c.PageSize
	}
	return defaultPageSize
}
