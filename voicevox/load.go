//go:build (linux || darwin) && (amd64 || arm64)

package voicevox

import (
	"fmt"
	"path/filepath"

	"voicevox-core-go/voicevox/ffi_wrapper"

	"github.com/rs/zerolog/log"
)

var _ Core = (*ffi_wrapper.CoreLibrary)(nil)

// New loads the library at libraryPath. Only one handle per library file may
// be live at a time; a second New for the same path fails with
// ErrAlreadyLoaded until the first handle is closed.
func New(libraryPath string, opts *LoadOptions) (*Voicevox, error) {
	o := opts.withDefaults()
	absPath, err := filepath.Abs(libraryPath)
	if err != nil {
		return nil, fmt.Errorf("abs library path: %w", err)
	}
	if err := reserve(absPath); err != nil {
		return nil, err
	}

	log.Debug().Str("path", absPath).Int("workers", o.Workers).Msg("loading voicevox core")
	lib, err := ffi_wrapper.LoadCoreLibrary(absPath, o.Workers)
	if err != nil {
		release(absPath)
		return nil, err
	}
	if o.StrictVersion {
		if err := lib.CheckVersion(); err != nil {
			_ = lib.Close()
			release(absPath)
			return nil, err
		}
	}

	v := NewFromCore(lib, &o)
	v.key = absPath
	registryMu.Lock()
	registry[absPath] = v
	registryMu.Unlock()
	return v, nil
}
