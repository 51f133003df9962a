//go:build (linux || darwin) && (amd64 || arm64)

package config

import (
	"context"
	"fmt"

	"voicevox-core-go/voicevox"
	"voicevox-core-go/voicevox/ffi_wrapper"
)

func (c CoreConfig) ResolveLibraryPath() (string, error) {
	if c.LibraryPath != "" {
		return c.LibraryPath, nil
	}
	path, err := ffi_wrapper.FindLibrary("")
	if err != nil {
		return "", fmt.Errorf("error finding voicevox core library: %w", err)
	}
	return path, nil
}

// Open loads the library and prepares it with Prepare. The caller closes the
// returned handle.
func Open(ctx context.Context, c CoreConfig) (*voicevox.Voicevox, error) {
	path, err := c.ResolveLibraryPath()
	if err != nil {
		return nil, err
	}
	opts, err := c.LoadOptions()
	if err != nil {
		return nil, err
	}
	v, err := voicevox.New(path, opts)
	if err != nil {
		return nil, err
	}
	if err := Prepare(ctx, v, c); err != nil {
		_ = v.Close()
		return nil, err
	}
	return v, nil
}
