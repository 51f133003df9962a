package config

import (
	"context"
	"fmt"

	"voicevox-core-go/voicevox"

	"github.com/rs/zerolog/log"
)

func (c CoreConfig) LoadOptions() (*voicevox.LoadOptions, error) {
	ownership, err := voicevox.ParseOwnership(c.AudioQueryOwnership)
	if err != nil {
		return nil, err
	}
	return &voicevox.LoadOptions{
		Workers:             c.Workers,
		StrictVersion:       c.StrictVersion,
		AudioQueryOwnership: ownership,
	}, nil
}

// InitializeOptions overlays the configured values on the library defaults.
func (c CoreConfig) InitializeOptions(defaults voicevox.InitializeOptions) (voicevox.InitializeOptions, error) {
	opts := defaults
	if c.AccelerationMode != "" {
		mode, err := voicevox.ParseAccelerationMode(c.AccelerationMode)
		if err != nil {
			return voicevox.InitializeOptions{}, err
		}
		opts.AccelerationMode = mode
	}
	if c.CPUNumThreads > 0 {
		opts.CPUNumThreads = c.CPUNumThreads
	}
	if c.LoadAllModels {
		opts.LoadAllModels = true
	}
	if c.OpenJtalkDictDir != "" {
		opts.OpenJtalkDictDir = c.OpenJtalkDictDir
	}
	return opts, nil
}

// Prepare initializes v with the configured options and loads the preload
// speakers.
func Prepare(ctx context.Context, v *voicevox.Voicevox, c CoreConfig) error {
	defaults, err := v.MakeDefaultInitializeOptions()
	if err != nil {
		return err
	}
	opts, err := c.InitializeOptions(defaults)
	if err != nil {
		return err
	}
	if err := v.Initialize(ctx, opts); err != nil {
		return fmt.Errorf("error initializing voicevox core: %w", err)
	}
	log.Info().
		Str("version", v.GetVersion()).
		Bool("gpu", v.IsGpuMode()).
		Str("dict", opts.OpenJtalkDictDir).
		Msg("voicevox core initialized")

	for _, id := range c.PreloadSpeakers {
		if v.IsModelLoaded(id) {
			continue
		}
		log.Debug().Uint32("speaker_id", id).Msg("preloading model")
		if err := v.LoadModel(ctx, id); err != nil {
			return fmt.Errorf("error loading model for speaker %d: %w", id, err)
		}
	}
	return nil
}
