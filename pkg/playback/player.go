// Package playback plays synthesized WAV images on the default audio device.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"voicevox-core-go/pkg/wavfile"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog/log"
)

// Play blocks until wav has been played or ctx ends. Only 16-bit PCM is
// supported, which is what the synthesizer produces.
func Play(ctx context.Context, wav []byte) error {
	format, pcm, err := wavfile.ParseWAV(wav)
	if err != nil {
		return err
	}
	if format.AudioFormat != 1 || format.BitsPerSample != 16 {
		return fmt.Errorf("unsupported WAV encoding: format %d, %d bits", format.AudioFormat, format.BitsPerSample)
	}

	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("failed to create oto context: %w", err)
	}
	<-readyChan

	player := otoCtx.NewPlayer(bytes.NewReader(pcm))
	defer player.Close()

	total := format.Duration(len(pcm))
	log.Debug().Int("sample_rate", format.SampleRate).Int("channels", format.Channels).Dur("duration", total).Msg("playing")
	player.Play()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for player.IsPlaying() {
		select {
		case <-ctx.Done():
			player.Pause()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return player.Err()
}
