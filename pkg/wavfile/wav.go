// Package wavfile inspects RIFF/WAVE images.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE file")

// Format is the PCM layout of a WAV image.
type Format struct {
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
}

func (f Format) bytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration is the play time of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.bytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// ParseWAV returns the format and the PCM payload of a WAV image. Chunks other
// than "fmt " and "data" are skipped.
func ParseWAV(data []byte) (Format, []byte, error) {
	if len(data) < 12 || !bytes.Equal(data[0:4], []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return Format{}, nil, ErrNotWAV
	}

	var (
		format    Format
		haveFmt   bool
		pos       = 12
		chunkSize int
	)
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		chunkSize = int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if chunkSize < 0 || body+chunkSize > len(data) {
			// Streaming writers leave the data size unset; take what is there.
			if id == "data" {
				chunkSize = len(data) - body
			} else {
				return Format{}, nil, fmt.Errorf("%w: chunk %q overruns the file", ErrNotWAV, id)
			}
		}

		switch id {
		case "fmt ":
			if chunkSize < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			c := data[body : body+chunkSize]
			format = Format{
				AudioFormat:   binary.LittleEndian.Uint16(c[0:2]),
				Channels:      int(binary.LittleEndian.Uint16(c[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(c[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(c[14:16])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWAV)
			}
			return format, data[body : body+chunkSize], nil
		}

		// Chunks are padded to an even size.
		pos = body + chunkSize + chunkSize%2
	}
	return Format{}, nil, fmt.Errorf("%w: no data chunk", ErrNotWAV)
}
