package wavfile

import (
	"errors"
	"testing"
	"time"

	"voicevox-core-go/voicevox/fakecore"
)

func TestParseWAV(t *testing.T) {
	wav := fakecore.WAV(fakecore.SampleRate / 2)
	format, pcm, err := ParseWAV(wav)
	if err != nil {
		t.Fatal(err)
	}
	want := Format{AudioFormat: 1, Channels: 1, SampleRate: fakecore.SampleRate, BitsPerSample: 16}
	if format != want {
		t.Errorf("format = %+v, want %+v", format, want)
	}
	if len(pcm) != fakecore.SampleRate {
		t.Errorf("pcm length = %d", len(pcm))
	}
	if d := format.Duration(len(pcm)); d != 500*time.Millisecond {
		t.Errorf("duration = %s", d)
	}
}

func TestParseWAVSkipsUnknownChunks(t *testing.T) {
	wav := fakecore.WAV(10)
	// Insert an odd-sized LIST chunk between the header and fmt.
	extra := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append(append(append([]byte{}, wav[:12]...), extra...), wav[12:]...)

	_, pcm, err := ParseWAV(withList)
	if err != nil {
		t.Fatal(err)
	}
	if len(pcm) != 20 {
		t.Errorf("pcm length = %d, want 20", len(pcm))
	}
}

func TestParseWAVErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00\x00\x00")},
		{"no data", fakecore.WAV(0)[:36]},
	}
	for _, tt := range tests {
		if _, _, err := ParseWAV(tt.data); !errors.Is(err, ErrNotWAV) {
			t.Errorf("%s: got %v, want ErrNotWAV", tt.name, err)
		}
	}
}
