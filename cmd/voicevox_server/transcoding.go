//go:build (linux || darwin) && (amd64 || arm64)

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

// outputFormat describes how a response_format is served.
type outputFormat struct {
	MimeType string
	FileExt  string
	args     []string
}

var outputFormats = map[string]outputFormat{
	"wav":  {MimeType: "audio/wav", FileExt: "wav"},
	"mp3":  {MimeType: "audio/mpeg", FileExt: "mp3", args: []string{"-f", "mp3"}},
	"opus": {MimeType: "audio/ogg", FileExt: "opus", args: []string{"-f", "ogg", "-c:a", "libopus"}},
	"aac":  {MimeType: "audio/aac", FileExt: "aac", args: []string{"-f", "adts", "-c:a", "aac"}},
	"flac": {MimeType: "audio/flac", FileExt: "flac", args: []string{"-f", "flac"}},
}

// TranscodeAudio pipes the wave audio through FFmpeg into outFormat. The
// process is killed when ctx is done.
func TranscodeAudio(ctx context.Context, wav []byte, outFormat string, ffmpegPath string) (io.ReadCloser, error) {
	format, ok := outputFormats[outFormat]
	switch {
	case !ok:
		return nil, fmt.Errorf("unsupported output format: %s", outFormat)
	case format.args == nil:
		return nil, fmt.Errorf("programming error: should not call ffmpeg to output %s", outFormat)
	}

	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-loglevel", "error", "-i", "pipe:0")
	cmd.Args = append(cmd.Args, format.args...)
	cmd.Args = append(cmd.Args, "pipe:1")
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stderr = os.Stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	log.Debug().Strs("ffmpeg_args", cmd.Args).Msg("starting ffmpeg with arguments")

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &ffmpegOutput{ReadCloser: stdout, cmd: cmd}, nil
}

type ffmpegOutput struct {
	io.ReadCloser
	cmd *exec.Cmd
}

// Close waits for ffmpeg after the caller is done reading.
func (o *ffmpegOutput) Close() error {
	_ = o.ReadCloser.Close()
	if err := o.cmd.Wait(); err != nil {
		log.Error().Err(err).Msg("ffmpeg exited with error")
		return err
	}
	return nil
}
