package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

func SetLogLevel(level string) error {
	var logLevel zerolog.Level
	switch strings.ToLower(level) {
	case "trace":
		logLevel = zerolog.TraceLevel
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	case "fatal":
		logLevel = zerolog.FatalLevel
	case "panic":
		logLevel = zerolog.PanicLevel
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	zerolog.SetGlobalLevel(logLevel)
	return nil
}

// LogFile configures an optional rotating log file next to stderr output.
type LogFile struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// SetupLogger points the global logger at stderr, human readable unless
// jsonLogs is set, and additionally at file.Path when it is not empty. The
// file always receives JSON. The returned closer flushes and closes the file.
func SetupLogger(jsonLogs bool, file LogFile) (io.Closer, error) {
	var console io.Writer = os.Stderr
	if !jsonLogs {
		console = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	if file.Path == "" {
		log.Logger = newLogger(console, jsonLogs)
		return io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(filepath.Dir(file.Path), 0o755); err != nil {
		return nil, fmt.Errorf("error creating log directory: %w", err)
	}
	rotating := &lumberjack.Logger{
		Filename:   file.Path,
		MaxSize:    orDefault(file.MaxSizeMB, 64),
		MaxBackups: orDefault(file.MaxBackups, 3),
		MaxAge:     orDefault(file.MaxAgeDays, 7),
		Compress:   true,
	}
	log.Logger = newLogger(zerolog.MultiLevelWriter(console, rotating), true)
	return rotating, nil
}

func newLogger(w io.Writer, withCaller bool) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()
	if withCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

func orDefault(v, dft int) int {
	if v <= 0 {
		return dft
	}
	return v
}
