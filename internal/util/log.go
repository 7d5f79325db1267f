package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

func NewLogger(level string) zerolog.Logger {
	return newLogger(level, os.Stdout)
}

// NewFileLogger writes structured logs to the given path in addition to stdout.
// The caller owns closing the returned file.
func NewFileLogger(level, path string) (zerolog.Logger, *os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	return newLogger(level, io.MultiWriter(os.Stdout, file)), file, nil
}

func newLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl)
}
