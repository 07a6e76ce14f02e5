package platform

import (
	"io"
	"log/slog"
)

// NewLogger builds the process logger described by the logging section.
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := l.slogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
