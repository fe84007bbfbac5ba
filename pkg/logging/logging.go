// Package logging builds the slog diagnostics sink from configuration.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/xdimtech/go-wsprobe/pkg/config"
)

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func New(conf config.LogConf, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(conf.Level)}
	if strings.EqualFold(conf.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Discard is a logger for callers that do not want diagnostics.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
