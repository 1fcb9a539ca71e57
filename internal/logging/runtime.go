package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"quicproxy/internal/config"
)

// Runtime owns the process logger and the log file, if one was configured.
type Runtime struct {
	logger *slog.Logger
	file   io.Closer
}

func NewRuntime(cfg config.LoggingConfig) (*Runtime, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	w, file, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	r := &Runtime{file: file}

	h, err := newHandler(cfg.Format, w, &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource})
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.logger = slog.New(h).With(slog.String("app", "quicproxy"))
	return r, nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) (slog.Handler, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	}
	return nil, fmt.Errorf("logging: unknown format %q", format)
}

func (r *Runtime) Logger() *slog.Logger {
	if r == nil || r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// Install makes the runtime's logger the slog default, so packages that fall
// back to slog.Default() share its handler.
func (r *Runtime) Install() {
	slog.SetDefault(r.Logger())
}

func (r *Runtime) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel maps a config level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
	return lvl, nil
}

// openOutput resolves stderr, stdout, discard or a file path (appended to).
// The closer is nil for the standard streams.
func openOutput(output string) (io.Writer, io.Closer, error) {
	o := strings.TrimSpace(output)
	switch strings.ToLower(o) {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	case "discard", "none":
		return io.Discard, nil, nil
	}
	path := filepath.Clean(o)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open %s: %w", path, err)
	}
	return f, f, nil
}
