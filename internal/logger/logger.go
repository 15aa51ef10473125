package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated file destinations.
// Path is the shell's own log file. StdoutPath/StderrPath receive the
// backend's output; when empty and Dir is set they default to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	Dir        string `mapstructure:"dir"`
	StdoutPath string `mapstructure:"stdout"`
	StderrPath string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the unified slog configuration for the shell.
type Config struct {
	Level    string     `mapstructure:"level"`  // debug, info, warn, error
	Format   string     `mapstructure:"format"` // text or json
	Color    bool       `mapstructure:"color"`
	ShowTime bool       `mapstructure:"show_time"`
	File     FileConfig `mapstructure:"file"`
}

// DefaultConfig returns a colored text logger at info level.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "text", Color: true, ShowTime: true}
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a *slog.Logger writing to console. When File.Path is set the
// records are also written to a rotated file. The returned closer releases
// the file; it is never nil.
func (c Config) New(console io.Writer) (*slog.Logger, io.Closer, error) {
	if console == nil {
		console = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if !c.ShowTime {
		opts.ReplaceAttr = dropTime
	}

	var closer io.Closer = nopCloser{}
	w := console
	if c.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.File.Path), 0o750); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		fw := c.File.rotated(c.File.Path)
		closer = fw
		w = io.MultiWriter(console, fw)
	}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		if c.Color && c.File.Path == "" {
			h = NewColorTextHandler(w, opts, c.ShowTime)
		} else {
			h = slog.NewTextHandler(w, opts)
		}
	}
	return slog.New(h), closer, nil
}

// ProcessWriters returns io.WriteClosers for stdout and stderr of the named
// child process. Either may be nil when no destination is configured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	f := c.File
	stdout := f.StdoutPath
	stderr := f.StderrPath
	if stdout == "" && f.Dir != "" {
		stdout = filepath.Join(f.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && f.Dir != "" {
		stderr = filepath.Join(f.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if f.Dir != "" {
		if err := os.MkdirAll(f.Dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = f.rotated(stdout)
	}
	if stderr != "" {
		errW = f.rotated(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
