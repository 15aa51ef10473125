package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestProcessWriters_DirDerivesPaths(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{File: FileConfig{Dir: dir}}
	outW, errW, err := cfg.ProcessWriters("backend")
	if err != nil {
		t.Fatalf("ProcessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	for _, p := range []string{"backend.stdout.log", "backend.stderr.log"} {
		if _, err := os.Stat(filepath.Join(dir, p)); err != nil {
			t.Fatalf("%s not created: %v", p, err)
		}
	}
}

func TestProcessWriters_NoDestination(t *testing.T) {
	outW, errW, err := Config{}.ProcessWriters("backend")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers without destinations")
	}
}

func TestProcessWriters_RotationSettings(t *testing.T) {
	cfg := Config{File: FileConfig{StdoutPath: "a.log", StderrPath: "b.log"}}
	outW, errW, _ := cfg.ProcessWriters("n")
	ol, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("stdout writer is %T", outW)
	}
	if ol.MaxSize != DefaultMaxSizeMB || ol.MaxBackups != DefaultMaxBackups || ol.MaxAge != DefaultMaxAgeDays {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	closeIf(outW)
	closeIf(errW)

	cfg = Config{File: FileConfig{StderrPath: "c.log", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}}
	outW, errW, _ = cfg.ProcessWriters("n")
	if outW != nil {
		t.Fatalf("expected stderr writer only")
	}
	el := errW.(*lj.Logger)
	if el.MaxSize != 1 || el.MaxBackups != 9 || el.MaxAge != 11 || !el.Compress {
		t.Fatalf("overrides not applied: %+v", el)
	}
	closeIf(errW)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l, c, err := Config{Level: "warn", Format: "json"}.New(&buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeIf(c)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record leaked at warn level: %q", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Fatalf("unexpected json output: %q", out)
	}
}

func TestNew_ColorKeepsAttrsOnDerivedLogger(t *testing.T) {
	var buf bytes.Buffer
	l, _, err := Config{Color: true}.New(&buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.With("component", "supervisor").Info("ready")
	out := buf.String()
	// the text handler quotes the escape sequence
	if !strings.Contains(out, `\x1b[32mINFO`) || !strings.Contains(out, "ready") {
		t.Fatalf("missing color prefix: %q", out)
	}
	if !strings.Contains(out, "component=supervisor") {
		t.Fatalf("missing attr: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("time should be dropped when ShowTime is false: %q", out)
	}
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logs", "shell.log")
	var buf bytes.Buffer
	l, c, err := Config{File: FileConfig{Path: path}}.New(&buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("to-file")
	closeIf(c)
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(b), "to-file") || !strings.Contains(buf.String(), "to-file") {
		t.Fatalf("record missing: file=%q console=%q", string(b), buf.String())
	}
}
