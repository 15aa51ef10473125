// Package launcher resolves how the backend is executed. The shell picks one
// strategy at startup from its mode flag; the supervisor asks it for a
// process.Spec before every attempt.
package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/loykin/deskshell/internal/process"
)

// Mode selects a strategy.
type Mode string

const (
	ModeSource   Mode = "source"   // interpreter + entry-point script
	ModePackaged Mode = "packaged" // self-contained executable in the resource dir
)

// DefaultBackendName is the packaged executable base name.
const DefaultBackendName = "deskshell-backend"

var (
	ErrUnknownMode       = errors.New("launcher: unknown mode")
	ErrScriptRequired    = errors.New("launcher: source mode requires a script")
	ErrExecutableMissing = errors.New("launcher: backend executable not found")
)

// Launcher resolves the command for one attempt.
type Launcher interface {
	Resolve() (process.Spec, error)
}

// Func adapts a function to Launcher.
type Func func() (process.Spec, error)

func (f Func) Resolve() (process.Spec, error) { return f() }

// Config carries what the shell knows about its environment.
type Config struct {
	Mode        Mode   `mapstructure:"mode"`
	Interpreter string `mapstructure:"interpreter"`  // source mode; defaults per platform
	Script      string `mapstructure:"script"`       // source mode entry point
	ResourceDir string `mapstructure:"resource_dir"` // packaged mode; defaults to the shell binary's dir
	Name        string `mapstructure:"name"`         // packaged executable base name
	WorkDir     string `mapstructure:"work_dir"`
}

// New returns the strategy for cfg.Mode.
func New(cfg Config) (Launcher, error) {
	switch Mode(strings.ToLower(string(cfg.Mode))) {
	case ModeSource:
		if strings.TrimSpace(cfg.Script) == "" {
			return nil, ErrScriptRequired
		}
		return Source{Interpreter: cfg.Interpreter, Script: cfg.Script, WorkDir: cfg.WorkDir}, nil
	case ModePackaged, "":
		return Packaged{ResourceDir: cfg.ResourceDir, Name: cfg.Name, WorkDir: cfg.WorkDir}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, cfg.Mode)
	}
}

// Source runs the backend entry point through an interpreter.
type Source struct {
	Interpreter string
	Script      string
	WorkDir     string
}

func (s Source) Resolve() (process.Spec, error) {
	if strings.TrimSpace(s.Script) == "" {
		return process.Spec{}, ErrScriptRequired
	}
	interp := s.Interpreter
	if interp == "" {
		interp = DefaultInterpreter(runtime.GOOS)
	}
	return process.Spec{
		Name:    "backend",
		Path:    interp,
		Args:    []string{s.Script},
		WorkDir: s.WorkDir,
	}, nil
}

// Packaged runs a precompiled backend from the resource directory with no
// arguments.
type Packaged struct {
	ResourceDir string
	Name        string
	WorkDir     string
}

func (p Packaged) Resolve() (process.Spec, error) {
	dir := p.ResourceDir
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return process.Spec{}, fmt.Errorf("locate resource dir: %w", err)
		}
		dir = filepath.Dir(exe)
	}
	name := p.Name
	if name == "" {
		name = DefaultBackendName
	}
	path := filepath.Join(dir, ExecutableName(name, runtime.GOOS))
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return process.Spec{}, fmt.Errorf("%w: %s", ErrExecutableMissing, path)
	}
	return process.Spec{Name: name, Path: path, WorkDir: p.WorkDir}, nil
}

// DefaultInterpreter returns the interpreter binary used in source mode.
func DefaultInterpreter(goos string) string {
	if goos == "windows" {
		return "python"
	}
	if p, err := exec.LookPath("python3"); err == nil {
		return p
	}
	return "python3"
}

// ExecutableName appends the platform suffix to name.
func ExecutableName(name, goos string) string {
	if goos == "windows" && !strings.EqualFold(filepath.Ext(name), ".exe") {
		return name + ".exe"
	}
	return name
}
