package process

import (
	"errors"
	"os/exec"
	"strings"
)

// Spec describes the backend command to launch.
type Spec struct {
	Name    string   `json:"name"`
	Path    string   `json:"path"`     // executable path or name resolved via PATH
	Args    []string `json:"args"`     // arguments, no shell interpretation
	WorkDir string   `json:"work_dir"` // optional working dir
	Env     []string `json:"env"`      // extra K=V entries applied over the shell environment
}

var ErrEmptyCommand = errors.New("process: empty command path")

// Validate reports whether the spec can be turned into a command.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Path) == "" {
		return ErrEmptyCommand
	}
	return nil
}

// String renders the command line for logs.
func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// BuildCommand constructs an *exec.Cmd for the spec. No shell is involved.
func (s Spec) BuildCommand() *exec.Cmd {
	// #nosec G204 -- path comes from the launcher strategy, not user input
	cmd := exec.Command(s.Path, s.Args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	configureSysProcAttr(cmd)
	return cmd
}
