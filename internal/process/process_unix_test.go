//go:build !windows

package process

import "os/exec"

func sysProcAttrSetpgid(cmd *exec.Cmd) bool { return cmd.SysProcAttr.Setpgid }
