//go:build !windows

// Forge server: Subprocess control (Unix)
// Copyright Alistair Cunningham 2025

package main

import (
	"os/exec"
	"syscall"
)

// Run the command in its own process group, and kill the whole group on cancellation
func process_group(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
