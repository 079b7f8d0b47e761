//go:build windows

// Forge server: Subprocess control (Windows)
// Copyright Alistair Cunningham 2025

package main

import (
	"os/exec"
)

// Windows has no process groups to signal; cancellation kills the process itself
func process_group(cmd *exec.Cmd) {
}
