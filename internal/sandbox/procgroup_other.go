//go:build !unix

package sandbox

import "os/exec"

// configureProcessGroup relies on the default Process.Kill on cancellation.
func configureProcessGroup(*exec.Cmd) {}
