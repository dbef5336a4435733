//go:build !unix

package coretools

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
