//go:build windows

package gateways

import "os/exec"

// configureProcessGroup keeps the default behavior on Windows: cancellation
// kills the direct child only.
func configureProcessGroup(_ *exec.Cmd) {}
