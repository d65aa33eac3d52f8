package preflight

import (
	"fmt"
	"os/exec"

	"github.com/hivemux/hivemux/internal/models"
)

// Check verifies the configured session command is on PATH. A missing
// command is not fatal; creates will fail per-call with a spawn error.
func Check(command string) models.CommandStatus {
	path, err := exec.LookPath(command)
	if err != nil {
		fmt.Printf("⚠ %s is not installed. Session creation will fail until it is on PATH.\n", command)
		return models.CommandStatus{Name: command, Installed: false}
	}
	fmt.Printf("✓ %s found (%s)\n", command, path)
	return models.CommandStatus{Name: command, Installed: true, Path: path}
}
