package docker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/guppybot/guppybot/internal/spec"
)

// TaskScript renders the shell script mounted at /task.
func TaskScript(task spec.TaskSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if task.AllowErrors {
		b.WriteString("set -ux\n")
	} else {
		b.WriteString("set -eux\n")
	}
	for _, line := range task.Lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// WriteTaskScript writes the task's script into dir and returns its path.
func WriteTaskScript(dir string, taskNr uint64, task spec.TaskSpec) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create task script dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("task-%d.sh", taskNr))
	if err := os.WriteFile(path, []byte(TaskScript(task)), 0o755); err != nil {
		return "", fmt.Errorf("failed to write task script %d: %w", taskNr, err)
	}
	return path, nil
}

// Entrypoint returns the host path of the toolchain's entry script.
func Entrypoint(dockerDir string, toolchain spec.Toolchain, mutable bool) string {
	name := "run.sh"
	if mutable {
		name = "run_mut.sh"
	}
	return filepath.Join(dockerDir, toolchain.Dir(), name)
}

// BootstrapEntrypoint is the entry script of the built-in image. It
// prints the checkout's taskspec directive stream.
func BootstrapEntrypoint(dockerDir string) string {
	return filepath.Join(dockerDir, spec.ToolchainBuiltin.Dir(), "taskspec.sh")
}
