package execution

import (
	"context"
	"fmt"
	"path/filepath"
)

// Runtime abstracts the execution environment (local process, Docker, etc.).
type Runtime interface {
	// Run executes a command and returns the result.
	Run(ctx context.Context, spec RunSpec) (*RunResult, error)
}

// RunSpec describes what to execute.
type RunSpec struct {
	Command []string          // Command and arguments
	WorkDir string            // Working directory, mounted read-write at the same path
	Env     map[string]string // Environment variables
	Stdout  string            // Path to capture stdout, relative to WorkDir (optional)
	Stderr  string            // Path to capture stderr, relative to WorkDir (optional)
	Image   string            // Container image (for Docker/Apptainer runtimes)
	Mounts  []Mount           // Extra host directories visible to the command
	GPU     GPUConfig         // GPU configuration
}

// Mount binds a host directory into a container. Target defaults to Source
// so that absolute paths in the command line stay valid.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

func (m Mount) target() string {
	if m.Target != "" {
		return m.Target
	}
	return m.Source
}

// GPUConfig specifies GPU requirements for container execution.
type GPUConfig struct {
	Enabled  bool   // Whether to enable GPU access
	DeviceID string // Specific GPU device (e.g., "0", "1", "0,1") - empty means all
}

// RunResult holds the result of a command execution.
type RunResult struct {
	ExitCode     int
	Stdout       string // Captured stdout content (if not redirected to file)
	Stderr       string // Captured stderr content (if not redirected to file)
	PeakMemoryKB int64  // Peak resident set size of the child process
}

// NewRuntime returns the runtime registered under name: "local" (or ""),
// "docker" or "apptainer".
func NewRuntime(name string) (Runtime, error) {
	switch name {
	case "", "local", "none":
		return &LocalRuntime{}, nil
	case "docker":
		return &DockerRuntime{}, nil
	case "apptainer", "singularity":
		return &ApptainerRuntime{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownRuntime, name)
}

func resolveSymlinks(path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		return absPath
	}
	return resolved
}
