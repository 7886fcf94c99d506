package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
)

// DockerRuntime executes commands in Docker containers.
type DockerRuntime struct {
	// DockerCommand is the path to the docker binary (default: "docker").
	DockerCommand string
}

// Run executes a command in a Docker container.
func (r *DockerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if len(spec.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	if spec.Image == "" {
		return nil, ErrNoImage
	}
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, &ExecutionError{Phase: "prepare", Err: fmt.Errorf("create workdir: %w", err)}
	}

	dockerCmd := r.DockerCommand
	if dockerCmd == "" {
		dockerCmd = "docker"
	}

	args := r.buildArgs(spec)
	cmd := exec.CommandContext(ctx, dockerCmd, args...)
	return runProcess(ctx, cmd, spec)
}

func (r *DockerRuntime) buildArgs(spec RunSpec) []string {
	args := []string{"run", "--rm"}

	// GPU support: use --gpus for NVIDIA GPU passthrough.
	if spec.GPU.Enabled {
		if spec.GPU.DeviceID != "" {
			args = append(args, "--gpus", fmt.Sprintf(`"device=%s"`, spec.GPU.DeviceID))
			args = append(args, "-e", "CUDA_VISIBLE_DEVICES="+spec.GPU.DeviceID)
		} else {
			args = append(args, "--gpus", "all")
		}
	}

	// Extra mounts go first so the working directory mount wins when nested.
	for _, m := range spec.Mounts {
		opt := fmt.Sprintf("type=bind,source=%s,target=%s", resolveSymlinks(m.Source), m.target())
		if m.ReadOnly {
			opt += ",readonly"
		}
		args = append(args, "--mount", opt)
	}

	absWorkDir := resolveSymlinks(spec.WorkDir)
	args = append(args, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s", absWorkDir, spec.WorkDir))
	args = append(args, "-w", spec.WorkDir)

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
