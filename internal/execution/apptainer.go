package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ApptainerRuntime executes commands in Apptainer containers.
type ApptainerRuntime struct {
	// ApptainerCommand is the path to the apptainer binary (default: "apptainer").
	ApptainerCommand string
}

// Run executes a command in an Apptainer container.
func (r *ApptainerRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if len(spec.Command) == 0 {
		return nil, ErrEmptyCommand
	}
	if spec.Image == "" {
		return nil, ErrNoImage
	}
	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, &ExecutionError{Phase: "prepare", Err: fmt.Errorf("create workdir: %w", err)}
	}

	apptainerCmd := r.ApptainerCommand
	if apptainerCmd == "" {
		apptainerCmd = "apptainer"
	}

	cmd := exec.CommandContext(ctx, apptainerCmd, r.buildArgs(spec)...)
	return runProcess(ctx, cmd, spec)
}

func (r *ApptainerRuntime) buildArgs(spec RunSpec) []string {
	args := []string{"exec"}

	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}

	// GPU support: use --nv for NVIDIA GPU passthrough.
	if spec.GPU.Enabled {
		args = append(args, "--nv")
		if spec.GPU.DeviceID != "" {
			env["CUDA_VISIBLE_DEVICES"] = spec.GPU.DeviceID
		}
	}

	for _, m := range spec.Mounts {
		bind := resolveSymlinks(m.Source) + ":" + m.target()
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "--bind", bind)
	}

	absWorkDir := resolveSymlinks(spec.WorkDir)
	args = append(args, "--bind", absWorkDir+":"+spec.WorkDir)
	args = append(args, "--pwd", spec.WorkDir)

	for _, k := range sortedKeys(env) {
		args = append(args, "--env", k+"="+env[k])
	}

	// Plain image names are pulled from Docker registries.
	image := spec.Image
	if !strings.Contains(image, "://") && !strings.HasSuffix(image, ".sif") {
		image = "docker://" + image
	}
	args = append(args, image)
	return append(args, spec.Command...)
}
