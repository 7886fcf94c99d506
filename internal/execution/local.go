package execution

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// LocalRuntime executes commands as local processes.
type LocalRuntime struct{}

// Run executes a command locally.
func (r *LocalRuntime) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if len(spec.Command) == 0 {
		return nil, ErrEmptyCommand
	}

	if err := os.MkdirAll(spec.WorkDir, 0o755); err != nil {
		return nil, &ExecutionError{Phase: "prepare", Err: fmt.Errorf("create workdir: %w", err)}
	}

	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir

	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if spec.GPU.Enabled && spec.GPU.DeviceID != "" {
		cmd.Env = append(cmd.Env, "CUDA_VISIBLE_DEVICES="+spec.GPU.DeviceID)
	}

	return runProcess(ctx, cmd, spec)
}
