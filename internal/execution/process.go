package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
)

// runProcess wires stdout/stderr for cmd according to spec, runs it and
// converts the exit status into a RunResult. A non-zero exit is not an error
// here; callers decide how to treat it.
func runProcess(ctx context.Context, cmd *exec.Cmd, spec RunSpec) (*RunResult, error) {
	var stdoutBuf bytes.Buffer
	if spec.Stdout != "" {
		stdoutFile, err := os.Create(filepath.Join(spec.WorkDir, spec.Stdout))
		if err != nil {
			return nil, fmt.Errorf("create stdout file: %w", err)
		}
		defer stdoutFile.Close()
		cmd.Stdout = stdoutFile
	} else {
		cmd.Stdout = &stdoutBuf
	}

	var stderrBuf bytes.Buffer
	if spec.Stderr != "" {
		stderrFile, err := os.Create(filepath.Join(spec.WorkDir, spec.Stderr))
		if err != nil {
			return nil, fmt.Errorf("create stderr file: %w", err)
		}
		defer stderrFile.Close()
		cmd.Stderr = stderrFile
	} else {
		cmd.Stderr = &stderrBuf
	}

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, &ExecutionError{Phase: "execute", Err: err}
		}
		exitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return nil, &ExecutionError{Phase: "execute", Err: ctx.Err(), ExitCode: exitCode}
		}
	}

	return &RunResult{
		ExitCode:     exitCode,
		Stdout:       stdoutBuf.String(),
		Stderr:       stderrBuf.String(),
		PeakMemoryKB: peakMemoryKB(cmd.ProcessState),
	}, nil
}

// peakMemoryKB extracts peak RSS in KB from process state.
// On Darwin Maxrss is in bytes; on Linux it is in KB.
func peakMemoryKB(ps *os.ProcessState) int64 {
	if ps == nil {
		return 0
	}
	rusage, ok := ps.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return 0
	}
	if runtime.GOOS == "darwin" {
		return rusage.Maxrss / 1024
	}
	return rusage.Maxrss
}
