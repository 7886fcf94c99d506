// Package toolstest provides a Runtime that pretends to be FSL, ANTs and
// MRtrix: it records every command and creates the files the real tool
// would have written, so whole graphs can run without the binaries.
package toolstest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/me/dwiprep/internal/execution"
)

// Runtime is a fake execution.Runtime.
type Runtime struct {
	// Volumes is the number of files fslsplit produces (default 3).
	Volumes int
	// Fail makes the named binary exit with status 1.
	Fail map[string]bool

	mu    sync.Mutex
	calls [][]string
}

// Run records spec.Command and fabricates its outputs.
func (r *Runtime) Run(ctx context.Context, spec execution.RunSpec) (*execution.RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &execution.ExecutionError{Phase: "execute", Err: err}
	}
	if len(spec.Command) == 0 {
		return nil, execution.ErrEmptyCommand
	}
	r.mu.Lock()
	r.calls = append(r.calls, append([]string(nil), spec.Command...))
	r.mu.Unlock()

	bin, args := spec.Command[0], spec.Command[1:]
	if r.Fail[bin] {
		return &execution.RunResult{ExitCode: 1, Stderr: bin + ": simulated failure\n"}, nil
	}

	var files []string
	stdout := ""
	switch {
	case bin == "bet":
		files = append(files, args[1]+".nii.gz", args[1]+"_mask.nii.gz")
	case strings.HasPrefix(bin, "eddy"):
		for _, a := range args {
			if base, ok := strings.CutPrefix(a, "--out="); ok {
				files = append(files, base+".nii.gz", base+".eddy_rotated_bvecs")
			}
		}
	case bin == "fslsplit":
		n := r.Volumes
		if n == 0 {
			n = 3
		}
		for i := 0; i < n; i++ {
			files = append(files, fmt.Sprintf("%s%04d.nii.gz", args[1], i))
		}
	case bin == "fslstats":
		stdout = "0.125000 \n"
	default:
		files = outputPaths(spec.WorkDir, args)
	}
	for _, f := range files {
		if err := os.MkdirAll(filepath.Dir(f), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(f, []byte(bin), 0o644); err != nil {
			return nil, err
		}
	}
	return &execution.RunResult{Stdout: stdout}, nil
}

// outputPaths returns the arguments naming files under workDir.
func outputPaths(workDir string, args []string) []string {
	var out []string
	for _, a := range args {
		if i := strings.Index(a, "="); strings.HasPrefix(a, "--") && i > 0 {
			a = a[i+1:]
		}
		for _, p := range strings.Split(strings.Trim(a, "[] "), ",") {
			p = strings.TrimSpace(p)
			if strings.HasPrefix(p, workDir+string(filepath.Separator)) {
				out = append(out, p)
			}
		}
	}
	return out
}

// Calls returns the recorded command lines.
func (r *Runtime) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

// Binaries returns the binary of every recorded call, in call order.
func (r *Runtime) Binaries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c[0]
	}
	return out
}
