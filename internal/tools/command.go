// Package tools wraps the FSL, ANTs and MRtrix executables used by the
// preprocessing graph as graph.Adapter implementations, plus the handful of
// in-process adapters (init, eddy acquisition/index files) that need no
// external binary.
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/me/dwiprep/internal/execution"
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/pkg/model"
)

// stderrTailLines bounds the amount of tool stderr carried in errors.
const stderrTailLines = 20

// Toolbox holds what every command adapter needs to launch a binary: the
// runtime, the container image (if any) and the environment.
type Toolbox struct {
	Runtime   execution.Runtime
	Image     string
	GPUDevice string
	Mounts    []execution.Mount
	Env       map[string]string

	// Recorder, when set, is told about every finished tool process.
	Recorder Recorder
}

// Recorder receives per-process resource usage. It is called concurrently.
type Recorder interface {
	RecordTool(tool string, elapsed time.Duration, res *execution.RunResult)
}

// NewToolbox returns a Toolbox running binaries through rt. FSL tools are
// told to write compressed NIfTI.
func NewToolbox(rt execution.Runtime) *Toolbox {
	return &Toolbox{
		Runtime: rt,
		Env:     map[string]string{"FSLOUTPUTTYPE": "NIFTI_GZ"},
	}
}

// Call is the result of building one command line.
type Call struct {
	// Args are the arguments after the binary name.
	Args []string

	// Outputs maps output ports to values known before the call, usually
	// paths under the work dir. String and []string values are checked to
	// exist once the command succeeds.
	Outputs graph.Values

	// Collect, when set, derives further outputs from the result, e.g. a
	// number printed on stdout or files whose names are chosen by the tool.
	Collect func(workDir string, res *execution.RunResult) (graph.Values, error)
}

// BuildFunc turns bound inputs into a Call.
type BuildFunc func(inv graph.Invocation) (*Call, error)

// Command is an Adapter that runs one external binary.
type Command struct {
	name    string
	binary  string
	inputs  []string
	outputs []string
	gpu     bool
	box     *Toolbox
	build   BuildFunc
}

// NewCommand creates a command adapter.
func NewCommand(box *Toolbox, name, binary string, inputs, outputs []string, build BuildFunc) *Command {
	return &Command{
		name:    name,
		binary:  binary,
		inputs:  inputs,
		outputs: outputs,
		box:     box,
		build:   build,
	}
}

// WithGPU requests GPU passthrough when the command runs in a container.
func (c *Command) WithGPU() *Command {
	c.gpu = true
	return c
}

func (c *Command) Name() string       { return c.name }
func (c *Command) Inputs() []string   { return c.inputs }
func (c *Command) Outputs() []string  { return c.outputs }
func (c *Command) Binaries() []string { return []string{c.binary} }

// Binary returns the executable name.
func (c *Command) Binary() string { return c.binary }

// CommandLine builds the argv for inv without running anything.
func (c *Command) CommandLine(inv graph.Invocation) ([]string, error) {
	call, err := c.build(inv)
	if err != nil {
		return nil, err
	}
	return append([]string{c.binary}, call.Args...), nil
}

// Invoke runs the binary and returns its declared outputs.
func (c *Command) Invoke(ctx context.Context, inv graph.Invocation) (graph.Values, error) {
	call, err := c.build(inv)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(inv.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	argv := append([]string{c.binary}, call.Args...)
	if inv.Logger != nil {
		inv.Logger.Debug("built command", "tool", c.name, "cmd", argv)
	}

	spec := execution.RunSpec{
		Command: argv,
		WorkDir: inv.WorkDir,
		Env:     c.box.Env,
		Image:   c.box.Image,
		Mounts:  c.box.Mounts,
		GPU:     execution.GPUConfig{Enabled: c.gpu, DeviceID: c.box.GPUDevice},
	}
	start := time.Now()
	res, err := c.box.Runtime.Run(ctx, spec)
	if res != nil && c.box.Recorder != nil {
		c.box.Recorder.RecordTool(c.name, time.Since(start), res)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.name, ctx.Err())
		}
		return nil, &model.ToolInvocationError{Tool: c.name, Binary: c.binary, Err: err}
	}
	if res.ExitCode != 0 {
		return nil, &model.ToolInvocationError{
			Tool:     c.name,
			Binary:   c.binary,
			ExitCode: res.ExitCode,
			Stderr:   tail(res.Stderr, stderrTailLines),
			Err:      execution.ErrNonZeroExit,
		}
	}

	out := call.Outputs.Clone()
	if call.Collect != nil {
		extra, err := call.Collect(inv.WorkDir, res)
		if err != nil {
			return nil, &model.ToolInvocationError{Tool: c.name, Binary: c.binary, Err: err}
		}
		for k, v := range extra {
			out[k] = v
		}
	}
	if err := checkFiles(out); err != nil {
		return nil, &model.ToolInvocationError{Tool: c.name, Binary: c.binary, Err: err}
	}
	return out, nil
}

// checkFiles verifies that every path-valued output exists.
func checkFiles(out graph.Values) error {
	for _, port := range out.Keys() {
		switch v := out[port].(type) {
		case string:
			if _, err := os.Stat(v); err != nil {
				return fmt.Errorf("output %s: %w", port, err)
			}
		case []string:
			for _, p := range v {
				if _, err := os.Stat(p); err != nil {
					return fmt.Errorf("output %s: %w", port, err)
				}
			}
		}
	}
	return nil
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// stem strips the directory and NIfTI extension from path.
func stem(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".nii.gz", ".nii", ".mif", ".gz"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	return base
}

// strs fetches several string ports at once.
func strs(inv graph.Invocation, ports ...string) ([]string, error) {
	out := make([]string, len(ports))
	for i, p := range ports {
		s, err := inv.Inputs.String(p)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
