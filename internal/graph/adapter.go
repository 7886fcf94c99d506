package graph

import (
	"context"
	"log/slog"
)

// Adapter wraps one operation with a named-input/named-output contract.
type Adapter interface {
	// Name identifies the wrapped tool (for logs and graph descriptions).
	Name() string
	// Inputs lists the input port names. Every one must be bound.
	Inputs() []string
	// Outputs lists the output port names. Every one must be produced.
	Outputs() []string
	// Invoke runs the operation. Output files are written under inv.WorkDir.
	Invoke(ctx context.Context, inv Invocation) (Values, error)
}

// BinaryRequirer is implemented by adapters that shell out to executables.
// Binaries are checked when the graph is validated, not at call time.
type BinaryRequirer interface {
	Binaries() []string
}

// Invocation carries the bound inputs for one adapter call.
type Invocation struct {
	Inputs     Values
	WorkDir    string
	Logger     *slog.Logger
	MaxWorkers int
}

// Func adapts a Go function to the Adapter interface.
type Func struct {
	name    string
	inputs  []string
	outputs []string
	fn      func(ctx context.Context, inv Invocation) (Values, error)
}

// NewFunc creates an in-process adapter.
func NewFunc(name string, inputs, outputs []string, fn func(ctx context.Context, inv Invocation) (Values, error)) *Func {
	return &Func{name: name, inputs: inputs, outputs: outputs, fn: fn}
}

func (f *Func) Name() string      { return f.name }
func (f *Func) Inputs() []string  { return f.inputs }
func (f *Func) Outputs() []string { return f.outputs }

func (f *Func) Invoke(ctx context.Context, inv Invocation) (Values, error) {
	return f.fn(ctx, inv)
}
