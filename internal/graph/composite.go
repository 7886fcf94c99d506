package graph

import (
	"context"
	"log/slog"
)

// Composite exposes a workflow as a single adapter. The parent graph sees
// only its boundary ports; the inner stages run under the invocation's
// working directory.
type Composite struct {
	wf *Workflow
}

// NewComposite wraps wf.
func NewComposite(wf *Workflow) *Composite {
	return &Composite{wf: wf}
}

func (c *Composite) Name() string      { return c.wf.name }
func (c *Composite) Inputs() []string  { return c.wf.Inputs() }
func (c *Composite) Outputs() []string { return c.wf.Outputs() }

// Workflow returns the wrapped workflow.
func (c *Composite) Workflow() *Workflow { return c.wf }

// Binaries aggregates the executables of the inner stages.
func (c *Composite) Binaries() []string { return c.wf.Binaries() }

func (c *Composite) Invoke(ctx context.Context, inv Invocation) (Values, error) {
	logger := inv.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return c.wf.Run(ctx, inv.Inputs, RunOptions{
		WorkDir:    inv.WorkDir,
		MaxWorkers: inv.MaxWorkers,
		Logger:     logger.With("workflow", c.wf.name),
	})
}
