package graph

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"
)

// Stage is a node in a workflow graph: one adapter plus the parameters bound
// to it at construction time. Runtime values never live on the Stage.
type Stage struct {
	name    string
	adapter Adapter
	params  Values
	scatter []string
}

// NewStage creates a stage running adapter a.
func NewStage(name string, a Adapter) *Stage {
	return &Stage{name: name, adapter: a, params: make(Values)}
}

// Set binds a fixed value to an input port.
func (s *Stage) Set(port string, value any) *Stage {
	s.params[port] = value
	return s
}

// Scatter marks list-valued input ports. The adapter is invoked once per
// element (dot product across ports) and each output becomes a list.
func (s *Stage) Scatter(ports ...string) *Stage {
	s.scatter = append(s.scatter, ports...)
	return s
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// Adapter returns the wrapped adapter.
func (s *Stage) Adapter() Adapter { return s.adapter }

// Params returns a copy of the fixed parameters.
func (s *Stage) Params() Values { return s.params.Clone() }

// ScatterPorts returns the scattered input ports.
func (s *Stage) ScatterPorts() []string { return append([]string(nil), s.scatter...) }

// Execute invokes the adapter with inputs, which must bind every declared
// input port, and checks that every declared output port was produced.
func (s *Stage) Execute(ctx context.Context, inputs Values, workDir string, logger *slog.Logger, maxWorkers int) (Values, error) {
	for _, port := range s.adapter.Inputs() {
		if _, ok := inputs[port]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, port)
		}
	}
	if len(s.scatter) > 0 {
		return s.executeScatter(ctx, inputs, workDir, logger, maxWorkers)
	}
	out, err := s.adapter.Invoke(ctx, Invocation{
		Inputs:     inputs,
		WorkDir:    workDir,
		Logger:     logger,
		MaxWorkers: maxWorkers,
	})
	if err != nil {
		return nil, err
	}
	return s.checkOutputs(out)
}

func (s *Stage) checkOutputs(out Values) (Values, error) {
	declared := make(map[string]bool, len(s.adapter.Outputs()))
	for _, port := range s.adapter.Outputs() {
		declared[port] = true
		if v, ok := out[port]; !ok || v == nil {
			return nil, fmt.Errorf("%w: %s", ErrMissingOutput, port)
		}
	}
	for port := range out {
		if !declared[port] {
			return nil, fmt.Errorf("%w: %s", ErrUndeclaredPort, port)
		}
	}
	return out, nil
}

// executeScatter runs one invocation per element of the scattered inputs,
// each in its own numbered sub-directory, bounded by maxWorkers.
func (s *Stage) executeScatter(ctx context.Context, inputs Values, workDir string, logger *slog.Logger, maxWorkers int) (Values, error) {
	lists := make(map[string][]string, len(s.scatter))
	n := -1
	for _, port := range s.scatter {
		list, err := inputs.Strings(port)
		if err != nil {
			return nil, err
		}
		if n >= 0 && len(list) != n {
			return nil, fmt.Errorf("%w: %s has %d, want %d", ErrScatterMismatch, port, len(list), n)
		}
		n = len(list)
		lists[port] = list
	}

	logger.Debug("scatter", "stage", s.name, "iterations", n)

	results := make([]Values, n)
	g, gctx := errgroup.WithContext(ctx)
	if maxWorkers > 0 {
		g.SetLimit(maxWorkers)
	}
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			iterInputs := inputs.Clone()
			for port, list := range lists {
				iterInputs[port] = list[i]
			}
			out, err := s.adapter.Invoke(gctx, Invocation{
				Inputs:     iterInputs,
				WorkDir:    filepath.Join(workDir, strconv.Itoa(i)),
				Logger:     logger.With("iteration", i),
				MaxWorkers: 1,
			})
			if err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			if out, err = s.checkOutputs(out); err != nil {
				return fmt.Errorf("iteration %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	gathered := make(Values, len(s.adapter.Outputs()))
	for _, port := range s.adapter.Outputs() {
		list := make([]any, n)
		for i, r := range results {
			list[i] = r[port]
		}
		gathered[port] = list
	}
	return gathered, nil
}
