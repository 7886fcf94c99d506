package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/me/dwiprep/pkg/model"
)

// Observer receives stage lifecycle events. Implementations must be safe for
// concurrent use: independent stages may finish at the same time.
type Observer interface {
	StageStarted(stage string)
	StageFinished(stage string, outputs Values, elapsed time.Duration, err error)
}

// RunOptions configures one execution of a workflow.
type RunOptions struct {
	// WorkDir is the root of this execution; each stage writes under
	// WorkDir/<stage name>.
	WorkDir string

	// MaxWorkers limits concurrently running stages and scatter iterations.
	// Default: 1 (strictly sequential topological order).
	MaxWorkers int

	Logger   *slog.Logger
	Observer Observer
}

// Run validates the graph, then executes every stage once its producers
// have completed. The first stage failure cancels the remaining stages and
// is returned as a *StageError.
func (w *Workflow) Run(ctx context.Context, inputs Values, opts RunOptions) (Values, error) {
	dag, err := w.Validate(ValidateOptions{})
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range w.inputs {
		if _, ok := inputs[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, &model.InputConsistencyError{
			Message: fmt.Sprintf("workflow %s: inputs not supplied: %v", w.name, missing),
		}
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}

	ex := newExecutor(w, dag, inputs, opts)
	if err := ex.execute(ctx); err != nil {
		return nil, err
	}
	return ex.collectOutputs(), nil
}

// stageResult represents the result of a stage execution.
type stageResult struct {
	stage   string
	outputs Values
	err     error
}

// executor runs one workflow instance with a ready queue and a worker pool.
type executor struct {
	wf     *Workflow
	dag    *DAG
	inputs Values
	opts   RunOptions
	rank   map[string]int // position in topological order

	mu         sync.Mutex
	outputs    map[string]Values   // completed stage outputs
	pending    map[string]int      // stage -> unsatisfied dependency count
	dependents map[string][]string // stage -> stages that depend on it
}

func newExecutor(w *Workflow, dag *DAG, inputs Values, opts RunOptions) *executor {
	ex := &executor{
		wf:         w,
		dag:        dag,
		inputs:     inputs,
		opts:       opts,
		rank:       make(map[string]int, len(dag.Order)),
		outputs:    make(map[string]Values, len(dag.Order)),
		pending:    make(map[string]int, len(dag.Order)),
		dependents: make(map[string][]string),
	}
	for i, name := range dag.Order {
		ex.rank[name] = i
		ex.pending[name] = len(dag.Deps[name])
		for _, dep := range dag.Deps[name] {
			ex.dependents[dep] = append(ex.dependents[dep], name)
		}
	}
	return ex
}

func (ex *executor) execute(ctx context.Context) error {
	total := len(ex.dag.Order)
	if total == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered to total so neither side ever blocks on a send.
	jobs := make(chan string, total)
	results := make(chan stageResult, total)

	numWorkers := ex.opts.MaxWorkers
	if numWorkers > total {
		numWorkers = total
	}

	ex.opts.Logger.Debug("starting workflow",
		"workflow", ex.wf.name,
		"stages", total,
		"workers", numWorkers)

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go ex.worker(ctx, jobs, results, &wg)
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	inFlight := 0
	for _, name := range ex.dag.Order {
		if ex.pending[name] == 0 {
			jobs <- name
			inFlight++
		}
	}

	completed := 0
	for completed < total {
		if inFlight == 0 {
			// Unreachable for a validated DAG.
			return fmt.Errorf("workflow %s: no runnable stages", ex.wf.name)
		}
		res := <-results
		inFlight--
		completed++

		if res.err != nil {
			ex.opts.Logger.Error("stage failed",
				"workflow", ex.wf.name,
				"stage", res.stage,
				"error", res.err)
			cancel()
			for inFlight > 0 {
				<-results
				inFlight--
			}
			return &StageError{Stage: res.stage, Err: res.err}
		}

		ex.opts.Logger.Debug("stage completed",
			"workflow", ex.wf.name,
			"stage", res.stage,
			"completed", completed,
			"total", total)

		for _, next := range ex.markCompleted(res.stage, res.outputs) {
			jobs <- next
			inFlight++
		}
	}
	return nil
}

// markCompleted stores outputs and returns the stages that became ready,
// in topological order.
func (ex *executor) markCompleted(stage string, outputs Values) []string {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	ex.outputs[stage] = outputs
	delete(ex.pending, stage)

	var ready []string
	for _, dep := range ex.dependents[stage] {
		ex.pending[dep]--
		if ex.pending[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ex.rank[ready[i]] < ex.rank[ready[j]] })
	return ready
}

func (ex *executor) worker(ctx context.Context, jobs <-chan string, results chan<- stageResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for name := range jobs {
		if err := ctx.Err(); err != nil {
			results <- stageResult{stage: name, err: err}
			continue
		}
		outputs, err := ex.runStage(ctx, name)
		results <- stageResult{stage: name, outputs: outputs, err: err}
	}
}

func (ex *executor) runStage(ctx context.Context, name string) (Values, error) {
	stage := ex.wf.stages[name]
	inputs, err := ex.resolveInputs(stage)
	if err != nil {
		return nil, err
	}

	logger := ex.opts.Logger.With("stage", name)
	logger.Info("running stage", "tool", stage.adapter.Name())
	if ex.opts.Observer != nil {
		ex.opts.Observer.StageStarted(name)
	}

	start := time.Now()
	stageDir := filepath.Join(ex.opts.WorkDir, name)
	var outputs Values
	if err = ex.makeStageDir(stageDir); err == nil {
		outputs, err = stage.Execute(ctx, inputs, stageDir, logger, ex.opts.MaxWorkers)
	}
	if ex.opts.Observer != nil {
		ex.opts.Observer.StageFinished(name, outputs, time.Since(start), err)
	}
	return outputs, err
}

// makeStageDir creates the stage's own directory, also for stages that
// write nothing. Without a WorkDir nothing is created.
func (ex *executor) makeStageDir(dir string) error {
	if ex.opts.WorkDir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	return nil
}

// resolveInputs gathers fixed parameters and upstream outputs for stage.
func (ex *executor) resolveInputs(stage *Stage) (Values, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	inputs := stage.params.Clone()
	for _, e := range ex.wf.edges {
		if e.To != stage.name {
			continue
		}
		v, err := ex.lookup(PortRef{Stage: e.From, Port: e.FromPort})
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", e, err)
		}
		inputs[e.ToPort] = v
	}
	return inputs, nil
}

// lookup must be called with ex.mu held.
func (ex *executor) lookup(ref PortRef) (any, error) {
	if ref.Stage == "" {
		v, ok := ex.inputs[ref.Port]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingInput, ref.Port)
		}
		return v, nil
	}
	out, ok := ex.outputs[ref.Stage]
	if !ok {
		return nil, fmt.Errorf("stage %s has not completed", ref.Stage)
	}
	v, ok := out[ref.Port]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrMissingOutput, ref.Stage, ref.Port)
	}
	return v, nil
}

func (ex *executor) collectOutputs() Values {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	out := make(Values, len(ex.wf.outputOrder))
	for _, name := range ex.wf.outputOrder {
		if v, err := ex.lookup(ex.wf.outputs[name]); err == nil {
			out[name] = v
		}
	}
	return out
}
