// Package runner applies a preprocessing graph to every entry of a cohort,
// publishes the results into CAPS and records progress.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/me/dwiprep/internal/cohort"
	"github.com/me/dwiprep/internal/dwi"
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/pipeline"
	"github.com/me/dwiprep/internal/store"
	"github.com/me/dwiprep/internal/tools"
	"github.com/me/dwiprep/pkg/model"
)

// Options configures a Runner.
type Options struct {
	CAPSDir string
	// WorkDir is the root of all working directories; each entry runs in
	// WorkDir/<pipeline>/<image id>.
	WorkDir string
	// NProcs bounds concurrently processed entries (default NumCPU).
	NProcs int
	// StageWorkers bounds concurrent stages inside one entry (default 1).
	StageWorkers int

	Logger  *slog.Logger
	Store   store.Store // optional
	Metrics *Metrics    // optional
	// Params is recorded with the run in the store.
	Params map[string]any
}

// Runner executes one workflow over many cohort entries.
type Runner struct {
	wf      *graph.Workflow
	variant pipeline.Variant
	opts    Options
	logger  *slog.Logger
}

// New creates a Runner for a workflow built from variant.
func New(wf *graph.Workflow, variant pipeline.Variant, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NProcs < 1 {
		opts.NProcs = runtime.NumCPU()
	}
	if opts.StageWorkers < 1 {
		opts.StageWorkers = 1
	}
	return &Runner{
		wf:      wf,
		variant: variant,
		opts:    opts,
		logger:  opts.Logger.With("component", "runner"),
	}
}

// Run processes todo and reports skipped as already done. A failing entry
// never stops the others; the returned error is reserved for problems
// that affect the whole run, such as an unwritable manifest or an image
// listed twice.
func (r *Runner) Run(ctx context.Context, todo, skipped []cohort.Entry) (*Report, error) {
	// Entries share <work>/<pipeline>/<image id> and their CAPS files, so an
	// image must not appear twice.
	if dups := cohort.Duplicates(slices.Concat(todo, skipped)); len(dups) > 0 {
		return nil, &model.CohortMismatchError{Duplicates: dups}
	}

	start := time.Now()
	pipelineName := r.variant.PipelineName()
	report := &Report{Pipeline: pipelineName}

	skippedResults := make([]SubjectResult, len(skipped))
	for i, e := range skipped {
		skippedResults[i] = SubjectResult{Subject: e.Subject, Session: e.Session, ImageID: e.Key(), Status: StatusSkipped}
		r.opts.Metrics.subjectFinished(StatusSkipped)
	}
	if len(todo) == 0 {
		r.logger.Info("nothing to process", "pipeline", pipelineName, "skipped", len(skipped))
		report.Subjects = skippedResults
		report.Duration = time.Since(start)
		return report, nil
	}

	if err := cohort.WriteParticipants(cohort.ManifestPath(r.opts.WorkDir, pipelineName), todo); err != nil {
		return nil, err
	}

	run := &model.Run{
		ID:        "run_" + uuid.New().String(),
		Pipeline:  pipelineName,
		Variant:   string(r.variant),
		Params:    r.opts.Params,
		State:     model.RunStateRunning,
		CreatedAt: time.Now().UTC(),
	}
	report.RunID = run.ID
	r.recordRun(ctx, run, todo, skipped)

	r.logger.Info("processing cohort",
		"run_id", run.ID,
		"pipeline", pipelineName,
		"entries", len(todo),
		"skipped", len(skipped),
		"n_procs", r.opts.NProcs,
	)

	results := make([]SubjectResult, len(todo))
	var g errgroup.Group
	g.SetLimit(r.opts.NProcs)
	for i, e := range todo {
		g.Go(func() error {
			results[i] = r.runEntry(ctx, run.ID, e)
			return nil
		})
	}
	g.Wait()

	report.Subjects = append(results, skippedResults...)
	report.Duration = time.Since(start)

	now := time.Now().UTC()
	run.State = report.state(ctx.Err() != nil)
	run.CompletedAt = &now
	if r.opts.Store != nil {
		if err := r.opts.Store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
			r.logger.Warn("record run state", "run_id", run.ID, "error", err)
		}
	}

	r.logger.Info("cohort finished",
		"run_id", run.ID,
		"state", run.State,
		"completed", report.Count(StatusCompleted),
		"failed", report.Count(StatusFailed),
		"duration", formatDuration(report.Duration),
	)
	return report, nil
}

// runEntry processes one entry and never returns an error: failures are
// part of the result.
func (r *Runner) runEntry(ctx context.Context, runID string, e cohort.Entry) SubjectResult {
	res := SubjectResult{Subject: e.Subject, Session: e.Session, ImageID: e.Key()}
	sr := &model.SubjectRun{RunID: runID, Subject: e.Subject, Session: e.Session, ImageID: e.Key()}
	logger := r.logger.With("subject", e.Subject, "session", e.Session)
	started := time.Now()

	finish := func(err error, outputs []string) SubjectResult {
		res.Duration = time.Since(started)
		res.Outputs = outputs
		completed := time.Now().UTC()
		sr.CompletedAt = &completed
		sr.ImageID = res.ImageID
		if err != nil {
			res.Status = StatusFailed
			res.Kind = model.KindOf(err)
			res.Err = err
			var stageErr *graph.StageError
			if errors.As(err, &stageErr) {
				res.Stage = stageErr.Stage
			}
			sr.State = model.SubjectStateFailed
			sr.ErrorKind = res.Kind
			sr.Error = err.Error()
			sr.FailedStage = res.Stage
			logger.Error("preprocessing failed", "kind", res.Kind, "stage", res.Stage, "error", err)
		} else {
			res.Status = StatusCompleted
			sr.State = model.SubjectStateCompleted
			logger.Info("preprocessing finished",
				"image_id", res.ImageID,
				"duration", formatDuration(res.Duration),
				"outputs", len(outputs),
			)
		}
		r.opts.Metrics.subjectFinished(res.Status)
		r.updateSubject(ctx, sr)
		return res
	}

	r.opts.Metrics.subjectStarted()
	if e.Err != nil {
		return finish(e.Err, nil)
	}
	id, err := dwi.ResolveIdentity(inputFiles(e.Inputs)...)
	if err != nil {
		return finish(err, nil)
	}
	res.ImageID = id.Token()
	logger = logger.With("image_id", res.ImageID)

	workDir := filepath.Join(r.opts.WorkDir, r.variant.PipelineName(), res.ImageID)
	sr.State = model.SubjectStateRunning
	sr.ImageID = res.ImageID
	sr.OutputDir = pipeline.ContainerDir(r.opts.CAPSDir, e.Subject, e.Session)
	startedUTC := started.UTC()
	sr.StartedAt = &startedUTC
	r.updateSubject(ctx, sr)

	outputs, err := r.wf.Run(ctx, e.Inputs, graph.RunOptions{
		WorkDir:    workDir,
		MaxWorkers: r.opts.StageWorkers,
		Logger:     logger,
		Observer:   &subjectObserver{logger: logger, metrics: r.opts.Metrics},
	})
	if err != nil {
		return finish(err, nil)
	}
	bidsDWI, err := e.Inputs.String("dwi")
	if err != nil {
		return finish(err, nil)
	}
	written, err := publish(r.variant, r.opts.CAPSDir, e.Subject, e.Session, bidsDWI, outputs)
	return finish(err, written)
}

func (r *Runner) recordRun(ctx context.Context, run *model.Run, todo, skipped []cohort.Entry) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.CreateRun(ctx, run); err != nil {
		r.logger.Warn("record run", "run_id", run.ID, "error", err)
		return
	}
	rows := make([]*model.SubjectRun, 0, len(todo)+len(skipped))
	for _, e := range todo {
		rows = append(rows, &model.SubjectRun{RunID: run.ID, Subject: e.Subject, Session: e.Session, ImageID: e.Key(), State: model.SubjectStatePending})
	}
	for _, e := range skipped {
		rows = append(rows, &model.SubjectRun{RunID: run.ID, Subject: e.Subject, Session: e.Session, ImageID: e.Key(), State: model.SubjectStateSkipped})
	}
	if err := r.opts.Store.CreateSubjects(ctx, rows); err != nil {
		r.logger.Warn("record subjects", "run_id", run.ID, "error", err)
	}
}

func (r *Runner) updateSubject(ctx context.Context, sr *model.SubjectRun) {
	if r.opts.Store == nil || sr.RunID == "" {
		return
	}
	if err := r.opts.Store.UpdateSubject(context.WithoutCancel(ctx), sr); err != nil {
		r.logger.Warn("record subject", "image_id", sr.ImageID, "error", err)
	}
}

// inputFiles returns the string inputs of an entry in port order.
func inputFiles(in graph.Values) []string {
	var files []string
	for _, p := range in.Keys() {
		if s, ok := in[p].(string); ok && s != "" {
			files = append(files, s)
		}
	}
	return files
}

// subjectObserver logs the start marker once the init stage has resolved
// the acquisition parameters, and feeds stage timings to the metrics.
type subjectObserver struct {
	logger  *slog.Logger
	metrics *Metrics
}

func (o *subjectObserver) StageStarted(stage string) {
	o.logger.Debug("stage started", "stage", stage)
}

func (o *subjectObserver) StageFinished(stage string, outputs graph.Values, elapsed time.Duration, err error) {
	o.metrics.stageFinished(stage, elapsed, err)
	if err != nil || stage != pipeline.StageInit {
		return
	}
	attrs := []any{
		"image_id", outputs[tools.PortImageID],
		"total_readout_time", outputs[tools.PortTotalReadoutTime],
		"phase_encoding_direction", outputs[tools.PortPhaseEncodingDirection],
	}
	if dte, ok := outputs[tools.PortDeltaEchoTime]; ok {
		attrs = append(attrs, "delta_echo_time", dte)
	}
	o.logger.Info("preprocessing started", attrs...)
}
