package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/me/dwiprep/internal/bids"
	"github.com/me/dwiprep/internal/cohort"
	"github.com/me/dwiprep/internal/config"
	"github.com/me/dwiprep/internal/execution"
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/pipeline"
	"github.com/me/dwiprep/internal/runner"
	"github.com/me/dwiprep/internal/server"
	"github.com/me/dwiprep/internal/store"
	"github.com/me/dwiprep/internal/tools"
)

// runFlags mirror config.RunConfig; only flags set on the command line
// override the file.
type runFlags struct {
	workDir         string
	participantsTSV string
	variant         string
	lowBval         float64
	useCUDA80       bool
	useCUDA91       bool
	initRand        bool
	nProcs          int
	stageWorkers    int
	runtime         string
	image           string
	gpuDevice       string
	dbPath          string
	listen          string
	metricsTextfile string
}

func (f *runFlags) register(fs *pflag.FlagSet) {
	def := config.DefaultRunConfig()
	fs.StringVarP(&f.workDir, "working-directory", "w", "", "Directory for intermediate files (default <caps>/tmp)")
	fs.StringVar(&f.participantsTSV, "participants-tsv", "", "TSV with participant_id and session_id columns (default: all)")
	fs.StringVar(&f.variant, "variant", def.Variant, "Pipeline variant (phasediff-fmap, eddy-only)")
	fs.Float64Var(&f.lowBval, "low-bval", def.LowBval, "Highest b-value treated as b0")
	fs.BoolVar(&f.useCUDA80, "use-cuda-8-0", false, "Run eddy_cuda8.0")
	fs.BoolVar(&f.useCUDA91, "use-cuda-9-1", false, "Run eddy_cuda9.1")
	fs.BoolVar(&f.initRand, "initrand", false, "Reset eddy's random seed for reproducible results")
	fs.IntVarP(&f.nProcs, "n-procs", "j", def.NProcs, "Images processed concurrently")
	fs.IntVar(&f.stageWorkers, "stage-workers", def.StageWorkers, "Stages run concurrently within one image")
	fs.StringVar(&f.runtime, "runtime", def.Runtime, "Tool runtime (local, docker, apptainer)")
	fs.StringVar(&f.image, "image", "", "Container image providing the tools")
	fs.StringVar(&f.gpuDevice, "gpu-device", "", "CUDA device id(s) for containerized eddy (default: all)")
	fs.StringVar(&f.dbPath, "db", "", "SQLite run history (empty disables)")
	fs.StringVar(&f.listen, "listen", "", "Serve run status on this address, e.g. :9090")
	fs.StringVar(&f.metricsTextfile, "metrics-textfile", "", "Write run metrics in Prometheus text format to this file")
}

// apply copies explicitly set flags onto cfg.
func (f *runFlags) apply(fs *pflag.FlagSet, cfg *config.RunConfig) {
	set := func(name string, fn func()) {
		if fs.Changed(name) {
			fn()
		}
	}
	set("working-directory", func() { cfg.WorkDir = f.workDir })
	set("participants-tsv", func() { cfg.ParticipantsTSV = f.participantsTSV })
	set("variant", func() { cfg.Variant = f.variant })
	set("low-bval", func() { cfg.LowBval = f.lowBval })
	set("use-cuda-8-0", func() { cfg.UseCUDA80 = f.useCUDA80 })
	set("use-cuda-9-1", func() { cfg.UseCUDA91 = f.useCUDA91 })
	set("initrand", func() { cfg.InitRand = f.initRand })
	set("n-procs", func() { cfg.NProcs = f.nProcs })
	set("stage-workers", func() { cfg.StageWorkers = f.stageWorkers })
	set("runtime", func() { cfg.Runtime = f.runtime })
	set("image", func() { cfg.Image = f.image })
	set("gpu-device", func() { cfg.GPUDevice = f.gpuDevice })
	set("db", func() { cfg.DBPath = f.dbPath })
	set("listen", func() { cfg.Listen = f.listen })
	set("metrics-textfile", func() { cfg.MetricsTextfile = f.metricsTextfile })
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [bids_dir] [caps_dir]",
		Short: "Preprocess the DWI of a BIDS dataset into CAPS",
		Long: `run preprocesses every (subject, session) of the cohort. Images that
already have a preprocessed DWI in the CAPS directory are skipped. A failing
image does not stop the others; the command exits non-zero if any failed.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			if len(args) > 0 {
				cfg.BIDSDir = args[0]
			}
			if len(args) > 1 {
				cfg.CAPSDir = args[1]
			}
			return runPipeline(cmd, cfg)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func runPipeline(cmd *cobra.Command, cfg config.RunConfig) error {
	logger := newLogger(cfg)
	if cfg.BIDSDir == "" || cfg.CAPSDir == "" {
		return fmt.Errorf("bids_dir and caps_dir are required")
	}

	ctx, cancel := signalContext(logger)
	defer cancel()

	metrics := runner.NewMetrics()
	variant, wf, err := buildWorkflow(cfg, logger, metrics, exec.LookPath)
	if err != nil {
		return err
	}

	layout, err := bids.NewLayout(cfg.BIDSDir)
	if err != nil {
		return err
	}
	var subjects, sessions []string
	if cfg.ParticipantsTSV != "" {
		subjects, sessions, err = cohort.ReadParticipants(cfg.ParticipantsTSV)
	} else {
		subjects, sessions, err = cohort.All(layout)
	}
	if err != nil {
		return err
	}
	entries, err := cohort.Resolve(layout, subjects, sessions, variant)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	processed, err := cohort.Processed(cfg.CAPSDir)
	if err != nil {
		return err
	}
	if st != nil {
		warnMissingOutputs(ctx, st, variant, processed, logger)
	}
	todo, skipped := cohort.Filter(entries, processed)
	for _, e := range skipped {
		logger.Info("already processed, skipping", "subject", e.Subject, "session", e.Session)
	}

	opts := runner.Options{
		CAPSDir:      cfg.CAPSDir,
		WorkDir:      cfg.ResolvedWorkDir(),
		NProcs:       cfg.NProcs,
		StageWorkers: cfg.StageWorkers,
		Logger:       logger,
		Metrics:      metrics,
		Params:       pipeline.ParamsFromConfig(cfg).Map(),
	}
	if st != nil {
		opts.Store = st
	}

	if cfg.Listen != "" {
		if st == nil {
			return fmt.Errorf("--listen requires --db")
		}
		srv := server.New(st, logger, server.WithGatherer(metrics.Registry()))
		srvCtx, stopServer := context.WithCancel(ctx)
		defer stopServer()
		go func() {
			if err := srv.ListenAndServe(srvCtx, cfg.Listen); err != nil {
				logger.Error("status server", "error", err)
			}
		}()
	}

	report, err := runner.New(wf, variant, opts).Run(ctx, todo, skipped)
	if err != nil {
		return err
	}
	runner.PrintSummary(cmd.OutOrStdout(), report, metrics)

	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
		}
	}
	if failed := report.Failed(); len(failed) > 0 {
		return failedError(len(failed))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// buildWorkflow assembles the variant's graph. Binaries are checked with
// lookPath unless it is nil or the tools run in a container.
func buildWorkflow(cfg config.RunConfig, logger *slog.Logger, rec tools.Recorder, lookPath func(string) (string, error)) (pipeline.Variant, *graph.Workflow, error) {
	variant, err := pipeline.ParseVariant(cfg.Variant)
	if err != nil {
		return "", nil, err
	}
	rt, err := execution.NewRuntime(cfg.Runtime)
	if err != nil {
		return "", nil, err
	}
	box := tools.NewToolbox(rt)
	box.Image = cfg.Image
	box.GPUDevice = cfg.GPUDevice
	box.Recorder = rec
	box.Mounts = dataMounts(cfg)

	recipe := pipeline.Recipe{
		Variant: variant,
		Params:  pipeline.ParamsFromConfig(cfg),
		Toolbox: box,
	}
	// Containerized tools are not on the host PATH.
	if cfg.Image != "" || lookPath == nil {
		wf, err := recipe.Build(logger)
		return variant, wf, err
	}
	wf, err := recipe.Validate(logger, lookPath)
	return variant, wf, err
}

// dataMounts exposes the dataset directories to containerized tools.
func dataMounts(cfg config.RunConfig) []execution.Mount {
	var mounts []execution.Mount
	for _, m := range []struct {
		dir string
		ro  bool
	}{
		{cfg.BIDSDir, true},
		{cfg.CAPSDir, false},
		{cfg.ResolvedWorkDir(), false},
	} {
		if m.dir == "" {
			continue
		}
		abs, err := filepath.Abs(m.dir)
		if err != nil {
			abs = m.dir
		}
		mounts = append(mounts, execution.Mount{Source: abs, ReadOnly: m.ro})
	}
	return mounts
}

func openStore(ctx context.Context, path string, logger *slog.Logger) (*store.SQLiteStore, error) {
	if path == "" {
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(path, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// warnMissingOutputs reports images recorded as completed whose CAPS
// outputs are gone; they are processed again.
func warnMissingOutputs(ctx context.Context, st store.Store, variant pipeline.Variant, processed map[string]bool, logger *slog.Logger) {
	done, err := st.CompletedImages(ctx, variant.PipelineName())
	if err != nil {
		logger.Warn("read run history", "error", err)
		return
	}
	for key := range done {
		if !processed[key] {
			logger.Warn("completed in an earlier run but outputs are missing, processing again", "image", key)
		}
	}
}
