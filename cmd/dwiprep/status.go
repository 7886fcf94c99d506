package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/dwiprep/internal/store"
	"github.com/me/dwiprep/pkg/model"
)

func statusCmd() *cobra.Command {
	var (
		dbPath string
		state  string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recorded runs, or the images of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.DBPath = dbPath
			}
			if cfg.DBPath == "" {
				return fmt.Errorf("no run history: set --db or db_path")
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()

			st, err := openStore(ctx, cfg.DBPath, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return printRun(ctx, out, st, args[0])
			}
			filter := model.DefaultRunFilter()
			filter.Limit = limit
			filter.State = model.RunState(strings.ToUpper(state))
			if apiErr := filter.Validate(); apiErr != nil {
				return apiErr
			}
			filter.Clamp()
			runs, total, err := st.ListRuns(ctx, filter)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			printRuns(out, runs, total, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite run history")
	cmd.Flags().StringVar(&state, "state", "", "Only runs in this state (RUNNING, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs shown")
	return cmd
}

func printRuns(w io.Writer, runs []*model.Run, total int, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found.")
		return
	}
	fmt.Fprintf(w, "%-44s  %-10s  %-28s  %-18s  %s\n", "ID", "STATE", "PIPELINE", "IMAGES", "CREATED")
	fmt.Fprintf(w, "%-44s  %-10s  %-28s  %-18s  %s\n", "--", "-----", "--------", "------", "-------")
	for _, r := range runs {
		images := fmt.Sprintf("%d/%d ok, %d failed", r.Summary.Completed, r.Summary.Total, r.Summary.Failed)
		fmt.Fprintf(w, "%-44s  %-10s  %-28s  %-18s  %s\n",
			r.ID, r.State, r.Pipeline, images, humanize.RelTime(r.CreatedAt, now, "ago", "from now"))
	}
	if len(runs) < total {
		fmt.Fprintf(w, "\n(%d of %d shown)\n", len(runs), total)
	}
}

func printRun(ctx context.Context, w io.Writer, st store.Store, id string) error {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", id)
	}
	subjects, err := st.ListSubjects(ctx, id)
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}

	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Pipeline: %s (%s)\n", run.Pipeline, run.Variant)
	fmt.Fprintf(w, "State:    %s\n", run.State)
	fmt.Fprintf(w, "Created:  %s\n", run.CreatedAt.Local().Format(time.DateTime))
	if run.CompletedAt != nil {
		fmt.Fprintf(w, "Finished: %s (%s)\n", run.CompletedAt.Local().Format(time.DateTime),
			strings.TrimSpace(humanize.RelTime(run.CreatedAt, *run.CompletedAt, "", "")))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-28s  %-10s  %s\n", "IMAGE", "STATE", "DETAIL")
	fmt.Fprintf(w, "%-28s  %-10s  %s\n", "-----", "-----", "------")
	for _, sr := range subjects {
		detail := sr.OutputDir
		if sr.State == model.SubjectStateFailed {
			detail = string(sr.ErrorKind)
			if sr.FailedStage != "" {
				detail += " in " + sr.FailedStage
			}
			detail += ": " + sr.Error
		}
		fmt.Fprintf(w, "%-28s  %-10s  %s\n", sr.ImageID, sr.State, detail)
	}
	return nil
}
