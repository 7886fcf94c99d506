package main

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/dwiprep/internal/bids"
	"github.com/me/dwiprep/internal/cohort"
)

func validateCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "validate [bids_dir]",
		Short: "Check parameters, tools and, optionally, the cohort inputs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			if len(args) > 0 {
				cfg.BIDSDir = args[0]
			}
			logger := newLogger(cfg)
			out := cmd.OutOrStdout()

			variant, wf, err := buildWorkflow(cfg, logger, nil, exec.LookPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pipeline %s is valid: %d stages, tools %s\n",
				variant.PipelineName(), len(wf.Stages()), strings.Join(wf.Binaries(), ", "))

			if cfg.BIDSDir == "" {
				return nil
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
			bad := 0
			for _, e := range entries {
				if e.Err != nil {
					bad++
					fmt.Fprintf(out, "  ✗ %s: %v\n", e.Key(), e.Err)
				}
			}
			fmt.Fprintf(out, "Cohort: %d image(s), %d with missing inputs\n", len(entries), bad)
			if bad > 0 {
				return &exitError{msg: fmt.Sprintf("%d image(s) have missing inputs", bad)}
			}
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}
