package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func dagCmd() *cobra.Command {
	var (
		f      runFlags
		format string
	)
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Print the preprocessing graph (json, yaml or dot)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			f.apply(cmd.Flags(), &cfg)
			_, wf, err := buildWorkflow(cfg, newLogger(cfg), nil, nil)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case "json":
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(wf.Describe())
			case "yaml":
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(wf.Describe())
			case "dot":
				return wf.WriteDOT(out)
			}
			return fmt.Errorf("unknown format %q (want json, yaml or dot)", format)
		},
	}
	f.register(cmd.Flags())
	cmd.Flags().StringVar(&format, "format", "json", "Output format (json, yaml, dot)")
	return cmd
}
