// dwiprep corrects diffusion-weighted MRI for head motion, eddy currents,
// magnetic susceptibility distortions and bias field, reading a BIDS
// dataset and writing the results into a CAPS directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/me/dwiprep/internal/config"
	"github.com/me/dwiprep/internal/logging"
)

var (
	configPath string
	verbose    bool
	quiet      bool
	logLevel   string
	logFormat  string
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "dwiprep",
		Short:   "DWI preprocessing for BIDS datasets",
		Version: version,
		Long: `dwiprep preprocesses diffusion-weighted images of a BIDS dataset and
writes the corrected images into a CAPS directory.

Examples:
  # Preprocess every subject with the phase-difference fieldmap
  dwiprep run /data/bids /data/caps

  # Only a few sessions, without fieldmap, on GPU
  dwiprep run /data/bids /data/caps --variant eddy-only --use-cuda-9-1 --participants-tsv subjects.tsv

  # Check that all tools are installed
  dwiprep validate

  # Print the preprocessing graph
  dwiprep dag --format dot | dot -Tsvg > dwiprep.svg
`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Only log errors")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format (text, json, auto)")

	root.AddCommand(
		runCmd(),
		validateCmd(),
		dagCmd(),
		statusCmd(),
	)
	return root
}

// loadConfig reads --config, leaving flag overrides to the caller.
func loadConfig() (config.RunConfig, error) {
	return config.Load(configPath)
}

func newLogger(cfg config.RunConfig) *slog.Logger {
	level := logging.ParseLevel(cfg.LogLevel)
	if logLevel != "" {
		level = logging.ParseLevel(logLevel)
	}
	if verbose {
		level = slog.LevelDebug
	}
	if quiet {
		level = slog.LevelError
	}
	format := cfg.LogFormat
	if logFormat != "" {
		format = logFormat
	}
	return logging.NewLogger(level, format)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, cancelling...", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// exitError carries a message without usage output.
type exitError struct {
	msg string
}

func (e *exitError) Error() string { return e.msg }

func failedError(n int) error {
	return &exitError{msg: fmt.Sprintf("%d image(s) failed", n)}
}
