package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"
)

// RunConfig holds configuration for one dwiprep run. Values come from an
// optional YAML file and are then overridden by command-line flags.
type RunConfig struct {
	BIDSDir         string `yaml:"bids_dir"`
	CAPSDir         string `yaml:"caps_dir"`
	WorkDir         string `yaml:"work_dir"`         // Intermediate files (default <caps_dir>/tmp)
	ParticipantsTSV string `yaml:"participants_tsv"` // Optional subject/session list
	Variant         string `yaml:"variant"`          // phasediff-fmap or eddy-only

	LowBval   float64 `yaml:"low_bval"` // b-value threshold for b0 selection (default 5.0)
	UseCUDA80 bool    `yaml:"use_cuda_8_0"`
	UseCUDA91 bool    `yaml:"use_cuda_9_1"`
	InitRand  bool    `yaml:"initrand"`

	NProcs       int `yaml:"n_procs"`       // Subjects processed concurrently
	StageWorkers int `yaml:"stage_workers"` // Stages run concurrently within one subject

	Runtime   string `yaml:"runtime"`    // local, docker, apptainer
	Image     string `yaml:"image"`      // Container image for docker/apptainer
	GPUDevice string `yaml:"gpu_device"` // CUDA device id(s); empty means all

	DBPath          string `yaml:"db_path"`          // SQLite run history ("" disables)
	Listen          string `yaml:"listen"`           // Status server address ("" disables)
	MetricsTextfile string `yaml:"metrics_textfile"` // Prometheus textfile output ("" disables)

	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json, auto
}

// DefaultRunConfig returns sensible defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Variant:      "phasediff-fmap",
		LowBval:      5.0,
		NProcs:       1,
		StageWorkers: runtime.NumCPU(),
		Runtime:      "local",
		LogLevel:     "info",
		LogFormat:    "auto",
	}
}

// Load reads a YAML config file on top of DefaultRunConfig. A missing path
// returns the defaults unchanged.
func Load(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvedWorkDir returns WorkDir, defaulting to <caps_dir>/tmp.
func (c RunConfig) ResolvedWorkDir() string {
	if c.WorkDir != "" {
		return c.WorkDir
	}
	if c.CAPSDir == "" {
		return ""
	}
	return c.CAPSDir + string(os.PathSeparator) + "tmp"
}

// Marshal renders the config as YAML.
func (c RunConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
