// Package pipeline assembles the DWI preprocessing graphs: the parameters a
// run is configured with, the field-map and eddy-only recipes, their
// sub-workflows, and the CAPS names the results are published under.
package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/me/dwiprep/internal/config"
	"github.com/me/dwiprep/pkg/model"
)

// DefaultLowBval is the b-value at or below which a volume counts as b0.
const DefaultLowBval = 5.0

// Params are the user-facing pipeline parameters.
type Params struct {
	LowBval   float64 `json:"low_bval" yaml:"low_bval"`
	UseCUDA80 bool    `json:"use_cuda_8_0" yaml:"use_cuda_8_0"`
	UseCUDA91 bool    `json:"use_cuda_9_1" yaml:"use_cuda_9_1"`
	InitRand  bool    `json:"initrand" yaml:"initrand"`
}

// DefaultParams returns the parameters used when nothing is configured.
func DefaultParams() Params {
	return Params{LowBval: DefaultLowBval}
}

// ParamsFromConfig extracts the pipeline parameters of a run configuration.
func ParamsFromConfig(cfg config.RunConfig) Params {
	return Params{
		LowBval:   cfg.LowBval,
		UseCUDA80: cfg.UseCUDA80,
		UseCUDA91: cfg.UseCUDA91,
		InitRand:  cfg.InitRand,
	}
}

// Validate rejects impossible parameter combinations. A low_bval above 100
// is accepted with a warning.
func (p Params) Validate(logger *slog.Logger) error {
	var details []model.FieldError
	if p.LowBval < 0 {
		details = append(details, model.FieldError{
			Field:   "low_bval",
			Message: fmt.Sprintf("is %g: it should be zero or close to zero", p.LowBval),
		})
	}
	if p.UseCUDA80 && p.UseCUDA91 {
		details = append(details, model.FieldError{
			Field:   "use_cuda_8_0",
			Message: "choose between CUDA 8.0 and CUDA 9.1, not both",
		})
	}
	if len(details) > 0 {
		return model.NewConfigError("invalid pipeline parameters", details...)
	}
	if p.LowBval > 100 && logger != nil {
		logger.Warn("low_bval should be close to zero", "low_bval", p.LowBval)
	}
	return nil
}

// CUDA returns the requested CUDA build of eddy ("", "8.0" or "9.1").
func (p Params) CUDA() string {
	switch {
	case p.UseCUDA80:
		return "8.0"
	case p.UseCUDA91:
		return "9.1"
	}
	return ""
}

// Map returns the parameters as a generic map for run records.
func (p Params) Map() map[string]any {
	return map[string]any{
		"low_bval":     p.LowBval,
		"use_cuda_8_0": p.UseCUDA80,
		"use_cuda_9_1": p.UseCUDA91,
		"initrand":     p.InitRand,
	}
}
