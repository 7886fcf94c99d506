package tools

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/me/dwiprep/internal/graph"
)

// N4Options configures N4BiasFieldCorrection. Zero values leave the ANTs
// defaults in place.
type N4Options struct {
	Weighted         bool // adds a weight_image input
	SaveBias         bool // adds a bias_image output
	ShrinkFactor     int
	BSplineDistance  float64
	BSplineOrder     int
	Iterations       []int
	ConvergenceThres float64
}

// N4 estimates and removes the low-frequency intensity bias of a 3D image.
func N4(box *Toolbox, opts N4Options) *Command {
	inputs := []string{"input_image"}
	if opts.Weighted {
		inputs = append(inputs, "weight_image")
	}
	outputs := []string{"output_image"}
	if opts.SaveBias {
		outputs = append(outputs, "bias_image")
	}
	return NewCommand(box, "n4", "N4BiasFieldCorrection", inputs, outputs, func(inv graph.Invocation) (*Call, error) {
		in, err := inv.Inputs.String("input_image")
		if err != nil {
			return nil, err
		}
		args := []string{"--image-dimensionality", "3", "--input-image", in}
		if opts.Weighted {
			w, err := inv.Inputs.String("weight_image")
			if err != nil {
				return nil, err
			}
			args = append(args, "--weight-image", w)
		}
		if opts.ShrinkFactor > 0 {
			args = append(args, "--shrink-factor", strconv.Itoa(opts.ShrinkFactor))
		}
		if opts.BSplineDistance > 0 {
			args = append(args, "--bspline-fitting", fmt.Sprintf("[ %s, %d ]", formatFloat(opts.BSplineDistance), opts.BSplineOrder))
		}
		if len(opts.Iterations) > 0 {
			iters := make([]string, len(opts.Iterations))
			for i, n := range opts.Iterations {
				iters[i] = strconv.Itoa(n)
			}
			args = append(args, "--convergence", fmt.Sprintf("[ %s, %s ]", strings.Join(iters, "x"), formatFloat(opts.ConvergenceThres)))
		}

		out := filepath.Join(inv.WorkDir, stem(in)+"_corrected.nii.gz")
		values := graph.Values{"output_image": out}
		if opts.SaveBias {
			bias := filepath.Join(inv.WorkDir, stem(in)+"_bias.nii.gz")
			args = append(args, "--output", fmt.Sprintf("[ %s, %s ]", out, bias))
			values["bias_image"] = bias
		} else {
			args = append(args, "--output", out)
		}
		return &Call{Args: args, Outputs: values}, nil
	})
}
