package tools

import (
	"path/filepath"

	"github.com/me/dwiprep/internal/graph"
)

// EddyOptions selects the eddy build and its flags.
type EddyOptions struct {
	CUDA     string // "", "8.0" or "9.1"
	InitRand bool
	// Field adds a "field" input carrying a field map path without its
	// extension (eddy --field).
	Field bool
}

// EddyBinary returns the executable for the requested CUDA version.
func EddyBinary(cuda string) string {
	switch cuda {
	case "8.0":
		return "eddy_cuda8.0"
	case "9.1":
		return "eddy_cuda9.1"
	}
	return "eddy_openmp"
}

// Eddy corrects eddy-current distortions and subject motion. Outlier
// replacement (--repol) is always on.
func Eddy(box *Toolbox, opts EddyOptions) *Command {
	inputs := []string{"in_file", "in_bval", "in_bvec", "in_acqp", "in_index", "in_mask", "out_base"}
	if opts.Field {
		inputs = append(inputs, "field")
	}
	cmd := NewCommand(box, "eddy", EddyBinary(opts.CUDA), inputs,
		[]string{"out_corrected", "out_rotated_bvecs"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "in_file", "in_bval", "in_bvec", "in_acqp", "in_index", "in_mask", "out_base")
			if err != nil {
				return nil, err
			}
			base := filepath.Join(inv.WorkDir, v[6])
			args := []string{
				"--imain=" + v[0],
				"--mask=" + v[5],
				"--acqp=" + v[3],
				"--index=" + v[4],
				"--bvecs=" + v[2],
				"--bvals=" + v[1],
				"--out=" + base,
				"--repol",
			}
			if opts.InitRand {
				args = append(args, "--initrand")
			}
			if opts.Field {
				field, err := inv.Inputs.String("field")
				if err != nil {
					return nil, err
				}
				args = append(args, "--field="+field)
			}
			return &Call{
				Args: args,
				Outputs: graph.Values{
					"out_corrected":     base + ".nii.gz",
					"out_rotated_bvecs": base + ".eddy_rotated_bvecs",
				},
			}, nil
		})
	if opts.CUDA != "" {
		cmd.WithGPU()
	}
	return cmd
}
