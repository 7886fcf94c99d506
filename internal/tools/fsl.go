package tools

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/me/dwiprep/internal/dwi"
	"github.com/me/dwiprep/internal/execution"
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/pkg/model"
)

// BETOptions configures brain extraction.
type BETOptions struct {
	Frac   float64 // fractional intensity threshold; 0 keeps the bet default
	Mask   bool    // also write the binary brain mask
	Robust bool    // robust brain centre estimation (-R)
}

// BET extracts the brain from in_file.
func BET(box *Toolbox, opts BETOptions) *Command {
	outputs := []string{"out_file"}
	if opts.Mask {
		outputs = append(outputs, "mask_file")
	}
	return NewCommand(box, "bet", "bet", []string{"in_file"}, outputs, func(inv graph.Invocation) (*Call, error) {
		in, err := inv.Inputs.String("in_file")
		if err != nil {
			return nil, err
		}
		base := filepath.Join(inv.WorkDir, stem(in)+"_brain")
		args := []string{in, base}
		if opts.Frac > 0 {
			args = append(args, "-f", formatFloat(opts.Frac))
		}
		if opts.Mask {
			args = append(args, "-m")
		}
		if opts.Robust {
			args = append(args, "-R")
		}
		out := graph.Values{"out_file": base + ".nii.gz"}
		if opts.Mask {
			out["mask_file"] = base + "_mask.nii.gz"
		}
		return &Call{Args: args, Outputs: out}, nil
	})
}

// Flirt registers in_file onto reference with a rigid or affine model.
func Flirt(box *Toolbox, dof int) *Command {
	return NewCommand(box, "flirt", "flirt",
		[]string{"in_file", "reference"},
		[]string{"out_file", "out_matrix_file"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "in_file", "reference")
			if err != nil {
				return nil, err
			}
			base := filepath.Join(inv.WorkDir, stem(v[0])+"_flirt")
			return &Call{
				Args: []string{
					"-in", v[0], "-ref", v[1],
					"-out", base + ".nii.gz", "-omat", base + ".mat",
					"-dof", strconv.Itoa(dof),
				},
				Outputs: graph.Values{"out_file": base + ".nii.gz", "out_matrix_file": base + ".mat"},
			}, nil
		})
}

// ApplyXFM resamples in_file into reference space with an existing matrix.
func ApplyXFM(box *Toolbox) *Command {
	return NewCommand(box, "applyxfm", "flirt",
		[]string{"in_file", "reference", "in_matrix_file"},
		[]string{"out_file"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "in_file", "reference", "in_matrix_file")
			if err != nil {
				return nil, err
			}
			out := filepath.Join(inv.WorkDir, stem(v[0])+"_flirt.nii.gz")
			return &Call{
				Args:    []string{"-in", v[0], "-ref", v[1], "-out", out, "-init", v[2], "-applyxfm"},
				Outputs: graph.Values{"out_file": out},
			}, nil
		})
}

// maths builds an fslmaths adapter: in_file, op arguments, out_file.
func maths(box *Toolbox, name, suffix string, inputs []string, op func(inv graph.Invocation) ([]string, error)) *Command {
	return NewCommand(box, name, "fslmaths", inputs, []string{"out_file"}, func(inv graph.Invocation) (*Call, error) {
		in, err := inv.Inputs.String("in_file")
		if err != nil {
			return nil, err
		}
		opArgs, err := op(inv)
		if err != nil {
			return nil, err
		}
		out := filepath.Join(inv.WorkDir, stem(in)+"_"+suffix+".nii.gz")
		args := append([]string{in}, opArgs...)
		args = append(args, out)
		return &Call{Args: args, Outputs: graph.Values{"out_file": out}}, nil
	})
}

// IsotropicSmooth applies a Gaussian kernel of the given sigma (mm).
func IsotropicSmooth(box *Toolbox, sigma float64) *Command {
	return maths(box, "smooth", "smooth", []string{"in_file"}, func(graph.Invocation) ([]string, error) {
		return []string{"-s", formatFloat(sigma)}, nil
	})
}

// DivideImage divides in_file voxel-wise by operand_file.
func DivideImage(box *Toolbox) *Command {
	return maths(box, "divide", "maths", []string{"in_file", "operand_file"}, func(inv graph.Invocation) ([]string, error) {
		op, err := inv.Inputs.String("operand_file")
		if err != nil {
			return nil, err
		}
		return []string{"-div", op}, nil
	})
}

// Threshold zeroes voxels below thresh.
func Threshold(box *Toolbox, thresh float64) *Command {
	return maths(box, "threshold", "thresh", []string{"in_file"}, func(graph.Invocation) ([]string, error) {
		return []string{"-thr", formatFloat(thresh)}, nil
	})
}

// PhaseToRadians rescales a scanner phase image (0..4095) to [-pi, pi).
func PhaseToRadians(box *Toolbox) *Command {
	return maths(box, "phase_to_radians", "rad", []string{"in_file"}, func(graph.Invocation) ([]string, error) {
		return []string{"-div", "2048", "-sub", "1", "-mul", "3.14159265358979", "-odt", "float"}, nil
	})
}

// DivideScalar divides in_file by the number bound to operand_value.
func DivideScalar(box *Toolbox) *Command {
	return maths(box, "divide_scalar", "div", []string{"in_file", "operand_value"}, func(inv graph.Invocation) ([]string, error) {
		v, err := inv.Inputs.Float("operand_value")
		if err != nil {
			return nil, err
		}
		if v == 0 {
			return nil, &model.DegenerateDataError{Message: "division by zero echo time difference"}
		}
		return []string{"-div", formatFloat(v)}, nil
	})
}

// Demean subtracts mean_value and restricts the result to mask_file.
func Demean(box *Toolbox) *Command {
	return maths(box, "demean", "demean", []string{"in_file", "mask_file", "mean_value"}, func(inv graph.Invocation) ([]string, error) {
		mask, err := inv.Inputs.String("mask_file")
		if err != nil {
			return nil, err
		}
		mean, err := inv.Inputs.Float("mean_value")
		if err != nil {
			return nil, err
		}
		return []string{"-sub", formatFloat(mean), "-mas", mask}, nil
	})
}

// MeanInMask prints the mean of in_file over the non-zero voxels of
// mask_file and exposes it as out_stat.
func MeanInMask(box *Toolbox) *Command {
	return NewCommand(box, "mean_in_mask", "fslstats",
		[]string{"in_file", "mask_file"},
		[]string{"out_stat"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "in_file", "mask_file")
			if err != nil {
				return nil, err
			}
			return &Call{
				Args: []string{v[0], "-k", v[1], "-M"},
				Collect: func(_ string, res *execution.RunResult) (graph.Values, error) {
					f, err := strconv.ParseFloat(strings.TrimSpace(res.Stdout), 64)
					if err != nil {
						return nil, fmt.Errorf("parse fslstats output %q: %w", res.Stdout, err)
					}
					return graph.Values{"out_stat": f}, nil
				},
			}, nil
		})
}

// Split writes each volume of in_file to its own file, in order.
func Split(box *Toolbox) *Command {
	return NewCommand(box, "split", "fslsplit", []string{"in_file"}, []string{"out_files"}, func(inv graph.Invocation) (*Call, error) {
		in, err := inv.Inputs.String("in_file")
		if err != nil {
			return nil, err
		}
		prefix := filepath.Join(inv.WorkDir, "vol")
		return &Call{
			Args: []string{in, prefix, "-t"},
			Collect: func(workDir string, _ *execution.RunResult) (graph.Values, error) {
				files, err := filepath.Glob(filepath.Join(workDir, "vol[0-9]*.nii*"))
				if err != nil {
					return nil, err
				}
				if len(files) == 0 {
					return nil, fmt.Errorf("fslsplit produced no volumes")
				}
				sort.Strings(files)
				return graph.Values{"out_files": files}, nil
			},
		}, nil
	})
}

// Merge concatenates in_files along time into merged_file.
func Merge(box *Toolbox) *Command {
	return NewCommand(box, "merge", "fslmerge", []string{"in_files"}, []string{"merged_file"}, func(inv graph.Invocation) (*Call, error) {
		files, err := inv.Inputs.Strings("in_files")
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("merge: no input volumes")
		}
		out := filepath.Join(inv.WorkDir, stem(files[0])+"_merged.nii.gz")
		args := append([]string{"-t", out}, files...)
		return &Call{Args: args, Outputs: graph.Values{"merged_file": out}}, nil
	})
}

// AverageB0 averages the volumes of in_dwi whose b-value is at most
// low_bval.
func AverageB0(box *Toolbox) *Command {
	return NewCommand(box, "average_b0", "fslselectvols",
		[]string{"in_dwi", "in_bval", "low_bval"},
		[]string{"out_b0_average"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "in_dwi", "in_bval")
			if err != nil {
				return nil, err
			}
			low, err := inv.Inputs.Float("low_bval")
			if err != nil {
				return nil, err
			}
			bvals, err := dwi.ReadBvals(v[1])
			if err != nil {
				return nil, err
			}
			idx := dwi.LowBIndices(bvals, low)
			if len(idx) == 0 {
				return nil, &model.DegenerateDataError{
					Message: fmt.Sprintf("no volume with b-value <= %g to average", low),
				}
			}
			vols := make([]string, len(idx))
			for i, n := range idx {
				vols[i] = strconv.Itoa(n)
			}
			out := filepath.Join(inv.WorkDir, stem(v[0])+"_avg_b0.nii.gz")
			return &Call{
				Args:    []string{"-i", v[0], "-o", out, "--vols=" + strings.Join(vols, ","), "-m"},
				Outputs: graph.Values{"out_b0_average": out},
			}, nil
		})
}

// Prelude unwraps phase_file using magnitude_file within mask_file.
func Prelude(box *Toolbox) *Command {
	return NewCommand(box, "prelude", "prelude",
		[]string{"phase_file", "magnitude_file", "mask_file"},
		[]string{"unwrapped_phase_file"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "phase_file", "magnitude_file", "mask_file")
			if err != nil {
				return nil, err
			}
			out := filepath.Join(inv.WorkDir, stem(v[0])+"_unwrapped.nii.gz")
			return &Call{
				Args:    []string{"-a", v[1], "-p", v[0], "-m", v[2], "-o", out},
				Outputs: graph.Values{"unwrapped_phase_file": out},
			}, nil
		})
}

// FugueDespike removes spikes from a field map within mask_file.
func FugueDespike(box *Toolbox) *Command {
	return NewCommand(box, "fugue_despike", "fugue",
		[]string{"fmap_in_file", "mask_file"},
		[]string{"fmap_out_file"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "fmap_in_file", "mask_file")
			if err != nil {
				return nil, err
			}
			out := filepath.Join(inv.WorkDir, stem(v[0])+"_despiked.nii.gz")
			return &Call{
				Args:    []string{"--loadfmap=" + v[0], "--mask=" + v[1], "--despike", "--savefmap=" + out},
				Outputs: graph.Values{"fmap_out_file": out},
			}, nil
		})
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
