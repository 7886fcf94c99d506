package tools

import (
	"path/filepath"

	"github.com/me/dwiprep/internal/graph"
)

// DWI2Mask computes a whole-brain mask from a DWI series and its FSL
// gradient table.
func DWI2Mask(box *Toolbox) *Command {
	return NewCommand(box, "dwi2mask", "dwi2mask",
		[]string{"in_file", "in_bvec", "in_bval"},
		[]string{"out_file"},
		func(inv graph.Invocation) (*Call, error) {
			v, err := strs(inv, "in_file", "in_bvec", "in_bval")
			if err != nil {
				return nil, err
			}
			out := filepath.Join(inv.WorkDir, "brainmask.nii.gz")
			return &Call{
				Args:    []string{"-fslgrad", v[1], v[2], v[0], out, "-force"},
				Outputs: graph.Values{"out_file": out},
			}, nil
		})
}
