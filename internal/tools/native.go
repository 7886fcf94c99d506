package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/me/dwiprep/internal/bids"
	"github.com/me/dwiprep/internal/dwi"
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/nifti"
	"github.com/me/dwiprep/pkg/model"
)

// Init output ports.
const (
	PortImageID                = "image_id"
	PortTotalReadoutTime       = "total_readout_time"
	PortPhaseEncodingDirection = "phase_encoding_direction"
	PortDeltaEchoTime          = "delta_echo_time"
)

// Init checks one subject's inputs and extracts the acquisition metadata the
// rest of the graph needs. The DWI series, b-values and b-vectors must agree
// on the volume count; with a field map, magnitude and phase difference must
// share a spatial shape.
func Init(withFieldmap bool) *graph.Func {
	inputs := []string{"dwi", "bval", "bvec", "dwi_json"}
	outputs := []string{PortImageID, "dwi", "bval", "bvec", PortTotalReadoutTime, PortPhaseEncodingDirection}
	if withFieldmap {
		inputs = append(inputs, "fmap_magnitude", "fmap_phasediff", "fmap_phasediff_json")
		outputs = append(outputs, "fmap_magnitude", "fmap_phasediff", PortDeltaEchoTime)
	}
	return graph.NewFunc("init", inputs, outputs, func(_ context.Context, inv graph.Invocation) (graph.Values, error) {
		paths := make([]string, len(inputs))
		for i, port := range inputs {
			p, err := inv.Inputs.String(port)
			if err != nil {
				return nil, err
			}
			paths[i] = p
		}
		id, err := dwi.ResolveIdentity(paths...)
		if err != nil {
			return nil, err
		}
		imageID := id.Token()

		dwiPath, bvalPath, bvecPath, dwiJSON := paths[0], paths[1], paths[2], paths[3]
		if err := checkVolumeCounts(imageID, dwiPath, bvalPath, bvecPath); err != nil {
			return nil, err
		}

		meta, err := bids.Metadata(dwiJSON, "TotalReadoutTime", "PhaseEncodingDirection")
		if err != nil {
			return nil, metadataError(imageID, err)
		}
		readout, err := bids.Float(meta, "TotalReadoutTime")
		if err != nil {
			return nil, metadataError(imageID, err)
		}
		bidsDir, err := bids.String(meta, "PhaseEncodingDirection")
		if err != nil {
			return nil, metadataError(imageID, err)
		}
		fslDir, err := dwi.BIDSDirToFSLDir(bidsDir)
		if err != nil {
			return nil, err
		}

		out := graph.Values{
			PortImageID:                imageID,
			"dwi":                      dwiPath,
			"bval":                     bvalPath,
			"bvec":                     bvecPath,
			PortTotalReadoutTime:       readout,
			PortPhaseEncodingDirection: fslDir,
		}
		if !withFieldmap {
			return out, nil
		}

		magnitude, phasediff := paths[4], paths[5]
		if err := checkFieldmapShape(imageID, magnitude, phasediff); err != nil {
			return nil, err
		}
		echo, err := bids.Metadata(paths[6], "EchoTime1", "EchoTime2")
		if err != nil {
			return nil, metadataError(imageID, err)
		}
		te1, err := bids.Float(echo, "EchoTime1")
		if err != nil {
			return nil, metadataError(imageID, err)
		}
		te2, err := bids.Float(echo, "EchoTime2")
		if err != nil {
			return nil, metadataError(imageID, err)
		}
		out["fmap_magnitude"] = magnitude
		out["fmap_phasediff"] = phasediff
		out[PortDeltaEchoTime] = dwi.DeltaEchoTime(te1, te2)
		return out, nil
	})
}

func checkVolumeCounts(imageID, dwiPath, bvalPath, bvecPath string) error {
	hdr, err := nifti.ReadHeader(dwiPath)
	if err != nil {
		return &model.InputConsistencyError{ImageID: imageID, Message: err.Error()}
	}
	bvals, err := dwi.ReadBvals(bvalPath)
	if err != nil {
		return &model.InputConsistencyError{ImageID: imageID, Message: err.Error()}
	}
	bvecs, err := dwi.BvecColumns(bvecPath)
	if err != nil {
		return &model.InputConsistencyError{ImageID: imageID, Message: err.Error()}
	}
	return dwi.CheckVolumes(imageID, hdr.Volumes(), len(bvals), bvecs)
}

func checkFieldmapShape(imageID, magnitude, phasediff string) error {
	mag, err := nifti.ReadHeader(magnitude)
	if err != nil {
		return &model.InputConsistencyError{ImageID: imageID, Message: err.Error()}
	}
	phase, err := nifti.ReadHeader(phasediff)
	if err != nil {
		return &model.InputConsistencyError{ImageID: imageID, Message: err.Error()}
	}
	if !nifti.SameShape(mag, phase) {
		return &model.InputConsistencyError{
			ImageID: imageID,
			Message: fmt.Sprintf("phase difference and magnitude images have different shapes (%v vs %v)",
				phase.Shape(), mag.Shape()),
		}
	}
	return nil
}

// metadataError reports an unreadable or incomplete sidecar as an input
// problem of the subject.
func metadataError(imageID string, err error) error {
	return &model.InputConsistencyError{ImageID: imageID, Message: "read metadata: " + err.Error()}
}

// AcqFile writes <image_id>_acq.txt: one row per DWI volume holding the
// phase-encoding vector and the total readout time.
func AcqFile() *graph.Func {
	return graph.NewFunc("acq_file",
		[]string{"in_dwi", "fsl_phase_encoding_direction", "total_readout_time", "image_id"},
		[]string{"out_acq"},
		func(_ context.Context, inv graph.Invocation) (graph.Values, error) {
			v, err := strs(inv, "in_dwi", "fsl_phase_encoding_direction", "image_id")
			if err != nil {
				return nil, err
			}
			readout, err := inv.Inputs.Float("total_readout_time")
			if err != nil {
				return nil, err
			}
			hdr, err := nifti.ReadHeader(v[0])
			if err != nil {
				return nil, err
			}
			if v[1] == "z" && inv.Logger != nil {
				inv.Logger.Warn("phase encoding direction z is written as (0 1 0)", "image_id", v[2])
			}
			rows, err := dwi.AcqRows(v[1], readout, hdr.Volumes())
			if err != nil {
				return nil, err
			}
			out := filepath.Join(inv.WorkDir, v[2]+"_acq.txt")
			if err := writeLines(inv.WorkDir, out, rows); err != nil {
				return nil, err
			}
			return graph.Values{"out_acq": out}, nil
		})
}

// IndexFile writes <image_id>_index.txt mapping every volume to its row in
// the acquisition parameter file.
func IndexFile() *graph.Func {
	return graph.NewFunc("index_file",
		[]string{"in_bval", "low_bval", "image_id"},
		[]string{"out_index"},
		func(_ context.Context, inv graph.Invocation) (graph.Values, error) {
			v, err := strs(inv, "in_bval", "image_id")
			if err != nil {
				return nil, err
			}
			low, err := inv.Inputs.Float("low_bval")
			if err != nil {
				return nil, err
			}
			bvals, err := dwi.ReadBvals(v[0])
			if err != nil {
				return nil, err
			}
			idx, err := dwi.IndexValues(bvals, low)
			if err != nil {
				var degErr *model.DegenerateDataError
				if errors.As(err, &degErr) {
					degErr.ImageID = v[1]
				}
				return nil, err
			}
			out := filepath.Join(inv.WorkDir, v[1]+"_index.txt")
			if err := writeLines(inv.WorkDir, out, dwi.IndexLines(idx)); err != nil {
				return nil, err
			}
			return graph.Values{"out_index": out}, nil
		})
}

// RemoveExtension strips .nii.gz or .nii from in_file. eddy --field expects
// the field map name without extension.
func RemoveExtension() *graph.Func {
	return graph.NewFunc("remove_extension",
		[]string{"in_file"},
		[]string{"file_without_extension"},
		func(_ context.Context, inv graph.Invocation) (graph.Values, error) {
			in, err := inv.Inputs.String("in_file")
			if err != nil {
				return nil, err
			}
			out := strings.TrimSuffix(strings.TrimSuffix(in, ".gz"), ".nii")
			return graph.Values{"file_without_extension": out}, nil
		})
}

func writeLines(dir, path string, lines []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return dwi.WriteLines(path, lines)
}
