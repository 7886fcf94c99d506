package pipeline

import (
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/tools"
)

// Sub-workflow names.
const (
	FieldmapCalibrationName = "fmap_calibration"
	BiasCorrectionName      = "bias_correction"
)

// FieldmapCalibration converts a scanner phase-difference image into a
// field map in rad/s, unwrapped, despiked and demeaned within the brain
// mask of the magnitude image.
//
//	in:  fmap_phasediff, fmap_magnitude, fmap_mask, delta_echo_time
//	out: calibrated_fmap
func FieldmapCalibration(box *tools.Toolbox) *graph.Workflow {
	wf := graph.New(FieldmapCalibrationName, "fmap_phasediff", "fmap_magnitude", "fmap_mask", "delta_echo_time")
	wf.Add(
		graph.NewStage("PhaseToRadians", tools.PhaseToRadians(box)),
		graph.NewStage("Unwrap", tools.Prelude(box)),
		graph.NewStage("ToRadPerSecond", tools.DivideScalar(box)),
		graph.NewStage("Despike", tools.FugueDespike(box)),
		graph.NewStage("MeanInMask", tools.MeanInMask(box)),
		graph.NewStage("Demean", tools.Demean(box)),
	)
	wf.Input("fmap_phasediff", "PhaseToRadians", "in_file").
		Connect("PhaseToRadians", "out_file", "Unwrap", "phase_file").
		Input("fmap_magnitude", "Unwrap", "magnitude_file").
		Input("fmap_mask", "Unwrap", "mask_file").
		Connect("Unwrap", "unwrapped_phase_file", "ToRadPerSecond", "in_file").
		Input("delta_echo_time", "ToRadPerSecond", "operand_value").
		Connect("ToRadPerSecond", "out_file", "Despike", "fmap_in_file").
		Input("fmap_mask", "Despike", "mask_file").
		Connect("Despike", "fmap_out_file", "MeanInMask", "in_file").
		Input("fmap_mask", "MeanInMask", "mask_file").
		Connect("Despike", "fmap_out_file", "Demean", "in_file").
		Input("fmap_mask", "Demean", "mask_file").
		Connect("MeanInMask", "out_stat", "Demean", "mean_value").
		Output("calibrated_fmap", "Demean", "out_file")
	return wf
}

// BiasCorrection removes the intensity bias estimated on the average b0
// from every volume of a DWI series. The brain mask weights the N4 fit
// rather than masking it, so the correction varies smoothly at the mask
// edge.
//
//	in:  dwi, bval, bvec, mask
//	out: bias_corrected_dwi
func BiasCorrection(box *tools.Toolbox, lowBval float64) *graph.Workflow {
	wf := graph.New(BiasCorrectionName, "dwi", "bval", "bvec", "mask")
	wf.Add(
		graph.NewStage("ComputeB0Average", tools.AverageB0(box)).Set("low_bval", lowBval),
		graph.NewStage("BiasB0", tools.N4(box, tools.N4Options{
			Weighted:        true,
			SaveBias:        true,
			ShrinkFactor:    4,
			BSplineDistance: 100,
			BSplineOrder:    3,
			Iterations:      []int{1000},
		})),
		graph.NewStage("SplitDWIs", tools.Split(box)),
		graph.NewStage("RemoveBiasOfDWIs", tools.DivideImage(box)).Scatter("in_file"),
		graph.NewStage("RemoveNegative", tools.Threshold(box, 0)).Scatter("in_file"),
		graph.NewStage("MergeDWIs", tools.Merge(box)),
	)
	wf.Input("dwi", "ComputeB0Average", "in_dwi").
		Input("bval", "ComputeB0Average", "in_bval").
		Connect("ComputeB0Average", "out_b0_average", "BiasB0", "input_image").
		Input("mask", "BiasB0", "weight_image").
		Input("dwi", "SplitDWIs", "in_file").
		Connect("SplitDWIs", "out_files", "RemoveBiasOfDWIs", "in_file").
		Connect("BiasB0", "bias_image", "RemoveBiasOfDWIs", "operand_file").
		Connect("RemoveBiasOfDWIs", "out_file", "RemoveNegative", "in_file").
		Connect("RemoveNegative", "out_file", "MergeDWIs", "in_files").
		Output("bias_corrected_dwi", "MergeDWIs", "merged_file")
	return wf
}
