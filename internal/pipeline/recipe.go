package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/tools"
	"github.com/me/dwiprep/pkg/model"
)

// Variant selects the preprocessing topology.
type Variant string

const (
	// VariantPhasediffFieldmap corrects susceptibility distortions with a
	// phase-difference field map passed to eddy.
	VariantPhasediffFieldmap Variant = "phasediff-fmap"
	// VariantEddyOnly runs eddy without a field map.
	VariantEddyOnly Variant = "eddy-only"
)

// Variants lists the supported variants.
var Variants = []Variant{VariantPhasediffFieldmap, VariantEddyOnly}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	for _, v := range Variants {
		if string(v) == s {
			return v, nil
		}
	}
	return "", model.NewConfigError(fmt.Sprintf("unknown variant %q", s),
		model.FieldError{Field: "variant", Message: "expected phasediff-fmap or eddy-only"})
}

// UsesFieldmap reports whether the variant consumes field-map inputs.
func (v Variant) UsesFieldmap() bool { return v == VariantPhasediffFieldmap }

// PipelineName names the working directory of the variant under work_dir.
func (v Variant) PipelineName() string {
	if v.UsesFieldmap() {
		return "dwi_preprocessing_using_phasediff_fmap"
	}
	return "dwi_preprocessing_using_only_eddy"
}

// InputPorts returns the per-subject workflow inputs of the variant.
func (v Variant) InputPorts() []string {
	ports := []string{"dwi", "bval", "bvec", "dwi_json"}
	if v.UsesFieldmap() {
		ports = append(ports, "fmap_magnitude", "fmap_phasediff", "fmap_phasediff_json")
	}
	return ports
}

// Stage names shared by both variants.
const (
	StageInit          = "0-InitNode"
	StageAcqFile       = "0-GenerateAcqFile"
	StageIndexFile     = "0-GenerateIndexFile"
	StagePreMask       = "1a-PreMaskB0"
	StageRemoveBias    = "4-RemoveBias"
	StageB0Average     = "5a-ComputeB0Average"
	StageMaskB0        = "5b-MaskB0"
	StageCalibrateFmap = "2c-CalibrateFMap"
)

// Workflow output ports.
const (
	OutPreprocDWI     = "preproc_dwi"
	OutPreprocBval    = "preproc_bval"
	OutPreprocBvec    = "preproc_bvec"
	OutB0Mask         = "b0_mask"
	OutMagnitudeOnB0  = "magnitude_on_b0"
	OutCalibratedFmap = "calibrated_fmap_on_b0"
	OutSmoothedFmap   = "smoothed_calibrated_fmap_on_b0"
)

// Recipe builds the graph of one variant.
type Recipe struct {
	Variant Variant
	Params  Params
	Toolbox *tools.Toolbox
}

// Build validates the parameters and assembles the workflow. The graph is
// checked structurally; binary presence is checked by Validate.
func (r Recipe) Build(logger *slog.Logger) (*graph.Workflow, error) {
	if err := r.Params.Validate(logger); err != nil {
		return nil, err
	}
	var wf *graph.Workflow
	switch r.Variant {
	case VariantPhasediffFieldmap:
		wf = r.phasediffFieldmap()
	case VariantEddyOnly:
		wf = r.eddyOnly()
	default:
		_, err := ParseVariant(string(r.Variant))
		return nil, err
	}
	if _, err := wf.Validate(graph.ValidateOptions{}); err != nil {
		return nil, err
	}
	return wf, nil
}

// Validate builds the workflow and checks that every binary it needs can be
// found. lookPath defaults to exec.LookPath.
func (r Recipe) Validate(logger *slog.Logger, lookPath func(string) (string, error)) (*graph.Workflow, error) {
	wf, err := r.Build(logger)
	if err != nil {
		return nil, err
	}
	if _, err := wf.Validate(graph.ValidateOptions{CheckBinaries: true, LookPath: lookPath}); err != nil {
		return nil, err
	}
	return wf, nil
}

func (r Recipe) eddy(field bool) *tools.Command {
	return tools.Eddy(r.Toolbox, tools.EddyOptions{
		CUDA:     r.Params.CUDA(),
		InitRand: r.Params.InitRand,
		Field:    field,
	})
}

// common adds the initialization, pre-mask, bias correction and final mask
// stages shared by both variants, and wires the workflow inputs.
func (r Recipe) common(wf *graph.Workflow) {
	box := r.Toolbox
	wf.Add(
		graph.NewStage(StageInit, tools.Init(r.Variant.UsesFieldmap())),
		graph.NewStage(StageAcqFile, tools.AcqFile()),
		graph.NewStage(StageIndexFile, tools.IndexFile()).Set("low_bval", r.Params.LowBval),
		graph.NewStage(StagePreMask, tools.DWI2Mask(box)),
		graph.NewStage(StageRemoveBias, graph.NewComposite(BiasCorrection(box, r.Params.LowBval))),
		graph.NewStage(StageB0Average, tools.AverageB0(box)).Set("low_bval", r.Params.LowBval),
		graph.NewStage(StageMaskB0, tools.BET(box, tools.BETOptions{Mask: true, Robust: true})),
	)
	for _, port := range r.Variant.InputPorts() {
		wf.Input(port, StageInit, port)
	}
	wf.Connect(StageInit, "dwi", StageAcqFile, "in_dwi").
		Connect(StageInit, tools.PortTotalReadoutTime, StageAcqFile, "total_readout_time").
		Connect(StageInit, tools.PortPhaseEncodingDirection, StageAcqFile, "fsl_phase_encoding_direction").
		Connect(StageInit, tools.PortImageID, StageAcqFile, "image_id").
		Connect(StageInit, "bval", StageIndexFile, "in_bval").
		Connect(StageInit, tools.PortImageID, StageIndexFile, "image_id").
		Connect(StageInit, "dwi", StagePreMask, "in_file").
		Connect(StageInit, "bvec", StagePreMask, "in_bvec").
		Connect(StageInit, "bval", StagePreMask, "in_bval").
		Connect(StagePreMask, "out_file", StageRemoveBias, "mask").
		Connect(StageInit, "bval", StageRemoveBias, "bval").
		Connect(StageInit, "bval", StageB0Average, "in_bval").
		Connect(StageRemoveBias, "bias_corrected_dwi", StageB0Average, "in_dwi").
		Connect(StageB0Average, "out_b0_average", StageMaskB0, "in_file")
	wf.Output(OutPreprocDWI, StageRemoveBias, "bias_corrected_dwi").
		Output(OutPreprocBval, StageInit, "bval").
		Output(OutB0Mask, StageMaskB0, "mask_file")
}

// connectEddy wires the inputs every eddy stage shares.
func connectEddy(wf *graph.Workflow, stage string) {
	wf.Connect(StageInit, "dwi", stage, "in_file").
		Connect(StageInit, "bval", stage, "in_bval").
		Connect(StageInit, "bvec", stage, "in_bvec").
		Connect(StageInit, tools.PortImageID, stage, "out_base").
		Connect(StageAcqFile, "out_acq", stage, "in_acqp").
		Connect(StageIndexFile, "out_index", stage, "in_index").
		Connect(StagePreMask, "out_file", stage, "in_mask")
}

// eddyOnly runs a single eddy without a field map. 1c/1d only provide the
// registration target of the field map and are not built; the published
// b0_mask therefore comes from 5b, computed on the bias-corrected b0
// average rather than on the eddy output.
func (r Recipe) eddyOnly() *graph.Workflow {
	const eddy = "1b-Eddy"
	wf := graph.New(string(VariantEddyOnly), r.Variant.InputPorts()...)
	r.common(wf)
	wf.Add(graph.NewStage(eddy, r.eddy(false)))
	connectEddy(wf, eddy)
	wf.Connect(eddy, "out_corrected", StageRemoveBias, "dwi").
		Connect(eddy, "out_rotated_bvecs", StageRemoveBias, "bvec").
		Output(OutPreprocBvec, eddy, "out_rotated_bvecs")
	return wf
}

func (r Recipe) phasediffFieldmap() *graph.Workflow {
	const (
		preEddy     = "1b-PreEddy"
		refB0       = "1c-ComputeReferenceB0"
		maskRefB0   = "1d-MaskReferenceB0"
		n4Mag       = "2a-N4MagnitudeFmap"
		betMag      = "2b-BetN4MagnitudeFmap"
		registerMag = "2d-RegistrationBetMagToB0"
		fmapToB0    = "2e-1-FMapToB0"
		magToB0     = "2e-2-MagFMapToB0"
		smoothing   = "2f-Smoothing"
		stripExt    = "2h-RemoveFNameExtension"
		eddy        = "3-Eddy"
	)
	box := r.Toolbox
	wf := graph.New(string(VariantPhasediffFieldmap), r.Variant.InputPorts()...)
	r.common(wf)
	wf.Add(
		graph.NewStage(preEddy, r.eddy(false)),
		graph.NewStage(refB0, tools.AverageB0(box)).Set("low_bval", r.Params.LowBval),
		graph.NewStage(maskRefB0, tools.BET(box, tools.BETOptions{Mask: true, Robust: true})),
		graph.NewStage(n4Mag, tools.N4(box, tools.N4Options{})),
		graph.NewStage(betMag, tools.BET(box, tools.BETOptions{Frac: 0.4, Mask: true})),
		graph.NewStage(StageCalibrateFmap, graph.NewComposite(FieldmapCalibration(box))),
		graph.NewStage(registerMag, tools.Flirt(box, 6)),
		graph.NewStage(fmapToB0, tools.ApplyXFM(box)),
		graph.NewStage(magToB0, tools.ApplyXFM(box)),
		graph.NewStage(smoothing, tools.IsotropicSmooth(box, 4)),
		graph.NewStage(stripExt, tools.RemoveExtension()),
		graph.NewStage(eddy, r.eddy(true)),
	)

	// Step 1: reference b0 with EPI distortions
	connectEddy(wf, preEddy)
	wf.Connect(StageInit, "bval", refB0, "in_bval").
		Connect(preEddy, "out_corrected", refB0, "in_dwi").
		Connect(refB0, "out_b0_average", maskRefB0, "in_file")

	// Step 2: calibrate the field map and register it onto the b0
	wf.Connect(StageInit, "fmap_magnitude", n4Mag, "input_image").
		Connect(n4Mag, "output_image", betMag, "in_file").
		Connect(betMag, "mask_file", StageCalibrateFmap, "fmap_mask").
		Connect(betMag, "out_file", StageCalibrateFmap, "fmap_magnitude").
		Connect(StageInit, "fmap_phasediff", StageCalibrateFmap, "fmap_phasediff").
		Connect(StageInit, tools.PortDeltaEchoTime, StageCalibrateFmap, "delta_echo_time").
		Connect(betMag, "out_file", registerMag, "in_file").
		Connect(maskRefB0, "out_file", registerMag, "reference").
		Connect(registerMag, "out_matrix_file", magToB0, "in_matrix_file").
		Connect(n4Mag, "output_image", magToB0, "in_file").
		Connect(maskRefB0, "out_file", magToB0, "reference").
		Connect(registerMag, "out_matrix_file", fmapToB0, "in_matrix_file").
		Connect(StageCalibrateFmap, "calibrated_fmap", fmapToB0, "in_file").
		Connect(maskRefB0, "out_file", fmapToB0, "reference").
		Connect(fmapToB0, "out_file", smoothing, "in_file").
		Connect(smoothing, "out_file", stripExt, "in_file")

	// Step 3: eddy with the field map
	connectEddy(wf, eddy)
	wf.Connect(stripExt, "file_without_extension", eddy, "field")

	// Step 4: bias correction of the eddy output
	wf.Connect(eddy, "out_corrected", StageRemoveBias, "dwi").
		Connect(eddy, "out_rotated_bvecs", StageRemoveBias, "bvec")

	wf.Output(OutPreprocBvec, eddy, "out_rotated_bvecs").
		Output(OutMagnitudeOnB0, magToB0, "out_file").
		Output(OutCalibratedFmap, fmapToB0, "out_file").
		Output(OutSmoothedFmap, smoothing, "out_file")
	return wf
}
