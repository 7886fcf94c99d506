package pipeline

import (
	"path/filepath"
	"strings"
)

// CAPS file suffixes, appended to the BIDS DWI source name.
const (
	SuffixPreprocDWI     = "_space-b0_preproc.nii.gz"
	SuffixPreprocBval    = "_space-b0_preproc.bval"
	SuffixPreprocBvec    = "_space-b0_preproc.bvec"
	SuffixBrainmask      = "_space-b0_brainmask.nii.gz"
	SuffixMagnitude      = "_space-b0_magnitude1.nii.gz"
	SuffixFmap           = "_space-b0_fmap.nii.gz"
	SuffixSmoothedFmap   = "_space-b0_fwhm-4_fmap.nii.gz"
	preprocessingSubpath = "dwi/preprocessing"
)

// CAPSFile maps a workflow output to its published name.
type CAPSFile struct {
	Output string
	Suffix string
}

// CAPSFiles lists the published outputs of a variant.
func (v Variant) CAPSFiles() []CAPSFile {
	files := []CAPSFile{
		{OutPreprocDWI, SuffixPreprocDWI},
		{OutPreprocBval, SuffixPreprocBval},
		{OutPreprocBvec, SuffixPreprocBvec},
		{OutB0Mask, SuffixBrainmask},
	}
	if v.UsesFieldmap() {
		files = append(files,
			CAPSFile{OutMagnitudeOnB0, SuffixMagnitude},
			CAPSFile{OutCalibratedFmap, SuffixFmap},
			CAPSFile{OutSmoothedFmap, SuffixSmoothedFmap},
		)
	}
	return files
}

// ContainerDir returns subjects/<sub>/<ses>/dwi/preprocessing under capsDir.
func ContainerDir(capsDir, subject, session string) string {
	return filepath.Join(capsDir, "subjects", subject, session, preprocessingSubpath)
}

// SourceName returns the BIDS DWI file name without extension, e.g.
// sub-01_ses-M00_acq-axial_dwi.
func SourceName(bidsDWI string) string {
	base := filepath.Base(bidsDWI)
	base = strings.TrimSuffix(base, ".gz")
	return strings.TrimSuffix(base, ".nii")
}

// CAPSPaths returns the destination of every published output of one
// subject, keyed by workflow output port.
func (v Variant) CAPSPaths(capsDir, subject, session, bidsDWI string) map[string]string {
	dir := ContainerDir(capsDir, subject, session)
	src := SourceName(bidsDWI)
	out := make(map[string]string)
	for _, f := range v.CAPSFiles() {
		out[f.Output] = filepath.Join(dir, src+f.Suffix)
	}
	return out
}

// PreprocGlob matches every preprocessed DWI in a CAPS tree.
func PreprocGlob(capsDir string) string {
	return filepath.Join(capsDir, "subjects", "sub-*", "ses-*", preprocessingSubpath, "*"+SuffixPreprocDWI)
}
