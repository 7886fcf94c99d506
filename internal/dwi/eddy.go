package dwi

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/me/dwiprep/pkg/model"
)

// EncodingVector maps an FSL phase-encoding direction to the unit vector
// written in the eddy acquisition parameter file.
//
// "z" maps to (0, 1, 0), not (0, 0, 1). Existing outputs were produced with
// that mapping and it is kept for compatibility; callers should warn.
func EncodingVector(direction string) ([3]int, error) {
	switch direction {
	case "y-":
		return [3]int{0, -1, 0}, nil
	case "y":
		return [3]int{0, 1, 0}, nil
	case "x":
		return [3]int{1, 0, 0}, nil
	case "x-":
		return [3]int{-1, 0, 0}, nil
	case "z":
		return [3]int{0, 1, 0}, nil
	case "z-":
		return [3]int{0, 0, -1}, nil
	}
	return [3]int{}, model.NewConfigError(fmt.Sprintf("unknown phase encoding direction %q", direction),
		model.FieldError{Field: "PhaseEncodingDirection", Message: "expected one of x, x-, y, y-, z, z-"})
}

// AcqRows renders one acquisition parameter row per volume.
func AcqRows(direction string, totalReadoutTime float64, volumes int) ([]string, error) {
	vec, err := EncodingVector(direction)
	if err != nil {
		return nil, err
	}
	row := fmt.Sprintf("%d %d %d %f", vec[0], vec[1], vec[2], totalReadoutTime)
	rows := make([]string, volumes)
	for i := range rows {
		rows[i] = row
	}
	return rows, nil
}

// IndexValues assigns each volume the 1-based ordinal of the most recent
// low-b volume at or before it. Volumes preceding the first low-b volume
// take 1. It fails when no volume has b <= lowBval.
func IndexValues(bvals []float64, lowBval float64) ([]int, error) {
	if len(LowBIndices(bvals, lowBval)) == 0 {
		return nil, &model.DegenerateDataError{
			Message: fmt.Sprintf("no volume with b-value <= %g among %d volumes", lowBval, len(bvals)),
		}
	}
	out := make([]int, len(bvals))
	cur := 0
	for i, b := range bvals {
		if b <= lowBval {
			cur++
		}
		out[i] = max(cur, 1)
	}
	return out, nil
}

// WriteLines writes one line per element to path.
func WriteLines(path string, lines []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// IndexLines formats index values one per line.
func IndexLines(values []int) []string {
	lines := make([]string, len(values))
	for i, v := range values {
		lines[i] = fmt.Sprintf("%d", v)
	}
	return lines
}

// BIDSDirToFSLDir converts a BIDS PhaseEncodingDirection (i, j-, k...) to
// FSL notation (x, y-, z...).
func BIDSDirToFSLDir(bidsDir string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(bidsDir))
	if !strings.ContainsAny(d, "ijk") {
		return "", model.NewConfigError(fmt.Sprintf("unknown BIDS phase encoding direction %q", bidsDir),
			model.FieldError{Field: "PhaseEncodingDirection", Message: "expected i, j or k with optional '-'"})
	}
	return strings.NewReplacer("i", "x", "j", "y", "k", "z").Replace(d), nil
}

// DeltaEchoTime returns |echoTime2 - echoTime1|.
func DeltaEchoTime(echoTime1, echoTime2 float64) float64 {
	return math.Abs(echoTime2 - echoTime1)
}
