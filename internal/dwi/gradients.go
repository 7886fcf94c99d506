// Package dwi holds the acquisition bookkeeping around a diffusion series:
// gradient tables, b0 selection, eddy acquisition and index files, and the
// identity token that namespaces every per-subject artifact.
package dwi

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/me/dwiprep/pkg/model"
)

// ReadBvals parses an FSL b-value file (whitespace separated, any layout).
func ReadBvals(path string) ([]float64, error) {
	rows, err := readTable(path)
	if err != nil {
		return nil, err
	}
	var out []float64
	for _, row := range rows {
		out = append(out, row...)
	}
	return out, nil
}

// BvecColumns returns the number of gradient directions in an FSL b-vector
// file: three rows of N columns, or N rows of three columns.
func BvecColumns(path string) (int, error) {
	rows, err := readTable(path)
	if err != nil {
		return 0, err
	}
	if len(rows) == 3 {
		n := len(rows[0])
		for i, row := range rows {
			if len(row) != n {
				return 0, fmt.Errorf("%s: row %d has %d values, want %d", path, i+1, len(row), n)
			}
		}
		return n, nil
	}
	for i, row := range rows {
		if len(row) != 3 {
			return 0, fmt.Errorf("%s: row %d has %d values, want 3", path, i+1, len(row))
		}
	}
	return len(rows), nil
}

func readTable(path string) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var rows [][]float64
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, sc.Err()
}

// CheckVolumes fails unless the DWI series, b-values and b-vectors all
// describe the same number of volumes.
func CheckVolumes(imageID string, dwiVolumes, bvals, bvecColumns int) error {
	if dwiVolumes == bvals && bvals == bvecColumns {
		return nil
	}
	return &model.InputConsistencyError{
		ImageID: imageID,
		Message: fmt.Sprintf("number of DWI volumes (%d), b-values (%d) and b-vectors (%d) differ",
			dwiVolumes, bvals, bvecColumns),
		Counts: map[string]int{"dwi": dwiVolumes, "bval": bvals, "bvec": bvecColumns},
	}
}

// LowBIndices returns the 0-based positions of volumes with b <= lowBval.
func LowBIndices(bvals []float64, lowBval float64) []int {
	var idx []int
	for i, b := range bvals {
		if b <= lowBval {
			idx = append(idx, i)
		}
	}
	return idx
}
