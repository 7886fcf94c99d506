package cohort

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	participantColumn = "participant_id"
	sessionColumn     = "session_id"
)

// ManifestPath returns <workDir>/<pipeline>/participants.tsv.
func ManifestPath(workDir, pipelineName string) string {
	return filepath.Join(workDir, pipelineName, "participants.tsv")
}

// ReadParticipants reads the participant_id and session_id columns of a
// tab-separated file. Other columns are ignored.
func ReadParticipants(path string) (subjects, sessions []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '\t'
	r.Comment = '#'
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s header: %w", path, err)
	}
	subCol := slices.Index(header, participantColumn)
	sesCol := slices.Index(header, sessionColumn)
	if subCol < 0 || sesCol < 0 {
		return nil, nil, fmt.Errorf("%s: header must name %s and %s", path, participantColumn, sessionColumn)
	}

	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", path, err)
		}
		if len(rec) <= max(subCol, sesCol) {
			return nil, nil, fmt.Errorf("%s:%d: expected at least %d columns, got %d", path, line, max(subCol, sesCol)+1, len(rec))
		}
		sub, ses := strings.TrimSpace(rec[subCol]), strings.TrimSpace(rec[sesCol])
		if sub == "" && ses == "" {
			continue
		}
		subjects = append(subjects, sub)
		sessions = append(sessions, ses)
	}
	return subjects, sessions, nil
}

// WriteParticipants records the entries being processed.
func WriteParticipants(path string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create manifest directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	w.Comma = '\t'
	rows := [][]string{{participantColumn, sessionColumn}}
	for _, e := range entries {
		rows = append(rows, []string{e.Subject, e.Session})
	}
	if err := w.WriteAll(rows); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
