// Package cohort turns paired subject/session lists into per-entry workflow
// inputs and tracks which entries already have published outputs.
package cohort

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/me/dwiprep/internal/bids"
	"github.com/me/dwiprep/internal/graph"
	"github.com/me/dwiprep/internal/pipeline"
	"github.com/me/dwiprep/pkg/model"
)

// Columns holds per-entry values, all synchronized by index.
type Columns struct {
	Subjects []string
	Sessions []string
	Files    map[string][]string
	Values   map[string][]any
}

// Entry is one subject/session of the cohort with its workflow inputs.
type Entry struct {
	Index   int
	Subject string
	Session string
	Inputs  graph.Values
	// Err is set when the entry cannot run, e.g. an input file is missing.
	Err error
}

// Key returns sub-XXX_ses-YYY.
func (e Entry) Key() string { return e.Subject + "_" + e.Session }

// Iterate zips the columns into entries. Every column must have as many
// rows as Subjects, and each subject/session pair may appear only once.
func Iterate(c Columns) ([]Entry, error) {
	lengths := map[string]int{
		"subjects": len(c.Subjects),
		"sessions": len(c.Sessions),
	}
	for port, col := range c.Files {
		lengths[port] = len(col)
	}
	for port, col := range c.Values {
		lengths[port] = len(col)
	}
	n := len(c.Subjects)
	for _, l := range lengths {
		if l != n {
			return nil, &model.CohortMismatchError{Lengths: lengths}
		}
	}

	entries := make([]Entry, n)
	for i := range entries {
		in := make(graph.Values, len(c.Files)+len(c.Values))
		for port, col := range c.Files {
			in[port] = col[i]
		}
		for port, col := range c.Values {
			in[port] = col[i]
		}
		entries[i] = Entry{
			Index:   i,
			Subject: c.Subjects[i],
			Session: c.Sessions[i],
			Inputs:  in,
		}
	}
	if dups := Duplicates(entries); len(dups) > 0 {
		return nil, &model.CohortMismatchError{Duplicates: dups}
	}
	return entries, nil
}

// Duplicates returns the keys that occur more than once in entries, in
// order of their second occurrence.
func Duplicates(entries []Entry) []string {
	seen := make(map[string]int, len(entries))
	var dups []string
	for _, e := range entries {
		k := e.Key()
		seen[k]++
		if seen[k] == 2 {
			dups = append(dups, k)
		}
	}
	return dups
}

// portKinds maps workflow input ports to BIDS file kinds.
var portKinds = map[string]bids.Kind{
	"dwi":                 bids.DWI,
	"bval":                bids.DWIBval,
	"bvec":                bids.DWIBvec,
	"dwi_json":            bids.DWIJSON,
	"fmap_magnitude":      bids.Magnitude1,
	"fmap_phasediff":      bids.Phasediff,
	"fmap_phasediff_json": bids.PhasediffJSON,
}

// Resolve looks up the inputs of every subject/session for the variant.
// A missing or ambiguous file marks that entry failed; only unequal
// subject and session lists are an error for the whole cohort.
func Resolve(layout *bids.Layout, subjects, sessions []string, variant pipeline.Variant) ([]Entry, error) {
	if len(subjects) != len(sessions) {
		return nil, &model.CohortMismatchError{Lengths: map[string]int{
			"subjects": len(subjects),
			"sessions": len(sessions),
		}}
	}
	ports := variant.InputPorts()
	cols := Columns{
		Subjects: subjects,
		Sessions: sessions,
		Files:    make(map[string][]string, len(ports)),
	}
	failures := make([]error, len(subjects))
	for _, port := range ports {
		kind, ok := portKinds[port]
		if !ok {
			return nil, fmt.Errorf("no BIDS kind for input %q", port)
		}
		col := make([]string, len(subjects))
		for i := range subjects {
			path, err := layout.Find(subjects[i], sessions[i], kind)
			if err != nil {
				failures[i] = errors.Join(failures[i], err)
				continue
			}
			col[i] = path
		}
		cols.Files[port] = col
	}

	entries, err := Iterate(cols)
	if err != nil {
		return nil, err
	}
	for i, err := range failures {
		if err == nil {
			continue
		}
		entries[i].Err = &missingInputError{
			InputConsistencyError: model.InputConsistencyError{
				ImageID: entries[i].Key(),
				Message: fmt.Sprintf("missing input: %v", err),
			},
			err: err,
		}
	}
	return entries, nil
}

// missingInputError keeps the lookup failure reachable with errors.Is.
type missingInputError struct {
	model.InputConsistencyError
	err error
}

func (e *missingInputError) Unwrap() []error {
	return []error{&e.InputConsistencyError, e.err}
}

// All lists every subject/session directory of the layout.
func All(layout *bids.Layout) (subjects, sessions []string, err error) {
	pairs, err := layout.Sessions()
	if err != nil {
		return nil, nil, err
	}
	for _, p := range pairs {
		subjects = append(subjects, p.Subject)
		sessions = append(sessions, p.Session)
	}
	return subjects, sessions, nil
}

// Processed returns the sub-XXX_ses-YYY keys that already have a
// preprocessed DWI in capsDir.
func Processed(capsDir string) (map[string]bool, error) {
	matches, err := filepath.Glob(pipeline.PreprocGlob(capsDir))
	if err != nil {
		return nil, fmt.Errorf("glob processed images: %w", err)
	}
	done := make(map[string]bool, len(matches))
	root := filepath.Join(capsDir, "subjects")
	for _, m := range matches {
		rel, err := filepath.Rel(root, m)
		if err != nil {
			continue
		}
		// <sub>/<ses>/dwi/preprocessing/<file>
		parts := strings.Split(filepath.ToSlash(rel), "/")
		done[parts[0]+"_"+parts[1]] = true
	}
	return done, nil
}

// Filter splits entries into those still to run and those already done.
func Filter(entries []Entry, processed map[string]bool) (todo, skipped []Entry) {
	for _, e := range entries {
		if processed[e.Key()] {
			skipped = append(skipped, e)
			continue
		}
		todo = append(todo, e)
	}
	return todo, skipped
}
