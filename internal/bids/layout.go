// Package bids locates per-subject inputs in a BIDS dataset and reads
// scalar fields from their JSON sidecars.
package bids

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Sentinel errors.
var (
	ErrFileNotFound = errors.New("file not found")
	ErrAmbiguous    = errors.New("more than one file matches")
	ErrMissingField = errors.New("metadata field missing")
)

// Kind identifies one per-subject input file.
type Kind string

const (
	DWI           Kind = "dwi"
	DWIBval       Kind = "dwi_bval"
	DWIBvec       Kind = "dwi_bvec"
	DWIJSON       Kind = "dwi_json"
	Magnitude1    Kind = "fmap_magnitude1"
	Phasediff     Kind = "fmap_phasediff"
	PhasediffJSON Kind = "fmap_phasediff_json"
)

// pattern returns the datatype directory and file suffix for a kind.
func (k Kind) pattern() (dir, suffix string, ok bool) {
	switch k {
	case DWI:
		return "dwi", "_dwi.nii*", true
	case DWIBval:
		return "dwi", "_dwi.bval", true
	case DWIBvec:
		return "dwi", "_dwi.bvec", true
	case DWIJSON:
		return "dwi", "_dwi.json", true
	case Magnitude1:
		return "fmap", "_magnitude1.nii*", true
	case Phasediff:
		return "fmap", "_phasediff.nii*", true
	case PhasediffJSON:
		return "fmap", "_phasediff.json", true
	}
	return "", "", false
}

// Layout is a read-only view of a BIDS directory.
type Layout struct {
	Root string
}

// NewLayout checks that root is a directory.
func NewLayout(root string) (*Layout, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("bids directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("bids directory %s is not a directory", root)
	}
	return &Layout{Root: root}, nil
}

// Find returns the single file of the given kind for subject/session.
func (l *Layout) Find(subject, session string, kind Kind) (string, error) {
	dir, suffix, ok := kind.pattern()
	if !ok {
		return "", fmt.Errorf("unknown file kind %q", kind)
	}
	glob := filepath.Join(l.Root, subject, session, dir, subject+"_"+session+"*"+suffix)
	matches, err := filepath.Glob(glob)
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", glob, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s %s %s", ErrFileNotFound, subject, session, kind)
	case 1:
		return matches[0], nil
	}
	sort.Strings(matches)
	return "", fmt.Errorf("%w: %s %s %s: %s", ErrAmbiguous, subject, session, kind, strings.Join(matches, ", "))
}

// SubjectSession is one sub-/ses- directory pair.
type SubjectSession struct {
	Subject string
	Session string
}

// Sessions lists every sub-*/ses-* directory pair in sorted order.
func (l *Layout) Sessions() ([]SubjectSession, error) {
	dirs, err := filepath.Glob(filepath.Join(l.Root, "sub-*", "ses-*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	var out []SubjectSession
	for _, d := range dirs {
		info, err := os.Stat(d)
		if err != nil || !info.IsDir() {
			continue
		}
		out = append(out, SubjectSession{
			Subject: filepath.Base(filepath.Dir(d)),
			Session: filepath.Base(d),
		})
	}
	return out, nil
}

// Metadata reads the named fields from a JSON sidecar. Every key must be
// present.
func Metadata(path string, keys ...string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out := make(map[string]any, len(keys))
	var missing []string
	for _, k := range keys {
		v, ok := all[k]
		if !ok {
			missing = append(missing, k)
			continue
		}
		out[k] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w in %s: %s", ErrMissingField, filepath.Base(path), strings.Join(missing, ", "))
	}
	return out, nil
}

// Float reads a numeric metadata field.
func Float(meta map[string]any, key string) (float64, error) {
	v, ok := meta[key].(float64)
	if !ok {
		return 0, fmt.Errorf("metadata %s: expected number, got %T", key, meta[key])
	}
	return v, nil
}

// String reads a string metadata field.
func String(meta map[string]any, key string) (string, error) {
	v, ok := meta[key].(string)
	if !ok {
		return "", fmt.Errorf("metadata %s: expected string, got %T", key, meta[key])
	}
	return v, nil
}
