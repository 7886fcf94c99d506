package graph

import (
	"errors"
	"testing"
)

func TestValues_Getters(t *testing.T) {
	v := Values{
		"path":  "/tmp/dwi.nii.gz",
		"bval":  5.0,
		"n":     3,
		"cuda":  true,
		"files": []any{"a", "b"},
	}
	if s, err := v.String("path"); err != nil || s != "/tmp/dwi.nii.gz" {
		t.Errorf("String = %q, %v", s, err)
	}
	if f, err := v.Float("n"); err != nil || f != 3 {
		t.Errorf("Float(n) = %v, %v", f, err)
	}
	if n, err := v.Int("bval"); err != nil || n != 5 {
		t.Errorf("Int(bval) = %v, %v", n, err)
	}
	if b, err := v.Bool("cuda"); err != nil || !b {
		t.Errorf("Bool = %v, %v", b, err)
	}
	if l, err := v.Strings("files"); err != nil || len(l) != 2 {
		t.Errorf("Strings = %v, %v", l, err)
	}
	if _, err := v.String("absent"); !errors.Is(err, ErrMissingInput) {
		t.Errorf("String(absent) err = %v, want ErrMissingInput", err)
	}
	if _, err := v.Float("path"); err == nil {
		t.Error("Float(path) should fail")
	}
}

func TestValues_Keys(t *testing.T) {
	v := Values{"b": 1, "a": 2}
	if got := v.Keys(); got[0] != "a" || got[1] != "b" {
		t.Errorf("Keys() = %v", got)
	}
}
