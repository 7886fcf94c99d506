package bids

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLayout_Find(t *testing.T) {
	root := t.TempDir()
	dwiDir := filepath.Join(root, "sub-01", "ses-M00", "dwi")
	touch(t, filepath.Join(dwiDir, "sub-01_ses-M00_dwi.nii.gz"), "")
	touch(t, filepath.Join(dwiDir, "sub-01_ses-M00_dwi.bval"), "0 1000")
	touch(t, filepath.Join(root, "sub-01", "ses-M00", "fmap", "sub-01_ses-M00_run-1_phasediff.nii.gz"), "")
	touch(t, filepath.Join(root, "sub-01", "ses-M00", "fmap", "sub-01_ses-M00_run-2_phasediff.nii.gz"), "")

	l, err := NewLayout(root)
	if err != nil {
		t.Fatal(err)
	}

	got, err := l.Find("sub-01", "ses-M00", DWI)
	if err != nil {
		t.Fatalf("Find(DWI): %v", err)
	}
	if got != filepath.Join(dwiDir, "sub-01_ses-M00_dwi.nii.gz") {
		t.Errorf("Find(DWI) = %q", got)
	}

	if _, err := l.Find("sub-01", "ses-M00", DWIBvec); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Find(DWIBvec) err = %v, want ErrFileNotFound", err)
	}
	if _, err := l.Find("sub-01", "ses-M00", Phasediff); !errors.Is(err, ErrAmbiguous) {
		t.Errorf("Find(Phasediff) err = %v, want ErrAmbiguous", err)
	}
	if _, err := l.Find("sub-02", "ses-M00", DWI); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Find(sub-02) err = %v, want ErrFileNotFound", err)
	}
}

func TestLayout_Sessions(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"sub-02/ses-M00", "sub-01/ses-M12", "sub-01/ses-M00"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	touch(t, filepath.Join(root, "sub-03", "ses-file"), "not a dir")

	l := &Layout{Root: root}
	got, err := l.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	want := []SubjectSession{{"sub-01", "ses-M00"}, {"sub-01", "ses-M12"}, {"sub-02", "ses-M00"}}
	if len(got) != len(want) {
		t.Fatalf("Sessions() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sessions()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNewLayout_NotDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	touch(t, path, "")
	if _, err := NewLayout(path); err == nil {
		t.Error("expected error for non-directory root")
	}
}

func TestMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub-01_ses-M00_dwi.json")
	touch(t, path, `{"TotalReadoutTime": 0.0342, "PhaseEncodingDirection": "j-", "EchoTime": 0.089}`)

	meta, err := Metadata(path, "TotalReadoutTime", "PhaseEncodingDirection")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if v, err := Float(meta, "TotalReadoutTime"); err != nil || v != 0.0342 {
		t.Errorf("TotalReadoutTime = %v, %v", v, err)
	}
	if v, err := String(meta, "PhaseEncodingDirection"); err != nil || v != "j-" {
		t.Errorf("PhaseEncodingDirection = %q, %v", v, err)
	}
	if _, err := Float(meta, "PhaseEncodingDirection"); err == nil {
		t.Error("Float on string field should fail")
	}

	_, err = Metadata(path, "TotalReadoutTime", "EchoTime1")
	if !errors.Is(err, ErrMissingField) {
		t.Errorf("err = %v, want ErrMissingField", err)
	}
}
