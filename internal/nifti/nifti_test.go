package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
)

func TestWriteReadHeader(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		dims    []int
		volumes int
	}{
		{"4d gz", "dwi.nii.gz", []int{96, 96, 60, 10}, 10},
		{"3d plain", "mask.nii", []int{96, 96, 60}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := Write(path, tt.dims); err != nil {
				t.Fatalf("Write: %v", err)
			}
			h, err := ReadHeader(path)
			if err != nil {
				t.Fatalf("ReadHeader: %v", err)
			}
			if h.Version != 1 {
				t.Errorf("Version = %d, want 1", h.Version)
			}
			if got := h.Volumes(); got != tt.volumes {
				t.Errorf("Volumes() = %d, want %d", got, tt.volumes)
			}
			shape := h.Shape()
			if len(shape) != 3 || shape[0] != 96 || shape[2] != 60 {
				t.Errorf("Shape() = %v", shape)
			}
			if h.Datatype != 16 || h.BitPix != 32 {
				t.Errorf("Datatype/BitPix = %d/%d", h.Datatype, h.BitPix)
			}
		})
	}
}

func TestDecode_BigEndian(t *testing.T) {
	buf := make([]byte, nifti1HeaderSize)
	be := binary.BigEndian
	be.PutUint32(buf[0:4], nifti1HeaderSize)
	be.PutUint16(buf[40:42], 4)
	for i, d := range []int{64, 64, 32, 7} {
		be.PutUint16(buf[42+2*i:], uint16(d))
	}
	h, err := Decode(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Volumes() != 7 {
		t.Errorf("Volumes() = %d, want 7", h.Volumes())
	}
}

func TestDecode_NIfTI2(t *testing.T) {
	buf := make([]byte, nifti2HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], nifti2HeaderSize)
	le.PutUint64(buf[16:24], 4)
	for i, d := range []int{128, 128, 70, 33} {
		le.PutUint64(buf[24+8*i:], uint64(d))
	}
	h, err := Decode(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if h.Version != 2 || h.Volumes() != 33 {
		t.Errorf("Version=%d Volumes=%d, want 2 and 33", h.Version, h.Volumes())
	}
}

func TestDecode_NotNIfTI(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("0 0 1000 1000\n")))
	if !errors.Is(err, ErrNotNIfTI) {
		t.Errorf("err = %v, want ErrNotNIfTI", err)
	}
}

func TestSameShape(t *testing.T) {
	a := &Header{Dims: []int{64, 64, 32}}
	b := &Header{Dims: []int{64, 64, 32, 1}}
	c := &Header{Dims: []int{64, 64, 30}}
	if !SameShape(a, b) {
		t.Error("SameShape(a, b) = false, want true")
	}
	if SameShape(a, c) {
		t.Error("SameShape(a, c) = true, want false")
	}
}
