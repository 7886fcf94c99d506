// Package nifti reads the fixed-size header of NIfTI-1 and NIfTI-2 images,
// which is all the pipeline needs to check volume counts and shapes.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	nifti1HeaderSize = 348
	nifti2HeaderSize = 540
)

var ErrNotNIfTI = errors.New("not a NIfTI-1 or NIfTI-2 file")

// Header holds the fields of a NIfTI header used by the pipeline.
type Header struct {
	Version  int     // 1 or 2
	Dims     []int   // dim[1..dim[0]]
	PixDims  []float64
	Datatype int
	BitPix   int
}

// Volumes returns the number of 3D volumes (the fourth dimension, or 1).
func (h *Header) Volumes() int {
	if len(h.Dims) < 4 || h.Dims[3] < 1 {
		return 1
	}
	return h.Dims[3]
}

// Shape returns the spatial dimensions (first three).
func (h *Header) Shape() []int {
	n := len(h.Dims)
	if n > 3 {
		n = 3
	}
	return append([]int(nil), h.Dims[:n]...)
}

// SameShape reports whether a and b have identical spatial dimensions.
func SameShape(a, b *Header) bool {
	sa, sb := a.Shape(), b.Shape()
	if len(sa) != len(sb) {
		return false
	}
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// ReadHeader reads the header of a .nii or .nii.gz file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read header %s: %w", path, err)
	}
	return h, nil
}

// Decode reads a header from r, transparently decompressing gzip input.
func Decode(r io.Reader) (*Header, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, ErrNotNIfTI
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	buf := make([]byte, nifti2HeaderSize)
	n, err := io.ReadFull(src, buf[:nifti1HeaderSize])
	if err != nil {
		return nil, ErrNotNIfTI
	}
	buf = buf[:n]

	order, version := detect(buf)
	switch version {
	case 1:
		return decode1(buf, order), nil
	case 2:
		rest := make([]byte, nifti2HeaderSize-nifti1HeaderSize)
		if _, err := io.ReadFull(src, rest); err != nil {
			return nil, ErrNotNIfTI
		}
		return decode2(append(buf, rest...), order), nil
	}
	return nil, ErrNotNIfTI
}

// detect finds byte order and version from sizeof_hdr.
func detect(buf []byte) (binary.ByteOrder, int) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		switch order.Uint32(buf[0:4]) {
		case nifti1HeaderSize:
			return order, 1
		case nifti2HeaderSize:
			return order, 2
		}
	}
	return nil, 0
}

func decode1(buf []byte, order binary.ByteOrder) *Header {
	h := &Header{
		Version:  1,
		Datatype: int(int16(order.Uint16(buf[70:72]))),
		BitPix:   int(int16(order.Uint16(buf[72:74]))),
	}
	ndim := clampDims(int(int16(order.Uint16(buf[40:42]))))
	for i := 1; i <= ndim; i++ {
		off := 40 + 2*i
		h.Dims = append(h.Dims, int(int16(order.Uint16(buf[off:off+2]))))
		poff := 76 + 4*i
		h.PixDims = append(h.PixDims, float64(math.Float32frombits(order.Uint32(buf[poff:poff+4]))))
	}
	return h
}

func decode2(buf []byte, order binary.ByteOrder) *Header {
	h := &Header{
		Version:  2,
		Datatype: int(int16(order.Uint16(buf[12:14]))),
		BitPix:   int(int16(order.Uint16(buf[14:16]))),
	}
	ndim := clampDims(int(int64(order.Uint64(buf[16:24]))))
	for i := 1; i <= ndim; i++ {
		off := 16 + 8*i
		h.Dims = append(h.Dims, int(int64(order.Uint64(buf[off:off+8]))))
		poff := 104 + 8*i
		h.PixDims = append(h.PixDims, math.Float64frombits(order.Uint64(buf[poff:poff+8])))
	}
	return h
}

func clampDims(n int) int {
	if n < 0 {
		return 0
	}
	if n > 7 {
		return 7
	}
	return n
}

// Write creates a header-only NIfTI-1 file (float32 data type, no voxel
// data) at path, gzip-compressed when path ends in ".gz".
func Write(path string, dims []int) error {
	hdr := Encode(dims)
	var data []byte
	if strings.HasSuffix(path, ".gz") {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(hdr); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		data = hdr
	}
	return os.WriteFile(path, data, 0o644)
}

// Encode returns a little-endian NIfTI-1 single-file header with a four byte
// empty extension block.
func Encode(dims []int) []byte {
	buf := make([]byte, nifti1HeaderSize+4)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], nifti1HeaderSize)
	ndim := clampDims(len(dims))
	le.PutUint16(buf[40:42], uint16(ndim))
	for i := 0; i < ndim; i++ {
		le.PutUint16(buf[42+2*i:], uint16(dims[i]))
		le.PutUint32(buf[80+4*i:], math.Float32bits(1))
	}
	le.PutUint16(buf[70:72], 16) // DT_FLOAT32
	le.PutUint16(buf[72:74], 32)
	le.PutUint32(buf[108:112], math.Float32bits(nifti1HeaderSize+4))
	copy(buf[344:348], "n+1\x00")
	return buf
}
