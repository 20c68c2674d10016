package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"
)

// Image is a decoded NIfTI volume
type Image struct {
	// Header is the raw file header
	Header *Header

	// Shape is the extent along x, y, z
	Shape [3]int

	// Data holds scaled voxel values, x slowest and z fastest
	Data []float32

	// Affine maps voxel indices to scanner coordinates
	Affine *mat.Dense

	// Spacing is the voxel size in mm along x, y, z
	Spacing [3]float64
}

// MaxDataBytes bounds the voxel payload a header may declare
const MaxDataBytes = 2 << 30

// ReadFile decodes the NIfTI file at path. Gzip-compressed files are
// detected by their magic bytes, whatever the file extension.
func ReadFile(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	img, err := decodeStream(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// Decode reads a single-file NIfTI-1 volume from r
func Decode(r io.Reader) (*Image, error) {
	return decodeStream(r, -1)
}

// decodeStream decodes r. A non-negative size is the length of an
// uncompressed input and is checked against the header before reading.
func decodeStream(r io.Reader, size int64) (*Image, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("error opening gzip stream: %w", err)
		}
		defer zr.Close()
		return decode(bufio.NewReader(zr), -1)
	}
	return decode(br, size)
}

func decode(r io.Reader, size int64) (*Image, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("error reading header: %w", err)
	}
	h, order, err := parseHeader(raw)
	if err != nil {
		return nil, err
	}

	shape, err := h.Shape()
	if err != nil {
		return nil, err
	}
	spacing, err := h.Spacing()
	if err != nil {
		return nil, err
	}
	bpv, err := h.bytesPerVoxel()
	if err != nil {
		return nil, err
	}

	if !(h.VoxOffset <= MaxDataBytes) {
		return nil, fmt.Errorf("invalid voxel offset %g", h.VoxOffset)
	}
	offset := int64(h.VoxOffset)
	if offset < HeaderSize {
		offset = HeaderSize
	}

	n := shape[0] * shape[1] * shape[2]
	want := int64(shape[0]) * int64(shape[1]) * int64(shape[2]) * int64(bpv)
	if want > MaxDataBytes {
		return nil, fmt.Errorf("header declares %dx%dx%d voxels (%d bytes), limit is %d bytes",
			shape[0], shape[1], shape[2], want, MaxDataBytes)
	}
	if size >= 0 && offset+want > size {
		return nil, fmt.Errorf("header declares %d bytes of voxel data but the file holds %d", want, size-offset)
	}

	if _, err := io.CopyN(io.Discard, r, offset-HeaderSize); err != nil {
		return nil, fmt.Errorf("error skipping to voxel data: %w", err)
	}

	// Grows with the bytes actually present
	var data bytes.Buffer
	if _, err := data.ReadFrom(io.LimitReader(r, want)); err != nil {
		return nil, fmt.Errorf("error reading %d voxels: %w", n, err)
	}
	if int64(data.Len()) != want {
		return nil, fmt.Errorf("error reading %d voxels: %w", n, io.ErrUnexpectedEOF)
	}
	buf := data.Bytes()

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scaled := slope != 0 && !math.IsNaN(slope) && !(slope == 1 && inter == 0)
	if math.IsNaN(inter) {
		inter = 0
	}

	values := make([]float32, n)
	nx, ny, nz := shape[0], shape[1], shape[2]
	f := 0
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v := voxel(buf[f*bpv:], h.Datatype, order)
				if scaled {
					v = v*slope + inter
				}
				values[(x*ny+y)*nz+z] = float32(v)
				f++
			}
		}
	}

	return &Image{
		Header:  h,
		Shape:   shape,
		Data:    values,
		Affine:  h.Affine(),
		Spacing: spacing,
	}, nil
}

// voxel converts one stored value to float64
func voxel(b []byte, dt int16, order binary.ByteOrder) float64 {
	switch dt {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}
