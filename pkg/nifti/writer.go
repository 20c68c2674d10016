package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"
)

// voxOffset places voxel data after the header and an empty extension block
const voxOffset = HeaderSize + 4

// EncodeOptions controls how a volume is stored
type EncodeOptions struct {
	// Datatype is the on-disk voxel type; only DTFloat32 and DTUint8 are written
	Datatype int16

	// Description is stored in the header's descrip field
	Description string
}

// WriteFile writes a volume to path. A ".gz" suffix selects gzip compression.
func WriteFile(path string, shape [3]int, data []float32, affine *mat.Dense, spacing [3]float64, opts EncodeOptions) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var zw *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		zw = gzip.NewWriter(f)
		w = zw
	}

	err = Encode(w, shape, data, affine, spacing, opts)
	if zw != nil {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return nil
}

// Encode writes an uncompressed little-endian NIfTI-1 volume to w.
// data uses the same layout as Image.Data.
func Encode(w io.Writer, shape [3]int, data []float32, affine *mat.Dense, spacing [3]float64, opts EncodeOptions) error {
	n := shape[0] * shape[1] * shape[2]
	if len(data) != n {
		return fmt.Errorf("data has %d voxels, shape %v needs %d", len(data), shape, n)
	}
	if opts.Datatype == 0 {
		opts.Datatype = DTFloat32
	}

	h := &Header{
		SizeofHdr: HeaderSize,
		Regular:   'r',
		Datatype:  opts.Datatype,
		VoxOffset: voxOffset,
		SclSlope:  1,
		XYZTUnits: 2, // mm
		SformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, float32(spacing[0]), float32(spacing[1]), float32(spacing[2])}
	copy(h.Descrip[:], opts.Description)

	switch opts.Datatype {
	case DTFloat32:
		h.Bitpix = 32
	case DTUint8:
		h.Bitpix = 8
	default:
		return fmt.Errorf("unsupported output datatype %d", opts.Datatype)
	}

	if affine == nil {
		affine = mat.NewDense(4, 4, []float64{
			spacing[0], 0, 0, 0,
			0, spacing[1], 0, 0,
			0, 0, spacing[2], 0,
			0, 0, 0, 1,
		})
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(affine.At(0, j))
		h.SrowY[j] = float32(affine.At(1, j))
		h.SrowZ[j] = float32(affine.At(2, j))
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, h); err != nil {
		return err
	}
	// No header extensions
	if _, err := bw.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	nx, ny, nz := shape[0], shape[1], shape[2]
	var scratch [4]byte
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				v := data[(x*ny+y)*nz+z]
				var err error
				if opts.Datatype == DTUint8 {
					err = bw.WriteByte(uint8(math.Max(0, math.Min(255, math.Round(float64(v))))))
				} else {
					binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(v))
					_, err = bw.Write(scratch[:])
				}
				if err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}
