// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
//
// Voxel data is returned as a 3D grid in row-major order with the file's first
// axis (x) varying slowest, matching how array libraries index NIfTI volumes
// as [x][y][z]. The on-disk layout, where x varies fastest, is transposed on
// read and restored on write.
package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// HeaderSize is the size of a NIfTI-1 header in bytes
const HeaderSize = 348

// Datatype codes defined by NIfTI-1
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// Header mirrors the packed on-disk NIfTI-1 header
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       uint8
	DimInfo       uint8
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     uint8
	XYZTUnits     uint8
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// parseHeader decodes the header and detects the file byte order
func parseHeader(raw []byte) (*Header, binary.ByteOrder, error) {
	if len(raw) < HeaderSize {
		return nil, nil, fmt.Errorf("header truncated: %d bytes", len(raw))
	}

	var order binary.ByteOrder
	switch {
	case int32(binary.LittleEndian.Uint32(raw)) == HeaderSize:
		order = binary.LittleEndian
	case int32(binary.BigEndian.Uint32(raw)) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is not %d", HeaderSize)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw[:HeaderSize]), order, h); err != nil {
		return nil, nil, fmt.Errorf("error decoding header: %w", err)
	}

	magic := string(h.Magic[:3])
	if magic == "ni1" {
		return nil, nil, fmt.Errorf("two-file NIfTI (.hdr/.img) is not supported")
	}
	if magic != "n+1" {
		return nil, nil, fmt.Errorf("bad NIfTI magic %q", h.Magic[:])
	}
	return h, order, nil
}

// Shape returns the three spatial dimensions.
// Volumes with more than one frame along the 4th or higher axes are rejected.
func (h *Header) Shape() ([3]int, error) {
	var shape [3]int
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return shape, fmt.Errorf("invalid dimension count %d", ndim)
	}
	for axis := 0; axis < 3; axis++ {
		shape[axis] = 1
		if axis < ndim {
			shape[axis] = int(h.Dim[axis+1])
		}
		if shape[axis] < 1 {
			return shape, fmt.Errorf("invalid extent %d along axis %d", shape[axis], axis)
		}
	}
	for axis := 4; axis <= ndim; axis++ {
		if h.Dim[axis] > 1 {
			return shape, fmt.Errorf("expected a 3D volume, got %d frames along axis %d", h.Dim[axis], axis-1)
		}
	}
	return shape, nil
}

// Spacing returns the voxel edge lengths in mm
func (h *Header) Spacing() ([3]float64, error) {
	var spacing [3]float64
	for axis := 0; axis < 3; axis++ {
		s := math.Abs(float64(h.Pixdim[axis+1]))
		if int(h.Dim[0]) <= axis && s == 0 {
			s = 1
		}
		if !(s > 0) || math.IsInf(s, 0) {
			return spacing, fmt.Errorf("invalid voxel spacing %g along axis %d", h.Pixdim[axis+1], axis)
		}
		spacing[axis] = s
	}
	return spacing, nil
}

// bytesPerVoxel returns the storage size of one voxel of the header's datatype
func (h *Header) bytesPerVoxel() (int, error) {
	switch h.Datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported datatype %d", h.Datatype)
}

// Affine returns the voxel-to-scanner transform.
// The sform is preferred, then the qform, then a plain scaling by pixdim.
func (h *Header) Affine() *mat.Dense {
	switch {
	case h.SformCode > 0:
		return mat.NewDense(4, 4, []float64{
			float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3]),
			float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3]),
			float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3]),
			0, 0, 0, 1,
		})
	case h.QformCode > 0:
		return h.qformAffine()
	}
	return mat.NewDense(4, 4, []float64{
		float64(h.Pixdim[1]), 0, 0, 0,
		0, float64(h.Pixdim[2]), 0, 0,
		0, 0, float64(h.Pixdim[3]), 0,
		0, 0, 0, 1,
	})
}

// qformAffine builds the transform from the quaternion representation
func (h *Header) qformAffine() *mat.Dense {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// Rotation by 180 degrees; renormalise b, c, d
		n := math.Sqrt(b*b + c*c + d*d)
		b, c, d = b/n, c/n, d/n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	rot := mat.NewDense(3, 3, []float64{
		a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
		2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
		2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
	})

	qfac := float64(h.Pixdim[0])
	if qfac == 0 {
		qfac = 1
	}
	zooms := [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3]) * qfac}

	aff := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			aff.Set(i, j, rot.At(i, j)*zooms[j])
		}
	}
	aff.Set(0, 3, float64(h.QoffsetX))
	aff.Set(1, 3, float64(h.QoffsetY))
	aff.Set(2, 3, float64(h.QoffsetZ))
	aff.Set(3, 3, 1)
	return aff
}

// Description returns the header's free-text description
func (h *Header) Description() string {
	return string(bytes.TrimRight(h.Descrip[:], "\x00"))
}
