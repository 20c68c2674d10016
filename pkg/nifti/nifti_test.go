package nifti

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func rampVolume(shape [3]int) []float32 {
	data := make([]float32, shape[0]*shape[1]*shape[2])
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	return data
}

func TestWriteReadFile(t *testing.T) {
	shape := [3]int{4, 3, 2}
	data := rampVolume(shape)
	spacing := [3]float64{1.0, 1.5, 2.0}
	affine := mat.NewDense(4, 4, []float64{
		-1, 0, 0, 10,
		0, 1.5, 0, -20,
		0, 0, 2, 5,
		0, 0, 0, 1,
	})

	for _, name := range []string{"vol_t1.nii", "vol_t1.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, WriteFile(path, shape, data, affine, spacing, EncodeOptions{Description: "test"}))

			img, err := ReadFile(path)
			require.NoError(t, err)

			assert.Equal(t, shape, img.Shape)
			assert.Equal(t, data, img.Data)
			assert.Equal(t, spacing, img.Spacing)
			assert.True(t, mat.EqualApprox(affine, img.Affine, 1e-6), "affine mismatch: %v", mat.Formatted(img.Affine))
			assert.Equal(t, "test", img.Header.Description())
		})
	}
}

func TestAxisOrder(t *testing.T) {
	// On disk x varies fastest; in memory z varies fastest.
	shape := [3]int{2, 2, 2}
	data := make([]float32, 8)
	data[(1*2+0)*2+0] = 7 // voxel x=1, y=0, z=0

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, shape, data, nil, [3]float64{1, 1, 1}, EncodeOptions{}))

	raw := buf.Bytes()[voxOffset:]
	second := math.Float32frombits(binary.LittleEndian.Uint32(raw[4:8]))
	assert.Equal(t, float32(7), second, "x=1 should be the second stored voxel")
}

func TestDecodeUint8Mask(t *testing.T) {
	shape := [3]int{3, 3, 3}
	data := make([]float32, 27)
	data[0], data[13], data[26] = 1, 2, 4

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, shape, data, nil, [3]float64{1, 1, 1}, EncodeOptions{Datatype: DTUint8}))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, DTUint8, img.Header.Datatype)
	assert.Equal(t, data, img.Data)
}

func TestDecodeScaledInt16BigEndian(t *testing.T) {
	h := &Header{
		SizeofHdr: HeaderSize,
		Datatype:  DTInt16,
		Bitpix:    16,
		VoxOffset: 352,
		SclSlope:  2,
		SclInter:  -1,
		QformCode: 1,
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, 2, 1, 1, 1, 1, 1, 1}
	h.Pixdim = [8]float32{1, 0.5, 0.5, 3}
	h.QoffsetX = 4

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, h))
	buf.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&buf, binary.BigEndian, []int16{3, -5}))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, -11}, img.Data)
	assert.Equal(t, [3]float64{0.5, 0.5, 3}, img.Spacing)

	// Identity quaternion: diagonal zooms plus offset
	assert.InDelta(t, 0.5, img.Affine.At(0, 0), 1e-9)
	assert.InDelta(t, 3, img.Affine.At(2, 2), 1e-9)
	assert.InDelta(t, 4, img.Affine.At(0, 3), 1e-9)
}

func TestDecodeErrors(t *testing.T) {
	t.Run("garbage", func(t *testing.T) {
		_, err := Decode(bytes.NewReader(bytes.Repeat([]byte{0xAB}, 400)))
		assert.Error(t, err)
	})

	t.Run("truncated data", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, [3]int{4, 4, 4}, make([]float32, 64), nil, [3]float64{1, 1, 1}, EncodeOptions{}))
		_, err := Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-10]))
		assert.Error(t, err)
	})

	t.Run("4D volume", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, [3]int{2, 2, 2}, make([]float32, 8), nil, [3]float64{1, 1, 1}, EncodeOptions{}))
		raw := buf.Bytes()
		binary.LittleEndian.PutUint16(raw[40:], 4) // dim[0]
		binary.LittleEndian.PutUint16(raw[48:], 3) // dim[4]
		_, err := Decode(bytes.NewReader(raw))
		assert.ErrorContains(t, err, "3D volume")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(t.TempDir(), "absent.nii"))
		assert.True(t, os.IsNotExist(err))
	})
}

// inflatedHeader encodes a small volume, then rewrites its dimensions and
// datatype so the header claims far more data than follows it
func inflatedHeader(t *testing.T, dims [3]int16, datatype int16, payload int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, [3]int{2, 2, 2}, make([]float32, 8), nil, [3]float64{1, 1, 1}, EncodeOptions{}))
	raw := buf.Bytes()[:voxOffset+payload]
	for axis, d := range dims {
		binary.LittleEndian.PutUint16(raw[42+2*axis:], uint16(d))
	}
	binary.LittleEndian.PutUint16(raw[70:], uint16(datatype))
	return raw
}

func TestDecodeOversizedHeader(t *testing.T) {
	t.Run("beyond limit", func(t *testing.T) {
		raw := inflatedHeader(t, [3]int16{32767, 32767, 32767}, DTFloat64, 7)
		_, err := Decode(bytes.NewReader(raw))
		assert.ErrorContains(t, err, "limit")
	})

	t.Run("short gzip stream", func(t *testing.T) {
		raw := inflatedHeader(t, [3]int16{1000, 1000, 500}, DTUint8, 7)
		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		_, err := zw.Write(raw)
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		_, err = Decode(&gz)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("larger than file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken_t2.nii")
		require.NoError(t, os.WriteFile(path, inflatedHeader(t, [3]int16{1000, 1000, 500}, DTUint8, 7), 0644))
		_, err := ReadFile(path)
		assert.ErrorContains(t, err, "file holds 7")
	})
}
