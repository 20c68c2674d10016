package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/nifti"
)

var testShape = [3]int{4, 5, 6}

func diagAffine(sx, sy, sz, tx float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		sx, 0, 0, tx,
		0, sy, 0, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})
}

// writeModality stores a volume whose voxels encode their flat offset plus base
func writeModality(t *testing.T, dir, name string, base float32, affine *mat.Dense, shape [3]int) {
	t.Helper()
	data := make([]float32, shape[0]*shape[1]*shape[2])
	for i := range data {
		data[i] = base + float32(i)
	}
	spacing := [3]float64{affine.At(0, 0), affine.At(1, 1), affine.At(2, 2)}
	require.NoError(t, nifti.WriteFile(filepath.Join(dir, name), shape, data, affine, spacing, nifti.EncodeOptions{}))
}

func writeMask(t *testing.T, dir, name string, shape [3]int) {
	t.Helper()
	data := make([]float32, shape[0]*shape[1]*shape[2])
	data[0], data[1], data[len(data)-1] = 1, 2, 4
	require.NoError(t, nifti.WriteFile(filepath.Join(dir, name), shape, data, nil, [3]float64{1, 1, 2},
		nifti.EncodeOptions{Datatype: nifti.DTUint8}))
}

func patientDir(t *testing.T, root, id string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	return dir
}

func TestLoadAllModalities(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "BraTS_001")
	aff := diagAffine(1, 1, 2, 0)
	writeModality(t, dir, "BraTS_001_t1.nii.gz", 0, aff, testShape)
	writeModality(t, dir, "BraTS_001_t1ce.nii.gz", 1000, aff, testShape)
	writeModality(t, dir, "BraTS_001_t2.nii", 2000, aff, testShape)
	writeModality(t, dir, "BraTS_001_flair.nii", 3000, aff, testShape)
	writeMask(t, dir, "BraTS_001_seg.nii", testShape)

	record, report, err := New(root, DefaultOptions()).LoadWithReport("BraTS_001")
	require.NoError(t, err)

	assert.Equal(t, "BraTS_001", record.ID)
	assert.Len(t, record.Modalities, 4)
	assert.Equal(t, [3]float64{1, 1, 2}, record.Spacing)
	assert.True(t, mat.EqualApprox(aff, record.Affine, 1e-9))
	assert.Len(t, record.Affines, 4)

	// t1ce must not be picked up by the t1 pattern
	assert.Equal(t, float32(0), record.Modalities[models.T1].Data[0])
	assert.Equal(t, float32(1000), record.Modalities[models.T1CE].Data[0])

	require.NotNil(t, record.Mask)
	assert.Equal(t, models.Shape(testShape), record.Mask.Shape)
	assert.Equal(t, []uint8{1, 2, 4}, record.Mask.Labels())

	assert.Equal(t, models.AllModalities, report.Available())
	assert.Empty(t, report.Omitted())
	assert.Equal(t, Loaded, report.Mask.Status)
}

func TestLoadPartialModalities(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p2")
	aff := diagAffine(1, 1, 1, 0)
	writeModality(t, dir, "p2_t1.nii", 0, aff, testShape)
	writeModality(t, dir, "p2_flair.nii", 0, aff, testShape)

	record, report, err := New(root, DefaultOptions()).LoadWithReport("p2")
	require.NoError(t, err)

	assert.Len(t, record.Modalities, 2)
	assert.True(t, record.Has(models.T1))
	assert.True(t, record.Has(models.FLAIR))
	assert.Nil(t, record.Mask)

	assert.Equal(t, []models.Modality{models.T1CE, models.T2}, report.Omitted())
	assert.Equal(t, Missing, report.Modalities[models.T2].Status)
	assert.Equal(t, Missing, report.Mask.Status)
}

func TestLoadMissingPatient(t *testing.T) {
	_, err := New(t.TempDir(), DefaultOptions()).Load("nobody")
	require.Error(t, err)

	var nf *NotFoundError
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "nobody", nf.PatientID)
	assert.True(t, IsNotFound(err))
}

func TestLoadEmptyPatientID(t *testing.T) {
	_, err := New(t.TempDir(), DefaultOptions()).Load("")
	assert.Error(t, err)
}

func TestLoadRejectsPatientOutsideRoot(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "data")
	patientDir(t, root, "inside")
	writeModality(t, patientDir(t, base, "outside"), "outside_t1.nii", 0, diagAffine(1, 1, 1, 0), testShape)

	l := New(root, DefaultOptions())
	for _, id := range []string{"../outside", "inside/../../outside", "/etc", ".", `inside\..`} {
		_, err := l.Load(id)
		require.Error(t, err, id)
		assert.False(t, IsNotFound(err), id)
		assert.Contains(t, err.Error(), "invalid patient id", id)
	}
}

func TestLoadPatientPathErrors(t *testing.T) {
	t.Run("patient is a file", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(root, "p9"), []byte("x"), 0644))
		_, err := New(root, DefaultOptions()).Load("p9")
		assert.True(t, IsNotFound(err))
	})

	t.Run("root is not a directory", func(t *testing.T) {
		root := filepath.Join(t.TempDir(), "root.txt")
		require.NoError(t, os.WriteFile(root, []byte("x"), 0644))
		_, err := New(root, DefaultOptions()).Load("p9")
		require.Error(t, err)
		assert.False(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "failed to access patient p9")
	})
}

func TestLoadDecodeFailureIsIsolated(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p3")
	aff := diagAffine(1, 1, 1, 0)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p3_t1.nii"), []byte("not a nifti file"), 0644))
	writeModality(t, dir, "p3_t2.nii", 0, aff, testShape)

	record, report, err := New(root, DefaultOptions()).LoadWithReport("p3")
	require.NoError(t, err)

	assert.False(t, record.Has(models.T1))
	assert.True(t, record.Has(models.T2))

	entry := report.Modalities[models.T1]
	assert.Equal(t, Failed, entry.Status)
	var derr *ModalityDecodeError
	require.True(t, errors.As(entry.Err, &derr))
	assert.Equal(t, models.T1, derr.Modality)
	assert.Contains(t, report.Failures(), models.T1)
}

func TestLoadOversizedHeaderIsIsolated(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p4")
	aff := diagAffine(1, 1, 1, 0)
	writeModality(t, dir, "p4_t1.nii", 0, aff, testShape)
	writeModality(t, dir, "p4_flair.nii.gz", 0, aff, testShape)

	// A t2 whose header claims 32767³ float64 voxels followed by 7 bytes
	var buf bytes.Buffer
	require.NoError(t, nifti.Encode(&buf, [3]int{2, 2, 2}, make([]float32, 8), nil, [3]float64{1, 1, 1}, nifti.EncodeOptions{}))
	raw := buf.Bytes()[:nifti.HeaderSize+4+7]
	for axis := 0; axis < 3; axis++ {
		binary.LittleEndian.PutUint16(raw[42+2*axis:], 32767)
	}
	binary.LittleEndian.PutUint16(raw[70:], uint16(nifti.DTFloat64))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p4_t2.nii"), raw, 0644))

	record, report, err := New(root, DefaultOptions()).LoadWithReport("p4")
	require.NoError(t, err)

	assert.True(t, record.Has(models.T1))
	assert.True(t, record.Has(models.FLAIR))
	assert.False(t, record.Has(models.T2))

	var derr *ModalityDecodeError
	require.True(t, errors.As(report.Modalities[models.T2].Err, &derr))
	assert.Equal(t, models.T2, derr.Modality)
}

func TestLoadAmbiguousFirstMatchWins(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p4")
	aff := diagAffine(1, 1, 1, 0)
	writeModality(t, dir, "a_t1.nii", 10, aff, testShape)
	writeModality(t, dir, "b_t1.nii", 20, aff, testShape)

	record, err := New(root, DefaultOptions()).Load("p4")
	require.NoError(t, err)
	assert.Equal(t, float32(10), record.Modalities[models.T1].Data[0])
}

func TestLoadMisalignedAffine(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p5")
	writeModality(t, dir, "p5_t1.nii", 0, diagAffine(1, 1, 1, 0), testShape)
	writeModality(t, dir, "p5_t2.nii", 0, diagAffine(1, 1, 1, 5), testShape)

	t.Run("strict", func(t *testing.T) {
		_, report, err := New(root, DefaultOptions()).LoadWithReport("p5")
		var me *MisalignedModalitiesError
		require.True(t, errors.As(err, &me), "got %v", err)
		assert.Equal(t, models.T1, me.Reference)
		assert.Equal(t, []models.Modality{models.T2}, me.Misaligned)
		assert.Equal(t, Misaligned, report.Modalities[models.T2].Status)
	})

	t.Run("lenient", func(t *testing.T) {
		opts := DefaultOptions()
		opts.Policy = Lenient
		record, err := New(root, opts).Load("p5")
		require.NoError(t, err)
		assert.True(t, record.Has(models.T2))
		// The record keeps the first modality's geometry
		assert.Equal(t, 0.0, record.Affine.At(0, 3))
		assert.Equal(t, 5.0, record.Affines[models.T2].At(0, 3))
	})
}

func TestLoadLenientOmitsShapeMismatch(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p6")
	aff := diagAffine(1, 1, 1, 0)
	writeModality(t, dir, "p6_t1.nii", 0, aff, testShape)
	writeModality(t, dir, "p6_t2.nii", 0, aff, [3]int{4, 5, 7})
	writeMask(t, dir, "p6_seg.nii", [3]int{4, 5, 7})

	opts := DefaultOptions()
	opts.Policy = Lenient
	record, report, err := New(root, opts).LoadWithReport("p6")
	require.NoError(t, err)
	assert.False(t, record.Has(models.T2))
	assert.Nil(t, record.Mask)
	assert.Equal(t, Misaligned, report.Mask.Status)
}

func TestLoadMaskOnly(t *testing.T) {
	root := t.TempDir()
	dir := patientDir(t, root, "p7")
	writeMask(t, dir, "p7_seg.nii.gz", testShape)

	record, err := New(root, DefaultOptions()).Load("p7")
	require.NoError(t, err)
	assert.Empty(t, record.Modalities)
	require.NotNil(t, record.Mask)
	assert.Equal(t, [3]float64{1, 1, 2}, record.Spacing)
}
