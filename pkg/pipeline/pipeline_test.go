package pipeline

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/analysis"
	"neurovoxel/pkg/inference"
	"neurovoxel/pkg/loader"
	"neurovoxel/pkg/nifti"
)

const patient = "BraTS_042"

var caseShape = [3]int{16, 16, 16}

func caseAffine() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, -8,
		0, 1, 0, -8,
		0, 0, 2, -16,
		0, 0, 0, 1,
	})
}

// writeCase creates a patient with a bright sphere in every modality and two
// labelled cubes in the mask
func writeCase(t *testing.T, root string, mods []models.Modality) {
	t.Helper()
	dir := filepath.Join(root, patient)
	require.NoError(t, os.MkdirAll(dir, 0755))

	shape := models.Shape(caseShape)
	spacing := [3]float64{1, 1, 2}
	for c, mod := range mods {
		data := make([]float32, shape.Len())
		for i := 0; i < shape[0]; i++ {
			for j := 0; j < shape[1]; j++ {
				for k := 0; k < shape[2]; k++ {
					d := math.Sqrt(float64((i-8)*(i-8) + (j-8)*(j-8) + (k-8)*(k-8)))
					if d < 6 {
						data[shape.Index(i, j, k)] = float32(100 + 10*c)
					}
				}
			}
		}
		path := filepath.Join(dir, patient+"_"+string(mod)+".nii.gz")
		require.NoError(t, nifti.WriteFile(path, caseShape, data, caseAffine(), spacing, nifti.EncodeOptions{}))
	}

	mask := make([]float32, shape.Len())
	for i := 5; i <= 7; i++ {
		for j := 5; j <= 7; j++ {
			for k := 5; k <= 7; k++ {
				mask[shape.Index(i, j, k)] = 1
				mask[shape.Index(i+4, j+4, k+4)] = 2
			}
		}
	}
	require.NoError(t, nifti.WriteFile(filepath.Join(dir, patient+"_seg.nii.gz"), caseShape, mask, caseAffine(), spacing,
		nifti.EncodeOptions{Datatype: nifti.DTUint8}))
}

func testParams(root, out string) *Params {
	aopts := analysis.DefaultOptions()
	aopts.SurfaceIterations = 10
	aopts.ContextIterations = 5
	return &Params{
		Root:      root,
		PatientID: patient,
		OutputDir: out,
		NumCores:  2,
		Loader:    loader.DefaultOptions(),
		Analysis:  aopts,
		Labels: []analysis.Label{
			{Name: "necrotic", Value: 1},
			{Name: "edema", Value: 2},
			{Name: "enhancing", Value: 4},
		},
		SaveSTL:       true,
		ExtractSlices: true,
		Infer:         true,
		Backend:       "simulation",
	}
}

func TestProcessFullCase(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	root := t.TempDir()
	out := filepath.Join(t.TempDir(), "out")
	writeCase(t, root, models.AllModalities)

	p, err := New(testParams(root, out))
	require.NoError(t, err)
	summary, err := p.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.AllModalities, summary.Report.Available())
	require.Len(t, summary.Volumes, 3)
	// 27 voxels of 2 mm³ each
	assert.InDelta(t, 0.054, summary.Volumes[0].CM3, 1e-12)
	assert.InDelta(t, 0.054, summary.Volumes[1].CM3, 1e-12)
	assert.Equal(t, 0.0, summary.Volumes[2].CM3)
	assert.InDelta(t, 0.108, summary.TotalCM3, 1e-12)
	assert.NotEmpty(t, summary.Stats)

	require.NotNil(t, summary.Prediction)
	assert.True(t, summary.Prediction.Simulated)
	assert.Equal(t, "simulated prediction", summary.MaskSource)
	assert.Equal(t, summary.Volumes, summary.PredictedVolumes)
	predicted, err := nifti.ReadFile(summary.PredictionPath)
	require.NoError(t, err)
	for i, v := range predicted.Data {
		assert.Equal(t, float32(summary.Record.Mask.Data[i]), v)
	}

	require.Len(t, summary.Surfaces, 3)
	assert.NotNil(t, summary.Surfaces[0].Mesh)
	assert.NotNil(t, summary.Surfaces[1].Mesh)
	assert.Nil(t, summary.Surfaces[2].Mesh, "label 4 is absent")
	assert.FileExists(t, summary.Surfaces[0].Path)
	assert.Empty(t, summary.Surfaces[2].Path)

	require.NotNil(t, summary.Context.Mesh)
	assert.FileExists(t, filepath.Join(out, patient+"_brain.stl"))
	assert.Len(t, summary.Slices, 3)

	var buf bytes.Buffer
	summary.Print(&buf)
	assert.Contains(t, buf.String(), "necrotic")
	assert.Contains(t, buf.String(), "absent")
	assert.Contains(t, buf.String(), "simulated prediction")
	assert.Contains(t, buf.String(), "centre (")
}

func TestProcessPartialCase(t *testing.T) {
	root := t.TempDir()
	writeCase(t, root, []models.Modality{models.T1, models.FLAIR})

	params := testParams(root, t.TempDir())
	params.SaveSTL = false
	params.ExtractSlices = false

	p, err := New(params)
	require.NoError(t, err)
	summary, err := p.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.Modality{models.T1, models.FLAIR}, summary.Report.Available())
	assert.Nil(t, summary.Prediction)

	var incomplete *inference.IncompleteInputError
	require.True(t, errors.As(summary.InferenceErr, &incomplete))
	assert.Equal(t, []models.Modality{models.T1CE, models.T2}, incomplete.Missing)

	// Surfaces still come from the loaded mask
	assert.Equal(t, "ground truth", summary.MaskSource)
	assert.NotNil(t, summary.Surfaces[0].Mesh)
}

func TestProcessSliceSequenceAndROI(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	writeCase(t, root, models.AllModalities)

	params := testParams(root, out)
	params.SaveSTL = false
	params.Infer = false
	params.SliceAxis = "z"
	params.SaveROI = true
	params.ROIMargin = 2

	p, err := New(params)
	require.NoError(t, err)
	summary, err := p.Process(context.Background())
	require.NoError(t, err)

	assert.Len(t, summary.Slices, caseShape[2])
	for _, path := range summary.Slices {
		assert.FileExists(t, path)
	}

	// Labels span voxels 5 to 11 on every axis
	require.NotEmpty(t, summary.ROIPath)
	assert.Equal(t, models.Shape{3, 3, 3}, summary.ROIStart)
	roi, err := nifti.ReadFile(summary.ROIPath)
	require.NoError(t, err)
	assert.Equal(t, [3]int{11, 11, 11}, roi.Shape)
	assert.InDelta(t, -5, roi.Affine.At(0, 3), 1e-6)
	assert.InDelta(t, -5, roi.Affine.At(1, 3), 1e-6)
	assert.InDelta(t, -10, roi.Affine.At(2, 3), 1e-6)

	flair := summary.Record.Modalities[models.FLAIR]
	roiShape := models.Shape(roi.Shape)
	assert.Equal(t, flair.At(8, 8, 8), roi.Data[roiShape.Index(5, 5, 5)])
	assert.Equal(t, flair.At(3, 3, 3), roi.Data[0])

	var buf bytes.Buffer
	summary.Print(&buf)
	assert.Contains(t, buf.String(), "16 images")
	assert.Contains(t, buf.String(), "Tumour region")
}

func TestProcessMissingPatient(t *testing.T) {
	params := testParams(t.TempDir(), t.TempDir())
	params.PatientID = "nobody"

	p, err := New(params)
	require.NoError(t, err)
	_, err = p.Process(context.Background())

	var notFound *loader.NotFoundError
	assert.True(t, errors.As(err, &notFound))
	assert.True(t, loader.IsNotFound(err))
}

func TestNewUnknownBackend(t *testing.T) {
	params := testParams(t.TempDir(), t.TempDir())
	params.Backend = "transformer"
	_, err := New(params)
	assert.Error(t, err)
}
