package analysis

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/mesh"
)

// Stats summarizes the intensities of one modality inside one label
type Stats struct {
	Label    uint8
	Modality models.Modality
	Voxels   int
	Mean     float64
	StdDev   float64
	Min      float64
	Max      float64
}

func (s Stats) String() string {
	return fmt.Sprintf("label %d in %s: n=%d mean=%.2f std=%.2f range=[%.2f, %.2f]",
		s.Label, s.Modality, s.Voxels, s.Mean, s.StdDev, s.Min, s.Max)
}

// RegionStats computes intensity statistics of a modality over the voxels
// carrying label. It reports false when the mask or modality is missing or
// the label has no voxels.
func (a *Analyzer) RegionStats(record *models.VolumeRecord, label uint8, mod models.Modality) (Stats, bool) {
	if record == nil || record.Mask == nil {
		return Stats{}, false
	}
	grid, ok := record.Modalities[mod]
	if !ok || grid.Shape != record.Mask.Shape {
		return Stats{}, false
	}

	var values []float64
	for i, l := range record.Mask.Data {
		if l == label {
			values = append(values, float64(grid.Data[i]))
		}
	}
	if len(values) == 0 {
		return Stats{}, false
	}

	s := Stats{
		Label:    label,
		Modality: mod,
		Voxels:   len(values),
		Min:      floats.Min(values),
		Max:      floats.Max(values),
	}
	if len(values) == 1 {
		s.Mean = values[0]
		return s, true
	}
	s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	return s, true
}

// ScannerTransform returns the transform taking mesh coordinates, which are
// millimetres from voxel (0, 0, 0) along the grid axes, to scanner space
func ScannerTransform(record *models.VolumeRecord) (*mat.Dense, error) {
	for axis, s := range record.Spacing {
		if !(s > 0) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("record %s: invalid spacing %g along axis %d", record.ID, s, axis)
		}
	}
	unscale := mat.NewDiagDense(4, []float64{
		1 / record.Spacing[0],
		1 / record.Spacing[1],
		1 / record.Spacing[2],
		1,
	})
	var t mat.Dense
	t.Mul(record.Affine, unscale)
	return &t, nil
}

// ToScannerSpace moves a mesh extracted from record into scanner coordinates
func ToScannerSpace(record *models.VolumeRecord, m *mesh.Mesh) error {
	if m == nil {
		return nil
	}
	t, err := ScannerTransform(record)
	if err != nil {
		return err
	}
	return m.Transform(t)
}
