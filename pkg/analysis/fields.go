package analysis

import "neurovoxel/internal/models"

// indicatorField exposes a label grid as a binary field: 1 where the voxel
// carries the label, 0 elsewhere
type indicatorField struct {
	mask  *models.LabelGrid
	label uint8
}

func (f indicatorField) Dims() [3]int { return f.mask.Shape }

func (f indicatorField) At(i, j, k int) float64 {
	if f.mask.At(i, j, k) == f.label {
		return 1
	}
	return 0
}

// intensityField exposes an intensity grid as a field
type intensityField struct {
	grid *models.Grid
}

func (f intensityField) Dims() [3]int { return f.grid.Shape }

func (f intensityField) At(i, j, k int) float64 {
	return float64(f.grid.At(i, j, k))
}
