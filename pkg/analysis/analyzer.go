// Package analysis derives volumes, surfaces and region statistics from a
// patient's VolumeRecord.
//
// Missing data is never an error here: a record without a mask measures 0 and
// has no surfaces, and extraction problems are logged and reported as a nil
// mesh.
package analysis

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/logging"
	"neurovoxel/pkg/mesh"
)

// ThresholdMode selects how the context surface threshold is chosen
type ThresholdMode string

const (
	// FixedThreshold uses Options.ContextThreshold as is
	FixedThreshold ThresholdMode = "fixed"

	// PercentileThreshold uses a percentile of the non-zero reference intensities
	PercentileThreshold ThresholdMode = "percentile"
)

// Options holds the surface extraction parameters
type Options struct {
	// SurfaceIso is the iso level applied to binary label fields
	SurfaceIso float64

	// SurfaceIterations is the number of smoothing passes for label surfaces
	SurfaceIterations int

	// ContextIterations is the number of smoothing passes for the context shell
	ContextIterations int

	// Relaxation is the smoothing step size
	Relaxation float64

	// ContextModality is the intensity volume the context shell is built from
	ContextModality models.Modality

	// ContextMode selects between a fixed and a percentile threshold
	ContextMode ThresholdMode

	// ContextThreshold separates background air from tissue in fixed mode
	ContextThreshold float64

	// ContextPercentile, in (0, 100), is used in percentile mode
	ContextPercentile float64
}

// DefaultOptions returns the standard extraction parameters
func DefaultOptions() Options {
	return Options{
		SurfaceIso:        0.5,
		SurfaceIterations: 100,
		ContextIterations: 50,
		Relaxation:        mesh.DefaultRelaxation,
		ContextModality:   models.T1,
		ContextMode:       FixedThreshold,
		ContextThreshold:  10,
		ContextPercentile: 5,
	}
}

// Label names a value of the mask labelling scheme
type Label struct {
	Name  string
	Value uint8
}

// LabelVolume is the measured size of one label
type LabelVolume struct {
	Label  Label
	Voxels int
	CM3    float64
}

// Analyzer computes measurements and surfaces. It holds no per-record state
// and is safe for concurrent use.
type Analyzer struct {
	opts Options
}

// New creates an analyzer, filling unset options with defaults
func New(opts Options) *Analyzer {
	defaults := DefaultOptions()
	if opts.SurfaceIso == 0 {
		opts.SurfaceIso = defaults.SurfaceIso
	}
	if opts.SurfaceIterations < 0 {
		opts.SurfaceIterations = defaults.SurfaceIterations
	}
	if opts.ContextIterations < 0 {
		opts.ContextIterations = defaults.ContextIterations
	}
	if opts.Relaxation <= 0 {
		opts.Relaxation = defaults.Relaxation
	}
	if opts.ContextModality == "" {
		opts.ContextModality = defaults.ContextModality
	}
	if opts.ContextMode == "" {
		opts.ContextMode = defaults.ContextMode
	}
	if opts.ContextPercentile <= 0 || opts.ContextPercentile >= 100 {
		opts.ContextPercentile = defaults.ContextPercentile
	}
	return &Analyzer{opts: opts}
}

// Options returns the effective options
func (a *Analyzer) Options() Options {
	return a.opts
}

// MeasureVolume returns the physical volume in cm³ of the voxels carrying
// label. A record without a mask, or a label with no voxels, measures 0.
func (a *Analyzer) MeasureVolume(record *models.VolumeRecord, label uint8) float64 {
	if record == nil || record.Mask == nil {
		return 0
	}
	return voxelsToCM3(record.Mask.Count(label), record.Spacing)
}

// MeasureAll measures every label in order
func (a *Analyzer) MeasureAll(record *models.VolumeRecord, labels []Label) []LabelVolume {
	out := make([]LabelVolume, 0, len(labels))
	for _, l := range labels {
		n := 0
		if record != nil && record.Mask != nil {
			n = record.Mask.Count(l.Value)
		}
		lv := LabelVolume{Label: l, Voxels: n}
		if record != nil {
			lv.CM3 = voxelsToCM3(n, record.Spacing)
		}
		out = append(out, lv)
	}
	return out
}

// TotalVolume sums measured volumes in cm³
func TotalVolume(volumes []LabelVolume) float64 {
	total := 0.0
	for _, v := range volumes {
		total += v.CM3
	}
	return total
}

func voxelsToCM3(n int, spacing [3]float64) float64 {
	return float64(n) * (spacing[0] * spacing[1] * spacing[2]) / 1000
}

// ExtractSurface returns the smoothed surface of the region carrying label,
// in millimetres with the origin at voxel (0, 0, 0). It returns nil when the
// record has no mask, the label has no voxels or extraction yields nothing.
func (a *Analyzer) ExtractSurface(record *models.VolumeRecord, label uint8) *mesh.Mesh {
	if record == nil || record.Mask == nil {
		return nil
	}
	if record.Mask.Count(label) == 0 {
		logging.Debugf("Record %s: label %d not present, no surface", record.ID, label)
		return nil
	}

	field := indicatorField{mask: record.Mask, label: label}
	m, err := a.extract(field, a.opts.SurfaceIso, record.Spacing, a.opts.SurfaceIterations)
	if err != nil {
		logging.Warningf("Record %s: surface extraction for label %d failed: %v", record.ID, label, err)
		return nil
	}
	logging.Debugf("Record %s: label %d surface has %d vertices, %d faces",
		record.ID, label, m.NumVertices(), m.NumFaces())
	return m
}

// ExtractContextSurface returns a coarse anatomical shell from the context
// modality, or nil when that modality is not loaded or nothing crosses the
// threshold
func (a *Analyzer) ExtractContextSurface(record *models.VolumeRecord) *mesh.Mesh {
	if record == nil {
		return nil
	}
	grid, ok := record.Modalities[a.opts.ContextModality]
	if !ok || grid == nil {
		logging.Debugf("Record %s: no %s volume, no context surface", record.ID, a.opts.ContextModality)
		return nil
	}

	iso := a.ContextThreshold(grid)
	m, err := a.extract(intensityField{grid: grid}, iso, record.Spacing, a.opts.ContextIterations)
	if err != nil {
		logging.Warningf("Record %s: context surface extraction failed: %v", record.ID, err)
		return nil
	}
	logging.Debugf("Record %s: context surface at %.4g has %d faces", record.ID, iso, m.NumFaces())
	return m
}

// ContextThreshold returns the iso level used for the context shell of grid
func (a *Analyzer) ContextThreshold(grid *models.Grid) float64 {
	if a.opts.ContextMode != PercentileThreshold {
		return a.opts.ContextThreshold
	}

	var values []float64
	for _, v := range grid.Data {
		if v != 0 {
			values = append(values, float64(v))
		}
	}
	if len(values) == 0 {
		return a.opts.ContextThreshold
	}
	sort.Float64s(values)
	return stat.Quantile(a.opts.ContextPercentile/100, stat.Empirical, values, nil)
}

func (a *Analyzer) extract(field mesh.Field, iso float64, spacing [3]float64, iterations int) (*mesh.Mesh, error) {
	mc := mesh.NewMarchingCubes(field, iso)
	mc.SetScale(spacing[0], spacing[1], spacing[2])
	m, err := mc.Extract()
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return nil, fmt.Errorf("isosurface at %.4g is empty", iso)
	}
	return m.Smooth(iterations, a.opts.Relaxation), nil
}
