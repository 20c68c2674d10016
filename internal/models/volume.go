package models

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Modality identifies one MRI acquisition channel of a study
type Modality string

const (
	T1    Modality = "t1"
	T1CE  Modality = "t1ce"
	T2    Modality = "t2"
	FLAIR Modality = "flair"
)

// AllModalities lists the supported modalities in canonical channel order
var AllModalities = []Modality{T1, T1CE, T2, FLAIR}

// Shape is the extent of a 3D grid along its three axes.
// Axis 0 varies slowest in memory, axis 2 fastest.
type Shape [3]int

// Len returns the number of voxels covered by the shape
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Index converts 3D voxel coordinates to the flat offset
func (s Shape) Index(i, j, k int) int {
	return (i*s[1]+j)*s[2] + k
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Grid is a 3D volume of intensity values
type Grid struct {
	// Shape is the extent of the grid along each axis
	Shape Shape

	// Data holds the voxel values in row-major order
	Data []float32
}

// NewGrid allocates a zero-filled grid of the given shape
func NewGrid(shape Shape) *Grid {
	return &Grid{Shape: shape, Data: make([]float32, shape.Len())}
}

// At returns the value at voxel (i, j, k)
func (g *Grid) At(i, j, k int) float32 {
	return g.Data[g.Shape.Index(i, j, k)]
}

// Set stores a value at voxel (i, j, k)
func (g *Grid) Set(i, j, k int, v float32) {
	g.Data[g.Shape.Index(i, j, k)] = v
}

// LabelGrid is a 3D volume of small unsigned integer labels, 0 being background
type LabelGrid struct {
	Shape Shape
	Data  []uint8
}

// NewLabelGrid allocates a background-filled label grid
func NewLabelGrid(shape Shape) *LabelGrid {
	return &LabelGrid{Shape: shape, Data: make([]uint8, shape.Len())}
}

// At returns the label at voxel (i, j, k)
func (g *LabelGrid) At(i, j, k int) uint8 {
	return g.Data[g.Shape.Index(i, j, k)]
}

// Set stores a label at voxel (i, j, k)
func (g *LabelGrid) Set(i, j, k int, v uint8) {
	g.Data[g.Shape.Index(i, j, k)] = v
}

// Count returns the number of voxels carrying the label
func (g *LabelGrid) Count(label uint8) int {
	n := 0
	for _, v := range g.Data {
		if v == label {
			n++
		}
	}
	return n
}

// Labels returns the distinct non-background labels present, ascending
func (g *LabelGrid) Labels() []uint8 {
	var seen [256]bool
	for _, v := range g.Data {
		seen[v] = true
	}
	var labels []uint8
	for l := 1; l < len(seen); l++ {
		if seen[l] {
			labels = append(labels, uint8(l))
		}
	}
	return labels
}

// Extent returns the bounding box of the non-background voxels as a start
// corner and a size. ok is false when every voxel is background.
func (g *LabelGrid) Extent() (start, size Shape, ok bool) {
	lo := g.Shape
	var hi Shape
	for i := 0; i < g.Shape[0]; i++ {
		for j := 0; j < g.Shape[1]; j++ {
			for k := 0; k < g.Shape[2]; k++ {
				if g.At(i, j, k) == 0 {
					continue
				}
				ok = true
				for a, c := range [3]int{i, j, k} {
					lo[a] = min(lo[a], c)
					hi[a] = max(hi[a], c)
				}
			}
		}
	}
	if !ok {
		return Shape{}, Shape{}, false
	}
	for a := 0; a < 3; a++ {
		size[a] = hi[a] - lo[a] + 1
	}
	return lo, size, true
}

// Clone returns a deep copy of the label grid
func (g *LabelGrid) Clone() *LabelGrid {
	data := make([]uint8, len(g.Data))
	copy(data, g.Data)
	return &LabelGrid{Shape: g.Shape, Data: data}
}

// VolumeRecord holds one patient's aligned imaging study.
// It is built once by the loader and must be treated as read-only afterwards.
type VolumeRecord struct {
	// ID identifies the study; it is the patient identifier used at load time
	ID string

	// Modalities maps each successfully loaded modality to its intensity grid
	Modalities map[Modality]*Grid

	// Mask is the optional label mask
	Mask *LabelGrid

	// Affine maps voxel indices to scanner space. It is taken from the first
	// modality that loaded.
	Affine *mat.Dense

	// Affines keeps the affine decoded for every loaded modality
	Affines map[Modality]*mat.Dense

	// Spacing is the voxel edge length in mm along each axis
	Spacing [3]float64
}

// NewVolumeRecord assembles a record and checks its invariants
func NewVolumeRecord(id string, modalities map[Modality]*Grid, mask *LabelGrid, affine *mat.Dense, spacing [3]float64) (*VolumeRecord, error) {
	if modalities == nil {
		modalities = make(map[Modality]*Grid)
	}
	if affine == nil {
		affine = IdentityAffine()
	}
	r := &VolumeRecord{
		ID:         id,
		Modalities: modalities,
		Mask:       mask,
		Affine:     affine,
		Affines:    make(map[Modality]*mat.Dense),
		Spacing:    spacing,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate checks the record invariants
func (r *VolumeRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("volume record has an empty id")
	}
	for axis, s := range r.Spacing {
		if !(s > 0) {
			return fmt.Errorf("record %s: spacing along axis %d is %g, must be positive", r.ID, axis, s)
		}
	}
	if rows, cols := r.Affine.Dims(); rows != 4 || cols != 4 {
		return fmt.Errorf("record %s: affine is %dx%d, want 4x4", r.ID, rows, cols)
	}

	var ref Shape
	var refMod Modality
	for _, mod := range r.ModalityNames() {
		g := r.Modalities[mod]
		if g == nil || len(g.Data) != g.Shape.Len() {
			return fmt.Errorf("record %s: modality %s has inconsistent data", r.ID, mod)
		}
		if refMod == "" {
			ref, refMod = g.Shape, mod
			continue
		}
		if g.Shape != ref {
			return fmt.Errorf("record %s: modality %s shape %s differs from %s shape %s",
				r.ID, mod, g.Shape, refMod, ref)
		}
	}
	if r.Mask != nil {
		if len(r.Mask.Data) != r.Mask.Shape.Len() {
			return fmt.Errorf("record %s: mask has inconsistent data", r.ID)
		}
		if refMod != "" && r.Mask.Shape != ref {
			return fmt.Errorf("record %s: mask shape %s differs from modality shape %s",
				r.ID, r.Mask.Shape, ref)
		}
	}
	return nil
}

// Has reports whether the modality was loaded
func (r *VolumeRecord) Has(mod Modality) bool {
	_, ok := r.Modalities[mod]
	return ok
}

// ModalityNames returns the loaded modalities in canonical order
func (r *VolumeRecord) ModalityNames() []Modality {
	names := make([]Modality, 0, len(r.Modalities))
	for _, mod := range AllModalities {
		if r.Has(mod) {
			names = append(names, mod)
		}
	}
	// Unknown keys go last so nothing is silently dropped
	var extra []string
	for mod := range r.Modalities {
		if !isKnown(mod) {
			extra = append(extra, string(mod))
		}
	}
	sort.Strings(extra)
	for _, e := range extra {
		names = append(names, Modality(e))
	}
	return names
}

// Missing returns the required modalities that are not loaded, preserving their order
func (r *VolumeRecord) Missing(required []Modality) []Modality {
	var missing []Modality
	for _, mod := range required {
		if !r.Has(mod) {
			missing = append(missing, mod)
		}
	}
	return missing
}

// Shape returns the common grid shape, or false if the record holds no grids
func (r *VolumeRecord) Shape() (Shape, bool) {
	for _, mod := range r.ModalityNames() {
		return r.Modalities[mod].Shape, true
	}
	if r.Mask != nil {
		return r.Mask.Shape, true
	}
	return Shape{}, false
}

// VoxelVolume returns the physical volume of one voxel in mm³
func (r *VolumeRecord) VoxelVolume() float64 {
	return r.Spacing[0] * r.Spacing[1] * r.Spacing[2]
}

func (r *VolumeRecord) String() string {
	mods := make([]string, 0, len(r.Modalities))
	for _, mod := range r.ModalityNames() {
		mods = append(mods, string(mod))
	}
	mask := "no"
	if r.Mask != nil {
		mask = "yes"
	}
	shape := "none"
	if s, ok := r.Shape(); ok {
		shape = s.String()
	}
	return fmt.Sprintf("VolumeRecord{id=%s modalities=[%s] mask=%s shape=%s spacing=%.2fx%.2fx%.2f}",
		r.ID, strings.Join(mods, ","), mask, shape, r.Spacing[0], r.Spacing[1], r.Spacing[2])
}

// IdentityAffine returns a 4x4 identity transform
func IdentityAffine() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

func isKnown(mod Modality) bool {
	for _, m := range AllModalities {
		if m == mod {
			return true
		}
	}
	return false
}
