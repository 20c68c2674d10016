// Package visualization renders 2D slices of a study, optionally with the
// label mask blended on top, and writes them as JPEG images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"neurovoxel/internal/models"
)

// labelColors are the overlay colours of the BraTS labels; other labels are blue
var labelColors = map[uint8]color.RGBA{
	1: {R: 255, A: 255},
	2: {G: 255, A: 255},
	4: {R: 255, G: 255, A: 255},
}

var defaultLabelColor = color.RGBA{B: 255, A: 255}

// overlayAlpha is the weight of the label colour over the intensity
const overlayAlpha = 0.4

// Viewer extracts slices from an intensity volume
type Viewer struct {
	// grid holds the intensities
	grid *models.Grid

	// mask is the optional label overlay
	mask *models.LabelGrid

	// intensity window mapped to black and white
	low, high float32
}

// NewViewer creates a viewer for grid with an optional mask overlay. The
// display window spans the minimum to maximum intensity.
func NewViewer(grid *models.Grid, mask *models.LabelGrid) (*Viewer, error) {
	if grid == nil || len(grid.Data) == 0 {
		return nil, fmt.Errorf("viewer needs a non-empty volume")
	}
	if mask != nil && mask.Shape != grid.Shape {
		return nil, fmt.Errorf("mask shape %s does not match volume shape %s", mask.Shape, grid.Shape)
	}

	low, high := grid.Data[0], grid.Data[0]
	for _, v := range grid.Data[1:] {
		if v < low {
			low = v
		}
		if v > high {
			high = v
		}
	}
	return &Viewer{grid: grid, mask: mask, low: low, high: high}, nil
}

// Dims returns the number of slices along each axis
func (v *Viewer) Dims() models.Shape {
	return v.grid.Shape
}

func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the plane at position along axis. Without a mask the
// result is 16-bit grey, with a mask it is RGBA with labels blended in.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	s := v.grid.Shape
	if position >= s[a] {
		return nil, fmt.Errorf("position %d exceeds extent %d along %s", position, s[a], axis)
	}

	// The two in-plane axes, in grid order, become image columns and rows
	cols, rows := 1, 2
	switch a {
	case 1:
		cols, rows = 0, 2
	case 2:
		cols, rows = 0, 1
	}
	width, height := s[cols], s[rows]

	voxel := func(x, y int) int {
		var idx [3]int
		idx[a] = position
		idx[cols] = x
		idx[rows] = y
		return s.Index(idx[0], idx[1], idx[2])
	}

	if v.mask == nil {
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: v.gray16(v.grid.Data[voxel(x, y)])})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			idx := voxel(x, y)
			g := uint8(v.gray16(v.grid.Data[idx]) >> 8)
			px := color.RGBA{R: g, G: g, B: g, A: 255}
			if l := v.mask.Data[idx]; l != 0 {
				px = blend(px, colorFor(l))
			}
			img.SetRGBA(x, y, px)
		}
	}
	return img, nil
}

func (v *Viewer) gray16(value float32) uint16 {
	if v.high <= v.low {
		return 0
	}
	n := float64(value-v.low) / float64(v.high-v.low)
	return uint16(math.Max(0, math.Min(65535, math.Round(n*65535))))
}

func colorFor(label uint8) color.RGBA {
	if c, ok := labelColors[label]; ok {
		return c
	}
	return defaultLabelColor
}

func blend(base, over color.RGBA) color.RGBA {
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-overlayAlpha) + float64(b)*overlayAlpha))
	}
	return color.RGBA{R: mix(base.R, over.R), G: mix(base.G, over.G), B: mix(base.B, over.B), A: 255}
}

// ExtractRegion copies a box of the volume into a new grid
func (v *Viewer) ExtractRegion(start, size models.Shape) (*models.Grid, error) {
	s := v.grid.Shape
	for a := 0; a < 3; a++ {
		if start[a] < 0 {
			return nil, fmt.Errorf("start coordinates must be non-negative")
		}
		if size[a] <= 0 {
			return nil, fmt.Errorf("size dimensions must be positive")
		}
		if start[a]+size[a] > s[a] {
			return nil, fmt.Errorf("region extends beyond volume boundaries")
		}
	}

	region := models.NewGrid(size)
	for i := 0; i < size[0]; i++ {
		for j := 0; j < size[1]; j++ {
			src := s.Index(start[0]+i, start[1]+j, start[2])
			dst := size.Index(i, j, 0)
			copy(region.Data[dst:dst+size[2]], v.grid.Data[src:src+size[2]])
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
// and returns the paths written
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) ([]string, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, v.grid.Shape[a])
	for pos := 0; pos < v.grid.Shape[a]; pos++ {
		if err := v.saveAt(axis, pos, outputDir); err != nil {
			return paths, err
		}
		paths = append(paths, sliceFilename(outputDir, axis, pos))
	}
	return paths, nil
}

// SaveMidSlices saves the middle slice along each axis and returns the paths
func (v *Viewer) SaveMidSlices(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	for a, axis := range []string{"x", "y", "z"} {
		pos := v.grid.Shape[a] / 2
		if err := v.saveAt(axis, pos, outputDir); err != nil {
			return paths, err
		}
		paths = append(paths, sliceFilename(outputDir, axis, pos))
	}
	return paths, nil
}

func (v *Viewer) saveAt(axis string, pos int, outputDir string) error {
	img, err := v.ExtractSlice(axis, pos)
	if err != nil {
		return err
	}
	return v.SaveSlice(img, sliceFilename(outputDir, axis, pos))
}

func sliceFilename(dir, axis string, pos int) string {
	return filepath.Join(dir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
}
