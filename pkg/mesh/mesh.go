// Package mesh extracts triangulated isosurfaces from 3D scalar fields,
// smooths them, and writes them out as STL.
package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Mesh is an indexed triangle mesh. Faces are wound counter-clockwise when
// seen from outside the surface.
type Mesh struct {
	// Vertices holds vertex positions
	Vertices [][3]float64

	// Faces holds vertex indices of each triangle
	Faces [][3]int
}

// NumVertices returns the number of vertices
func (m *Mesh) NumVertices() int { return len(m.Vertices) }

// NumFaces returns the number of triangles
func (m *Mesh) NumFaces() int { return len(m.Faces) }

// Empty reports whether the mesh has no faces
func (m *Mesh) Empty() bool { return m == nil || len(m.Faces) == 0 }

// Clone returns a deep copy
func (m *Mesh) Clone() *Mesh {
	c := &Mesh{
		Vertices: make([][3]float64, len(m.Vertices)),
		Faces:    make([][3]int, len(m.Faces)),
	}
	copy(c.Vertices, m.Vertices)
	copy(c.Faces, m.Faces)
	return c
}

// Area returns the total surface area
func (m *Mesh) Area() float64 {
	return m.ToModel3D().Area()
}

// Volume returns the enclosed volume.
// It is only meaningful for closed meshes.
func (m *Mesh) Volume() float64 {
	return m.ToModel3D().Volume()
}

// Bounds returns the axis-aligned bounding box
func (m *Mesh) Bounds() (min, max [3]float64) {
	mm := m.ToModel3D()
	lo, hi := mm.Min(), mm.Max()
	return lo.Array(), hi.Array()
}

// Centroid returns the mean vertex position
func (m *Mesh) Centroid() [3]float64 {
	var c [3]float64
	if len(m.Vertices) == 0 {
		return c
	}
	for _, v := range m.Vertices {
		c[0] += v[0]
		c[1] += v[1]
		c[2] += v[2]
	}
	n := float64(len(m.Vertices))
	return [3]float64{c[0] / n, c[1] / n, c[2] / n}
}

// IsClosed reports whether every edge is shared by exactly two faces
func (m *Mesh) IsClosed() bool {
	if len(m.Faces) == 0 {
		return false
	}
	counts := make(map[edgeKey]int, len(m.Faces)*3/2)
	for _, face := range m.Faces {
		for e := 0; e < 3; e++ {
			a, b := face[e], face[(e+1)%3]
			if a > b {
				a, b = b, a
			}
			counts[edgeKey{a, b}]++
		}
	}
	for _, n := range counts {
		if n != 2 {
			return false
		}
	}
	return true
}

// Transform applies a 4x4 homogeneous transform to every vertex in place
func (m *Mesh) Transform(t mat.Matrix) error {
	if r, c := t.Dims(); r != 4 || c != 4 {
		return fmt.Errorf("transform is %dx%d, want 4x4", r, c)
	}
	for i, v := range m.Vertices {
		var out [3]float64
		for row := 0; row < 3; row++ {
			out[row] = t.At(row, 0)*v[0] + t.At(row, 1)*v[1] + t.At(row, 2)*v[2] + t.At(row, 3)
		}
		m.Vertices[i] = out
	}
	if det := mat.Det(t); det < 0 {
		// Mirroring flips the winding
		for f, face := range m.Faces {
			m.Faces[f] = [3]int{face[0], face[2], face[1]}
		}
	}
	return nil
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
