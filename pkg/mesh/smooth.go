package mesh

import (
	"math"
	"sort"
)

// DefaultRelaxation is the fraction of the Laplacian step applied per iteration
const DefaultRelaxation = 0.01

// snap is the grid smoothed coordinates are rounded to, in mesh units
const snap = 1e-6

// Smooth applies Laplacian smoothing in place: on every iteration each vertex
// moves by relaxation times the offset to the mean of its neighbours, all
// vertices being updated from the previous iteration's positions. Thin
// features can shrink away; the surface is not guaranteed to stay closed.
//
// Vertices come back in lexicographic order of their rounded positions, so
// smoothing the same mesh twice gives identical vertex and face lists.
func (m *Mesh) Smooth(iterations int, relaxation float64) *Mesh {
	if m == nil || iterations <= 0 || len(m.Faces) == 0 {
		return m
	}
	if relaxation <= 0 {
		relaxation = DefaultRelaxation
	}

	rates := make([]float64, iterations)
	for i := range rates {
		rates[i] = relaxation
	}
	smoothed := FromModel3D(m.ToModel3D().Blur(rates...))
	for i, v := range smoothed.Vertices {
		for axis := range v {
			smoothed.Vertices[i][axis] = math.Round(v[axis]/snap) * snap
		}
	}
	smoothed.canonicalize()
	*m = *smoothed
	return m
}

// canonicalize sorts the vertices lexicographically and the faces by their
// rotated index triples, keeping each face's winding
func (m *Mesh) canonicalize() {
	order := make([]int, len(m.Vertices))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return lessPoint(m.Vertices[order[i]], m.Vertices[order[j]])
	})

	remap := make([]int, len(order))
	vertices := make([][3]float64, len(order))
	for newIdx, oldIdx := range order {
		remap[oldIdx] = newIdx
		vertices[newIdx] = m.Vertices[oldIdx]
	}
	m.Vertices = vertices

	for f, face := range m.Faces {
		a, b, c := remap[face[0]], remap[face[1]], remap[face[2]]
		switch {
		case b < a && b < c:
			a, b, c = b, c, a
		case c < a && c < b:
			a, b, c = c, a, b
		}
		m.Faces[f] = [3]int{a, b, c}
	}
	sort.Slice(m.Faces, func(i, j int) bool {
		fi, fj := m.Faces[i], m.Faces[j]
		for k := 0; k < 3; k++ {
			if fi[k] != fj[k] {
				return fi[k] < fj[k]
			}
		}
		return false
	})
}

func lessPoint(a, b [3]float64) bool {
	for axis := 0; axis < 3; axis++ {
		if a[axis] != b[axis] {
			return a[axis] < b[axis]
		}
	}
	return false
}
