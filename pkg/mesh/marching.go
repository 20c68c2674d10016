package mesh

import (
	"fmt"
	"math"
)

// Field is a scalar function sampled on a regular 3D grid
type Field interface {
	// Dims returns the number of samples along each axis
	Dims() [3]int

	// At returns the sample at grid point (i, j, k)
	At(i, j, k int) float64
}

// SliceField is a Field backed by a flat slice, axis 2 varying fastest
type SliceField struct {
	Size   [3]int
	Values []float64
}

// Dims implements Field
func (f *SliceField) Dims() [3]int { return f.Size }

// At implements Field
func (f *SliceField) At(i, j, k int) float64 {
	return f.Values[(i*f.Size[1]+j)*f.Size[2]+k]
}

// cube corner c sits at offset (c&1, c>>1&1, c>>2&1)
var cornerOffsets = [8][3]int{
	{0, 0, 0}, {1, 0, 0}, {0, 1, 0}, {1, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {0, 1, 1}, {1, 1, 1},
}

// Every cube is split into six tetrahedra around its 0-7 diagonal. Adjacent
// cubes then share face diagonals, so the extracted surface has no cracks.
var cubeTetrahedra = [6][4]int{
	{0, 1, 3, 7},
	{0, 1, 5, 7},
	{0, 2, 3, 7},
	{0, 2, 6, 7},
	{0, 4, 5, 7},
	{0, 4, 6, 7},
}

// MarchingCubes extracts the isosurface of a Field.
// Samples strictly greater than the iso level are inside the surface.
type MarchingCubes struct {
	field    Field
	isoLevel float64
	scale    [3]float64
}

// NewMarchingCubes creates an extractor for field at the given iso level
func NewMarchingCubes(field Field, isoLevel float64) *MarchingCubes {
	return &MarchingCubes{
		field:    field,
		isoLevel: isoLevel,
		scale:    [3]float64{1, 1, 1},
	}
}

// SetScale sets the physical size of a grid step along each axis
func (mc *MarchingCubes) SetScale(x, y, z float64) {
	mc.scale = [3]float64{x, y, z}
}

type edgeKey struct {
	a, b int
}

type extraction struct {
	mc       *MarchingCubes
	dims     [3]int
	mesh     *Mesh
	vertices map[edgeKey]int
}

// Extract runs the extraction and returns a mesh with shared vertices.
// A field that never crosses the iso level yields an empty mesh.
func (mc *MarchingCubes) Extract() (*Mesh, error) {
	if mc.field == nil {
		return nil, fmt.Errorf("no field to extract from")
	}
	if math.IsNaN(mc.isoLevel) || math.IsInf(mc.isoLevel, 0) {
		return nil, fmt.Errorf("invalid iso level %v", mc.isoLevel)
	}
	for axis, s := range mc.scale {
		if !(s > 0) {
			return nil, fmt.Errorf("invalid scale %v along axis %d", s, axis)
		}
	}

	dims := mc.field.Dims()
	ex := &extraction{
		mc:       mc,
		dims:     dims,
		mesh:     &Mesh{},
		vertices: make(map[edgeKey]int),
	}

	var values [8]float64
	var ids [8]int
	for i := 0; i+1 < dims[0]; i++ {
		for j := 0; j+1 < dims[1]; j++ {
			for k := 0; k+1 < dims[2]; k++ {
				inside := 0
				for c, off := range cornerOffsets {
					ci, cj, ck := i+off[0], j+off[1], k+off[2]
					values[c] = mc.field.At(ci, cj, ck)
					ids[c] = (ci*dims[1]+cj)*dims[2] + ck
					if values[c] > mc.isoLevel {
						inside++
					}
				}
				if inside == 0 || inside == 8 {
					continue
				}
				for _, tet := range cubeTetrahedra {
					ex.polygonizeTetrahedron(tet, &values, &ids)
				}
			}
		}
	}
	return ex.mesh, nil
}

func (ex *extraction) polygonizeTetrahedron(tet [4]int, values *[8]float64, ids *[8]int) {
	var in, out []int
	for _, c := range tet {
		if values[c] > ex.mc.isoLevel {
			in = append(in, c)
		} else {
			out = append(out, c)
		}
	}

	switch len(in) {
	case 0, 4:
		return
	case 1:
		a := in[0]
		ex.addTriangle(in, out, values, ids,
			[2]int{a, out[0]}, [2]int{a, out[1]}, [2]int{a, out[2]})
	case 3:
		a := out[0]
		ex.addTriangle(in, out, values, ids,
			[2]int{in[0], a}, [2]int{in[1], a}, [2]int{in[2], a})
	case 2:
		a, b := in[0], in[1]
		c, d := out[0], out[1]
		// Quad ac-ad-bd-bc split into two triangles
		ex.addTriangle(in, out, values, ids, [2]int{a, c}, [2]int{a, d}, [2]int{b, d})
		ex.addTriangle(in, out, values, ids, [2]int{a, c}, [2]int{b, d}, [2]int{b, c})
	}
}

// addTriangle emits a face whose normal points from the inside corners
// towards the outside corners
func (ex *extraction) addTriangle(in, out []int, values *[8]float64, ids *[8]int, e0, e1, e2 [2]int) {
	v0 := ex.edgeVertex(e0, values, ids)
	v1 := ex.edgeVertex(e1, values, ids)
	v2 := ex.edgeVertex(e2, values, ids)
	if v0 == v1 || v1 == v2 || v0 == v2 {
		return
	}

	dir := sub(ex.centroid(out, ids), ex.centroid(in, ids))
	p := ex.mesh.Vertices
	n := cross(sub(p[v1], p[v0]), sub(p[v2], p[v0]))
	if dot(n, dir) < 0 {
		v1, v2 = v2, v1
	}
	ex.mesh.Faces = append(ex.mesh.Faces, [3]int{v0, v1, v2})
}

// edgeVertex returns the shared vertex where the surface crosses an edge
// between an inside corner and an outside corner
func (ex *extraction) edgeVertex(e [2]int, values *[8]float64, ids *[8]int) int {
	ca, cb := e[0], e[1]
	va, vb := values[ca], values[cb]
	t := (ex.mc.isoLevel - va) / (vb - va)

	// Crossings that land on a grid point are keyed by that point so that
	// all edges meeting there reuse one vertex.
	var key edgeKey
	switch {
	case t <= 1e-9:
		key = edgeKey{ids[ca], ids[ca]}
		t = 0
	case t >= 1-1e-9:
		key = edgeKey{ids[cb], ids[cb]}
		t = 1
	case ids[ca] < ids[cb]:
		key = edgeKey{ids[ca], ids[cb]}
	default:
		key = edgeKey{ids[cb], ids[ca]}
	}
	if idx, ok := ex.vertices[key]; ok {
		return idx
	}

	pa, pb := ex.position(ids[ca]), ex.position(ids[cb])
	v := [3]float64{
		pa[0] + t*(pb[0]-pa[0]),
		pa[1] + t*(pb[1]-pa[1]),
		pa[2] + t*(pb[2]-pa[2]),
	}
	idx := len(ex.mesh.Vertices)
	ex.mesh.Vertices = append(ex.mesh.Vertices, v)
	ex.vertices[key] = idx
	return idx
}

// position converts a flat grid point id to scaled coordinates
func (ex *extraction) position(id int) [3]float64 {
	k := id % ex.dims[2]
	j := (id / ex.dims[2]) % ex.dims[1]
	i := id / (ex.dims[1] * ex.dims[2])
	s := ex.mc.scale
	return [3]float64{float64(i) * s[0], float64(j) * s[1], float64(k) * s[2]}
}

func (ex *extraction) centroid(corners []int, ids *[8]int) [3]float64 {
	var c [3]float64
	for _, corner := range corners {
		p := ex.position(ids[corner])
		c[0] += p[0]
		c[1] += p[1]
		c[2] += p[2]
	}
	n := float64(len(corners))
	return [3]float64{c[0] / n, c[1] / n, c[2] / n}
}
