package mesh

import (
	"fmt"

	"github.com/unixpickle/model3d/model3d"
)

// ToModel3D converts the mesh into a model3d mesh
func (m *Mesh) ToModel3D() *model3d.Mesh {
	out := model3d.NewMesh()
	for _, face := range m.Faces {
		a, b, c := m.Vertices[face[0]], m.Vertices[face[1]], m.Vertices[face[2]]
		out.Add(&model3d.Triangle{
			model3d.XYZ(a[0], a[1], a[2]),
			model3d.XYZ(b[0], b[1], b[2]),
			model3d.XYZ(c[0], c[1], c[2]),
		})
	}
	return out
}

// FromModel3D converts a model3d mesh, merging corners with equal coordinates
// into one vertex
func FromModel3D(mm *model3d.Mesh) *Mesh {
	out := &Mesh{}
	index := make(map[model3d.Coord3D]int)
	mm.Iterate(func(t *model3d.Triangle) {
		var face [3]int
		for i, c := range t {
			id, ok := index[c]
			if !ok {
				id = len(out.Vertices)
				index[c] = id
				out.Vertices = append(out.Vertices, c.Array())
			}
			face[i] = id
		}
		out.Faces = append(out.Faces, face)
	})
	return out
}

// SaveSTL writes the mesh as a binary STL file
func (m *Mesh) SaveSTL(path string) error {
	if m.Empty() {
		return fmt.Errorf("refusing to write empty mesh to %s", path)
	}
	if err := m.ToModel3D().SaveGroupedSTL(path); err != nil {
		return fmt.Errorf("failed to save STL file %s: %w", path, err)
	}
	return nil
}
