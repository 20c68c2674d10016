// Package inference turns a VolumeRecord into the tensor layout a
// segmentation model consumes and runs it through a pluggable backend.
package inference

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"

	"neurovoxel/internal/models"
)

// Channels is the fixed channel order of prepared tensors
var Channels = []models.Modality{models.T1, models.T1CE, models.T2, models.FLAIR}

// IncompleteInputError reports the modalities missing for preprocessing
type IncompleteInputError struct {
	PatientID string
	Missing   []models.Modality
}

func (e *IncompleteInputError) Error() string {
	names := make([]string, len(e.Missing))
	for i, m := range e.Missing {
		names[i] = string(m)
	}
	return fmt.Sprintf("record %s is missing modalities [%s]", e.PatientID, strings.Join(names, ", "))
}

// ShapeMismatchError reports a modality whose grid differs from the first channel
type ShapeMismatchError struct {
	PatientID string
	Modality  models.Modality
	Want, Got models.Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("record %s: modality %s has shape %s, expected %s",
		e.PatientID, e.Modality, e.Got, e.Want)
}

// Prepare stacks the four modalities into a float32 tensor of shape
// (1, 4, X, Y, Z) in channel order t1, t1ce, t2, flair. Values are copied
// without normalization.
func Prepare(record *models.VolumeRecord) (*tensor.Dense, error) {
	if record == nil {
		return nil, fmt.Errorf("nil record")
	}
	if missing := record.Missing(Channels); len(missing) > 0 {
		return nil, &IncompleteInputError{PatientID: record.ID, Missing: missing}
	}

	shape := record.Modalities[Channels[0]].Shape
	for _, mod := range Channels[1:] {
		if got := record.Modalities[mod].Shape; got != shape {
			return nil, &ShapeMismatchError{PatientID: record.ID, Modality: mod, Want: shape, Got: got}
		}
	}

	n := shape.Len()
	backing := make([]float32, len(Channels)*n)
	for c, mod := range Channels {
		copy(backing[c*n:(c+1)*n], record.Modalities[mod].Data)
	}

	return tensor.New(
		tensor.WithShape(1, len(Channels), shape[0], shape[1], shape[2]),
		tensor.WithBacking(backing),
	), nil
}

// voxelShape returns the spatial extent of a prepared tensor
func voxelShape(t *tensor.Dense) (models.Shape, error) {
	s := t.Shape()
	if len(s) != 5 || s[0] != 1 || s[1] != len(Channels) {
		return models.Shape{}, fmt.Errorf("tensor shape %v, want (1, %d, X, Y, Z)", s, len(Channels))
	}
	return models.Shape{s[2], s[3], s[4]}, nil
}
