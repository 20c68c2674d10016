package loader

import (
	"fmt"
	"strings"

	"neurovoxel/internal/models"
)

// NotFoundError reports a missing patient directory
type NotFoundError struct {
	PatientID string
	Path      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("patient %q not found: no directory %s", e.PatientID, e.Path)
}

// ModalityDecodeError reports a modality file that could not be decoded.
// The loader recovers from it by omitting the modality.
type ModalityDecodeError struct {
	Modality models.Modality
	Path     string
	Err      error
}

func (e *ModalityDecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s from %s: %v", e.Modality, e.Path, e.Err)
}

func (e *ModalityDecodeError) Unwrap() error {
	return e.Err
}

// MisalignedModalitiesError reports modalities whose grid does not match the
// reference modality
type MisalignedModalitiesError struct {
	Reference  models.Modality
	Misaligned []models.Modality
	Reasons    []string
}

func (e *MisalignedModalitiesError) Error() string {
	parts := make([]string, len(e.Misaligned))
	for i, mod := range e.Misaligned {
		parts[i] = fmt.Sprintf("%s (%s)", mod, e.Reasons[i])
	}
	return fmt.Sprintf("modalities not aligned with %s: %s", e.Reference, strings.Join(parts, ", "))
}
