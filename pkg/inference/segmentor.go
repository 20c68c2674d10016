package inference

import (
	"context"
	"fmt"
	"time"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/logging"
)

// Prediction is a mask produced by a backend
type Prediction struct {
	Mask      *models.LabelGrid
	Backend   string
	Simulated bool
	Elapsed   time.Duration
}

// Segmentor prepares records and runs them through a backend
type Segmentor struct {
	backend Backend
}

// NewSegmentor wraps a backend
func NewSegmentor(b Backend) *Segmentor {
	return &Segmentor{backend: b}
}

// Backend returns the wrapped backend
func (s *Segmentor) Backend() Backend {
	return s.backend
}

// Predict prepares the record, switches the backend to evaluation mode and
// runs it. Any failure is returned as an error with a nil prediction.
func (s *Segmentor) Predict(ctx context.Context, record *models.VolumeRecord) (pred *Prediction, err error) {
	if s.backend == nil {
		return nil, fmt.Errorf("no inference backend")
	}

	defer func() {
		if r := recover(); r != nil {
			pred, err = nil, fmt.Errorf("%s backend panicked: %v", s.backend.Name(), r)
		}
	}()

	t, err := Prepare(record)
	if err != nil {
		return nil, err
	}
	shape, err := voxelShape(t)
	if err != nil {
		return nil, err
	}

	s.backend.SetMode(Evaluation)
	start := time.Now()
	mask, err := s.backend.Predict(ctx, &Input{Tensor: t, Record: record})
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("%s backend failed on %s: %w", s.backend.Name(), record.ID, err)
	}
	if mask == nil {
		return nil, fmt.Errorf("%s backend on %s: %w", s.backend.Name(), record.ID, ErrNoResult)
	}
	if mask.Shape != shape {
		return nil, fmt.Errorf("%s backend returned mask of shape %s for input %s",
			s.backend.Name(), mask.Shape, shape)
	}

	if s.backend.Simulated() {
		logging.Warningf("Record %s: prediction is simulated by the %s backend", record.ID, s.backend.Name())
	}
	logging.Infof("Record %s: %s backend predicted %d labels in %v",
		record.ID, s.backend.Name(), len(mask.Labels()), elapsed)

	return &Prediction{
		Mask:      mask,
		Backend:   s.backend.Name(),
		Simulated: s.backend.Simulated(),
		Elapsed:   elapsed,
	}, nil
}
