package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"gorgonia.org/tensor"

	"neurovoxel/internal/models"
)

// Mode is the execution mode of a backend
type Mode int

const (
	Training Mode = iota
	Evaluation
)

func (m Mode) String() string {
	if m == Evaluation {
		return "evaluation"
	}
	return "training"
}

// ErrNoResult is returned when a backend has no mask to offer
var ErrNoResult = errors.New("backend produced no result")

// Input is what a backend predicts from
type Input struct {
	// Tensor is the prepared (1, 4, X, Y, Z) tensor
	Tensor *tensor.Dense

	// Record is the study the tensor was prepared from
	Record *models.VolumeRecord
}

// Backend produces a label mask from prepared input
type Backend interface {
	// Name identifies the backend in logs and summaries
	Name() string

	// Simulated reports whether predictions are stand-ins rather than model output
	Simulated() bool

	SetMode(Mode)
	Mode() Mode

	// Predict returns a mask with the tensor's spatial shape. Backends refuse
	// to predict outside evaluation mode.
	Predict(ctx context.Context, in *Input) (*models.LabelGrid, error)
}

// BackendOptions configures NewBackend
type BackendOptions struct {
	// Latency is the artificial delay of the simulation backend
	Latency time.Duration

	// WeightsFile is the YAML weights file of the linear backend
	WeightsFile string
}

// NewBackend returns the backend registered under kind
func NewBackend(kind string, opts BackendOptions) (Backend, error) {
	switch kind {
	case "", "simulation":
		return NewSimulationBackend(opts.Latency), nil
	case "linear":
		if opts.WeightsFile == "" {
			return nil, fmt.Errorf("linear backend needs a weights file")
		}
		return LoadLinearBackend(opts.WeightsFile)
	default:
		return nil, fmt.Errorf("unknown inference backend %q", kind)
	}
}

func checkMode(b Backend) error {
	if b.Mode() != Evaluation {
		return fmt.Errorf("%s backend is in %s mode", b.Name(), b.Mode())
	}
	return nil
}

// SimulationBackend stands in for a trained model by returning the record's
// ground-truth mask
type SimulationBackend struct {
	latency time.Duration
	mode    Mode
}

// NewSimulationBackend creates a simulation backend that waits latency before answering
func NewSimulationBackend(latency time.Duration) *SimulationBackend {
	return &SimulationBackend{latency: latency}
}

func (b *SimulationBackend) Name() string { return "simulation" }
func (b *SimulationBackend) Simulated() bool { return true }
func (b *SimulationBackend) SetMode(m Mode) { b.mode = m }
func (b *SimulationBackend) Mode() Mode { return b.mode }

// Predict implements Backend
func (b *SimulationBackend) Predict(ctx context.Context, in *Input) (*models.LabelGrid, error) {
	if err := checkMode(b); err != nil {
		return nil, err
	}
	if b.latency > 0 {
		timer := time.NewTimer(b.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	if in == nil || in.Record == nil || in.Record.Mask == nil {
		return nil, ErrNoResult
	}
	return in.Record.Mask.Clone(), nil
}

// LinearWeights is the on-disk form of a per-voxel linear classifier
type LinearWeights struct {
	// Labels are the output classes, background included
	Labels []int `yaml:"labels"`

	// Weights holds one row of channel weights per label
	Weights [][]float32 `yaml:"weights"`

	// Bias holds one offset per label
	Bias []float32 `yaml:"bias"`
}

// Validate checks that the weights fit the channel layout
func (w *LinearWeights) Validate() error {
	if len(w.Labels) == 0 {
		return fmt.Errorf("no labels")
	}
	if len(w.Weights) != len(w.Labels) {
		return fmt.Errorf("%d weight rows for %d labels", len(w.Weights), len(w.Labels))
	}
	if len(w.Bias) != len(w.Labels) {
		return fmt.Errorf("%d biases for %d labels", len(w.Bias), len(w.Labels))
	}
	for _, l := range w.Labels {
		if l < 0 || l > 255 {
			return fmt.Errorf("label %d out of range", l)
		}
	}
	for i, row := range w.Weights {
		if len(row) != len(Channels) {
			return fmt.Errorf("label %d has %d weights, want %d", w.Labels[i], len(row), len(Channels))
		}
	}
	return nil
}

// LinearBackend scores every voxel with one linear function per label and
// keeps the best scoring label
type LinearBackend struct {
	weights LinearWeights
	mode    Mode
}

// NewLinearBackend creates a linear backend from weights
func NewLinearBackend(w LinearWeights) (*LinearBackend, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid linear weights: %w", err)
	}
	return &LinearBackend{weights: w}, nil
}

// LoadLinearBackend reads weights from a YAML file
func LoadLinearBackend(path string) (*LinearBackend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading weights file: %w", err)
	}
	var w LinearWeights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("error parsing weights file: %w", err)
	}
	return NewLinearBackend(w)
}

func (b *LinearBackend) Name() string { return "linear" }
func (b *LinearBackend) Simulated() bool { return false }
func (b *LinearBackend) SetMode(m Mode) { b.mode = m }
func (b *LinearBackend) Mode() Mode { return b.mode }

// Predict implements Backend
func (b *LinearBackend) Predict(ctx context.Context, in *Input) (*models.LabelGrid, error) {
	if err := checkMode(b); err != nil {
		return nil, err
	}
	if in == nil || in.Tensor == nil {
		return nil, fmt.Errorf("no input tensor")
	}
	shape, err := voxelShape(in.Tensor)
	if err != nil {
		return nil, err
	}
	data, ok := in.Tensor.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor dtype %v, want float32", in.Tensor.Dtype())
	}

	n := shape.Len()
	mask := models.NewLabelGrid(shape)
	w := b.weights
	for v := 0; v < n; v++ {
		if v%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		best := 0
		var bestScore float32
		for l := range w.Labels {
			score := w.Bias[l]
			for c := range Channels {
				score += w.Weights[l][c] * data[c*n+v]
			}
			if l == 0 || score > bestScore {
				best, bestScore = l, score
			}
		}
		mask.Data[v] = uint8(w.Labels[best])
	}
	return mask, nil
}
