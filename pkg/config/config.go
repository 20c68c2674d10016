// Package config provides configuration loading and management for neurovoxel.
// It handles loading configuration from YAML files, overlays NEUROVOXEL_*
// environment variables and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/analysis"
	"neurovoxel/pkg/inference"
	"neurovoxel/pkg/loader"
	"neurovoxel/pkg/logging"
)

// LabelConfig names one value of the mask labelling scheme
type LabelConfig struct {
	Name  string `yaml:"name"`
	Value int    `yaml:"value"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Data location and file naming
	Data struct {
		// Root is the directory holding one sub-directory per patient
		Root string `yaml:"root" env:"NEUROVOXEL_DATA_ROOT"`

		// Patterns maps modality names to the glob matched in a patient directory
		Patterns map[string]string `yaml:"patterns"`

		// MaskPattern is the glob of the segmentation mask
		MaskPattern string `yaml:"maskPattern" env:"NEUROVOXEL_MASK_PATTERN"`
	} `yaml:"data"`

	// Alignment checks between modalities
	Alignment struct {
		// Policy is "strict" or "lenient"
		Policy string `yaml:"policy" env:"NEUROVOXEL_ALIGNMENT_POLICY"`

		// Tolerance is the largest affine element difference still considered aligned
		Tolerance float64 `yaml:"tolerance" env:"NEUROVOXEL_ALIGNMENT_TOLERANCE"`
	} `yaml:"alignment"`

	// Surface extraction parameters
	Analysis struct {
		SurfaceIso        float64 `yaml:"surfaceIso"`
		SurfaceIterations int     `yaml:"surfaceIterations"`
		ContextIterations int     `yaml:"contextIterations"`
		Relaxation        float64 `yaml:"relaxation"`

		// ContextModality is the intensity volume used for the anatomical shell
		ContextModality string `yaml:"contextModality"`

		// ContextMode is "fixed" or "percentile"
		ContextMode       string  `yaml:"contextMode" env:"NEUROVOXEL_CONTEXT_MODE"`
		ContextThreshold  float64 `yaml:"contextThreshold" env:"NEUROVOXEL_CONTEXT_THRESHOLD"`
		ContextPercentile float64 `yaml:"contextPercentile"`
	} `yaml:"analysis"`

	// Labels is the mask labelling scheme, in report order
	Labels []LabelConfig `yaml:"labels"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" env:"NEUROVOXEL_NUM_CORES"`
	} `yaml:"processing"`

	// Inference backend selection
	Inference struct {
		// Enabled runs the backend after loading
		Enabled bool `yaml:"enabled" env:"NEUROVOXEL_INFERENCE"`

		// Backend is "simulation" or "linear"
		Backend string `yaml:"backend" env:"NEUROVOXEL_BACKEND"`

		// Weights is the weights file of the linear backend
		Weights string `yaml:"weights" env:"NEUROVOXEL_WEIGHTS"`

		// Latency is the artificial delay of the simulation backend
		Latency time.Duration `yaml:"latency" env:"NEUROVOXEL_LATENCY"`
	} `yaml:"inference"`

	// Output parameters
	Output struct {
		// Dir is where meshes, masks and slices are written
		Dir string `yaml:"dir" env:"NEUROVOXEL_OUTPUT_DIR"`

		// SaveSTL writes the extracted surfaces
		SaveSTL bool `yaml:"saveSTL" env:"NEUROVOXEL_SAVE_STL"`

		// ScannerSpace moves meshes into scanner coordinates before saving
		ScannerSpace bool `yaml:"scannerSpace"`

		// ExtractSlices writes JPEG slices through the middle of the study
		ExtractSlices bool `yaml:"extractSlices" env:"NEUROVOXEL_EXTRACT_SLICES"`

		// SliceAxis, when set to x, y or z, writes every slice along that
		// axis instead of only the middle ones
		SliceAxis string `yaml:"sliceAxis" env:"NEUROVOXEL_SLICE_AXIS"`

		// SaveROI crops the study around the tumour and writes it as NIfTI
		SaveROI bool `yaml:"saveROI" env:"NEUROVOXEL_SAVE_ROI"`

		// ROIMargin is the number of voxels kept around the tumour
		ROIMargin int `yaml:"roiMargin"`
	} `yaml:"output"`

	// Log output
	Log logging.Config `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	lopts := loader.DefaultOptions()
	cfg.Data.Root = "data"
	cfg.Data.Patterns = make(map[string]string, len(lopts.Patterns))
	for mod, pattern := range lopts.Patterns {
		cfg.Data.Patterns[string(mod)] = pattern
	}
	cfg.Data.MaskPattern = lopts.MaskPattern

	cfg.Alignment.Policy = string(lopts.Policy)
	cfg.Alignment.Tolerance = lopts.Tolerance

	aopts := analysis.DefaultOptions()
	cfg.Analysis.SurfaceIso = aopts.SurfaceIso
	cfg.Analysis.SurfaceIterations = aopts.SurfaceIterations
	cfg.Analysis.ContextIterations = aopts.ContextIterations
	cfg.Analysis.Relaxation = aopts.Relaxation
	cfg.Analysis.ContextModality = string(aopts.ContextModality)
	cfg.Analysis.ContextMode = string(aopts.ContextMode)
	cfg.Analysis.ContextThreshold = aopts.ContextThreshold
	cfg.Analysis.ContextPercentile = aopts.ContextPercentile

	// BraTS labelling
	cfg.Labels = []LabelConfig{
		{Name: "necrotic", Value: 1},
		{Name: "edema", Value: 2},
		{Name: "enhancing", Value: 4},
	}

	cfg.Processing.NumCores = runtime.NumCPU() // Use all available cores by default

	cfg.Inference.Backend = "simulation"

	cfg.Output.Dir = "output"
	cfg.Output.SaveSTL = true
	cfg.Output.ROIMargin = 5

	cfg.Log.MaxSize = 10
	cfg.Log.MaxAge = 28

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	for name := range c.Data.Patterns {
		if !isModality(name) {
			return fmt.Errorf("invalid config: unknown modality %q in data.patterns", name)
		}
	}
	switch loader.AlignmentPolicy(c.Alignment.Policy) {
	case loader.Strict, loader.Lenient:
	default:
		return fmt.Errorf("invalid config: alignment.policy must be strict or lenient, got %q", c.Alignment.Policy)
	}
	if c.Alignment.Tolerance <= 0 {
		return fmt.Errorf("invalid config: alignment.tolerance must be positive")
	}
	if c.Analysis.SurfaceIterations < 0 || c.Analysis.ContextIterations < 0 {
		return fmt.Errorf("invalid config: smoothing iterations must not be negative")
	}
	if c.Analysis.Relaxation <= 0 || c.Analysis.Relaxation > 1 {
		return fmt.Errorf("invalid config: analysis.relaxation must be in (0, 1]")
	}
	if !isModality(c.Analysis.ContextModality) {
		return fmt.Errorf("invalid config: unknown context modality %q", c.Analysis.ContextModality)
	}
	switch analysis.ThresholdMode(c.Analysis.ContextMode) {
	case analysis.FixedThreshold:
	case analysis.PercentileThreshold:
		if c.Analysis.ContextPercentile <= 0 || c.Analysis.ContextPercentile >= 100 {
			return fmt.Errorf("invalid config: analysis.contextPercentile must be in (0, 100)")
		}
	default:
		return fmt.Errorf("invalid config: analysis.contextMode must be fixed or percentile, got %q", c.Analysis.ContextMode)
	}

	seen := make(map[int]bool)
	for _, l := range c.Labels {
		if l.Value < 1 || l.Value > 255 {
			return fmt.Errorf("invalid config: label %q has value %d, want 1-255", l.Name, l.Value)
		}
		if seen[l.Value] {
			return fmt.Errorf("invalid config: label value %d used twice", l.Value)
		}
		seen[l.Value] = true
	}

	if c.Processing.NumCores < 1 {
		return fmt.Errorf("invalid config: processing.numCores must be at least 1")
	}
	switch c.Output.SliceAxis {
	case "", "x", "y", "z":
	default:
		return fmt.Errorf("invalid config: output.sliceAxis must be x, y or z, got %q", c.Output.SliceAxis)
	}
	if c.Output.ROIMargin < 0 {
		return fmt.Errorf("invalid config: output.roiMargin must not be negative")
	}
	if c.Inference.Latency < 0 {
		return fmt.Errorf("invalid config: inference.latency must not be negative")
	}
	return nil
}

// LoaderOptions converts the data and alignment sections
func (c *Config) LoaderOptions() loader.Options {
	opts := loader.DefaultOptions()
	for name, pattern := range c.Data.Patterns {
		opts.Patterns[models.Modality(name)] = pattern
	}
	if c.Data.MaskPattern != "" {
		opts.MaskPattern = c.Data.MaskPattern
	}
	opts.Policy = loader.AlignmentPolicy(c.Alignment.Policy)
	opts.Tolerance = c.Alignment.Tolerance
	return opts
}

// AnalysisOptions converts the analysis section
func (c *Config) AnalysisOptions() analysis.Options {
	return analysis.Options{
		SurfaceIso:        c.Analysis.SurfaceIso,
		SurfaceIterations: c.Analysis.SurfaceIterations,
		ContextIterations: c.Analysis.ContextIterations,
		Relaxation:        c.Analysis.Relaxation,
		ContextModality:   models.Modality(c.Analysis.ContextModality),
		ContextMode:       analysis.ThresholdMode(c.Analysis.ContextMode),
		ContextThreshold:  c.Analysis.ContextThreshold,
		ContextPercentile: c.Analysis.ContextPercentile,
	}
}

// AnalysisLabels converts the label scheme
func (c *Config) AnalysisLabels() []analysis.Label {
	labels := make([]analysis.Label, len(c.Labels))
	for i, l := range c.Labels {
		labels[i] = analysis.Label{Name: l.Name, Value: uint8(l.Value)}
	}
	return labels
}

// BackendOptions converts the inference section
func (c *Config) BackendOptions() inference.BackendOptions {
	return inference.BackendOptions{
		Latency:     c.Inference.Latency,
		WeightsFile: c.Inference.Weights,
	}
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

func isModality(name string) bool {
	for _, m := range models.AllModalities {
		if string(m) == name {
			return true
		}
	}
	return false
}
