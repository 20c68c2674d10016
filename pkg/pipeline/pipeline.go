// Package pipeline runs a full case: load a patient study, optionally segment
// it, measure the tumour sub-regions, extract their surfaces and write the
// results.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gonum.org/v1/gonum/mat"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/analysis"
	"neurovoxel/pkg/inference"
	"neurovoxel/pkg/loader"
	"neurovoxel/pkg/logging"
	"neurovoxel/pkg/mesh"
	"neurovoxel/pkg/nifti"
	"neurovoxel/pkg/visualization"
)

// Params holds the case parameters
type Params struct {
	// Root is the directory holding one sub-directory per patient
	Root string

	// PatientID selects the patient directory under Root
	PatientID string

	// OutputDir is where meshes, masks and slices are written
	OutputDir string

	// NumCores bounds the number of surfaces extracted at once
	NumCores int

	Loader   loader.Options
	Analysis analysis.Options

	// Labels is the labelling scheme measured and meshed, in report order
	Labels []analysis.Label

	// SaveSTL writes one STL file per extracted surface
	SaveSTL bool

	// ScannerSpace moves meshes into scanner coordinates before saving
	ScannerSpace bool

	// ExtractSlices writes the middle slice along each axis as JPEG
	ExtractSlices bool

	// SliceAxis, when set, makes ExtractSlices write every slice along
	// that axis
	SliceAxis string

	// SaveROI writes the study cropped around the tumour, ROIMargin voxels
	// wider on every side
	SaveROI   bool
	ROIMargin int

	// Infer runs the inference backend on the loaded study
	Infer bool

	// Backend names the inference backend
	Backend        string
	BackendOptions inference.BackendOptions
}

// Pipeline processes one case at a time
type Pipeline struct {
	params    *Params
	loader    *loader.Loader
	analyzer  *analysis.Analyzer
	segmentor *inference.Segmentor
}

// New creates a pipeline, resolving the inference backend if needed
func New(params *Params) (*Pipeline, error) {
	if params.NumCores < 1 {
		params.NumCores = runtime.NumCPU()
	}
	p := &Pipeline{
		params:   params,
		loader:   loader.New(params.Root, params.Loader),
		analyzer: analysis.New(params.Analysis),
	}
	if params.Infer {
		backend, err := inference.NewBackend(params.Backend, params.BackendOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to create inference backend: %w", err)
		}
		p.segmentor = inference.NewSegmentor(backend)
	}
	return p, nil
}

// Process runs the complete case. Only load failures and output directory
// problems are returned as errors; missing modalities, failed inference and
// absent surfaces are reported in the summary.
func (p *Pipeline) Process(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{PatientID: p.params.PatientID}

	if p.needsOutputDir() {
		if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	// Step 1: Load the study
	logging.Infof("Step 1: Loading patient %s from %s...", p.params.PatientID, p.loader.Root())
	record, report, err := p.loader.LoadWithReport(p.params.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient %s: %w", p.params.PatientID, err)
	}
	summary.Record = record
	summary.Report = report
	logging.Infof("Loaded %s", report)

	// Step 2: Measure the labelled regions
	logging.Infof("Step 2: Measuring labelled regions...")
	summary.Volumes = p.analyzer.MeasureAll(record, p.params.Labels)
	summary.TotalCM3 = analysis.TotalVolume(summary.Volumes)
	summary.Stats = p.regionStats(record)

	// Step 3: Segment the study
	working := record
	summary.MaskSource = "ground truth"
	if p.segmentor != nil {
		logging.Infof("Step 3: Running %s inference...", p.segmentor.Backend().Name())
		if predicted := p.infer(ctx, record, summary); predicted != nil {
			working = predicted
			summary.MaskSource = "prediction"
			if summary.Prediction.Simulated {
				summary.MaskSource = "simulated prediction"
			}
		}
	} else {
		logging.Debugf("Step 3: Inference disabled")
	}
	if working.Mask == nil {
		summary.MaskSource = "none"
	}

	// Step 4: Extract surfaces
	logging.Infof("Step 4: Extracting surfaces with %d workers...", p.params.NumCores)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	summary.Surfaces, summary.Context = p.extractSurfaces(working)

	// Step 5: Write outputs
	if p.params.SaveSTL {
		logging.Infof("Step 5: Saving surfaces...")
		p.saveSurfaces(working, summary)
	}
	if p.params.ExtractSlices {
		logging.Infof("Step 5: Saving slices...")
		p.saveSlices(working, summary)
	}
	if p.params.SaveROI {
		logging.Infof("Step 5: Saving tumour region...")
		p.saveROI(working, summary)
	}

	summary.Elapsed = time.Since(start)
	logging.Infof("Patient %s processed in %v", p.params.PatientID, summary.Elapsed)
	return summary, nil
}

func (p *Pipeline) needsOutputDir() bool {
	return p.params.SaveSTL || p.params.ExtractSlices || p.params.SaveROI || p.params.Infer
}

func (p *Pipeline) regionStats(record *models.VolumeRecord) []analysis.Stats {
	var stats []analysis.Stats
	for _, l := range p.params.Labels {
		for _, mod := range record.ModalityNames() {
			if s, ok := p.analyzer.RegionStats(record, l.Value, mod); ok {
				stats = append(stats, s)
			}
		}
	}
	return stats
}

// infer runs the backend and returns a record carrying the predicted mask,
// or nil when there is no usable prediction
func (p *Pipeline) infer(ctx context.Context, record *models.VolumeRecord, summary *Summary) *models.VolumeRecord {
	pred, err := p.segmentor.Predict(ctx, record)
	if err != nil {
		logging.Warningf("Inference for %s produced no result: %v", record.ID, err)
		summary.InferenceErr = err
		return nil
	}
	summary.Prediction = pred

	predicted, err := models.NewVolumeRecord(record.ID, record.Modalities, pred.Mask, record.Affine, record.Spacing)
	if err != nil {
		logging.Warningf("Predicted mask for %s is unusable: %v", record.ID, err)
		summary.InferenceErr = err
		summary.Prediction = nil
		return nil
	}
	summary.PredictedVolumes = p.analyzer.MeasureAll(predicted, p.params.Labels)

	path := filepath.Join(p.params.OutputDir, record.ID+"_pred.nii.gz")
	data := make([]float32, len(pred.Mask.Data))
	for i, l := range pred.Mask.Data {
		data[i] = float32(l)
	}
	opts := nifti.EncodeOptions{
		Datatype:    nifti.DTUint8,
		Description: fmt.Sprintf("neurovoxel %s prediction", pred.Backend),
	}
	if err := nifti.WriteFile(path, pred.Mask.Shape, data, record.Affine, record.Spacing, opts); err != nil {
		logging.Warningf("Failed to save predicted mask: %v", err)
	} else {
		summary.PredictionPath = path
	}
	return predicted
}

// extractSurfaces extracts every label surface and the context shell
// concurrently, with at most NumCores extractions running
func (p *Pipeline) extractSurfaces(record *models.VolumeRecord) ([]SurfaceResult, *SurfaceResult) {
	type extractionResult struct {
		index int
		mesh  *mesh.Mesh
	}

	labels := p.params.Labels
	totalTasks := len(labels) + 1
	resultChan := make(chan extractionResult)
	sem := make(chan struct{}, p.params.NumCores)

	for i := 0; i < totalTasks; i++ {
		go func(index int) {
			sem <- struct{}{}
			defer func() { <-sem }()

			var m *mesh.Mesh
			if index < len(labels) {
				m = p.analyzer.ExtractSurface(record, labels[index].Value)
			} else {
				m = p.analyzer.ExtractContextSurface(record)
			}
			resultChan <- extractionResult{index: index, mesh: m}
		}(i)
	}

	surfaces := make([]SurfaceResult, len(labels))
	for i, l := range labels {
		surfaces[i].Label = l
	}
	shell := &SurfaceResult{Label: analysis.Label{Name: "brain"}}

	completedTasks := 0
	for completedTasks < totalTasks {
		res := <-resultChan
		completedTasks++

		if res.index < len(labels) {
			surfaces[res.index].Mesh = res.mesh
		} else {
			shell.Mesh = res.mesh
		}
		logging.Debugf("Extracting surfaces: %.1f%% complete",
			float64(completedTasks)/float64(totalTasks)*100)
	}
	return surfaces, shell
}

func (p *Pipeline) saveSurfaces(record *models.VolumeRecord, summary *Summary) {
	save := func(s *SurfaceResult) {
		if s.Mesh == nil {
			return
		}
		if p.params.ScannerSpace {
			if err := analysis.ToScannerSpace(record, s.Mesh); err != nil {
				logging.Warningf("Failed to move %s surface to scanner space: %v", s.Label.Name, err)
				return
			}
		}
		path := filepath.Join(p.params.OutputDir, fmt.Sprintf("%s_%s.stl", record.ID, s.Label.Name))
		if err := s.Mesh.SaveSTL(path); err != nil {
			logging.Warningf("Failed to save %s surface: %v", s.Label.Name, err)
			return
		}
		s.Path = path
	}

	for i := range summary.Surfaces {
		save(&summary.Surfaces[i])
	}
	if summary.Context != nil {
		save(summary.Context)
	}
}

// displayModality picks the volume shown in slices and crops, FLAIR first
func displayModality(record *models.VolumeRecord) (models.Modality, bool) {
	if record.Has(models.FLAIR) {
		return models.FLAIR, true
	}
	names := record.ModalityNames()
	if len(names) == 0 {
		return "", false
	}
	return names[0], true
}

func (p *Pipeline) saveSlices(record *models.VolumeRecord, summary *Summary) {
	mod, ok := displayModality(record)
	if !ok {
		logging.Warningf("No intensity volume to slice for %s", record.ID)
		return
	}

	viewer, err := visualization.NewViewer(record.Modalities[mod], record.Mask)
	if err != nil {
		logging.Warningf("Failed to create slice viewer: %v", err)
		return
	}
	dir := filepath.Join(p.params.OutputDir, record.ID+"_slices")
	var paths []string
	if p.params.SliceAxis != "" {
		paths, err = viewer.SaveSliceSequence(p.params.SliceAxis, dir)
	} else {
		paths, err = viewer.SaveMidSlices(dir)
	}
	if err != nil {
		logging.Warningf("Failed to save slices: %v", err)
	}
	summary.Slices = paths
}

// saveROI crops the display modality to the mask's bounding box plus the
// margin and writes it with an affine shifted to the crop origin
func (p *Pipeline) saveROI(record *models.VolumeRecord, summary *Summary) {
	mod, ok := displayModality(record)
	if !ok || record.Mask == nil {
		logging.Warningf("No volume and mask to crop for %s", record.ID)
		return
	}
	start, size, ok := record.Mask.Extent()
	if !ok {
		logging.Infof("No tumour voxels in %s; skipping region export", record.ID)
		return
	}
	shape := record.Mask.Shape
	for a := 0; a < 3; a++ {
		lo := max(start[a]-p.params.ROIMargin, 0)
		hi := min(start[a]+size[a]+p.params.ROIMargin, shape[a])
		start[a], size[a] = lo, hi-lo
	}

	viewer, err := visualization.NewViewer(record.Modalities[mod], nil)
	if err != nil {
		logging.Warningf("Failed to crop %s: %v", mod, err)
		return
	}
	region, err := viewer.ExtractRegion(start, size)
	if err != nil {
		logging.Warningf("Failed to crop %s: %v", mod, err)
		return
	}

	shift := models.IdentityAffine()
	for a := 0; a < 3; a++ {
		shift.Set(a, 3, float64(start[a]))
	}
	var affine mat.Dense
	affine.Mul(record.Affine, shift)

	path := filepath.Join(p.params.OutputDir, fmt.Sprintf("%s_roi_%s.nii.gz", record.ID, mod))
	opts := nifti.EncodeOptions{Description: fmt.Sprintf("neurovoxel %s tumour region", mod)}
	if err := nifti.WriteFile(path, region.Shape, region.Data, &affine, record.Spacing, opts); err != nil {
		logging.Warningf("Failed to save tumour region: %v", err)
		return
	}
	summary.ROIPath = path
	summary.ROIStart = start
	logging.Infof("Saved %s region %s at %s to %s", mod, region.Shape, start, filepath.Base(path))
}
