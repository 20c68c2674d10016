// Package loader materializes a patient's multi-modal MRI study into a
// models.VolumeRecord.
//
// A patient is a directory under the loader root holding one NIfTI file per
// modality and at most one segmentation mask. Modalities that cannot be found
// or decoded are omitted; only a missing patient directory, or misaligned
// modalities under the strict policy, fail the load.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gonum.org/v1/gonum/mat"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/logging"
	"neurovoxel/pkg/nifti"
)

// AlignmentPolicy decides what happens when a modality's grid disagrees with
// the reference modality
type AlignmentPolicy string

const (
	// Strict fails the load on any affine or shape mismatch
	Strict AlignmentPolicy = "strict"

	// Lenient keeps modalities whose affine differs, logging a warning, and
	// omits modalities whose shape differs
	Lenient AlignmentPolicy = "lenient"
)

// Options configures file discovery and alignment checks
type Options struct {
	// Patterns maps each modality to the glob matched inside the patient directory
	Patterns map[models.Modality]string

	// MaskPattern is the glob for the segmentation mask
	MaskPattern string

	// Policy selects how misaligned modalities are handled
	Policy AlignmentPolicy

	// Tolerance is the largest absolute affine element difference still
	// considered aligned
	Tolerance float64
}

// DefaultOptions returns the BraTS naming convention with strict alignment
func DefaultOptions() Options {
	return Options{
		Patterns: map[models.Modality]string{
			models.T1:    "*_t1.nii*",
			models.T1CE:  "*_t1ce.nii*",
			models.T2:    "*_t2.nii*",
			models.FLAIR: "*_flair.nii*",
		},
		MaskPattern: "*_seg.nii*",
		Policy:      Strict,
		Tolerance:   1e-3,
	}
}

// Loader reads patient studies from a root directory
type Loader struct {
	root string
	opts Options
}

// New creates a loader for the given root directory
func New(root string, opts Options) *Loader {
	defaults := DefaultOptions()
	if opts.Patterns == nil {
		opts.Patterns = defaults.Patterns
	}
	if opts.MaskPattern == "" {
		opts.MaskPattern = defaults.MaskPattern
	}
	if opts.Policy == "" {
		opts.Policy = defaults.Policy
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = defaults.Tolerance
	}
	return &Loader{root: root, opts: opts}
}

// Root returns the directory patients are looked up in
func (l *Loader) Root() string {
	return l.root
}

// Load reads the study of one patient
func (l *Loader) Load(patientID string) (*models.VolumeRecord, error) {
	record, _, err := l.LoadWithReport(patientID)
	return record, err
}

// LoadWithReport reads the study of one patient and reports what happened to
// every modality and to the mask
func (l *Loader) LoadWithReport(patientID string) (*models.VolumeRecord, *Report, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, nil, fmt.Errorf("empty patient id")
	}

	if !filepath.IsLocal(patientID) || patientID == "." || strings.ContainsAny(patientID, `/\`) {
		return nil, nil, fmt.Errorf("invalid patient id %q: must name a directory directly under the root", patientID)
	}

	patientPath := filepath.Join(l.root, patientID)
	info, err := os.Stat(patientPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil, &NotFoundError{PatientID: patientID, Path: patientPath}
	case err != nil:
		return nil, nil, fmt.Errorf("failed to access patient %s: %w", patientID, err)
	case !info.IsDir():
		return nil, nil, &NotFoundError{PatientID: patientID, Path: patientPath}
	}

	logging.Infof("Loading patient %s from %s", patientID, patientPath)
	report := newReport(patientID)

	modalities := make(map[models.Modality]*models.Grid)
	affines := make(map[models.Modality]*mat.Dense)
	var refMod models.Modality
	var refAffine *mat.Dense
	var refSpacing [3]float64
	var refShape models.Shape
	misaligned := &MisalignedModalitiesError{}

	for _, mod := range models.AllModalities {
		path, err := l.find(patientPath, l.opts.Patterns[mod])
		if err != nil {
			report.set(mod, Failed, "", err)
			logging.Errorf("Error searching for %s: %v", mod, err)
			continue
		}
		if path == "" {
			report.set(mod, Missing, "", nil)
			logging.Warningf("Modality %s not found for patient %s", mod, patientID)
			continue
		}

		img, err := nifti.ReadFile(path)
		if err != nil {
			derr := &ModalityDecodeError{Modality: mod, Path: path, Err: err}
			report.set(mod, Failed, path, derr)
			logging.Errorf("%v", derr)
			continue
		}

		grid := &models.Grid{Shape: models.Shape(img.Shape), Data: img.Data}
		if refMod == "" {
			refMod, refAffine, refSpacing, refShape = mod, img.Affine, img.Spacing, grid.Shape
		} else if reason := l.checkAlignment(refShape, refAffine, grid.Shape, img.Affine); reason != "" {
			shapeMismatch := grid.Shape != refShape
			if l.opts.Policy == Strict || shapeMismatch {
				report.set(mod, Misaligned, path, fmt.Errorf("%s", reason))
				misaligned.Misaligned = append(misaligned.Misaligned, mod)
				misaligned.Reasons = append(misaligned.Reasons, reason)
				logging.Errorf("Modality %s is not aligned with %s: %s", mod, refMod, reason)
				continue
			}
			logging.Warningf("Modality %s is not aligned with %s (%s); keeping it under lenient policy", mod, refMod, reason)
		}

		modalities[mod] = grid
		affines[mod] = img.Affine
		report.set(mod, Loaded, path, nil)
		logging.Infof("Loaded %s: %s voxels (%s) from %s", mod, grid.Shape,
			humanize.Bytes(uint64(len(grid.Data)*4)), filepath.Base(path))
		if d := img.Header.Description(); d != "" {
			logging.Debugf("%s description: %s", mod, d)
		}
	}

	if len(misaligned.Misaligned) > 0 && l.opts.Policy == Strict {
		misaligned.Reference = refMod
		return nil, report, misaligned
	}

	mask, maskAffine, maskSpacing := l.loadMask(patientPath, refMod != "", refShape, report)

	affine, spacing := refAffine, refSpacing
	if refMod == "" {
		if mask != nil {
			affine, spacing = maskAffine, maskSpacing
			logging.Warningf("No modality loaded for %s; using mask geometry", patientID)
		} else {
			affine, spacing = models.IdentityAffine(), [3]float64{1, 1, 1}
			logging.Warningf("No modality or mask loaded for %s; using identity geometry", patientID)
		}
	}

	record, err := models.NewVolumeRecord(patientID, modalities, mask, affine, spacing)
	if err != nil {
		return nil, report, err
	}
	record.Affines = affines

	logging.Infof("Loaded %s", record)
	return record, report, nil
}

// loadMask decodes the optional label mask. Failures leave the mask unset.
func (l *Loader) loadMask(patientPath string, haveRef bool, refShape models.Shape, report *Report) (*models.LabelGrid, *mat.Dense, [3]float64) {
	path, err := l.find(patientPath, l.opts.MaskPattern)
	if err != nil || path == "" {
		report.setMask(Missing, "", err)
		logging.Infof("Mask not found")
		return nil, nil, [3]float64{}
	}

	img, err := nifti.ReadFile(path)
	if err != nil {
		report.setMask(Failed, path, err)
		logging.Errorf("Error loading mask: %v", err)
		return nil, nil, [3]float64{}
	}

	shape := models.Shape(img.Shape)
	if haveRef && shape != refShape {
		err := fmt.Errorf("mask shape %s differs from modality shape %s", shape, refShape)
		report.setMask(Misaligned, path, err)
		logging.Errorf("Error loading mask: %v", err)
		return nil, nil, [3]float64{}
	}

	mask := &models.LabelGrid{Shape: shape, Data: make([]uint8, len(img.Data))}
	for i, v := range img.Data {
		mask.Data[i] = toLabel(v)
	}
	report.setMask(Loaded, path, nil)
	logging.Infof("Mask loaded from %s, labels %v", filepath.Base(path), mask.Labels())
	return mask, img.Affine, img.Spacing
}

// find returns the first file matching pattern in dir, or "" when none does
func (l *Loader) find(dir, pattern string) (string, error) {
	if pattern == "" {
		return "", nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
			files = append(files, m)
		}
	}
	if len(files) == 0 {
		return "", nil
	}
	if len(files) > 1 {
		logging.Warningf("Pattern %s matched %d files in %s, using %s", pattern, len(files), dir, filepath.Base(files[0]))
	}
	return files[0], nil
}

// checkAlignment returns a description of the mismatch, or "" when aligned
func (l *Loader) checkAlignment(refShape models.Shape, refAffine *mat.Dense, shape models.Shape, affine *mat.Dense) string {
	if shape != refShape {
		return fmt.Sprintf("shape %s differs from %s", shape, refShape)
	}
	if !mat.EqualApprox(refAffine, affine, l.opts.Tolerance) {
		var diff mat.Dense
		diff.Sub(refAffine, affine)
		return fmt.Sprintf("affine differs (max row sum of difference %.4g)", mat.Norm(&diff, math.Inf(1)))
	}
	return ""
}

// toLabel rounds a decoded mask value to a label, clamping to the uint8 range
func toLabel(v float32) uint8 {
	r := math.Round(float64(v))
	switch {
	case r <= 0 || math.IsNaN(r):
		return 0
	case r >= 255:
		return 255
	}
	return uint8(r)
}

// IsNotFound reports whether err is a missing-patient error
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
