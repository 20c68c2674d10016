package loader

import (
	"fmt"
	"strings"

	"neurovoxel/internal/models"
)

// Status describes what happened to one file during a load
type Status string

const (
	Loaded     Status = "loaded"
	Missing    Status = "missing"
	Failed     Status = "failed"
	Misaligned Status = "misaligned"
)

// Entry is the outcome for one modality or for the mask
type Entry struct {
	Status Status
	Path   string
	Err    error
}

// Report records per-modality availability for one load
type Report struct {
	PatientID  string
	Modalities map[models.Modality]Entry
	Mask       Entry
}

func newReport(patientID string) *Report {
	return &Report{
		PatientID:  patientID,
		Modalities: make(map[models.Modality]Entry),
		Mask:       Entry{Status: Missing},
	}
}

func (r *Report) set(mod models.Modality, status Status, path string, err error) {
	r.Modalities[mod] = Entry{Status: status, Path: path, Err: err}
}

func (r *Report) setMask(status Status, path string, err error) {
	r.Mask = Entry{Status: status, Path: path, Err: err}
}

// Available returns the loaded modalities in canonical order
func (r *Report) Available() []models.Modality {
	var mods []models.Modality
	for _, mod := range models.AllModalities {
		if r.Modalities[mod].Status == Loaded {
			mods = append(mods, mod)
		}
	}
	return mods
}

// Omitted returns the modalities that were not loaded, in canonical order
func (r *Report) Omitted() []models.Modality {
	var mods []models.Modality
	for _, mod := range models.AllModalities {
		if r.Modalities[mod].Status != Loaded {
			mods = append(mods, mod)
		}
	}
	return mods
}

// Failures returns the errors of modalities that were found but not loaded
func (r *Report) Failures() map[models.Modality]error {
	failures := make(map[models.Modality]error)
	for mod, e := range r.Modalities {
		if e.Err != nil {
			failures[mod] = e.Err
		}
	}
	return failures
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "patient %s:", r.PatientID)
	for _, mod := range models.AllModalities {
		fmt.Fprintf(&b, " %s=%s", mod, r.Modalities[mod].Status)
	}
	fmt.Fprintf(&b, " mask=%s", r.Mask.Status)
	return b.String()
}
