package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"neurovoxel/internal/models"
	"neurovoxel/pkg/analysis"
	"neurovoxel/pkg/inference"
	"neurovoxel/pkg/loader"
	"neurovoxel/pkg/mesh"
)

// SurfaceResult is the outcome of extracting one surface. Mesh is nil when
// the surface is absent.
type SurfaceResult struct {
	Label analysis.Label
	Mesh  *mesh.Mesh

	// Path is the STL file written, if any
	Path string
}

// Summary is everything a case produced
type Summary struct {
	PatientID string
	Record    *models.VolumeRecord
	Report    *loader.Report

	// Volumes are measured on the loaded mask
	Volumes  []analysis.LabelVolume
	TotalCM3 float64
	Stats    []analysis.Stats

	// MaskSource tells which mask the surfaces were extracted from
	MaskSource string

	Prediction       *inference.Prediction
	PredictedVolumes []analysis.LabelVolume
	PredictionPath   string
	InferenceErr     error

	Surfaces []SurfaceResult
	Context  *SurfaceResult
	Slices   []string

	// ROIPath is the cropped tumour region, starting at voxel ROIStart
	ROIPath  string
	ROIStart models.Shape

	Elapsed time.Duration
}

// Print writes a human readable case report
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\nCase %s\n", s.PatientID)
	fmt.Fprintf(w, "  %s\n", strings.Repeat("-", 40))

	if s.Record != nil {
		shape := "none"
		if sh, ok := s.Record.Shape(); ok {
			shape = sh.String()
		}
		sp := s.Record.Spacing
		fmt.Fprintf(w, "  Grid:      %s voxels, spacing %.2f x %.2f x %.2f mm\n", shape, sp[0], sp[1], sp[2])
	}
	if s.Report != nil {
		fmt.Fprintf(w, "  Modalities: %s\n", joinModalities(s.Report.Available()))
		if omitted := s.Report.Omitted(); len(omitted) > 0 {
			fmt.Fprintf(w, "  Omitted:    %s\n", joinModalities(omitted))
			for _, mod := range omitted {
				e := s.Report.Modalities[mod]
				if e.Err != nil {
					fmt.Fprintf(w, "    %s: %v\n", mod, e.Err)
				}
			}
		}
		fmt.Fprintf(w, "  Mask:       %s\n", s.Report.Mask.Status)
	}

	fmt.Fprintln(w, "\n  Tumour volumes")
	for _, v := range s.Volumes {
		fmt.Fprintf(w, "    %-12s %10.3f cm³  (%s voxels)\n", v.Label.Name, v.CM3, humanize.Comma(int64(v.Voxels)))
	}
	fmt.Fprintf(w, "    %-12s %10.3f cm³\n", "total", s.TotalCM3)

	if s.Prediction != nil {
		kind := "prediction"
		if s.Prediction.Simulated {
			kind = "simulated prediction"
		}
		fmt.Fprintf(w, "\n  Inference: %s backend, %s in %v\n", s.Prediction.Backend, kind, s.Prediction.Elapsed.Round(time.Millisecond))
		for _, v := range s.PredictedVolumes {
			fmt.Fprintf(w, "    %-12s %10.3f cm³\n", v.Label.Name, v.CM3)
		}
		fmt.Fprintf(w, "    %-12s %10.3f cm³\n", "total", analysis.TotalVolume(s.PredictedVolumes))
		if s.PredictionPath != "" {
			fmt.Fprintf(w, "    mask saved to %s\n", s.PredictionPath)
		}
	} else if s.InferenceErr != nil {
		fmt.Fprintf(w, "\n  Inference: no result (%v)\n", s.InferenceErr)
	}

	fmt.Fprintf(w, "\n  Surfaces (from %s)\n", s.MaskSource)
	all := s.Surfaces
	if s.Context != nil {
		all = append(append([]SurfaceResult(nil), all...), *s.Context)
	}
	for _, r := range all {
		if r.Mesh == nil {
			fmt.Fprintf(w, "    %-12s absent\n", r.Label.Name)
			continue
		}
		c := r.Mesh.Centroid()
		line := fmt.Sprintf("    %-12s %s faces, %.1f mm², centre (%.1f, %.1f, %.1f)",
			r.Label.Name, humanize.Comma(int64(r.Mesh.NumFaces())), r.Mesh.Area(), c[0], c[1], c[2])
		if r.Path != "" {
			line += " -> " + r.Path
			if info, err := os.Stat(r.Path); err == nil {
				line += fmt.Sprintf(" (%s)", humanize.Bytes(uint64(info.Size())))
			}
		}
		fmt.Fprintln(w, line)
	}

	switch {
	case len(s.Slices) > 3:
		fmt.Fprintf(w, "  Slices: %d images in %s\n", len(s.Slices), filepath.Dir(s.Slices[0]))
	default:
		for _, path := range s.Slices {
			fmt.Fprintf(w, "  Slice: %s\n", path)
		}
	}
	if s.ROIPath != "" {
		fmt.Fprintf(w, "  Tumour region: %s (from voxel %s)\n", s.ROIPath, s.ROIStart)
	}
	fmt.Fprintf(w, "\n  Processed in %v\n", s.Elapsed.Round(time.Millisecond))
}

func joinModalities(mods []models.Modality) string {
	if len(mods) == 0 {
		return "none"
	}
	names := make([]string, len(mods))
	for i, m := range mods {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}
