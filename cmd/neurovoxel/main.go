package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/unixpickle/essentials"

	"neurovoxel/pkg/config"
	"neurovoxel/pkg/loader"
	"neurovoxel/pkg/logging"
	"neurovoxel/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "neurovoxel.yaml", "YAML configuration file")
	root := flag.String("root", "", "Directory with one sub-directory per patient (overrides data.root)")
	patientID := flag.String("patient", "", "Patient identifier to process")
	outputDir := flag.String("output", "", "Output directory (overrides output.dir)")
	numCores := flag.Int("cores", 0, "Number of surfaces extracted in parallel (overrides processing.numCores)")
	infer := flag.Bool("infer", false, "Run the inference backend on the study")
	extractSlices := flag.Bool("extract-slices", false, "Save the middle slice along every axis")
	sliceAxis := flag.String("slice-axis", "", "Save every slice along this axis (x, y or z); implies -extract-slices")
	saveROI := flag.Bool("save-roi", false, "Save the study cropped around the tumour as NIfTI")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		essentials.Must(config.CreateDefaultConfigFile(*configPath))
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags given on the command line take precedence over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Data.Root = *root
		case "output":
			cfg.Output.Dir = *outputDir
		case "cores":
			cfg.Processing.NumCores = *numCores
		case "infer":
			cfg.Inference.Enabled = *infer
		case "extract-slices":
			cfg.Output.ExtractSlices = *extractSlices
		case "slice-axis":
			cfg.Output.SliceAxis = *sliceAxis
			cfg.Output.ExtractSlices = true
		case "save-roi":
			cfg.Output.SaveROI = *saveROI
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if *patientID == "" {
		flag.Usage()
		os.Exit(1)
	}

	logging.Setup(cfg.Log)
	defer logging.Close()

	fmt.Println("================================")
	fmt.Println("NEUROVOXEL: MULTI-MODAL BRAIN TUMOUR VOLUMETRY")
	fmt.Println("================================")

	params := &pipeline.Params{
		Root:           cfg.Data.Root,
		PatientID:      *patientID,
		OutputDir:      cfg.Output.Dir,
		NumCores:       cfg.Processing.NumCores,
		Loader:         cfg.LoaderOptions(),
		Analysis:       cfg.AnalysisOptions(),
		Labels:         cfg.AnalysisLabels(),
		SaveSTL:        cfg.Output.SaveSTL,
		ScannerSpace:   cfg.Output.ScannerSpace,
		ExtractSlices:  cfg.Output.ExtractSlices,
		SliceAxis:      cfg.Output.SliceAxis,
		SaveROI:        cfg.Output.SaveROI,
		ROIMargin:      cfg.Output.ROIMargin,
		Infer:          cfg.Inference.Enabled,
		Backend:        cfg.Inference.Backend,
		BackendOptions: cfg.BackendOptions(),
	}

	p, err := pipeline.New(params)
	if err != nil {
		log.Fatalf("Failed to set up pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary, err := p.Process(ctx)
	if err != nil {
		logging.Errorf("Processing failed: %v", err)
		logging.Close()
		if loader.IsNotFound(err) {
			// Nothing was read, unlike a study with omitted modalities
			fmt.Fprintf(os.Stderr, "Patient %s not found under %s\n", *patientID, cfg.Data.Root)
			os.Exit(2)
		}
		log.Fatalf("Processing failed: %v", err)
	}

	summary.Print(os.Stdout)
}
