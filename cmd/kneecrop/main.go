package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"kneecrop/pkg/config"
	"kneecrop/pkg/geometry"
	"kneecrop/pkg/logging"
	"kneecrop/pkg/pipeline"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "kneecrop.yaml", "YAML configuration file (defaults are used if it does not exist)")
	dicomDir := flag.String("dicoms", "", "Directory containing DICOM radiographs (overrides config)")
	landmarksDir := flag.String("landmarks", "", "Directory containing .pts landmark files (overrides config)")
	outputDir := flag.String("output", "", "Directory for cropped knee images (overrides config)")
	margin := flag.Float64("margin", -1, "Margin around each knee, divided by the DICOM pixel spacing (overrides config)")
	splitter := flag.String("splitter", "", "Left/right split strategy: median or kmeans (overrides config)")
	writeConfig := flag.Bool("write-config", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *dicomDir != "" {
		cfg.Paths.DicomDir = *dicomDir
	}
	if *landmarksDir != "" {
		cfg.Paths.LandmarksDir = *landmarksDir
	}
	if *outputDir != "" {
		cfg.Paths.OutputDir = *outputDir
	}
	if *margin >= 0 {
		cfg.Processing.MarginCM = *margin
	}
	if *splitter != "" {
		if geometry.SplitterByName(*splitter) == nil {
			fmt.Fprintf(os.Stderr, "Unknown splitter %q (must be median or kmeans)\n", *splitter)
			flag.Usage()
			os.Exit(1)
		}
		cfg.Processing.Splitter = *splitter
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:        cfg.Log.Level,
		File:         cfg.Log.File,
		NoColors:     cfg.Log.NoColors,
		ReportCaller: cfg.Log.ReportCaller,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("================================")
	fmt.Println("KNEE RADIOGRAPH CROPPING")
	fmt.Println("================================")
	fmt.Printf("DICOM directory:     %s\n", cfg.Paths.DicomDir)
	fmt.Printf("Landmark directory:  %s\n", cfg.Paths.LandmarksDir)
	fmt.Printf("Output directory:    %s\n", cfg.Paths.OutputDir)
	fmt.Printf("Margin:              %g\n", cfg.Processing.MarginCM)
	fmt.Printf("Split strategy:      %s\n", cfg.Processing.Splitter)

	p := pipeline.NewPipeline(pipeline.ParamsFromConfig(cfg), pipeline.WithLogger(logger))

	startTime := time.Now()
	report, err := p.Process()
	if err != nil {
		logger.Fatalf("Batch failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nProcessed %d image(s) in %.2f seconds\n", len(report.Results), processingTime.Seconds())
	for _, res := range report.Results {
		fmt.Printf("- %s: left %s, right %s\n", res.PatientID, res.Left, res.Right)
	}

	if len(report.Failures) > 0 {
		fmt.Printf("\n%d image(s) failed:\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Printf("- %v\n", f)
		}
		os.Exit(2)
	}
}
