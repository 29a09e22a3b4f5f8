// Package config provides configuration loading and management for kneecrop.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Filesystem locations, all known before processing starts
	Paths struct {
		// DicomDir holds one DICOM file per patient
		DicomDir string `yaml:"dicom_dir" validate:"required"`

		// LandmarksDir holds <base>.pts files matching the DICOM file names
		LandmarksDir string `yaml:"landmarks_dir" validate:"required"`

		// OutputDir receives the <PatientID>_L and <PatientID>_R crops
		OutputDir string `yaml:"output_dir" validate:"required"`

		// PreviewDir receives previews and landmark charts
		PreviewDir string `yaml:"preview_dir"`
	} `yaml:"paths"`

	// Processing parameters
	Processing struct {
		// MarginCM is the physical margin added around each knee. It is
		// divided by the DICOM pixel spacing to get pixels.
		MarginCM float64 `yaml:"margin_cm" validate:"gte=0"`

		// ExpectedPoints is the landmark count every .pts file must have.
		// Zero disables the check.
		ExpectedPoints int `yaml:"expected_points" validate:"gte=0"`

		// Splitter selects how landmarks are divided between the knees
		Splitter string `yaml:"splitter" validate:"oneof=median kmeans"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Format is the crop image format
		Format string `yaml:"format" validate:"oneof=png jpg jpeg tif tiff bmp gif"`

		// SavePreview writes an annotated preview per image
		SavePreview bool `yaml:"save_preview"`

		// SaveLandmarkChart writes a scatter chart of the split per image
		SaveLandmarkChart bool `yaml:"save_landmark_chart"`

		// PreviewMaxWidth downscales wide previews. Zero keeps full size.
		PreviewMaxWidth int `yaml:"preview_max_width" validate:"gte=0"`

		// MarginLabel is drawn next to each box on the preview
		MarginLabel string `yaml:"margin_label"`
	} `yaml:"output"`

	// Logging parameters
	Log struct {
		Level    string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
		File     string `yaml:"file"`
		NoColors bool   `yaml:"no_colors"`

		// ReportCaller prefixes entries with file, line and function
		ReportCaller bool `yaml:"report_caller"`
	} `yaml:"log"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Paths.DicomDir = "data/dicoms"
	cfg.Paths.LandmarksDir = "data/landmarks"
	cfg.Paths.OutputDir = "data/cropped_images"
	cfg.Paths.PreviewDir = "data/previews"

	cfg.Processing.MarginCM = 10
	cfg.Processing.ExpectedPoints = 150
	cfg.Processing.Splitter = "median"

	cfg.Output.Format = "png"
	cfg.Output.SavePreview = true
	cfg.Output.SaveLandmarkChart = false
	cfg.Output.PreviewMaxWidth = 1600
	cfg.Output.MarginLabel = "1cm"

	cfg.Log.Level = "info"

	return cfg
}

// Validate checks field constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if (c.Output.SavePreview || c.Output.SaveLandmarkChart) && c.Paths.PreviewDir == "" {
		return fmt.Errorf("invalid configuration: preview_dir is required when previews or charts are enabled")
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
