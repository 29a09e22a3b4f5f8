// Package pipeline runs the knee crop pipeline over a directory of
// radiographs. Each image goes through the same steps:
//
//  1. Load the matching .pts landmark file
//  2. Decode the DICOM image and its pixel spacing
//  3. Convert the physical margin into pixels
//  4. Split the landmarks into left and right knee groups
//  5. Build one clamped bounding box per group
//  6. Save both crops, then the optional preview and landmark chart
//
// A failure stops the current image only. It is logged, recorded in the
// Report and the batch moves on to the next image.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"kneecrop/internal/models"
	"kneecrop/pkg/config"
	"kneecrop/pkg/dicomio"
	"kneecrop/pkg/geometry"
	"kneecrop/pkg/landmarks"
	"kneecrop/pkg/logging"
	"kneecrop/pkg/visualization"
)

// ImageReader decodes a radiograph from disk
type ImageReader interface {
	Read(path string) (*models.Radiograph, error)
}

// CropWriter persists one knee crop and returns the written path
type CropWriter interface {
	WriteCrop(img *image.Gray16, box models.BoundingBox, patientID string, side models.Side) (string, error)
}

// Params holds the pipeline configuration
type Params struct {
	// DicomDir is scanned for input images
	DicomDir string

	// LandmarksDir holds a <base>.pts file per DICOM file
	LandmarksDir string

	// OutputDir receives the crops. It is created if absent.
	OutputDir string

	// MarginCM is divided by the pixel spacing to get the margin in pixels
	MarginCM float64

	// ExpectedPoints is enforced on every landmark file when positive
	ExpectedPoints int

	// Splitter separates the knees. Nil means the median splitter.
	Splitter geometry.Splitter

	// OutputFormat is the crop file extension
	OutputFormat string

	// PreviewDir receives previews and charts
	PreviewDir string

	SavePreview       bool
	SaveLandmarkChart bool
	PreviewMaxWidth   int
	MarginLabel       string
}

// ParamsFromConfig maps a loaded configuration onto pipeline parameters
func ParamsFromConfig(cfg *config.Config) *Params {
	return &Params{
		DicomDir:          cfg.Paths.DicomDir,
		LandmarksDir:      cfg.Paths.LandmarksDir,
		OutputDir:         cfg.Paths.OutputDir,
		MarginCM:          cfg.Processing.MarginCM,
		ExpectedPoints:    cfg.Processing.ExpectedPoints,
		Splitter:          geometry.SplitterByName(cfg.Processing.Splitter),
		OutputFormat:      cfg.Output.Format,
		PreviewDir:        cfg.Paths.PreviewDir,
		SavePreview:       cfg.Output.SavePreview,
		SaveLandmarkChart: cfg.Output.SaveLandmarkChart,
		PreviewMaxWidth:   cfg.Output.PreviewMaxWidth,
		MarginLabel:       cfg.Output.MarginLabel,
	}
}

// ImageResult describes a successfully processed image
type ImageResult struct {
	Path      string
	PatientID string
	Spacing   models.PixelSpacing
	Margin    models.MarginPixels
	Threshold float64
	Left      models.BoundingBox
	Right     models.BoundingBox

	// Outputs lists every file written for this image
	Outputs []string
}

// ImageError is the failure of one image. Side is set when the failure is
// specific to one knee.
type ImageError struct {
	Path      string
	PatientID string
	Side      models.Side
	Err       error
}

func (e *ImageError) Error() string {
	var b strings.Builder
	b.WriteString(filepath.Base(e.Path))
	if e.PatientID != "" {
		fmt.Fprintf(&b, " (patient %s)", e.PatientID)
	}
	if e.Side != "" {
		fmt.Fprintf(&b, " side %s", string(e.Side))
	}
	fmt.Fprintf(&b, ": %s: %v", models.Kind(e.Err), e.Err)
	return b.String()
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

// Report summarizes a batch run
type Report struct {
	RunID    string
	Results  []*ImageResult
	Failures []*ImageError
	Duration time.Duration
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithReader replaces the DICOM reader
func WithReader(r ImageReader) Option {
	return func(p *Pipeline) {
		p.reader = r
	}
}

// WithCropWriter replaces the crop writer
func WithCropWriter(w CropWriter) Option {
	return func(p *Pipeline) {
		p.crops = w
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(p *Pipeline) {
		p.log = logrus.NewEntry(logger)
	}
}

// Pipeline crops knees out of a directory of radiographs
type Pipeline struct {
	params  *Params
	reader  ImageReader
	crops   CropWriter
	preview *visualization.PreviewRenderer
	log     *logrus.Entry
}

// NewPipeline creates a pipeline. Without options it reads DICOM files from
// disk, writes crops into params.OutputDir and discards log output.
func NewPipeline(params *Params, opts ...Option) *Pipeline {
	if params.Splitter == nil {
		params.Splitter = geometry.MedianSplitter{}
	}

	p := &Pipeline{
		params: params,
		reader: dicomio.NewReader(),
		crops:  visualization.NewCropWriter(params.OutputDir, params.OutputFormat),
		preview: visualization.NewPreviewRenderer(visualization.PreviewOptions{
			MaxWidth:    params.PreviewMaxWidth,
			MarginLabel: params.MarginLabel,
		}),
		log: logrus.NewEntry(logging.Discard()),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs every image in DicomDir through the pipeline. The returned
// error is only set when the batch cannot run at all; per-image failures
// are in Report.Failures.
func (p *Pipeline) Process() (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	start := time.Now()
	log := p.log.WithField("run_id", report.RunID)

	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	files, err := listDicomFiles(p.params.DicomDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list DICOM directory: %w", err)
	}
	if len(files) == 0 {
		log.WithField("dir", p.params.DicomDir).Warn("no DICOM files found")
	}

	log.WithFields(logging.Fields{
		"images":   len(files),
		"margin":   p.params.MarginCM,
		"splitter": fmt.Sprintf("%T", p.params.Splitter),
	}).Info("starting batch")

	for i, path := range files {
		entry := log.WithFields(logging.Fields{
			"file":  filepath.Base(path),
			"index": fmt.Sprintf("%d/%d", i+1, len(files)),
		})

		result, err := p.processImage(path, entry)
		if err != nil {
			var imgErr *ImageError
			if !errors.As(err, &imgErr) {
				imgErr = &ImageError{Path: path, Err: err}
			}
			entry.WithFields(logging.Fields{
				"patient_id": imgErr.PatientID,
				"side":       string(imgErr.Side),
				"kind":       models.Kind(imgErr.Err),
			}).Errorf("image failed: %v", imgErr.Err)
			report.Failures = append(report.Failures, imgErr)
			continue
		}

		entry.WithFields(logging.Fields{
			"patient_id": result.PatientID,
			"left":       result.Left.String(),
			"right":      result.Right.String(),
		}).Info("saved cropped images")
		report.Results = append(report.Results, result)
	}

	report.Duration = time.Since(start)
	log.WithFields(logging.Fields{
		"processed": len(report.Results),
		"failed":    len(report.Failures),
		"duration":  report.Duration.Round(time.Millisecond).String(),
	}).Info("batch finished")

	return report, nil
}

// ProcessImage runs a single DICOM file through the pipeline. Failures are
// returned as *ImageError.
func (p *Pipeline) ProcessImage(path string) (*ImageResult, error) {
	return p.processImage(path, p.log.WithField("file", filepath.Base(path)))
}

func (p *Pipeline) processImage(path string, log *logrus.Entry) (*ImageResult, error) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	fail := func(patientID string, side models.Side, err error) (*ImageResult, error) {
		return nil, &ImageError{Path: path, PatientID: patientID, Side: side, Err: err}
	}

	// Step 1: landmarks
	set, err := landmarks.Load(landmarks.PathFor(p.params.LandmarksDir, base),
		landmarks.Options{ExpectedPoints: p.params.ExpectedPoints})
	if err != nil {
		return fail("", "", err)
	}
	log.WithField("points", set.Len()).Debug("loaded landmarks")

	// Step 2: image
	radiograph, err := p.reader.Read(path)
	if err != nil {
		return fail("", "", err)
	}
	patientID := radiograph.PatientID
	if radiograph.Pixels == nil || radiograph.Width() == 0 || radiograph.Height() == 0 {
		return fail(patientID, "", fmt.Errorf("%w: empty pixel data", models.ErrDecode))
	}
	log = log.WithField("patient_id", patientID)
	log.WithFields(logging.Fields{
		"width":   radiograph.Width(),
		"height":  radiograph.Height(),
		"spacing": fmt.Sprintf("%g\\%g", radiograph.Spacing.Row, radiograph.Spacing.Column),
	}).Debug("decoded image")

	// Step 3: margin
	margin, err := geometry.MarginToPixels(p.params.MarginCM, radiograph.Spacing)
	if err != nil {
		return fail(patientID, "", err)
	}

	// Step 4: split
	left, right, threshold := geometry.Split(set, p.params.Splitter)
	log.WithFields(logging.Fields{
		"threshold": threshold,
		"left":      left.Len(),
		"right":     right.Len(),
	}).Debug("split landmarks")

	// Step 5: boxes, both before anything is written
	leftBox, err := geometry.BoundingBoxFor(left, margin, radiograph.Height(), radiograph.Width())
	if err != nil {
		return fail(patientID, models.Left, err)
	}
	rightBox, err := geometry.BoundingBoxFor(right, margin, radiograph.Height(), radiograph.Width())
	if err != nil {
		return fail(patientID, models.Right, err)
	}

	for _, c := range []struct {
		side models.Side
		box  models.BoundingBox
	}{{models.Left, leftBox}, {models.Right, rightBox}} {
		if c.box.Empty() {
			return fail(patientID, c.side, fmt.Errorf("%w: %s", models.ErrInvalidBox, c.box))
		}
	}

	result := &ImageResult{
		Path:      path,
		PatientID: patientID,
		Spacing:   radiograph.Spacing,
		Margin:    margin,
		Threshold: threshold,
		Left:      leftBox,
		Right:     rightBox,
	}

	// Step 6: outputs
	for _, c := range []struct {
		side models.Side
		box  models.BoundingBox
	}{{models.Left, leftBox}, {models.Right, rightBox}} {
		written, err := p.crops.WriteCrop(radiograph.Pixels, c.box, patientID, c.side)
		if err != nil {
			// Both knees or neither
			for _, partial := range result.Outputs {
				if rmErr := os.Remove(partial); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
					log.WithError(rmErr).Warnf("failed to remove partial crop %s", partial)
				}
			}
			return fail(patientID, c.side, err)
		}
		result.Outputs = append(result.Outputs, written)
	}

	p.writeExtras(radiograph, set, left, right, result, log)

	return result, nil
}

// writeExtras saves the preview and landmark chart. They are presentation
// only, so failures are logged and do not fail the image.
func (p *Pipeline) writeExtras(r *models.Radiograph, set models.LandmarkSet, left, right models.LateralGroup, result *ImageResult, log *logrus.Entry) {
	if p.params.SavePreview {
		img := p.preview.Render(r, set, []models.BoundingBox{result.Left, result.Right})
		written, err := p.preview.Save(img, p.params.PreviewDir, r.PatientID)
		if err != nil {
			log.WithError(err).Warn("failed to save preview")
		} else {
			result.Outputs = append(result.Outputs, written)
		}
	}

	if p.params.SaveLandmarkChart {
		written, err := visualization.SaveLandmarkChart(left, right, result.Threshold, p.params.PreviewDir, r.PatientID)
		if err != nil {
			log.WithError(err).Warn("failed to save landmark chart")
		} else {
			result.Outputs = append(result.Outputs, written)
		}
	}
}

// listDicomFiles returns the regular, non-hidden files in dir sorted by name
func listDicomFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)

	return files, nil
}
