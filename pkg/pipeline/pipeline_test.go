package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kneecrop/internal/models"
	"kneecrop/pkg/config"
	"kneecrop/pkg/geometry"
	"kneecrop/pkg/logging"
)

// fakeReader serves synthetic radiographs keyed by file base name
type fakeReader struct {
	images map[string]*models.Radiograph
	reads  []string
}

func (f *fakeReader) Read(path string) (*models.Radiograph, error) {
	f.reads = append(f.reads, filepath.Base(path))
	r, ok := f.images[filepath.Base(path)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrDecode, path)
	}
	return r, nil
}

type testEnv struct {
	dicomDir     string
	landmarksDir string
	outputDir    string
	previewDir   string
	reader       *fakeReader
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		dicomDir:     filepath.Join(root, "dicoms"),
		landmarksDir: filepath.Join(root, "landmarks"),
		outputDir:    filepath.Join(root, "cropped_images"),
		previewDir:   filepath.Join(root, "previews"),
		reader:       &fakeReader{images: map[string]*models.Radiograph{}},
	}
	for _, dir := range []string{env.dicomDir, env.landmarksDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("Failed to create %s: %v", dir, err)
		}
	}
	return env
}

// addImage registers a DICOM placeholder file and its radiograph
func (e *testEnv) addImage(t *testing.T, name, patientID string, width, height int, spacing models.PixelSpacing) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.dicomDir, name), []byte("DICM"), 0644); err != nil {
		t.Fatalf("Failed to write DICOM placeholder: %v", err)
	}
	e.reader.images[name] = &models.Radiograph{
		Path:      filepath.Join(e.dicomDir, name),
		PatientID: patientID,
		Spacing:   spacing,
		Pixels:    image.NewGray16(image.Rect(0, 0, width, height)),
	}
}

// addLandmarks writes a .pts file with 75 points on each knee, all left
// points at leftX and all right points at rightX
func (e *testEnv) addLandmarks(t *testing.T, base string, leftX, rightX float64) {
	t.Helper()
	var b strings.Builder
	b.WriteString("version: 1\nn_points: 150\n{\n")
	for i := 0; i < 75; i++ {
		fmt.Fprintf(&b, "%g %g\n", leftX, 100+float64(i))
	}
	for i := 0; i < 75; i++ {
		fmt.Fprintf(&b, "%g %g\n", rightX, 100+float64(i))
	}
	b.WriteString("}\n")
	e.writeLandmarks(t, base, b.String())
}

func (e *testEnv) writeLandmarks(t *testing.T, base, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(e.landmarksDir, base+".pts"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write landmarks: %v", err)
	}
}

func (e *testEnv) params() *Params {
	return &Params{
		DicomDir:       e.dicomDir,
		LandmarksDir:   e.landmarksDir,
		OutputDir:      e.outputDir,
		MarginCM:       10,
		ExpectedPoints: 150,
		OutputFormat:   "png",
		PreviewDir:     e.previewDir,
	}
}

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	if err != nil {
		t.Fatalf("Failed to decode %s: %v", path, err)
	}
	return cfg.Width, cfg.Height
}

func TestProcessWritesBothKnees(t *testing.T) {
	env := newTestEnv(t)
	env.addImage(t, "9001.dcm", "9001", 400, 300, models.PixelSpacing{Row: 0.5, Column: 0.5})
	env.addLandmarks(t, "9001", 100, 300)

	p := NewPipeline(env.params(), WithReader(env.reader))
	report, err := p.Process()
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(report.Failures) != 0 {
		t.Fatalf("Unexpected failures: %v", report.Failures)
	}
	if len(report.Results) != 1 {
		t.Fatalf("Expected 1 result, got %d", len(report.Results))
	}
	if report.RunID == "" {
		t.Error("Expected a run id")
	}

	res := report.Results[0]
	if res.Margin.Row != 20 || res.Margin.Column != 20 {
		t.Errorf("Expected margin {20 20}, got %+v", res.Margin)
	}
	// Left xs are all 100, ys run 100..174
	wantLeft := models.BoundingBox{StartX: 80, EndX: 120, StartY: 80, EndY: 194}
	if res.Left != wantLeft {
		t.Errorf("Expected left box %v, got %v", wantLeft, res.Left)
	}
	wantRight := models.BoundingBox{StartX: 280, EndX: 320, StartY: 80, EndY: 194}
	if res.Right != wantRight {
		t.Errorf("Expected right box %v, got %v", wantRight, res.Right)
	}

	w, h := decodeSize(t, filepath.Join(env.outputDir, "9001_L.png"))
	if w != 40 || h != 114 {
		t.Errorf("Expected 40x114 left crop, got %dx%d", w, h)
	}
	w, h = decodeSize(t, filepath.Join(env.outputDir, "9001_R.png"))
	if w != 40 || h != 114 {
		t.Errorf("Expected 40x114 right crop, got %dx%d", w, h)
	}
}

func TestProcessContinuesAfterFailures(t *testing.T) {
	env := newTestEnv(t)

	// Missing landmark file
	env.addImage(t, "a.dcm", "A", 400, 300, models.PixelSpacing{Row: 1, Column: 1})

	// Malformed landmark file
	env.addImage(t, "b.dcm", "B", 400, 300, models.PixelSpacing{Row: 1, Column: 1})
	env.writeLandmarks(t, "b", "version: 1\nn_points: 150\n{\n12 nope\n")

	// All points share one x, so the left group is empty
	env.addImage(t, "c.dcm", "C", 400, 300, models.PixelSpacing{Row: 1, Column: 1})
	env.addLandmarks(t, "c", 200, 200)

	// Zero spacing
	env.addImage(t, "d.dcm", "D", 400, 300, models.PixelSpacing{Row: 0, Column: 1})
	env.addLandmarks(t, "d", 100, 300)

	// Good image
	env.addImage(t, "e.dcm", "E", 400, 300, models.PixelSpacing{Row: 1, Column: 1})
	env.addLandmarks(t, "e", 100, 300)

	var logs bytes.Buffer
	logger, err := logging.NewLogger(logging.Options{Level: "info", NoColors: true, Output: &logs})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	p := NewPipeline(env.params(), WithReader(env.reader), WithLogger(logger))
	report, err := p.Process()
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(report.Results) != 1 || report.Results[0].PatientID != "E" {
		t.Fatalf("Expected only patient E to succeed, got %d results", len(report.Results))
	}
	if len(report.Failures) != 4 {
		t.Fatalf("Expected 4 failures, got %d: %v", len(report.Failures), report.Failures)
	}

	want := []struct {
		file      string
		sentinel  error
		patientID string
		side      models.Side
	}{
		{"a.dcm", models.ErrMissingFile, "", ""},
		{"b.dcm", models.ErrMalformedLandmarks, "", ""},
		{"c.dcm", models.ErrEmptyGroup, "C", models.Left},
		{"d.dcm", models.ErrInvalidSpacing, "D", ""},
	}
	for i, w := range want {
		f := report.Failures[i]
		if filepath.Base(f.Path) != w.file {
			t.Errorf("Failure %d: expected %s, got %s", i, w.file, f.Path)
		}
		if !errors.Is(f, w.sentinel) {
			t.Errorf("Failure %d: expected %v, got %v", i, w.sentinel, f.Err)
		}
		if f.PatientID != w.patientID || f.Side != w.side {
			t.Errorf("Failure %d: expected patient %q side %q, got %q %q", i, w.patientID, w.side, f.PatientID, f.Side)
		}
	}

	if !strings.Contains(report.Failures[2].Error(), "patient C") || !strings.Contains(report.Failures[2].Error(), "side L") {
		t.Errorf("Expected error message to name patient and side, got %q", report.Failures[2].Error())
	}
	if !strings.Contains(logs.String(), "empty-group") {
		t.Error("Expected failure kind in the log output")
	}

	// A missing landmark file is detected before the image is decoded
	for _, name := range env.reader.reads {
		if name == "a.dcm" || name == "b.dcm" {
			t.Errorf("Image %s decoded although its landmarks failed", name)
		}
	}

	if _, err := os.Stat(filepath.Join(env.outputDir, "C_R.png")); !os.IsNotExist(err) {
		t.Error("Expected no crops for a failed image")
	}
}

func TestProcessImageDecodeFailure(t *testing.T) {
	env := newTestEnv(t)
	env.addLandmarks(t, "x", 100, 300)
	path := filepath.Join(env.dicomDir, "x.dcm")

	p := NewPipeline(env.params(), WithReader(env.reader))
	_, err := p.ProcessImage(path)

	var imgErr *ImageError
	if !errors.As(err, &imgErr) {
		t.Fatalf("Expected *ImageError, got %T", err)
	}
	if !errors.Is(err, models.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestProcessRejectsInvertedBox(t *testing.T) {
	env := newTestEnv(t)
	// Landmarks to the right of a narrow image push the right box start
	// past the clamped end
	env.addImage(t, "n.dcm", "N", 150, 300, models.PixelSpacing{Row: 1, Column: 1})
	env.addLandmarks(t, "n", 10, 400)

	p := NewPipeline(env.params(), WithReader(env.reader))
	report, err := p.Process()
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(report.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(report.Failures))
	}
	f := report.Failures[0]
	if !errors.Is(f, models.ErrInvalidBox) || f.Side != models.Right {
		t.Errorf("Expected invalid right box, got %v", f)
	}
	if _, err := os.Stat(filepath.Join(env.outputDir, "N_L.png")); !os.IsNotExist(err) {
		t.Error("Expected no left crop when the right box is invalid")
	}
}

// failingRightWriter writes left crops to disk and fails every right crop
type failingRightWriter struct {
	dir string
}

func (w *failingRightWriter) WriteCrop(img *image.Gray16, box models.BoundingBox, patientID string, side models.Side) (string, error) {
	if side == models.Right {
		return "", errors.New("disk full")
	}
	path := filepath.Join(w.dir, patientID+"_"+string(side)+".png")
	if err := os.WriteFile(path, []byte("crop"), 0644); err != nil {
		return "", err
	}
	return path, nil
}

func TestProcessRemovesLeftCropWhenRightWriteFails(t *testing.T) {
	env := newTestEnv(t)
	env.addImage(t, "P1.dcm", "P1", 400, 300, models.PixelSpacing{Row: 0.5, Column: 0.5})
	env.addLandmarks(t, "P1", 100, 300)
	if err := os.MkdirAll(env.outputDir, 0755); err != nil {
		t.Fatalf("Failed to create output dir: %v", err)
	}

	p := NewPipeline(env.params(), WithReader(env.reader), WithCropWriter(&failingRightWriter{dir: env.outputDir}))
	report, err := p.Process()
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(report.Failures) != 1 || report.Failures[0].Side != models.Right {
		t.Fatalf("Expected one right side failure, got %v", report.Failures)
	}
	if _, err := os.Stat(filepath.Join(env.outputDir, "P1_L.png")); !os.IsNotExist(err) {
		t.Errorf("Expected left crop to be removed, stat returned %v", err)
	}
}

func TestProcessMissingDicomDir(t *testing.T) {
	env := newTestEnv(t)
	params := env.params()
	params.DicomDir = filepath.Join(t.TempDir(), "absent")

	if _, err := NewPipeline(params, WithReader(env.reader)).Process(); err == nil {
		t.Error("Expected batch error for missing DICOM directory")
	}
}

func TestProcessSkipsDirectoriesAndHiddenFiles(t *testing.T) {
	env := newTestEnv(t)
	if err := os.MkdirAll(filepath.Join(env.dicomDir, "nested"), 0755); err != nil {
		t.Fatalf("Failed to create nested dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.dicomDir, ".DS_Store"), nil, 0644); err != nil {
		t.Fatalf("Failed to write hidden file: %v", err)
	}

	report, err := NewPipeline(env.params(), WithReader(env.reader)).Process()
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(report.Results)+len(report.Failures) != 0 {
		t.Errorf("Expected nothing processed, got %d results %d failures", len(report.Results), len(report.Failures))
	}
	if _, err := os.Stat(env.outputDir); err != nil {
		t.Errorf("Expected output directory to be created: %v", err)
	}
}

func TestProcessWritesPreviewAndChart(t *testing.T) {
	env := newTestEnv(t)
	env.addImage(t, "9002.dcm", "9002", 400, 300, models.PixelSpacing{Row: 1, Column: 1})
	env.addLandmarks(t, "9002", 100, 300)

	params := env.params()
	params.SavePreview = true
	params.SaveLandmarkChart = true
	params.MarginLabel = "1cm"
	params.Splitter = geometry.KMeansSplitter{}

	report, err := NewPipeline(params, WithReader(env.reader)).Process()
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("Expected 1 result, got failures %v", report.Failures)
	}
	if n := len(report.Results[0].Outputs); n != 4 {
		t.Errorf("Expected 4 outputs, got %d: %v", n, report.Results[0].Outputs)
	}
	for _, name := range []string{"9002_preview.png", "9002_landmarks.png"} {
		if _, err := os.Stat(filepath.Join(env.previewDir, name)); err != nil {
			t.Errorf("Expected %s: %v", name, err)
		}
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Processing.Splitter = "kmeans"

	params := ParamsFromConfig(cfg)
	if params.DicomDir != "data/dicoms" || params.OutputDir != "data/cropped_images" {
		t.Errorf("Unexpected paths %+v", params)
	}
	if params.MarginCM != 10 || params.ExpectedPoints != 150 {
		t.Errorf("Unexpected processing params %+v", params)
	}
	if _, ok := params.Splitter.(geometry.KMeansSplitter); !ok {
		t.Errorf("Expected KMeansSplitter, got %T", params.Splitter)
	}
}
