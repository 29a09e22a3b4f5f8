package visualization

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"kneecrop/internal/models"
)

// CropWriter saves knee crops as <PatientID>_<side>.<format> in a directory
type CropWriter struct {
	outputDir string
	format    string
}

// NewCropWriter creates a writer for outputDir. format is the file
// extension without the dot, for example "png".
func NewCropWriter(outputDir, format string) *CropWriter {
	if format == "" {
		format = "png"
	}
	return &CropWriter{
		outputDir: outputDir,
		format:    strings.TrimPrefix(strings.ToLower(format), "."),
	}
}

// Filename returns the output path for a patient and side
func (w *CropWriter) Filename(patientID string, side models.Side) string {
	return filepath.Join(w.outputDir, fmt.Sprintf("%s_%s.%s", SafeName(patientID), string(side), w.format))
}

// WriteCrop cuts box out of img and saves it. PNG output keeps the full
// 16-bit depth. An empty, inverted or out-of-range box is rejected with
// ErrInvalidBox.
func (w *CropWriter) WriteCrop(img *image.Gray16, box models.BoundingBox, patientID string, side models.Side) (string, error) {
	rect := box.Rect()
	if box.Empty() || !rect.In(img.Bounds()) {
		return "", fmt.Errorf("%w: %s side %s for %dx%d image", models.ErrInvalidBox,
			side, box, img.Bounds().Dx(), img.Bounds().Dy())
	}

	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	filename := w.Filename(patientID, side)
	cropped := img.SubImage(rect)
	if err := imaging.Save(cropped, filename); err != nil {
		return "", fmt.Errorf("failed to save crop %s: %w", filename, err)
	}

	return filename, nil
}

// SafeName replaces characters that cannot appear in a file name
func SafeName(id string) string {
	id = strings.TrimSpace(id)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, id)
}
