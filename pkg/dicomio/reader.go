// Package dicomio decodes knee radiographs stored as DICOM files into the
// grayscale pixel grid and metadata used by the crop pipeline.
package dicomio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"kneecrop/internal/models"
)

// Reader reads DICOM files from disk
type Reader struct{}

// NewReader creates a DICOM reader
func NewReader() *Reader {
	return &Reader{}
}

// Read decodes the DICOM file at path. Only the first frame of the pixel
// data is used.
func (r *Reader) Read(path string) (*models.Radiograph, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", models.ErrMissingFile, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	dataset, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrDecode, path, err)
	}

	patientID := stringValue(dataset, tag.PatientID)
	if patientID == "" {
		// Fall back to the file name so outputs stay unique
		patientID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	spacing, err := readSpacing(dataset)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	pixels, err := readPixels(dataset)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrDecode, path, err)
	}

	return &models.Radiograph{
		Path:      path,
		PatientID: patientID,
		Spacing:   spacing,
		Pixels:    pixels,
	}, nil
}

// stringValue returns the first string value of the element with tag t
func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// readSpacing reads PixelSpacing, falling back to ImagerPixelSpacing which
// projection radiographs (CR/DX) often carry instead
func readSpacing(ds dicom.Dataset) (models.PixelSpacing, error) {
	for _, t := range []tag.Tag{tag.PixelSpacing, tag.ImagerPixelSpacing} {
		el, err := ds.FindElementByTag(t)
		if err != nil {
			continue
		}
		values, ok := el.Value.GetValue().([]string)
		if !ok {
			continue
		}
		return ParseSpacing(values)
	}
	return models.PixelSpacing{}, fmt.Errorf("%w: no pixel spacing element", models.ErrInvalidSpacing)
}

// ParseSpacing parses a DICOM decimal string pair "row\column". A single
// backslash-joined value is split as well.
func ParseSpacing(values []string) (models.PixelSpacing, error) {
	if len(values) == 1 {
		values = strings.Split(values[0], `\`)
	}
	if len(values) != 2 {
		return models.PixelSpacing{}, fmt.Errorf("%w: expected 2 values, got %d", models.ErrInvalidSpacing, len(values))
	}

	var parsed [2]float64
	for i, v := range values {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return models.PixelSpacing{}, fmt.Errorf("%w: %q is not a number", models.ErrInvalidSpacing, v)
		}
		parsed[i] = f
	}

	spacing := models.PixelSpacing{Row: parsed[0], Column: parsed[1]}
	if err := spacing.Validate(); err != nil {
		return models.PixelSpacing{}, err
	}
	return spacing, nil
}

// readPixels converts the first frame of PixelData to a 16-bit image
func readPixels(ds dicom.Dataset) (*image.Gray16, error) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %v", err)
	}
	info, ok := el.Value.GetValue().(dicom.PixelDataInfo)
	if !ok {
		return nil, errors.New("unexpected pixel data value")
	}
	if len(info.Frames) == 0 {
		return nil, errors.New("pixel data has no frames")
	}

	fr := info.Frames[0]
	if fr.Encapsulated {
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("failed to decode encapsulated frame: %v", err)
		}
		return ImageToGray16(img), nil
	}

	native := fr.NativeData
	return NativeToGray16(native.Data, native.Rows, native.Cols)
}

// NativeToGray16 builds an image from row-major native samples, stretching
// the stored value range onto 0..65535. Only the first sample of each pixel
// is used.
func NativeToGray16(data [][]int, rows, cols int) (*image.Gray16, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cols, rows)
	}
	if len(data) < rows*cols {
		return nil, fmt.Errorf("frame has %d pixels, expected %d", len(data), rows*cols)
	}

	lo, hi := math.MaxInt, math.MinInt
	for _, px := range data[:rows*cols] {
		if len(px) == 0 {
			return nil, errors.New("pixel without samples")
		}
		lo = min(lo, px[0])
		hi = max(hi, px[0])
	}

	img := image.NewGray16(image.Rect(0, 0, cols, rows))
	scale := 0.0
	if hi > lo {
		scale = 65535.0 / float64(hi-lo)
	}
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := float64(data[y*cols+x][0]-lo) * scale
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round(v))})
		}
	}

	return img, nil
}

// ImageToGray16 converts a decoded image to 16-bit grayscale
func ImageToGray16(img image.Image) *image.Gray16 {
	if g, ok := img.(*image.Gray16); ok {
		return g
	}

	bounds := img.Bounds()
	out := image.NewGray16(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			out.SetGray16(x, y, c)
		}
	}
	return out
}
