package models

import (
	"fmt"
	"image"
	"math"
)

// LandmarkSet holds the landmark coordinates read from one .pts file.
// Xs[i] and Ys[i] describe the same point.
type LandmarkSet struct {
	// Xs are the column coordinates in pixel space
	Xs []float64

	// Ys are the row coordinates in pixel space
	Ys []float64
}

// Len returns the number of points in the set
func (s LandmarkSet) Len() int {
	return len(s.Xs)
}

// Side identifies the anatomical side a lateral group belongs to
type Side string

const (
	Left  Side = "L"
	Right Side = "R"
)

// String returns a human readable side name
func (s Side) String() string {
	switch s {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return string(s)
	}
}

// LateralGroup is the subset of a LandmarkSet assigned to one side
type LateralGroup struct {
	Side Side
	Xs   []float64
	Ys   []float64
}

// Len returns the number of points in the group
func (g LateralGroup) Len() int {
	return len(g.Xs)
}

// PixelSpacing is the physical size of a pixel in length units per pixel,
// ordered as DICOM stores it: row spacing first, then column spacing.
type PixelSpacing struct {
	Row    float64
	Column float64
}

// Validate reports ErrInvalidSpacing unless both components are positive
func (p PixelSpacing) Validate() error {
	if !(p.Row > 0) || !(p.Column > 0) || math.IsInf(p.Row, 0) || math.IsInf(p.Column, 0) {
		return fmt.Errorf("%w: row=%v column=%v", ErrInvalidSpacing, p.Row, p.Column)
	}
	return nil
}

// MarginPixels is a physical margin expressed in pixels along each axis
type MarginPixels struct {
	Row    float64
	Column float64
}

// BoundingBox is a crop region in pixel-index space. The end coordinates
// are exclusive, matching image.Rectangle.
type BoundingBox struct {
	StartX, EndX int
	StartY, EndY int
}

// Rect converts the box into an image.Rectangle without canonicalizing it
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rectangle{
		Min: image.Point{X: b.StartX, Y: b.StartY},
		Max: image.Point{X: b.EndX, Y: b.EndY},
	}
}

// Width returns EndX - StartX, which is negative for an inverted box
func (b BoundingBox) Width() int {
	return b.EndX - b.StartX
}

// Height returns EndY - StartY, which is negative for an inverted box
func (b BoundingBox) Height() int {
	return b.EndY - b.StartY
}

// Empty reports whether the box covers no pixels
func (b BoundingBox) Empty() bool {
	return b.Width() <= 0 || b.Height() <= 0
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("x[%d:%d] y[%d:%d]", b.StartX, b.EndX, b.StartY, b.EndY)
}

// Radiograph is a decoded DICOM image together with the metadata the crop
// pipeline needs
type Radiograph struct {
	// Path is the file the image was read from
	Path string

	// PatientID is the DICOM (0010,0020) value, used to name output files
	PatientID string

	// Spacing is the physical pixel size in mm/pixel
	Spacing PixelSpacing

	// Pixels holds the first frame, stretched to the full 16-bit range
	Pixels *image.Gray16
}

// Width returns the number of pixel columns
func (r *Radiograph) Width() int {
	return r.Pixels.Bounds().Dx()
}

// Height returns the number of pixel rows
func (r *Radiograph) Height() int {
	return r.Pixels.Bounds().Dy()
}
