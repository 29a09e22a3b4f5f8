// Package visualization writes the crop outputs and the preview images that
// show where each knee was cut from the radiograph.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"kneecrop/internal/models"
)

var (
	boxColor      = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	landmarkColor = color.RGBA{R: 0, G: 128, B: 0, A: 255}
	labelColor    = color.RGBA{R: 255, G: 192, B: 203, A: 255}
)

// PreviewOptions controls how previews are drawn
type PreviewOptions struct {
	// MaxWidth downscales wider previews. Zero keeps full resolution.
	MaxWidth int

	// MarginLabel is written above and left of each box
	MarginLabel string
}

// PreviewRenderer draws the radiograph with both crop boxes, the landmarks
// and the margin labels
type PreviewRenderer struct {
	opts PreviewOptions
}

// NewPreviewRenderer creates a renderer
func NewPreviewRenderer(opts PreviewOptions) *PreviewRenderer {
	return &PreviewRenderer{opts: opts}
}

// Render draws the preview at full resolution and scales it down to
// MaxWidth if needed
func (p *PreviewRenderer) Render(r *models.Radiograph, set models.LandmarkSet, boxes []models.BoundingBox) image.Image {
	bounds := r.Pixels.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(canvas, canvas.Bounds(), r.Pixels, bounds.Min, draw.Src)

	// Keep strokes visible after downscaling
	scale := 1
	if p.opts.MaxWidth > 0 && bounds.Dx() > p.opts.MaxWidth {
		scale = (bounds.Dx() + p.opts.MaxWidth - 1) / p.opts.MaxWidth
	}
	thickness := 2 * scale

	for _, box := range boxes {
		drawDashedRect(canvas, box.Rect(), thickness, 10*thickness, 6*thickness, boxColor)
	}

	for i := range set.Xs {
		fillSquare(canvas, int(set.Xs[i]), int(set.Ys[i]), thickness, landmarkColor)
	}

	if p.opts.MarginLabel != "" {
		for _, box := range boxes {
			cx := (box.StartX + box.EndX) / 2
			cy := (box.StartY + box.EndY) / 2
			drawLabel(canvas, p.opts.MarginLabel, image.Pt(cx, box.StartY-10*scale), scale, alignCenterBottom)
			drawLabel(canvas, p.opts.MarginLabel, image.Pt(box.StartX-10*scale, cy), scale, alignRightMiddle)
		}
	}

	if scale > 1 {
		return imaging.Resize(canvas, p.opts.MaxWidth, 0, imaging.Lanczos)
	}
	return canvas
}

// Save writes the preview as <PatientID>_preview.png in dir
func (p *PreviewRenderer) Save(img image.Image, dir, patientID string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create preview directory: %w", err)
	}

	filename := filepath.Join(dir, SafeName(patientID)+"_preview.png")
	if err := imaging.Save(img, filename); err != nil {
		return "", fmt.Errorf("failed to save preview %s: %w", filename, err)
	}
	return filename, nil
}

// drawDashedRect outlines r with dashes of the given length and gap
func drawDashedRect(dst *image.RGBA, r image.Rectangle, thickness, dash, gap int, c color.Color) {
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return
	}

	period := dash + gap
	for x := r.Min.X; x < r.Max.X; x++ {
		if (x-r.Min.X)%period >= dash {
			continue
		}
		for t := 0; t < thickness; t++ {
			setIn(dst, x, r.Min.Y+t, c)
			setIn(dst, x, r.Max.Y-1-t, c)
		}
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		if (y-r.Min.Y)%period >= dash {
			continue
		}
		for t := 0; t < thickness; t++ {
			setIn(dst, r.Min.X+t, y, c)
			setIn(dst, r.Max.X-1-t, y, c)
		}
	}
}

// fillSquare paints a square of side 2*half+1 centred on (cx, cy)
func fillSquare(dst *image.RGBA, cx, cy, half int, c color.Color) {
	for y := cy - half; y <= cy+half; y++ {
		for x := cx - half; x <= cx+half; x++ {
			setIn(dst, x, y, c)
		}
	}
}

func setIn(dst *image.RGBA, x, y int, c color.Color) {
	if image.Pt(x, y).In(dst.Bounds()) {
		dst.Set(x, y, c)
	}
}

type labelAlign int

const (
	alignCenterBottom labelAlign = iota
	alignRightMiddle
)

// drawLabel renders text with the built in bitmap font and pastes it,
// enlarged by scale, next to anchor
func drawLabel(dst *image.RGBA, text string, anchor image.Point, scale int, align labelAlign) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	height := face.Metrics().Height.Ceil()
	if width == 0 || height == 0 {
		return
	}

	glyphs := image.NewRGBA(image.Rect(0, 0, width, height))
	d := &font.Drawer{
		Dst:  glyphs,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(0, face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(text)

	var src image.Image = glyphs
	var target image.Rectangle
	switch align {
	case alignRightMiddle:
		// Side labels read bottom to top
		src = imaging.Rotate90(glyphs)
		w, h := height*scale, width*scale
		target = image.Rect(anchor.X-w, anchor.Y-h/2, anchor.X, anchor.Y-h/2+h)
	default:
		w, h := width*scale, height*scale
		target = image.Rect(anchor.X-w/2, anchor.Y-h, anchor.X-w/2+w, anchor.Y)
	}

	draw.NearestNeighbor.Scale(dst, target, src, src.Bounds(), draw.Over, nil)
}
