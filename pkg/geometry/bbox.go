package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"kneecrop/internal/models"
)

// MarginToPixels converts a physical margin into pixels per axis by dividing
// it by the pixel spacing
func MarginToPixels(margin float64, spacing models.PixelSpacing) (models.MarginPixels, error) {
	if err := spacing.Validate(); err != nil {
		return models.MarginPixels{}, err
	}

	return models.MarginPixels{
		Row:    margin / spacing.Row,
		Column: margin / spacing.Column,
	}, nil
}

// BoundingBoxFor computes the margin-expanded box around group, clamped to
// an image of the given height and width. Coordinates are truncated toward
// zero before clamping. The box is not checked for inversion; a margin large
// enough to push the start past the end is left for the caller to reject.
func BoundingBoxFor(group models.LateralGroup, margin models.MarginPixels, height, width int) (models.BoundingBox, error) {
	if len(group.Xs) == 0 || len(group.Ys) == 0 {
		return models.BoundingBox{}, fmt.Errorf("%w: no %s landmarks", models.ErrEmptyGroup, group.Side)
	}

	minX, maxX := floats.Min(group.Xs), floats.Max(group.Xs)
	minY, maxY := floats.Min(group.Ys), floats.Max(group.Ys)

	return models.BoundingBox{
		StartX: max(0, int(minX-margin.Column)),
		EndX:   min(width, int(maxX+margin.Column)),
		StartY: max(0, int(minY-margin.Row)),
		EndY:   min(height, int(maxY+margin.Row)),
	}, nil
}
