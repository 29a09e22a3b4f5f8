// Package geometry turns landmark coordinates into crop regions: it splits
// the landmarks into left and right knee groups, converts the physical
// margin into pixels and builds a clamped bounding box per group.
package geometry

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"kneecrop/internal/models"
)

// Splitter chooses the x coordinate that separates the two knees.
// Points with x strictly below the threshold belong to the left group.
type Splitter interface {
	Threshold(xs []float64) float64
}

// MedianSplitter separates the knees at the median x coordinate. It works
// when both knees carry about the same number of landmarks.
type MedianSplitter struct{}

// Threshold returns the median of xs
func (MedianSplitter) Threshold(xs []float64) float64 {
	return Median(xs)
}

// KMeansSplitter runs a one dimensional two-means clustering on x and
// separates the knees halfway between the two centroids. Unlike the median
// it tolerates groups of unequal size.
type KMeansSplitter struct {
	// MaxIterations bounds the refinement loop. Zero means 100.
	MaxIterations int
}

// Threshold returns the midpoint between the converged cluster centroids
func (k KMeansSplitter) Threshold(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}

	maxIter := k.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}

	lo, hi := floats.Min(xs), floats.Max(xs)
	if lo == hi {
		return lo
	}

	var low, high []float64
	for i := 0; i < maxIter; i++ {
		mid := (lo + hi) / 2
		low, high = low[:0], high[:0]
		for _, x := range xs {
			if x < mid {
				low = append(low, x)
			} else {
				high = append(high, x)
			}
		}

		newLo, newHi := lo, hi
		if len(low) > 0 {
			newLo = stat.Mean(low, nil)
		}
		if len(high) > 0 {
			newHi = stat.Mean(high, nil)
		}
		if newLo == lo && newHi == hi {
			break
		}
		lo, hi = newLo, newHi
	}

	return (lo + hi) / 2
}

// Median calculates the median of values. For an even count it is the mean
// of the two middle values. An empty input yields NaN.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Split partitions set into a left and a right group using the threshold
// chosen by splitter. Relative point order is preserved in both groups.
// If every x equals the threshold the left group is empty.
func Split(set models.LandmarkSet, splitter Splitter) (left, right models.LateralGroup, threshold float64) {
	threshold = splitter.Threshold(set.Xs)

	left.Side = models.Left
	right.Side = models.Right
	for i, x := range set.Xs {
		if x < threshold {
			left.Xs = append(left.Xs, x)
			left.Ys = append(left.Ys, set.Ys[i])
		} else {
			right.Xs = append(right.Xs, x)
			right.Ys = append(right.Ys, set.Ys[i])
		}
	}

	return left, right, threshold
}

// SplitterByName returns the splitter registered under name, or nil
func SplitterByName(name string) Splitter {
	switch name {
	case "", "median":
		return MedianSplitter{}
	case "kmeans":
		return KMeansSplitter{}
	default:
		return nil
	}
}
