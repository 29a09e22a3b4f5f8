package visualization

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"kneecrop/internal/models"
)

const chartDotWidth = 4

// groupSeries plots one lateral group as dots. Image rows grow downwards, so
// y is negated to keep the knees upright.
func groupSeries(g models.LateralGroup, c drawing.Color) chart.ContinuousSeries {
	ys := make([]float64, len(g.Ys))
	for i, y := range g.Ys {
		ys[i] = -y
	}
	return chart.ContinuousSeries{
		Name:    fmt.Sprintf("%s (%d)", g.Side, g.Len()),
		XValues: g.Xs,
		YValues: ys,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    chartDotWidth,
			DotColor:    c,
		},
	}
}

// LandmarkChart plots both lateral groups and the split threshold to w as PNG
func LandmarkChart(left, right models.LateralGroup, threshold float64, title string, w io.Writer) error {
	if left.Len()+right.Len() < 2 {
		return errors.New("not enough landmarks to plot")
	}

	minY, maxY := 0.0, 0.0
	first := true
	for _, g := range []models.LateralGroup{left, right} {
		for _, y := range g.Ys {
			if first || y < minY {
				minY = y
			}
			if first || y > maxY {
				maxY = y
			}
			first = false
		}
	}

	var series []chart.Series
	if left.Len() > 0 {
		series = append(series, groupSeries(left, chart.ColorBlue))
	}
	if right.Len() > 0 {
		series = append(series, groupSeries(right, chart.ColorOrange))
	}
	series = append(series, chart.ContinuousSeries{
		Name:    fmt.Sprintf("threshold x=%.1f", threshold),
		XValues: []float64{threshold, threshold},
		YValues: []float64{-minY, -maxY},
		Style: chart.Style{
			StrokeColor:     chart.ColorRed,
			StrokeDashArray: []float64{5.0, 5.0},
		},
	})

	graph := chart.Chart{
		Title:  title,
		Width:  1200,
		Height: 800,
		XAxis: chart.XAxis{
			Name: "Column (px)",
		},
		YAxis: chart.YAxis{
			Name: "Row (px)",
			ValueFormatter: func(v interface{}) string {
				if f, ok := v.(float64); ok {
					return fmt.Sprintf("%.0f", -f)
				}
				return ""
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

// SaveLandmarkChart writes the chart as <PatientID>_landmarks.png in dir
func SaveLandmarkChart(left, right models.LateralGroup, threshold float64, dir, patientID string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create chart directory: %w", err)
	}

	filename := filepath.Join(dir, SafeName(patientID)+"_landmarks.png")
	f, err := os.Create(filename)
	if err != nil {
		return "", fmt.Errorf("failed to create chart file: %w", err)
	}
	defer f.Close()

	title := fmt.Sprintf("Patient ID: %s landmarks", patientID)
	if err := LandmarkChart(left, right, threshold, title, f); err != nil {
		f.Close()
		os.Remove(filename)
		return "", fmt.Errorf("failed to render chart: %w", err)
	}
	return filename, nil
}
