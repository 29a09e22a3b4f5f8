// Package landmarks reads knee landmark annotations from .pts files.
//
// A .pts file starts with a three line header (version, point count and an
// opening brace) followed by one "x y" record per line. Records are read
// from zero-based lines FirstDataLine through LastDataLine and stop early at
// the closing brace. Anything after that is ignored.
package landmarks

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"kneecrop/internal/models"
)

const (
	// FirstDataLine is the zero-based index of the first coordinate record
	FirstDataLine = 3

	// PointCount is the number of landmarks in a complete knee annotation
	PointCount = 150

	// LastDataLine is the zero-based index of the last coordinate record
	LastDataLine = FirstDataLine + PointCount - 1

	// Extension is the file extension of landmark files
	Extension = ".pts"
)

// Options controls how strictly a landmark file is checked
type Options struct {
	// ExpectedPoints is the number of records the file must contain.
	// Zero accepts any count, including a short file.
	ExpectedPoints int
}

// Load reads the landmark file at path
func Load(path string, opts Options) (models.LandmarkSet, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.LandmarkSet{}, fmt.Errorf("%w: %s", models.ErrMissingFile, path)
		}
		return models.LandmarkSet{}, fmt.Errorf("failed to open landmark file %s: %w", path, err)
	}
	defer file.Close()

	return Parse(file, path, opts)
}

// Parse reads landmark records from r. name is only used in error messages.
func Parse(r io.Reader, name string, opts Options) (models.LandmarkSet, error) {
	var set models.LandmarkSet

	scanner := bufio.NewScanner(r)
	for line := 0; scanner.Scan(); line++ {
		if line < FirstDataLine {
			continue
		}
		if line > LastDataLine {
			break
		}

		if strings.TrimSpace(scanner.Text()) == "}" {
			break
		}

		x, y, err := parseRecord(scanner.Text())
		if err != nil {
			return models.LandmarkSet{}, fmt.Errorf("%w: %s line %d: %v",
				models.ErrMalformedLandmarks, name, line, err)
		}
		set.Xs = append(set.Xs, x)
		set.Ys = append(set.Ys, y)
	}
	if err := scanner.Err(); err != nil {
		return models.LandmarkSet{}, fmt.Errorf("failed to read landmark file %s: %w", name, err)
	}

	if opts.ExpectedPoints > 0 && set.Len() != opts.ExpectedPoints {
		return models.LandmarkSet{}, fmt.Errorf("%w: %s has %d points, expected %d",
			models.ErrMalformedLandmarks, name, set.Len(), opts.ExpectedPoints)
	}

	return set, nil
}

// parseRecord parses the first two whitespace separated tokens of a record
func parseRecord(text string) (x, y float64, err error) {
	fields := strings.Fields(strings.TrimRight(text, "\r\n"))
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("expected two coordinates, got %q", text)
	}

	x, err = parseCoordinate(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid x coordinate %q", fields[0])
	}
	y, err = parseCoordinate(fields[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid y coordinate %q", fields[1])
	}

	return x, y, nil
}

// parseCoordinate accepts decimal notation only. ParseFloat alone would
// also take hex floats such as 0x1p3.
func parseCoordinate(token string) (float64, error) {
	digits := strings.ToLower(strings.TrimLeft(token, "+-"))
	if strings.HasPrefix(digits, "0x") {
		return 0, fmt.Errorf("not a decimal number: %q", token)
	}
	return strconv.ParseFloat(token, 64)
}

// PathFor returns the landmark file matching a DICOM file's base name
func PathFor(dir, base string) string {
	return filepath.Join(dir, base+Extension)
}
