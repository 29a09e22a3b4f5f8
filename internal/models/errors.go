package models

import "errors"

// Failure kinds reported for a single image. Callers wrap them with context
// and classify with errors.Is.
var (
	ErrMissingFile        = errors.New("missing file")
	ErrMalformedLandmarks = errors.New("malformed landmark file")
	ErrEmptyGroup         = errors.New("empty lateral group")
	ErrInvalidSpacing     = errors.New("invalid pixel spacing")
	ErrDecode             = errors.New("cannot decode image")
	ErrInvalidBox         = errors.New("invalid bounding box")
)

// Kind returns the short name of the failure kind wrapped in err, or
// "unknown" when err carries none of the sentinels above.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrMissingFile):
		return "missing-file"
	case errors.Is(err, ErrMalformedLandmarks):
		return "malformed-landmark"
	case errors.Is(err, ErrEmptyGroup):
		return "empty-group"
	case errors.Is(err, ErrInvalidSpacing):
		return "invalid-spacing"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrInvalidBox):
		return "invalid-box"
	default:
		return "unknown"
	}
}
