package detection

import (
	"context"
	"errors"
	"fmt"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// Detector locates a license plate in an encoded image. Implementations
// return a *types.DetectionError or *types.ConfigurationError on failure; an
// image without a plate is not an error.
type Detector interface {
	Detect(ctx context.Context, img types.ImageBuffer) (types.PlateDetection, error)
	Name() string
}

// Kind tags a detection outcome
type Kind int

const (
	NotFound Kind = iota
	Found
	Failed
)

func (k Kind) String() string {
	switch k {
	case Found:
		return "found"
	case Failed:
		return "failed"
	default:
		return "not-found"
	}
}

// Outcome is the tagged result of one detection attempt
type Outcome struct {
	Kind      Kind
	Detection types.PlateDetection
	Err       error
}

// Run calls d and folds the result into an Outcome. It never returns an
// error: failures become Failed outcomes carrying the cause.
func Run(ctx context.Context, d Detector, img types.ImageBuffer) Outcome {
	if d == nil {
		return Outcome{Kind: Failed, Err: &types.ConfigurationError{Setting: "detector", Err: errors.New("no detector configured")}}
	}

	det, err := d.Detect(ctx, img)
	if err != nil {
		var detErr *types.DetectionError
		var cfgErr *types.ConfigurationError
		if !errors.As(err, &detErr) && !errors.As(err, &cfgErr) {
			err = &types.DetectionError{Backend: d.Name(), Err: err}
		}
		return Outcome{Kind: Failed, Err: err}
	}
	if !det.HasPlate {
		return Outcome{Kind: NotFound, Detection: det}
	}
	return Outcome{Kind: Found, Detection: det}
}

// Func adapts a function to the Detector interface
type Func func(ctx context.Context, img types.ImageBuffer) (types.PlateDetection, error)

func (f Func) Detect(ctx context.Context, img types.ImageBuffer) (types.PlateDetection, error) {
	return f(ctx, img)
}

func (f Func) Name() string { return "func" }

// FromPixels builds a detection from a pixel box reported against an image of
// size imgW x imgH. The box is divided, never clamped.
func FromPixels(xmin, ymin, xmax, ymax float64, imgW, imgH int) (types.NormalizedBox, error) {
	if imgW <= 0 || imgH <= 0 {
		return types.NormalizedBox{}, fmt.Errorf("invalid reference size %dx%d", imgW, imgH)
	}
	w, h := float64(imgW), float64(imgH)
	return types.NormalizedBox{
		X: xmin / w,
		Y: ymin / h,
		W: (xmax - xmin) / w,
		H: (ymax - ymin) / h,
	}, nil
}
