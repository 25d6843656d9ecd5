package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/plate-redactor/pkg/detection"
	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/redact"
	"github.com/menta2k/plate-redactor/pkg/types"
)

// Result messages
const (
	MessageRedacted    = "Image processed successfully and license plate redacted."
	MessageNotRedacted = "Image processed successfully, license plate not redacted."
	MessageProcessed   = "Image processed successfully."
)

// Stages reported in *types.PipelineError
const (
	StageDecode = "decode"
	StageAdjust = "adjust"
	StageRedact = "redact"
	StageEncode = "encode"
)

// Options are the caller's per-image choices
type Options struct {
	Enhance   bool
	BlurPlate bool
	Level     processing.Level
}

// DefaultOptions enhances at Medium and redacts the plate
func DefaultOptions() Options {
	return Options{Enhance: true, BlurPlate: true, Level: processing.Medium}
}

// Result is the outcome of one invocation
type Result struct {
	Image         types.ImageBuffer
	PlateRedacted bool
	Message       string

	// Descriptive fields; none of them affect Image
	Detection      *types.PlateDetection
	DetectionError string
	SkipReason     redact.SkipReason
	Redaction      *redact.Report
	Duration       time.Duration
}

// Pipeline runs Detect and Adjust in parallel, then Redact. It holds no
// per-invocation state and is safe for concurrent use.
type Pipeline struct {
	detector  detection.Detector
	processor *processing.Processor
	redactor  *redact.Redactor
	logger    *slog.Logger
}

// New creates a pipeline. detector may be nil when plate redaction is never
// requested; a nil redactor uses the default fill.
func New(detector detection.Detector, redactor *redact.Redactor, logger *slog.Logger) *Pipeline {
	if redactor == nil {
		redactor = redact.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		detector:  detector,
		processor: processing.NewProcessor(),
		redactor:  redactor,
		logger:    logger,
	}
}

// Process runs one image through the pipeline. Detection failures are
// logged and treated as "no plate"; only decode and encode failures are
// returned, as *types.PipelineError.
func (p *Pipeline) Process(ctx context.Context, img types.ImageBuffer, opts Options) (Result, error) {
	start := time.Now()
	if opts.Level.Name == "" {
		opts.Level = processing.Medium
	}

	logger := p.logger.With("bytes", img.Size(), "enhance", opts.Enhance, "blur_plate", opts.BlurPlate, "level", opts.Level.Name)
	logger.Info("processing image")

	var (
		outcome  detection.Outcome
		adjusted types.ImageBuffer
	)

	g, gctx := errgroup.WithContext(ctx)
	if opts.BlurPlate {
		g.Go(func() error {
			outcome = detection.Run(gctx, p.detector, img)
			return nil
		})
	}
	g.Go(func() error {
		var err error
		adjusted, err = p.processor.Adjust(img, opts.Level, opts.Enhance)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error("image processing failed", "error", err)
		return Result{}, &types.PipelineError{Stage: stageOf(err, StageAdjust), Err: err}
	}

	result := Result{Image: adjusted, Message: MessageProcessed}

	if opts.BlurPlate {
		result.Message = MessageNotRedacted

		switch outcome.Kind {
		case detection.Failed:
			logger.Warn("plate detection failed, continuing without redaction", "error", outcome.Err)
			result.DetectionError = outcome.Err.Error()
		case detection.NotFound:
			logger.Info("no license plate detected")
		case detection.Found:
			det := outcome.Detection
			result.Detection = &det

			redacted, report, err := p.redactor.Redact(adjusted, det.Box)
			if err != nil {
				logger.Error("redaction failed", "error", err)
				return Result{}, &types.PipelineError{Stage: stageOf(err, StageRedact), Err: err}
			}
			result.Redaction = &report
			if report.Applied {
				result.Image = redacted
				result.PlateRedacted = true
				result.Message = MessageRedacted
				logger.Info("license plate redacted", "box", report.Box, "strategy", p.redactor.Strategy())
			} else {
				result.SkipReason = report.SkipReason
				logger.Warn("invalid license plate coordinates, skipping redaction", "reason", report.SkipReason, "box", det.Box)
			}
		}
	}

	result.Duration = time.Since(start)
	logger.Info("image processed", "redacted", result.PlateRedacted, "duration", result.Duration)
	return result, nil
}

func stageOf(err error, fallback string) string {
	var decodeErr *types.DecodeError
	var encodeErr *types.EncodeError
	switch {
	case errors.As(err, &decodeErr):
		return StageDecode
	case errors.As(err, &encodeErr):
		return StageEncode
	default:
		return fallback
	}
}
