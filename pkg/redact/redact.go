package redact

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/lucasb-eyer/go-colorful"

	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/types"
)

// SkipReason explains why a detected box was not composited
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipInvalidBox  SkipReason = "invalid-box"
	SkipOutOfBounds SkipReason = "out-of-bounds"
	SkipEmptyBox    SkipReason = "empty-box"
)

// MinPixelateBlock is the smallest block edge used by the pixelate strategy
const MinPixelateBlock = 4

// Config holds configuration for the compositor
type Config struct {
	Strategy      types.RedactionStrategy `json:"strategy"`
	Color         string                  `json:"color"`
	PixelateBlock int                     `json:"pixelate_block"`
	BlurSigma     float64                 `json:"blur_sigma"`
}

// DefaultConfig returns an opaque black fill
func DefaultConfig() Config {
	return Config{
		Strategy:      types.StrategyFill,
		Color:         "#000000",
		PixelateBlock: MinPixelateBlock,
		BlurSigma:     12,
	}
}

// Report describes what happened to a single box
type Report struct {
	Applied    bool           `json:"applied"`
	Box        types.PixelBox `json:"box"`
	SkipReason SkipReason     `json:"skip_reason,omitempty"`
}

// Redactor obscures plate regions inside an image
type Redactor struct {
	config    Config
	fill      color.NRGBA
	processor *processing.Processor
}

// New creates a Redactor with the default configuration
func New() *Redactor {
	r, _ := NewWithConfig(DefaultConfig())
	return r
}

// NewWithConfig creates a Redactor, validating the strategy and fill colour
func NewWithConfig(cfg Config) (*Redactor, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = types.StrategyFill
	}
	switch cfg.Strategy {
	case types.StrategyFill, types.StrategyPixelate, types.StrategyBlur:
	default:
		return nil, fmt.Errorf("unknown redaction strategy %q", cfg.Strategy)
	}

	if cfg.Color == "" {
		cfg.Color = "#000000"
	}
	c, err := colorful.Hex(cfg.Color)
	if err != nil {
		return nil, fmt.Errorf("invalid redaction color %q: %w", cfg.Color, err)
	}
	r, g, b := c.RGB255()

	if cfg.PixelateBlock < MinPixelateBlock {
		cfg.PixelateBlock = MinPixelateBlock
	}
	if cfg.BlurSigma <= 0 {
		cfg.BlurSigma = DefaultConfig().BlurSigma
	}

	return &Redactor{
		config:    cfg,
		fill:      color.NRGBA{R: r, G: g, B: b, A: 255},
		processor: processing.NewProcessor(),
	}, nil
}

// Strategy returns the configured strategy
func (r *Redactor) Strategy() types.RedactionStrategy {
	return r.config.Strategy
}

// Apply composites the redaction over box. Invalid boxes leave img untouched
// and are reported with a SkipReason; the returned image always has the
// dimensions of img.
func (r *Redactor) Apply(img image.Image, box types.NormalizedBox) (image.Image, Report) {
	if !box.Valid() {
		return img, Report{SkipReason: SkipInvalidBox}
	}
	b := img.Bounds()
	return r.ApplyPixels(img, box.ToPixels(b.Dx(), b.Dy()))
}

// ApplyPixels composites the redaction over an absolute pixel box
func (r *Redactor) ApplyPixels(img image.Image, px types.PixelBox) (image.Image, Report) {
	report := Report{Box: px}
	b := img.Bounds()

	if px.Empty() {
		report.SkipReason = SkipEmptyBox
		return img, report
	}
	if !px.Within(b.Dx(), b.Dy()) {
		report.SkipReason = SkipOutOfBounds
		return img, report
	}

	dst := imaging.Clone(img)
	rect := image.Rect(px.X, px.Y, px.X+px.Width, px.Y+px.Height)

	var patch image.Image
	switch r.config.Strategy {
	case types.StrategyPixelate:
		patch = pixelate(imaging.Crop(dst, rect), r.config.PixelateBlock)
	case types.StrategyBlur:
		patch = imaging.Blur(imaging.Crop(dst, rect), r.config.BlurSigma)
	default:
		patch = imaging.New(px.Width, px.Height, r.fill)
	}

	report.Applied = true
	return imaging.Paste(dst, patch, rect.Min), report
}

// Redact decodes buf, applies the redaction and re-encodes as PNG. When the
// box is skipped buf is returned as-is.
func (r *Redactor) Redact(buf types.ImageBuffer, box types.NormalizedBox) (types.ImageBuffer, Report, error) {
	img, err := r.processor.DecodeBuffer(&buf)
	if err != nil {
		return buf, Report{}, err
	}

	out, report := r.Apply(img, box)
	if !report.Applied {
		return buf, report, nil
	}

	encoded, err := r.processor.EncodeCanonical(out)
	if err != nil {
		return buf, report, err
	}
	return encoded, report, nil
}

// pixelate averages block x block cells and scales them back up
func pixelate(region *image.NRGBA, block int) image.Image {
	w, h := region.Bounds().Dx(), region.Bounds().Dy()
	cols := (w + block - 1) / block
	rows := (h + block - 1) / block

	small := imaging.Resize(region, cols, rows, imaging.Box)
	return imaging.Resize(small, w, h, imaging.NearestNeighbor)
}
