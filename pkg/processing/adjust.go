package processing

import (
	"image"
	"strings"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/convolution"
	"github.com/anthonynsimon/bild/effect"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// Level is an enhancement preset. Every field is a multiplier where 1.0
// leaves the image untouched.
type Level struct {
	Name       types.EnhancementLevel `json:"name"`
	Sharpen    float64                `json:"sharpen"`
	Contrast   float64                `json:"contrast"`
	Saturation float64                `json:"saturation"`
	Gamma      float64                `json:"gamma"`
}

// Enhancement presets. Gamma is >= 1.0 for every level.
var (
	Light  = Level{Name: types.LevelLight, Sharpen: 1.1, Contrast: 1.05, Saturation: 1.05, Gamma: 1.0}
	Medium = Level{Name: types.LevelMedium, Sharpen: 1.2, Contrast: 1.15, Saturation: 1.15, Gamma: 1.1}
	Strong = Level{Name: types.LevelStrong, Sharpen: 1.5, Contrast: 1.3, Saturation: 1.3, Gamma: 1.2}
)

// Identity applies no filters
var Identity = Level{Name: "identity", Sharpen: 1, Contrast: 1, Saturation: 1, Gamma: 1}

// Levels returns the named presets
func Levels() []Level {
	return []Level{Light, Medium, Strong}
}

// ParseLevel maps a level name to its preset. Unknown or empty names yield Medium.
func ParseLevel(name string) Level {
	switch types.EnhancementLevel(strings.ToLower(strings.TrimSpace(name))) {
	case types.LevelLight:
		return Light
	case types.LevelStrong:
		return Strong
	default:
		return Medium
	}
}

// IsIdentity reports whether the level would leave every pixel unchanged.
// Contrast is ignored since Enhance never applies it.
func (l Level) IsIdentity() bool {
	return l.Sharpen == 1 && l.Saturation == 1 && l.Gamma == 1
}

// edgeEnhance is applied last with scale 1; its weights sum to 1 so flat
// regions keep their colour.
var edgeEnhance = &convolution.Kernel{
	Matrix: []float64{
		-1, -1, -1,
		-1, 9, -1,
		-1, -1, -1,
	},
	Width:  3,
	Height: 3,
}

// Enhance applies the level to img. Stages run in a fixed order, each on the
// output of the previous one:
//
//  1. unsharp mask, amount = Sharpen-1
//  2. gamma correction
//  3. saturation, change = Saturation-1 (lightness held)
//  4. 3x3 edge-enhance convolution
//
// Contrast is carried in the presets but not applied. An identity level
// returns img unchanged.
func Enhance(img image.Image, l Level) image.Image {
	if l.IsIdentity() {
		return img
	}

	out := img
	if amount := l.Sharpen - 1; amount > 0 {
		out = effect.UnsharpMask(out, 1.0, amount)
	}
	if l.Gamma > 0 && l.Gamma != 1 {
		out = adjust.Gamma(out, l.Gamma)
	}
	if l.Saturation != 1 {
		out = adjust.Saturation(out, clampChange(l.Saturation-1))
	}
	return convolution.Convolve(out, edgeEnhance, &convolution.Options{Bias: 0, Wrap: false, KeepAlpha: true})
}

func clampChange(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

// Adjust decodes buf, applies the level when enhance is set and re-encodes the
// result as PNG. Without enhance the image is only transcoded.
func (p *Processor) Adjust(buf types.ImageBuffer, l Level, enhance bool) (types.ImageBuffer, error) {
	img, err := p.DecodeBuffer(&buf)
	if err != nil {
		return types.ImageBuffer{}, err
	}
	if enhance {
		img = Enhance(img, l)
	}
	return p.EncodeCanonical(img)
}
