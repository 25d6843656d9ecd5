package types

import "math"

// boxEpsilon absorbs float noise introduced when a detector divides pixel
// coordinates by the reported image size.
const boxEpsilon = 1e-9

// Format identifies an encoded image container
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
	FormatGIF     Format = "gif"
)

// MimeType returns the HTTP content type for the format
func (f Format) MimeType() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}

// ImageBuffer is an encoded image owned by a single pipeline invocation.
// Width and Height are zero until the buffer has been decoded.
type ImageBuffer struct {
	Data   []byte
	Format Format
	Width  int
	Height int
}

// Size returns the encoded payload size in bytes
func (b ImageBuffer) Size() int {
	return len(b.Data)
}

// NormalizedBox is a bounding box with coordinates in [0,1] range,
// relative to the image it was detected on, origin top-left.
type NormalizedBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Valid reports whether every coordinate is finite, inside [0,1] and the box
// does not extend past the right or bottom edge.
func (b NormalizedBox) Valid() bool {
	for _, v := range []float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1+boxEpsilon {
			return false
		}
	}
	return b.X+b.W <= 1+boxEpsilon && b.Y+b.H <= 1+boxEpsilon
}

// ToPixels converts the box to absolute pixel coordinates for an image of the
// given size. Values are rounded down.
func (b NormalizedBox) ToPixels(width, height int) PixelBox {
	x := floorPx(b.X, width)
	y := floorPx(b.Y, height)
	return PixelBox{
		X:      x,
		Y:      y,
		Width:  floorPx(b.W, width),
		Height: floorPx(b.H, height),
	}
}

func floorPx(frac float64, dim int) int {
	return int(math.Floor(frac*float64(dim) + boxEpsilon))
}

// PixelBox is a bounding box in absolute pixel coordinates of one image
type PixelBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Empty reports whether the box has no area
func (p PixelBox) Empty() bool {
	return p.Width <= 0 || p.Height <= 0
}

// Within reports whether the box lies entirely inside an image of the given size
func (p PixelBox) Within(width, height int) bool {
	return p.X >= 0 && p.Y >= 0 && !p.Empty() &&
		p.X+p.Width <= width && p.Y+p.Height <= height
}

// ToNormalized converts the box back to image-relative fractions
func (p PixelBox) ToNormalized(width, height int) NormalizedBox {
	if width <= 0 || height <= 0 {
		return NormalizedBox{}
	}
	fw, fh := float64(width), float64(height)
	return NormalizedBox{
		X: float64(p.X) / fw,
		Y: float64(p.Y) / fh,
		W: float64(p.Width) / fw,
		H: float64(p.Height) / fh,
	}
}

// PlateDetection is the result of a single plate detection call. It is never
// cached or persisted by the pipeline.
type PlateDetection struct {
	HasPlate   bool          `json:"has_plate"`
	Box        NormalizedBox `json:"box"`
	Confidence float64       `json:"confidence,omitempty"`
	PlateText  string        `json:"plate_text,omitempty"`
	RegionCode string        `json:"region_code,omitempty"`
}

// EnhancementLevel names a preset of enhancement parameters
type EnhancementLevel string

const (
	LevelLight  EnhancementLevel = "light"
	LevelMedium EnhancementLevel = "medium"
	LevelStrong EnhancementLevel = "strong"
)

// RedactionStrategy selects how a plate region is obscured
type RedactionStrategy string

const (
	StrategyFill     RedactionStrategy = "fill"
	StrategyPixelate RedactionStrategy = "pixelate"
	StrategyBlur     RedactionStrategy = "blur"
)
