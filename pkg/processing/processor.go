package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// DefaultMaxPixels bounds the decoded size of an input image
const DefaultMaxPixels = 64_000_000

// DefaultMaxDownloadBytes bounds images fetched by LoadImageFromURL
const DefaultMaxDownloadBytes = 50 * 1024 * 1024

// Processor handles image decoding, encoding and resizing
type Processor struct {
	// MaxPixels rejects inputs whose declared dimensions exceed this area
	MaxPixels int
	// MaxDownloadBytes rejects downloaded images larger than this
	MaxDownloadBytes int64
	client           *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{
		MaxPixels:        DefaultMaxPixels,
		MaxDownloadBytes: DefaultMaxDownloadBytes,
		client:           &http.Client{Timeout: 30 * time.Second},
	}
}

// SniffFormat detects the container format from magic bytes
func SniffFormat(data []byte) types.Format {
	switch {
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return types.FormatJPEG
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return types.FormatPNG
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return types.FormatWebP
	case len(data) >= 4 && string(data[:4]) == "GIF8":
		return types.FormatGIF
	default:
		return types.FormatUnknown
	}
}

// Decode parses an encoded image. Failures are returned as *types.DecodeError.
func (p *Processor) Decode(data []byte) (image.Image, types.Format, error) {
	if len(data) == 0 {
		return nil, types.FormatUnknown, &types.DecodeError{Err: errors.New("empty image buffer")}
	}
	format := SniffFormat(data)

	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil && p.MaxPixels > 0 {
		if cfg.Width*cfg.Height > p.MaxPixels {
			return nil, format, &types.DecodeError{
				Err: fmt.Errorf("image too large: %dx%d exceeds %d pixels", cfg.Width, cfg.Height, p.MaxPixels),
			}
		}
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err == nil {
		return img, format, nil
	}

	// Fallback: explicit WebP decode
	if format == types.FormatWebP {
		if wimg, werr := webp.Decode(bytes.NewReader(data)); werr == nil {
			return wimg, format, nil
		}
	}
	return nil, format, &types.DecodeError{Err: err}
}

// DecodeBuffer decodes buf and fills in its format and dimensions
func (p *Processor) DecodeBuffer(buf *types.ImageBuffer) (image.Image, error) {
	img, format, err := p.Decode(buf.Data)
	if err != nil {
		return nil, err
	}
	if buf.Format == types.FormatUnknown {
		buf.Format = format
	}
	b := img.Bounds()
	buf.Width, buf.Height = b.Dx(), b.Dy()
	return img, nil
}

// Encode writes img in the requested format. Quality applies to JPEG and
// lossy WebP. Failures are returned as *types.EncodeError.
func (p *Processor) Encode(img image.Image, format types.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch format {
	case types.FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression))
	case types.FormatJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case types.FormatWebP:
		err = webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)})
	case types.FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	default:
		err = fmt.Errorf("unsupported output format %q", format)
	}
	if err != nil {
		return nil, &types.EncodeError{Format: format, Err: err}
	}
	return buf.Bytes(), nil
}

// EncodeCanonical encodes img to PNG, the single output format of the pipeline
func (p *Processor) EncodeCanonical(img image.Image) (types.ImageBuffer, error) {
	data, err := p.Encode(img, types.FormatPNG, 0)
	if err != nil {
		return types.ImageBuffer{}, err
	}
	b := img.Bounds()
	return types.ImageBuffer{
		Data:   data,
		Format: types.FormatPNG,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// ResizeStep is one attempt at shrinking an upload: fit inside
// MaxWidth x MaxHeight and re-encode as JPEG at Quality.
type ResizeStep struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// DefaultUploadLimit is the payload size above which detection uploads are shrunk
const DefaultUploadLimit = 5 * 1024 * 1024 / 2

// DefaultUploadSteps are tried in order until the payload fits the limit
var DefaultUploadSteps = []ResizeStep{
	{MaxWidth: 1024, MaxHeight: 768, Quality: 80},
	{MaxWidth: 800, MaxHeight: 600, Quality: 60},
}

// OptimizeForUpload shrinks data until it is at most limit bytes, trying each
// step in order. Images are never enlarged. The returned slice is always
// usable: when optimization fails the original data is returned together
// with the error.
func (p *Processor) OptimizeForUpload(data []byte, limit int, steps []ResizeStep) ([]byte, error) {
	if limit <= 0 || len(data) <= limit || len(steps) == 0 {
		return data, nil
	}

	img, _, err := p.Decode(data)
	if err != nil {
		return data, fmt.Errorf("optimize upload: %w", err)
	}

	out := data
	for _, step := range steps {
		resized := imaging.Fit(img, step.MaxWidth, step.MaxHeight, imaging.Lanczos)
		encoded, err := p.Encode(resized, types.FormatJPEG, step.Quality)
		if err != nil {
			return data, fmt.Errorf("optimize upload: %w", err)
		}
		out = encoded
		if len(out) <= limit {
			break
		}
	}
	return out, nil
}

// PreResize mimics the browser client: inputs above threshold bytes are
// scaled to fit maxWidth x maxHeight and re-encoded as JPEG. Smaller inputs
// and inputs that fail to decode are returned as-is.
func (p *Processor) PreResize(buf types.ImageBuffer, threshold, maxWidth, maxHeight, quality int) types.ImageBuffer {
	if threshold <= 0 || buf.Size() <= threshold {
		return buf
	}
	img, _, err := p.Decode(buf.Data)
	if err != nil {
		return buf
	}
	resized := imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
	data, err := p.Encode(resized, types.FormatJPEG, quality)
	if err != nil {
		return buf
	}
	b := resized.Bounds()
	return types.ImageBuffer{Data: data, Format: types.FormatJPEG, Width: b.Dx(), Height: b.Dy()}
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format types.Format, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	if format != types.FormatPNG {
		format = types.FormatJPEG
	}
	data, err := p.Encode(img, format, quality)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// LoadImage reads an encoded image from a file path without decoding it
func (p *Processor) LoadImage(path string) (types.ImageBuffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.ImageBuffer{}, fmt.Errorf("failed to read image: %w", err)
	}
	return types.ImageBuffer{Data: data, Format: SniffFormat(data)}, nil
}

// LoadImageFromURL downloads an encoded image from a URL
func (p *Processor) LoadImageFromURL(imageURL string) (types.ImageBuffer, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return types.ImageBuffer{}, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return types.ImageBuffer{}, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return types.ImageBuffer{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Plate-Redactor/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return types.ImageBuffer{}, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.ImageBuffer{}, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return types.ImageBuffer{}, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	limit := p.MaxDownloadBytes
	if limit <= 0 {
		limit = DefaultMaxDownloadBytes
	}
	if resp.ContentLength > limit {
		return types.ImageBuffer{}, fmt.Errorf("image too large: %d bytes exceeds %d", resp.ContentLength, limit)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return types.ImageBuffer{}, fmt.Errorf("failed to read image data: %w", err)
	}
	if int64(len(data)) > limit {
		return types.ImageBuffer{}, fmt.Errorf("image too large: exceeds %d bytes", limit)
	}
	return types.ImageBuffer{Data: data, Format: SniffFormat(data)}, nil
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(source string) (types.ImageBuffer, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadImageFromURL(source)
	}
	return p.LoadImage(source)
}
