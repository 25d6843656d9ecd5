package processing

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthonynsimon/bild/adjust"
	"github.com/anthonynsimon/bild/convolution"
	"github.com/anthonynsimon/bild/effect"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// createTestImage creates a gradient test image
func createTestImage(width, height int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.SetNRGBA(x, y, color.NRGBA{r, g, 128, 255})
		}
	}
	return img
}

// createNoiseImage creates an image that compresses poorly
func createNoiseImage(width, height int) *image.NRGBA {
	rng := rand.New(rand.NewSource(7))
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = uint8(rng.Intn(256))
		img.Pix[i+1] = uint8(rng.Intn(256))
		img.Pix[i+2] = uint8(rng.Intn(256))
		img.Pix[i+3] = 255
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestSniffFormat(t *testing.T) {
	img := createTestImage(8, 8)
	tests := []struct {
		name string
		data []byte
		want types.Format
	}{
		{"png", encodePNG(t, img), types.FormatPNG},
		{"jpeg", encodeJPEG(t, img), types.FormatJPEG},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), types.FormatWebP},
		{"gif", []byte("GIF89a"), types.FormatGIF},
		{"garbage", []byte("not an image"), types.FormatUnknown},
		{"empty", nil, types.FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SniffFormat(tt.data); got != tt.want {
				t.Errorf("SniffFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	p := NewProcessor()

	for _, data := range [][]byte{nil, []byte("definitely not an image")} {
		_, _, err := p.Decode(data)
		var decodeErr *types.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("expected DecodeError for %q, got %v", data, err)
		}
	}
}

func TestDecodeRejectsOversizedImage(t *testing.T) {
	p := NewProcessor()
	p.MaxPixels = 100

	_, _, err := p.Decode(encodePNG(t, createTestImage(20, 20)))
	var decodeErr *types.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDecodeBufferFillsDimensions(t *testing.T) {
	p := NewProcessor()
	buf := types.ImageBuffer{Data: encodeJPEG(t, createTestImage(64, 48))}

	if _, err := p.DecodeBuffer(&buf); err != nil {
		t.Fatalf("DecodeBuffer failed: %v", err)
	}
	if buf.Width != 64 || buf.Height != 48 {
		t.Errorf("dimensions: got %dx%d, want 64x48", buf.Width, buf.Height)
	}
	if buf.Format != types.FormatJPEG {
		t.Errorf("format: got %q, want jpeg", buf.Format)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"light", Light},
		{"LIGHT", Light},
		{"medium", Medium},
		{"strong", Strong},
		{" strong ", Strong},
		{"", Medium},
		{"ultra", Medium},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestLevelsDefineAllParameters(t *testing.T) {
	for _, l := range Levels() {
		if l.Sharpen <= 0 || l.Contrast <= 0 || l.Saturation <= 0 {
			t.Errorf("level %s has a non-positive amount: %+v", l.Name, l)
		}
		if l.Gamma < 1.0 {
			t.Errorf("level %s has gamma %f, want >= 1.0", l.Name, l.Gamma)
		}
		if l.IsIdentity() {
			t.Errorf("level %s should not be identity", l.Name)
		}
	}
	if !Identity.IsIdentity() {
		t.Error("Identity level should report IsIdentity")
	}
}

func TestAdjustIdentityMatchesReencode(t *testing.T) {
	p := NewProcessor()
	src := types.ImageBuffer{Data: encodeJPEG(t, createTestImage(120, 80))}

	adjusted, err := p.Adjust(src, Identity, true)
	if err != nil {
		t.Fatalf("Adjust failed: %v", err)
	}

	img, _, err := p.Decode(src.Data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	direct, err := p.EncodeCanonical(img)
	if err != nil {
		t.Fatalf("EncodeCanonical failed: %v", err)
	}

	if !bytes.Equal(adjusted.Data, direct.Data) {
		t.Error("identity adjust should equal a direct re-encode")
	}
}

func TestAdjustStrongChangesPixels(t *testing.T) {
	p := NewProcessor()
	src := types.ImageBuffer{Data: encodeJPEG(t, createTestImage(80, 60))}

	plain, err := p.Adjust(src, Strong, false)
	if err != nil {
		t.Fatalf("Adjust without enhance failed: %v", err)
	}
	enhanced, err := p.Adjust(src, Strong, true)
	if err != nil {
		t.Fatalf("Adjust with enhance failed: %v", err)
	}

	for _, out := range []types.ImageBuffer{plain, enhanced} {
		if out.Format != types.FormatPNG {
			t.Errorf("output format: got %q, want png", out.Format)
		}
		if SniffFormat(out.Data) != types.FormatPNG {
			t.Error("output bytes are not PNG")
		}
		if out.Width != 80 || out.Height != 60 {
			t.Errorf("output dimensions: got %dx%d, want 80x60", out.Width, out.Height)
		}
	}

	if bytes.Equal(plain.Data, enhanced.Data) {
		t.Error("strong enhancement should change the image")
	}
}

func TestEnhancePreservesBoundsAndOpacity(t *testing.T) {
	src := createTestImage(40, 30)
	out := Enhance(src, Medium)

	if out.Bounds().Dx() != 40 || out.Bounds().Dy() != 30 {
		t.Fatalf("bounds changed: %v", out.Bounds())
	}
	for _, pt := range []image.Point{{0, 0}, {39, 29}, {20, 15}} {
		_, _, _, a := out.At(pt.X, pt.Y).RGBA()
		if a != 0xffff {
			t.Errorf("pixel %v lost opacity: alpha=%d", pt, a)
		}
	}
}

func TestEnhanceStageOrder(t *testing.T) {
	src := createTestImage(32, 32)

	for _, l := range Levels() {
		var want image.Image = effect.UnsharpMask(src, 1.0, l.Sharpen-1)
		if l.Gamma != 1 {
			want = adjust.Gamma(want, l.Gamma)
		}
		want = adjust.Saturation(want, l.Saturation-1)
		want = convolution.Convolve(want, edgeEnhance, &convolution.Options{KeepAlpha: true})

		got := Enhance(src, l)
		diff := 0
		for y := 0; y < 32; y++ {
			for x := 0; x < 32; x++ {
				if got.At(x, y) != want.At(x, y) {
					diff++
				}
			}
		}
		if diff != 0 {
			t.Errorf("%s: %d pixels differ from sharpen, gamma, saturation, convolve", l.Name, diff)
		}
	}
}

func TestEnhanceIgnoresContrast(t *testing.T) {
	src := createTestImage(16, 16)
	onlyContrast := Identity
	onlyContrast.Contrast = 1.5

	if !onlyContrast.IsIdentity() {
		t.Fatal("a contrast-only level should be an identity level")
	}
	if Enhance(src, onlyContrast) != image.Image(src) {
		t.Error("contrast-only level should return the input unchanged")
	}
}

func TestAdjustDecodeError(t *testing.T) {
	p := NewProcessor()
	_, err := p.Adjust(types.ImageBuffer{Data: []byte("broken")}, Medium, true)

	var decodeErr *types.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestOptimizeForUploadSmallInputUntouched(t *testing.T) {
	p := NewProcessor()
	data := encodePNG(t, createTestImage(16, 16))

	out, err := p.OptimizeForUpload(data, DefaultUploadLimit, DefaultUploadSteps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("input below the limit should be returned unchanged")
	}
}

func TestOptimizeForUploadShrinks(t *testing.T) {
	p := NewProcessor()
	data := encodePNG(t, createNoiseImage(400, 300))
	steps := []ResizeStep{{MaxWidth: 100, MaxHeight: 100, Quality: 80}, {MaxWidth: 50, MaxHeight: 50, Quality: 60}}

	out, err := p.OptimizeForUpload(data, 1000, steps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) >= len(data) {
		t.Errorf("expected smaller payload, got %d >= %d", len(out), len(data))
	}
	if SniffFormat(out) != types.FormatJPEG {
		t.Error("optimized payload should be JPEG")
	}

	img, _, err := p.Decode(out)
	if err != nil {
		t.Fatalf("optimized payload does not decode: %v", err)
	}
	if img.Bounds().Dx() > 100 || img.Bounds().Dy() > 100 {
		t.Errorf("optimized image too large: %v", img.Bounds())
	}
}

func TestOptimizeForUploadNeverEnlarges(t *testing.T) {
	p := NewProcessor()
	data := encodePNG(t, createNoiseImage(60, 40))

	out, err := p.OptimizeForUpload(data, 10, []ResizeStep{{MaxWidth: 1024, MaxHeight: 768, Quality: 80}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	img, _, err := p.Decode(out)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if img.Bounds().Dx() != 60 || img.Bounds().Dy() != 40 {
		t.Errorf("image was resized: %v", img.Bounds())
	}
}

func TestOptimizeForUploadFallsBackToOriginal(t *testing.T) {
	p := NewProcessor()
	data := bytes.Repeat([]byte{0x42}, 2048)

	out, err := p.OptimizeForUpload(data, 1024, DefaultUploadSteps)
	if err == nil {
		t.Error("expected an error for undecodable input")
	}
	if !bytes.Equal(out, data) {
		t.Error("original data should be returned when optimization fails")
	}
}

func TestPreResize(t *testing.T) {
	p := NewProcessor()
	buf := types.ImageBuffer{Data: encodePNG(t, createNoiseImage(300, 200)), Format: types.FormatPNG}

	out := p.PreResize(buf, 1000, 150, 150, 80)
	if out.Format != types.FormatJPEG {
		t.Errorf("format: got %q, want jpeg", out.Format)
	}
	if out.Width != 150 || out.Height != 100 {
		t.Errorf("dimensions: got %dx%d, want 150x100", out.Width, out.Height)
	}

	same := p.PreResize(buf, len(buf.Data)+1, 150, 150, 80)
	if !bytes.Equal(same.Data, buf.Data) {
		t.Error("input below threshold should be untouched")
	}
}

func TestPrepareImageForModel(t *testing.T) {
	p := NewProcessor()
	b64, err := p.PrepareImageForModel(createTestImage(400, 200), types.FormatJPEG, 100, 85)
	if err != nil {
		t.Fatalf("PrepareImageForModel failed: %v", err)
	}
	if b64 == "" {
		t.Error("expected non-empty base64 payload")
	}
}

func TestCreateDebugOverlay(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(100, 100)
	box := types.NormalizedBox{X: 0.1, Y: 0.2, W: 0.5, H: 0.3}

	out := p.CreateDebugOverlay(img, box)
	r, g, b, _ := out.At(10, 20).RGBA()
	if r != 0 || g != 0xffff || b != 0 {
		t.Errorf("expected green box corner, got (%d,%d,%d)", r, g, b)
	}
	if out.Bounds() != img.Bounds() {
		t.Errorf("overlay changed bounds: %v", out.Bounds())
	}
}

func TestLoadImageFromURL(t *testing.T) {
	data := encodePNG(t, createTestImage(16, 16))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/car.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(data)
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProcessor()
	img, err := p.LoadImageSmart(srv.URL + "/car.png")
	if err != nil {
		t.Fatalf("LoadImageSmart failed: %v", err)
	}
	if img.Format != types.FormatPNG || !bytes.Equal(img.Data, data) {
		t.Errorf("unexpected download: format %s, %d bytes", img.Format, len(img.Data))
	}

	if _, err := p.LoadImageFromURL(srv.URL + "/page"); err == nil {
		t.Error("expected error for non-image content type")
	}
	if _, err := p.LoadImageFromURL(srv.URL + "/missing"); err == nil {
		t.Error("expected error for 404")
	}
}

func TestLoadImageFromURLRejectsOversizedBody(t *testing.T) {
	body := bytes.Repeat([]byte{0x89}, 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		if r.URL.Path == "/chunked" {
			// flushing before the body is complete drops Content-Length
			for i := 0; i < len(body); i += 512 {
				w.Write(body[i : i+512])
				w.(http.Flusher).Flush()
			}
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	p := NewProcessor()
	p.MaxDownloadBytes = 1024

	for _, path := range []string{"/sized", "/chunked"} {
		_, err := p.LoadImageFromURL(srv.URL + path)
		if err == nil || !strings.Contains(err.Error(), "too large") {
			t.Errorf("%s: expected size error, got %v", path, err)
		}
	}

	p.MaxDownloadBytes = int64(len(body))
	img, err := p.LoadImageFromURL(srv.URL + "/chunked")
	if err != nil || len(img.Data) != len(body) {
		t.Errorf("body at the limit: got %d bytes, %v", len(img.Data), err)
	}
}
