package detection

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) types.ImageBuffer {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 90, 255})
		}
	}
	var buf bytes.Buffer
	png.Encode(&buf, img)
	return types.ImageBuffer{Data: buf.Bytes(), Format: types.FormatPNG}
}

type fakeVisionClient struct {
	reply  string
	err    error
	calls  int
	prompt string
	imgB64 string
}

func (f *fakeVisionClient) SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	return "a car", nil
}

func (f *fakeVisionClient) QueryJSON(ctx context.Context, model, prompt, imgB64 string) (string, error) {
	f.calls++
	f.prompt = prompt
	f.imgB64 = imgB64
	return f.reply, f.err
}

func TestRunOutcomes(t *testing.T) {
	ctx := context.Background()
	img := createTestImage(10, 10)
	box := types.NormalizedBox{X: 0.1, Y: 0.1, W: 0.2, H: 0.1}

	found := Run(ctx, Func(func(context.Context, types.ImageBuffer) (types.PlateDetection, error) {
		return types.PlateDetection{HasPlate: true, Box: box}, nil
	}), img)
	if found.Kind != Found || found.Detection.Box != box {
		t.Errorf("expected found outcome, got %+v", found)
	}

	none := Run(ctx, Func(func(context.Context, types.ImageBuffer) (types.PlateDetection, error) {
		return types.PlateDetection{}, nil
	}), img)
	if none.Kind != NotFound || none.Err != nil {
		t.Errorf("expected not-found outcome, got %+v", none)
	}

	failed := Run(ctx, Func(func(context.Context, types.ImageBuffer) (types.PlateDetection, error) {
		return types.PlateDetection{}, errors.New("connection refused")
	}), img)
	if failed.Kind != Failed {
		t.Fatalf("expected failed outcome, got %+v", failed)
	}
	var detErr *types.DetectionError
	if !errors.As(failed.Err, &detErr) {
		t.Errorf("plain errors should be wrapped as DetectionError, got %T", failed.Err)
	}

	cfg := Run(ctx, Func(func(context.Context, types.ImageBuffer) (types.PlateDetection, error) {
		return types.PlateDetection{}, &types.ConfigurationError{Setting: "api_key", Err: types.ErrMissingCredential}
	}), img)
	if cfg.Kind != Failed || !errors.Is(cfg.Err, types.ErrMissingCredential) {
		t.Errorf("expected configuration failure, got %+v", cfg)
	}

	if Run(ctx, nil, img).Kind != Failed {
		t.Error("nil detector should fail")
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{NotFound: "not-found", Found: "found", Failed: "failed"} {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}

func TestFromPixels(t *testing.T) {
	box, err := FromPixels(100, 400, 300, 460, 800, 600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := box.ToPixels(800, 600); got != (types.PixelBox{X: 100, Y: 400, Width: 200, Height: 60}) {
		t.Errorf("round trip: got %+v", got)
	}

	// Not clamped: a box past the edge stays invalid
	box, _ = FromPixels(900, 0, 1100, 50, 1000, 1000)
	if box.Valid() {
		t.Errorf("expected overflowing box to be invalid: %+v", box)
	}

	if _, err := FromPixels(0, 0, 1, 1, 0, 100); err == nil {
		t.Error("expected error for zero reference size")
	}
}

func TestSanitizeModelJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"trailing comma", `{"a":1,}`, `{"a":1}`},
		{"block comment", `{"a":/* one */1}`, `{"a":1}`},
		{"prose around", `Here you go: {"a":1} hope it helps`, `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeModelJSON(tt.in); got != tt.want {
				t.Errorf("sanitizeModelJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParsePlateResponse(t *testing.T) {
	det, err := parsePlateResponse("```json\n{\"has_plate\": true, \"box\": {\"x\": 0.1, \"y\": 0.6, \"w\": 0.25, \"h\": 0.1}, \"confidence\": 0.9, \"plate\": \" b 123 abc \",}\n```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !det.HasPlate || det.PlateText != "B 123 ABC" || det.Box.X != 0.1 {
		t.Errorf("unexpected detection %+v", det)
	}

	det, err = parsePlateResponse(`{"has_plate": false}`)
	if err != nil || det.HasPlate {
		t.Errorf("expected no plate, got %+v (%v)", det, err)
	}

	for _, raw := range []string{"I cannot see a plate", `{"has_plate": "maybe"}`} {
		if _, err := parsePlateResponse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestVisionDetector(t *testing.T) {
	fake := &fakeVisionClient{reply: `{"has_plate":true,"box":{"x":0.2,"y":0.5,"w":0.3,"h":0.1},"confidence":0.8}`}
	d := NewVisionDetector(fake, "ollama", "llava", nil)

	det, err := d.Detect(context.Background(), createTestImage(64, 48))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if !det.HasPlate || det.Box.W != 0.3 {
		t.Errorf("unexpected detection %+v", det)
	}
	if fake.calls != 1 || fake.prompt != PlatePrompt || fake.imgB64 == "" {
		t.Errorf("unexpected client call: %+v", fake)
	}
	if d.Name() != "ollama" {
		t.Errorf("Name() = %q", d.Name())
	}
}

func TestVisionDetectorErrors(t *testing.T) {
	ctx := context.Background()

	d := NewVisionDetector(&fakeVisionClient{err: errors.New("timeout")}, "llamacpp", "m", nil)
	_, err := d.Detect(ctx, createTestImage(8, 8))
	var detErr *types.DetectionError
	if !errors.As(err, &detErr) || detErr.Backend != "llamacpp" {
		t.Errorf("expected llamacpp DetectionError, got %v", err)
	}

	d = NewVisionDetector(&fakeVisionClient{reply: "no idea"}, "ollama", "m", nil)
	if _, err := d.Detect(ctx, createTestImage(8, 8)); !errors.As(err, &detErr) {
		t.Errorf("expected DetectionError for garbage output, got %v", err)
	}

	fake := &fakeVisionClient{}
	d = NewVisionDetector(fake, "ollama", "m", nil)
	if _, err := d.Detect(ctx, types.ImageBuffer{Data: []byte("broken")}); !errors.As(err, &detErr) {
		t.Errorf("expected DetectionError for undecodable input, got %v", err)
	}
	if fake.calls != 0 {
		t.Error("client should not be called for undecodable input")
	}
}

func TestVisionDetectorTestVision(t *testing.T) {
	d := NewVisionDetector(&fakeVisionClient{}, "ollama", "m", nil)
	out, err := d.TestVision(context.Background(), createTestImage(8, 8))
	if err != nil || out != "a car" {
		t.Errorf("TestVision() = %q, %v", out, err)
	}
}

func TestParseQualityResponse(t *testing.T) {
	report, err := parseQualityResponse("```json\n{\"score\": 9, \"analysis\": \"sharp, well lit\", \"strengths\": [\"lighting\"],}\n```")
	if err != nil {
		t.Fatalf("parseQualityResponse failed: %v", err)
	}
	if report.Score != 5 || report.Analysis != "sharp, well lit" || len(report.Strengths) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Improvements == nil {
		t.Error("missing lists should decode as empty")
	}

	for _, raw := range []string{"looks fine", `{"analysis":"no score"}`, `{"score":"high"}`} {
		if _, err := parseQualityResponse(raw); err == nil {
			t.Errorf("expected error for %q", raw)
		}
	}
}

func TestVisionDetectorAnalyzeQuality(t *testing.T) {
	fake := &fakeVisionClient{reply: `{"score":4,"analysis":"good framing","improvements":["less glare"],"strengths":["angle"]}`}
	d := NewVisionDetector(fake, "ollama", "llava", nil)

	report, err := d.AnalyzeQuality(context.Background(), createTestImage(64, 48))
	if err != nil {
		t.Fatalf("AnalyzeQuality failed: %v", err)
	}
	if report.Score != 4 || report.Improvements[0] != "less glare" {
		t.Errorf("unexpected report %+v", report)
	}
	if fake.prompt != QualityPrompt {
		t.Error("quality analysis should use its own prompt")
	}

	d = NewVisionDetector(&fakeVisionClient{err: errors.New("timeout")}, "llamacpp", "m", nil)
	var detErr *types.DetectionError
	if _, err := d.AnalyzeQuality(context.Background(), createTestImage(8, 8)); !errors.As(err, &detErr) {
		t.Errorf("expected DetectionError, got %v", err)
	}
}

func TestVisionDetectorSetPrompt(t *testing.T) {
	fake := &fakeVisionClient{reply: `{"has_plate":false}`}
	d := NewVisionDetector(fake, "ollama", "m", nil)
	d.SetPrompt("find the plate")

	if _, err := d.Detect(context.Background(), createTestImage(8, 8)); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if fake.prompt != "find the plate" {
		t.Errorf("prompt = %q", fake.prompt)
	}
}
