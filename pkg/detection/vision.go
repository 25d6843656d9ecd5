package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/menta2k/plate-redactor/pkg/client"
	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/types"
)

// SimpleTestPrompt checks whether the model can see images at all
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// PlatePrompt asks a vision model for the license plate location
const PlatePrompt = `You are a license plate locator for car listing photos.

Return JSON only:
{
  "has_plate": true,
  "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0},
  "confidence": 0.0,
  "plate": "string"
}

HARD RULES
- All coordinates are normalized to [0,1] (NOT pixels), origin top-left.
- x + w <= 1 and y + h <= 1.
- The box must tightly cover the most prominent vehicle license plate.
- "plate" is the plate text if legible, else "".
- If no plate is visible, return {"has_plate": false}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ModelImageMaxDim bounds the longest side of images sent to a vision model
const ModelImageMaxDim = 1024

type plateResponse struct {
	HasPlate   bool                `json:"has_plate"`
	Box        types.NormalizedBox `json:"box"`
	Confidence float64             `json:"confidence"`
	Plate      string              `json:"plate"`
}

// VisionDetector asks a chat-style vision model to locate the plate
type VisionDetector struct {
	client    client.VisionClient
	backend   string
	model     string
	prompt    string
	processor *processing.Processor
	logger    *slog.Logger
}

// NewVisionDetector creates a detector over c. backend names the client in errors.
func NewVisionDetector(c client.VisionClient, backend, model string, logger *slog.Logger) *VisionDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisionDetector{
		client:    c,
		backend:   backend,
		model:     model,
		prompt:    PlatePrompt,
		processor: processing.NewProcessor(),
		logger:    logger,
	}
}

// SetPrompt overrides the plate prompt
func (d *VisionDetector) SetPrompt(prompt string) {
	d.prompt = prompt
}

func (d *VisionDetector) Name() string {
	return d.backend
}

// Detect implements Detector
func (d *VisionDetector) Detect(ctx context.Context, img types.ImageBuffer) (types.PlateDetection, error) {
	imgB64, err := d.encode(img)
	if err != nil {
		return types.PlateDetection{}, &types.DetectionError{Backend: d.backend, Err: err}
	}

	raw, err := d.client.QueryJSON(ctx, d.model, d.prompt, imgB64)
	if err != nil {
		return types.PlateDetection{}, &types.DetectionError{Backend: d.backend, Err: err}
	}

	det, err := parsePlateResponse(raw)
	if err != nil {
		d.logger.Debug("unparseable vision response", "backend", d.backend, "model", d.model, "raw", raw)
		return types.PlateDetection{}, &types.DetectionError{Backend: d.backend, Err: err}
	}
	return det, nil
}

// TestVision checks that the model can see the image with a simple prompt
func (d *VisionDetector) TestVision(ctx context.Context, img types.ImageBuffer) (string, error) {
	imgB64, err := d.encode(img)
	if err != nil {
		return "", err
	}
	return d.client.SimpleQuery(ctx, d.model, SimpleTestPrompt, imgB64)
}

func (d *VisionDetector) encode(img types.ImageBuffer) (string, error) {
	decoded, err := d.processor.DecodeBuffer(&img)
	if err != nil {
		return "", err
	}
	return d.processor.PrepareImageForModel(decoded, types.FormatJPEG, ModelImageMaxDim, 85)
}

// parsePlateResponse turns a model answer into a detection. Output that
// cannot be parsed is an error, never a guessed box.
func parsePlateResponse(raw string) (types.PlateDetection, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return types.PlateDetection{}, errors.New("model returned non-JSON response")
	}

	var resp plateResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return types.PlateDetection{}, fmt.Errorf("failed to parse model response: %w", err)
	}
	if !resp.HasPlate {
		return types.PlateDetection{HasPlate: false}, nil
	}

	return types.PlateDetection{
		HasPlate:   true,
		Box:        resp.Box,
		Confidence: resp.Confidence,
		PlateText:  strings.ToUpper(strings.TrimSpace(resp.Plate)),
	}, nil
}
