package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/menta2k/plate-redactor/pkg/types"
)

// QualityPrompt asks a vision model to grade a car listing photo
const QualityPrompt = `You are an automotive photography expert grading car listing photos.

Score the image from 1 (very poor) to 5 (excellent), considering:
1. Sharpness and resolution
2. Lighting (too dark, too bright, balanced)
3. Angle and framing of the car
4. Background and context
5. Visibility of important details

Return JSON only:
{
  "score": 3,
  "analysis": "detailed analysis of the image",
  "improvements": ["suggestion"],
  "strengths": ["strength"]
}
JSON only. No markdown, no code fences, no comments.`

// QualityReport is a model's assessment of a photo
type QualityReport struct {
	Score        int      `json:"score"`
	Analysis     string   `json:"analysis"`
	Improvements []string `json:"improvements"`
	Strengths    []string `json:"strengths"`
}

// AnalyzeQuality grades img for use in a listing
func (d *VisionDetector) AnalyzeQuality(ctx context.Context, img types.ImageBuffer) (QualityReport, error) {
	imgB64, err := d.encode(img)
	if err != nil {
		return QualityReport{}, &types.DetectionError{Backend: d.backend, Err: err}
	}

	raw, err := d.client.QueryJSON(ctx, d.model, QualityPrompt, imgB64)
	if err != nil {
		return QualityReport{}, &types.DetectionError{Backend: d.backend, Err: err}
	}

	report, err := parseQualityResponse(raw)
	if err != nil {
		d.logger.Debug("unparseable quality response", "backend", d.backend, "model", d.model, "raw", raw)
		return QualityReport{}, &types.DetectionError{Backend: d.backend, Err: err}
	}
	return report, nil
}

// parseQualityResponse decodes a model answer and clamps the score to 1..5
func parseQualityResponse(raw string) (QualityReport, error) {
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return QualityReport{}, errors.New("model returned non-JSON response")
	}

	var report QualityReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		return QualityReport{}, fmt.Errorf("failed to parse model response: %w", err)
	}
	if report.Score == 0 {
		return QualityReport{}, errors.New("model response has no score")
	}
	report.Score = min(max(report.Score, 1), 5)
	if report.Improvements == nil {
		report.Improvements = []string{}
	}
	if report.Strengths == nil {
		report.Strengths = []string{}
	}
	return report, nil
}
