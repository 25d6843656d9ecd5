package platerecognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/menta2k/plate-redactor/pkg/detection"
	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/types"
)

const (
	// DefaultBaseURL is the hosted Plate Recognizer API
	DefaultBaseURL = "https://api.platerecognizer.com"

	// DefaultReferenceSize is assumed when the service omits img_width/img_height
	DefaultReferenceSize = 1000

	// DefaultRegionCode is reported when a result carries no region
	DefaultRegionCode = "RO"

	backendName   = "platerecognizer"
	maxErrorBody  = 4096
	maxReplyBytes = 4 << 20
)

// Settings is the fixed recognition configuration. None of it varies per call.
type Settings struct {
	BaseURL             string
	Regions             []string
	CameraID            string
	Mode                string
	DetectionMode       string
	ConfidenceThreshold float64
	Timeout             time.Duration
	MaxUploadBytes      int
	UploadSteps         []processing.ResizeStep
}

// DefaultSettings is tuned for Romanian listing photos
func DefaultSettings() Settings {
	return Settings{
		BaseURL:             DefaultBaseURL,
		Regions:             []string{"ro"},
		CameraID:            "romanian-listings",
		Mode:                "fast",
		DetectionMode:       "vehicle",
		ConfidenceThreshold: 0.5,
		Timeout:             30 * time.Second,
		MaxUploadBytes:      processing.DefaultUploadLimit,
		UploadSteps:         processing.DefaultUploadSteps,
	}
}

// Response is the plate-reader reply
type Response struct {
	ProcessingTime float64  `json:"processing_time"`
	Results        []Result `json:"results"`
	Filename       string   `json:"filename"`
	Version        int      `json:"version"`
	CameraID       string   `json:"camera_id"`
	Timestamp      string   `json:"timestamp"`
	ImgWidth       int      `json:"img_width"`
	ImgHeight      int      `json:"img_height"`
}

type Result struct {
	Box    Box     `json:"box"`
	Plate  string  `json:"plate"`
	Score  float64 `json:"score"`
	DScore float64 `json:"dscore"`
	Region Region  `json:"region"`
}

type Box struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

type Region struct {
	Code  string  `json:"code"`
	Score float64 `json:"score"`
}

type regionConfig struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

type engineConfig struct {
	Mode          string                  `json:"mode"`
	DetectionMode string                  `json:"detection_mode"`
	RegionConfig  map[string]regionConfig `json:"region_config"`
}

// Client calls the Plate Recognizer plate-reader endpoint
type Client struct {
	settings    Settings
	credentials CredentialProvider
	httpClient  *http.Client
	processor   *processing.Processor
	logger      *slog.Logger
}

// NewClient creates a client. A nil httpClient uses http.DefaultClient; the
// per-call timeout comes from settings.
func NewClient(settings Settings, credentials CredentialProvider, httpClient *http.Client, logger *slog.Logger) *Client {
	if settings.BaseURL == "" {
		settings.BaseURL = DefaultBaseURL
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if credentials == nil {
		credentials = EnvCredentials{}
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		settings:    settings,
		credentials: credentials,
		httpClient:  httpClient,
		processor:   processing.NewProcessor(),
		logger:      logger,
	}
}

func (c *Client) Name() string {
	return backendName
}

var _ detection.Detector = (*Client)(nil)

// Detect uploads img and returns the first plate found
func (c *Client) Detect(ctx context.Context, img types.ImageBuffer) (types.PlateDetection, error) {
	token, err := c.credentials.Token(ctx)
	if err != nil {
		return types.PlateDetection{}, err
	}

	upload := img.Data
	if c.settings.MaxUploadBytes > 0 && len(upload) > c.settings.MaxUploadBytes {
		c.logger.Info("image too large for upload, optimizing", "bytes", len(upload), "limit", c.settings.MaxUploadBytes)
		optimized, err := c.processor.OptimizeForUpload(upload, c.settings.MaxUploadBytes, c.settings.UploadSteps)
		if err != nil {
			c.logger.Warn("upload optimization failed, sending original", "error", err)
		}
		upload = optimized
		c.logger.Debug("optimized upload", "bytes", len(upload))
	}

	body, contentType, err := c.buildForm(upload)
	if err != nil {
		return types.PlateDetection{}, &types.DetectionError{Backend: backendName, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/plate-reader/"), body)
	if err != nil {
		return types.PlateDetection{}, &types.DetectionError{Backend: backendName, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+token)

	raw, err := c.do(req)
	if err != nil {
		return types.PlateDetection{}, err
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.PlateDetection{}, &types.DetectionError{Backend: backendName, Err: fmt.Errorf("failed to parse response: %w", err)}
	}
	return c.toDetection(resp)
}

// VerifyToken checks token against the statistics endpoint. A rejected
// token is a *types.DetectionError carrying the status.
func (c *Client) VerifyToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return &types.ConfigurationError{Setting: "api_key", Err: types.ErrMissingCredential}
	}

	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/statistics/"), nil)
	if err != nil {
		return &types.DetectionError{Backend: backendName, Err: err}
	}
	req.Header.Set("Authorization", "Token "+token)

	_, err = c.do(req)
	return err
}

func (c *Client) endpoint(path string) string {
	return strings.TrimSuffix(c.settings.BaseURL, "/") + path
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("request timed out after %s: %w", c.settings.Timeout, err)
		}
		return nil, &types.DetectionError{Backend: backendName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("plate recognizer API error", "status", resp.StatusCode, "body", string(snippet))
		return nil, &types.DetectionError{
			Backend: backendName,
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(snippet)),
			Err:     fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, &types.DetectionError{Backend: backendName, Err: fmt.Errorf("failed to read response: %w", err)}
	}
	return raw, nil
}

func (c *Client) buildForm(upload []byte) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="upload"; filename="car-image.jpg"`)
	header.Set("Content-Type", mimeTypeFor(upload))
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(upload); err != nil {
		return nil, "", err
	}

	for _, region := range c.settings.Regions {
		if err := w.WriteField("regions", region); err != nil {
			return nil, "", err
		}
	}
	if c.settings.CameraID != "" {
		if err := w.WriteField("camera_id", c.settings.CameraID); err != nil {
			return nil, "", err
		}
	}

	cfg, err := json.Marshal(c.engineConfig())
	if err != nil {
		return nil, "", err
	}
	if err := w.WriteField("config", string(cfg)); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &body, w.FormDataContentType(), nil
}

func (c *Client) engineConfig() engineConfig {
	regions := make(map[string]regionConfig, len(c.settings.Regions))
	for _, region := range c.settings.Regions {
		regions[region] = regionConfig{ConfidenceThreshold: c.settings.ConfidenceThreshold}
	}
	return engineConfig{
		Mode:          c.settings.Mode,
		DetectionMode: c.settings.DetectionMode,
		RegionConfig:  regions,
	}
}

func (c *Client) toDetection(resp Response) (types.PlateDetection, error) {
	if len(resp.Results) == 0 {
		c.logger.Info("no license plates detected")
		return types.PlateDetection{HasPlate: false}, nil
	}

	imgW, imgH := resp.ImgWidth, resp.ImgHeight
	if imgW <= 0 {
		imgW = DefaultReferenceSize
	}
	if imgH <= 0 {
		imgH = DefaultReferenceSize
	}

	result := resp.Results[0]
	box, err := detection.FromPixels(result.Box.XMin, result.Box.YMin, result.Box.XMax, result.Box.YMax, imgW, imgH)
	if err != nil {
		return types.PlateDetection{}, &types.DetectionError{Backend: backendName, Err: err}
	}

	region := result.Region.Code
	if region == "" {
		region = DefaultRegionCode
	}

	c.logger.Info("license plate detected",
		"plate", result.Plate,
		"score", result.Score,
		"region", region,
		"xmin", result.Box.XMin, "ymin", result.Box.YMin,
		"xmax", result.Box.XMax, "ymax", result.Box.YMax,
		"img_width", imgW, "img_height", imgH,
	)

	return types.PlateDetection{
		HasPlate:   true,
		Box:        box,
		Confidence: result.Score,
		PlateText:  result.Plate,
		RegionCode: region,
	}, nil
}

func mimeTypeFor(data []byte) string {
	if f := processing.SniffFormat(data); f != types.FormatUnknown {
		return f.MimeType()
	}
	return "image/jpeg"
}
