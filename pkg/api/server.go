// Package api exposes the redaction pipeline over HTTP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/menta2k/plate-redactor/pkg/detection"
	"github.com/menta2k/plate-redactor/pkg/pipeline"
	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/storage"
	"github.com/menta2k/plate-redactor/pkg/types"
)

// APIVersion is reported by the health endpoint
const APIVersion = "1.0.0"

// DefaultMaxBodyBytes caps multipart uploads
const DefaultMaxBodyBytes = 50 * 1024 * 1024

// ImageProcessor runs one image through the pipeline
type ImageProcessor interface {
	Process(ctx context.Context, img types.ImageBuffer, opts pipeline.Options) (pipeline.Result, error)
}

// TokenVerifier checks a detection service credential
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) error
}

// QualityAnalyzer grades a photo with a vision model
type QualityAnalyzer interface {
	AnalyzeQuality(ctx context.Context, img types.ImageBuffer) (detection.QualityReport, error)
}

// Config holds server settings
type Config struct {
	Environment  string
	MaxBodyBytes int64
}

// Server routes the HTTP API. Verifier, Detector and Analyzer are optional;
// their routes answer 503 when unset.
type Server struct {
	processor ImageProcessor
	store     storage.Store
	verifier  TokenVerifier
	detector  detection.Detector
	analyzer  QualityAnalyzer
	loader    *processing.Processor
	config    Config
	logger    *slog.Logger
	mux       *http.ServeMux
}

// NewServer creates a server. processor and store are required.
func NewServer(processor ImageProcessor, store storage.Store, config Config, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.Environment == "" {
		config.Environment = "development"
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		processor: processor,
		store:     store,
		loader:    processing.NewProcessor(),
		config:    config,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.loader.MaxDownloadBytes = config.MaxBodyBytes

	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("POST /api/image-editor", s.handleImageEditor)
	s.mux.HandleFunc("POST /api/verify-plate-recognizer-key", s.handleVerifyKey)
	s.mux.HandleFunc("POST /api/detect-plate", s.handleDetectPlate)
	s.mux.HandleFunc("POST /api/image-analysis", s.handleImageAnalysis)
	s.mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	s.mux.HandleFunc("GET /images/{id}", s.handleImage)
	return s
}

// SetVerifier enables the key verification route
func (s *Server) SetVerifier(v TokenVerifier) {
	s.verifier = v
}

// SetDetector enables the raw detection route
func (s *Server) SetDetector(d detection.Detector) {
	s.detector = d
}

// SetAnalyzer enables the photo quality route
func (s *Server) SetAnalyzer(a QualityAnalyzer) {
	s.analyzer = a
}

// Handler returns the routed handler with CORS and request logging applied
func (s *Server) Handler() http.Handler {
	return s.logRequests(withCORS(s.mux))
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", "*")
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
	APIVersion  string `json:"apiVersion"`
	// StoredImages is omitted when the index cannot be read
	StoredImages *int `json:"storedImages,omitempty"`
}

type editorResponse struct {
	ImageURL       string `json:"imageUrl"`
	Message        string `json:"message"`
	PlateDetected  bool   `json:"plateDetected"`
	SkipReason     string `json:"skipReason,omitempty"`
	DetectionError string `json:"detectionError,omitempty"`
}

type verifyRequest struct {
	APIKey string `json:"apiKey"`
}

type verifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type detectRequest struct {
	ImageURL string `json:"imageUrl"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Environment: s.config.Environment,
		APIVersion:  APIVersion,
	}
	if n, err := s.store.Count(r.Context()); err != nil {
		s.logger.Warn("failed to count stored images", "error", err)
	} else {
		resp.StoredImages = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

// readUpload returns the "image" part of a multipart request. On failure the
// error response has already been written. On success the caller removes the
// parsed form.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Image exceeds the %d byte limit", tooLarge.Limit))
			return nil, "", false
		}
		writeError(w, http.StatusBadRequest, "No image file provided")
		return nil, "", false
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		r.MultipartForm.RemoveAll()
		writeError(w, http.StatusBadRequest, "No image file provided")
		return nil, "", false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		r.MultipartForm.RemoveAll()
		writeError(w, http.StatusInternalServerError, "Failed to process image: "+err.Error())
		return nil, "", false
	}
	return data, header.Filename, true
}

func (s *Server) handleImageEditor(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()

	opts := pipeline.Options{
		Enhance:   r.FormValue("enhance") == "true",
		BlurPlate: r.FormValue("blurPlate") == "true",
		Level:     processing.ParseLevel(r.FormValue("enhancementLevel")),
	}
	s.logger.Info("processing upload",
		"file", filename,
		"size_mb", fmt.Sprintf("%.2f", float64(len(data))/1024/1024),
		"enhance", opts.Enhance,
		"blur_plate", opts.BlurPlate,
		"level", opts.Level.Name,
	)

	img := types.ImageBuffer{Data: data, Format: processing.SniffFormat(data)}
	result, err := s.processor.Process(r.Context(), img, opts)
	if err != nil {
		s.logger.Error("image processing failed", "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process image: "+err.Error())
		return
	}

	info, err := s.store.Put(r.Context(), storage.Object{
		Image:         result.Image,
		SourceName:    filename,
		PlateRedacted: result.PlateRedacted,
	})
	if err != nil {
		s.logger.Error("failed to store processed image", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to process image: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, editorResponse{
		ImageURL:       info.URL,
		Message:        result.Message,
		PlateDetected:  result.PlateRedacted,
		SkipReason:     string(result.SkipReason),
		DetectionError: result.DetectionError,
	})
}

func (s *Server) handleVerifyKey(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil || strings.TrimSpace(req.APIKey) == "" {
		writeError(w, http.StatusBadRequest, "API key is required")
		return
	}
	if s.verifier == nil {
		writeError(w, http.StatusServiceUnavailable, "Key verification is not configured")
		return
	}

	if err := s.verifier.VerifyToken(r.Context(), req.APIKey); err != nil {
		var detErr *types.DetectionError
		if errors.As(err, &detErr) && detErr.Status != 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid API key or API error: %d %s", detErr.Status, http.StatusText(detErr.Status)))
			return
		}
		s.logger.Error("failed to verify plate recognizer key", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to verify API key. Please try again later.")
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Success: true, Message: "API key is valid"})
}

func (s *Server) handleDetectPlate(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)).Decode(&req); err != nil || req.ImageURL == "" {
		writeError(w, http.StatusBadRequest, "No image URL provided")
		return
	}
	if s.detector == nil {
		writeError(w, http.StatusServiceUnavailable, "Plate detection is not configured")
		return
	}

	img, err := s.loadURL(req.ImageURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to detect license plate: "+err.Error())
		return
	}

	outcome := detection.Run(r.Context(), s.detector, img)
	if outcome.Kind == detection.Failed {
		writeError(w, http.StatusInternalServerError, "Failed to detect license plate: "+outcome.Err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome.Detection)
}

// loadURL accepts base64 data URLs as well as http(s) URLs
func (s *Server) loadURL(raw string) (types.ImageBuffer, error) {
	if rest, ok := strings.CutPrefix(raw, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return types.ImageBuffer{}, fmt.Errorf("unsupported data URL")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return types.ImageBuffer{}, fmt.Errorf("invalid data URL: %w", err)
		}
		return types.ImageBuffer{Data: data, Format: processing.SniffFormat(data)}, nil
	}
	return s.loader.LoadImageFromURL(raw)
}

func (s *Server) handleImageAnalysis(w http.ResponseWriter, r *http.Request) {
	data, filename, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	defer r.MultipartForm.RemoveAll()

	if s.analyzer == nil {
		writeError(w, http.StatusServiceUnavailable, "Image analysis is not configured")
		return
	}

	img := types.ImageBuffer{Data: data, Format: processing.SniffFormat(data)}
	report, err := s.analyzer.AnalyzeQuality(r.Context(), img)
	if err != nil {
		s.logger.Error("image analysis failed", "file", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to analyze image. Please try again later.")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	info, data, err := s.store.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, storage.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("failed to read stored image", "id", r.PathValue("id"), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
