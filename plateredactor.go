// Package plateredactor enhances car listing photos and hides their license
// plates.
//
// A Service wires the pieces together from a config.Config:
//
//   - a plate detector (Plate Recognizer, an Ollama or llama.cpp vision
//     model, or none)
//   - the image adjuster presets (light, medium, strong)
//   - the redaction compositor (fill, pixelate or blur)
//   - the pipeline that runs detection and adjustment in parallel
//   - a batch runner and a local store for processed images
//
// Basic usage:
//
//	cfg, _ := config.Load(config.GetConfigPath())
//	svc, err := plateredactor.New(cfg, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer svc.Close()
//
//	img, _ := processing.NewProcessor().LoadImage("car.jpg")
//	res, err := svc.Process(ctx, img, svc.DefaultOptions())
//
// Detection failures never fail an image: the enhanced photo is returned
// without redaction and Result.DetectionError says why.
package plateredactor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/menta2k/plate-redactor/internal/config"
	"github.com/menta2k/plate-redactor/pkg/api"
	"github.com/menta2k/plate-redactor/pkg/batch"
	"github.com/menta2k/plate-redactor/pkg/detection"
	"github.com/menta2k/plate-redactor/pkg/llamacpp"
	"github.com/menta2k/plate-redactor/pkg/ollama"
	"github.com/menta2k/plate-redactor/pkg/pipeline"
	"github.com/menta2k/plate-redactor/pkg/platerecognizer"
	"github.com/menta2k/plate-redactor/pkg/processing"
	"github.com/menta2k/plate-redactor/pkg/redact"
	"github.com/menta2k/plate-redactor/pkg/storage"
	"github.com/menta2k/plate-redactor/pkg/types"
)

// Version of the plate redactor library
const Version = "1.0.0"

// Service is the high-level entry point
type Service struct {
	config   *config.Config
	logger   *slog.Logger
	detector detection.Detector
	vision   *detection.VisionDetector
	verifier *platerecognizer.Client
	redactor *redact.Redactor
	pipeline *pipeline.Pipeline
	runner   *batch.Runner

	storeMu sync.Mutex
	store   *storage.LocalStore
}

// New validates cfg and builds a service. The store is opened on first use.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, &types.ConfigurationError{Setting: "config", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}

	redactor, err := redact.NewWithConfig(redact.Config{
		Strategy:      types.RedactionStrategy(cfg.Redact.Strategy),
		Color:         cfg.Redact.Color,
		PixelateBlock: cfg.Redact.PixelateBlock,
		BlurSigma:     cfg.Redact.BlurSigma,
	})
	if err != nil {
		return nil, &types.ConfigurationError{Setting: "redact", Err: err}
	}

	s := &Service{
		config:   cfg,
		logger:   logger,
		redactor: redactor,
		verifier: platerecognizer.NewClient(plateSettings(cfg.Detector), credentialsFor(cfg.Detector), nil, logger.With("component", "platerecognizer")),
	}

	switch cfg.Detector.Backend {
	case config.BackendPlateRecognizer:
		s.detector = s.verifier
	case config.BackendOllama:
		c, err := ollama.NewClient(cfg.Detector.VisionURL, nil)
		if err != nil {
			return nil, &types.ConfigurationError{Setting: "detector.vision_url", Err: err}
		}
		s.vision = detection.NewVisionDetector(c, config.BackendOllama, cfg.Detector.Model, logger)
		s.detector = s.vision
	case config.BackendLlamaCpp:
		c, err := llamacpp.NewClient(cfg.Detector.VisionURL, nil)
		if err != nil {
			return nil, &types.ConfigurationError{Setting: "detector.vision_url", Err: err}
		}
		s.vision = detection.NewVisionDetector(c, config.BackendLlamaCpp, cfg.Detector.Model, logger)
		s.detector = s.vision
	}

	if s.vision != nil && cfg.Detector.Prompt != "" {
		s.vision.SetPrompt(cfg.Detector.Prompt)
	}

	s.pipeline = pipeline.New(s.detector, redactor, logger.With("component", "pipeline"))
	s.runner = batch.NewRunner(s.pipeline, batch.Config{
		Delay:       cfg.Batch.Delay(),
		Concurrency: cfg.Batch.Concurrency,
	}, logger.With("component", "batch"))

	logger.Debug("service ready", "backend", cfg.Detector.Backend, "strategy", redactor.Strategy())
	return s, nil
}

func plateSettings(d config.DetectorConfig) platerecognizer.Settings {
	settings := platerecognizer.DefaultSettings()
	settings.BaseURL = d.Endpoint
	settings.Regions = d.Regions
	settings.CameraID = d.CameraID
	settings.Mode = d.Mode
	settings.DetectionMode = d.DetectionMode
	settings.ConfidenceThreshold = d.ConfidenceThreshold
	settings.Timeout = d.Timeout()
	if d.MaxUploadBytes > 0 {
		settings.MaxUploadBytes = d.MaxUploadBytes
	}
	return settings
}

func credentialsFor(d config.DetectorConfig) platerecognizer.CredentialProvider {
	if d.APIKey != "" {
		return platerecognizer.StaticCredentials(d.APIKey)
	}
	return platerecognizer.EnvCredentials{}
}

// Config returns the configuration the service was built with
func (s *Service) Config() *config.Config {
	return s.config
}

// DefaultOptions returns the per-image options from the enhance section
func (s *Service) DefaultOptions() pipeline.Options {
	return pipeline.Options{
		Enhance:   s.config.Enhance.Enabled,
		BlurPlate: s.config.Enhance.BlurPlate,
		Level:     processing.ParseLevel(s.config.Enhance.DefaultLevel),
	}
}

// Detector returns the configured detector, nil for the none backend
func (s *Service) Detector() detection.Detector {
	return s.detector
}

// Process runs one image through the pipeline
func (s *Service) Process(ctx context.Context, img types.ImageBuffer, opts pipeline.Options) (pipeline.Result, error) {
	return s.pipeline.Process(ctx, img, opts)
}

// ProcessAndStore processes img and persists the output
func (s *Service) ProcessAndStore(ctx context.Context, img types.ImageBuffer, name string, opts pipeline.Options) (pipeline.Result, storage.Info, error) {
	result, err := s.Process(ctx, img, opts)
	if err != nil {
		return pipeline.Result{}, storage.Info{}, err
	}

	store, err := s.Store()
	if err != nil {
		return result, storage.Info{}, err
	}
	info, err := store.Put(ctx, storage.Object{
		Image:         result.Image,
		SourceName:    name,
		PlateRedacted: result.PlateRedacted,
	})
	if err != nil {
		return result, storage.Info{}, err
	}
	return result, info, nil
}

// RunBatch processes items with the configured delay and concurrency
func (s *Service) RunBatch(ctx context.Context, items []batch.Item, onItem func(batch.ItemResult)) batch.Summary {
	return s.runner.Run(ctx, items, onItem)
}

// VerifyToken checks a Plate Recognizer key
func (s *Service) VerifyToken(ctx context.Context, token string) error {
	return s.verifier.VerifyToken(ctx, token)
}

// TestVision asks the vision model to describe img. It fails for
// non-vision backends.
func (s *Service) TestVision(ctx context.Context, img types.ImageBuffer) (string, error) {
	if s.vision == nil {
		return "", &types.ConfigurationError{
			Setting: "detector.backend",
			Err:     fmt.Errorf("%s is not a vision backend", s.config.Detector.Backend),
		}
	}
	return s.vision.TestVision(ctx, img)
}

// Store opens the local store on first call
func (s *Service) Store() (*storage.LocalStore, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.store == nil {
		store, err := storage.OpenLocal(s.config.Storage.Dir, s.config.Storage.PublicURL)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	return s.store, nil
}

// Handler builds the HTTP API over this service
func (s *Service) Handler(environment string) (http.Handler, error) {
	store, err := s.Store()
	if err != nil {
		return nil, err
	}

	srv := api.NewServer(s, store, api.Config{
		Environment:  environment,
		MaxBodyBytes: s.config.Server.MaxBodyBytes,
	}, s.logger.With("component", "api"))
	srv.SetVerifier(s)
	if s.detector != nil {
		srv.SetDetector(s.detector)
	}
	if s.vision != nil {
		srv.SetAnalyzer(s.vision)
	}
	return srv.Handler(), nil
}

// Close releases the store
func (s *Service) Close() error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
