package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lucasb-eyer/go-colorful"
)

// Environment overrides
const (
	EnvAddr       = "PLATE_REDACTOR_ADDR"
	EnvStorageDir = "PLATE_REDACTOR_STORAGE_DIR"
	EnvPublicURL  = "PLATE_REDACTOR_PUBLIC_URL"
	EnvLogLevel   = "PLATE_REDACTOR_LOG_LEVEL"
)

// Detector backends
const (
	BackendPlateRecognizer = "platerecognizer"
	BackendOllama          = "ollama"
	BackendLlamaCpp        = "llamacpp"
	BackendNone            = "none"
)

// Config holds the application configuration
type Config struct {
	Detector DetectorConfig `json:"detector"`
	Enhance  EnhanceConfig  `json:"enhance"`
	Redact   RedactConfig   `json:"redact"`
	Batch    BatchConfig    `json:"batch"`
	Storage  StorageConfig  `json:"storage"`
	Server   ServerConfig   `json:"server"`
	Log      LogConfig      `json:"log"`
}

// DetectorConfig holds configuration for plate detection
type DetectorConfig struct {
	Backend  string `json:"backend"`
	Endpoint string `json:"endpoint"`
	// APIKey is optional; PLATE_RECOGNIZER_API_KEY is read on each call when empty
	APIKey              string   `json:"api_key,omitempty"`
	Regions             []string `json:"regions"`
	CameraID            string   `json:"camera_id"`
	Mode                string   `json:"mode"`
	DetectionMode       string   `json:"detection_mode"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	TimeoutSeconds      int      `json:"timeout_seconds"`
	MaxUploadBytes      int      `json:"max_upload_bytes"`
	Model               string   `json:"model"`
	VisionURL           string   `json:"vision_url"`
	// Prompt replaces the built-in plate prompt for vision backends
	Prompt string `json:"prompt,omitempty"`
}

// EnhanceConfig holds per-image defaults
type EnhanceConfig struct {
	DefaultLevel string `json:"default_level"`
	Enabled      bool   `json:"enabled"`
	BlurPlate    bool   `json:"blur_plate"`
}

// RedactConfig holds configuration for the redaction overlay
type RedactConfig struct {
	Strategy      string  `json:"strategy"`
	Color         string  `json:"color"`
	PixelateBlock int     `json:"pixelate_block"`
	BlurSigma     float64 `json:"blur_sigma"`
}

// BatchConfig holds configuration for batch runs
type BatchConfig struct {
	DelayMs     int `json:"delay_ms"`
	Concurrency int `json:"concurrency"`
	// Client-side pre-resize applied by the CLI
	PreResizeBytes   int `json:"pre_resize_bytes"`
	PreResizeWidth   int `json:"pre_resize_width"`
	PreResizeHeight  int `json:"pre_resize_height"`
	PreResizeQuality int `json:"pre_resize_quality"`
}

// StorageConfig holds configuration for processed image storage
type StorageConfig struct {
	Dir       string `json:"dir"`
	PublicURL string `json:"public_url"`
}

// ServerConfig holds configuration for the HTTP API
type ServerConfig struct {
	Addr         string `json:"addr"`
	MaxBodyBytes int64  `json:"max_body_bytes"`
}

// LogConfig holds configuration for logging
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Detector: DetectorConfig{
			Backend:             BackendPlateRecognizer,
			Endpoint:            "https://api.platerecognizer.com",
			Regions:             []string{"ro"},
			CameraID:            "romanian-listings",
			Mode:                "fast",
			DetectionMode:       "vehicle",
			ConfidenceThreshold: 0.5,
			TimeoutSeconds:      30,
			MaxUploadBytes:      5 * 1024 * 1024 / 2,
			Model:               "llava",
			VisionURL:           "http://localhost:11434",
		},
		Enhance: EnhanceConfig{
			DefaultLevel: "medium",
			Enabled:      true,
			BlurPlate:    true,
		},
		Redact: RedactConfig{
			Strategy:      "fill",
			Color:         "#000000",
			PixelateBlock: 4,
			BlurSigma:     12,
		},
		Batch: BatchConfig{
			DelayMs:          200,
			Concurrency:      1,
			PreResizeBytes:   5 * 1024 * 1024,
			PreResizeWidth:   1280,
			PreResizeHeight:  1024,
			PreResizeQuality: 80,
		},
		Storage: StorageConfig{
			Dir:       "./data",
			PublicURL: "",
		},
		Server: ServerConfig{
			Addr:         ":3000",
			MaxBodyBytes: 50 * 1024 * 1024,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Settings missing from
// the file keep their defaults.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads filename when it exists, falls back to defaults otherwise, and
// applies environment overrides.
func Load(filename string) (*Config, error) {
	config := Default()
	if filename != "" {
		loaded, err := LoadFromFile(filename)
		switch {
		case err == nil:
			config = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	config.ApplyEnv()
	return config, nil
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAddr)); v != "" {
		c.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDir)); v != "" {
		c.Storage.Dir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPublicURL)); v != "" {
		c.Storage.PublicURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Detector.Backend {
	case BackendPlateRecognizer, BackendOllama, BackendLlamaCpp, BackendNone:
	default:
		return fmt.Errorf("detector.backend must be one of platerecognizer, ollama, llamacpp, none")
	}

	if c.Detector.ConfidenceThreshold < 0 || c.Detector.ConfidenceThreshold > 1 {
		return fmt.Errorf("detector.confidence_threshold must be between 0 and 1")
	}

	if c.Detector.TimeoutSeconds < 1 {
		return fmt.Errorf("detector.timeout_seconds must be positive")
	}

	if c.Detector.MaxUploadBytes < 0 {
		return fmt.Errorf("detector.max_upload_bytes cannot be negative")
	}

	if c.Detector.Backend == BackendPlateRecognizer && len(c.Detector.Regions) == 0 {
		return fmt.Errorf("detector.regions cannot be empty")
	}

	if (c.Detector.Backend == BackendOllama || c.Detector.Backend == BackendLlamaCpp) && c.Detector.Model == "" {
		return fmt.Errorf("detector.model is required for the %s backend", c.Detector.Backend)
	}

	switch strings.ToLower(c.Enhance.DefaultLevel) {
	case "", "light", "medium", "strong":
	default:
		return fmt.Errorf("enhance.default_level must be light, medium or strong")
	}

	switch c.Redact.Strategy {
	case "", "fill", "pixelate", "blur":
	default:
		return fmt.Errorf("redact.strategy must be fill, pixelate or blur")
	}

	if c.Redact.Color != "" {
		if _, err := colorful.Hex(c.Redact.Color); err != nil {
			return fmt.Errorf("redact.color must be a #rrggbb colour: %w", err)
		}
	}

	if c.Batch.DelayMs < 0 {
		return fmt.Errorf("batch.delay_ms cannot be negative")
	}

	if c.Batch.Concurrency < 1 {
		return fmt.Errorf("batch.concurrency must be at least 1")
	}

	if c.Batch.PreResizeQuality < 0 || c.Batch.PreResizeQuality > 100 {
		return fmt.Errorf("batch.pre_resize_quality must be between 0 and 100")
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir cannot be empty")
	}

	if c.Server.MaxBodyBytes < 1 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	return nil
}

// Timeout returns the per-call detection timeout
func (d DetectorConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Delay returns the pause between batch items
func (b BatchConfig) Delay() time.Duration {
	return time.Duration(b.DelayMs) * time.Millisecond
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "plate-redactor", "config.json")
}
