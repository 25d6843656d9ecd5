package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Detector.Backend = "magic" }},
		{"threshold above one", func(c *Config) { c.Detector.ConfidenceThreshold = 1.5 }},
		{"zero timeout", func(c *Config) { c.Detector.TimeoutSeconds = 0 }},
		{"no regions", func(c *Config) { c.Detector.Regions = nil }},
		{"vision without model", func(c *Config) { c.Detector.Backend = BackendOllama; c.Detector.Model = "" }},
		{"bad level", func(c *Config) { c.Enhance.DefaultLevel = "extreme" }},
		{"bad strategy", func(c *Config) { c.Redact.Strategy = "smear" }},
		{"bad color", func(c *Config) { c.Redact.Color = "black" }},
		{"negative delay", func(c *Config) { c.Batch.DelayMs = -1 }},
		{"zero concurrency", func(c *Config) { c.Batch.Concurrency = 0 }},
		{"empty storage", func(c *Config) { c.Storage.Dir = "" }},
		{"zero body limit", func(c *Config) { c.Server.MaxBodyBytes = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	c := Default()
	c.Redact.Strategy = "pixelate"
	c.Batch.DelayMs = 500
	if err := c.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Redact.Strategy != "pixelate" || loaded.Batch.Delay() != 500*time.Millisecond {
		t.Errorf("unexpected loaded config %+v", loaded)
	}
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"server": {"addr": ":9999"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	c, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if c.Server.Addr != ":9999" {
		t.Errorf("addr: got %q", c.Server.Addr)
	}
	if c.Server.MaxBodyBytes != 50*1024*1024 || c.Detector.Timeout() != 30*time.Second {
		t.Error("unset settings should keep defaults")
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "broken.json")
	os.WriteFile(path, []byte("{not json"), 0600)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for malformed file")
	}
	if _, err := Load(path); err == nil {
		t.Error("Load should surface parse errors")
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv(EnvAddr, ":8081")
	t.Setenv(EnvStorageDir, "/tmp/plates")
	t.Setenv(EnvPublicURL, "https://cdn.example.com")
	t.Setenv(EnvLogLevel, "debug")

	c, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Server.Addr != ":8081" || c.Storage.Dir != "/tmp/plates" || c.Storage.PublicURL != "https://cdn.example.com" || c.Log.Level != "debug" {
		t.Errorf("environment not applied: %+v", c)
	}
}

func TestGetConfigPath(t *testing.T) {
	if filepath.Base(GetConfigPath()) != "config.json" {
		t.Errorf("unexpected config path %q", GetConfigPath())
	}
}
