package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clipcam.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
device_id: porch
recording:
  fps: 15
  max_clip_duration: 30s
upload:
  backend: presign
  presign:
    url: https://sign.example.com/upload
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceID != "porch" {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.Recording.FPS != 15 || cfg.Recording.MaxClipDuration != 30*time.Second {
		t.Errorf("recording = %+v", cfg.Recording)
	}
	// Untouched fields keep their defaults.
	if cfg.Recording.IdleTimeout != 8*time.Second {
		t.Errorf("IdleTimeout = %s, want 8s", cfg.Recording.IdleTimeout)
	}
	if cfg.Recording.SizeMotionBytes != 500 {
		t.Errorf("SizeMotionBytes = %d, want 500", cfg.Recording.SizeMotionBytes)
	}
	if cfg.Upload.QueueDepth != 20 {
		t.Errorf("QueueDepth = %d, want 20", cfg.Upload.QueueDepth)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"CLIPCAM_DEVICE_ID":        "garage",
		"CLIPCAM_API_KEY":          "secret",
		"CLIPCAM_MINIO_SECRET_KEY": "minio-secret",
		"CLIPCAM_LOG_LEVEL":        "",
	}
	cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	if cfg.DeviceID != "garage" {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.Upload.Presign.APIKey != "secret" {
		t.Errorf("APIKey = %q", cfg.Upload.Presign.APIKey)
	}
	if cfg.Upload.MinIO.SecretAccessKey != "minio-secret" {
		t.Errorf("SecretAccessKey = %q", cfg.Upload.MinIO.SecretAccessKey)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("empty env value overrode log level: %q", cfg.Log.Level)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CLIPCAM_PRESIGN_URL", "https://sign.example.com")
	t.Setenv("CLIPCAM_CLIP_DIR", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upload.Presign.URL != "https://sign.example.com" {
		t.Errorf("URL = %q", cfg.Upload.Presign.URL)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "recording: [1, 2")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := Default()
		c.Upload.Presign.URL = "https://sign.example.com"
		return c
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no device", func(c *Config) { c.DeviceID = "" }, "device_id"},
		{"device with slash", func(c *Config) { c.DeviceID = "a/b" }, "device_id"},
		{"bad output", func(c *Config) { c.Camera.Output = "raw" }, "camera.output"},
		{"zero fps", func(c *Config) { c.Recording.FPS = 0 }, "recording.fps"},
		{"sub-second clips", func(c *Config) { c.Recording.MaxClipDuration = 500 * time.Millisecond }, "max_clip_duration"},
		{"zero threshold", func(c *Config) { c.Motion.Threshold = 0 }, "motion.threshold"},
		{"no clip dir", func(c *Config) { c.Storage.ClipDir = "" }, "clip_dir"},
		{"presign without url", func(c *Config) { c.Upload.Presign.URL = "" }, "presign.url"},
		{"minio without endpoint", func(c *Config) { c.Upload.Backend = "minio" }, "minio.endpoint"},
		{"unknown backend", func(c *Config) { c.Upload.Backend = "ftp" }, "upload.backend"},
		{"zero queue", func(c *Config) { c.Upload.QueueDepth = 0 }, "queue_depth"},
		{"api without addr", func(c *Config) { c.API.Addr = "" }, "api.addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}

	t.Run("none backend needs nothing", func(t *testing.T) {
		c := Default()
		c.Upload.Backend = "none"
		if err := c.Validate(); err != nil {
			t.Fatal(err)
		}
	})
}
