// Package config loads the clipcam configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration for the clip recorder
type Config struct {
	DeviceID  string          `yaml:"device_id" json:"device_id"`
	Camera    CameraConfig    `yaml:"camera" json:"camera"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Motion    MotionConfig    `yaml:"motion" json:"motion"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Upload    UploadConfig    `yaml:"upload" json:"upload"`
	Catalog   CatalogConfig   `yaml:"catalog" json:"catalog"`
	API       APIConfig       `yaml:"api" json:"api"`
	Log       LogConfig       `yaml:"log" json:"log"`
}

// CameraConfig describes the frame source
type CameraConfig struct {
	// Output selects what record mode delivers: "still" (JPEG) or "video" (H.264)
	Output string `yaml:"output" json:"output"`

	RecordWidth  int `yaml:"record_width" json:"record_width"`
	RecordHeight int `yaml:"record_height" json:"record_height"`
	MotionWidth  int `yaml:"motion_width" json:"motion_width"`
	MotionHeight int `yaml:"motion_height" json:"motion_height"`

	FrameInterval   time.Duration `yaml:"frame_interval" json:"frame_interval"`
	ModeSwitchDelay time.Duration `yaml:"mode_switch_delay" json:"mode_switch_delay"`

	// Synthetic scene timing
	MotionPeriod   time.Duration `yaml:"motion_period" json:"motion_period"`
	MotionDuration time.Duration `yaml:"motion_duration" json:"motion_duration"`
}

// RecordingConfig contains recording-session settings
type RecordingConfig struct {
	FPS                     int           `yaml:"fps" json:"fps"`
	MaxClipDuration         time.Duration `yaml:"max_clip_duration" json:"max_clip_duration"`
	IdleTimeout             time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MinFramesBeforeIdleStop int           `yaml:"min_frames" json:"min_frames"`
	SizeMotionBytes         int           `yaml:"size_motion_bytes" json:"size_motion_bytes"`

	// Camera handling
	FrameTimeout    time.Duration `yaml:"frame_timeout" json:"frame_timeout"`
	SettleFrames    int           `yaml:"settle_frames" json:"settle_frames"` // negative disables
	MaxCameraErrors int           `yaml:"max_camera_errors" json:"max_camera_errors"`
}

// MotionConfig contains motion detection settings
type MotionConfig struct {
	// Threshold is the number of changed pixels that counts as motion
	Threshold        int   `yaml:"threshold" json:"threshold"`
	PixelSensitivity uint8 `yaml:"pixel_sensitivity" json:"pixel_sensitivity"`
}

// StorageConfig contains local clip storage settings
type StorageConfig struct {
	ClipDir   string `yaml:"clip_dir" json:"clip_dir"`
	MinFreeMB uint64 `yaml:"min_free_mb" json:"min_free_mb"`
}

// UploadConfig contains upload settings
type UploadConfig struct {
	// Backend is one of presign, minio or none
	Backend       string        `yaml:"backend" json:"backend"`
	QueueDepth    int           `yaml:"queue_depth" json:"queue_depth"`
	RescanOnStart bool          `yaml:"rescan_on_start" json:"rescan_on_start"`
	JobTimeout    time.Duration `yaml:"job_timeout" json:"job_timeout"`

	Presign PresignConfig `yaml:"presign" json:"presign"`
	MinIO   MinIOConfig   `yaml:"minio" json:"minio"`
}

// PresignConfig configures the signed-URL upload backend
type PresignConfig struct {
	URL            string        `yaml:"url" json:"url"`
	APIKey         string        `yaml:"api_key" json:"-"`
	PresignTimeout time.Duration `yaml:"presign_timeout" json:"presign_timeout"`
	PutTimeout     time.Duration `yaml:"put_timeout" json:"put_timeout"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// MinIOConfig contains MinIO/S3 settings
type MinIOConfig struct {
	Endpoint        string        `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id" json:"-"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl"`
	Bucket          string        `yaml:"bucket" json:"bucket"`
	Region          string        `yaml:"region" json:"region"`
	Prefix          string        `yaml:"prefix" json:"prefix"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// CatalogConfig configures the optional upload history database.
// An empty DSN disables it.
type CatalogConfig struct {
	DSN             string        `yaml:"dsn" json:"-"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// APIConfig contains the maintenance HTTP server settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	Addr           string        `yaml:"addr" json:"addr"`
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, console
}

// Default returns a configuration for a still-capable VGA camera uploading
// through a signing endpoint.
func Default() *Config {
	return &Config{
		DeviceID: "clipcam",
		Camera: CameraConfig{
			Output:          "still",
			RecordWidth:     640,
			RecordHeight:    480,
			MotionWidth:     320,
			MotionHeight:    240,
			FrameInterval:   40 * time.Millisecond,
			ModeSwitchDelay: 300 * time.Millisecond,
			MotionPeriod:    90 * time.Second,
			MotionDuration:  15 * time.Second,
		},
		Recording: RecordingConfig{
			FPS:                     10,
			MaxClipDuration:         60 * time.Second,
			IdleTimeout:             8 * time.Second,
			MinFramesBeforeIdleStop: 5,
			SizeMotionBytes:         500,
			FrameTimeout:            100 * time.Millisecond,
			SettleFrames:            3,
			MaxCameraErrors:         10,
		},
		Motion: MotionConfig{
			Threshold:        1000,
			PixelSensitivity: 40,
		},
		Storage: StorageConfig{
			ClipDir:   "/var/lib/clipcam/clips",
			MinFreeMB: 256,
		},
		Upload: UploadConfig{
			Backend:       "presign",
			QueueDepth:    20,
			RescanOnStart: true,
			JobTimeout:    10 * time.Minute,
			Presign: PresignConfig{
				PresignTimeout: 15 * time.Second,
				PutTimeout:     120 * time.Second,
				MaxRetries:     2,
				RetryBackoff:   time.Second,
			},
			MinIO: MinIOConfig{
				Bucket:         "clips",
				Region:         "us-east-1",
				ConnectTimeout: 10 * time.Second,
				RequestTimeout: 120 * time.Second,
				MaxRetries:     2,
				RetryBackoff:   time.Second,
			},
		},
		Catalog: CatalogConfig{
			MaxConnections:  4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  10 * time.Second,
		},
		API: APIConfig{
			Enabled:        true,
			Addr:           ":8080",
			StatusInterval: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CLIPCAM_DEVICE_ID", &c.DeviceID},
		{"CLIPCAM_CLIP_DIR", &c.Storage.ClipDir},
		{"CLIPCAM_PRESIGN_URL", &c.Upload.Presign.URL},
		{"CLIPCAM_API_KEY", &c.Upload.Presign.APIKey},
		{"CLIPCAM_LOG_LEVEL", &c.Log.Level},
		{"CLIPCAM_CATALOG_DSN", &c.Catalog.DSN},
		{"CLIPCAM_MINIO_ACCESS_KEY", &c.Upload.MinIO.AccessKeyID},
		{"CLIPCAM_MINIO_SECRET_KEY", &c.Upload.MinIO.SecretAccessKey},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

// Validate checks the configuration for values the recorder cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.DeviceID == "" {
		errs = append(errs, errors.New("device_id is required"))
	} else if strings.ContainsAny(c.DeviceID, `/\ `) {
		errs = append(errs, fmt.Errorf("device_id %q must not contain path separators or spaces", c.DeviceID))
	}

	switch c.Camera.Output {
	case "still", "video":
	default:
		errs = append(errs, fmt.Errorf("camera.output must be still or video, got %q", c.Camera.Output))
	}
	if c.Camera.MotionWidth <= 0 || c.Camera.MotionHeight <= 0 {
		errs = append(errs, fmt.Errorf("invalid motion dimensions: %dx%d", c.Camera.MotionWidth, c.Camera.MotionHeight))
	}
	if c.Camera.RecordWidth <= 0 || c.Camera.RecordHeight <= 0 {
		errs = append(errs, fmt.Errorf("invalid record dimensions: %dx%d", c.Camera.RecordWidth, c.Camera.RecordHeight))
	}

	if c.Recording.FPS <= 0 {
		errs = append(errs, fmt.Errorf("recording.fps must be positive, got %d", c.Recording.FPS))
	}
	if c.Recording.MaxClipDuration < time.Second {
		errs = append(errs, fmt.Errorf("recording.max_clip_duration must be at least 1s, got %s", c.Recording.MaxClipDuration))
	}
	if c.Recording.IdleTimeout <= 0 {
		errs = append(errs, errors.New("recording.idle_timeout must be positive"))
	}

	if c.Motion.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("motion.threshold must be positive, got %d", c.Motion.Threshold))
	}

	if c.Storage.ClipDir == "" {
		errs = append(errs, errors.New("storage.clip_dir is required"))
	}

	switch c.Upload.Backend {
	case "none":
	case "presign":
		if c.Upload.Presign.URL == "" {
			errs = append(errs, errors.New("upload.presign.url is required when using the presign backend"))
		}
	case "minio":
		if c.Upload.MinIO.Endpoint == "" {
			errs = append(errs, errors.New("upload.minio.endpoint is required when using MinIO"))
		}
		if c.Upload.MinIO.Bucket == "" {
			errs = append(errs, errors.New("upload.minio.bucket is required when using MinIO"))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.backend must be presign, minio or none, got %q", c.Upload.Backend))
	}
	if c.Upload.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("upload.queue_depth must be positive, got %d", c.Upload.QueueDepth))
	}

	if c.API.Enabled && c.API.Addr == "" {
		errs = append(errs, errors.New("api.addr is required when the API is enabled"))
	}

	return errors.Join(errs...)
}
