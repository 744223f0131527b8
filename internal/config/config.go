// Package config holds the runtime settings of the uploader. Values are
// layered: defaults, then an optional YAML file, then command-line flags
// (applied by the command that owns them).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/form"
	"github.com/tomasbasham/apple-dataset/internal/imaging"
	"github.com/tomasbasham/apple-dataset/internal/secrets"
	"github.com/tomasbasham/apple-dataset/internal/storage"
)

// Backends accepted by Config.Backend.
const (
	BackendDrive = "drive"
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Capture modes accepted by Config.CaptureMode.
const (
	CaptureMulti  = "multi"
	CaptureSingle = "single"
)

// Config holds runtime settings for the uploader.
type Config struct {
	Listen string

	// Backend selects where files are stored: drive, gcs or local.
	Backend  string
	Folder   string
	Bucket   string
	LocalDir string

	MetadataMode storage.MetadataMode

	// CaptureMode is multi (several files per submission) or single.
	CaptureMode string
	MaxImages   int

	JPEGQuality    int
	MaxDimension   int
	MaxUploadBytes int64

	SessionTTL    time.Duration
	SessionSecret string
	SecureCookie  bool

	SecretsFile string
	DotEnv      []string

	LogLevel  string
	LogFormat string

	Schema form.Schema
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:         ":8080",
		Backend:        BackendDrive,
		Folder:         "apple_dataset",
		LocalDir:       "dataset",
		MetadataMode:   storage.MetadataDescription,
		CaptureMode:    CaptureMulti,
		MaxImages:      20,
		JPEGQuality:    imaging.DefaultQuality,
		MaxUploadBytes: 50 << 20,
		SessionTTL:     2 * time.Hour,
		SecretsFile:    "secrets.yaml",
		DotEnv:         []string{".env"},
		LogLevel:       "info",
		LogFormat:      "json",
		Schema:         form.DefaultSchema(),
	}
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// absent keys from zero values so that only keys present in the file
// override defaults.
type fileConfig struct {
	Listen         *string      `yaml:"listen"`
	Backend        *string      `yaml:"backend"`
	Folder         *string      `yaml:"folder"`
	Bucket         *string      `yaml:"bucket"`
	LocalDir       *string      `yaml:"local_dir"`
	MetadataMode   *string      `yaml:"metadata_mode"`
	CaptureMode    *string      `yaml:"capture_mode"`
	MaxImages      *int         `yaml:"max_images"`
	JPEGQuality    *int         `yaml:"jpeg_quality"`
	MaxDimension   *int         `yaml:"max_dimension"`
	MaxUploadBytes *int64       `yaml:"max_upload_bytes"`
	SessionTTL     *string      `yaml:"session_ttl"`
	SessionSecret  *string      `yaml:"session_secret"`
	SecureCookie   *bool        `yaml:"secure_cookie"`
	SecretsFile    *string      `yaml:"secrets_file"`
	DotEnv         []string     `yaml:"dotenv"`
	LogLevel       *string      `yaml:"log_level"`
	LogFormat      *string      `yaml:"log_format"`
	Schema         *form.Schema `yaml:"schema"`
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Config("load config", fmt.Errorf("config: failed to read %q: %w", path, err))
	}
	if err := cfg.Overlay(data); err != nil {
		return nil, apperr.Config("load config", fmt.Errorf("config: %s: %w", path, err))
	}
	return cfg, nil
}

// Overlay applies the keys present in the YAML document data.
func (c *Config) Overlay(data []byte) error {
	var f fileConfig
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return fmt.Errorf("invalid yaml: %w", err)
	}

	setString(&c.Listen, f.Listen)
	setString(&c.Backend, f.Backend)
	setString(&c.Folder, f.Folder)
	setString(&c.Bucket, f.Bucket)
	setString(&c.LocalDir, f.LocalDir)
	setString(&c.CaptureMode, f.CaptureMode)
	setString(&c.SessionSecret, f.SessionSecret)
	setString(&c.SecretsFile, f.SecretsFile)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)

	if f.MetadataMode != nil {
		c.MetadataMode = storage.MetadataMode(*f.MetadataMode)
	}
	if f.MaxImages != nil {
		c.MaxImages = *f.MaxImages
	}
	if f.JPEGQuality != nil {
		c.JPEGQuality = *f.JPEGQuality
	}
	if f.MaxDimension != nil {
		c.MaxDimension = *f.MaxDimension
	}
	if f.MaxUploadBytes != nil {
		c.MaxUploadBytes = *f.MaxUploadBytes
	}
	if f.SecureCookie != nil {
		c.SecureCookie = *f.SecureCookie
	}
	if f.DotEnv != nil {
		c.DotEnv = f.DotEnv
	}
	if f.SessionTTL != nil {
		d, err := time.ParseDuration(*f.SessionTTL)
		if err != nil {
			return fmt.Errorf("session_ttl: %w", err)
		}
		c.SessionTTL = d
	}
	if f.Schema != nil {
		c.Schema = *f.Schema
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks that the configuration is usable. Every failure is a
// configuration error naming the offending setting.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendDrive, BackendLocal:
	case BackendGCS:
		if c.Bucket == "" {
			return invalid("bucket", "the gcs backend requires a bucket")
		}
	default:
		return invalid("backend", fmt.Sprintf("unknown backend %q (want drive, gcs or local)", c.Backend))
	}

	if strings.TrimSpace(c.Folder) == "" {
		return invalid("folder", "destination folder name is empty")
	}
	mode, err := storage.ParseMetadataMode(string(c.MetadataMode))
	if err != nil {
		return invalid("metadata_mode", err.Error())
	}
	c.MetadataMode = mode

	switch c.CaptureMode {
	case CaptureMulti, CaptureSingle:
	default:
		return invalid("capture_mode", fmt.Sprintf("unknown capture mode %q (want multi or single)", c.CaptureMode))
	}
	if c.MaxImages < 0 {
		return invalid("max_images", "must not be negative")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return invalid("jpeg_quality", fmt.Sprintf("%d is outside 1-100", c.JPEGQuality))
	}
	if c.MaxDimension < 0 {
		return invalid("max_dimension", "must not be negative")
	}
	if c.MaxUploadBytes <= 0 {
		return invalid("max_upload_bytes", "must be positive")
	}
	if c.SessionTTL <= 0 {
		return invalid("session_ttl", "must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return invalid("log_format", fmt.Sprintf("unknown log format %q (want json or text)", c.LogFormat))
	}
	return c.Schema.Check()
}

// ImagesPerSubmission is the most images a device submission may carry.
func (c *Config) ImagesPerSubmission() int {
	if c.CaptureMode == CaptureSingle {
		return 1
	}
	return c.MaxImages
}

// SecretsOptions describes where credentials are read from.
func (c *Config) SecretsOptions() secrets.Options {
	return secrets.Options{
		File:   c.SecretsFile,
		DotEnv: c.DotEnv,
	}
}

func invalid(field, msg string) error {
	return apperr.Config("validate config", fmt.Errorf("config: %s: %s", field, msg), field)
}
