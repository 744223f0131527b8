package cmd

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/pflag"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/auth"
	"github.com/tomasbasham/apple-dataset/internal/config"
	"github.com/tomasbasham/apple-dataset/internal/credential"
	"github.com/tomasbasham/apple-dataset/internal/logging"
	"github.com/tomasbasham/apple-dataset/internal/secrets"
	"github.com/tomasbasham/apple-dataset/internal/storage"
)

// configFlags binds the settings shared by serve and upload. A flag only
// overrides the configuration file when it is set on the command line.
type configFlags struct {
	path string

	backend      string
	folder       string
	bucket       string
	localDir     string
	metadataMode string
	jpegQuality  int
	maxDimension int
	secretsFile  string
	logLevel     string
	logFormat    string
}

func (f *configFlags) addFlags(flags *pflag.FlagSet) {
	d := config.Default()

	flags.StringVarP(&f.path, "config", "c", "", "YAML configuration file")
	flags.StringVar(&f.backend, "backend", d.Backend, "Storage backend: drive, gcs or local")
	flags.StringVarP(&f.folder, "folder", "f", d.Folder, "Destination folder name, also the file name prefix")
	flags.StringVarP(&f.bucket, "bucket", "b", d.Bucket, "GCS bucket name (gcs backend only)")
	flags.StringVar(&f.localDir, "local-dir", d.LocalDir, "Base directory (local backend only)")
	flags.StringVar(&f.metadataMode, "metadata-mode", string(d.MetadataMode), "Where metadata is stored: description, sidecar or both")
	flags.IntVar(&f.jpegQuality, "jpeg-quality", d.JPEGQuality, "JPEG quality of stored images (1-100)")
	flags.IntVar(&f.maxDimension, "max-dimension", d.MaxDimension, "Scale images down so neither side exceeds this (0 keeps the original size)")
	flags.StringVar(&f.secretsFile, "secrets", d.SecretsFile, "YAML secrets file holding the google credential")
	flags.StringVar(&f.logLevel, "log-level", d.LogLevel, "Log level: debug, info, warn or error")
	flags.StringVar(&f.logFormat, "log-format", d.LogFormat, "Log format: json or text")
}

// load reads the configuration file and applies explicitly set flags on top.
// The result is validated.
func (f *configFlags) load(flags *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(f.path)
	if err != nil {
		return nil, err
	}

	set := func(name string, apply func()) {
		if flags.Changed(name) {
			apply()
		}
	}
	set("backend", func() { cfg.Backend = f.backend })
	set("folder", func() { cfg.Folder = f.folder })
	set("bucket", func() { cfg.Bucket = f.bucket })
	set("local-dir", func() { cfg.LocalDir = f.localDir })
	set("metadata-mode", func() { cfg.MetadataMode = storage.MetadataMode(f.metadataMode) })
	set("jpeg-quality", func() { cfg.JPEGQuality = f.jpegQuality })
	set("max-dimension", func() { cfg.MaxDimension = f.maxDimension })
	set("secrets", func() { cfg.SecretsFile = f.secretsFile })
	set("log-level", func() { cfg.LogLevel = f.logLevel })
	set("log-format", func() { cfg.LogFormat = f.logFormat })

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// authenticate loads the google credential and exchanges it for a handle.
func authenticate(ctx context.Context, opts secrets.Options, logger *slog.Logger) (*auth.Handle, error) {
	bundle, err := secrets.Load(opts)
	if err != nil {
		return nil, apperr.Config("load secrets", err)
	}
	return authenticateBundle(ctx, bundle, logger)
}

// authenticateBundle resolves the credential held in bundle and exchanges it
// for a handle.
func authenticateBundle(ctx context.Context, bundle secrets.Bundle, logger *slog.Logger) (*auth.Handle, error) {
	cred, err := credential.Load(bundle)
	if err != nil {
		return nil, err
	}

	handle, err := auth.Authenticate(ctx, cred)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "authenticated",
		"kind", handle.Kind,
		"identity", handle.Identity,
		"sources", cred.Source,
		"refreshed", handle.Refreshed,
	)
	return handle, nil
}

// openBackend creates the storage backend selected by cfg. The returned
// function releases it.
//
// Drive is authorised with the google credential from the secrets store. GCS
// uses Application Default Credentials; the Drive scope granted to the stored
// credential does not cover Cloud Storage.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendLocal:
		b, err := storage.NewLocalBackend(cfg.LocalDir)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {}, nil

	case config.BackendGCS:
		b, err := storage.NewGCSBackend(ctx, cfg.Bucket)
		if err != nil {
			return nil, nil, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				logger.Warn("failed to close gcs client", "error", err)
			}
		}, nil
	}

	handle, err := authenticate(ctx, cfg.SecretsOptions(), logger)
	if err != nil {
		return nil, nil, err
	}
	b, err := storage.NewDriveBackend(ctx, handle.ClientOptions()...)
	if err != nil {
		return nil, nil, err
	}
	return b, func() {}, nil
}

// userError replaces classified errors with their human message so that the
// command prints what the operator has to do rather than the wrapped chain.
func userError(err error) error {
	var e *apperr.Error
	if errors.As(err, &e) {
		return errors.New(apperr.Message(err))
	}
	return err
}

func loggingOptions(cfg *config.Config) logging.Options {
	return logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}
}
