package cmd

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/config"
	"github.com/tomasbasham/apple-dataset/internal/form"
	"github.com/tomasbasham/apple-dataset/internal/imaging"
	"github.com/tomasbasham/apple-dataset/internal/logging"
	"github.com/tomasbasham/apple-dataset/internal/server"
	"github.com/tomasbasham/apple-dataset/internal/session"
	"github.com/tomasbasham/apple-dataset/internal/storage"
	"github.com/tomasbasham/apple-dataset/internal/upload"
)

type ServeOptions struct {
	cfg *config.Config

	flags        configFlags
	Listen       string
	CaptureMode  string
	MaxImages    int
	SecureCookie bool

	iooption.IOStreams
}

var (
	serveLong = templates.LongDesc(`
		Start the apple image upload form.

		The destination folder is resolved, and created if necessary, before
		the server starts accepting requests. A credential or configuration
		problem stops the command with a message describing what to fix. Any
		other storage failure is logged and retried by the first submission.`)

	serveExample = templates.Examples(`
		# Start on the default address, uploading to Google Drive
		apple serve

		# Start on a custom address, storing files under ./dataset
		apple serve --listen :9090 --backend local --local-dir dataset

		# Store into a GCS bucket, one image per submission
		apple serve --backend gcs --bucket my-apples --capture-mode single`)
)

func NewServeOptions(streams iooption.IOStreams) *ServeOptions {
	return &ServeOptions{
		IOStreams: streams,
	}
}

func NewServeCommand(o *ServeOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Start the apple image upload form",
		Long:    serveLong,
		Example: serveExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Complete(cmd, args); err != nil {
				return err
			}
			if err := o.Validate(); err != nil {
				return err
			}
			if err := o.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	d := config.Default()
	o.flags.addFlags(cmd.Flags())
	cmd.Flags().StringVarP(&o.Listen, "listen", "l", d.Listen, "Address to listen on")
	cmd.Flags().StringVar(&o.CaptureMode, "capture-mode", d.CaptureMode, "Images per submission: multi or single")
	cmd.Flags().IntVar(&o.MaxImages, "max-images", d.MaxImages, "Most images accepted in one submission (0 for no limit)")
	cmd.Flags().BoolVar(&o.SecureCookie, "secure-cookie", d.SecureCookie, "Only send the session cookie over HTTPS")

	return cmd
}

func (o *ServeOptions) Complete(cmd *cobra.Command, args []string) error {
	cfg, err := o.flags.load(cmd.Flags())
	if err != nil {
		return userError(err)
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.Listen
	}
	if flags.Changed("capture-mode") {
		cfg.CaptureMode = o.CaptureMode
	}
	if flags.Changed("max-images") {
		cfg.MaxImages = o.MaxImages
	}
	if flags.Changed("secure-cookie") {
		cfg.SecureCookie = o.SecureCookie
	}
	o.cfg = cfg
	return nil
}

func (o *ServeOptions) Validate() error {
	return userError(o.cfg.Validate())
}

func (o *ServeOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := o.cfg
	logger, err := logging.New(o.ErrOut, loggingOptions(cfg))
	if err != nil {
		return err
	}

	backend, release, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return userError(err)
	}
	defer release()

	folders := storage.NewFolderCache(backend)
	if err := prepareFolder(ctx, folders, backend.Name(), cfg.Folder, logger); err != nil {
		return userError(err)
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return fmt.Errorf("failed to generate session secret: %w", err)
		}
		logger.WarnContext(ctx, "no session secret configured, sessions will not survive a restart")
	}

	store := session.NewMemoryStore()
	sessions := session.NewManager(session.ManagerOptions{
		Store:  store,
		Tokens: session.NewTokens(secret, cfg.SessionTTL),
		TTL:    cfg.SessionTTL,
		Secure: cfg.SecureCookie,
		Logger: logger,
	})
	go sessions.Janitor(ctx, cfg.SessionTTL/4)

	srv, err := server.New(server.Options{
		Orchestrator: upload.New(upload.Options{
			Backend:      backend,
			Folders:      folders,
			FolderName:   cfg.Folder,
			MetadataMode: cfg.MetadataMode,
			Logger:       logger,
		}),
		Sessions: sessions,
		Schema:   cfg.Schema,
		Build: form.Options{
			Image: imaging.Options{
				Quality:      cfg.JPEGQuality,
				MaxDimension: cfg.MaxDimension,
			},
			MaxImages: cfg.ImagesPerSubmission(),
		},
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise server: %w", err)
	}

	logger.InfoContext(ctx, "starting apple upload server",
		"addr", cfg.Listen,
		"capture_mode", cfg.CaptureMode,
		"metadata_mode", cfg.MetadataMode,
	)
	return srv.ListenAndServe(ctx, cfg.Listen)
}

// prepareFolder resolves the destination folder before serving so that a
// broken credential is reported at startup. Any other failure is logged and
// the folder is resolved again by the first submission.
func prepareFolder(ctx context.Context, folders *storage.FolderCache, backend, name string, logger *slog.Logger) error {
	folder, err := folders.Resolve(ctx, name)
	if err != nil {
		if apperr.Fatal(err) {
			return err
		}
		logger.WarnContext(ctx, "destination folder unavailable",
			"backend", backend,
			"folder", name,
			"error", err,
		)
		return nil
	}
	logger.InfoContext(ctx, "destination folder ready",
		"backend", backend,
		"folder", name,
		"folder_id", folder,
	)
	return nil
}
