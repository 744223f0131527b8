package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tomasbasham/cli-runtime/iooption"
	"github.com/tomasbasham/cli-runtime/templates"

	"github.com/tomasbasham/apple-dataset/internal/config"
	"github.com/tomasbasham/apple-dataset/internal/form"
	"github.com/tomasbasham/apple-dataset/internal/imaging"
	"github.com/tomasbasham/apple-dataset/internal/logging"
	"github.com/tomasbasham/apple-dataset/internal/upload"
)

type UploadOptions struct {
	cfg    *config.Config
	images []form.Image

	flags    configFlags
	Paths    []string
	Variety  string
	Values   map[string]string
	Rotation string
	Camera   bool

	iooption.IOStreams
}

var (
	uploadLong = templates.LongDesc(`
		Upload apple images from the command line.

		Each file goes through the same checks and processing as the web
		form: the metadata is validated, every image is rotated and re-encoded
		as JPEG, and the files are uploaded one after the other into the
		destination folder. The command fails unless every file was uploaded.`)

	uploadExample = templates.Examples(`
		# Upload two images of a Fuji apple
		apple upload --variety Fuji --set ripeness=Ripe,size=Large a.jpg b.jpg

		# Rotate a sideways photo and keep it on the local disk
		apple upload --backend local --variety Gala --rotation 90 photo.png`)
)

func NewUploadOptions(streams iooption.IOStreams) *UploadOptions {
	return &UploadOptions{
		IOStreams: streams,
	}
}

func NewUploadCommand(o *UploadOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:                   "upload [FILE...]",
		DisableFlagsInUseLine: true,
		Short:                 "Upload apple images with their metadata",
		Long:                  uploadLong,
		Example:               uploadExample,
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

	o.flags.addFlags(cmd.Flags())
	cmd.Flags().StringVar(&o.Variety, "variety", "", "Apple variety (required)")
	cmd.Flags().StringToStringVar(&o.Values, "set", nil, "Other metadata fields as name=value pairs")
	cmd.Flags().StringVarP(&o.Rotation, "rotation", "r", "0", "Clockwise rotation in degrees: 0, 90, 180 or 270")
	cmd.Flags().BoolVar(&o.Camera, "camera", false, "Record the images as taken with a camera")

	return cmd
}

func (o *UploadOptions) Complete(cmd *cobra.Command, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("at least one image file is required")
	}
	o.Paths = args

	cfg, err := o.flags.load(cmd.Flags())
	if err != nil {
		return userError(err)
	}
	o.cfg = cfg

	for _, p := range o.Paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		o.images = append(o.images, form.Image{Filename: filepath.Base(p), Data: data})
	}
	return nil
}

func (o *UploadOptions) Validate() error {
	if _, ok := o.Values["variety"]; ok && o.Variety != "" {
		return fmt.Errorf("variety is given twice, use either --variety or --set variety=")
	}
	return nil
}

func (o *UploadOptions) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := o.cfg
	logger, err := logging.New(o.ErrOut, loggingOptions(cfg))
	if err != nil {
		return err
	}

	values := make(map[string]string, len(o.Values)+1)
	for k, v := range o.Values {
		values[k] = v
	}
	if o.Variety != "" {
		values["variety"] = o.Variety
	}

	source := upload.SourceDevice
	if o.Camera {
		source = upload.SourceCamera
	}

	// Validation runs before any backend is opened, so a missing field never
	// costs a credential exchange.
	items, rejected, err := form.Build(cfg.Schema, form.Submission{
		Source:   source,
		Images:   o.images,
		Rotation: o.Rotation,
		Values:   values,
	}, form.Options{
		Image: imaging.Options{
			Quality:      cfg.JPEGQuality,
			MaxDimension: cfg.MaxDimension,
		},
		MaxImages: cfg.ImagesPerSubmission(),
	})
	if err != nil {
		return userError(err)
	}

	backend, release, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return userError(err)
	}
	defer release()

	orchestrator := upload.New(upload.Options{
		Backend:      backend,
		FolderName:   cfg.Folder,
		MetadataMode: cfg.MetadataMode,
		Logger:       logger,
	})

	fmt.Fprintf(o.Out, "⬆️ Uploading %d file(s) to %s/%s...\n", len(items), backend.Name(), cfg.Folder)
	results := orchestrator.Submit(ctx, items, func(succeeded, attempted, total int) {
		fmt.Fprintf(o.Out, "  %d/%d\n", attempted, total)
	})
	results = append(results, rejected...)

	for _, r := range results {
		if r.Success {
			fmt.Fprintf(o.Out, "✅ %s → %s\n", r.OriginalFilename, r.FileName)
		} else {
			fmt.Fprintf(o.Out, "❌ %s: %s\n", r.OriginalFilename, r.Message)
		}
	}

	summary := upload.Summarize(results)
	fmt.Fprintln(o.Out, summary.Message())
	if summary.Outcome() != "all" {
		return errors.New("not every file was uploaded")
	}
	return nil
}
