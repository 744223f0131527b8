package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
)

// GCSBackend stores files as objects in a Google Cloud Storage bucket. A
// folder is an object prefix marked by a zero-byte "<name>/" placeholder, the
// same convention the Cloud Console uses.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// NewGCSBackend creates a GCSBackend for the given bucket. opts are passed
// through to the underlying GCS client, allowing credential injection.
func NewGCSBackend(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSBackend, error) {
	if bucket == "" {
		return nil, apperr.Config("create gcs client", errors.New("a bucket name is required"), "bucket")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, apperr.Storage("create gcs client", fmt.Errorf("storage: failed to create GCS client: %w", err))
	}
	return &GCSBackend{client: client, bucket: bucket}, nil
}

func (b *GCSBackend) Name() string { return "gcs" }

// FindOrCreateFolder writes the folder placeholder only if it does not
// already exist, so concurrent creators converge on a single prefix.
func (b *GCSBackend) FindOrCreateFolder(ctx context.Context, name string) (FolderID, error) {
	prefix := strings.Trim(name, "/") + "/"
	obj := b.client.Bucket(b.bucket).Object(prefix)

	_, err := obj.Attrs(ctx)
	if err == nil {
		return FolderID(prefix), nil
	}
	if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", apperr.Storage("find folder", fmt.Errorf("storage: failed to look up %q: %w", prefix, err))
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if err := w.Close(); err != nil && !isPreconditionFailed(err) {
		return "", apperr.Storage("create folder", fmt.Errorf("storage: failed to create %q: %w", prefix, err))
	}
	return FolderID(prefix), nil
}

// UploadFile writes content to GCS at <folder><fileName>.
func (b *GCSBackend) UploadFile(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	objectName := path.Join(string(req.Folder), req.FileName)

	var metadata map[string]string
	if req.MetadataMode.description() {
		metadata = map[string]string{"description": string(req.Metadata)}
	}
	if err := b.write(ctx, objectName, req.Content, req.ContentType, metadata); err != nil {
		return nil, apperr.Storage("upload file", err)
	}

	result := &UploadResult{
		FileID:   objectName,
		FileName: req.FileName,
		URL:      fmt.Sprintf("gs://%s/%s", b.bucket, objectName),
	}

	if req.MetadataMode.sidecar() {
		sidecar := path.Join(string(req.Folder), SidecarName(req.FileName))
		if err := b.write(ctx, sidecar, bytes.NewReader(req.Metadata), "application/json", nil); err != nil {
			if derr := b.client.Bucket(b.bucket).Object(objectName).Delete(ctx); derr != nil {
				err = errors.Join(err, fmt.Errorf("storage: failed to remove %q: %w", objectName, derr))
			}
			return nil, apperr.Storage("upload metadata", err)
		}
		result.MetadataFileID = sidecar
	}

	return result, nil
}

func (b *GCSBackend) write(ctx context.Context, objectName string, content io.Reader, contentType string, metadata map[string]string) error {
	w := b.client.Bucket(b.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = metadata

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: upload write failed for %q: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: upload close failed for %q: %w", objectName, err)
	}
	return nil
}

// Close releases the underlying client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
