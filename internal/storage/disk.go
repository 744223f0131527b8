package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
)

// LocalBackend writes files to a directory on the local filesystem. Folders
// are sub-directories of baseDir. A filesystem has nowhere to attach a
// description, so metadata is always written as a sidecar file.
type LocalBackend struct {
	baseDir string
}

// NewLocalBackend creates a LocalBackend that writes under baseDir. The
// directory is created if it does not already exist.
func NewLocalBackend(baseDir string) (*LocalBackend, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, apperr.Storage("create local backend", fmt.Errorf("storage: failed to create local base directory %q: %w", baseDir, err))
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, apperr.Storage("create local backend", fmt.Errorf("storage: failed to resolve absolute path for %q: %w", baseDir, err))
	}
	return &LocalBackend{baseDir: abs}, nil
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) FindOrCreateFolder(_ context.Context, name string) (FolderID, error) {
	clean, err := b.contained(name)
	if err != nil {
		return "", apperr.Storage("find folder", err)
	}
	if err := os.MkdirAll(filepath.Join(b.baseDir, clean), 0o755); err != nil {
		return "", apperr.Storage("create folder", fmt.Errorf("storage: failed to create folder %q: %w", name, err))
	}
	return FolderID(clean), nil
}

// UploadFile writes content to baseDir/folder/fileName with the metadata
// alongside it. The returned URL is a file:// URL pointing to the image.
func (b *LocalBackend) UploadFile(_ context.Context, req *UploadRequest) (*UploadResult, error) {
	rel, err := b.contained(filepath.Join(string(req.Folder), req.FileName))
	if err != nil {
		return nil, apperr.Storage("upload file", err)
	}
	dest := filepath.Join(b.baseDir, rel)

	if err := writeFile(dest, req.Content); err != nil {
		return nil, apperr.Storage("upload file", err)
	}

	metaRel := filepath.Join(filepath.Dir(rel), SidecarName(req.FileName))
	if err := writeFile(filepath.Join(b.baseDir, metaRel), strings.NewReader(string(req.Metadata))); err != nil {
		if rerr := os.Remove(dest); rerr != nil {
			err = errors.Join(err, fmt.Errorf("storage: failed to remove %q: %w", dest, rerr))
		}
		return nil, apperr.Storage("upload metadata", err)
	}

	fileURL := &url.URL{Scheme: "file", Path: filepath.ToSlash(dest)}

	return &UploadResult{
		FileID:         filepath.ToSlash(rel),
		FileName:       req.FileName,
		MetadataFileID: filepath.ToSlash(metaRel),
		URL:            fileURL.String(),
	}, nil
}

func writeFile(dest string, content io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("storage: failed to create directory for %q: %w", dest, err)
	}

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("storage: failed to create file %q: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, content); err != nil {
		return fmt.Errorf("storage: failed to write file %q: %w", dest, err)
	}
	return nil
}

// contained cleans name and rejects paths that escape baseDir.
func (b *LocalBackend) contained(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimSpace(name)))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: path %q is outside the base directory", name)
	}
	return clean, nil
}
