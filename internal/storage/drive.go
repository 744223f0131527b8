package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
)

// FolderMimeType is the MIME type Drive uses for folders.
const FolderMimeType = "application/vnd.google-apps.folder"

// DriveBackend stores files in Google Drive.
type DriveBackend struct {
	service *drive.Service
}

// NewDriveBackend creates a DriveBackend. opts are passed through to the
// Drive client, allowing credential injection.
func NewDriveBackend(ctx context.Context, opts ...option.ClientOption) (*DriveBackend, error) {
	service, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, apperr.Storage("create drive client", fmt.Errorf("storage: failed to create Drive client: %w", err))
	}
	return &DriveBackend{service: service}, nil
}

func (b *DriveBackend) Name() string { return "drive" }

// FolderQuery builds the Drive search expression for a non-trashed folder
// named exactly name.
func FolderQuery(name string) string {
	return fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false", escapeQuery(name), FolderMimeType)
}

// escapeQuery escapes a string literal for the Drive query language.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

func (b *DriveBackend) FindOrCreateFolder(ctx context.Context, name string) (FolderID, error) {
	list, err := b.service.Files.List().
		Q(FolderQuery(name)).
		Fields("files(id, name)").
		PageSize(10).
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return "", apperr.Storage("find folder", fmt.Errorf("storage: failed to search for folder %q: %w", name, err))
	}
	if len(list.Files) > 0 {
		return FolderID(list.Files[0].Id), nil
	}

	folder, err := b.service.Files.Create(&drive.File{
		Name:     name,
		MimeType: FolderMimeType,
	}).Fields("id").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", apperr.Storage("create folder", fmt.Errorf("storage: failed to create folder %q: %w", name, err))
	}
	return FolderID(folder.Id), nil
}

func (b *DriveBackend) UploadFile(ctx context.Context, req *UploadRequest) (*UploadResult, error) {
	file := &drive.File{
		Name:     req.FileName,
		Parents:  []string{string(req.Folder)},
		MimeType: req.ContentType,
	}
	if req.MetadataMode.description() {
		file.Description = string(req.Metadata)
	}

	created, err := b.create(ctx, file, req.Content, req.ContentType)
	if err != nil {
		return nil, apperr.Storage("upload file", fmt.Errorf("storage: upload failed for %q: %w", req.FileName, err))
	}

	result := &UploadResult{
		FileID:   created.Id,
		FileName: created.Name,
		URL:      created.WebViewLink,
	}
	if result.FileName == "" {
		result.FileName = req.FileName
	}

	if req.MetadataMode.sidecar() {
		sidecar := &drive.File{
			Name:     SidecarName(req.FileName),
			Parents:  []string{string(req.Folder)},
			MimeType: "application/json",
		}
		meta, err := b.create(ctx, sidecar, bytes.NewReader(req.Metadata), "application/json")
		if err != nil {
			err = fmt.Errorf("storage: metadata upload failed for %q: %w", sidecar.Name, err)
			// An image without its metadata is not a usable sample.
			if derr := b.service.Files.Delete(created.Id).SupportsAllDrives(true).Context(ctx).Do(); derr != nil {
				err = errors.Join(err, fmt.Errorf("storage: failed to remove %q: %w", result.FileName, derr))
			}
			return nil, apperr.Storage("upload metadata", err)
		}
		result.MetadataFileID = meta.Id
	}

	return result, nil
}

func (b *DriveBackend) create(ctx context.Context, file *drive.File, content io.Reader, contentType string) (*drive.File, error) {
	return b.service.Files.Create(file).
		Media(content, googleapi.ContentType(contentType)).
		Fields("id", "name", "webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

// Probe lists at most one file visible to the credential. It is used by the
// diagnostics command to prove that a token actually works.
func (b *DriveBackend) Probe(ctx context.Context) (int, error) {
	list, err := b.service.Files.List().
		Q("trashed = false").
		PageSize(1).
		Fields("files(id)").
		Context(ctx).
		Do()
	if err != nil {
		return 0, apperr.Storage("probe", fmt.Errorf("storage: failed to list files: %w", err))
	}
	return len(list.Files), nil
}
