// Package storage is the adapter between the uploader and the remote service
// that holds the dataset. Google Drive is the production backend; Google Cloud
// Storage and a local directory satisfy the same interface.
//
// Every backend failure is returned as an apperr storage error. Nothing here
// retries: a failed upload is reported and the contributor resubmits.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// FolderID identifies a destination folder within a backend. It is opaque to
// callers.
type FolderID string

// MetadataMode controls where an item's metadata JSON is stored.
type MetadataMode string

const (
	// MetadataDescription attaches the metadata to the file itself (Drive
	// description, GCS object metadata).
	MetadataDescription MetadataMode = "description"

	// MetadataSidecar uploads the metadata as a sibling <name>.json file.
	MetadataSidecar MetadataMode = "sidecar"

	// MetadataBoth does both.
	MetadataBoth MetadataMode = "both"
)

// ParseMetadataMode validates s.
func ParseMetadataMode(s string) (MetadataMode, error) {
	switch m := MetadataMode(strings.ToLower(s)); m {
	case MetadataDescription, MetadataSidecar, MetadataBoth:
		return m, nil
	}
	return "", fmt.Errorf("unknown metadata mode %q (want description, sidecar or both)", s)
}

func (m MetadataMode) description() bool {
	return m == MetadataDescription || m == MetadataBoth || m == ""
}

func (m MetadataMode) sidecar() bool {
	return m == MetadataSidecar || m == MetadataBoth
}

// Backend stores dataset files in named folders.
type Backend interface {
	// Name identifies the backend in logs, e.g. "drive".
	Name() string

	// FindOrCreateFolder returns the ID of the folder called name, creating it
	// when none exists. When several folders share the name the first one
	// returned by the service is used.
	FindOrCreateFolder(ctx context.Context, name string) (FolderID, error)

	// UploadFile creates a file inside a folder.
	UploadFile(ctx context.Context, req *UploadRequest) (*UploadResult, error)
}

type UploadRequest struct {
	// Folder is the destination folder.
	Folder FolderID

	// FileName is the name of the created file.
	FileName string

	// Content is the data to be uploaded.
	Content io.Reader

	// ContentType is the MIME type of the content, e.g. "image/jpeg".
	ContentType string

	// Metadata is the JSON document describing the file.
	Metadata []byte

	// MetadataMode selects where Metadata is stored.
	MetadataMode MetadataMode
}

// UploadResult is the outcome of a successful upload.
type UploadResult struct {
	// FileID is the backend identifier of the created file.
	FileID string

	// FileName is the name the file was stored under.
	FileName string

	// MetadataFileID identifies the sidecar metadata file, if one was written.
	MetadataFileID string

	// URL links to the stored file when the backend provides one.
	URL string
}

// SidecarName returns the name of the metadata file stored next to fileName.
func SidecarName(fileName string) string {
	return strings.TrimSuffix(fileName, path.Ext(fileName)) + ".json"
}
