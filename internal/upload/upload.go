// Package upload sequences prepared items through a storage backend.
//
// Items are uploaded one at a time in submission order. A failed item is
// recorded and the batch moves on; nothing is retried and no item is sent
// twice.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/storage"
)

// Source records how an image reached the form.
type Source string

const (
	SourceDevice Source = "device"
	SourceCamera Source = "camera"
)

// Item is a single image and its metadata, ready for upload. Items are built
// once per submission and not modified afterwards.
type Item struct {
	// ID is unique per item. Its first eight hex digits end the file name.
	ID string

	// Image is the JPEG-encoded photograph.
	Image []byte

	// ContentType of Image.
	ContentType string

	OriginalFilename string
	Source           Source
	Rotation         int

	// Fields holds the submitted form values keyed by field name.
	Fields map[string]string

	// SubmittedAt is stamped by the server when the form is received.
	SubmittedAt time.Time
}

// Result is the outcome of uploading one item.
type Result struct {
	ItemID           string `json:"item_id"`
	OriginalFilename string `json:"original_filename"`
	Success          bool   `json:"success"`
	FileName         string `json:"file_name,omitempty"`
	FileID           string `json:"file_id,omitempty"`
	URL              string `json:"url,omitempty"`

	// Message is the human readable failure, empty on success.
	Message string `json:"message,omitempty"`

	Err error `json:"-"`
}

// ProgressFunc is called after every item with the running totals.
type ProgressFunc func(succeeded, attempted, total int)

// Options configures an Orchestrator.
type Options struct {
	Backend storage.Backend

	// Folders resolves FolderName. When nil a cache private to the
	// orchestrator is used.
	Folders *storage.FolderCache

	// FolderName is the destination folder and the file name prefix.
	FolderName string

	MetadataMode storage.MetadataMode

	Logger *slog.Logger
}

// Orchestrator uploads batches of items to a single destination folder.
type Orchestrator struct {
	backend storage.Backend
	folders *storage.FolderCache
	folder  string
	mode    storage.MetadataMode
	logger  *slog.Logger
}

func New(opts Options) *Orchestrator {
	folders := opts.Folders
	if folders == nil {
		folders = storage.NewFolderCache(opts.Backend)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		backend: opts.Backend,
		folders: folders,
		folder:  opts.FolderName,
		mode:    opts.MetadataMode,
		logger:  logger,
	}
}

// Folder returns the destination folder name.
func (o *Orchestrator) Folder() string {
	return o.folder
}

// Backend returns the name of the storage backend.
func (o *Orchestrator) Backend() string {
	return o.backend.Name()
}

// Submit uploads items in order and returns one Result per item, in the same
// order. When the destination folder cannot be resolved every item fails
// with that error and no upload is attempted. Otherwise one item's failure
// never stops the others.
//
// A failed upload drops the cached folder ID, so a folder removed remotely is
// found or recreated by the next submission.
func (o *Orchestrator) Submit(ctx context.Context, items []Item, progress ProgressFunc) []Result {
	results := make([]Result, 0, len(items))
	if len(items) == 0 {
		return results
	}

	folder, folderErr := o.folders.Resolve(ctx, o.folder)
	if folderErr != nil {
		o.logger.ErrorContext(ctx, "failed to resolve destination folder",
			"backend", o.backend.Name(),
			"folder", o.folder,
			"error", folderErr,
		)
	}

	succeeded, failed := 0, false
	for i, item := range items {
		var res Result
		if folderErr != nil {
			res = failure(item, folderErr)
		} else {
			res = o.uploadOne(ctx, folder, item)
			failed = failed || !res.Success
		}
		if res.Success {
			succeeded++
		}
		results = append(results, res)

		if progress != nil {
			progress(succeeded, i+1, len(items))
		}
	}

	if failed {
		o.folders.Forget(o.folder)
	}

	o.logger.InfoContext(ctx, "submission complete",
		"backend", o.backend.Name(),
		"succeeded", succeeded,
		"total", len(items),
	)
	return results
}

func (o *Orchestrator) uploadOne(ctx context.Context, folder storage.FolderID, item Item) Result {
	name := FileName(o.folder, item.SubmittedAt, item.Fields["variety"], ShortID(item.ID))

	meta, err := Metadata(item, name)
	if err != nil {
		return failure(item, err)
	}

	contentType := item.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}

	uploaded, err := o.backend.UploadFile(ctx, &storage.UploadRequest{
		Folder:       folder,
		FileName:     name,
		Content:      bytes.NewReader(item.Image),
		ContentType:  contentType,
		Metadata:     meta,
		MetadataMode: o.mode,
	})
	if err != nil {
		o.logger.WarnContext(ctx, "upload failed",
			"item_id", item.ID,
			"file_name", name,
			"error", err,
		)
		res := failure(item, err)
		res.FileName = name
		return res
	}

	o.logger.InfoContext(ctx, "uploaded item",
		"item_id", item.ID,
		"file_name", uploaded.FileName,
		"file_id", uploaded.FileID,
		"bytes", len(item.Image),
	)
	return Result{
		ItemID:           item.ID,
		OriginalFilename: item.OriginalFilename,
		Success:          true,
		FileName:         uploaded.FileName,
		FileID:           uploaded.FileID,
		URL:              uploaded.URL,
	}
}

func failure(item Item, err error) Result {
	return Result{
		ItemID:           item.ID,
		OriginalFilename: item.OriginalFilename,
		Message:          apperr.Message(err),
		Err:              err,
	}
}

// Metadata renders the JSON document stored alongside an item. It carries
// every form field plus the item's provenance.
func Metadata(item Item, fileName string) ([]byte, error) {
	doc := make(map[string]any, len(item.Fields)+6)
	for k, v := range item.Fields {
		doc[k] = v
	}
	doc["id"] = item.ID
	doc["upload_timestamp"] = item.SubmittedAt.UTC().Format(time.RFC3339)
	doc["source"] = string(item.Source)
	doc["original_filename"] = item.OriginalFilename
	doc["rotation"] = item.Rotation
	doc["file_name"] = fileName

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apperr.Storage("encode metadata", fmt.Errorf("upload: failed to marshal metadata: %w", err))
	}
	return data, nil
}

// FileName builds the remote name of an item:
//
//	<prefix>_<YYYYMMDD_HHMMSS>_<variety>_<id>.jpg
func FileName(prefix string, t time.Time, variety, id string) string {
	return fmt.Sprintf("%s_%s_%s_%s.jpg", prefix, t.UTC().Format("20060102_150405"), Sanitize(variety), id)
}

// Sanitize keeps ASCII letters, digits, spaces, hyphens and underscores,
// dropping everything else. Surrounding space is trimmed; an empty result
// becomes "unknown".
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "unknown"
	}
	return out
}

// NewID returns a fresh item identifier.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns the first eight hex digits of id. Identifiers too short to
// supply them are replaced with random ones.
func ShortID(id string) string {
	hex := strings.ReplaceAll(id, "-", "")
	if len(hex) < 8 {
		hex = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return strings.ToLower(hex[:8])
}

// Summary aggregates the results of one submission.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Total     int `json:"total"`
}

func Summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		}
	}
	return s
}

// Outcome classifies the summary as "all", "partial" or "none".
func (s Summary) Outcome() string {
	switch {
	case s.Total > 0 && s.Succeeded == s.Total:
		return "all"
	case s.Succeeded > 0:
		return "partial"
	default:
		return "none"
	}
}

// Message is the bilingual status line shown after a submission.
func (s Summary) Message() string {
	switch s.Outcome() {
	case "all":
		return fmt.Sprintf("✅ All %d files uploaded successfully! धन्यवाद! ये तस्वीरें हमारे AI मॉडल के लिए संग्रहित कर ली गई हैं।", s.Total)
	case "partial":
		return fmt.Sprintf("⚠️ %d/%d files uploaded successfully! धन्यवाद!", s.Succeeded, s.Total)
	default:
		return "❌ No files were uploaded successfully!"
	}
}
