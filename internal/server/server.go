// Package server provides the HTTP surface of the apple image uploader.
//
// Endpoints:
//
//	GET  /               the upload form
//	POST /uploads        validate a submission and upload its images
//	GET  /progress       counters of the submission in flight for this session
//	POST /session/reset  zero the session's upload counter
//	GET  /healthz        liveness
//
// POST /uploads and POST /session/reset answer with HTML for plain form
// posts and with JSON when the request accepts application/json.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
	"github.com/tomasbasham/apple-dataset/internal/form"
	"github.com/tomasbasham/apple-dataset/internal/session"
	"github.com/tomasbasham/apple-dataset/internal/upload"
)

//go:embed templates/*.html
var templateFS embed.FS

// Options configures a Server.
type Options struct {
	Orchestrator *upload.Orchestrator
	Sessions     *session.Manager
	Schema       form.Schema

	// Build is passed to form.Build for every submission.
	Build form.Options

	// MaxUploadBytes bounds the size of a submission body.
	MaxUploadBytes int64

	Logger *slog.Logger
}

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	orchestrator *upload.Orchestrator
	sessions     *session.Manager
	schema       form.Schema
	build        form.Options
	maxBytes     int64
	logger       *slog.Logger

	tmpl    *template.Template
	handler http.Handler
}

// New creates a Server.
func New(opts Options) (*Server, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		orchestrator: opts.Orchestrator,
		sessions:     opts.Sessions,
		schema:       opts.Schema,
		build:        opts.Build,
		maxBytes:     opts.MaxUploadBytes,
		logger:       logger,
		tmpl:         tmpl,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleForm)
	mux.HandleFunc("POST /uploads", s.handleUpload)
	mux.HandleFunc("GET /progress", s.handleProgress)
	mux.HandleFunc("POST /session/reset", s.handleReset)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	s.handler = logRequests(logger, mux)
	return s, nil
}

// Handler returns the root handler, including request logging.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully, letting uploads in flight finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// page is the data rendered by the form template.
type page struct {
	Schema    form.Schema
	Values    map[string]string
	Source    string
	MaxImages int
	Session   *session.Session

	Error string

	Results        []upload.Result
	Summary        *upload.Summary
	Outcome        string
	SummaryMessage string
}

func (s *Server) newPage(sess *session.Session) *page {
	return &page{
		Schema:    s.schema,
		Values:    map[string]string{},
		Source:    string(upload.SourceDevice),
		MaxImages: s.build.MaxImages,
		Session:   sess,
	}
}

func (s *Server) handleForm(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(w, r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.render(w, r, http.StatusOK, s.newPage(sess))
}

// submissionResponse is the JSON body returned from POST /uploads.
type submissionResponse struct {
	Results []upload.Result `json:"results"`
	Summary upload.Summary  `json:"summary"`
	Outcome string          `json:"outcome"`
	Message string          `json:"message"`
	Session sessionCounts   `json:"session"`
}

type sessionCounts struct {
	Succeeded int `json:"succeeded"`
	Attempted int `json:"attempted"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(w, r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	sub, err := s.readSubmission(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, sess, http.StatusRequestEntityTooLarge, nil,
				apperr.Validation("read submission", errors.New("the selected images are too large to upload at once"), "images"))
			return
		}
		s.fail(w, r, sess, http.StatusBadRequest, nil,
			apperr.Validation("read submission", errors.New("the form could not be read, please try again")))
		return
	}

	items, rejected, err := form.Build(s.schema, sub, s.build)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if apperr.KindOf(err) != apperr.KindValidation {
			status = http.StatusInternalServerError
		}
		s.fail(w, r, sess, status, &sub, err)
		return
	}

	store := s.sessions.Store()
	total := len(items) + len(rejected)
	if err := store.Begin(sess.ID, total); err != nil {
		if errors.Is(err, session.ErrBusy) {
			s.fail(w, r, sess, http.StatusConflict, &sub,
				apperr.Validation("begin submission", errors.New("an upload is already in progress in this session")))
			return
		}
		s.internalError(w, r, err)
		return
	}
	_ = store.Advance(sess.ID, 0, len(rejected))

	// Uploads run to completion even if the browser goes away.
	ctx := context.WithoutCancel(r.Context())
	results := s.orchestrator.Submit(ctx, items, func(succeeded, attempted, _ int) {
		_ = store.Advance(sess.ID, succeeded, len(rejected)+attempted)
	})
	results = append(results, rejected...)

	if err := store.Finish(sess.ID); err != nil {
		s.logger.WarnContext(r.Context(), "failed to record submission", "session_id", sess.ID, "error", err)
	}
	if updated, err := store.Get(sess.ID); err == nil {
		sess = updated
	}

	summary := upload.Summarize(results)
	s.logger.InfoContext(r.Context(), "submission processed",
		"session_id", sess.ID,
		"source", sub.Source,
		"succeeded", summary.Succeeded,
		"total", summary.Total,
		"rejected", len(rejected),
	)

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, submissionResponse{
			Results: results,
			Summary: summary,
			Outcome: summary.Outcome(),
			Message: summary.Message(),
			Session: sessionCounts{Succeeded: sess.Succeeded, Attempted: sess.Attempted},
		})
		return
	}

	p := s.newPage(sess)
	p.Results = results
	p.Summary = &summary
	p.Outcome = summary.Outcome()
	p.SummaryMessage = summary.Message()
	s.render(w, r, http.StatusOK, p)
}

// readSubmission parses the multipart form into a Submission. Only the file
// field matching the chosen source is read.
func (s *Server) readSubmission(r *http.Request) (form.Submission, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return form.Submission{}, err
	}

	sub := form.Submission{
		Source:   upload.Source(r.FormValue("source")),
		Rotation: r.FormValue("rotation"),
		Values:   make(map[string]string, len(s.schema.Fields)),
	}
	if sub.Source == "" {
		sub.Source = upload.SourceDevice
	}
	for _, f := range s.schema.Fields {
		if v, ok := r.MultipartForm.Value[f.Name]; ok && len(v) > 0 {
			sub.Values[f.Name] = v[0]
		}
	}

	field := "images"
	if sub.Source == upload.SourceCamera {
		field = "camera"
	}
	for _, fh := range r.MultipartForm.File[field] {
		// Browsers send an empty part when no file was chosen.
		if fh.Filename == "" && fh.Size == 0 {
			continue
		}
		data, err := readFile(fh)
		if err != nil {
			return form.Submission{}, err
		}
		sub.Images = append(sub.Images, form.Image{Filename: fh.Filename, Data: data})
	}
	return sub, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// progressResponse is the JSON body returned from GET /progress.
type progressResponse struct {
	InFlight  bool          `json:"in_flight"`
	Succeeded int           `json:"succeeded"`
	Attempted int           `json:"attempted"`
	Total     int           `json:"total"`
	Session   sessionCounts `json:"session"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(w, r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	resp := progressResponse{
		Session: sessionCounts{Succeeded: sess.Succeeded, Attempted: sess.Attempted},
	}
	if sess.Current != nil {
		resp.InFlight = true
		resp.Succeeded = sess.Current.Succeeded
		resp.Attempted = sess.Current.Attempted
		resp.Total = sess.Current.Total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Load(w, r)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if err := s.sessions.Store().Reset(sess.ID); err != nil {
		s.internalError(w, r, err)
		return
	}

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, sessionCounts{})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.orchestrator.Backend(),
		"folder":  s.orchestrator.Folder(),
	})
}

// fail reports err to the contributor, re-rendering the form with their
// values when the request came from a plain form post.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, sess *session.Session, status int, sub *form.Submission, err error) {
	s.logger.InfoContext(r.Context(), "submission rejected", "status", status, "error", err)

	msg := apperr.Message(err)
	if wantsJSON(r) {
		writeError(w, status, msg)
		return
	}

	p := s.newPage(sess)
	p.Error = msg
	if sub != nil {
		p.Values = sub.Values
		p.Source = string(sub.Source)
	}
	s.render(w, r, status, p)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "request failed", "error", err)
	writeError(w, http.StatusInternalServerError, apperr.Message(err))
}

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, p *page) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.tmpl.ExecuteTemplate(w, "form.html", p); err != nil {
		s.logger.ErrorContext(r.Context(), "failed to render form", "error", err)
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
