// Package server exposes generation, validation, retrieval and corpus
// maintenance as a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codecoach/internal/checkpoint"
	"codecoach/internal/corpus"
	"codecoach/internal/feedback"
	"codecoach/internal/generator"
	"codecoach/internal/retrieval"
	"codecoach/internal/session"

	"go.uber.org/zap"
)

// DefaultMaxUploadBytes bounds request bodies, uploads included.
const DefaultMaxUploadBytes = 16 << 20

// Generator produces checkpoints for a problem statement.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Result, error)
}

// Retriever ranks reference chunks for a query.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
}

// Validator scores a submission against a checkpoint.
type Validator interface {
	Validate(ctx context.Context, code string, cp checkpoint.Checkpoint) feedback.Outcome
}

// Corpus maintains the context store.
type Corpus interface {
	Rebuild(ctx context.Context, dir string) (corpus.RebuildStats, error)
	Ingest(ctx context.Context, source, text string) (corpus.IngestStats, error)
}

// Deps are the components behind the API. Generator, Retriever and Corpus
// may be nil; their endpoints then answer 503.
type Deps struct {
	Generator      Generator
	Retriever      Retriever
	Validator      Validator
	Sessions       *session.Store
	Corpus         Corpus
	SourceDir      string
	Logger         *zap.Logger
	MaxUploadBytes int64
}

// Server routes API requests.
type Server struct {
	deps Deps
	log  *zap.Logger
	mux  *http.ServeMux
}

// New builds the routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{deps: deps, log: deps.Logger, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/checkpoints/{index}/submit", s.handleSubmit)
	s.mux.HandleFunc("POST /api/retrieve", s.handleRetrieve)
	s.mux.HandleFunc("POST /api/context/rebuild", s.handleRebuild)
	s.mux.HandleFunc("POST /api/context/ingest", s.handleIngest)
	return s
}

// Handler returns the API with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// retrievalView is the two projections of one retrieval result.
type retrievalView struct {
	Joined  string             `json:"joined"`
	Display []retrieval.Scored `json:"display"`
}

func viewOf(r *retrieval.Result) *retrievalView {
	if r == nil {
		return nil
	}
	return &retrievalView{Joined: r.Joined(), Display: r.Display()}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRequest struct {
	Problem       string `json:"problem"`
	ReferenceText string `json:"reference_text"`
}

type createResponse struct {
	Session   *session.Session `json:"session"`
	Retrieval *retrievalView   `json:"retrieval,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint generation is not configured")
		return
	}

	var req createRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var err error
		if req, err = s.readMultipartCreate(w, r); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Problem) == "" {
		writeError(w, http.StatusBadRequest, "Please enter a problem statement.")
		return
	}

	res, err := s.deps.Generator.Generate(r.Context(), generator.Request{
		Problem:       req.Problem,
		ReferenceText: req.ReferenceText,
	})
	if err != nil {
		s.log.Warn("generation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "Failed to generate checkpoints: "+err.Error())
		return
	}

	sess, err := s.deps.Sessions.Create(r.Context(), strings.TrimSpace(req.Problem), res.Checkpoints, res.Retrieval)
	if err != nil {
		s.log.Error("session create failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to store session")
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{Session: sess, Retrieval: viewOf(res.Retrieval)})
}

// readMultipartCreate reads problem, context_text and an optional
// context_file upload. Pasted text and upload text are joined.
func (s *Server) readMultipartCreate(w http.ResponseWriter, r *http.Request) (createRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
		return createRequest{}, fmt.Errorf("invalid form: %w", err)
	}
	req := createRequest{Problem: r.FormValue("problem")}

	var parts []string
	if text := strings.TrimSpace(r.FormValue("context_text")); text != "" {
		parts = append(parts, text)
	}
	if _, upload, err := readUpload(r, "context_file"); err != nil {
		return createRequest{}, err
	} else if upload != "" {
		parts = append(parts, upload)
	}
	req.ReferenceText = strings.Join(parts, "\n\n")
	return req, nil
}

// readUpload returns the file name and extracted text of an optional
// upload field.
func readUpload(r *http.Request, field string) (name, text string, err error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("invalid upload: %w", err)
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		return "", "", fmt.Errorf("failed to read upload: %w", err)
	}
	return header.Filename, strings.TrimSpace(corpus.ExtractText(header.Filename, raw)), nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.sessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoCheckpoint):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("session store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session store failed")
	}
}

type submitRequest struct {
	Code string `json:"code"`
}

type submitResponse struct {
	Outcome  feedback.Outcome `json:"outcome"`
	Progress session.Progress `json:"progress"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "checkpoint index must be an integer")
		return
	}
	var req submitRequest
	if !s.decode(w, r, &req) {
		return
	}

	cp, err := s.deps.Sessions.Checkpoint(r.Context(), id, index)
	if err != nil {
		s.sessionError(w, err)
		return
	}

	outcome := s.deps.Validator.Validate(r.Context(), req.Code, cp)
	progress, err := s.deps.Sessions.RecordAttempt(r.Context(), id, index, req.Code, outcome)
	if err != nil {
		s.sessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, submitResponse{Outcome: outcome, Progress: progress})
}

type retrieveRequest struct {
	Query         string `json:"query"`
	ReferenceText string `json:"reference_text"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Retriever == nil {
		writeError(w, http.StatusServiceUnavailable, "retrieval is not configured")
		return
	}
	var req retrieveRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.deps.Retriever.Retrieve(r.Context(), retrieval.Query{Text: req.Query, ReferenceText: req.ReferenceText})
	if err != nil {
		s.log.Warn("retrieval unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if res == nil {
		res = &retrieval.Result{Chunks: []retrieval.Scored{}}
	}
	writeJSON(w, http.StatusOK, viewOf(res))
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Corpus == nil || s.deps.SourceDir == "" {
		writeError(w, http.StatusServiceUnavailable, "context rebuild is not configured")
		return
	}
	stats, err := s.deps.Corpus.Rebuild(r.Context(), s.deps.SourceDir)
	if err != nil {
		s.log.Warn("rebuild failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "rebuild failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type ingestRequest struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.deps.Corpus == nil {
		writeError(w, http.StatusServiceUnavailable, "context ingestion is not configured")
		return
	}

	var req ingestRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
		if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
			return
		}
		name, text, err := readUpload(r, "file")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Source, req.Text = r.FormValue("source"), text
		if req.Source == "" {
			req.Source = name
		}
		if req.Text == "" {
			req.Text = r.FormValue("text")
		}
	} else if !s.decode(w, r, &req) {
		return
	}
	if req.Source == "" {
		req.Source = "uploaded"
	}

	stats, err := s.deps.Corpus.Ingest(r.Context(), req.Source, req.Text)
	switch {
	case errors.Is(err, corpus.ErrEmptyText):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Warn("ingest failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ingest failed: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}
