/**
 * Read-only HTTP API.
 *
 * Serves health, analyze status, and guide retrieval. Never mutates
 * pipeline state; every write goes through the queue.
 */

package httpapi

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/planlens/guidepipeline-worker/internal/logging"
	"github.com/planlens/guidepipeline-worker/internal/pipeline"
	"github.com/planlens/guidepipeline-worker/internal/storage"
)

// Store is the read surface the API needs
type Store interface {
	GetProject(ctx context.Context, projectID, ownerID string) (*storage.Project, error)
	GetGuideRecord(ctx context.Context, projectID string) (*storage.GuideRecord, error)
	GetLatestRun(ctx context.Context, projectID string) (*storage.AnalyzeRun, error)
	Ping(ctx context.Context) error
}

// ProgressReader reads live run progress
type ProgressReader interface {
	GetProgress(ctx context.Context, projectID string) (*pipeline.Progress, error)
}

// Server serves the retrieval endpoints
type Server struct {
	store    Store
	progress ProgressReader
	httpSrv  *http.Server
	logger   *logging.Logger
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

type lastError struct {
	Stage     string `json:"stage"`
	PageIndex int    `json:"page_index,omitempty"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message,omitempty"`
}

type statusResponse struct {
	ProjectID      string     `json:"project_id"`
	OverallStatus  string     `json:"overall_status"`
	CurrentStep    string     `json:"current_step,omitempty"`
	PagesProcessed int        `json:"pages_processed"`
	LastError      *lastError `json:"last_error,omitempty"`
}

type guideResponse struct {
	ProjectID        string          `json:"project_id"`
	HasProvisional   bool            `json:"has_provisional"`
	HasStable        bool            `json:"has_stable"`
	Provisional      json.RawMessage `json:"provisional,omitempty"`
	Stable           json.RawMessage `json:"stable"`
	ConfidenceReport json.RawMessage `json:"confidence_report,omitempty"`
}

// NewServer creates the HTTP server
func NewServer(addr string, store Store, progress ProgressReader) *Server {
	s := &Server{
		store:    store,
		progress: progress,
		logger:   logging.NewLogger("HTTPAPI"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/projects/", s.handleProjects)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("HTTP API listening", "addr", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("Health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]string{"status": "ok"}})
}

// handleProjects routes /projects/{id}/status and /projects/{id}/guide
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/projects/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	projectID, resource := parts[0], parts[1]

	ownerID := r.Header.Get("X-Owner-ID")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "X-Owner-ID header is required")
		return
	}

	project, err := s.store.GetProject(r.Context(), projectID, ownerID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		s.logger.Error("Project lookup failed", "projectId", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "project lookup failed")
		return
	}

	switch resource {
	case "status":
		s.serveStatus(w, r, project)
	case "guide":
		s.serveGuide(w, r, project)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request, project *storage.Project) {
	resp := statusResponse{
		ProjectID:     project.ID,
		OverallStatus: project.Status,
	}

	run, err := s.store.GetLatestRun(r.Context(), project.ID)
	if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		s.logger.Error("Run lookup failed", "projectId", project.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}

	if run != nil {
		resp.CurrentStep = run.CurrentStep
		resp.PagesProcessed = run.PagesProcessed
		if run.ErrorCode != "" {
			resp.LastError = &lastError{
				Stage:     run.ErrorStage,
				PageIndex: run.ErrorPage,
				ErrorCode: run.ErrorCode,
				Message:   run.ErrorMessage,
			}
		}
	}

	// Live Redis progress supersedes the persisted frontier mid-run
	if s.progress != nil && project.Status == storage.StatusProcessing {
		if live, err := s.progress.GetProgress(r.Context(), project.ID); err == nil && live != nil {
			resp.CurrentStep = live.CurrentStep
			resp.PagesProcessed = live.PagesProcessed
		}
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func (s *Server) serveGuide(w http.ResponseWriter, r *http.Request, project *storage.Project) {
	resp := guideResponse{
		ProjectID: project.ID,
		Stable:    json.RawMessage("null"),
	}

	record, err := s.store.GetGuideRecord(r.Context(), project.ID)
	if err != nil && !stderrors.Is(err, storage.ErrNotFound) {
		s.logger.Error("Guide lookup failed", "projectId", project.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "guide lookup failed")
		return
	}

	if record != nil {
		if len(record.Provisional) > 0 {
			resp.HasProvisional = true
			resp.Provisional = record.Provisional
		}
		if len(record.Stable) > 0 {
			resp.HasStable = true
			resp.Stable = record.Stable
		}
		if len(record.ConfidenceReport) > 0 {
			resp.ConfidenceReport = record.ConfidenceReport
		}
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message})
}
