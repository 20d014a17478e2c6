// Package api exposes processes, transitions, sweeps and form hooks over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/songzhibin97/process-engine/factory"
	"github.com/songzhibin97/process-engine/lifecycle"
	"github.com/songzhibin97/process-engine/registry"
	"github.com/songzhibin97/process-engine/storage"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("bad request")

// Form event kinds accepted by POST /forms/events.
const (
	FormCreated = "created"
	FormUpdated = "updated"
	FormDeleted = "deleted"
)

// Server routes HTTP requests to the engine and the lifecycle hook.
type Server struct {
	engine          *workflow.Engine
	hook            *lifecycle.Hook
	registry        *registry.Registry
	logger          *slog.Logger
	metrics         http.Handler
	hardDelete      bool
	orphanRetention time.Duration
	router          *mux.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithHardDeleteDefault sets the deletion policy of form events that do not
// state one.
func WithHardDeleteDefault(hard bool) Option {
	return func(s *Server) {
		s.hardDelete = hard
	}
}

// WithOrphanRetention sets the default age of POST /orphans/cleanup.
func WithOrphanRetention(d time.Duration) Option {
	return func(s *Server) {
		s.orphanRetention = d
	}
}

// NewServer creates a Server and its routes.
func NewServer(engine *workflow.Engine, hook *lifecycle.Hook, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		engine:          engine,
		hook:            hook,
		registry:        reg,
		logger:          slog.Default(),
		orphanRetention: 720 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRouter() {
	s.router = mux.NewRouter()
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	s.router.HandleFunc("/processes/{id}", s.handleGetProcess).Methods(http.MethodGet)
	s.router.HandleFunc("/processes/{id}/history", s.handleHistory).Methods(http.MethodGet)
	s.router.HandleFunc("/processes/{id}/transitions/{to}/check", s.handleCheckTransition).Methods(http.MethodGet)
	s.router.HandleFunc("/processes/{id}/transitions", s.handleTransition).Methods(http.MethodPost)
	s.router.HandleFunc("/processes/{id}/advance", s.handleAdvance).Methods(http.MethodPost)

	s.router.HandleFunc("/workflows/reload", s.handleReload).Methods(http.MethodPost)
	s.router.HandleFunc("/workflows/{workflow}/processes", s.handleListProcesses).Methods(http.MethodGet)

	s.router.HandleFunc("/sweep", s.handleSweep).Methods(http.MethodPost)
	s.router.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)

	s.router.HandleFunc("/forms/events", s.handleFormEvent).Methods(http.MethodPost)
	s.router.HandleFunc("/forms/sync", s.handleFormSync).Methods(http.MethodPost)
	s.router.HandleFunc("/orphans/cleanup", s.handleCleanup).Methods(http.MethodPost)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		s.logger.Debug("HTTP request processed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Storage().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type historyResponse struct {
	ProcessID    string               `json:"process_id"`
	WorkflowID   string               `json:"workflow_id"`
	CurrentState string               `json:"current_state"`
	History      []types.HistoryEntry `json:"history"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Storage().Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		ProcessID:    p.ID,
		WorkflowID:   p.WorkflowID,
		CurrentState: p.CurrentState,
		History:      p.History,
	})
}

func (s *Server) handleCheckTransition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.engine.Storage().Get(r.Context(), vars["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	check, err := s.engine.CanForceTransition(r.Context(), p, vars["to"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req workflow.TransitionRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.To == "" {
		s.writeError(w, fmt.Errorf("%w: target state is required", errBadRequest))
		return
	}
	out, err := s.engine.RequestTransition(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Advance(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"workflows": len(s.registry.Workflows())})
}

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	wfID := mux.Vars(r)["workflow"]
	if _, err := s.registry.Get(wfID); err != nil {
		s.writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := storage.Filter{
		State:          q.Get("state"),
		SourceRecordID: q.Get("record_id"),
	}
	switch q.Get("orphaned") {
	case "", "exclude":
		filter.ExcludeOrphaned = true
	case "only":
		filter.OnlyOrphaned = true
	case "include":
	default:
		s.writeError(w, fmt.Errorf("%w: orphaned must be exclude, only or include", errBadRequest))
		return
	}

	procs, err := s.engine.Storage().List(r.Context(), wfID, filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if procs == nil {
		procs = []types.Process{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"processes": procs, "count": len(procs)})
}

type sweepResponse struct {
	workflow.BatchReport
	ErrorMessages []string `json:"errors"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{BatchReport: report, ErrorMessages: report.ErrorMessages()})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	open, err := s.engine.OpenProcesses(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	pending, failures := s.engine.PendingAutoTransitions(r.Context(), open)
	if pending == nil {
		pending = []workflow.PendingTransition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pending,
		"errors":  workflow.BatchReport{Errors: failures}.ErrorMessages(),
	})
}

type formEventRequest struct {
	Event      string           `json:"event"`
	FormPath   string           `json:"form_path"`
	Record     types.FormRecord `json:"record"`
	RecordID   string           `json:"record_id"`
	HardDelete *bool            `json:"hard_delete"`
}

type formEventResponse struct {
	Processes []types.Process `json:"processes,omitempty"`
	Affected  int             `json:"affected"`
	Errors    []string        `json:"errors,omitempty"`
}

func (s *Server) handleFormEvent(w http.ResponseWriter, r *http.Request) {
	var req formEventRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.FormPath == "" {
		s.writeError(w, fmt.Errorf("%w: form_path is required", errBadRequest))
		return
	}
	if req.RecordID == "" {
		req.RecordID = req.Record.ID
	}
	if req.Record.ID == "" {
		req.Record.ID = req.RecordID
	}
	if req.RecordID == "" {
		s.writeError(w, fmt.Errorf("%w: record id is required", errBadRequest))
		return
	}

	var (
		resp formEventResponse
		err  error
	)
	ctx := r.Context()
	switch strings.ToLower(req.Event) {
	case FormCreated:
		resp.Processes, err = s.hook.OnFormCreated(ctx, req.FormPath, req.Record)
		resp.Affected = len(resp.Processes)
	case FormUpdated:
		resp.Processes, err = s.hook.OnFormUpdated(ctx, req.FormPath, req.Record)
		resp.Affected = len(resp.Processes)
	case FormDeleted:
		hard := s.hardDelete
		if req.HardDelete != nil {
			hard = *req.HardDelete
		}
		resp.Affected, err = s.hook.OnFormDeleted(ctx, req.FormPath, req.RecordID, hard)
	default:
		s.writeError(w, fmt.Errorf("%w: unknown form event %q", errBadRequest, req.Event))
		return
	}

	if err != nil {
		if resp.Affected == 0 {
			s.writeError(w, err)
			return
		}
		resp.Errors = splitErrors(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

type formSyncRequest struct {
	FormPath string             `json:"form_path"`
	Records  []types.FormRecord `json:"records"`
}

func (s *Server) handleFormSync(w http.ResponseWriter, r *http.Request) {
	var req formSyncRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.FormPath == "" {
		s.writeError(w, fmt.Errorf("%w: form_path is required", errBadRequest))
		return
	}
	res, err := s.hook.SyncExistingForms(r.Context(), req.FormPath, lifecycle.StaticRecords(req.Records))
	resp := map[string]interface{}{"result": res}
	if err != nil {
		resp["errors"] = splitErrors(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	retention := s.orphanRetention
	if v := r.URL.Query().Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, fmt.Errorf("%w: older_than must be a non-negative duration", errBadRequest))
			return
		}
		retention = d
	}
	n, err := s.hook.CleanupOrphanedProcesses(r.Context(), retention)
	resp := map[string]interface{}{"deleted": n}
	if err != nil {
		resp["errors"] = splitErrors(err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", errBadRequest, err)
	}
	return nil
}

// splitErrors flattens a joined error into its messages.
func splitErrors(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrNoTransition),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, registry.ErrNoSource):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, workflow.ErrJustificationRequired),
		errors.Is(err, workflow.ErrUnknownState),
		errors.Is(err, factory.ErrInvalidProcess),
		errors.Is(err, registry.ErrConfiguration),
		errors.Is(err, storage.ErrInvalidID):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
