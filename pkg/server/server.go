// Package server exposes the processing service over HTTP. It speaks
// the same wire protocol pkg/remote consumes, so one MetaboFlow
// instance can act as the remote executor for another.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/metaboflow/metaboflow/internal/model"
	"github.com/metaboflow/metaboflow/pkg/errors"
	"github.com/metaboflow/metaboflow/pkg/history"
	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

// Server is the HTTP processing service.
type Server struct {
	addr   string
	engine *workflow.Engine
	store  history.Store
	mux    *http.ServeMux
	server *http.Server
}

// Config configures the server.
type Config struct {
	Addr   string
	Engine *workflow.Engine
	Store  history.Store
}

// NewServer creates the server and wires its routes.
func NewServer(cfg Config) *Server {
	s := &Server{
		addr:   cfg.Addr,
		engine: cfg.Engine,
		store:  cfg.Store,
		mux:    http.NewServeMux(),
	}
	if s.engine == nil {
		s.engine = workflow.New()
	}
	if s.store == nil {
		s.store = history.NewMemoryStore()
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/process", s.handleProcess)
	s.mux.HandleFunc("/v1/run", s.handleRun)
	s.mux.HandleFunc("/v1/runs", s.handleRuns)
	s.mux.HandleFunc("/v1/runs/", s.handleRunByID)
}

// Handler exposes the route mux for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// processRequest is one single-stage execution request, matching the
// protocol pkg/remote's client sends.
type processRequest struct {
	Step       stages.StepType         `json:"step"`
	Data       []*model.SampleDocument `json:"data"`
	Parameters map[string]interface{}  `json:"parameters,omitempty"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "No documents provided")
		return
	}

	stage, err := stages.ForType(req.Step)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown step type %q", req.Step))
		return
	}

	out, err := stage.Run(r.Context(), req.Data, req.Parameters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Counters ride as top-level response fields.
	resp := map[string]interface{}{
		"data":    out.Documents,
		"message": out.Message,
	}
	for name, count := range out.Counts {
		resp[name] = count
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// runRequest is a whole-workflow execution request.
type runRequest struct {
	Steps []stages.StepConfig     `json:"steps"`
	Data  []*model.SampleDocument `json:"data"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := s.engine.Run(r.Context(), req.Steps, req.Data)
	if err != nil {
		status := http.StatusBadRequest
		if errors.IsCode(err, errors.CodeRunInFlight) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}

	// History persistence is best-effort for the request path.
	var sources []string
	for _, d := range req.Data {
		sources = append(sources, d.FileName)
	}
	s.store.Save(r.Context(), history.NewRecord(res, req.Steps, sources))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recs, err := s.store.List(r.Context(), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list runs: %v", err))
		return
	}
	if recs == nil {
		recs = []*history.Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"runs": recs})
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	runID := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "Run ID is required")
		return
	}

	rec, err := s.store.Load(r.Context(), runID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("Run %q not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load run: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
}
