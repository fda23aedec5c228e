// Package server exposes the intake controller over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/referralgate/pkg/intake"
	"github.com/zen-systems/referralgate/pkg/referral"
	"github.com/zen-systems/referralgate/pkg/store"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Controller is the intake surface the server needs.
type Controller interface {
	Open(ctx context.Context) (*referral.Case, error)
	Get(ctx context.Context, conversationID string) (*referral.Case, error)
	HandleTurn(ctx context.Context, conversationID, text string) (*intake.TurnResult, error)
	Cancel(ctx context.Context, conversationID string) (*intake.TurnResult, error)
	Ping(ctx context.Context) error
}

// HealthChecker probes an upstream dependency.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CaseCounter is optionally implemented by a Controller to report case
// totals on /health.
type CaseCounter interface {
	CaseCounts(ctx context.Context) (map[referral.TaskState]int, error)
}

// Server provides the HTTP API.
type Server struct {
	ctrl     Controller
	registry HealthChecker
	addr     string
	logger   *zap.Logger
	server   *http.Server
}

// New creates a server. registry may be nil.
func New(ctrl Controller, registry HealthChecker, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{ctrl: ctrl, registry: registry, addr: addr, logger: logger.Named("http")}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /cases", s.createCase)
	mux.HandleFunc("GET /cases/{id}", s.getCase)
	mux.HandleFunc("POST /cases/{id}/messages", s.postMessage)
	mux.HandleFunc("POST /cases/{id}/cancel", s.cancelCase)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	s.logger.Info("listening", zap.String("addr", s.addr))
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type messageRequest struct {
	Text string `json:"text"`
}

// TurnResponse is the per-turn payload.
type TurnResponse struct {
	ConversationID string                  `json:"conversation_id"`
	TaskState      referral.TaskState      `json:"task_state"`
	SubState       referral.SubState       `json:"sub_state"`
	TerminalReason referral.TerminalReason `json:"terminal_reason,omitempty"`
	ResponseText   string                  `json:"response_text"`
	IsFinalForTurn bool                    `json:"is_final_for_turn"`
	TurnCount      int                     `json:"turn_count"`
	Checklist      referral.Checklist      `json:"checklist"`
	Events         []intake.ProgressEvent  `json:"events,omitempty"`
}

// CaseResponse is the case snapshot payload. History is left out. Ready is
// true once every checklist category is collected.
type CaseResponse struct {
	ConversationID string                      `json:"conversation_id"`
	CaseID         string                      `json:"case_id"`
	TaskState      referral.TaskState          `json:"task_state"`
	SubState       referral.SubState           `json:"sub_state"`
	TerminalReason referral.TerminalReason     `json:"terminal_reason,omitempty"`
	TurnCount      int                         `json:"turn_count"`
	Checklist      referral.Checklist          `json:"checklist"`
	Ready          bool                        `json:"ready"`
	Provider       *referral.ProviderCandidate `json:"provider,omitempty"`
	Pending        *referral.ResolutionOutcome `json:"pending_resolution,omitempty"`
	UpdatedAt      time.Time                   `json:"updated_at"`
}

// HealthResponse reports dependency status.
type HealthResponse struct {
	OK       bool                       `json:"ok"`
	Store    string                     `json:"store"`
	Registry string                     `json:"registry,omitempty"`
	Cases    map[referral.TaskState]int `json:"cases,omitempty"`
	Version  string                     `json:"version"`
	Time     string                     `json:"time"`
}

func (s *Server) createCase(w http.ResponseWriter, r *http.Request) {
	cs, err := s.ctrl.Open(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, caseResponse(cs))
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	cs, err := s.ctrl.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponse(cs))
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	res, err := s.ctrl.HandleTurn(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse(res))
}

func (s *Server) cancelCase(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse(res))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, Store: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	if err := s.ctrl.Ping(ctx); err != nil {
		resp.OK = false
		resp.Store = err.Error()
	} else if counter, ok := s.ctrl.(CaseCounter); ok {
		counts, err := counter.CaseCounts(ctx)
		if err != nil {
			s.logger.Warn("counting cases", zap.Error(err))
		}
		resp.Cases = counts
	}
	if s.registry != nil {
		resp.Registry = "ok"
		if err := s.registry.HealthCheck(ctx); err != nil {
			// Registry status does not affect OK.
			resp.Registry = err.Error()
		}
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, intake.ErrEmptyUtterance):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}

func turnResponse(res *intake.TurnResult) TurnResponse {
	return TurnResponse{
		ConversationID: res.ConversationID,
		TaskState:      res.TaskState,
		SubState:       res.SubState,
		TerminalReason: res.TerminalReason,
		ResponseText:   res.ResponseText,
		IsFinalForTurn: res.IsFinalForTurn,
		TurnCount:      res.TurnCount,
		Checklist:      res.Checklist,
		Events:         res.Events,
	}
}

func caseResponse(cs *referral.Case) CaseResponse {
	return CaseResponse{
		ConversationID: cs.ConversationID,
		CaseID:         cs.ID,
		TaskState:      cs.TaskState,
		SubState:       cs.SubState,
		TerminalReason: cs.TerminalReason,
		TurnCount:      cs.TurnCount,
		Checklist:      cs.Checklist,
		Ready:          cs.Checklist.Complete(),
		Provider:       cs.Provider,
		Pending:        cs.Pending,
		UpdatedAt:      cs.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
