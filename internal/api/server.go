package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/dispatch"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/session"
)

// Controller is the part of the session the API drives.
type Controller interface {
	ID() string
	Status() session.Status
	StartRecording(ctx context.Context) error
	StopRecording() error
	Dispatch(ctx context.Context, kind session.DispatchKind, text string) error
	CancelDispatch() error
	StopPlayback() error
	Acknowledge() error
	SetTranscript(text string) error
	Clear() error
}

// History serves the recorded session timeline.
type History interface {
	History(ctx context.Context, sessionID string, limit int) ([]eventstore.Entry, error)
}

// Capabilities reports probed host capabilities.
type Capabilities interface {
	Statuses() []capability.Status
}

type Server struct {
	ctrl    Controller
	history History
	caps    Capabilities
	hub     *Hub
	log     *slog.Logger
}

type dispatchRequest struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

type transcriptRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewServer(ctrl Controller, history History, caps Capabilities, hub *Hub, log *slog.Logger) *Server {
	return &Server{
		ctrl:    ctrl,
		history: history,
		caps:    caps,
		hub:     hub,
		log:     log.With(slog.String("component", "api")),
	}
}

// Register mounts the session routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", s.handleStatus)
	mux.HandleFunc("POST /v1/session/recording", s.handleStartRecording)
	mux.HandleFunc("DELETE /v1/session/recording", s.simple(s.ctrl.StopRecording))
	mux.HandleFunc("PUT /v1/session/transcript", s.handleSetTranscript)
	mux.HandleFunc("DELETE /v1/session/transcript", s.simple(s.ctrl.Clear))
	mux.HandleFunc("POST /v1/session/dispatch", s.handleDispatch)
	mux.HandleFunc("DELETE /v1/session/dispatch", s.simple(s.ctrl.CancelDispatch))
	mux.HandleFunc("DELETE /v1/session/playback", s.simple(s.ctrl.StopPlayback))
	mux.HandleFunc("POST /v1/session/ack", s.simple(s.ctrl.Acknowledge))
	mux.HandleFunc("GET /v1/session/history", s.handleHistory)
	mux.HandleFunc("GET /v1/session/events", s.handleEvents)
	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status().Wire())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.StartRecording(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status().Wire())
}

func (s *Server) handleSetTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if err := s.ctrl.SetTranscript(req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Status().Wire())
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	kind, err := session.ParseDispatchKind(req.Kind)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.ctrl.Dispatch(r.Context(), kind, req.Text); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status().Wire())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	entries, err := s.history.History(r.Context(), s.ctrl.ID(), limit)
	if err != nil {
		s.log.Error("failed to read history", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.Serve(w, r, s.ctrl.Status)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.caps.Statuses())
}

func (s *Server) simple(op func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if err := op(); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.ctrl.Status().Wire())
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNothingToSend):
		return http.StatusBadRequest
	case errors.Is(err, capability.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, dispatch.ErrMissingCredential):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
