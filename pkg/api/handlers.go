package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/types"
)

// sessionView is the wire shape of a session.
type sessionView struct {
	SessionID      string    `json:"sessionId"`
	Environment    string    `json:"environment"`
	ToolPair       string    `json:"toolPair,omitempty"`
	ContainerID    string    `json:"containerId"`
	State          string    `json:"state"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	TimeoutMs      int64     `json:"timeoutMs"`
	InitCompleted  bool      `json:"initCompleted"`
}

func viewOf(s types.Session) sessionView {
	return sessionView{
		SessionID:      s.ID,
		Environment:    s.Environment,
		ToolPair:       s.ToolPair,
		ContainerID:    s.ContainerID,
		State:          string(s.State),
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		ExpiresAt:      s.ExpiresAt(),
		TimeoutMs:      s.Timeout.Milliseconds(),
		InitCompleted:  s.InitCompleted,
	}
}

// environmentView is the wire shape of a registry entry.
type environmentView struct {
	Name             string   `json:"name"`
	Image            string   `json:"image"`
	Category         string   `json:"category"`
	Description      string   `json:"description,omitempty"`
	DefaultTimeoutMs int64    `json:"defaultTimeoutMs"`
	DefaultInit      []string `json:"defaultInitCommands,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts := s.sessions.SessionCounts()
	total := 0
	for state, n := range counts {
		if state != types.SessionTerminated {
			total += n
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
		"uptime":    time.Since(s.startedAt).String(),
		"sessions":  total,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.breaker.Status())
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	envs := s.environments.List()
	views := make([]environmentView, 0, len(envs))
	for _, env := range envs {
		views = append(views, environmentView{
			Name:             env.Name,
			Image:            env.Image,
			Category:         string(env.Category),
			Description:      env.Description,
			DefaultTimeoutMs: env.DefaultTimeout.Milliseconds(),
			DefaultInit:      env.DefaultInitCommands,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"environments": views})
}

// createSessionRequest is the POST /sessions body.
type createSessionRequest struct {
	Environment string   `json:"environment"`
	Init        []string `json:"init"`
	TimeoutMs   int64    `json:"timeout"`
	ToolPair    string   `json:"toolPair"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, types.InvalidRequestf("malformed request body: %v", err))
			return
		}
	}
	if req.TimeoutMs < 0 {
		writeError(w, types.InvalidRequestf("timeout must be non-negative"))
		return
	}

	sess, err := s.sessions.Create(r.Context(), clientID(r), session.CreateRequest{
		Environment: req.Environment,
		Init:        req.Init,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		ToolPair:    req.ToolPair,
	})
	if err != nil {
		if types.IsCode(err, types.CodeInvalidConfig) {
			names := make([]string, 0, len(s.environments.List()))
			for _, env := range s.environments.List() {
				names = append(names, env.Name)
			}
			writeError(w, err, func(b *errorBody) { b.AvailableEnvironments = names })
			return
		}
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId":   sess.ID,
		"environment": sess.Environment,
		"expiresAt":   sess.ExpiresAt(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Destroy(r.Context(), mux.Vars(r)["id"], "client delete"); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
