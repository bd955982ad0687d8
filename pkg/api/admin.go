package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	defaultLogTail = 100
	maxLogTail     = 5000

	adminStopGrace = 5 * time.Second
)

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	filter := types.ContainerFilter{
		Status:   types.ContainerStatus(r.URL.Query().Get("status")),
		ToolPair: r.URL.Query().Get("toolPair"),
	}
	if olderThan := r.URL.Query().Get("olderThan"); olderThan != "" {
		ms, err := strconv.ParseInt(olderThan, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, types.InvalidRequestf("olderThan must be a non-negative duration in ms"))
			return
		}
		filter.OlderThan = time.Now().Add(-time.Duration(ms) * time.Millisecond)
	}

	containers, err := s.containers.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	info, err := s.containers.Inspect(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	// Live usage is best-effort; a stopped container simply reports
	// zeros.
	if info.Status == types.StatusRunning {
		if stats, serr := s.containers.Stats(r.Context(), info.ID); serr == nil {
			info.CPUPercent = stats.CPUPercent
			info.MemoryUsage = stats.MemoryUsage
			info.MemoryLimit = stats.MemoryLimit
			if stats.MemoryLimit > 0 {
				info.MemoryPercent = float64(stats.MemoryUsage) / float64(stats.MemoryLimit) * 100
			}
		}
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRestartContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.containers.Restart(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopContainer(w http.ResponseWriter, r *http.Request) {
	if err := s.containers.Stop(r.Context(), mux.Vars(r)["id"], adminStopGrace); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.containers.Remove(r.Context(), mux.Vars(r)["id"], force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, types.InvalidRequestf("tail must be a non-negative integer"))
			return
		}
		tail = n
	}
	if tail > maxLogTail {
		tail = maxLogTail
	}

	logs, err := s.containers.Logs(r.Context(), mux.Vars(r)["id"], tail)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(logs))
}

func (s *Server) handleListRateLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rateLimits": s.rateLimits.StatusAll()})
}

func (s *Server) handleGetRateLimit(w http.ResponseWriter, r *http.Request) {
	tracking, err := s.rateLimits.Status(mux.Vars(r)["clientId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tracking)
}

func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	if err := s.rateLimits.Reset(mux.Vars(r)["clientId"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustRateLimitRequest struct {
	WindowDuration *int64 `json:"windowDuration"`
	MaxRequests    *int64 `json:"maxRequests"`
}

func (s *Server) handleAdjustRateLimit(w http.ResponseWriter, r *http.Request) {
	var req adjustRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, types.InvalidRequestf("malformed adjust body: %v", err))
		return
	}
	if (req.WindowDuration != nil && *req.WindowDuration <= 0) ||
		(req.MaxRequests != nil && *req.MaxRequests <= 0) {
		writeError(w, types.InvalidRequestf("windowDuration and maxRequests must be positive"))
		return
	}

	// Adjust restarts the client's windows; the body overrides are
	// validated only, the configured limits stay in force.
	tracking, err := s.rateLimits.Adjust(mux.Vars(r)["clientId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tracking)
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, metrics.SystemSnapshotNow())
}

func (s *Server) handleSandboxMetrics(w http.ResponseWriter, r *http.Request) {
	counts := s.sessions.SessionCounts()
	byState := make(map[string]int, len(counts))
	active := 0
	for state, n := range counts {
		byState[string(state)] = n
		if state != types.SessionTerminated {
			active += n
		}
	}

	running := 0
	if listed, err := s.containers.List(r.Context(), types.ContainerFilter{Status: types.StatusRunning}); err == nil {
		running = len(listed)
	}

	writeJSON(w, http.StatusOK, metrics.SandboxSnapshot{
		Timestamp:         time.Now(),
		Sessions:          byState,
		ActiveSessions:    active,
		RunningContainers: running,
		Breaker:           s.breaker.Status(),
	})
}

func (s *Server) handleRateLimitMetrics(w http.ResponseWriter, r *http.Request) {
	clients := s.rateLimits.StatusAll()
	writeJSON(w, http.StatusOK, metrics.RateLimitSnapshot{
		Timestamp:     time.Now(),
		ActiveClients: len(clients),
		Clients:       clients,
	})
}
