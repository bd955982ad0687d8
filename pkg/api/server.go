package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/session"
	"github.com/cuemby/burrow/pkg/terminal"
	"github.com/cuemby/burrow/pkg/types"
)

const shutdownDrain = 10 * time.Second

// Sessions is the session-manager surface the handlers call.
type Sessions interface {
	Create(ctx context.Context, clientID string, req session.CreateRequest) (types.Session, error)
	Attach(ctx context.Context, sessionID string, ch terminal.Channel, initialCols, initialRows uint) (<-chan struct{}, error)
	Destroy(ctx context.Context, sessionID, reason string) error
	Touch(sessionID string)
	Get(sessionID string) (types.Session, error)
	Attached(sessionID string) bool
	List() []types.Session
	SessionCounts() map[types.SessionState]int
}

// Containers is the runtime surface behind the admin container
// endpoints.
type Containers interface {
	List(ctx context.Context, filter types.ContainerFilter) ([]types.ContainerInfo, error)
	Inspect(ctx context.Context, id string) (types.ContainerInfo, error)
	Stats(ctx context.Context, id string) (types.ContainerStats, error)
	Restart(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Logs(ctx context.Context, id string, tailN int) (string, error)
}

// RateLimits is the limiter's admin surface.
type RateLimits interface {
	AdmitChannel(clientID, channelID string) error
	ReleaseChannel(clientID, channelID string)
	Status(clientID string) (types.ClientTracking, error)
	StatusAll() []types.ClientTracking
	Reset(clientID string) error
	Adjust(clientID string) (types.ClientTracking, error)
	ActiveClients() int
}

// Breaker exposes the admission gate snapshot.
type Breaker interface {
	Status() types.BreakerStatus
}

// Environments is the registry's read surface.
type Environments interface {
	List() []types.EnvironmentConfig
}

// Config tunes the HTTP surface.
type Config struct {
	Addr              string
	FrontendOrigin    string
	AdminSharedHeader string
}

// Server is the HTTP and channel surface of the service.
type Server struct {
	cfg          Config
	sessions     Sessions
	containers   Containers
	rateLimits   RateLimits
	breaker      Breaker
	environments Environments

	router *mux.Router
	http   *http.Server

	startedAt time.Time
}

// NewServer wires the routing table.
func NewServer(cfg Config, sessions Sessions, containers Containers, rateLimits RateLimits, brk Breaker, environments Environments) *Server {
	s := &Server{
		cfg:          cfg,
		sessions:     sessions,
		containers:   containers,
		rateLimits:   rateLimits,
		breaker:      brk,
		environments: environments,
		startedAt:    time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	// The channel upgrade needs the raw ResponseWriter; everything else
	// goes through the logging middleware.
	r.HandleFunc("/api/v1/sessions/{id}/channel", s.handleChannel).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(requestLogger)

	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/environments", s.handleEnvironments).Methods(http.MethodGet)

	v1.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth)

	admin.HandleFunc("/containers", s.handleListContainers).Methods(http.MethodGet)
	admin.HandleFunc("/containers/{id}", s.handleGetContainer).Methods(http.MethodGet)
	admin.HandleFunc("/containers/{id}/restart", s.handleRestartContainer).Methods(http.MethodPost)
	admin.HandleFunc("/containers/{id}/stop", s.handleStopContainer).Methods(http.MethodPost)
	admin.HandleFunc("/containers/{id}", s.handleDeleteContainer).Methods(http.MethodDelete)
	admin.HandleFunc("/containers/{id}/logs", s.handleContainerLogs).Methods(http.MethodGet)

	admin.HandleFunc("/rate-limits", s.handleListRateLimits).Methods(http.MethodGet)
	admin.HandleFunc("/rate-limits/{clientId}", s.handleGetRateLimit).Methods(http.MethodGet)
	admin.HandleFunc("/rate-limits/{clientId}/reset", s.handleResetRateLimit).Methods(http.MethodPost)
	admin.HandleFunc("/rate-limits/{clientId}/adjust", s.handleAdjustRateLimit).Methods(http.MethodPost)

	admin.HandleFunc("/metrics/system", s.handleSystemMetrics).Methods(http.MethodGet)
	admin.HandleFunc("/metrics/sandbox", s.handleSandboxMetrics).Methods(http.MethodGet)
	admin.HandleFunc("/metrics/rate-limits", s.handleRateLimitMetrics).Methods(http.MethodGet)

	// Operational endpoints outside the versioned base path.
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)

	return r
}

// Handler exposes the routing table (tests drive it via httptest).
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.cfg.FrontendOrigin, s.router)
}

// Start begins serving. It blocks until the listener fails or Stop is
// called; a bind failure surfaces as PortInUse for exit-code mapping.
func (s *Server) Start() error {
	logger := log.WithComponent("api")

	s.http = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Handler(),
	}

	logger.Info().Str("addr", s.cfg.Addr).Msg("http server listening")
	metrics.RegisterComponent("api", true, "")

	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	if err != nil && strings.Contains(err.Error(), "address already in use") {
		return types.Wrap(types.CodePortInUse, err, "binding %s", s.cfg.Addr)
	}
	return err
}

// Stop drains in-flight requests for up to the shutdown deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	drainCtx, cancel := context.WithTimeout(ctx, shutdownDrain)
	defer cancel()
	metrics.UpdateComponent("api", false, "shutting down")
	return s.http.Shutdown(drainCtx)
}
