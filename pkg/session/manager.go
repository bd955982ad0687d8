package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/breaker"
	"github.com/cuemby/burrow/pkg/environment"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/ratelimit"
	rt "github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/terminal"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultEnvironment is used when a create request names none.
	DefaultEnvironment = "bash"

	// stopGrace is the SIGTERM window before a sandbox is killed.
	stopGrace = 5 * time.Second
)

// Runtime is the container-manager slice the session layer depends on.
// *runtime.Manager satisfies it through ManagerRuntime.
type Runtime interface {
	Create(ctx context.Context, spec rt.SandboxSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	IsRunning(ctx context.Context, id string) bool
	AttachPTY(ctx context.Context, containerID string, opts rt.PTYOptions) (terminal.PTY, error)
}

// ManagerRuntime adapts *runtime.Manager to the Runtime interface; the
// only signature difference is AttachPTY returning the PTY interface.
type ManagerRuntime struct {
	*rt.Manager
}

func (m ManagerRuntime) AttachPTY(ctx context.Context, containerID string, opts rt.PTYOptions) (terminal.PTY, error) {
	return m.Manager.AttachPTY(ctx, containerID, opts)
}

// Config tunes the session lifecycle.
type Config struct {
	// AttachGrace is how long a Ready session may wait for its first
	// channel before it is closed.
	AttachGrace time.Duration
	// CleanupInterval is the cadence of the cleanup scheduler.
	CleanupInterval time.Duration
	// InitTimeout bounds the init-command phase on attach.
	InitTimeout time.Duration
}

// CreateRequest carries the client's session parameters.
type CreateRequest struct {
	Environment string
	Init        []string
	Timeout     time.Duration
	ToolPair    string
}

// record is the live server-side session: the public view plus the
// runtime attachments. Guarded by the manager mutex except where noted.
type record struct {
	session types.Session

	transport *terminal.Transport
	channel   terminal.Channel
	pty       terminal.PTY
	cancel    context.CancelFunc

	// attached is set once the session has held a channel; it switches
	// the cleanup policy from the attach grace to the session's own
	// idle budget.
	attached bool
}

// Manager owns the authoritative session map and drives every lifecycle
// transition.
type Manager struct {
	registry *environment.Registry
	runtime  Runtime
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	cfg      Config

	mu       sync.Mutex
	sessions map[string]*record

	stopCh   chan struct{}
	stopOnce sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// NewManager wires the session layer to its collaborators.
func NewManager(registry *environment.Registry, runtime Runtime, limiter *ratelimit.Limiter, brk *breaker.Breaker, cfg Config) *Manager {
	if cfg.AttachGrace <= 0 {
		cfg.AttachGrace = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 30 * time.Second
	}
	return &Manager{
		registry: registry,
		runtime:  runtime,
		limiter:  limiter,
		breaker:  brk,
		cfg:      cfg,
		sessions: make(map[string]*record),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Create provisions a sandbox and registers the session. Admission runs
// before any container work; a container failure releases the slot.
func (m *Manager) Create(ctx context.Context, clientID string, req CreateRequest) (types.Session, error) {
	logger := log.WithComponent("session")

	envName := req.Environment
	if envName == "" {
		envName = DefaultEnvironment
	}
	env, err := m.registry.Get(envName)
	if err != nil {
		return types.Session{}, err
	}

	timeout := env.DefaultTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if timeout > types.MaxSessionTimeout {
		timeout = types.MaxSessionTimeout
	}
	initCommands := env.DefaultInitCommands
	if req.Init != nil {
		initCommands = req.Init
	}

	sessionID := uuid.NewString()

	if err := m.limiter.AdmitSessionCreate(clientID, sessionID); err != nil {
		metrics.RateLimitRejections.WithLabelValues("sessions").Inc()
		return types.Session{}, err
	}
	if err := m.breaker.Admit(); err != nil {
		m.limiter.ReleaseSession(clientID, sessionID)
		return types.Session{}, err
	}

	spec := rt.SandboxSpec{
		SessionID:   sessionID,
		Environment: env.Name,
		Image:       env.Image,
		ToolPair:    req.ToolPair,
	}
	containerID, err := m.runtime.Create(ctx, spec)
	if err == nil {
		if err = m.runtime.Start(ctx, containerID); err != nil {
			_ = m.runtime.Remove(ctx, containerID, true)
		}
	}
	if err != nil {
		m.limiter.ReleaseSession(clientID, sessionID)
		m.breaker.RecordResult(false)
		metrics.ContainerFailures.Inc()
		logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("environment", env.Name).
			Msg("sandbox provisioning failed")
		return types.Session{}, types.Wrap(types.CodeContainerFailed, err, "provisioning sandbox for %s", env.Name)
	}
	m.breaker.RecordResult(true)

	now := m.now()
	sess := types.Session{
		ID:             sessionID,
		ClientID:       clientID,
		Environment:    env.Name,
		ToolPair:       req.ToolPair,
		ContainerID:    containerID,
		CreatedAt:      now,
		LastActivityAt: now,
		Timeout:        timeout,
		InitCommands:   initCommands,
		State:          types.SessionCreating,
	}

	m.mu.Lock()
	rec := &record{session: sess}
	rec.session.State = types.SessionReady
	m.sessions[sessionID] = rec
	m.mu.Unlock()

	metrics.SessionsTotal.WithLabelValues(env.Name).Inc()
	logger.Info().
		Str("session_id", sessionID).
		Str("client_id", clientID).
		Str("environment", env.Name).
		Str("container_id", containerID).
		Dur("timeout", timeout).
		Msg("session created")

	out := rec.session
	return out, nil
}

// Attach installs a channel on the session, spawns the PTY, and starts
// the bridge. The returned channel closes when the bridge shuts down; the
// caller keeps the connection open until then.
func (m *Manager) Attach(ctx context.Context, sessionID string, ch terminal.Channel, initialCols, initialRows uint) (<-chan struct{}, error) {
	logger := log.WithSessionID(log.WithComponent("session"), sessionID)

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, types.NotFoundf("session %s not found", sessionID)
	}
	if rec.session.State != types.SessionReady && rec.session.State != types.SessionActive {
		state := rec.session.State
		m.mu.Unlock()
		return nil, types.NotFoundf("session %s is %s", sessionID, state)
	}
	if rec.transport != nil {
		m.mu.Unlock()
		return nil, types.E(types.CodeAlreadyAttached, "session %s already has a live channel", sessionID)
	}
	sess := rec.session
	m.mu.Unlock()

	env, err := m.registry.Get(sess.Environment)
	if err != nil {
		return nil, err
	}

	pty, err := m.runtime.AttachPTY(ctx, sess.ContainerID, rt.PTYOptions{
		Shell: env.Shell,
		Cols:  initialCols,
		Rows:  initialRows,
	})
	if err != nil {
		return nil, types.Wrap(types.CodeStreamAttachFailed, err, "attaching pty for session %s", sessionID)
	}

	clientID := sess.ClientID
	hooks := terminal.Hooks{
		OnInbound: func(bytes int) {
			metrics.ChannelMessagesTotal.WithLabelValues("inbound").Inc()
			m.Touch(sessionID)
		},
		OnOutbound: func(bytes int) {
			metrics.ChannelMessagesTotal.WithLabelValues("outbound").Inc()
			m.Touch(sessionID)
		},
		AdmitCommand: func() error {
			if err := m.limiter.AdmitCommand(clientID); err != nil {
				metrics.RateLimitRejections.WithLabelValues("commands").Inc()
				return err
			}
			return nil
		},
		OnInitDone: func(success bool) {
			if !success {
				return
			}
			m.mu.Lock()
			if rec, ok := m.sessions[sessionID]; ok {
				rec.session.InitCompleted = true
			}
			m.mu.Unlock()
		},
	}
	transport := terminal.NewTransport(sessionID, pty, ch, hooks)

	bridgeCtx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	// Re-check: a destroy may have raced the PTY attach.
	rec, ok = m.sessions[sessionID]
	if !ok || rec.transport != nil {
		m.mu.Unlock()
		cancel()
		_ = pty.Close()
		if !ok {
			return nil, types.NotFoundf("session %s not found", sessionID)
		}
		return nil, types.E(types.CodeAlreadyAttached, "session %s already has a live channel", sessionID)
	}
	rec.transport = transport
	rec.channel = ch
	rec.pty = pty
	rec.cancel = cancel
	rec.attached = true
	rec.session.State = types.SessionActive
	rec.session.LastActivityAt = m.now()
	needsInit := len(rec.session.InitCommands) > 0 && !rec.session.InitCompleted
	initCommands := rec.session.InitCommands
	m.mu.Unlock()

	// The gate must be up before the bridge can deliver the first PTY
	// byte; RunInit clears it once the shell settles.
	if needsInit {
		transport.SetSilent(true)
	}

	metrics.ChannelsActive.Inc()

	go func() {
		_ = transport.Run(bridgeCtx)
		m.detach(sessionID, transport)
	}()

	if err := transport.SendConnected(sess.Environment); err != nil {
		logger.Warn().Err(err).Msg("connected frame not delivered")
	}
	if initialCols > 0 && initialRows > 0 {
		if err := transport.Resize(ctx, initialRows, initialCols); err != nil {
			logger.Warn().Err(err).Msg("initial resize failed")
		}
	}

	if needsInit {
		go func() {
			if err := transport.RunInit(bridgeCtx, initCommands, m.cfg.InitTimeout); err != nil {
				logger.Warn().Err(err).Msg("init commands failed")
			}
		}()
	}

	logger.Info().Msg("channel attached")
	return transport.Done(), nil
}

// detach runs when a bridge shuts down. A disconnect is not fatal: the
// session drops back to Ready and may be re-attached within its idle
// budget.
func (m *Manager) detach(sessionID string, transport *terminal.Transport) {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok && rec.transport == transport {
		if rec.cancel != nil {
			rec.cancel()
		}
		rec.transport = nil
		rec.channel = nil
		rec.pty = nil
		rec.cancel = nil
		if rec.session.State == types.SessionActive {
			rec.session.State = types.SessionReady
			rec.session.LastActivityAt = m.now()
		}
	}
	m.mu.Unlock()

	metrics.ChannelsActive.Dec()
	logger := log.WithSessionID(log.WithComponent("session"), sessionID)
	logger.Debug().Msg("channel detached")
}

// Destroy tears the session down: channel closed, container stopped and
// removed, admission slot released. Safe to call while a destroy is
// already in flight.
func (m *Manager) Destroy(ctx context.Context, sessionID, reason string) error {
	logger := log.WithSessionID(log.WithComponent("session"), sessionID)

	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return types.NotFoundf("session %s not found", sessionID)
	}
	if rec.session.State == types.SessionTerminated {
		m.mu.Unlock()
		return nil
	}
	rec.session.State = types.SessionClosing
	channel := rec.channel
	cancel := rec.cancel
	sess := rec.session
	m.mu.Unlock()

	logger = log.WithContainerID(logger, sess.ContainerID)

	if channel != nil {
		_ = channel.CloseNormal(reason)
	}
	if cancel != nil {
		cancel()
	}

	if err := m.runtime.Stop(ctx, sess.ContainerID, stopGrace); err != nil && !types.IsNotFound(err) {
		logger.Warn().Err(err).Msg("sandbox stop failed")
	}
	if err := m.runtime.Remove(ctx, sess.ContainerID, true); err != nil {
		logger.Warn().Err(err).Msg("sandbox remove failed")
		metrics.ContainerFailures.Inc()
		// The reaper completes the removal on a later sweep.
	}

	m.limiter.ReleaseSession(sess.ClientID, sessionID)

	m.mu.Lock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.session.State = types.SessionTerminated
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	metrics.SessionDuration.Observe(m.now().Sub(sess.CreatedAt).Seconds())
	logger.Info().Str("reason", reason).Msg("session destroyed")
	return nil
}

// DestroyAll tears down every live session. The shutdown path uses it so
// sandbox containers do not outlive the process.
func (m *Manager) DestroyAll(ctx context.Context, reason string) {
	for _, sess := range m.List() {
		if err := m.Destroy(ctx, sess.ID, reason); err != nil && !types.IsNotFound(err) {
			logger := log.WithSessionID(log.WithComponent("session"), sess.ID)
			logger.Warn().Err(err).Msg("shutdown destroy failed")
		}
	}
}

// Touch records activity against the session's idle budget.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[sessionID]; ok {
		rec.session.LastActivityAt = m.now()
	}
}

// Get returns a point-in-time view of the session.
func (m *Manager) Get(sessionID string) (types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return types.Session{}, types.NotFoundf("session %s not found", sessionID)
	}
	return rec.session, nil
}

// List returns views of every live session.
func (m *Manager) List() []types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.session)
	}
	return out
}

// SessionCounts tallies sessions by state for health and metrics.
func (m *Manager) SessionCounts() map[types.SessionState]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[types.SessionState]int)
	for _, rec := range m.sessions {
		counts[rec.session.State]++
	}
	return counts
}

// StartCleanup launches the cleanup scheduler.
func (m *Manager) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	go func() {
		for {
			select {
			case <-ticker.C:
				m.Cleanup(ctx)
			case <-m.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
	logger := log.WithComponent("session")
	logger.Info().
		Dur("interval", m.cfg.CleanupInterval).
		Msg("cleanup scheduler started")
}

// StopCleanup halts the scheduler.
func (m *Manager) StopCleanup() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Cleanup runs one pass of the idle policy: unattached Ready sessions
// past the grace, Active sessions past their idle budget, sessions whose
// container has died, and anything stuck in Closing.
func (m *Manager) Cleanup(ctx context.Context) {
	now := m.now()

	type victim struct {
		id     string
		reason string
	}
	var victims []victim

	m.mu.Lock()
	for id, rec := range m.sessions {
		s := rec.session
		switch s.State {
		case types.SessionClosing:
			victims = append(victims, victim{id, "closing"})
		case types.SessionReady:
			// A never-attached session gets the short attach grace; one
			// that lost its channel keeps its full idle budget so the
			// client can reconnect.
			window, why := m.cfg.AttachGrace, "no channel attached"
			if rec.attached {
				window, why = s.Timeout, "idle timeout"
			}
			if rec.transport == nil && now.Sub(s.LastActivityAt) > window {
				victims = append(victims, victim{id, why})
			}
		case types.SessionActive:
			if now.Sub(s.LastActivityAt) > s.Timeout {
				victims = append(victims, victim{id, "idle timeout"})
			}
		}
	}
	m.mu.Unlock()

	// Container liveness is checked outside the lock; a dead container
	// terminates its session regardless of state.
	for id, sess := range m.snapshot() {
		if !m.runtime.IsRunning(ctx, sess.ContainerID) {
			victims = append(victims, victim{id, "container not running"})
		}
	}

	seen := make(map[string]bool)
	for _, v := range victims {
		if seen[v.id] {
			continue
		}
		seen[v.id] = true
		if err := m.Destroy(ctx, v.id, v.reason); err != nil {
			if !types.IsNotFound(err) {
				logger := log.WithSessionID(log.WithComponent("session"), v.id)
				logger.Warn().Err(err).Msg("cleanup destroy failed")
			}
			continue
		}
		metrics.ReaperRemovedTotal.WithLabelValues("session").Inc()
	}
}

func (m *Manager) snapshot() map[string]types.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Session, len(m.sessions))
	for id, rec := range m.sessions {
		out[id] = rec.session
	}
	return out
}

// Attached reports whether the session currently has a live channel.
func (m *Manager) Attached(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	return ok && rec.transport != nil
}

// Owner reports which live session, if any, owns the given session id.
// The reaper uses it to spare labelled containers with live owners.
func (m *Manager) Owner(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}
