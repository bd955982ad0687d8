package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	hourWindow   = time.Hour
	minuteWindow = time.Minute
)

// Limits configures the per-client ceilings.
type Limits struct {
	MaxConcurrentSessions int
	SessionsPerHour       int
	CommandsPerMinute     int
	MaxConcurrentChannels int
	// DevelopmentMode bypasses admission decisions while still
	// maintaining counters for visibility.
	DevelopmentMode bool
}

// tracking is the mutable per-client record. All fields are guarded by
// the limiter mutex.
type tracking struct {
	sessionCount      int
	hourWindowStart   time.Time
	commandCount      int
	minuteWindowStart time.Time
	activeSessions    map[string]struct{}
	activeChannels    map[string]struct{}
}

func newTracking(now time.Time) *tracking {
	return &tracking{
		hourWindowStart:   now,
		minuteWindowStart: now,
		activeSessions:    make(map[string]struct{}),
		activeChannels:    make(map[string]struct{}),
	}
}

// slide advances stale windows. Windows only move forward (R1).
func (t *tracking) slide(now time.Time) {
	if now.Sub(t.hourWindowStart) >= hourWindow {
		t.hourWindowStart = now
		t.sessionCount = 0
	}
	if now.Sub(t.minuteWindowStart) >= minuteWindow {
		t.minuteWindowStart = now
		t.commandCount = 0
	}
}

// idle reports whether the record carries no state worth keeping.
func (t *tracking) idle() bool {
	return t.sessionCount == 0 && t.commandCount == 0 &&
		len(t.activeSessions) == 0 && len(t.activeChannels) == 0
}

// Limiter enforces per-client limits along four dimensions: concurrent
// sessions, sessions per hour, commands per minute, and concurrent live
// channels. Operations are atomic per client.
type Limiter struct {
	limits Limits

	mu      sync.Mutex
	clients map[string]*tracking

	// now is swappable for tests.
	now func() time.Time
}

// NewLimiter builds a limiter with the given ceilings.
func NewLimiter(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		clients: make(map[string]*tracking),
		now:     time.Now,
	}
}

func (l *Limiter) get(clientID string) *tracking {
	t, ok := l.clients[clientID]
	if !ok {
		t = newTracking(l.now())
		l.clients[clientID] = t
	}
	return t
}

// AdmitSessionCreate reserves a session slot for the client. On denial
// it returns TooManyRequests with a retry hint; the caller must pair a
// successful admit with ReleaseSession.
func (l *Limiter) AdmitSessionCreate(clientID, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	t := l.get(clientID)
	t.slide(now)

	if len(t.activeSessions) >= l.limits.MaxConcurrentSessions {
		if l.allow(clientID, "concurrent sessions") {
			t.activeSessions[sessionID] = struct{}{}
			t.sessionCount++
			return nil
		}
		return types.TooManyRequestsf(30*time.Second,
			"concurrent session limit reached (%d)", l.limits.MaxConcurrentSessions)
	}

	if t.sessionCount >= l.limits.SessionsPerHour {
		retry := hourWindow - now.Sub(t.hourWindowStart)
		if l.allow(clientID, "sessions per hour") {
			t.activeSessions[sessionID] = struct{}{}
			t.sessionCount++
			return nil
		}
		return types.TooManyRequestsf(retry,
			"hourly session limit reached (%d)", l.limits.SessionsPerHour)
	}

	t.activeSessions[sessionID] = struct{}{}
	t.sessionCount++
	return nil
}

// ReleaseSession frees the client's concurrency slot. Idempotent; called
// on every terminal session transition (R3).
func (l *Limiter) ReleaseSession(clientID, sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.clients[clientID]
	if !ok {
		return
	}
	delete(t.activeSessions, sessionID)
	l.pruneLocked(clientID, t)
}

// AdmitCommand counts one inbound channel message against the client's
// minute window.
func (l *Limiter) AdmitCommand(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	t := l.get(clientID)
	t.slide(now)

	if t.commandCount >= l.limits.CommandsPerMinute {
		retry := minuteWindow - now.Sub(t.minuteWindowStart)
		if l.allow(clientID, "commands per minute") {
			t.commandCount++
			return nil
		}
		return types.TooManyRequestsf(retry,
			"command rate limit reached (%d/min)", l.limits.CommandsPerMinute)
	}

	t.commandCount++
	return nil
}

// AdmitChannel reserves a live-channel slot.
func (l *Limiter) AdmitChannel(clientID, channelID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.get(clientID)
	if len(t.activeChannels) >= l.limits.MaxConcurrentChannels {
		if l.allow(clientID, "concurrent channels") {
			t.activeChannels[channelID] = struct{}{}
			return nil
		}
		return types.TooManyRequestsf(10*time.Second,
			"concurrent channel limit reached (%d)", l.limits.MaxConcurrentChannels)
	}
	t.activeChannels[channelID] = struct{}{}
	return nil
}

// ReleaseChannel frees a live-channel slot. Idempotent.
func (l *Limiter) ReleaseChannel(clientID, channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.clients[clientID]
	if !ok {
		return
	}
	delete(t.activeChannels, channelID)
	l.pruneLocked(clientID, t)
}

// allow is the development-mode bypass: counters are maintained but
// admission always succeeds.
func (l *Limiter) allow(clientID, dimension string) bool {
	if !l.limits.DevelopmentMode {
		return false
	}
	logger := log.WithClientID(log.WithComponent("ratelimit"), clientID)
	logger.Debug().
		Str("dimension", dimension).
		Msg("development mode: limit bypassed")
	return true
}

func (l *Limiter) pruneLocked(clientID string, t *tracking) {
	t.slide(l.now())
	if t.idle() {
		delete(l.clients, clientID)
	}
}

// Status returns the client's tracking view, or NotFound when the client
// has no state.
func (l *Limiter) Status(clientID string) (types.ClientTracking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.clients[clientID]
	if !ok {
		return types.ClientTracking{}, types.NotFoundf("no tracking for client %s", clientID)
	}
	return l.viewLocked(clientID, t), nil
}

// StatusAll returns tracking views for every known client, sorted by
// client id.
func (l *Limiter) StatusAll() []types.ClientTracking {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]types.ClientTracking, 0, len(l.clients))
	for id, t := range l.clients {
		out = append(out, l.viewLocked(id, t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Reset drops all tracking for the client, including concurrency sets.
// The next admission sees a fresh record.
func (l *Limiter) Reset(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.clients[clientID]; !ok {
		return types.NotFoundf("no tracking for client %s", clientID)
	}
	delete(l.clients, clientID)
	return nil
}

// Adjust resets the client's window counters and restarts both windows.
// Concurrency sets reflect live resources and are left untouched.
func (l *Limiter) Adjust(clientID string) (types.ClientTracking, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	t, ok := l.clients[clientID]
	if !ok {
		return types.ClientTracking{}, types.NotFoundf("no tracking for client %s", clientID)
	}
	now := l.now()
	t.sessionCount = 0
	t.commandCount = 0
	t.hourWindowStart = now
	t.minuteWindowStart = now
	return l.viewLocked(clientID, t), nil
}

// ActiveClients reports how many clients have live tracking.
func (l *Limiter) ActiveClients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) viewLocked(clientID string, t *tracking) types.ClientTracking {
	view := types.ClientTracking{
		ClientID:          clientID,
		SessionCount:      t.sessionCount,
		HourWindowStart:   t.hourWindowStart,
		CommandCount:      t.commandCount,
		MinuteWindowStart: t.minuteWindowStart,
		ActiveSessions:    make([]string, 0, len(t.activeSessions)),
		ActiveChannels:    make([]string, 0, len(t.activeChannels)),
	}
	for id := range t.activeSessions {
		view.ActiveSessions = append(view.ActiveSessions, id)
	}
	for id := range t.activeChannels {
		view.ActiveChannels = append(view.ActiveChannels, id)
	}
	sort.Strings(view.ActiveSessions)
	sort.Strings(view.ActiveChannels)
	return view
}
