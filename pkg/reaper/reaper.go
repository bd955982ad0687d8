package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Sessions is the session-manager slice the reaper drives.
type Sessions interface {
	// Cleanup runs one pass of the session idle policy.
	Cleanup(ctx context.Context)
	// Owner reports whether a live session owns the given session id.
	Owner(sessionID string) bool
}

// Containers is the runtime slice the reaper drives.
type Containers interface {
	List(ctx context.Context, filter types.ContainerFilter) ([]types.ContainerInfo, error)
	Remove(ctx context.Context, id string, force bool) error
}

// Config tunes the sweep.
type Config struct {
	Interval        time.Duration
	MaxContainerAge time.Duration
}

// SweepResult counts what one pass removed.
type SweepResult struct {
	OrphansRemoved int
	Errors         int
}

// Reaper periodically destroys stale sessions and removes labelled
// containers that no live session owns. It is the backstop for every
// partial teardown: a failed destroy, a crashed process, a container
// that outlived its session.
type Reaper struct {
	sessions   Sessions
	containers Containers
	cfg        Config

	stopCh   chan struct{}
	stopOnce sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// New builds a reaper.
func New(sessions Sessions, containers Containers, cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxContainerAge <= 0 {
		cfg.MaxContainerAge = 60 * time.Minute
	}
	return &Reaper{
		sessions:   sessions,
		containers: containers,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start runs one reconciliation sweep immediately, then sweeps on the
// configured interval. The startup sweep kills orphans left behind by a
// previous process.
func (r *Reaper) Start(ctx context.Context) {
	logger := log.WithComponent("reaper")

	go func() {
		r.Sweep(ctx)

		ticker := time.NewTicker(r.cfg.Interval)
		for {
			select {
			case <-ticker.C:
				r.Sweep(ctx)
			case <-r.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()

	logger.Info().
		Dur("interval", r.cfg.Interval).
		Dur("max_container_age", r.cfg.MaxContainerAge).
		Msg("reaper started")
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Sweep runs one pass: the session idle policy first, then orphan
// container removal. Per-item failures are logged and counted; the sweep
// always finishes.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	logger := log.WithComponent("reaper")
	var result SweepResult

	r.sessions.Cleanup(ctx)

	listed, err := r.containers.List(ctx, types.ContainerFilter{})
	if err != nil {
		logger.Warn().Err(err).Msg("container listing failed")
		result.Errors++
		return result
	}

	now := r.now()
	for _, info := range listed {
		if info.SessionID != "" && r.sessions.Owner(info.SessionID) {
			continue
		}
		expired := now.Sub(info.CreatedAt) > r.cfg.MaxContainerAge
		dead := info.Status == types.StatusExited || info.Status == types.StatusDead
		if !expired && !dead {
			continue
		}

		if err := r.containers.Remove(ctx, info.ID, true); err != nil {
			logger.Warn().Err(err).
				Str("container_id", info.ID).
				Msg("orphan removal failed")
			result.Errors++
			continue
		}
		result.OrphansRemoved++
		metrics.ReaperRemovedTotal.WithLabelValues("container").Inc()
		logger.Info().
			Str("container_id", info.ID).
			Str("session_id", info.SessionID).
			Bool("expired", expired).
			Msg("orphan container removed")
	}

	if result.OrphansRemoved > 0 || result.Errors > 0 {
		logger.Info().
			Int("orphans_removed", result.OrphansRemoved).
			Int("errors", result.Errors).
			Msg("sweep finished")
	}
	return result
}
