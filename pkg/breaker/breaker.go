package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// DefaultSampleInterval is how often fleet load is re-sampled.
const DefaultSampleInterval = 15 * time.Second

// LoadSource reports the current running-container count. The container
// manager implements it.
type LoadSource interface {
	RunningContainers(ctx context.Context) (int, error)
}

// Config holds the breaker thresholds.
type Config struct {
	MaxContainers    int
	MaxMemoryPercent float64
	Cooldown         time.Duration
	SampleInterval   time.Duration
}

// Breaker is the single global admission gate. While open, new session
// creations fail with a retryable error; existing sessions are never
// affected.
type Breaker struct {
	cfg    Config
	source LoadSource

	mu       sync.Mutex
	state    types.CircuitState
	openedAt time.Time
	reason   string
	metrics  types.LoadMetrics

	// memFn and now are swappable for tests.
	memFn func() (float64, error)
	now   func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a breaker in the Closed state.
func New(cfg Config, source LoadSource) *Breaker {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:    cfg,
		source: source,
		state:  types.CircuitClosed,
		memFn:  hostMemoryPercent,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

func hostMemoryPercent() (float64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Start launches the periodic sampling loop.
func (b *Breaker) Start(ctx context.Context) {
	logger := log.WithComponent("breaker")
	ticker := time.NewTicker(b.cfg.SampleInterval)

	go func() {
		b.Sample(ctx)

		for {
			select {
			case <-ticker.C:
				b.Sample(ctx)
			case <-b.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()

	logger.Info().
		Int("max_containers", b.cfg.MaxContainers).
		Float64("max_memory_percent", b.cfg.MaxMemoryPercent).
		Dur("cooldown", b.cfg.Cooldown).
		Msg("breaker sampling started")
}

// Stop halts the sampling loop.
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Sample refreshes the load snapshot and applies threshold transitions.
func (b *Breaker) Sample(ctx context.Context) {
	logger := log.WithComponent("breaker")

	containers, err := b.source.RunningContainers(ctx)
	if err != nil {
		// Keep the previous sample; a read failure alone never opens
		// the gate.
		logger.Warn().Err(err).Msg("container count sample failed")
		return
	}

	memPercent, err := b.memFn()
	if err != nil {
		logger.Warn().Err(err).Msg("memory sample failed")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.metrics = types.LoadMetrics{
		Containers:       containers,
		MaxContainers:    b.cfg.MaxContainers,
		MemoryPercent:    memPercent,
		MaxMemoryPercent: b.cfg.MaxMemoryPercent,
		SampledAt:        b.now(),
	}

	reason := b.exceededLocked()
	switch b.state {
	case types.CircuitClosed:
		if reason != "" {
			b.openLocked(reason)
		}
	case types.CircuitHalfOpen:
		if reason != "" {
			b.openLocked(reason)
		}
	case types.CircuitOpen:
		if reason == "" && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = types.CircuitHalfOpen
			metrics.BreakerTransitions.WithLabelValues(string(types.CircuitHalfOpen)).Inc()
			logger.Info().Msg("breaker half-open")
		}
	}
}

// exceededLocked returns a human-readable reason when any threshold is
// exceeded, empty otherwise.
func (b *Breaker) exceededLocked() string {
	if b.cfg.MaxContainers > 0 && b.metrics.Containers >= b.cfg.MaxContainers {
		return fmt.Sprintf("container limit reached: %d/%d", b.metrics.Containers, b.cfg.MaxContainers)
	}
	if b.cfg.MaxMemoryPercent > 0 && b.metrics.MemoryPercent >= b.cfg.MaxMemoryPercent {
		return fmt.Sprintf("memory pressure: %.1f%% >= %.1f%%", b.metrics.MemoryPercent, b.cfg.MaxMemoryPercent)
	}
	return ""
}

func (b *Breaker) openLocked(reason string) {
	b.state = types.CircuitOpen
	b.openedAt = b.now()
	b.reason = reason
	metrics.BreakerTransitions.WithLabelValues(string(types.CircuitOpen)).Inc()
	logger := log.WithComponent("breaker")
	logger.Warn().Str("reason", reason).Msg("breaker open")
}

// Admit decides whether a new session creation may proceed. Open returns
// ServiceUnavailable with the captured reason; after the cooldown the
// breaker moves to HalfOpen and lets a probe creation through.
func (b *Breaker) Admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case types.CircuitClosed, types.CircuitHalfOpen:
		return nil
	case types.CircuitOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = types.CircuitHalfOpen
			metrics.BreakerTransitions.WithLabelValues(string(types.CircuitHalfOpen)).Inc()
			return nil
		}
		return types.Unavailablef("%s", b.reason)
	}
	return nil
}

// RecordResult reports the outcome of a session creation. In HalfOpen a
// success within thresholds closes the breaker; a failure re-opens it.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != types.CircuitHalfOpen {
		return
	}
	if !success {
		b.openLocked("probe creation failed")
		return
	}
	if reason := b.exceededLocked(); reason != "" {
		b.openLocked(reason)
		return
	}
	b.state = types.CircuitClosed
	b.reason = ""
	metrics.BreakerTransitions.WithLabelValues(string(types.CircuitClosed)).Inc()
	logger := log.WithComponent("breaker")
	logger.Info().Msg("breaker closed")
}

// Status returns the snapshot served on the status endpoint.
func (b *Breaker) Status() types.BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := types.BreakerStatus{
		State:   b.state,
		IsOpen:  b.state == types.CircuitOpen,
		Reason:  b.reason,
		Metrics: b.metrics,
	}
	if b.state == types.CircuitOpen {
		openedAt := b.openedAt
		status.OpenedAt = &openedAt
	}
	return status
}
