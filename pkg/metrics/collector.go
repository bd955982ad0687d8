package metrics

import (
	"context"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Source exposes the counts the collector samples. The session manager
// and breaker implement the relevant slices of it.
type Source interface {
	SessionCounts() map[types.SessionState]int
	RunningContainers(ctx context.Context) (int, error)
	BreakerStatus() types.BreakerStatus
}

// Collector periodically refreshes the gauge metrics from live state.
type Collector struct {
	source Source
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect(ctx)

		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				ticker.Stop()
				return
			case <-ctx.Done():
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect(ctx context.Context) {
	counts := c.source.SessionCounts()
	active := 0
	for state, n := range counts {
		SessionsByState.WithLabelValues(string(state)).Set(float64(n))
		if state != types.SessionTerminated {
			active += n
		}
	}
	SessionsActive.Set(float64(active))

	if running, err := c.source.RunningContainers(ctx); err == nil {
		ContainersRunning.Set(float64(running))
	}

	status := c.source.BreakerStatus()
	if status.IsOpen {
		BreakerOpen.Set(1)
	} else {
		BreakerOpen.Set(0)
	}
}
