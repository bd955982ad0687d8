package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cuemby/burrow/pkg/types"
)

func TestHealthReportsUnhealthyComponent(t *testing.T) {
	RegisterComponent("runtime", true, "")
	RegisterComponent("registry", true, "")
	RegisterComponent("api", true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Fatalf("status = %s, want healthy", health.Status)
	}

	UpdateComponent("runtime", false, "daemon unreachable")
	health = GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy", health.Status)
	}

	UpdateComponent("runtime", true, "")
}

func TestReadinessWaitsForCriticalComponents(t *testing.T) {
	RegisterComponent("runtime", true, "")
	RegisterComponent("registry", true, "")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()
	if readiness.Status != "ready" {
		t.Fatalf("status = %s, want ready", readiness.Status)
	}

	UpdateComponent("api", false, "listener not started")
	readiness = GetReadiness()
	if readiness.Status != "not_ready" {
		t.Errorf("status = %s, want not_ready", readiness.Status)
	}

	UpdateComponent("api", true, "")
}

func TestHealthHandlerStatusCode(t *testing.T) {
	RegisterComponent("runtime", true, "")
	RegisterComponent("registry", true, "")
	RegisterComponent("api", true, "")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Uptime == "" {
		t.Error("health response must include uptime")
	}
}

type fakeSource struct {
	counts  map[types.SessionState]int
	running int
	breaker types.BreakerStatus
}

func (f *fakeSource) SessionCounts() map[types.SessionState]int { return f.counts }
func (f *fakeSource) RunningContainers(ctx context.Context) (int, error) {
	return f.running, nil
}
func (f *fakeSource) BreakerStatus() types.BreakerStatus { return f.breaker }

func TestCollectorUpdatesGauges(t *testing.T) {
	src := &fakeSource{
		counts: map[types.SessionState]int{
			types.SessionReady:      2,
			types.SessionActive:     1,
			types.SessionTerminated: 5,
		},
		running: 3,
		breaker: types.BreakerStatus{State: types.CircuitOpen, IsOpen: true},
	}

	c := NewCollector(src)
	c.collect(context.Background())

	if got := testutil.ToFloat64(SessionsActive); got != 3 {
		t.Errorf("sessions_active = %v, want 3 (terminated excluded)", got)
	}
	if got := testutil.ToFloat64(ContainersRunning); got != 3 {
		t.Errorf("containers_running = %v, want 3", got)
	}
	if got := testutil.ToFloat64(BreakerOpen); got != 1 {
		t.Errorf("breaker_open = %v, want 1", got)
	}
}

func TestSystemSnapshotPopulated(t *testing.T) {
	snap := SystemSnapshotNow()
	if snap.Goroutines <= 0 {
		t.Error("goroutine count must be positive")
	}
	if snap.Uptime == "" {
		t.Error("uptime must be set")
	}
}
