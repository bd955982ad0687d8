package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

type fakeSource struct {
	count int
	err   error
}

func (f *fakeSource) RunningContainers(ctx context.Context) (int, error) {
	return f.count, f.err
}

func testBreaker(src *fakeSource) (*Breaker, *time.Time, *float64) {
	b := New(Config{
		MaxContainers:    20,
		MaxMemoryPercent: 85.0,
		Cooldown:         30 * time.Second,
	}, src)

	now := time.Now()
	memPercent := 40.0
	b.now = func() time.Time { return now }
	b.memFn = func() (float64, error) { return memPercent, nil }
	return b, &now, &memPercent
}

func TestClosedUnderThresholds(t *testing.T) {
	src := &fakeSource{count: 5}
	b, _, _ := testBreaker(src)

	b.Sample(context.Background())
	if err := b.Admit(); err != nil {
		t.Fatalf("closed breaker must admit: %v", err)
	}
	if got := b.Status().State; got != types.CircuitClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestOpensOnContainerThreshold(t *testing.T) {
	src := &fakeSource{count: 20}
	b, _, _ := testBreaker(src)

	b.Sample(context.Background())
	err := b.Admit()
	if !types.IsUnavailable(err) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}

	status := b.Status()
	if !status.IsOpen || status.OpenedAt == nil {
		t.Error("status must report open with a timestamp")
	}
	if status.Reason == "" {
		t.Error("open status must carry a reason")
	}
}

func TestOpensOnMemoryThreshold(t *testing.T) {
	src := &fakeSource{count: 1}
	b, _, memPercent := testBreaker(src)
	*memPercent = 91.5

	b.Sample(context.Background())
	if err := b.Admit(); !types.IsUnavailable(err) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	src := &fakeSource{count: 20}
	b, now, _ := testBreaker(src)

	b.Sample(context.Background())
	if err := b.Admit(); err == nil {
		t.Fatal("expected rejection while open")
	}

	// Load recovers and the cooldown elapses.
	src.count = 3
	*now = now.Add(31 * time.Second)
	b.Sample(context.Background())

	if got := b.Status().State; got != types.CircuitHalfOpen {
		t.Fatalf("state = %s, want half-open", got)
	}
	if err := b.Admit(); err != nil {
		t.Fatalf("half-open must admit a probe: %v", err)
	}
}

func TestHalfOpenProbeSuccessCloses(t *testing.T) {
	src := &fakeSource{count: 20}
	b, now, _ := testBreaker(src)

	b.Sample(context.Background())
	src.count = 3
	*now = now.Add(31 * time.Second)
	b.Sample(context.Background())

	b.RecordResult(true)
	if got := b.Status().State; got != types.CircuitClosed {
		t.Errorf("state = %s, want closed after probe success", got)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	src := &fakeSource{count: 20}
	b, now, _ := testBreaker(src)

	b.Sample(context.Background())
	src.count = 3
	*now = now.Add(31 * time.Second)
	b.Sample(context.Background())

	b.RecordResult(false)
	status := b.Status()
	if status.State != types.CircuitOpen {
		t.Fatalf("state = %s, want open after probe failure", status.State)
	}

	// The cooldown restarts from the re-open.
	if err := b.Admit(); !types.IsUnavailable(err) {
		t.Errorf("expected rejection, got %v", err)
	}
}

func TestAdmitTransitionsToHalfOpen(t *testing.T) {
	src := &fakeSource{count: 20}
	b, now, _ := testBreaker(src)

	b.Sample(context.Background())
	*now = now.Add(31 * time.Second)

	// No fresh sample yet; Admit itself honors the elapsed cooldown.
	if err := b.Admit(); err != nil {
		t.Fatalf("expected probe admission, got %v", err)
	}
	if got := b.Status().State; got != types.CircuitHalfOpen {
		t.Errorf("state = %s, want half-open", got)
	}
}

func TestSampleErrorKeepsPreviousState(t *testing.T) {
	src := &fakeSource{count: 5}
	b, _, _ := testBreaker(src)

	b.Sample(context.Background())
	before := b.Status().Metrics

	src.err = errors.New("daemon unreachable")
	b.Sample(context.Background())

	after := b.Status()
	if after.State != types.CircuitClosed {
		t.Errorf("read failure must not open the breaker, state = %s", after.State)
	}
	if after.Metrics != before {
		t.Error("failed sample must keep the previous snapshot")
	}
}

func TestRecordResultIgnoredWhenClosed(t *testing.T) {
	src := &fakeSource{count: 1}
	b, _, _ := testBreaker(src)

	b.Sample(context.Background())
	b.RecordResult(false)
	if got := b.Status().State; got != types.CircuitClosed {
		t.Errorf("closed breaker must ignore results, state = %s", got)
	}
}
