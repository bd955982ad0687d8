package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

func testLimits() Limits {
	return Limits{
		MaxConcurrentSessions: 2,
		SessionsPerHour:       50,
		CommandsPerMinute:     60,
		MaxConcurrentChannels: 3,
	}
}

func TestConcurrentSessionLimit(t *testing.T) {
	l := NewLimiter(testLimits())

	if err := l.AdmitSessionCreate("c1", "s1"); err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if err := l.AdmitSessionCreate("c1", "s2"); err != nil {
		t.Fatalf("second admit: %v", err)
	}

	err := l.AdmitSessionCreate("c1", "s3")
	if !types.IsTooManyRequests(err) {
		t.Fatalf("expected TooManyRequests, got %v", err)
	}
	if types.RetryAfterOf(err) <= 0 {
		t.Error("rejection must carry a retry hint")
	}

	// Releasing one slot re-opens admission.
	l.ReleaseSession("c1", "s1")
	if err := l.AdmitSessionCreate("c1", "s3"); err != nil {
		t.Fatalf("admit after release: %v", err)
	}
}

func TestHourlyWindowSlides(t *testing.T) {
	l := NewLimiter(Limits{MaxConcurrentSessions: 100, SessionsPerHour: 2, CommandsPerMinute: 60, MaxConcurrentChannels: 3})
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		sid := fmt.Sprintf("s%d", i)
		if err := l.AdmitSessionCreate("c1", sid); err != nil {
			t.Fatalf("admit %d: %v", i, err)
		}
		l.ReleaseSession("c1", sid)
	}

	if err := l.AdmitSessionCreate("c1", "s2"); !types.IsTooManyRequests(err) {
		t.Fatalf("expected hourly rejection, got %v", err)
	}

	// An hour later the window advances and counters reset.
	now = now.Add(time.Hour + time.Second)
	if err := l.AdmitSessionCreate("c1", "s3"); err != nil {
		t.Fatalf("admit after window slide: %v", err)
	}
}

func TestCommandRateLimit(t *testing.T) {
	l := NewLimiter(Limits{MaxConcurrentSessions: 2, SessionsPerHour: 50, CommandsPerMinute: 3, MaxConcurrentChannels: 3})
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.AdmitCommand("c1"); err != nil {
			t.Fatalf("command %d: %v", i, err)
		}
	}
	if err := l.AdmitCommand("c1"); !types.IsTooManyRequests(err) {
		t.Fatalf("expected rejection, got %v", err)
	}

	now = now.Add(time.Minute + time.Second)
	if err := l.AdmitCommand("c1"); err != nil {
		t.Fatalf("command after window slide: %v", err)
	}
}

func TestChannelLimit(t *testing.T) {
	l := NewLimiter(testLimits())

	for i := 0; i < 3; i++ {
		if err := l.AdmitChannel("c1", fmt.Sprintf("ch%d", i)); err != nil {
			t.Fatalf("channel %d: %v", i, err)
		}
	}
	if err := l.AdmitChannel("c1", "ch3"); !types.IsTooManyRequests(err) {
		t.Fatalf("expected rejection, got %v", err)
	}

	l.ReleaseChannel("c1", "ch0")
	if err := l.AdmitChannel("c1", "ch3"); err != nil {
		t.Fatalf("channel after release: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	l := NewLimiter(testLimits())

	if err := l.AdmitSessionCreate("c1", "s1"); err != nil {
		t.Fatal(err)
	}
	l.ReleaseSession("c1", "s1")
	l.ReleaseSession("c1", "s1")
	l.ReleaseSession("c1", "never-existed")

	// Both slots must be free.
	if err := l.AdmitSessionCreate("c1", "s2"); err != nil {
		t.Fatal(err)
	}
	if err := l.AdmitSessionCreate("c1", "s3"); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	l := NewLimiter(testLimits())

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := l.AdmitSessionCreate("c1", fmt.Sprintf("s%d", i)); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted > 2 {
		t.Errorf("admitted %d concurrent sessions, limit is 2", admitted)
	}

	status, err := l.Status("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(status.ActiveSessions) > 2 {
		t.Errorf("tracking shows %d active sessions", len(status.ActiveSessions))
	}
}

func TestDevelopmentModeBypassesButCounts(t *testing.T) {
	limits := testLimits()
	limits.DevelopmentMode = true
	l := NewLimiter(limits)

	for i := 0; i < 10; i++ {
		if err := l.AdmitSessionCreate("c1", fmt.Sprintf("s%d", i)); err != nil {
			t.Fatalf("development mode must admit, got %v", err)
		}
	}

	status, err := l.Status("c1")
	if err != nil {
		t.Fatal(err)
	}
	if status.SessionCount != 10 {
		t.Errorf("counters must still be maintained, got %d", status.SessionCount)
	}
}

func TestResetThenAdmitSucceeds(t *testing.T) {
	l := NewLimiter(testLimits())

	_ = l.AdmitSessionCreate("c1", "s1")
	_ = l.AdmitSessionCreate("c1", "s2")
	if err := l.AdmitSessionCreate("c1", "s3"); err == nil {
		t.Fatal("expected rejection before reset")
	}

	if err := l.Reset("c1"); err != nil {
		t.Fatal(err)
	}
	if err := l.AdmitSessionCreate("c1", "s3"); err != nil {
		t.Fatalf("admit after reset: %v", err)
	}
}

func TestResetUnknownClient(t *testing.T) {
	l := NewLimiter(testLimits())
	if err := l.Reset("ghost"); !types.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestAdjustPreservesConcurrencySets(t *testing.T) {
	l := NewLimiter(testLimits())

	_ = l.AdmitSessionCreate("c1", "s1")
	_ = l.AdmitChannel("c1", "ch1")

	view, err := l.Adjust("c1")
	if err != nil {
		t.Fatal(err)
	}
	if view.SessionCount != 0 {
		t.Errorf("session counter not reset: %d", view.SessionCount)
	}
	if len(view.ActiveSessions) != 1 || len(view.ActiveChannels) != 1 {
		t.Error("adjust must not touch live concurrency sets")
	}
}

func TestIdleClientsArePruned(t *testing.T) {
	l := NewLimiter(testLimits())
	now := time.Now()
	l.now = func() time.Time { return now }

	_ = l.AdmitSessionCreate("c1", "s1")
	now = now.Add(2 * time.Hour)
	l.ReleaseSession("c1", "s1")

	if l.ActiveClients() != 0 {
		t.Errorf("idle client not pruned, %d remain", l.ActiveClients())
	}
}
