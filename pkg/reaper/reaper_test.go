package reaper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

type fakeSessions struct {
	mu       sync.Mutex
	owned    map[string]bool
	cleanups int
}

func (f *fakeSessions) Cleanup(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
}

func (f *fakeSessions) Owner(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owned[sessionID]
}

type fakeContainers struct {
	mu      sync.Mutex
	listed  []types.ContainerInfo
	listErr error
	removed []string
	failID  string
}

func (f *fakeContainers) List(ctx context.Context, filter types.ContainerFilter) ([]types.ContainerInfo, error) {
	return f.listed, f.listErr
}

func (f *fakeContainers) Remove(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == f.failID {
		return errors.New("remove refused")
	}
	f.removed = append(f.removed, id)
	return nil
}

func container(id, sessionID string, status types.ContainerStatus, age time.Duration, now time.Time) types.ContainerInfo {
	return types.ContainerInfo{
		ID:        id,
		SessionID: sessionID,
		Status:    status,
		CreatedAt: now.Add(-age),
	}
}

func TestSweepRemovesExpiredOrphans(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{owned: map[string]bool{"live": true}}
	containers := &fakeContainers{listed: []types.ContainerInfo{
		container("c-live", "live", types.StatusRunning, 2*time.Hour, now),
		container("c-orphan-old", "gone", types.StatusRunning, 2*time.Hour, now),
		container("c-orphan-young", "gone2", types.StatusRunning, time.Minute, now),
	}}

	r := New(sessions, containers, Config{MaxContainerAge: time.Hour})
	r.now = func() time.Time { return now }

	result := r.Sweep(context.Background())

	if result.OrphansRemoved != 1 {
		t.Fatalf("removed %d, want 1", result.OrphansRemoved)
	}
	if len(containers.removed) != 1 || containers.removed[0] != "c-orphan-old" {
		t.Errorf("removed %v, want only the expired orphan", containers.removed)
	}
	if sessions.cleanups != 1 {
		t.Errorf("session cleanup ran %d times, want 1", sessions.cleanups)
	}
}

func TestSweepRemovesDeadOrphansRegardlessOfAge(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{owned: map[string]bool{}}
	containers := &fakeContainers{listed: []types.ContainerInfo{
		container("c-exited", "", types.StatusExited, time.Minute, now),
		container("c-dead", "", types.StatusDead, time.Minute, now),
	}}

	r := New(sessions, containers, Config{MaxContainerAge: time.Hour})
	r.now = func() time.Time { return now }

	result := r.Sweep(context.Background())
	if result.OrphansRemoved != 2 {
		t.Errorf("removed %d, want 2", result.OrphansRemoved)
	}
}

func TestSweepSparesOwnedContainers(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{owned: map[string]bool{"live": true}}
	containers := &fakeContainers{listed: []types.ContainerInfo{
		container("c1", "live", types.StatusExited, 2*time.Hour, now),
	}}

	r := New(sessions, containers, Config{MaxContainerAge: time.Hour})
	r.now = func() time.Time { return now }

	if result := r.Sweep(context.Background()); result.OrphansRemoved != 0 {
		t.Errorf("owned container removed, result %+v", result)
	}
}

func TestSweepCountsPerItemErrors(t *testing.T) {
	now := time.Now()
	sessions := &fakeSessions{owned: map[string]bool{}}
	containers := &fakeContainers{
		failID: "c-bad",
		listed: []types.ContainerInfo{
			container("c-bad", "", types.StatusDead, time.Minute, now),
			container("c-good", "", types.StatusDead, time.Minute, now),
		},
	}

	r := New(sessions, containers, Config{MaxContainerAge: time.Hour})
	r.now = func() time.Time { return now }

	result := r.Sweep(context.Background())
	if result.Errors != 1 {
		t.Errorf("errors = %d, want 1", result.Errors)
	}
	// The failing item must not stop the sweep.
	if result.OrphansRemoved != 1 {
		t.Errorf("removed = %d, want 1", result.OrphansRemoved)
	}
}

func TestSweepSurvivesListFailure(t *testing.T) {
	sessions := &fakeSessions{owned: map[string]bool{}}
	containers := &fakeContainers{listErr: errors.New("daemon down")}

	r := New(sessions, containers, Config{})
	result := r.Sweep(context.Background())
	if result.Errors != 1 {
		t.Errorf("errors = %d, want 1", result.Errors)
	}
}
