package runtime

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	bt "github.com/cuemby/burrow/pkg/types"
)

// fakeAPI records calls and returns canned answers.
type fakeAPI struct {
	created struct {
		config   *container.Config
		hostCfg  *container.HostConfig
		name     string
		response container.CreateResponse
		err      error
	}
	removed      []string
	removeErr    error
	stopped      []string
	listSummary  []container.Summary
	images       map[string]bool
	execCreated  []container.ExecOptions
	execResponse container.ExecCreateResponse
	hijackConn   net.Conn
}

func (f *fakeAPI) Ping(ctx context.Context) (types.Ping, error) { return types.Ping{}, nil }

func (f *fakeAPI) ImageInspectWithRaw(ctx context.Context, ref string) (image.InspectResponse, []byte, error) {
	if f.images[ref] {
		return image.InspectResponse{}, nil, nil
	}
	return image.InspectResponse{}, nil, errdefs.NotFound(io.EOF)
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.created.config = cfg
	f.created.hostCfg = hostCfg
	f.created.name = name
	return f.created.response, f.created.err
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return nil
}

func (f *fakeAPI) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return container.InspectResponse{}, errdefs.NotFound(io.EOF)
}

func (f *fakeAPI) ContainerList(ctx context.Context, opts container.ListOptions) ([]container.Summary, error) {
	return f.listSummary, nil
}

func (f *fakeAPI) ContainerStatsOneShot(ctx context.Context, id string) (container.StatsResponseReader, error) {
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader("{}"))}, nil
}

func (f *fakeAPI) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (f *fakeAPI) ContainerRestart(ctx context.Context, id string, opts container.StopOptions) error {
	return nil
}

func (f *fakeAPI) ContainerExecCreate(ctx context.Context, id string, opts container.ExecOptions) (container.ExecCreateResponse, error) {
	f.execCreated = append(f.execCreated, opts)
	return f.execResponse, nil
}

func (f *fakeAPI) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecAttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{
		Conn:   f.hijackConn,
		Reader: bufio.NewReader(f.hijackConn),
	}, nil
}

func (f *fakeAPI) ContainerExecResize(ctx context.Context, execID string, opts container.ResizeOptions) error {
	return nil
}

func (f *fakeAPI) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{Running: true}, nil
}

func (f *fakeAPI) Close() error { return nil }

func TestCreateAppliesHardening(t *testing.T) {
	fake := &fakeAPI{}
	fake.created.response = container.CreateResponse{ID: "abc123"}
	m := NewManagerWithClient(fake, false)

	spec := SandboxSpec{
		SessionID:   "11112222-3333-4444-5555-666677778888",
		Environment: "bash",
		Image:       "burrow/env-bash:latest",
		ToolPair:    "git-github",
	}

	id, err := m.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id != "abc123" {
		t.Errorf("unexpected id %q", id)
	}

	if fake.created.name != "burrow-bash-11112222" {
		t.Errorf("unexpected container name %q", fake.created.name)
	}

	cfg := fake.created.config
	if cfg.User != "1000:1000" {
		t.Errorf("container must run non-root, got user %q", cfg.User)
	}
	labels := cfg.Labels
	if labels[bt.ServiceLabel] != bt.ServicePrefix {
		t.Error("service label missing")
	}
	if labels[bt.LabelSessionID] != spec.SessionID {
		t.Error("session id label missing")
	}
	if labels[bt.LabelToolPair] != "git-github" {
		t.Error("tool pair label missing")
	}
	if labels[bt.LabelCreatedAt] == "" {
		t.Error("createdAt label missing")
	}

	hc := fake.created.hostCfg
	if !hc.ReadonlyRootfs {
		t.Error("root filesystem must be read-only")
	}
	if hc.NetworkMode != "none" {
		t.Errorf("network namespace must be none, got %q", hc.NetworkMode)
	}
	if len(hc.CapDrop) != 1 || hc.CapDrop[0] != "ALL" {
		t.Errorf("all capabilities must be dropped, got %v", hc.CapDrop)
	}
	if hc.Resources.PidsLimit == nil || *hc.Resources.PidsLimit <= 0 {
		t.Error("pids limit must be set")
	}
	if hc.Resources.Memory <= 0 {
		t.Error("memory limit must be set")
	}
	if _, ok := hc.Tmpfs["/tmp/work"]; !ok {
		t.Error("writable tmpfs working dir missing")
	}
}

func TestCreateSecureRuntime(t *testing.T) {
	fake := &fakeAPI{}
	fake.created.response = container.CreateResponse{ID: "abc"}
	m := NewManagerWithClient(fake, true)

	_, err := m.Create(context.Background(), SandboxSpec{
		SessionID: "sid", Environment: "bash", Image: "img",
	})
	if err != nil {
		t.Fatal(err)
	}
	if fake.created.hostCfg.Runtime != "runsc" {
		t.Errorf("expected runsc runtime, got %q", fake.created.hostCfg.Runtime)
	}
}

func TestCreateRejectsIncompleteSpec(t *testing.T) {
	m := NewManagerWithClient(&fakeAPI{}, false)

	_, err := m.Create(context.Background(), SandboxSpec{Image: "img"})
	if err == nil {
		t.Fatal("expected error")
	}
	if bt.CodeOf(err) != bt.CodeInvalidRequest {
		t.Errorf("expected InvalidRequest, got %s", bt.CodeOf(err))
	}
}

func TestRemoveIdempotentOverNotFound(t *testing.T) {
	fake := &fakeAPI{removeErr: errdefs.NotFound(io.EOF)}
	m := NewManagerWithClient(fake, false)

	if err := m.Remove(context.Background(), "gone", true); err != nil {
		t.Errorf("remove of missing container must succeed, got %v", err)
	}
}

func TestInspectNotFound(t *testing.T) {
	m := NewManagerWithClient(&fakeAPI{}, false)

	_, err := m.Inspect(context.Background(), "nope")
	if !bt.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestListFiltersOlderThan(t *testing.T) {
	now := time.Now()
	fake := &fakeAPI{listSummary: []container.Summary{
		{ID: "old", Names: []string{"/burrow-bash-1"}, State: "running", Created: now.Add(-2 * time.Hour).Unix()},
		{ID: "new", Names: []string{"/burrow-bash-2"}, State: "running", Created: now.Unix()},
	}}
	m := NewManagerWithClient(fake, false)

	infos, err := m.List(context.Background(), bt.ContainerFilter{OlderThan: now.Add(-time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].ID != "old" {
		t.Errorf("expected only the old container, got %+v", infos)
	}
}

func TestLogsRejectsNegativeTail(t *testing.T) {
	m := NewManagerWithClient(&fakeAPI{}, false)

	_, err := m.Logs(context.Background(), "id", -1)
	if bt.CodeOf(err) != bt.CodeInvalidRequest {
		t.Errorf("expected InvalidRequest, got %v", err)
	}
}

func TestImageExists(t *testing.T) {
	fake := &fakeAPI{images: map[string]bool{"present:latest": true}}
	m := NewManagerWithClient(fake, false)

	ok, err := m.ImageExists(context.Background(), "present:latest")
	if err != nil || !ok {
		t.Errorf("expected present image, ok=%v err=%v", ok, err)
	}

	ok, err = m.ImageExists(context.Background(), "absent:latest")
	if err != nil || ok {
		t.Errorf("expected absent image without error, ok=%v err=%v", ok, err)
	}
}

func TestAttachPTYDefaults(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	fake := &fakeAPI{hijackConn: client}
	fake.execResponse = container.ExecCreateResponse{ID: "exec1"}
	m := NewManagerWithClient(fake, false)

	pty, err := m.AttachPTY(context.Background(), "cid", PTYOptions{})
	if err != nil {
		t.Fatalf("AttachPTY: %v", err)
	}
	defer pty.Close()

	if len(fake.execCreated) != 1 {
		t.Fatalf("expected one exec create, got %d", len(fake.execCreated))
	}
	opts := fake.execCreated[0]
	if !opts.Tty {
		t.Error("exec must request a TTY")
	}
	if opts.Cmd[0] != "/bin/bash" {
		t.Errorf("expected default shell, got %v", opts.Cmd)
	}
	if opts.ConsoleSize == nil || opts.ConsoleSize[0] != 24 || opts.ConsoleSize[1] != 80 {
		t.Errorf("expected 80x24 default size, got %v", opts.ConsoleSize)
	}
	if opts.User != "1000:1000" {
		t.Errorf("shell must run as sandbox user, got %q", opts.User)
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]bt.ContainerStatus{
		"created":    bt.StatusCreated,
		"running":    bt.StatusRunning,
		"paused":     bt.StatusPaused,
		"exited":     bt.StatusExited,
		"dead":       bt.StatusDead,
		"restarting": bt.StatusRestarting,
		"mystery":    bt.StatusStopped,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestCPUPercent(t *testing.T) {
	var s container.StatsResponse
	s.CPUStats.CPUUsage.TotalUsage = 200
	s.PreCPUStats.CPUUsage.TotalUsage = 100
	s.CPUStats.SystemUsage = 1000
	s.PreCPUStats.SystemUsage = 500
	s.CPUStats.OnlineCPUs = 2

	got := cpuPercent(&s)
	want := 40.0 // 100/500 * 2 * 100
	if got != want {
		t.Errorf("cpuPercent = %f, want %f", got, want)
	}

	var zero container.StatsResponse
	if cpuPercent(&zero) != 0 {
		t.Error("zero stats must yield 0")
	}
}
