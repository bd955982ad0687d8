package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	bt "github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultSocketPath is the default runtime daemon socket.
	DefaultSocketPath = "unix:///var/run/docker.sock"

	// Sandbox hardening defaults. These are authoritative; callers may
	// tighten but never relax them.
	sandboxUser       = "1000:1000"
	sandboxWorkDir    = "/tmp/work"
	sandboxTmpfsOpts  = "rw,size=64m"
	sandboxMemLimit   = 256 * 1024 * 1024
	sandboxNanoCPUs   = 500_000_000 // half a core
	sandboxPidsLimit  = int64(64)
	sandboxStopGrace  = 5 * time.Second
	secureRuntimeName = "runsc"
)

// APIClient is the slice of the Docker Engine client the manager uses.
// *client.Client satisfies it; tests substitute a fake.
type APIClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageRef string) (image.InspectResponse, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRestart(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// Manager is the single collaborator with the container runtime daemon.
// All sandbox containers it creates carry the service label and the
// hardening set; all listings are restricted to that label.
type Manager struct {
	client APIClient

	// SecureRuntime selects the runsc runtime class when available on
	// the host. Set at construction, read-only afterwards.
	secureRuntime bool
}

// NewManager connects to the runtime daemon at socketPath and verifies
// it is reachable.
func NewManager(ctx context.Context, socketPath string, secureRuntime bool) (*Manager, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	cli, err := client.NewClientWithOpts(
		client.WithHost(socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, bt.Wrap(bt.CodeDaemonUnavailable, err, "creating runtime client")
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, bt.Wrap(bt.CodeDaemonUnavailable, err, "runtime daemon unreachable at %s", socketPath)
	}

	return &Manager{client: cli, secureRuntime: secureRuntime}, nil
}

// NewManagerWithClient wires an existing API client (tests).
func NewManagerWithClient(cli APIClient, secureRuntime bool) *Manager {
	return &Manager{client: cli, secureRuntime: secureRuntime}
}

// Close releases the daemon connection.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// ImageExists reports whether the image is present on the host.
func (m *Manager) ImageExists(ctx context.Context, imageRef string) (bool, error) {
	_, _, err := m.client.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		return false, bt.Wrap(bt.CodeDaemonUnavailable, err, "inspecting image %s", imageRef)
	}
	return true, nil
}

// SandboxSpec describes the container to create for a session.
type SandboxSpec struct {
	SessionID   string
	Environment string
	Image       string
	ToolPair    string
	Env         []string
}

// ContainerName derives the human-readable container name
// <prefix>-<env>-<sessionId8>.
func (s SandboxSpec) ContainerName() string {
	id := s.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s-%s", bt.ServicePrefix, s.Environment, id)
}

// Create creates a hardened sandbox container and returns its id. The
// container is not started.
//
// Hardening applied to every create: read-only root filesystem, all
// capabilities dropped, no network namespace, memory/CPU/PID caps,
// no-new-privileges, a small writable tmpfs working directory, and the
// runsc runtime when enabled.
func (m *Manager) Create(ctx context.Context, spec SandboxSpec) (string, error) {
	if spec.SessionID == "" || spec.Image == "" || spec.Environment == "" {
		return "", bt.InvalidRequestf("sandbox spec incomplete: session=%q image=%q env=%q",
			spec.SessionID, spec.Image, spec.Environment)
	}

	labels := map[string]string{
		bt.ServiceLabel:     bt.ServicePrefix,
		bt.LabelSessionID:   spec.SessionID,
		bt.LabelEnvironment: spec.Environment,
		bt.LabelCreatedAt:   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if spec.ToolPair != "" {
		labels[bt.LabelToolPair] = spec.ToolPair
	}

	env := append([]string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + sandboxWorkDir,
		"LANG=C.UTF-8",
	}, spec.Env...)

	cfg := &container.Config{
		Image:      spec.Image,
		User:       sandboxUser,
		WorkingDir: sandboxWorkDir,
		Env:        env,
		Labels:     labels,
		Hostname:   "sandbox",
		// The root process only holds the container open; shells are
		// spawned per attach as exec tasks.
		Cmd: strslice.StrSlice{"sleep", "infinity"},
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode("none"),
		ReadonlyRootfs: true,
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs:          map[string]string{sandboxWorkDir: sandboxTmpfsOpts},
		Resources: container.Resources{
			Memory:    sandboxMemLimit,
			NanoCPUs:  sandboxNanoCPUs,
			PidsLimit: ptrInt64(sandboxPidsLimit),
		},
	}
	if m.secureRuntime {
		hostCfg.Runtime = secureRuntimeName
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.ContainerName())
	if err != nil {
		if errdefs.IsInvalidParameter(err) {
			return "", bt.Wrap(bt.CodeInvalidRequest, err, "creating container")
		}
		return "", bt.Wrap(bt.CodeContainerFailed, err, "creating container for session %s", spec.SessionID)
	}
	return resp.ID, nil
}

// Start starts a created container.
func (m *Manager) Start(ctx context.Context, id string) error {
	if err := m.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return bt.NotFoundf("container %s not found", shortID(id))
		}
		return bt.Wrap(bt.CodeContainerFailed, err, "starting container %s", shortID(id))
	}
	return nil
}

// Stop sends a graceful stop, escalating to SIGKILL after grace.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	if grace <= 0 {
		grace = sandboxStopGrace
	}
	secs := int(grace.Seconds())
	err := m.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return bt.NotFoundf("container %s not found", shortID(id))
		}
		return bt.Wrap(bt.CodeOperationFailed, err, "stopping container %s", shortID(id))
	}
	return nil
}

// Remove deletes a container. NotFound is swallowed so removal is
// idempotent.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	err := m.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		if errdefs.IsConflict(err) {
			return bt.Wrap(bt.CodeOperationFailed, err, "container %s is running, use force", shortID(id))
		}
		return bt.Wrap(bt.CodeOperationFailed, err, "removing container %s", shortID(id))
	}
	return nil
}

// Restart restarts a container with the default grace period.
func (m *Manager) Restart(ctx context.Context, id string) error {
	secs := int(sandboxStopGrace.Seconds())
	err := m.client.ContainerRestart(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return bt.NotFoundf("container %s not found", shortID(id))
		}
		return bt.Wrap(bt.CodeOperationFailed, err, "restarting container %s", shortID(id))
	}
	return nil
}

// Inspect returns the container view, without a stats sample.
func (m *Manager) Inspect(ctx context.Context, id string) (bt.ContainerInfo, error) {
	resp, err := m.client.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return bt.ContainerInfo{}, bt.NotFoundf("container %s not found", shortID(id))
		}
		return bt.ContainerInfo{}, bt.Wrap(bt.CodeDaemonUnavailable, err, "inspecting container %s", shortID(id))
	}
	return infoFromInspect(resp), nil
}

// IsRunning reports whether the container is currently running. Errors
// degrade to false.
func (m *Manager) IsRunning(ctx context.Context, id string) bool {
	info, err := m.Inspect(ctx, id)
	if err != nil {
		return false
	}
	return info.Status == bt.StatusRunning
}

// Stats takes a one-shot resource usage sample.
func (m *Manager) Stats(ctx context.Context, id string) (bt.ContainerStats, error) {
	reader, err := m.client.ContainerStatsOneShot(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return bt.ContainerStats{}, bt.NotFoundf("container %s not found", shortID(id))
		}
		return bt.ContainerStats{}, bt.Wrap(bt.CodeOperationFailed, err, "sampling stats for %s", shortID(id))
	}
	defer reader.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&raw); err != nil {
		return bt.ContainerStats{}, bt.Wrap(bt.CodeOperationFailed, err, "decoding stats for %s", shortID(id))
	}

	return bt.ContainerStats{
		CPUPercent:  cpuPercent(&raw),
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}, nil
}

// Logs returns the last tailN lines of the container's output.
func (m *Manager) Logs(ctx context.Context, id string, tailN int) (string, error) {
	if tailN < 0 {
		return "", bt.InvalidRequestf("tail must be non-negative, got %d", tailN)
	}

	rc, err := m.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailN),
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", bt.NotFoundf("container %s not found", shortID(id))
		}
		return "", bt.Wrap(bt.CodeOperationFailed, err, "fetching logs for %s", shortID(id))
	}
	defer rc.Close()

	// Sandbox containers run without a TTY, so the log stream is
	// multiplexed and needs demuxing.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", bt.Wrap(bt.CodeOperationFailed, err, "reading logs for %s", shortID(id))
	}
	if stderr.Len() > 0 {
		stdout.Write(stderr.Bytes())
	}
	return stdout.String(), nil
}

// List returns the service's containers matching the filter.
func (m *Manager) List(ctx context.Context, filter bt.ContainerFilter) ([]bt.ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", bt.ServiceLabel+"="+bt.ServicePrefix))
	if filter.Environment != "" {
		args.Add("label", bt.LabelEnvironment+"="+filter.Environment)
	}
	if filter.ToolPair != "" {
		args.Add("label", bt.LabelToolPair+"="+filter.ToolPair)
	}
	if filter.Status != "" {
		args.Add("status", string(filter.Status))
	}

	summaries, err := m.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, bt.Wrap(bt.CodeDaemonUnavailable, err, "listing containers")
	}

	out := make([]bt.ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		info := infoFromSummary(s)
		if !filter.OlderThan.IsZero() && !info.CreatedAt.Before(filter.OlderThan) {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func infoFromSummary(s container.Summary) bt.ContainerInfo {
	name := ""
	if len(s.Names) > 0 {
		name = strings.TrimPrefix(s.Names[0], "/")
	}
	return bt.ContainerInfo{
		ID:          s.ID,
		Name:        name,
		Image:       s.Image,
		Status:      mapStatus(s.State),
		CreatedAt:   time.Unix(s.Created, 0).UTC(),
		SessionID:   s.Labels[bt.LabelSessionID],
		Environment: s.Labels[bt.LabelEnvironment],
		ToolPair:    s.Labels[bt.LabelToolPair],
	}
}

func infoFromInspect(resp container.InspectResponse) bt.ContainerInfo {
	info := bt.ContainerInfo{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		info.Image = resp.Config.Image
		info.SessionID = resp.Config.Labels[bt.LabelSessionID]
		info.Environment = resp.Config.Labels[bt.LabelEnvironment]
		info.ToolPair = resp.Config.Labels[bt.LabelToolPair]
	}
	if created, err := time.Parse(time.RFC3339Nano, resp.Created); err == nil {
		info.CreatedAt = created
	}
	if resp.State != nil {
		info.Status = mapStatus(resp.State.Status)
		if started, err := time.Parse(time.RFC3339Nano, resp.State.StartedAt); err == nil && !started.IsZero() {
			info.StartedAt = &started
		}
	}
	return info
}

func mapStatus(state string) bt.ContainerStatus {
	switch state {
	case "created":
		return bt.StatusCreated
	case "restarting":
		return bt.StatusRestarting
	case "running":
		return bt.StatusRunning
	case "paused":
		return bt.StatusPaused
	case "exited":
		return bt.StatusExited
	case "dead":
		return bt.StatusDead
	default:
		return bt.StatusStopped
	}
}

func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	online := float64(s.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if online == 0 {
		online = 1
	}
	return cpuDelta / sysDelta * online * 100.0
}

func ptrInt64(v int64) *int64 { return &v }

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
