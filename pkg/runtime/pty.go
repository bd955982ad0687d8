package runtime

import (
	"context"
	"net"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"

	bt "github.com/cuemby/burrow/pkg/types"
)

// PTYOptions controls the interactive shell spawned inside a sandbox.
type PTYOptions struct {
	Shell string
	User  string
	Cols  uint
	Rows  uint
	Env   []string
}

func (o *PTYOptions) fillDefaults() {
	if o.Shell == "" {
		o.Shell = "/bin/bash"
	}
	if o.User == "" {
		o.User = sandboxUser
	}
	if o.Cols == 0 {
		o.Cols = 80
	}
	if o.Rows == 0 {
		o.Rows = 24
	}
	if len(o.Env) == 0 {
		o.Env = []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"HOME=" + sandboxWorkDir,
			"LANG=C.UTF-8",
			"TERM=xterm-256color",
		}
	}
}

// PTYSession is one pseudo-terminal pipeline into a sandbox container:
// an exec task running an interactive shell with a TTY, exposed as a raw
// byte stream plus terminal control.
type PTYSession struct {
	client APIClient
	execID string
	conn   net.Conn
	hijack types.HijackedResponse
}

// AttachPTY spawns an interactive shell inside the container with a TTY
// of the requested initial size and returns the attached session.
func (m *Manager) AttachPTY(ctx context.Context, containerID string, opts PTYOptions) (*PTYSession, error) {
	opts.fillDefaults()

	exec, err := m.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         opts.User,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          opts.Env,
		WorkingDir:   sandboxWorkDir,
		Cmd:          []string{opts.Shell},
		ConsoleSize:  &[2]uint{opts.Rows, opts.Cols},
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, bt.NotFoundf("container %s not found", shortID(containerID))
		}
		return nil, bt.Wrap(bt.CodeStreamAttachFailed, err, "creating shell exec in %s", shortID(containerID))
	}

	hijack, err := m.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: &[2]uint{opts.Rows, opts.Cols},
	})
	if err != nil {
		return nil, bt.Wrap(bt.CodeStreamAttachFailed, err, "attaching shell exec in %s", shortID(containerID))
	}

	return &PTYSession{
		client: m.client,
		execID: exec.ID,
		conn:   hijack.Conn,
		hijack: hijack,
	}, nil
}

// Read reads raw PTY output. With a TTY the stream is not multiplexed.
func (p *PTYSession) Read(buf []byte) (int, error) {
	return p.hijack.Reader.Read(buf)
}

// Write writes bytes to the PTY master (shell stdin).
func (p *PTYSession) Write(data []byte) (int, error) {
	return p.conn.Write(data)
}

// Resize updates the PTY window size.
func (p *PTYSession) Resize(ctx context.Context, rows, cols uint) error {
	err := p.client.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Height: rows,
		Width:  cols,
	})
	if err != nil {
		return bt.Wrap(bt.CodeOperationFailed, err, "resizing pty")
	}
	return nil
}

// Running reports whether the shell process is still alive. Errors
// degrade to false.
func (p *PTYSession) Running(ctx context.Context) bool {
	inspect, err := p.client.ContainerExecInspect(ctx, p.execID)
	if err != nil {
		return false
	}
	return inspect.Running
}

// Close tears down the attached stream. The shell receives EOF on stdin
// and exits on its own; the container keeps running.
func (p *PTYSession) Close() error {
	p.hijack.Close()
	return nil
}
