package terminal

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// readBufSize is the PTY read chunk size.
	readBufSize = 4096

	// initQuietPeriod is how long the PTY must stay silent before the
	// init phase is considered settled.
	initQuietPeriod = 500 * time.Millisecond

	// initPollInterval is how often the init waiter re-checks quiescence.
	initPollInterval = 100 * time.Millisecond
)

// Channel is the duplex, ordered, message-oriented transport to the
// client. pkg/api implements it over WebSocket; tests use an in-memory
// pair.
type Channel interface {
	// ReadMessage blocks for the next client frame.
	ReadMessage() ([]byte, error)
	// WriteText sends a UTF-8 text frame to the client.
	WriteText(data []byte) error
	// CloseNormal closes the channel with a normal-closure code.
	CloseNormal(reason string) error
	Close() error
}

// PTY is the pseudo-terminal pipeline into the sandbox, implemented by
// runtime.PTYSession.
type PTY interface {
	io.Reader
	io.Writer
	Resize(ctx context.Context, rows, cols uint) error
	Close() error
}

// Hooks let the owning layers observe transport traffic without the
// transport knowing about sessions or rate limits.
type Hooks struct {
	// OnInbound fires for every client frame delivered to the PTY.
	OnInbound func(bytes int)
	// OnOutbound fires for every PTY chunk (delivered or gated).
	OnOutbound func(bytes int)
	// AdmitCommand gates each inbound client frame. A non-nil error
	// drops the frame and sends an error control message.
	AdmitCommand func() error
	// OnInitDone fires once per init phase with its outcome.
	OnInitDone func(success bool)
}

// Transport owns one session's bridge between the client channel and the
// container PTY. Each direction runs in its own goroutine; the first
// failure cancels the other and cleanup runs exactly once.
type Transport struct {
	sessionID string
	pty       PTY
	ch        Channel
	hooks     Hooks
	logger    zerolog.Logger

	// silent gates outbound PTY bytes during init.
	silent atomic.Bool
	// initActive serializes init phases; a second init is rejected
	// while one is running.
	initActive atomic.Bool
	// lastOutput is the unix-nano timestamp of the last PTY chunk,
	// used by the init waiter to detect quiescence.
	lastOutput atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// NewTransport wires a channel to a PTY for one session.
func NewTransport(sessionID string, pty PTY, ch Channel, hooks Hooks) *Transport {
	return &Transport{
		sessionID: sessionID,
		pty:       pty,
		ch:        ch,
		hooks:     hooks,
		logger:    log.WithComponent("terminal").With().Str("session_id", sessionID).Logger(),
		done:      make(chan struct{}),
	}
}

// SetSilent sets or clears the silent gate. While set, outbound PTY
// bytes are discarded; inbound writes are unaffected.
func (t *Transport) SetSilent(on bool) {
	t.silent.Store(on)
}

// Silent reports the gate state.
func (t *Transport) Silent() bool {
	return t.silent.Load()
}

// Done is closed when the bridge has shut down.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Run bridges both directions until the context is cancelled, the client
// disconnects, or the shell exits. It blocks and always returns after
// cleanup has run.
func (t *Transport) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() { errCh <- t.outboundLoop(ctx) }()
	go func() { errCh <- t.inboundLoop(ctx) }()

	var first error
	select {
	case first = <-errCh:
	case <-ctx.Done():
		first = ctx.Err()
	}

	// Cancel the peer loop and unblock its I/O.
	cancel()
	t.shutdown(first)
	<-errCh

	if first == io.EOF || first == nil {
		return nil
	}
	return first
}

// shutdown closes the PTY and the channel exactly once. A shell exit
// (EOF from the PTY) produces a normal channel closure.
func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		if cause == io.EOF {
			t.logger.Info().Msg("shell exited, closing channel")
			_ = t.ch.CloseNormal("shell exited")
		} else {
			_ = t.ch.Close()
		}
		_ = t.pty.Close()
		close(t.done)
	})
}

// outboundLoop pumps PTY output to the channel in emission order.
func (t *Transport) outboundLoop(ctx context.Context) error {
	buf := make([]byte, readBufSize)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			t.lastOutput.Store(time.Now().UnixNano())
			if t.hooks.OnOutbound != nil {
				t.hooks.OnOutbound(n)
			}
			if !t.silent.Load() {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				if werr := t.ch.WriteText(chunk); werr != nil {
					return types.Wrap(types.CodeWriteFailed, werr, "writing to channel")
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return types.Wrap(types.CodeSocketClosed, err, "reading from pty")
		}
	}
}

// inboundLoop pumps client frames to the PTY in arrival order.
func (t *Transport) inboundLoop(ctx context.Context) error {
	for {
		raw, err := t.ch.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return types.Wrap(types.CodeSocketClosed, err, "reading from channel")
		}

		if t.hooks.AdmitCommand != nil {
			if aerr := t.hooks.AdmitCommand(); aerr != nil {
				t.sendError(aerr.Error())
				continue
			}
		}

		msg := ParseClientMessage(raw)
		switch msg.Type {
		case MessageInput:
			if msg.Data == "" {
				continue
			}
			if t.hooks.OnInbound != nil {
				t.hooks.OnInbound(len(msg.Data))
			}
			if _, werr := t.pty.Write([]byte(msg.Data)); werr != nil {
				return types.Wrap(types.CodeWriteFailed, werr, "writing to pty")
			}

		case MessageResize:
			if msg.Rows == 0 || msg.Cols == 0 {
				t.sendError("resize requires positive rows and cols")
				continue
			}
			if rerr := t.pty.Resize(ctx, msg.Rows, msg.Cols); rerr != nil {
				t.logger.Warn().Err(rerr).Msg("pty resize failed")
				t.sendError("resize failed")
			}

		case MessageInit:
			timeout := time.Duration(msg.Timeout) * time.Millisecond
			go func(commands []string) {
				_ = t.RunInit(ctx, commands, timeout)
			}(msg.Commands)
		}
	}
}

// RunInit executes init commands behind the silent gate: outbound PTY
// bytes are discarded until the shell settles or the timeout fires, then
// the gate clears and an initComplete control message is sent. Returns
// nil on success.
func (t *Transport) RunInit(ctx context.Context, commands []string, timeout time.Duration) error {
	if !t.initActive.CompareAndSwap(false, true) {
		t.sendError("init already in progress")
		return types.E(types.CodeInvalidMessage, "init already in progress")
	}
	defer t.initActive.Store(false)

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	t.SetSilent(true)
	defer t.SetSilent(false)

	var failure string
	for _, cmd := range commands {
		if _, err := t.pty.Write([]byte(cmd + "\n")); err != nil {
			failure = "writing init command failed"
			break
		}
	}

	if failure == "" && !t.waitQuiet(ctx, timeout) {
		failure = "init timed out"
	}

	if t.hooks.OnInitDone != nil {
		t.hooks.OnInitDone(failure == "")
	}

	result := InitCompleteMessage{Type: MessageInitComplete, Success: failure == ""}
	if failure != "" {
		result.Error = failure
	}
	if err := t.ch.WriteText(marshalControl(result)); err != nil {
		return types.Wrap(types.CodeWriteFailed, err, "sending initComplete")
	}

	if failure != "" {
		t.logger.Warn().Str("error", failure).Msg("init phase failed")
		return types.E(types.CodeOperationFailed, "%s", failure)
	}
	t.logger.Debug().Int("commands", len(commands)).Msg("init phase complete")
	return nil
}

// waitQuiet blocks until the PTY has produced no output for
// initQuietPeriod, or returns false when deadline or ctx expires first.
func (t *Transport) waitQuiet(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	// Settle floor: give the shell a beat to start echoing before
	// sampling quiescence.
	t.lastOutput.Store(time.Now().UnixNano())

	ticker := time.NewTicker(initPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.done:
			return false
		case now := <-ticker.C:
			if now.After(deadline) {
				return false
			}
			last := time.Unix(0, t.lastOutput.Load())
			if now.Sub(last) >= initQuietPeriod {
				return true
			}
		}
	}
}

// SendConnected emits the post-attach control frame.
func (t *Transport) SendConnected(environment string) error {
	msg := ConnectedMessage{Type: MessageConnected, SessionID: t.sessionID, Environment: environment}
	if err := t.ch.WriteText(marshalControl(msg)); err != nil {
		return types.Wrap(types.CodeWriteFailed, err, "sending connected")
	}
	return nil
}

// Resize applies an initial or out-of-band window size.
func (t *Transport) Resize(ctx context.Context, rows, cols uint) error {
	return t.pty.Resize(ctx, rows, cols)
}

func (t *Transport) sendError(message string) {
	msg := ErrorMessage{Type: MessageError, Message: message}
	if err := t.ch.WriteText(marshalControl(msg)); err != nil {
		t.logger.Debug().Err(err).Msg("dropping error frame")
	}
}
