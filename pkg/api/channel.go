package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/terminal"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// pingInterval is how often the server pings an idle channel.
	pingInterval = 30 * time.Second
	// pongWait is how long a channel may go without any pong before it
	// is dropped. Browser proxies silently kill idle connections;
	// keepalive makes the drop explicit.
	pongWait = 60 * time.Second

	writeWait = 10 * time.Second

	defaultCols = 80
	defaultRows = 24
)

// wsChannel adapts a WebSocket connection to the terminal.Channel
// interface. Writes are serialized: the bridge, the keepalive pinger,
// and control frames share the connection.
type wsChannel struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsChannel) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, types.Wrap(types.CodeSocketClosed, err, "channel read")
	}
	return data, nil
}

func (c *wsChannel) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return types.Wrap(types.CodeWriteFailed, err, "channel write")
	}
	return nil
}

func (c *wsChannel) CloseNormal(reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *wsChannel) Close() error {
	return c.conn.Close()
}

func (c *wsChannel) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *Server) upgrader() websocket.Upgrader {
	origin := s.cfg.FrontendOrigin
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if origin == "" {
				return true
			}
			return r.Header.Get("Origin") == origin
		},
	}
}

func dimension(r *http.Request, key string, fallback uint) uint {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil || n == 0 {
		return fallback
	}
	return uint(n)
}

// handleChannel upgrades the request and bridges it to the session's
// PTY. Preconditions (session exists, not already attached, channel
// limit) are checked before the upgrade so failures still carry HTTP
// status codes.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("api")
	sessionID := mux.Vars(r)["id"]
	client := clientID(r)

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sess.State != types.SessionReady && sess.State != types.SessionActive {
		writeError(w, types.NotFoundf("session %s is %s", sessionID, sess.State))
		return
	}
	if s.sessions.Attached(sessionID) {
		writeError(w, types.E(types.CodeAlreadyAttached, "session %s already has a live channel", sessionID))
		return
	}

	channelID := uuid.NewString()
	if err := s.rateLimits.AdmitChannel(client, channelID); err != nil {
		metrics.RateLimitRejections.WithLabelValues("channels").Inc()
		writeError(w, err)
		return
	}
	defer s.rateLimits.ReleaseChannel(client, channelID)

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logger.Debug().Err(err).Str("session_id", sessionID).Msg("upgrade failed")
		return
	}

	ch := &wsChannel{conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	cols := dimension(r, "cols", defaultCols)
	rows := dimension(r, "rows", defaultRows)

	done, err := s.sessions.Attach(r.Context(), sessionID, ch, cols, rows)
	if err != nil {
		// Past the upgrade; the failure travels as a control frame.
		frame, _ := json.Marshal(terminal.ErrorMessage{Type: terminal.MessageError, Message: err.Error()})
		_ = ch.WriteText(frame)
		_ = ch.Close()
		return
	}

	pingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ch.ping(); err != nil {
					return
				}
			case <-pingStop:
				return
			}
		}
	}()

	<-done
	close(pingStop)
}
