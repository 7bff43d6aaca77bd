package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"cadence-service/internal/keystroke"
	"cadence-service/internal/logger"
)

const (
	// ackEvery is how many accepted events pass between buffer-size acks.
	ackEvery = 10

	maxMessageBytes = 64 << 10
	writeWait       = 10 * time.Second
	outboundQueue   = 32
)

var upgrader = websocket.Upgrader{
	// Browsers authenticate with the SameSite=Strict token cookie, so a
	// cross-site page cannot open an authenticated socket.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// wsMessage accepts both client envelopes: {type:"keystroke", event_type}
// and the bare event form where type is the key direction.
type wsMessage struct {
	Type        string   `json:"type"`
	Key         string   `json:"key"`
	Timestamp   *float64 `json:"timestamp"`
	Duration    *float64 `json:"duration"`
	EventType   string   `json:"event_type"`
	TextContent string   `json:"text_content"`
	Style       string   `json:"style"`
	UserPrompt  string   `json:"user_prompt"`
}

func (m wsMessage) event() (keystroke.Event, error) {
	kind := m.Type
	if kind == "keystroke" {
		kind = m.EventType
	}
	if m.Timestamp == nil {
		return keystroke.Event{}, fmt.Errorf("%w: timestamp is required", keystroke.ErrValidation)
	}
	return keystroke.Event{
		Key:       m.Key,
		Timestamp: *m.Timestamp,
		Duration:  m.Duration,
		Type:      keystroke.EventType(kind),
	}, nil
}

type ackMessage struct {
	Type       string `json:"type"`
	BufferSize int    `json:"buffer_size"`
}

type analysisMessage struct {
	Type string `json:"type"`
	analysisPayload
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func newErrorMessage(err error) errorMessage {
	status, code := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = ""
	}
	return errorMessage{Type: "error", Code: code, Message: msg}
}

// closeReason is why the server ended an ingest connection.
type closeReason struct {
	code int
	text string

	// endsSession marks closes caused by the session leaving active. Their
	// buffer is discarded even though the connection no longer owns it.
	endsSession bool
}

var (
	closeByClient     = closeReason{code: websocket.CloseNormalClosure}
	closeReplaced     = closeReason{code: websocket.CloseNormalClosure, text: "replaced by a newer connection"}
	closeSessionEnded = closeReason{code: websocket.ClosePolicyViolation, text: "session ended", endsSession: true}
	closeExpired      = closeReason{code: websocket.ClosePolicyViolation, text: "session expired", endsSession: true}
	closeShutdown     = closeReason{code: websocket.CloseGoingAway, text: "server shutting down"}
)

// ingestConn is one WebSocket ingest connection. The handler goroutine
// reads; a single writer goroutine owns every write to the socket.
type ingestConn struct {
	ws        *websocket.Conn
	sessionID string
	expiresAt time.Time
	heartbeat time.Duration
	limiter   *rate.Limiter

	out      chan any
	done     chan struct{}
	shutdown <-chan struct{}
	stopOnce sync.Once
	reason   closeReason // set once, before done is closed
}

func (h *Handler) ingestWebSocket(c *gin.Context) {
	s, ok := currentSessionOrAbort(c)
	if !ok {
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", map[string]any{
			"session_id": s.ID,
			"error":      err,
		})
		return
	}

	conn := &ingestConn{
		ws:        ws,
		sessionID: s.ID,
		expiresAt: s.ExpiresAt,
		heartbeat: h.opts.Heartbeat,
		limiter:   rate.NewLimiter(rate.Limit(h.opts.IngestRate), h.opts.IngestBurst),
		out:       make(chan any, outboundQueue),
		done:      make(chan struct{}),
		shutdown:  h.shutdown,
	}

	h.opts.Metrics.ConnectionOpened()
	logger.Info("ingest connection opened", map[string]any{"session_id": s.ID})

	ctx := c.Request.Context()
	h.claim(conn)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn.writeLoop()
	}()

	defer func() {
		conn.stop()
		wg.Wait()
		_ = ws.Close()
		// A replaced connection leaves the buffer to its successor.
		if h.release(conn) || conn.reason.endsSession {
			// Discard must run even after the request context is done.
			h.ingestor.Discard(context.WithoutCancel(ctx), s.ID)
		}
		h.opts.Metrics.ConnectionClosed()
		logger.Info("ingest connection closed", map[string]any{
			"session_id": s.ID,
			"reason":     conn.reason.text,
		})
	}()

	// The session may have ended between authentication and claim.
	if live, _ := h.sessionLive(ctx, s.ID); !live {
		conn.close(closeSessionEnded)
		return
	}

	h.readLoop(c, conn)
}

// claim makes conn the owner of its session's buffer. A previous
// connection for the same session is closed.
func (h *Handler) claim(conn *ingestConn) {
	h.connsMu.Lock()
	prev := h.conns[conn.sessionID]
	h.conns[conn.sessionID] = conn
	h.connsMu.Unlock()

	if prev != nil {
		logger.Info("ingest connection replaced", map[string]any{"session_id": conn.sessionID})
		prev.close(closeReplaced)
	}
}

// release unregisters conn and reports whether it still owned the buffer.
func (h *Handler) release(conn *ingestConn) bool {
	h.connsMu.Lock()
	defer h.connsMu.Unlock()

	if h.conns[conn.sessionID] != conn {
		return false
	}
	delete(h.conns, conn.sessionID)
	return true
}

// endSession closes the session's ingest connection, if any. It runs as
// a session end hook.
func (h *Handler) endSession(_ context.Context, sessionID, _ string) {
	h.connsMu.Lock()
	conn := h.conns[sessionID]
	delete(h.conns, sessionID)
	h.connsMu.Unlock()

	if conn != nil {
		conn.close(closeSessionEnded)
	}
}

// sessionLive re-reads the session. Errors leave the connection open.
func (h *Handler) sessionLive(ctx context.Context, sessionID string) (bool, error) {
	s, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		logger.Warn("session lookup failed", map[string]any{
			"session_id": sessionID,
			"error":      err,
		})
		return true, err
	}
	return s != nil && s.Active() && !s.Expired(time.Now()), nil
}

func (h *Handler) readLoop(c *gin.Context, conn *ingestConn) {
	ws := conn.ws
	ws.SetReadLimit(maxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(2 * conn.heartbeat))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * conn.heartbeat))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("ingest read ended", map[string]any{
					"session_id": conn.sessionID,
					"error":      err,
				})
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if !conn.send(errorMessage{Type: "error", Code: "validation_error", Message: "malformed message"}) {
				return
			}
			continue
		}

		if !h.handleMessage(c, conn, msg) {
			return
		}
	}
}

// handleMessage processes one client message. It returns false once the
// connection is shutting down.
func (h *Handler) handleMessage(c *gin.Context, conn *ingestConn, msg wsMessage) bool {
	if conn.closing() {
		return false
	}

	switch msg.Type {
	case "analyze":
		live, err := h.sessionLive(c.Request.Context(), conn.sessionID)
		if err != nil {
			return conn.send(errorMessage{Type: "error", Code: "service_unavailable"})
		}
		if !live {
			conn.close(closeSessionEnded)
			return false
		}
		out, err := h.finalize(c, conn.sessionID, analyzeRequest{
			TextContent: msg.TextContent,
			Style:       msg.Style,
			UserPrompt:  msg.UserPrompt,
		})
		if err != nil {
			return conn.send(newErrorMessage(err))
		}
		return conn.send(analysisMessage{Type: "analysis", analysisPayload: out})

	case "keystroke", string(keystroke.EventKeyDown), string(keystroke.EventKeyUp):
		if !conn.limiter.Allow() {
			return conn.send(errorMessage{Type: "error", Code: "rate_limited"})
		}
		e, err := msg.event()
		if err != nil {
			return conn.send(newErrorMessage(err))
		}
		n, err := h.ingestor.Append(c.Request.Context(), conn.sessionID, e)
		if err != nil {
			return conn.send(newErrorMessage(err))
		}
		if n%ackEvery == 0 {
			return conn.send(ackMessage{Type: "ack", BufferSize: n})
		}
		return true

	default:
		return conn.send(errorMessage{Type: "error", Code: "validation_error", Message: "unknown message type"})
	}
}

// send queues v for the writer. It reports false once the connection is
// closing.
func (c *ingestConn) send(v any) bool {
	select {
	case c.out <- v:
		return true
	case <-c.done:
		return false
	}
}

func (c *ingestConn) stop() {
	c.close(closeByClient)
}

// close ends the connection with reason. Only the first call counts.
func (c *ingestConn) close(reason closeReason) {
	c.stopOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *ingestConn) closing() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *ingestConn) writeLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	expiry := time.NewTimer(time.Until(c.expiresAt))
	defer expiry.Stop()

	for {
		select {
		case v := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(v); err != nil {
				logger.Warn("failed to write websocket message", map[string]any{
					"session_id": c.sessionID,
					"error":      err,
				})
				c.stop()
				_ = c.ws.Close()
				return
			}

		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.stop()
				_ = c.ws.Close()
				return
			}

		case <-c.shutdown:
			c.close(closeShutdown)
			c.finish()
			return

		case <-expiry.C:
			c.close(closeExpired)

		case <-c.done:
			c.finish()
			return
		}
	}
}

// finish sends the close frame for c.reason and closes the socket, which
// unblocks the reader when the server initiated the close.
func (c *ingestConn) finish() {
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(c.reason.code, c.reason.text),
		time.Now().Add(writeWait),
	)
	_ = c.ws.Close()
}
