package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Bldg-7/webmommi/internal/commloop"
	"github.com/Bldg-7/webmommi/internal/nudge"
	"github.com/Bldg-7/webmommi/internal/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 65536
)

// StreamMessage is one nudge sent over /ws/nudge. Data, when present, is
// relayed verbatim; otherwise the nudge fields form the payload.
type StreamMessage struct {
	ID       string          `json:"id,omitempty"`
	Category string          `json:"category,omitempty"`
	Meta     string          `json:"meta"`
	Pass     string          `json:"pass,omitempty"`
	Content  string          `json:"content,omitempty"`
	Ping     *bool           `json:"ping,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// StreamAck answers exactly one StreamMessage.
type StreamAck struct {
	ID      string `json:"id,omitempty"`
	Status  string `json:"status"`
	Outcome string `json:"outcome"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (m StreamMessage) request() nudge.Request {
	category := m.Category
	if category == "" {
		category = nudge.CategoryGameNudge
	}
	if len(m.Data) > 0 {
		return nudge.RawRequest{Category: category, Subtopic: m.Meta, Body: m.Data}
	}
	return nudge.ModernRequest{
		Category: category,
		Subtopic: m.Meta,
		Secret:   m.Pass,
		Content:  m.Content,
		Ping:     m.Ping,
	}
}

// NudgeStream keeps game servers on one websocket instead of an HTTP request
// per nudge. Each message is relayed in order and acknowledged.
type NudgeStream struct {
	dispatcher     *Dispatcher
	authToken      string
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         *zap.Logger
	metrics        *Metrics
	ctx            context.Context

	mu     sync.Mutex
	conns  map[*streamConn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewNudgeStream(ctx context.Context, dispatcher *Dispatcher, authToken string, allowedOrigins []string, logger *zap.Logger) *NudgeStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &NudgeStream{
		dispatcher:     dispatcher,
		authToken:      authToken,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		metrics:        GetMetrics(),
		ctx:            ctx,
		conns:          make(map[*streamConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	return s
}

// ServeWS handles WebSocket upgrade requests with token auth (header or query param).
func (s *NudgeStream) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !checkBearer(r, s.authToken, true) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
		return
	}
	if s.isClosed() {
		writeError(w, http.StatusServiceUnavailable, "nudge stream is shutting down", "SHUTTING_DOWN")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &streamConn{
		stream:     s,
		conn:       conn,
		id:         uuid.NewString(),
		remoteAddr: r.RemoteAddr,
		send:       make(chan StreamAck, 16),
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		// Close started while the upgrade was in progress.
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()
	s.metrics.StreamOpened()
	s.logger.Info("nudge stream opened", zap.String("stream_id", c.id), zap.String("remote_addr", c.remoteAddr))

	go c.writePump()
	go c.readPump()
}

// ActiveStreams returns the number of open streams.
func (s *NudgeStream) ActiveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close disconnects every stream, refuses new ones and waits for their
// goroutines.
func (s *NudgeStream) Close() {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *NudgeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *NudgeStream) remove(c *streamConn) {
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.metrics.StreamClosed()
		s.logger.Info("nudge stream closed", zap.String("stream_id", c.id))
	}
}

func (s *NudgeStream) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Game servers are not browsers and send no Origin.
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if MatchOrigin(origin, allowed) {
			return true
		}
	}
	s.logger.Warn("rejected websocket origin", zap.String("origin", origin))
	return false
}

type streamConn struct {
	stream     *NudgeStream
	conn       *websocket.Conn
	id         string
	remoteAddr string
	send       chan StreamAck
	done       chan struct{}
}

func (c *streamConn) readPump() {
	defer func() {
		close(c.send)
		c.stream.remove(c)
		c.conn.Close()
		c.stream.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.stream.logger.Warn("unexpected close",
					zap.String("stream_id", c.id),
					zap.Error(err),
				)
			}
			return
		}

		ack := c.handle(data)
		select {
		case c.send <- ack:
		case <-c.done:
			return
		}
	}
}

func (c *streamConn) handle(data []byte) StreamAck {
	var msg StreamMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return StreamAck{Status: "error", Outcome: "encode_failure", Code: "INVALID_JSON", Error: "invalid JSON message"}
	}

	correlationID := msg.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	// Shutdown closes the socket but lets a relay already under way finish.
	ctx := shared.WithCorrelationID(context.WithoutCancel(c.stream.ctx), correlationID)

	err := c.stream.dispatcher.Dispatch(ctx, SourceWebSocket, nudge.Normalize(msg.request()), c.remoteAddr)
	ack := StreamAck{ID: msg.ID, Status: "accepted", Outcome: commloop.Classify(err)}
	if err != nil {
		_, code := relayErrorStatus(err)
		ack.Status = "error"
		ack.Code = code
		ack.Error = err.Error()
	}
	return ack
}

func (c *streamConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
		c.conn.Close()
		c.stream.wg.Done()
	}()

	for {
		select {
		case ack, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ack); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stream.ctx.Done():
			return
		}
	}
}
