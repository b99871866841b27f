package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolflow/toolflow/internal/eventbus"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPingInterval    = 15 * time.Second
	wsSendBuffer      = 64
)

// wsFrame is the single JSON envelope for everything the server pushes.
type wsFrame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ServeWS upgrades the connection and streams the same frames as the
// SSE endpoint: connected, snapshot, then live updates. The client is
// not expected to send anything; its messages are drained only to
// service pings and detect closure.
func (p *Publisher) ServeWS(w http.ResponseWriter, r *http.Request, chatID string) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  8192,
		WriteBufferSize: 8192,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	sess := &wsClient{
		pub:    p,
		conn:   conn,
		send:   make(chan wsFrame, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		chatID: chatID,
		logger: p.logger,
	}
	sess.run()
}

type wsClient struct {
	pub    *Publisher
	conn   *websocket.Conn
	send   chan wsFrame
	ctx    context.Context
	cancel context.CancelFunc
	chatID string
	logger *slog.Logger
}

func (c *wsClient) run() {
	c.pub.connected(c.ctx, "ws", c.chatID)
	start := time.Now()
	defer c.pub.disconnected(context.Background(), "ws", c.chatID, start)
	defer c.close()

	go c.writeLoop()
	go c.pushLoop()
	c.readLoop()
}

func (c *wsClient) close() {
	c.cancel()
	_ = c.conn.Close()
}

// pushLoop mirrors the SSE frame sequence onto the send channel.
func (c *wsClient) pushLoop() {
	defer c.cancel()

	since := c.pub.cursor(c.chatID)

	c.enqueue(frameConnected, c.pub.helloPayload(c.chatID), 0)
	if !c.pub.writeSnapshot(c.ctx, c.chatID, func(event string, data []byte) bool {
		return c.enqueue(event, data, 0)
	}) {
		return
	}

	events, cancel := c.pub.bus.Tail(c.ctx, eventbus.TopicChatTools, c.chatID, since)
	defer cancel()

	hb := time.NewTicker(c.pub.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !c.enqueue(ev.Topic, ev.Payload, ev.Seq) {
				return
			}
		case <-hb.C:
			if !c.enqueue(frameHeartbeat, c.pub.heartbeatPayload(), 0) {
				return
			}
		}
	}
}

// enqueue hands a frame to the write loop. A full buffer means the
// client cannot keep up; the connection is torn down and the client
// reconnects to a fresh snapshot.
func (c *wsClient) enqueue(event string, data []byte, seq int64) bool {
	frame := wsFrame{
		Event:     event,
		Data:      data,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
	}
	select {
	case c.send <- frame:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.logger.Warn("ws send buffer full, dropping client", "chat_id", c.chatID)
		return false
	}
}

func (c *wsClient) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.send:
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsClient) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
