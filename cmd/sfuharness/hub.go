package main

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sfuforge/routingcore/internal/core"
	"github.com/sfuforge/routingcore/internal/host"
	"github.com/sfuforge/routingcore/internal/sessiontable"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Binary frame classes for the media stand-in framing:
// [class byte][video byte][payload...].
const (
	frameRTP  = 1
	frameRTCP = 2
	frameData = 3
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The harness is a dev fixture; origin policy is enforced by the
	// CORS middleware in front of it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is one text frame from a harness client: a control
// message with its transaction id and optional JSEP.
type inboundFrame struct {
	Transaction string          `json:"transaction"`
	Body        json.RawMessage `json:"body"`
	JSEP        *host.JSEP      `json:"jsep,omitempty"`
}

// outboundFrame is one text frame to a harness client: either a reply
// (correlated by transaction) or a pushed event.
type outboundFrame struct {
	Transaction string          `json:"transaction,omitempty"`
	Body        json.RawMessage `json:"body"`
	JSEP        *host.JSEP      `json:"jsep,omitempty"`
}

// client is one connected harness peer, standing in for one
// host-attached session. done is closed exactly once at detach; the
// send channel itself is never closed, so a late relay racing the
// detach drops harmlessly instead of panicking.
type client struct {
	handle uint64
	conn   *websocket.Conn
	send   chan preparedFrame
	done   chan struct{}
}

type preparedFrame struct {
	messageType int
	data        []byte
}

// hub owns the connected clients and implements the core's Host
// interface over their WebSocket connections. The core sees exactly
// the contract a real gateway host would give it.
type hub struct {
	core *core.Core

	mu         sync.RWMutex
	clients    map[uint64]*client
	nextHandle atomic.Uint64
}

func newHub() *hub {
	return &hub{clients: make(map[uint64]*client)}
}

// serveWs upgrades one HTTP request into a harness session.
func (h *hub) serveWs(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		handle: h.nextHandle.Add(1),
		conn:   conn,
		send:   make(chan preparedFrame, sendBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[cl.handle] = cl
	h.mu.Unlock()

	h.core.CreateSession(cl.handle)
	slog.Info("Harness client attached", "handle", cl.handle)

	go cl.writePump()
	go h.readPump(cl)
}

// readPump drains one client's frames until the connection dies, then
// runs the detach cascade exactly once.
func (h *hub) readPump(cl *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, cl.handle)
		h.mu.Unlock()
		h.core.DestroySession(cl.handle)
		close(cl.done)
		_ = cl.conn.Close()
		slog.Info("Harness client detached", "handle", cl.handle)
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Unexpected close", "handle", cl.handle, "error", err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			h.handleControl(cl, data)
		case websocket.BinaryMessage:
			h.handleMedia(cl, data)
		}
	}
}

func (h *hub) handleControl(cl *client, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		slog.Warn("Dropping unparseable control frame", "handle", cl.handle, "error", err)
		return
	}
	reply, jsep, err := h.core.HandleMessage(context.Background(), cl.handle, frame.Transaction, frame.Body, frame.JSEP)
	if err != nil {
		slog.Error("HandleMessage failed", "handle", cl.handle, "error", err)
		return
	}
	h.pushFrame(cl.handle, frame.Transaction, reply, jsep)
}

func (h *hub) handleMedia(cl *client, data []byte) {
	if len(data) < 2 {
		return
	}
	class, video, payload := data[0], data[1] != 0, data[2:]
	switch class {
	case frameRTP:
		h.core.IncomingRTP(cl.handle, video, payload)
	case frameRTCP:
		h.core.IncomingRTCP(cl.handle, video, payload)
	case frameData:
		h.core.IncomingData(cl.handle, "harness", "", true, payload)
	}
}

// writePump serializes all writes to one connection, with keepalive
// pings, until the client's done channel closes or a write fails.
func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(frame.messageType, frame.data); err != nil {
				return
			}
		case <-cl.done:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the client's writer without ever blocking
// the caller; a full channel means a failing connection, and the
// frame is dropped rather than stalling the routing path.
func (h *hub) enqueue(handle uint64, frame preparedFrame) {
	h.mu.RLock()
	cl := h.clients[handle]
	h.mu.RUnlock()
	if cl == nil {
		return
	}
	select {
	case cl.send <- frame:
	default:
		slog.Warn("Client channel full, dropping frame", "handle", handle)
	}
}

func (h *hub) pushFrame(handle uint64, transaction string, body []byte, jsep *host.JSEP) {
	out, err := json.Marshal(outboundFrame{Transaction: transaction, Body: body, JSEP: jsep})
	if err != nil {
		slog.Error("Failed to marshal outbound frame", "error", err)
		return
	}
	h.enqueue(handle, preparedFrame{messageType: websocket.TextMessage, data: out})
}

// --- host.Host implementation ---

func (h *hub) RelayRTP(handle sessiontable.Handle, video bool, buf []byte) {
	h.relayBinary(uint64(handle), frameRTP, video, buf)
}

func (h *hub) RelayRTCP(handle sessiontable.Handle, video bool, buf []byte) {
	h.relayBinary(uint64(handle), frameRTCP, video, buf)
}

func (h *hub) RelayData(handle sessiontable.Handle, label, protocol string, binary bool, buf []byte) {
	h.relayBinary(uint64(handle), frameData, false, buf)
}

func (h *hub) PushEvent(handle sessiontable.Handle, transaction string, body []byte, jsep *host.JSEP) {
	h.pushFrame(uint64(handle), transaction, body, jsep)
}

func (h *hub) relayBinary(handle uint64, class byte, video bool, buf []byte) {
	frame := make([]byte, 2+len(buf))
	frame[0] = class
	if video {
		frame[1] = 1
	}
	copy(frame[2:], buf)
	h.enqueue(handle, preparedFrame{messageType: websocket.BinaryMessage, data: frame})
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
