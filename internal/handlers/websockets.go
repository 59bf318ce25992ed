package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"printer_link/internal/hub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Send/receive timing configuration and message size limits.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 1 << 12 // 4 KB
)

// wsEnvelope is every server to client message: state, response or log.
type wsEnvelope struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// wsRequest is a client call. ID is echoed back in the response.
type wsRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConnect runs one observer session. The writer drains the observer's hub
// queue, so a slow client only ever loses its own oldest messages. Responses
// go through the same queue and stay ordered with the snapshots around them.
func (h *Handler) wsConnect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Errorw("ws_upgrade_failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub := h.services.Observers.Subscribe()
	defer h.services.Observers.Unsubscribe(sub.ID())
	h.log.Infow("ws_observer_connected", "subscriber", sub.ID(), "remote", c.Request.RemoteAddr)

	conn.SetReadLimit(maxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go h.readLoop(ctx, cancel, conn, sub)
	go h.pingLoop(ctx, conn)

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.log.Infow("ws_queue_closed", "subscriber", sub.ID(), "err", err)
			}
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(envelopeFor(msg)); err != nil {
			h.log.Infow("ws_write_failed", "subscriber", sub.ID(), "err", err)
			return
		}
		if msg.Kind == hub.KindState {
			sub.Ack(msg.Snapshot.Version)
		}
	}
}

func envelopeFor(msg hub.Message) wsEnvelope {
	switch msg.Kind {
	case hub.KindState:
		return wsEnvelope{Type: string(hub.KindState), Data: msg.Snapshot}
	case hub.KindResponse:
		return wsEnvelope{Type: string(hub.KindResponse), ID: msg.ID, Data: msg.Data, Error: msg.Error}
	default:
		return wsEnvelope{Type: string(msg.Kind), Data: msg.Data}
	}
}

// readLoop decodes client calls and queues their responses. It ends the
// session when the connection drops.
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *hub.Subscriber) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.log.Infow("ws_read_closed", "subscriber", sub.ID(), "err", err)
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sub.Reply("", nil, errMalformedRequest)
			continue
		}
		id := requestID(req.ID)
		result, err := h.dispatch(ctx, req.Method, req.Params)
		if err != nil && statusFor(err) >= http.StatusInternalServerError {
			h.log.Errorw("ws_call_failed", "subscriber", sub.ID(), "method", req.Method, "err", err)
		}
		sub.Reply(id, result, err)
	}
}

// pingLoop keeps the connection alive. WriteControl may run alongside the
// writer.
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.log.Infow("ws_ping_failed", "err", err)
				return
			}
		}
	}
}

// requestID accepts string and numeric ids.
func requestID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
