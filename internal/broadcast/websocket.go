package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/efreitasn/stockreserve/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
	wsSendBuffer   = 64
)

// SnapshotFunc returns the current availability of key.
type SnapshotFunc func(ctx context.Context, key domain.StockKey) (domain.Availability, error)

// WSServer serves the WebSocket transport. Clients send
// {"subscribe":[{"sku_id":"A"}]} or {"unsubscribe":[...]} and receive
// stock_updated messages, starting with a snapshot per subscribed key.
type WSServer struct {
	hub      *Hub
	snapshot SnapshotFunc
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSServer creates a WSServer over hub.
func NewWSServer(hub *Hub, snapshot SnapshotFunc, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		hub:      hub,
		snapshot: snapshot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

type wsKey struct {
	SKUID     string `json:"sku_id"`
	VariantID string `json:"variant_id,omitempty"`
}

type wsRequest struct {
	Subscribe   []wsKey `json:"subscribe"`
	Unsubscribe []wsKey `json:"unsubscribe"`
}

type wsError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SKUID     string `json:"sku_id,omitempty"`
	VariantID string `json:"variant_id,omitempty"`
}

// wsClient is one WebSocket connection.
type wsClient struct {
	server  *WSServer
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{} // closed when the reader exits
	stopped chan struct{} // closed when the writer exits

	mu   sync.Mutex
	subs map[domain.StockKey]*Subscription
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{
		server:  s,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[domain.StockKey]*Subscription),
	}
	go c.writePump()
	c.readPump(r.Context())
}

// readPump handles subscription requests until the connection fails.
func (c *wsClient) readPump(ctx context.Context) {
	defer func() {
		close(c.done)
		c.mu.Lock()
		for key, sub := range c.subs {
			sub.Close()
			delete(c.subs, key)
		}
		c.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.sendJSON(wsError{Type: "error", Message: "invalid message"})
			continue
		}
		for _, k := range req.Subscribe {
			c.subscribe(ctx, domain.StockKey{SKU: k.SKUID, Variant: k.VariantID})
		}
		for _, k := range req.Unsubscribe {
			c.unsubscribe(domain.StockKey{SKU: k.SKUID, Variant: k.VariantID})
		}
	}
}

func (c *wsClient) subscribe(ctx context.Context, key domain.StockKey) {
	if err := key.Validate(); err != nil {
		c.sendJSON(wsError{Type: "error", Message: err.Error(), SKUID: key.SKU, VariantID: key.Variant})
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[key]; ok {
		c.mu.Unlock()
		return
	}
	sub := c.server.hub.Subscribe(key)
	c.subs[key] = sub
	c.mu.Unlock()

	// Subscribe before the snapshot so no change is missed; clients drop
	// anything with a seq at or below the snapshot's.
	a, err := c.server.snapshot(ctx, key)
	if err != nil {
		c.unsubscribe(key)
		c.sendJSON(wsError{Type: "error", Message: err.Error(), SKUID: key.SKU, VariantID: key.Variant})
		return
	}
	c.sendJSON(NewEventMessage(Snapshot(a, time.Now())))

	go c.forward(sub)
}

func (c *wsClient) unsubscribe(key domain.StockKey) {
	c.mu.Lock()
	sub, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// forward copies hub events to the connection until the subscription or
// the connection closes.
func (c *wsClient) forward(sub *Subscription) {
	for e := range sub.C() {
		data, err := EncodeEvent(e)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		case <-c.done:
			return
		case <-c.stopped:
			return
		}
	}
}

func (c *wsClient) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	case <-c.stopped:
	}
}

// writePump writes queued messages and keeps the connection alive with
// pings.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		close(c.stopped)
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(wsWriteWait))
			return
		}
	}
}
