package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/creatorx/market-engine/internal/engine"
	"github.com/creatorx/market-engine/internal/metrics"
	"github.com/creatorx/market-engine/internal/model"
)

// Message types.
const (
	MsgOrderPlaced    = "order_placed"
	MsgOrderCancelled = "order_cancelled"
	MsgAssetListed    = "asset_listed"
)

// WSFill is one execution from the taker's side.
type WSFill struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type           string    `json:"type"`
	AssetID        string    `json:"asset_id"`
	ReferencePrice string    `json:"reference_price,omitempty"`
	PriceChanged   bool      `json:"price_changed,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	Side           string    `json:"side,omitempty"`
	Kind           string    `json:"kind,omitempty"`
	Status         string    `json:"status,omitempty"`
	Price          string    `json:"price,omitempty"`
	Quantity       string    `json:"quantity,omitempty"`
	Filled         string    `json:"filled,omitempty"`
	Fills          []WSFill  `json:"fills,omitempty"`
	Time           time.Time `json:"time"`
}

// WSHub manages WebSocket connections and broadcasts engine events to all
// connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is done,
// closing every client. Must be called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking order execution.
	}
}

// Notify converts an engine event into a broadcast.
func (h *WSHub) Notify(_ context.Context, ev engine.Event) {
	o := ev.Order
	msg := WSMessage{
		AssetID:        ev.AssetID,
		ReferencePrice: ev.ReferencePrice.String(),
		PriceChanged:   ev.PriceChanged,
		OrderID:        o.ID,
		Side:           o.Side.String(),
		Kind:           o.Kind.String(),
		Status:         o.Status.String(),
		Price:          o.Price.String(),
		Quantity:       o.Quantity.String(),
		Filled:         o.Filled.String(),
		Time:           ev.Time,
	}
	switch ev.Type {
	case engine.EventOrderPlaced:
		msg.Type = MsgOrderPlaced
	case engine.EventOrderCancelled:
		msg.Type = MsgOrderCancelled
	default:
		return
	}
	for _, t := range ev.Trades {
		if t.OrderID == o.ID {
			msg.Fills = append(msg.Fills, WSFill{Price: t.Price.String(), Quantity: t.Quantity.String()})
		}
	}
	h.Broadcast(msg)
}

// announceListing broadcasts a newly listed asset.
func (h *WSHub) announceListing(a *model.Asset) {
	h.Broadcast(WSMessage{
		Type:           MsgAssetListed,
		AssetID:        a.ID,
		ReferencePrice: a.ReferencePrice.String(),
		Time:           a.CreatedAt,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the CORS layer.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
