// Package realtime implements the websocket fan-out behind POST
// /negotiate: every realtime client upgrades straight to a websocket
// carrying pkg/events.Broker's publish stream. The hub follows
// gorilla/websocket's documented reader/writer-goroutine pattern: one
// goroutine drains client frames to observe close/ping, one owns all
// writes.
package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/onefuzz/controlplane/pkg/events"
	"github.com/onefuzz/controlplane/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub upgrades negotiate requests and streams events until the client
// disconnects.
type Hub struct {
	broker *events.Broker
	logger zerolog.Logger
}

// NewHub builds a Hub fanning out broker's events.
func NewHub(broker *events.Broker, logger zerolog.Logger) *Hub {
	return &Hub{broker: broker, logger: logger}
}

// Publish fans evt out to every connected client.
func (h *Hub) Publish(evt *types.ControlPlaneEvent) {
	h.broker.Publish(evt)
}

// ServeWS upgrades r and blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	go h.readLoop(conn)
	h.writeLoop(conn, sub)
	return nil
}

// readLoop discards any client-sent frames, only existing to detect a
// closed connection (gorilla/websocket requires a reader to observe
// close/ping control frames).
func (h *Hub) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			_ = conn.Close()
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, sub events.Subscriber) {
	defer conn.Close()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
