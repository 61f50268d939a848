package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veilgrid/veilgrid/pkg/audit"
)

const (
	writeDeadline   = 5 * time.Second
	readDeadline    = 60 * time.Second
	subscriberQueue = 16
)

// Hub fans committed ledger events out to websocket subscribers. It
// satisfies ledger.Notifier. Events carry identity and log index only.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: make(map[chan []byte]struct{}),
	}
}

type eventMessage struct {
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Index   uint64 `json:"index"`
	At      string `json:"at"`
}

// Notify implements ledger.Notifier.
func (h *Hub) Notify(ev audit.Event, index uint64) {
	msg, err := json.Marshal(eventMessage{
		Kind:    string(ev.Kind),
		Address: ev.Address.String(),
		Index:   index,
		At:      ev.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("encode event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber: drop the event rather than block the
			// ledger's commit path.
		}
	}
}

// Subscribe registers a new event channel. Callers must Unsubscribe.
func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, subscriberQueue)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered via Subscribe.
func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// ServeWS upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	done := make(chan struct{})

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop, only to detect disconnect.
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		if _, _, err := conn.ReadMessage(); err != nil {
			close(done)
			return
		}
	}
}
