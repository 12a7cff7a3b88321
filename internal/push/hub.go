// Package push fans event packets out to websocket subscribers. A client
// subscribes with a watchable id and receives the packets logged against
// it, in order, for as long as the socket stays open.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/model"
)

const (
	// subscriberBuffer is how many undelivered packets a slow socket may
	// queue before packets are dropped for it.
	subscriberBuffer = 16
	writeTimeout     = 5 * time.Second
)

// Hub tracks subscribers per watchable.
type Hub struct {
	log  *zap.Logger
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct{ ch chan []byte }

// NewHub builds an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, subs: make(map[string]map[*subscriber]struct{})}
}

// Dispatch delivers a packet to every subscriber of its watchable. Slow
// subscribers lose packets rather than stall the caller; the event log
// remains the reliable record.
func (h *Hub) Dispatch(packet model.EventPacket, _ model.Watchable) {
	payload, err := json.Marshal(packet)
	if err != nil {
		h.log.Warn("event packet not serializable", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[packet.WatchableID] {
		select {
		case sub.ch <- payload:
		default:
			h.log.Debug("subscriber lagging, packet dropped",
				zap.String("watchable", packet.WatchableID))
		}
	}
}

// Subscribe registers interest in a watchable. The returned cancel
// function must be called when done.
func (h *Hub) Subscribe(watchableID string) (<-chan []byte, func()) {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	set := h.subs[watchableID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		h.subs[watchableID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[watchableID], sub)
		if len(h.subs[watchableID]) == 0 {
			delete(h.subs, watchableID)
		}
	}
	return sub.ch, cancel
}

// Subscribers reports how many sockets observe a watchable.
func (h *Hub) Subscribers(watchableID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[watchableID])
}

// ServeWS upgrades the request and streams packets for the watchable
// until the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, watchableID string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ch, cancel := h.Subscribe(watchableID)
	defer cancel()

	// reads are discarded; CloseRead's context ends when the peer drops
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-ch:
			if err := write(ctx, conn, payload); err != nil {
				return
			}
		}
	}
}

func write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
