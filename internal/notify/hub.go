// internal/notify/hub.go
package notify

import (
	"log"
	"sync"

	"github.com/unclebandit/mailreach-backend/internal/provider"
)

// Event is the "email:new" payload pushed to a user's realtime channel
// after a sync run ingested messages.
type Event struct {
	AccountID int64              `json:"accountId"`
	Count     int                `json:"count"`
	Previews  []provider.Message `json:"messages"` // at most a few previews
}

// Hub fans events out to per-user subscriber channels. Delivery is
// fire-and-forget: a slow or absent consumer never blocks a sync run.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan Event)}
}

// Subscribe registers a buffered channel for the user and returns it with
// an unsubscribe func. The external realtime transport consumes from here.
func (h *Hub) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mu.Lock()
	h.subs[userID] = append(h.subs[userID], ch)
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		chans := h.subs[userID]
		for i, c := range chans {
			if c == ch {
				h.subs[userID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber of the user without
// blocking; full channels drop the event.
func (h *Hub) Publish(userID string, ev Event) {
	h.mu.Lock()
	chans := append([]chan Event(nil), h.subs[userID]...)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			log.Printf("⚠️ Dropping email:new event for user %s, subscriber is full", userID)
		}
	}
}
