package events

import (
	"context"
	"sync"
)

const subscriberBuffer = 16

type subscriber struct {
	userID    string
	sessionID string
	ch        chan Event
}

// Hub fans events out to live subscribers in this process, keyed by user.
// session_terminated reaches only the subscribers holding the terminated
// session; every other event reaches all of the user's subscribers.
type Hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]*subscriber
}

func NewHub() *Hub {
	return &Hub{subs: map[string]map[uint64]*subscriber{}}
}

// Subscribe registers a receiver. The returned cancel func is idempotent and
// closes the channel.
func (h *Hub) Subscribe(userID, sessionID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	s := &subscriber{userID: userID, sessionID: sessionID, ch: make(chan Event, subscriberBuffer)}
	if h.subs[userID] == nil {
		h.subs[userID] = map[uint64]*subscriber{}
	}
	h.subs[userID][id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], id)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(s.ch)
		})
	}
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs[ev.UserID] {
		if ev.Type == TypeSessionTerminated && ev.SessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}
