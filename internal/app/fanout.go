package app

import (
	"sync"

	"quiz-progress-service/internal/domain"
)

// Broadcaster fans committed progress changes out to every live connection a
// user has open. Delivery is best-effort; publishing never blocks the caller.
type Broadcaster interface {
	Publish(userID string, event domain.UpdateEvent)
	Subscribe(userID string) (<-chan domain.UpdateEvent, func())
}

// Hub is the in-process Broadcaster: one channel registry per user,
// dropped once its last subscriber cancels.
type Hub struct {
	mu      sync.RWMutex
	users   map[string]map[chan domain.UpdateEvent]struct{}
	bufSize int
}

func NewHub() *Hub {
	return &Hub{
		users:   make(map[string]map[chan domain.UpdateEvent]struct{}),
		bufSize: 8,
	}
}

// Subscribe registers a channel on the user's topic. The caller must invoke
// the returned cancel function to avoid leaks.
func (h *Hub) Subscribe(userID string) (<-chan domain.UpdateEvent, func()) {
	ch := make(chan domain.UpdateEvent, h.bufSize)

	h.mu.Lock()
	subs, ok := h.users[userID]
	if !ok {
		subs = make(map[chan domain.UpdateEvent]struct{})
		h.users[userID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if subs, ok := h.users[userID]; ok {
			if _, ok := subs[ch]; ok {
				delete(subs, ch)
				close(ch)
			}
			if len(subs) == 0 {
				delete(h.users, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends the event to every subscriber of the user's topic. A full
// subscriber buffer sheds its oldest event so slow clients never block the
// write path.
func (h *Hub) Publish(userID string, event domain.UpdateEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.users[userID] {
		select {
		case ch <- event:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount reports the number of live connections for a user.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}
