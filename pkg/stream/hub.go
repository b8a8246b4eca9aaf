package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Envelope is one serialized hub message.
type Envelope struct {
	Kind string          `json:"kind"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Hub fans circuit events out to live subscribers. Delivery is best-effort:
// a subscriber that cannot keep up loses messages instead of stalling the
// emitter loop.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Envelope]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Envelope]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Envelope {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Envelope, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Envelope) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish serializes payload once and offers it to every subscriber without
// blocking.
func (h *Hub) Publish(kind string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		raw = b
	}
	env := Envelope{Kind: kind, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- env:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports messages lost to slow subscribers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
