package services

import (
	"log"
	"sync"
	"sync/atomic"
)

const (
	TopicLeaderboard = "leaderboard"
	TopicPresence    = "presence"
)

func UserTopic(userID string) string { return "user:" + userID }

const (
	EventLeaderboardUpdate = "leaderboard_update"
	EventOnlinePlayers     = "online_players_update"
	EventNewRecord         = "new_record"
)

// Event is what subscribers receive; it is also the realtime wire envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type Subscription struct {
	ch     chan Event
	topics []string
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Hub fans events out to topic subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	buffer  int
	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	sub := &Subscription{ch: make(chan Event, h.buffer), topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		set, ok := h.subs[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			h.subs[t] = set
		}
		set[sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	for _, t := range sub.topics {
		if set, ok := h.subs[t]; ok {
			if _, present := set[sub]; present {
				delete(set, sub)
				removed = true
			}
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	if removed {
		close(sub.ch)
	}
}

// Publish returns the number of subscribers the event was delivered to.
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	if n := len(h.subs[topic]) - delivered; n > 0 {
		log.Printf("[HUB] ⚠️ %s: %d slow subscriber(s) missed %s", topic, n, ev.Type)
	}
	return delivered
}

// Dropped counts events lost to full subscriber buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}
