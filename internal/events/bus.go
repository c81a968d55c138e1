// Package events fans out change notifications to per-user subscribers
// (the HTTP SSE stream is the main consumer).
package events

import (
	"sync"
	"time"
)

// Event types published by Flowdesk.
const (
	JobUpdated    = "job.updated"
	JobEvent      = "job.event"
	ScenarioSaved = "scenario.saved"
)

// Event is one notification. Data is JSON-encodable.
type Event struct {
	Type string    `json:"type"`
	Data any       `json:"data"`
	At   time.Time `json:"at"`
}

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(userID string, ev Event)
}

// Bus delivers events to the subscribers of a user. Slow subscribers miss
// events instead of blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan Event)}
}

// Subscribe creates a subscription for userID.
func (b *Bus) Subscribe(userID string) <-chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[userID] = append(b.subs[userID], ch)
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(userID string, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[userID]
	for i, s := range subs {
		if s == ch {
			b.subs[userID] = append(subs[:i], subs[i+1:]...)
			close(s)
			break
		}
	}
	if len(b.subs[userID]) == 0 {
		delete(b.subs, userID)
	}
}

// Publish sends ev to every subscriber of userID.
func (b *Bus) Publish(userID string, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[userID] {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is too slow
		}
	}
}

// Subscribers returns the number of open subscriptions for userID.
func (b *Bus) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[userID])
}

// Multi returns a Publisher that forwards every event to each of pubs.
func Multi(pubs ...Publisher) Publisher {
	return multi(pubs)
}

type multi []Publisher

func (m multi) Publish(userID string, ev Event) {
	for _, p := range m {
		p.Publish(userID, ev)
	}
}

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(string, Event) {}
