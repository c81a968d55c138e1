package scene

import (
	"context"
	"sync"

	"github.com/flowdesk/flowdesk/internal/events"
	"github.com/flowdesk/flowdesk/internal/store"
)

// Sessions keeps one open editor per user and scenario so that stateless
// callers (the HTTP API) can drive an edit across requests.
type Sessions struct {
	mu      sync.Mutex
	store   store.ScenarioStore
	pub     events.Publisher
	editors map[string]*Editor // key: user:scenario
}

// NewSessions creates an empty editor registry.
func NewSessions(st store.ScenarioStore, pub events.Publisher) *Sessions {
	return &Sessions{store: st, pub: pub, editors: make(map[string]*Editor)}
}

func sessionKey(userID, scenarioID string) string {
	return userID + ":" + scenarioID
}

// Get returns the open editor for the scenario, opening it on first use.
func (s *Sessions) Get(ctx context.Context, userID, scenarioID string) (*Editor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := sessionKey(userID, scenarioID)
	if e, ok := s.editors[k]; ok {
		return e, nil
	}
	e := NewEditor(s.store, s.pub)
	if err := e.Open(ctx, userID, scenarioID); err != nil {
		return nil, err
	}
	s.editors[k] = e
	return e, nil
}

// Close discards the editor of a scenario, dropping unsaved changes.
func (s *Sessions) Close(userID, scenarioID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sessionKey(userID, scenarioID)
	if _, ok := s.editors[k]; !ok {
		return false
	}
	delete(s.editors, k)
	return true
}

// Len returns the number of open editors.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.editors)
}
