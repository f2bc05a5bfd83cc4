package gateway

import (
	"strings"
	"sync"
)

// SubscriptionIndex tracks which connections want events for which
// session keys. Both directions are indexed so that dropping a
// connection never has to scan every session.
type SubscriptionIndex struct {
	mu        sync.RWMutex
	bySession map[string]map[string]struct{}
	byConn    map[string]map[string]struct{}
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		bySession: make(map[string]map[string]struct{}),
		byConn:    make(map[string]map[string]struct{}),
	}
}

// Subscribe registers a connection's interest in a session key. Keys
// are trimmed; an empty key is ignored. Subscribing twice is a no-op.
func (s *SubscriptionIndex) Subscribe(connID, sessionKey string) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bySession[sessionKey] == nil {
		s.bySession[sessionKey] = make(map[string]struct{})
	}
	s.bySession[sessionKey][connID] = struct{}{}
	if s.byConn[connID] == nil {
		s.byConn[connID] = make(map[string]struct{})
	}
	s.byConn[connID][sessionKey] = struct{}{}
}

// Unsubscribe removes one connection/session pairing. Empty sets are
// deleted so the maps never accumulate dead keys.
func (s *SubscriptionIndex) Unsubscribe(connID, sessionKey string) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(connID, sessionKey)
}

func (s *SubscriptionIndex) removeLocked(connID, sessionKey string) {
	if conns, ok := s.bySession[sessionKey]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.bySession, sessionKey)
		}
	}
	if keys, ok := s.byConn[connID]; ok {
		delete(keys, sessionKey)
		if len(keys) == 0 {
			delete(s.byConn, connID)
		}
	}
}

// UnsubscribeAll drops every subscription a connection holds, typically
// on disconnect.
func (s *SubscriptionIndex) UnsubscribeAll(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionKey := range s.byConn[connID] {
		s.removeLocked(connID, sessionKey)
	}
}

// Subscribers returns the connection IDs subscribed to a session key.
func (s *SubscriptionIndex) Subscribers(sessionKey string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns := s.bySession[sessionKey]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// Sessions returns the session keys a connection is subscribed to.
func (s *SubscriptionIndex) Sessions(connID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byConn[connID]
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// HasSubscribers reports whether anyone listens on a session key.
func (s *SubscriptionIndex) HasSubscribers(sessionKey string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession[sessionKey]) > 0
}
