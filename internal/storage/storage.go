// Package storage provides credential persistence for the SDK: the ephemeral
// session key and the node-issued bearer token. BoltStore persists to disk,
// MemoryStore degrades gracefully for environments without storage.
package storage

import "sync"

// MemoryStore keeps credentials in process memory only. It never fails, so
// it is safe as the fallback store when no persistence is available.
type MemoryStore struct {
	mu         sync.RWMutex
	sessionKey string
	token      string
}

// NewMemoryStore returns an empty in-memory credential store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SessionKey returns the stored session key hex, or "" when absent.
func (s *MemoryStore) SessionKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionKey, nil
}

// SetSessionKey stores the session key hex.
func (s *MemoryStore) SetSessionKey(hexKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = hexKey
	return nil
}

// Token returns the stored bearer token, or "" when absent.
func (s *MemoryStore) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

// SetToken stores the bearer token.
func (s *MemoryStore) SetToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

// Clear removes both credentials.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionKey = ""
	s.token = ""
	return nil
}
