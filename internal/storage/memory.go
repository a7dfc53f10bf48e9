package storage

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryStore struct {
	mu       sync.Mutex
	docs     map[string][]byte
	audit    []AuditEntry
	auditCap int
	dedup    map[string]time.Time
	closed   bool
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{docs: map[string][]byte{}, dedup: map[string]time.Time{}, auditCap: 1000}
}

func (s *memoryStore) Load(_ context.Context, collection string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.docs[collection]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *memoryStore) Save(_ context.Context, collection string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.docs[collection] = append([]byte(nil), data...)
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	if over := len(s.audit) - s.auditCap; over > 0 {
		s.audit = append([]AuditEntry(nil), s.audit[over:]...)
	}
	return nil
}

func (s *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until
	return nil
}

func (s *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

// Audit returns a copy of the retained audit entries.
func (s *memoryStore) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// AuditLister is implemented by stores that keep their audit journal in memory.
type AuditLister interface {
	Audit() []AuditEntry
}
