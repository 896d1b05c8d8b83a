package rls

import (
	"context"
	"sync"
	"time"
)

// AuditEntry records the row filter chosen for one query.
type AuditEntry struct {
	ID         string     `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	TraceID    string     `json:"trace_id,omitempty"`
	UserID     Identity   `json:"user_id"`
	Role       Role       `json:"role"`
	FilterType FilterType `json:"filter_type,omitempty"`
	Filter     *Filter    `json:"filter,omitempty"`
	Denied     bool       `json:"denied"`
	Reason     string     `json:"reason"`
}

// AuditFilter selects entries from an AuditStore.
type AuditFilter struct {
	UserID     Identity
	Role       Role
	DeniedOnly bool
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

func (f AuditFilter) match(e *AuditEntry) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Role != "" && e.Role != f.Role {
		return false
	}
	if f.DeniedOnly && !e.Denied {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// AuditStore persists row filter decisions.
type AuditStore interface {
	LogDecision(ctx context.Context, entry *AuditEntry) error
	GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}

// MemoryAuditStore keeps entries in process memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*AuditEntry
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{entries: make([]*AuditEntry, 0)}
}

func (s *MemoryAuditStore) LogDecision(ctx context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemoryAuditStore) GetAccessLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*AuditEntry, 0)
	for _, e := range s.entries {
		if !filter.match(e) {
			continue
		}
		result = append(result, e)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}
