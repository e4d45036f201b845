package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultInMemoryCap = 500

// InMemoryStore keeps the most recent records in process for local use.
type InMemoryStore struct {
	mu      sync.RWMutex
	cap     int
	records []RunRecord
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultInMemoryCap
	}
	return &InMemoryStore{cap: capacity}
}

func (s *InMemoryStore) SaveRun(_ context.Context, record RunRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if over := len(s.records) - s.cap; over > 0 {
		s.records = append(s.records[:0:0], s.records[over:]...)
	}
	return nil
}

// RecentRuns returns up to limit records, oldest first. An empty pipeline
// matches every record.
func (s *InMemoryStore) RecentRuns(_ context.Context, pipeline string, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RunRecord
	for i := len(s.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if pipeline != "" && s.records[i].Pipeline != pipeline {
			continue
		}
		out = append(out, s.records[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
