// Package session tracks pipeline iterations while they run and for a
// retention window afterwards.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("run not found")

type Manager struct {
	mu        sync.RWMutex
	runs      map[string]*Run
	retention time.Duration
	onExpire  func(*Run)
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		runs:      make(map[string]*Run),
		retention: retention,
	}
}

// SetExpireHook registers a callback for runs evicted by the janitor.
func (m *Manager) SetExpireHook(hook func(*Run)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(pipeline string) *Run {
	now := time.Now().UTC()
	r := &Run{
		ID:             uuid.NewString(),
		Pipeline:       pipeline,
		Status:         StatusRunning,
		Phase:          "starting",
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
	return clone(r)
}

func (m *Manager) Get(runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

// SetPhase records the phase a running iteration has reached.
func (m *Manager) SetPhase(runID, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	r.Phase = phase
	r.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Finish(runID string, res Result) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	r.Status = StatusFinished
	r.Phase = "done"
	r.Outcome = res.Outcome
	r.Transcript = res.Transcript
	if res.Err != nil {
		r.Error = res.Err.Error()
	}
	r.LastActivityAt = now
	r.EndedAt = &now
	return clone(r), nil
}

// List returns tracked runs, newest first.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, clone(r))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, r := range m.runs {
		if r.Status == StatusRunning {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.evictFinished()
			}
		}
	}()
}

func (m *Manager) evictFinished() {
	now := time.Now().UTC()
	var expired []*Run

	m.mu.Lock()
	for id, r := range m.runs {
		if r.Status != StatusFinished || r.EndedAt == nil {
			continue
		}
		if now.Sub(*r.EndedAt) < m.retention {
			continue
		}
		expired = append(expired, clone(r))
		delete(m.runs, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, r := range expired {
			hook(r)
		}
	}
}

func clone(r *Run) *Run {
	c := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	return &c
}
