package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreatePhaseFinish(t *testing.T) {
	m := NewManager(time.Minute)
	r := m.Create("default")
	if r.ID == "" {
		t.Fatalf("run ID should not be empty")
	}
	if err := m.SetPhase(r.ID, "in_command"); err != nil {
		t.Fatalf("SetPhase() error = %v", err)
	}

	got, err := m.Get(r.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Pipeline != "default" || got.Phase != "in_command" || got.Status != StatusRunning {
		t.Fatalf("unexpected run state: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	done, err := m.Finish(r.ID, Result{Outcome: "played", Transcript: "what time is it", Err: errors.New("late")})
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if done.Status != StatusFinished || done.Outcome != "played" || done.Error != "late" || done.EndedAt == nil {
		t.Fatalf("unexpected finished run: %+v", done)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerListNewestFirst(t *testing.T) {
	m := NewManager(time.Minute)
	first := m.Create("default")
	time.Sleep(2 * time.Millisecond)
	second := m.Create("default")

	runs := m.List()
	if len(runs) != 2 || runs[0].ID != second.ID || runs[1].ID != first.ID {
		t.Fatalf("List() order = %v, want newest first", runs)
	}
}

func TestManagerJanitorEvictsFinished(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	running := m.Create("default")
	finished := m.Create("default")
	if _, err := m.Finish(finished.ID, Result{Outcome: "no_wake"}); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	var evicted atomic.Int32
	m.SetExpireHook(func(*Run) { evicted.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if _, err := m.Get(finished.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(finished) error = %v, want ErrNotFound", err)
	}
	if _, err := m.Get(running.ID); err != nil {
		t.Fatalf("Get(running) error = %v, want running run kept", err)
	}
	if evicted.Load() != 1 {
		t.Fatalf("evicted = %d, want 1", evicted.Load())
	}
}
