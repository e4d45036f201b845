package history

import (
	"context"
	"strings"
	"testing"
)

func TestInMemoryStoreRecentRuns(t *testing.T) {
	s := NewInMemoryStore(3)
	ctx := context.Background()
	for _, rec := range []RunRecord{
		{Pipeline: "kitchen", Outcome: "played"},
		{Pipeline: "office", Outcome: "no_wake"},
		{Pipeline: "kitchen", Outcome: "not_recognized"},
		{Pipeline: "kitchen", Outcome: "not_handled"},
	} {
		if err := s.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	all, err := s.RecentRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("RecentRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].Outcome != "no_wake" || all[2].Outcome != "not_handled" {
		t.Fatalf("RecentRuns() = %+v, want last 3 oldest first", all)
	}
	for _, rec := range all {
		if rec.ID == "" || rec.CreatedAt.IsZero() {
			t.Fatalf("record missing id or timestamp: %+v", rec)
		}
	}

	kitchen, _ := s.RecentRuns(ctx, "kitchen", 1)
	if len(kitchen) != 1 || kitchen[0].Outcome != "not_handled" {
		t.Fatalf("RecentRuns(kitchen, 1) = %+v, want latest kitchen run", kitchen)
	}
}

func TestRedactingStore(t *testing.T) {
	mem := NewInMemoryStore(0)
	s := NewRedacting(mem)
	err := s.SaveRun(context.Background(), RunRecord{
		Pipeline:   "default",
		Outcome:    "played",
		Transcript: "email sam@example.com",
		Response:   "sure",
	})
	if err != nil {
		t.Fatalf("SaveRun() error = %v", err)
	}
	got, _ := s.RecentRuns(context.Background(), "", 0)
	if len(got) != 1 {
		t.Fatalf("RecentRuns() len = %d, want 1", len(got))
	}
	if !got[0].PIIRedacted || !strings.Contains(got[0].Transcript, "[REDACTED_EMAIL]") {
		t.Fatalf("record not redacted: %+v", got[0])
	}
	if got[0].Response != "sure" {
		t.Fatalf("Response = %q, want unchanged", got[0].Response)
	}
}
