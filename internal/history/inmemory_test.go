package history

import (
	"context"
	"testing"
)

func TestInMemoryStoreSaveAndRecent(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	turns := []TurnRecord{
		{CallID: "c1", Role: "user", Content: "first"},
		{CallID: "c1", Role: "assistant", Content: "second"},
		{CallID: "c1", Role: "user", Content: "third", Interruption: true},
		{CallID: "c2", Role: "user", Content: "other call"},
	}
	for _, r := range turns {
		if err := s.SaveTurn(ctx, r); err != nil {
			t.Fatalf("SaveTurn() error = %v", err)
		}
	}

	got, err := s.RecentTurns(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].Content != "second" || got[1].Content != "third" {
		t.Fatalf("unexpected order: %+v", got)
	}
	if !got[1].Interruption {
		t.Fatalf("Interruption flag lost on %+v", got[1])
	}
	if got[0].ID == "" || got[0].CreatedAt.IsZero() {
		t.Fatalf("SaveTurn should assign ID and CreatedAt: %+v", got[0])
	}
}

func TestInMemoryStoreUnknownCall(t *testing.T) {
	s := NewInMemoryStore()
	got, err := s.RecentTurns(context.Background(), "missing", 5)
	if err != nil {
		t.Fatalf("RecentTurns() error = %v", err)
	}
	if got != nil {
		t.Fatalf("RecentTurns() = %v, want nil", got)
	}
}
