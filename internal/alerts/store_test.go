package alerts

import (
	"fmt"
	"testing"
	"time"

	"helmguard/internal/model"
)

func TestRecentEvictsOldest(t *testing.T) {
	s := NewRecent(3)
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		s.Add(model.Alert{ID: fmt.Sprintf("A%d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	got := s.List(0)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "A2" || got[2].ID != "A4" {
		t.Fatalf("ring contents wrong: %v, %v", got[0].ID, got[2].ID)
	}
}

func TestRecentSince(t *testing.T) {
	s := NewRecent(10)
	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		s.Add(model.Alert{ID: fmt.Sprintf("A%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute)})
	}
	got := s.Since(base.Add(2 * time.Minute))
	if len(got) != 2 {
		t.Fatalf("since = %d entries, want 2", len(got))
	}
}

func TestRecentClear(t *testing.T) {
	s := NewRecent(10)
	s.Add(model.Alert{ID: "A1"})
	s.Clear()
	if got := s.List(0); len(got) != 0 {
		t.Fatalf("clear left %d entries", len(got))
	}
}
