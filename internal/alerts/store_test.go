package alerts

import (
	"testing"
	"time"

	"newsguard/internal/model"
)

func TestRingKeepsNewest(t *testing.T) {
	s := NewStore(3)
	base := time.Date(2024, 5, 20, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		s.Add(model.AlertEvent{Timestamp: base.Add(time.Duration(i) * time.Minute), Count: i})
	}
	list := s.List(0)
	if len(list) != 3 || list[0].Count != 4 || list[2].Count != 2 {
		t.Fatalf("list: %+v", list)
	}
	if got := s.Since(base.Add(3 * time.Minute)); len(got) != 2 {
		t.Fatalf("since: %d", len(got))
	}
	s.Clear()
	if len(s.List(10)) != 0 {
		t.Fatalf("clear left events behind")
	}
}

func TestFailuresBySeverity(t *testing.T) {
	s := NewStore(10)
	s.Add(model.AlertEvent{Severity: model.SeverityDanger, Status: model.StatusFailed})
	s.Add(model.AlertEvent{Severity: model.SeverityPrimary, Status: model.StatusFailed})
	s.Add(model.AlertEvent{Severity: model.SeverityDanger, Status: model.StatusSent})
	if got := s.Failures(model.SeverityDanger); len(got) != 1 {
		t.Fatalf("danger failures: %d", len(got))
	}
	if got := s.Failures(model.SeverityNone); len(got) != 2 {
		t.Fatalf("all failures: %d", len(got))
	}
}
