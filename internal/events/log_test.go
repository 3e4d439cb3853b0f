package events

import (
	"errors"
	"testing"
	"time"
)

func TestLogAppendAssignsSequenceAndSeals(t *testing.T) {
	t.Parallel()

	log := NewLog()
	base := time.Unix(1700000000, 0).UTC()

	first, err := log.Append(Event{Timestamp: base.Add(2 * time.Second), Category: CategoryFile})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	second, err := log.Append(Event{Timestamp: base, Category: CategoryProcess})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("Seq = %d, %d, want 1, 2", first.Seq, second.Seq)
	}

	snap := log.Snapshot()
	if len(snap) != 2 || snap[0].Category != CategoryProcess {
		t.Fatalf("Snapshot() not time ordered: %+v", snap)
	}

	log.Seal()
	log.Seal()
	if _, err := log.Append(Event{}); !errors.Is(err, ErrLogSealed) {
		t.Fatalf("Append() after Seal error = %v, want ErrLogSealed", err)
	}
	if log.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", log.Len())
	}
}
