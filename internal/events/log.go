package events

import (
	"errors"
	"sort"
	"sync"
)

// ErrLogSealed is returned when appending to a log that no longer accepts events.
var ErrLogSealed = errors.New("event log is sealed")

// Log is the append-only event stream of a single session. One goroutine appends;
// any number may read snapshots concurrently.
type Log struct {
	mu     sync.RWMutex
	events []Event
	next   uint64
	sealed bool
}

func NewLog() *Log {
	return &Log{}
}

// Append assigns the next sequence number and stores the event.
func (l *Log) Append(event Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return Event{}, ErrLogSealed
	}
	l.next++
	event.Seq = l.next
	l.events = append(l.events, event)
	return event, nil
}

// Seal stops the log from accepting further events. Sealing twice is harmless.
func (l *Log) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

func (l *Log) Sealed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sealed
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Snapshot returns a time-ordered copy of the events. Ties keep arrival order.
func (l *Log) Snapshot() []Event {
	l.mu.RLock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
