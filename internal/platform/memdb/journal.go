package memdb

import (
	"context"
	"sync"
)

// MemoryJournal keeps events in process. Useful for tests and single-node demos.
type MemoryJournal struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryJournal constructs an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, events []Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, events...)
	return nil
}

// Replay implements Journal.
func (j *MemoryJournal) Replay(ctx context.Context, fn func(Event) error) error {
	j.mu.Lock()
	events := make([]Event, len(j.events))
	copy(events, j.events)
	j.mu.Unlock()
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the number of stored events.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.events)
}
