package storage

import (
	"fmt"
	"sync"
)

// EventJournal is an append-only, sequence-keyed record of every event the
// engine has emitted. The sequence number is assigned at append time, so a
// replay yields events in exact emission order.
type EventJournal struct {
	mu      sync.Mutex
	store   *Store
	nextSeq uint64
}

// NewEventJournal opens the journal over store, resuming the sequence
// counter after the highest persisted entry.
func NewEventJournal(store *Store) (*EventJournal, error) {
	j := &EventJournal{store: store}

	// The journal prefix scans in key order, so the last entry seen has
	// the highest sequence number.
	err := store.Scan(EventPrefix(), func(key, _ []byte) error {
		seq, err := EventSeqFromKey(key)
		if err != nil {
			return err
		}
		j.nextSeq = seq + 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan event journal: %w", err)
	}
	return j, nil
}

// Append persists v under the next sequence number and returns that number.
func (j *EventJournal) Append(v any) (uint64, error) {
	data, err := EncodeJSON(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	seq := j.nextSeq
	if err := j.store.Put(EventKey(seq), data); err != nil {
		return 0, err
	}
	j.nextSeq = seq + 1
	return seq, nil
}

// Replay calls fn for every journal entry in emission order.
func (j *EventJournal) Replay(fn func(seq uint64, data []byte) error) error {
	return j.store.Scan(EventPrefix(), func(key, val []byte) error {
		seq, err := EventSeqFromKey(key)
		if err != nil {
			return err
		}
		return fn(seq, val)
	})
}

// Len returns the number of entries appended so far.
func (j *EventJournal) Len() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}
