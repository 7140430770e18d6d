package dispute

import (
	"context"
	"fmt"
	"sync"
)

// Store persists disputes together with the events raised by each mutation.
// Implementations must commit a dispute write and its events atomically and
// must return copies that callers may mutate freely.
type Store interface {
	// Create assigns the next dense index to d and persists it.
	Create(ctx context.Context, d *Dispute, events []Event) error
	Save(ctx context.Context, d *Dispute, events []Event) error
	Get(ctx context.Context, index uint64) (*Dispute, error)
	List(ctx context.Context) ([]*Dispute, error)
	Events(ctx context.Context, index uint64) ([]Event, error)
}

// MemoryStore keeps everything in process.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes []*Dispute
	events   map[uint64][]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uint64][]Event)}
}

func (s *MemoryStore) Create(_ context.Context, d *Dispute, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Index = uint64(len(s.disputes))
	s.disputes = append(s.disputes, d.Clone())
	s.appendEvents(d.Index, events)
	return nil
}

func (s *MemoryStore) Save(_ context.Context, d *Dispute, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Index >= uint64(len(s.disputes)) {
		return fmt.Errorf("dispute: save %d: %w", d.Index, ErrNotFound)
	}
	s.disputes[d.Index] = d.Clone()
	s.appendEvents(d.Index, events)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, index uint64) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.disputes)) {
		return nil, ErrNotFound
	}
	return s.disputes[index].Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Dispute, len(s.disputes))
	for i, d := range s.disputes {
		out[i] = d.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Events(_ context.Context, index uint64) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index >= uint64(len(s.disputes)) {
		return nil, ErrNotFound
	}
	out := make([]Event, len(s.events[index]))
	copy(out, s.events[index])
	return out, nil
}

func (s *MemoryStore) appendEvents(index uint64, events []Event) {
	for _, ev := range events {
		ev.DisputeIndex = index
		s.events[index] = append(s.events[index], ev)
	}
}
