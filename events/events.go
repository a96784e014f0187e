// Package events carries progress notifications from the apply pipeline
// to whatever wants to observe it. The core emits and never blocks: a
// slow or absent consumer drops events instead of stalling a rewrite.
package events

import (
	"sync"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindUnitExtracted   Kind = "unit_extracted"
	KindBatchTranslated Kind = "batch_translated"
	KindPlanBuilt       Kind = "plan_built"
	KindSnapshotTaken   Kind = "snapshot_taken"
	KindFileRewritten   Kind = "file_rewritten"
	KindFileCommitted   Kind = "file_committed"
	KindFileRolledBack  Kind = "file_rolled_back"
	KindUnitStale       Kind = "unit_stale"
)

// Event is one progress notification.
type Event struct {
	Kind        Kind
	JobID       string
	ContainerID string
	UnitID      string
	Detail      string
	Count       int
	At          time.Time
}

// Stream fans events out to subscribers. The zero value is usable and
// discards everything.
type Stream struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewStream returns an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe returns a buffered channel of events and a cancel function.
// The channel is closed on cancel. Events arriving while the buffer is
// full are dropped for that subscriber.
func (s *Stream) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]chan Event)
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Emit delivers e to every subscriber without blocking.
func (s *Stream) Emit(e Event) {
	if s == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
