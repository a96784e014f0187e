package events

import (
	"testing"
)

func TestSubscribeReceivesEmits(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(4)
	defer cancel()

	s.Emit(Event{Kind: KindFileCommitted, ContainerID: "Map001.json"})

	e := <-ch
	if e.Kind != KindFileCommitted || e.ContainerID != "Map001.json" {
		t.Errorf("event = %+v", e)
	}
	if e.At.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	s := NewStream()
	_, cancel := s.Subscribe(1)
	defer cancel()

	// Nobody is reading; the buffer holds one event and the rest drop.
	for i := 0; i < 100; i++ {
		s.Emit(Event{Kind: KindUnitExtracted, Count: i})
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	s := NewStream()
	ch, cancel := s.Subscribe(4)
	cancel()

	s.Emit(Event{Kind: KindFileCommitted})
	if _, ok := <-ch; ok {
		t.Error("received event after cancel")
	}
	// Double cancel is safe.
	cancel()
}

func TestMultipleSubscribers(t *testing.T) {
	s := NewStream()
	ch1, cancel1 := s.Subscribe(4)
	ch2, cancel2 := s.Subscribe(4)
	defer cancel1()
	defer cancel2()

	s.Emit(Event{Kind: KindSnapshotTaken, Detail: "01ABC"})
	if e := <-ch1; e.Detail != "01ABC" {
		t.Errorf("sub1 event = %+v", e)
	}
	if e := <-ch2; e.Detail != "01ABC" {
		t.Errorf("sub2 event = %+v", e)
	}
}

func TestNilStreamEmit(t *testing.T) {
	var s *Stream
	s.Emit(Event{Kind: KindFileCommitted})
}
