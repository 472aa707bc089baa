package events

import (
	"context"
	"sync"
)

// Recorder keeps every event in memory. It works both as a synchronous
// Publisher and as a Bus sink, and lets in-process consumers subscribe.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	subs   []chan Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, e Event) { r.record(e) }

func (r *Recorder) Name() string { return "memory" }

func (r *Recorder) Deliver(_ context.Context, e Event) error {
	r.record(e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	for _, s := range r.subs {
		select {
		case s <- e:
		default:
		}
	}
}

// Subscribe returns a buffered channel receiving events recorded from now on.
// Slow subscribers miss events rather than block publishers.
func (r *Recorder) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	return ch
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
