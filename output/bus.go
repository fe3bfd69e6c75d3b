// Package output fans the MPEG-TS byte stream out to the configured sinks:
// a spawned player, a record file and any number of TCP clients.
package output

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxlogger"
)

// Sink is any consumer of the streamed bytes. Write must accept the whole
// chunk or fail, after which the bus closes and drops the sink.
type Sink interface {
	Write(p []byte) error
	Close() error
	Name() string
}

// Event tells the session about sink population changes.
type Event int

const (
	// EventPaused means no sinks remain but new TCP clients may attach.
	EventPaused Event = iota
	// EventResumed means a sink attached while the bus was paused.
	EventResumed
	// EventAllClosed means every sink is gone for good.
	EventAllClosed
)

var ErrAllClosed = xerrors.New("all outputs closed")

// Bus distributes chunks to the attached sinks with per-sink failure
// isolation. A failing sink is dropped, the rest keep receiving bytes.
type Bus struct {
	log    ctxlogger.Logger
	events chan Event

	mu            sync.Mutex
	sinks         []Sink
	expectClients bool
	paused        bool
	closed        bool
}

func NewBus(log ctxlogger.Logger) *Bus {
	return &Bus{
		log:    log,
		events: make(chan Event, 8),
	}
}

// ExpectClients marks that a listener may attach sinks at any time, so
// running out of sinks pauses the stream instead of ending it. An empty bus
// starts out paused.
func (b *Bus) ExpectClients() {
	b.mu.Lock()
	b.expectClients = true
	pause := len(b.sinks) == 0 && !b.paused && !b.closed
	if pause {
		b.paused = true
	}
	b.mu.Unlock()

	if pause {
		b.emit(EventPaused)
	}
}

// Attach adds a sink. Attaching to a paused bus resumes it.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = s.Close()
		return
	}
	b.sinks = append(b.sinks, s)
	resumed := b.paused
	b.paused = false
	b.mu.Unlock()

	b.log.Printf("output attached: %s", s.Name())
	if resumed {
		b.emit(EventResumed)
	}
}

// Write delivers one chunk to every sink. It returns ErrAllClosed only once
// no sink remains and none can attach anymore; individual sink failures are
// absorbed. The chunk is copied before delivery because buffered sinks keep
// it past this call.
func (b *Bus) Write(p []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrAllClosed
	}
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	if len(sinks) == 0 {
		return b.drop(nil)
	}

	data := make([]byte, len(p))
	copy(data, p)

	var failed []Sink
	for _, s := range sinks {
		if err := s.Write(data); err != nil {
			b.log.Warnf("dropping output %s: %v", s.Name(), err)
			failed = append(failed, s)
		}
	}
	if len(failed) > 0 {
		return b.drop(failed)
	}
	return nil
}

func (b *Bus) drop(failed []Sink) error {
	for _, s := range failed {
		_ = s.Close()
	}

	b.mu.Lock()
	kept := b.sinks[:0]
	for _, s := range b.sinks {
		dropped := false
		for _, f := range failed {
			if s == f {
				dropped = true
				break
			}
		}
		if !dropped {
			kept = append(kept, s)
		}
	}
	b.sinks = kept

	if len(b.sinks) > 0 || b.closed {
		b.mu.Unlock()
		return nil
	}
	if b.expectClients {
		pause := !b.paused
		if pause {
			b.paused = true
		}
		b.mu.Unlock()
		if pause {
			b.emit(EventPaused)
		}
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	b.emit(EventAllClosed)
	return ErrAllClosed
}

// ActiveSinks returns the number of currently attached sinks.
func (b *Bus) ActiveSinks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Events delivers sink population changes to the session.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close flushes and closes every sink. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	sinks := b.sinks
	b.sinks = nil
	b.closed = true
	b.mu.Unlock()

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			b.log.Warnf("closing output %s: %v", s.Name(), err)
		}
	}
}

func (b *Bus) emit(ev Event) {
	select {
	case b.events <- ev:
	default:
		// the session stopped listening, nothing left to coordinate
	}
}
