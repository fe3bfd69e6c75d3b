// Package twitchls implements the low latency HLS streaming loop for Twitch
// live streams: playlist refresh, segment scheduling and delivery to the
// output bus.
package twitchls

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/2bc4/twitchls/ctxlogger"
	"github.com/2bc4/twitchls/output"
)

// State is the session lifecycle phase, mostly useful for logging and tests.
type State int

const (
	StateBootstrapping State = iota
	StateStreaming
	StatePaused
	StateEnding
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateEnding:
		return "ending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ExitReason is why a session ended, with the conventional process exit
// code attached.
type ExitReason int

const (
	ExitStreamEnded ExitReason = iota
	ExitPlaylistFailure
	ExitSinkFailure
	ExitInterrupted
)

func (r ExitReason) String() string {
	switch r {
	case ExitStreamEnded:
		return "stream ended"
	case ExitPlaylistFailure:
		return "playlist failure"
	case ExitSinkFailure:
		return "sink failure"
	case ExitInterrupted:
		return "interrupted"
	}
	return "unknown"
}

func (r ExitReason) Code() int {
	switch r {
	case ExitStreamEnded:
		return 0
	case ExitPlaylistFailure:
		return 1
	case ExitSinkFailure:
		return 2
	case ExitInterrupted:
		return 130
	}
	return 1
}

// Session drives one live stream: it owns the segment queue, keeps the
// refresher and worker running and reacts to the bus running out of sinks.
type Session struct {
	cancel context.CancelFunc
	eg     *errgroup.Group
	q      *segmentQueue
	bus    *output.Bus
	kick   chan struct{}

	mu          sync.Mutex
	state       State
	interrupted bool

	waitOnce sync.Once
	reason   ExitReason
	err      error
}

// Start begins streaming the variant playlist into the bus. The returned
// session is live immediately; call Wait to block until it ends.
func Start(ctx context.Context, hc *http.Client, variant *url.URL, bus *output.Bus, opts Options) *Session {
	opts = opts.withDefaults()

	cctx, cancel := context.WithCancel(ctx)
	eg, ectx := errgroup.WithContext(cctx)

	s := &Session{
		cancel: cancel,
		eg:     eg,
		q:      newSegmentQueue(opts.LowLatency),
		bus:    bus,
		kick:   make(chan struct{}, 1),
		state:  StateBootstrapping,
	}

	// unblock a worker stuck in pop when everything is torn down
	context.AfterFunc(ectx, s.q.stop)

	r := &refresher{hc: hc, variant: variant, q: s.q, opts: opts, session: s, kick: s.kick}
	w := &worker{hc: hc, q: s.q, bus: bus, opts: opts}

	eg.Go(func() error {
		return r.run(ectx)
	})
	eg.Go(func() error {
		// the worker finishing means nothing more will be delivered,
		// wind the rest down
		defer cancel()
		return w.run(ectx)
	})
	eg.Go(func() error {
		return s.watchBus(ectx)
	})

	return s
}

// Wait blocks until the session ends and returns why. All sinks are closed
// before it returns, on every exit path.
func (s *Session) Wait() ExitReason {
	s.waitOnce.Do(func() {
		err := s.eg.Wait()
		s.q.stop()
		s.bus.Close()
		s.err = err

		switch {
		case s.isInterrupted():
			s.reason = ExitInterrupted
			s.setState(StateDone)
		case err == nil && s.q.isEnded():
			s.reason = ExitStreamEnded
			s.setState(StateDone)
		case err == nil:
			s.reason = ExitInterrupted
			s.setState(StateDone)
		case HasKind(err, KindSinkWrite) || HasKind(err, KindAllOutputsClosed):
			s.reason = ExitSinkFailure
			s.setState(StateFailed)
		default:
			s.reason = ExitPlaylistFailure
			s.setState(StateFailed)
		}
	})
	return s.reason
}

// Err returns the error the session failed with, nil for a clean end.
// Only valid after Wait returned.
func (s *Session) Err() error {
	return s.err
}

// Stop asks the session to shut down and returns immediately.
func (s *Session) Stop() {
	s.mu.Lock()
	s.interrupted = true
	s.mu.Unlock()
	s.cancel()
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// watchBus translates sink population changes into queue pause/resume and
// session shutdown.
func (s *Session) watchBus(ctx context.Context) error {
	log := ctxlogger.ExtractLogger(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.bus.Events():
			switch ev {
			case output.EventPaused:
				log.Printf("no outputs connected, pausing stream")
				s.q.setPaused(true)
				s.setState(StatePaused)
			case output.EventResumed:
				log.Printf("output connected, resuming at the live edge")
				s.q.setPaused(false)
				s.setState(StateStreaming)
				select {
				case s.kick <- struct{}{}:
				default:
				}
			case output.EventAllClosed:
				return errKind(KindAllOutputsClosed, output.ErrAllClosed)
			}
		}
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// noteStreaming flips Bootstrapping to Streaming on the first successful
// playlist refresh.
func (s *Session) noteStreaming() {
	s.mu.Lock()
	if s.state == StateBootstrapping {
		s.state = StateStreaming
	}
	s.mu.Unlock()
}

// noteEnding marks the drain phase once the stream has ended upstream.
func (s *Session) noteEnding() {
	s.mu.Lock()
	if s.state == StateStreaming {
		s.state = StateEnding
	}
	s.mu.Unlock()
}

func (s *Session) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}
