package twitchls

import (
	"sync"
)

// segmentQueue hands segments from the refresher to the worker. It is the
// only mutable state shared between the two; holders never do I/O under the
// lock.
type segmentQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	lowLatency bool

	pending       []*Segment
	lastDelivered uint64
	delivered     bool
	generation    uint64
	baseSeen      bool
	baseSequence  uint64

	// jump makes the next merge discard everything but the newest
	// playable segment. Set at session start and for the whole of a
	// pause, so the stream is picked up live instead of replaying the
	// gap; resuming clears it.
	jump    bool
	paused  bool
	ended   bool
	stopped bool
}

// mergeStats describes what one playlist merge changed.
type mergeStats struct {
	// generation counts installed playlists, bumped on every merge.
	generation uint64
	added      int
	// gap is set when the incoming playlist skipped sequence numbers,
	// which happens when the stream restarts.
	gap bool
	// regressed is set when the playlist's base sequence went backwards.
	// The snapshot is discarded, a server never rewinds a live stream.
	regressed bool
}

func newSegmentQueue(lowLatency bool) *segmentQueue {
	q := &segmentQueue{
		lowLatency: lowLatency,
		jump:       true,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// merge folds one playlist snapshot into pending. Segments at or below the
// delivery cursor are dropped, duplicates are never re-queued so the first
// URL observed for a sequence wins.
func (q *segmentQueue) merge(p *MediaPlaylist) mergeStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.generation++
	stats := mergeStats{generation: q.generation}

	if q.baseSeen && p.MediaSequence < q.baseSequence {
		stats.regressed = true
		return stats
	}
	q.baseSeen = true
	if p.MediaSequence > q.baseSequence {
		q.baseSequence = p.MediaSequence
	}

	if p.Ended {
		q.ended = true
	}

	incoming := make([]*Segment, 0, len(p.Segments))
	for _, s := range p.Segments {
		// prefetch hints are only useful in low latency mode
		if s.Kind.Prefetch() && !q.lowLatency {
			continue
		}
		incoming = append(incoming, s)
	}

	if q.jump {
		if len(incoming) == 0 {
			q.cond.Broadcast()
			return stats
		}
		newest := incoming[len(incoming)-1]
		if len(q.pending) == 1 && q.pending[0].Sequence == newest.Sequence {
			// same tail as last time, keep the URL first observed
			q.cond.Broadcast()
			return stats
		}
		q.pending = []*Segment{newest}
		q.lastDelivered = newest.Sequence
		q.delivered = false
		if !q.paused {
			q.jump = false
		}
		stats.added = 1
		q.cond.Broadcast()
		return stats
	}

	floor := q.lastDelivered
	if n := len(q.pending); n > 0 {
		floor = q.pending[n-1].Sequence
	}
	first := true
	for _, s := range incoming {
		if q.delivered || len(q.pending) > 0 || q.lastDelivered > 0 {
			if s.Sequence <= floor {
				continue
			}
		}
		if first && s.Sequence > floor+1 && (q.delivered || len(q.pending) > 0) {
			stats.gap = true
		}
		first = false
		q.pending = append(q.pending, s)
		floor = s.Sequence
		stats.added++
	}

	if stats.added > 0 || q.ended {
		q.cond.Broadcast()
	}
	return stats
}

// pop blocks until a segment is available and returns it, advancing the
// delivery cursor before the caller starts fetching. ok is false once the
// stream has ended and the queue is drained, or the queue was stopped.
func (q *segmentQueue) pop() (seg *Segment, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.stopped {
			return nil, false
		}
		if len(q.pending) > 0 && !q.paused {
			seg = q.pending[0]
			q.pending = q.pending[1:]
			q.lastDelivered = seg.Sequence
			q.delivered = true
			return seg, true
		}
		if q.ended && (len(q.pending) == 0 || q.paused) {
			return nil, false
		}
		q.cond.Wait()
	}
}

// setPaused gates delivery while no sinks are attached. Pending segments
// are discarded, resuming picks the stream back up at the newest segment.
func (q *segmentQueue) setPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused == paused {
		return
	}
	q.paused = paused
	if paused {
		q.pending = nil
		q.jump = true
	} else {
		// the paused merges already positioned pending at the newest
		// segment, resume from there
		q.jump = false
	}
	q.cond.Broadcast()
}

func (q *segmentQueue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *segmentQueue) isEnded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ended
}

func (q *segmentQueue) pendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *segmentQueue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	q.cond.Broadcast()
}
