package twitchls

import (
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seg(sequence uint64, kind SegmentKind) *Segment {
	u, _ := url.Parse(fmt.Sprintf("https://edge.example/seg%d.ts", sequence))
	return &Segment{
		Sequence: sequence,
		URL:      u,
		Duration: 2.0,
		Kind:     kind,
	}
}

func snapshot(ended bool, segments ...*Segment) *MediaPlaylist {
	return &MediaPlaylist{
		TargetDuration: 2.0,
		MediaSequence:  segments[0].Sequence,
		Segments:       segments,
		Ended:          ended,
	}
}

func TestQueueSkipsToNewestOnFirstMerge(t *testing.T) {
	q := newSegmentQueue(true)
	stats := q.merge(snapshot(false,
		seg(100, SegmentNormal), seg(101, SegmentNormal), seg(102, SegmentNormal), seg(103, SegmentPrefetchNext)))
	assert.Equal(t, 1, stats.added)

	got, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(103), got.Sequence)
	assert.Equal(t, SegmentPrefetchNext, got.Kind)
}

func TestQueueIgnoresPrefetchWithoutLowLatency(t *testing.T) {
	q := newSegmentQueue(false)
	q.merge(snapshot(false,
		seg(100, SegmentNormal), seg(101, SegmentNormal), seg(103, SegmentPrefetchNext)))

	got, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(101), got.Sequence)
	assert.Equal(t, SegmentNormal, got.Kind)
}

func TestQueueMergeAppendsOnlyNewSegments(t *testing.T) {
	q := newSegmentQueue(true)
	q.merge(snapshot(false, seg(100, SegmentNormal), seg(101, SegmentNormal)))

	got, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, uint64(101), got.Sequence)

	stats := q.merge(snapshot(false,
		seg(100, SegmentNormal), seg(101, SegmentNormal), seg(102, SegmentNormal), seg(103, SegmentNormal)))
	assert.Equal(t, 2, stats.added)
	assert.False(t, stats.gap)

	for want := uint64(102); want <= 103; want++ {
		got, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, want, got.Sequence)
	}
}

func TestQueueRemergeIsNoOp(t *testing.T) {
	q := newSegmentQueue(true)
	p := snapshot(false, seg(100, SegmentNormal), seg(101, SegmentNormal))
	q.merge(p)
	_, _ = q.pop()

	before := q.pendingCount()
	stats := q.merge(p)
	assert.Equal(t, 0, stats.added)
	assert.Equal(t, before, q.pendingCount())
}

func TestQueuePrefetchFirstURLWins(t *testing.T) {
	q := newSegmentQueue(true)

	first := seg(103, SegmentPrefetchNext)
	q.merge(snapshot(false, seg(102, SegmentNormal), first))

	second := seg(103, SegmentPrefetchNext)
	second.URL, _ = url.Parse("https://edge.example/other-103.ts")
	q.merge(snapshot(false, seg(102, SegmentNormal), second))

	got, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, first.URL.String(), got.URL.String())
}

func TestQueueEndedDrainsThenStops(t *testing.T) {
	q := newSegmentQueue(true)
	q.merge(snapshot(false, seg(199, SegmentNormal), seg(200, SegmentNormal)))
	_, _ = q.pop()

	q.merge(snapshot(true, seg(199, SegmentNormal), seg(200, SegmentNormal), seg(201, SegmentNormal)))
	assert.True(t, q.isEnded())

	got, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(201), got.Sequence)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestQueueSequenceGapIsAcceptedAndFlagged(t *testing.T) {
	q := newSegmentQueue(true)
	q.merge(snapshot(false, seg(100, SegmentNormal)))
	_, _ = q.pop()

	stats := q.merge(snapshot(false, seg(110, SegmentNormal), seg(111, SegmentNormal)))
	assert.True(t, stats.gap)
	assert.Equal(t, 2, stats.added)

	got, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, uint64(110), got.Sequence)
}

func TestQueueRejectsSequenceRegression(t *testing.T) {
	q := newSegmentQueue(true)
	q.merge(snapshot(false, seg(100, SegmentNormal), seg(101, SegmentNormal)))
	_, _ = q.pop()

	stats := q.merge(snapshot(false, seg(90, SegmentNormal), seg(91, SegmentNormal)))
	assert.True(t, stats.regressed)
	assert.Equal(t, 0, stats.added)
	// the rewound snapshot is discarded wholesale
	assert.Equal(t, 0, q.pendingCount())
	assert.False(t, q.isEnded())
}

func TestQueuePauseBlocksAndResumesAtNewest(t *testing.T) {
	q := newSegmentQueue(true)
	q.merge(snapshot(false, seg(100, SegmentNormal), seg(101, SegmentNormal)))
	_, _ = q.pop()

	q.setPaused(true)
	assert.Equal(t, 0, q.pendingCount())

	// refreshes during the pause only track the newest segment
	q.merge(snapshot(false, seg(102, SegmentNormal), seg(103, SegmentNormal)))
	q.merge(snapshot(false, seg(104, SegmentNormal), seg(105, SegmentNormal)))
	assert.Equal(t, 1, q.pendingCount())

	popped := make(chan *Segment, 1)
	go func() {
		if s, ok := q.pop(); ok {
			popped <- s
		}
	}()

	select {
	case <-popped:
		t.Fatal("pop returned while paused")
	case <-time.After(50 * time.Millisecond):
	}

	q.setPaused(false)
	select {
	case s := <-popped:
		assert.Equal(t, uint64(105), s.Sequence)
	case <-time.After(time.Second):
		t.Fatal("pop did not resume")
	}

	// the paused gap is never replayed
	stats := q.merge(snapshot(false, seg(104, SegmentNormal), seg(105, SegmentNormal), seg(106, SegmentNormal)))
	assert.Equal(t, 1, stats.added)
}

func TestQueueStopUnblocksPop(t *testing.T) {
	q := newSegmentQueue(true)

	done := make(chan bool, 1)
	go func() {
		_, ok := q.pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.stop()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not observe stop")
	}
}
