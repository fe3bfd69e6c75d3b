package twitchls

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxdebugfs"
	"github.com/2bc4/twitchls/ctxlogger"
	"github.com/2bc4/twitchls/repeahttp"
)

// catchupInterval bounds how quickly the refresher re-polls when a refresh
// produced nothing new. Bounded catch-up, not a busy loop.
const catchupInterval = time.Second

// refresher periodically reloads the media playlist and merges it into the
// queue. It runs until the stream ends, the context is cancelled or the
// playlist becomes unreachable.
type refresher struct {
	hc      *http.Client
	variant *url.URL
	q       *segmentQueue
	opts    Options
	session *Session
	kick    <-chan struct{}
}

func (r *refresher) run(ctx context.Context) error {
	log := ctxlogger.ExtractLogger(ctx)

	for {
		if r.q.isEnded() {
			return nil
		}

		start := time.Now()
		p, err := r.fetch(ctx, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		stats := r.q.merge(p)
		if stats.regressed {
			log.Errorf("sequence went backwards")
			return errKind(KindInvalidPlaylist, xerrors.New("sequence went backwards"))
		}
		r.session.noteStreaming()

		if stats.gap {
			log.Warnf("sequence numbers jumped forward, stream restarted?")
		}
		log.Debugf("playlist refresh %d: %d segments added", stats.generation, stats.added)

		if p.Ended {
			log.Printf("stream ended")
			r.session.noteEnding()
			return nil
		}

		if !r.sleep(ctx, start, r.interval(p, stats)) {
			return nil
		}
	}
}

// interval computes the time between the start of the previous fetch and
// the next one. Low latency mode polls twice per target duration to pick up
// prefetch URLs sooner; an unchanged playlist is re-polled quickly but never
// busily; a paused session only keeps the playlist warm.
func (r *refresher) interval(p *MediaPlaylist, stats mergeStats) time.Duration {
	interval := time.Duration(p.TargetDuration * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if r.q.isPaused() {
		return interval
	}
	if r.opts.LowLatency {
		interval /= 2
	}
	if stats.added == 0 && interval > catchupInterval {
		interval = catchupInterval
	}
	return interval
}

func (r *refresher) sleep(ctx context.Context, start time.Time, interval time.Duration) bool {
	d := time.Until(start.Add(interval))
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-r.kick:
		return true
	case <-timer.C:
		return true
	}
}

// fetch loads and parses the playlist. An invalid body gets one immediate
// re-fetch before the error is treated as fatal.
func (r *refresher) fetch(ctx context.Context, log ctxlogger.Logger) (*MediaPlaylist, error) {
	body, err := repeahttp.Text(ctx, r.hc, r.variant, nil, r.opts.HTTPRetries, r.opts.HTTPTimeout)
	if err != nil {
		return nil, errKind(KindPlaylistUnreachable, err)
	}
	ctxdebugfs.Dump(ctx, fmt.Sprintf("%d.m3u8", time.Now().UnixMilli()), []byte(body))

	p, perr := ParseMediaPlaylist(r.variant, body)
	if perr == nil {
		return p, nil
	}
	log.Warnf("invalid playlist, refetching: %v", perr)

	body, err = repeahttp.Text(ctx, r.hc, r.variant, nil, 1, r.opts.HTTPTimeout)
	if err != nil {
		return nil, errKind(KindPlaylistUnreachable, err)
	}

	p, perr = ParseMediaPlaylist(r.variant, body)
	if perr != nil {
		return nil, perr
	}
	return p, nil
}
