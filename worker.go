package twitchls

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/2bc4/twitchls/ctxlogger"
	"github.com/2bc4/twitchls/output"
	"github.com/2bc4/twitchls/repeahttp"
)

// chunkSize is the unit segments are streamed to the bus in. Segments are
// never buffered whole.
const chunkSize = 16 * 1024

// worker pops segments off the queue and pipes their bytes into the output
// bus, overlapping with the refresher discovering the next segment.
type worker struct {
	hc   *http.Client
	q    *segmentQueue
	bus  *output.Bus
	opts Options
}

func (w *worker) run(ctx context.Context) error {
	log := ctxlogger.ExtractLogger(ctx)

	buf := make([]byte, chunkSize)
	for {
		seg, ok := w.q.pop()
		if !ok {
			return nil
		}

		if seg.Ad {
			log.Printf("advertisement segment %d", seg.Sequence)
		}
		if seg.Discontinuity {
			log.Printf("discontinuity before segment %d", seg.Sequence)
		}

		if err := w.deliver(ctx, log, seg, buf); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *worker) deliver(ctx context.Context, log ctxlogger.Logger, seg *Segment, buf []byte) error {
	body, err := w.open(ctx, seg)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		log.Warnf("skipping segment %d (%s): %v", seg.Sequence, seg.Kind, err)
		return nil
	}
	defer body.Close()

	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if werr := w.bus.Write(buf[:n]); werr != nil {
				return errKind(KindSinkWrite, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf("segment %d truncated: %v", seg.Sequence, rerr)
			break
		}
	}

	log.Debugf("delivered segment %d (%s)", seg.Sequence, seg.Kind)
	return nil
}

// open starts the segment download. Retries are bounded by the segment's
// duration, waiting longer would put the session behind real time for good.
// A 404 on a prefetch means the segment is not written yet and gets one
// short retry; a 404 on a normal segment is skipped outright.
func (w *worker) open(ctx context.Context, seg *Segment) (io.ReadCloser, error) {
	attempts := w.opts.HTTPRetries
	if attempts < 1 {
		attempts = 1
	}

	budget := time.Duration(seg.Duration * float64(time.Second))
	if budget <= 0 {
		budget = time.Second
	}
	step := budget / time.Duration(attempts)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		body, err := repeahttp.Open(ctx, w.hc, seg.URL, nil)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if repeahttp.IsNotFound(err) {
			if seg.Kind.Prefetch() && attempt == 0 {
				if !sleepCtx(ctx, minDuration(500*time.Millisecond, step)) {
					return nil, ctx.Err()
				}
				continue
			}
			return nil, err
		}
		if !repeahttp.IsRetriable(err) {
			return nil, err
		}
		if !sleepCtx(ctx, step) {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
