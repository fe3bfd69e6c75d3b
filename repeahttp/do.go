package repeahttp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/xerrors"
)

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d for %s", e.Code, e.URL)
}

func (e *StatusError) NotFound() bool {
	return e.Code == http.StatusNotFound
}

// Retriable reports whether retrying the same request can succeed.
func (e *StatusError) Retriable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

func IsNotFound(err error) bool {
	var se *StatusError
	return xerrors.As(err, &se) && se.NotFound()
}

func IsRetriable(err error) bool {
	var se *StatusError
	if xerrors.As(err, &se) {
		return se.Retriable()
	}
	// transport errors are always worth another try
	return true
}

func get(ctx context.Context, hc *http.Client, u *url.URL, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	if header != nil {
		req.Header = header.Clone()
	}
	return hc.Do(req)
}

// Text GETs u and returns the whole body. Transient failures are retried
// until the budget of retries total attempts is spent; each retry waits at
// least timeout so a stalled server is never hammered faster than it can
// answer.
func Text(ctx context.Context, hc *http.Client, u *url.URL, header http.Header, retries int, timeout time.Duration) (string, error) {
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			backoff := ((1 << (i - 1)) >> 1) * time.Second
			if backoff < timeout {
				backoff = timeout
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		body, err := textOnce(ctx, hc, u, header, timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetriable(err) {
			break
		}
	}
	return "", lastErr
}

func textOnce(ctx context.Context, hc *http.Client, u *url.URL, header http.Header, timeout time.Duration) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := get(cctx, hc, u, header)
	if err != nil {
		return "", xerrors.Errorf("%w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode > 399 {
		return "", &StatusError{Code: resp.StatusCode, URL: u.String()}
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", xerrors.Errorf("%w", err)
	}
	return string(b), nil
}

// Open GETs u and returns the streaming body. Single attempt, the caller
// owns the retry policy. The body lives until Close, so no per-request
// timeout is applied here; set deadlines on the client's transport instead.
func Open(ctx context.Context, hc *http.Client, u *url.URL, header http.Header) (io.ReadCloser, error) {
	resp, err := get(ctx, hc, u, header)
	if err != nil {
		return nil, xerrors.Errorf("%w", err)
	}

	if resp.StatusCode > 399 {
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, URL: u.String()}
	}

	return resp.Body, nil
}
