package repeahttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestTextReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	body, err := Text(context.Background(), srv.Client(), testURL(t, srv.URL), nil, 3, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", body)
}

func TestTextSendsHeaders(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	h := http.Header{}
	h.Set("User-Agent", "twitchls-test")
	_, err := Text(context.Background(), srv.Client(), testURL(t, srv.URL), h, 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "twitchls-test", got.Load())
}

func TestTextDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Text(context.Background(), srv.Client(), testURL(t, srv.URL), nil, 3, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestTextRetriesServerErrorsUntilBudgetSpent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Text(context.Background(), srv.Client(), testURL(t, srv.URL), nil, 3, 10*time.Millisecond)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.True(t, IsRetriable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestTextRecoversWithinBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := Text(context.Background(), srv.Client(), testURL(t, srv.URL), nil, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ok", body)
}

func TestOpenStreamsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("segment bytes"))
	}))
	defer srv.Close()

	rc, err := Open(context.Background(), srv.Client(), testURL(t, srv.URL), nil)
	require.NoError(t, err)
	defer rc.Close()

	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "segment bytes", string(b))
}

func TestOpenReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.Client(), testURL(t, srv.URL), nil)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}
