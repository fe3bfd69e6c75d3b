package usher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const masterPlaylist = `#EXTM3U
#EXT-X-TWITCH-INFO:NODE="video-edge.example",MANIFEST-NODE="video-weaver.example",SERVER-TIME="1700000000.00",FUTURE="true"
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="chunked",NAME="1080p60 (source)",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,CODECS="avc1.64002A,mp4a.40.2",VIDEO="chunked",FRAME-RATE=60.000
https://edge.example/chunked/index.m3u8
#EXT-X-MEDIA:TYPE=VIDEO,GROUP-ID="720p60",NAME="720p60",AUTOSELECT=YES,DEFAULT=YES
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1280x720,CODECS="avc1.4D401F,mp4a.40.2",VIDEO="720p60",FRAME-RATE=60.000
https://edge.example/720p60/index.m3u8
`

func TestSelectVariantBest(t *testing.T) {
	u, err := selectVariant(masterPlaylist, "best")
	require.NoError(t, err)
	assert.Equal(t, "https://edge.example/chunked/index.m3u8", u.String())
}

func TestSelectVariantByName(t *testing.T) {
	u, err := selectVariant(masterPlaylist, "720p60")
	require.NoError(t, err)
	assert.Equal(t, "https://edge.example/720p60/index.m3u8", u.String())
}

func TestSelectVariantUnknownQuality(t *testing.T) {
	_, err := selectVariant(masterPlaylist, "4k")
	require.Error(t, err)
}

func TestResolveRotatesProxies(t *testing.T) {
	var deadCalls atomic.Int32
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadCalls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer dead.Close()

	var liveChannel atomic.Value
	live := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		liveChannel.Store(r.URL.Path)
		_, _ = w.Write([]byte(masterPlaylist))
	}))
	defer live.Close()

	variant, err := Resolve(context.Background(), http.DefaultClient, "somechannel", Options{
		Servers:    []string{dead.URL + "/playlist/[channel].m3u8", live.URL + "/playlist/[channel].m3u8"},
		Quality:    "best",
		LowLatency: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), deadCalls.Load())
	assert.Equal(t, "/playlist/somechannel.m3u8", liveChannel.Load())
	assert.Equal(t, "https://edge.example/chunked/index.m3u8", variant.URL.String())
	assert.Equal(t, "somechannel", variant.Channel)
	// the master playlist advertises prefetch support
	assert.True(t, variant.LowLatency)
}

func TestResolveOfflineWhenAllProxiesFail(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer dead.Close()

	_, err := Resolve(context.Background(), http.DefaultClient, "somechannel", Options{
		Servers: []string{dead.URL + "/[channel]"},
		Quality: "best",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOffline)
}
