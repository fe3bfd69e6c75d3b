// Package usher resolves a channel name into a variant media playlist URL,
// either directly from Twitch or through a playlist proxy.
package usher

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxlogger"
	"github.com/2bc4/twitchls/repeahttp"
)

const (
	hlsBase       = "https://usher.ttvnw.net/api/channel/hls/"
	userAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:144.0) Gecko/20100101 Firefox/144.0"
	playerVersion = "1.44.0-rc.1.1"

	defaultCodecs = "av1,h265,h264"
)

// ErrOffline means the channel is not live or the playlist is unavailable.
var ErrOffline = xerrors.New("stream is offline or unavailable")

// Options configures playlist resolution. The zero value resolves the best
// quality straight from Twitch.
type Options struct {
	// ClientID overrides the client id sent to the GQL endpoint.
	ClientID string
	// AuthToken is a user OAuth token; subscribers get ad-free playlists.
	AuthToken string
	// Servers lists playlist proxy URL templates, "[channel]" is
	// substituted. When empty the playlist comes from Twitch.
	Servers []string
	// Codecs is the supported codec list advertised to the server.
	Codecs string
	// Quality names the variant to play, or "best".
	Quality string
	// LowLatency asks for a low latency playlist.
	LowLatency bool

	HTTPRetries int
	HTTPTimeout time.Duration
}

// Variant is a resolved media playlist.
type Variant struct {
	URL *url.URL
	// Channel is the canonical channel name the playlist belongs to.
	Channel string
	// LowLatency reports whether low latency was requested and the master
	// playlist advertises prefetch segments for this stream.
	LowLatency bool
}

// Resolve turns a channel name into a variant playlist URL. With proxy
// servers configured they are tried in order before giving up; otherwise
// the playlist is requested from Twitch with a fresh access token.
func Resolve(ctx context.Context, hc *http.Client, channel string, opts Options) (*Variant, error) {
	if opts.Codecs == "" {
		opts.Codecs = defaultCodecs
	}
	if opts.Quality == "" {
		opts.Quality = "best"
	}

	var (
		body string
		err  error
	)
	if len(opts.Servers) > 0 {
		body, err = fetchProxyPlaylist(ctx, hc, channel, opts)
	} else {
		body, err = fetchTwitchPlaylist(ctx, hc, channel, opts)
	}
	if err != nil {
		return nil, err
	}

	variantURL, err := selectVariant(body, opts.Quality)
	if err != nil {
		return nil, err
	}

	return &Variant{
		URL:     variantURL,
		Channel: channel,
		// Twitch marks low latency streams in the master playlist
		LowLatency: opts.LowLatency && strings.Contains(body, `FUTURE="true"`),
	}, nil
}

func fetchTwitchPlaylist(ctx context.Context, hc *http.Client, channel string, opts Options) (string, error) {
	log := ctxlogger.ExtractLogger(ctx)
	log.Printf("fetching playlist for channel %s", channel)

	token, err := playbackAccessToken(ctx, hc, channel, opts)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(hlsBase + channel + ".m3u8")
	if err != nil {
		return "", err
	}

	ll := strconv.FormatBool(opts.LowLatency)
	q := url.Values{}
	q.Set("acmb", "e30=")
	q.Set("allow_source", "true")
	q.Set("allow_audio_only", "true")
	q.Set("cdm", "wv")
	q.Set("fast_bread", ll)
	q.Set("playlist_include_framerate", "true")
	q.Set("player_backend", "mediaplayer")
	q.Set("reassignments_supported", "true")
	q.Set("supported_codecs", opts.Codecs)
	q.Set("transcode_mode", "cbr_v1")
	q.Set("p", strconv.Itoa(randDigits(7)))
	q.Set("play_session_id", token.playSessionID)
	q.Set("sig", token.signature)
	q.Set("token", token.value)
	q.Set("player_version", playerVersion)
	q.Set("warp", ll)
	q.Set("browser_family", "firefox")
	q.Set("browser_version", userAgent[len(userAgent)-5:])
	q.Set("os_name", "Windows")
	q.Set("os_version", "NT 10.0")
	q.Set("platform", "web")
	u.RawQuery = q.Encode()

	body, err := repeahttp.Text(ctx, hc, u, header(), opts.HTTPRetries, timeout(opts))
	if err != nil {
		if repeahttp.IsNotFound(err) {
			return "", ErrOffline
		}
		return "", err
	}
	return body, nil
}

// fetchProxyPlaylist walks the proxy list in order and returns the first
// playlist that resolves, so a dead proxy only costs one request.
func fetchProxyPlaylist(ctx context.Context, hc *http.Client, channel string, opts Options) (string, error) {
	log := ctxlogger.ExtractLogger(ctx)
	log.Printf("fetching playlist for channel %s (proxy)", channel)

	ll := strconv.FormatBool(opts.LowLatency)
	for _, server := range opts.Servers {
		u, err := url.Parse(strings.ReplaceAll(server, "[channel]", channel))
		if err != nil {
			return "", xerrors.Errorf("invalid server URL: %w", err)
		}

		q := u.Query()
		q.Set("allow_source", "true")
		q.Set("allow_audio_only", "true")
		q.Set("fast_bread", ll)
		q.Set("warp", ll)
		q.Set("supported_codecs", opts.Codecs)
		q.Set("platform", "web")
		u.RawQuery = q.Encode()

		log.Printf("using server %s://%s", u.Scheme, u.Host)
		body, err := repeahttp.Text(ctx, hc, u, header(), 0, timeout(opts))
		if err != nil {
			if repeahttp.IsNotFound(err) {
				log.Errorf("playlist not found. stream offline?")
			} else {
				log.Errorf("%v", err)
			}
			continue
		}
		return body, nil
	}
	return "", ErrOffline
}

// selectVariant picks a media playlist out of the master playlist body.
// "best" takes the highest bandwidth; anything else matches the rendition
// name Twitch puts in the alternative media tags.
func selectVariant(body, quality string) (*url.URL, error) {
	decoded, _, err := m3u8.Decode(*bytes.NewBufferString(body), true)
	if err != nil {
		return nil, xerrors.Errorf("malformed master playlist: %w", err)
	}

	master, ok := decoded.(*m3u8.MasterPlaylist)
	if !ok {
		// some proxies hand out the media playlist directly
		if media, ok := decoded.(*m3u8.MediaPlaylist); ok && len(media.Segments) > 0 {
			return nil, xerrors.New("server returned a media playlist, expected a master playlist")
		}
		return nil, xerrors.New("not a master playlist")
	}

	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if quality != "best" && variantMatches(v, quality) {
			best = v
			break
		}
		if quality == "best" && (best == nil || v.Bandwidth > best.Bandwidth) {
			best = v
		}
	}
	if best == nil {
		return nil, xerrors.Errorf("invalid quality or malformed master playlist: %s", quality)
	}

	u, err := url.Parse(best.URI)
	if err != nil {
		return nil, err
	}
	return u, nil
}

func variantMatches(v *m3u8.Variant, quality string) bool {
	for _, alt := range v.Alternatives {
		if alt != nil && strings.Contains(alt.Name, quality) {
			return true
		}
	}
	return strings.Contains(v.Video, quality) || strings.Contains(v.Resolution, quality)
}

func header() http.Header {
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	return h
}

func timeout(opts Options) time.Duration {
	if opts.HTTPTimeout > 0 {
		return opts.HTTPTimeout
	}
	return 10 * time.Second
}
