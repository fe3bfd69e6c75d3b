package twitchls

import "time"

const (
	defaultHTTPRetries      = 3
	defaultHTTPTimeout      = 10 * time.Second
	defaultTCPClientTimeout = 30 * time.Second
)

// Options configures a Session. The zero value works, every field has a
// sensible default.
type Options struct {
	// LowLatency enables prefetch segments and halves the playlist
	// refresh interval.
	LowLatency bool

	// HTTPRetries is the total number of attempts a fetch gets, the first
	// one included.
	HTTPRetries int

	// HTTPTimeout bounds a single playlist or segment request.
	HTTPTimeout time.Duration

	// TCPClientTimeout bounds a single write to a TCP client before the
	// client is dropped.
	TCPClientTimeout time.Duration

	// NoKill leaves the spawned player process running on shutdown.
	NoKill bool

	// RecordOverwrite truncates an existing record file instead of
	// refusing to open it.
	RecordOverwrite bool

	// NeverProxy lists channels that must be fetched from Twitch even
	// when playlist proxies are configured.
	NeverProxy []string
}

func (o Options) withDefaults() Options {
	if o.HTTPRetries <= 0 {
		o.HTTPRetries = defaultHTTPRetries
	}
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = defaultHTTPTimeout
	}
	if o.TCPClientTimeout <= 0 {
		o.TCPClientTimeout = defaultTCPClientTimeout
	}
	return o
}
