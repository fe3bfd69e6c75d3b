package twitchls

import (
	"bufio"
	"bytes"
	"net/url"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
	"golang.org/x/xerrors"
)

// Twitch extends HLS with tags the m3u8 codec does not model, so those are
// recovered with a second line scan over the same body.
const (
	tagPrefetch     = "#EXT-X-TWITCH-PREFETCH:"
	tagLiveSequence = "#EXT-X-TWITCH-LIVE-SEQUENCE:"
	tagTotalSecs    = "#EXT-X-TWITCH-TOTAL-SECS:"
	tagEndList      = "#EXT-X-ENDLIST"
)

// MediaPlaylist is one snapshot of a live media playlist.
type MediaPlaylist struct {
	TargetDuration float64
	MediaSequence  uint64
	// LiveSequence mirrors #EXT-X-TWITCH-LIVE-SEQUENCE when present.
	LiveSequence uint64
	// ServerTime mirrors #EXT-X-TWITCH-TOTAL-SECS, useful for drift
	// diagnostics.
	ServerTime float64
	Segments   []*Segment
	Ended      bool
}

// ParseMediaPlaylist decodes a media playlist body. Relative segment URIs
// are resolved against base. Prefetch entries get the sequence numbers
// directly after the last #EXTINF segment, in playlist order.
func ParseMediaPlaylist(base *url.URL, body string) (*MediaPlaylist, error) {
	if !strings.HasPrefix(strings.TrimSpace(body), "#EXTM3U") {
		return nil, errKind(KindInvalidPlaylist, xerrors.New("missing #EXTM3U header"))
	}

	decoded, _, err := m3u8.Decode(*bytes.NewBufferString(body), true)
	if err != nil {
		return nil, errKind(KindInvalidPlaylist, err)
	}

	mediapl, ok := decoded.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, errKind(KindInvalidPlaylist, xerrors.New("not a media playlist"))
	}

	p := &MediaPlaylist{
		TargetDuration: mediapl.TargetDuration,
		MediaSequence:  mediapl.SeqNo,
		Ended:          mediapl.Closed,
	}

	lastDuration := mediapl.TargetDuration
	for _, seg := range mediapl.Segments {
		// the codec pads its ring with nil entries
		if seg == nil {
			continue
		}

		u, err := url.Parse(seg.URI)
		if err != nil {
			return nil, errKind(KindInvalidPlaylist, err)
		}
		if base != nil {
			u = base.ResolveReference(u)
		}

		lastDuration = seg.Duration
		p.Segments = append(p.Segments, &Segment{
			Sequence:      p.MediaSequence + uint64(len(p.Segments)),
			URL:           u,
			Duration:      seg.Duration,
			Title:         seg.Title,
			Kind:          SegmentNormal,
			Discontinuity: seg.Discontinuity,
			Ad:            adTitle(seg.Title),
		})
	}

	if err := p.scanTwitchTags(base, body, lastDuration); err != nil {
		return nil, err
	}

	if len(p.Segments) == 0 && !p.Ended {
		return nil, errKind(KindInvalidPlaylist, xerrors.New("live playlist with no segments"))
	}

	return p, nil
}

func (p *MediaPlaylist) scanTwitchTags(base *url.URL, body string, prefetchDuration float64) error {
	prefetchSeen := 0
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, tagPrefetch):
			u, err := url.Parse(strings.TrimPrefix(line, tagPrefetch))
			if err != nil {
				return errKind(KindInvalidPlaylist, err)
			}
			if base != nil {
				u = base.ResolveReference(u)
			}

			kind := SegmentPrefetchNext
			if prefetchSeen > 0 {
				kind = SegmentPrefetchNextNext
			}
			prefetchSeen++

			p.Segments = append(p.Segments, &Segment{
				Sequence: p.MediaSequence + uint64(len(p.Segments)),
				URL:      u,
				Duration: prefetchDuration,
				Kind:     kind,
			})
		case strings.HasPrefix(line, tagLiveSequence):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, tagLiveSequence), 10, 64)
			if err == nil {
				p.LiveSequence = n
			}
		case strings.HasPrefix(line, tagTotalSecs):
			secs, err := strconv.ParseFloat(strings.TrimPrefix(line, tagTotalSecs), 64)
			if err == nil {
				p.ServerTime = secs
			}
		}
	}
	return scanner.Err()
}

// Encode renders the canonical form of the playlist. Standard tags go
// through the m3u8 codec, the Twitch extension tags are appended behind it.
func (p *MediaPlaylist) Encode() (string, error) {
	normals := 0
	for _, s := range p.Segments {
		if s.Kind == SegmentNormal {
			normals++
		}
	}

	size := normals
	if size == 0 {
		size = 1
	}
	mediapl, err := m3u8.NewMediaPlaylist(uint(size), uint(size))
	if err != nil {
		return "", err
	}
	mediapl.TargetDuration = p.TargetDuration
	mediapl.SeqNo = p.MediaSequence

	for _, s := range p.Segments {
		if s.Kind != SegmentNormal {
			continue
		}
		seg := &m3u8.MediaSegment{
			URI:           s.URL.String(),
			Duration:      s.Duration,
			Title:         s.Title,
			Discontinuity: s.Discontinuity,
		}
		if err := mediapl.AppendSegment(seg); err != nil {
			return "", err
		}
	}

	var b strings.Builder
	b.WriteString(mediapl.Encode().String())
	if p.LiveSequence > 0 {
		b.WriteString(tagLiveSequence + strconv.FormatUint(p.LiveSequence, 10) + "\n")
	}
	if p.ServerTime > 0 {
		b.WriteString(tagTotalSecs + strconv.FormatFloat(p.ServerTime, 'f', 3, 64) + "\n")
	}
	for _, s := range p.Segments {
		if s.Kind.Prefetch() {
			b.WriteString(tagPrefetch + s.URL.String() + "\n")
		}
	}
	if p.Ended {
		b.WriteString(tagEndList + "\n")
	}
	return b.String(), nil
}

// adTitle reports whether an #EXTINF title marks a stitched advertisement.
// Twitch watermarks ad segments with the vendor name or field separators in
// the title.
func adTitle(title string) bool {
	return strings.Contains(title, "Amazon") || strings.Contains(title, "|")
}
