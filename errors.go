package twitchls

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrorKind classifies a failure so callers can tell transient trouble from
// conditions that end the session.
type ErrorKind int

const (
	// KindTransportTransient covers network errors and 5xx responses.
	KindTransportTransient ErrorKind = iota
	// KindInvalidPlaylist means the playlist body could not be parsed.
	KindInvalidPlaylist
	// KindPlaylistUnreachable means playlist refreshes kept failing after
	// the retry budget ran out.
	KindPlaylistUnreachable
	// KindSinkWrite means a write to the last remaining sink failed.
	KindSinkWrite
	// KindAllOutputsClosed means every sink is gone and no new ones can
	// attach.
	KindAllOutputsClosed
	// KindInterrupted means the user asked the session to stop.
	KindInterrupted
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransportTransient:
		return "transport"
	case KindInvalidPlaylist:
		return "invalid playlist"
	case KindPlaylistUnreachable:
		return "playlist unreachable"
	case KindSinkWrite:
		return "sink write failed"
	case KindAllOutputsClosed:
		return "all outputs closed"
	case KindInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Error is the sum type all session failures are reported as.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retriable reports whether the failure is worth another local attempt.
func (e *Error) Retriable() bool {
	return e.Kind == KindTransportTransient
}

func errKind(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// HasKind reports whether err wraps an Error of the given kind.
func HasKind(err error, kind ErrorKind) bool {
	var e *Error
	return xerrors.As(err, &e) && e.Kind == kind
}
