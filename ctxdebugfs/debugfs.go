package ctxdebugfs

import (
	"io"
)

type DebugFSFile interface {
	io.WriteCloser
}

// DebugFS receives copies of fetched playlists for offline inspection.
type DebugFS interface {
	// Open writable DebugFSFile
	Open(name string) (DebugFSFile, error)
}
