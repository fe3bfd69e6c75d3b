package ctxdebugfs

import (
	"context"
)

// Dump writes body to the DebugFS attached to ctx, if any. Errors are
// swallowed, a missing debug artifact must never fail the stream.
func Dump(ctx context.Context, name string, body []byte) {
	fs := ExtractDebugFS(ctx)
	if fs == nil {
		return
	}

	fd, err := fs.Open(name)
	if err != nil {
		return
	}
	defer fd.Close()

	_, _ = fd.Write(body)
}
