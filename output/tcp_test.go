package output

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2bc4/twitchls/ctxlogger"
)

func TestTCPClientDeliversBytes(t *testing.T) {
	server, peer := net.Pipe()
	var released atomic.Bool
	c := newTCPClient(ctxlogger.NewDummyLogger(), server, time.Second, func() { released.Store(true) })

	got := make(chan []byte, 1)
	go func() {
		b := make([]byte, 5)
		if _, err := io.ReadFull(peer, b); err == nil {
			got <- b
		}
	}()

	require.NoError(t, c.Write([]byte("hello")))
	select {
	case b := <-got:
		assert.Equal(t, []byte("hello"), b)
	case <-time.After(time.Second):
		t.Fatal("client never received bytes")
	}

	require.NoError(t, c.Close())
	assert.True(t, released.Load())
	assert.Error(t, c.Write([]byte("after close")))
}

func TestTCPClientDroppedWhenStalled(t *testing.T) {
	server, peer := net.Pipe()
	defer peer.Close()

	var released atomic.Bool
	c := newTCPClient(ctxlogger.NewDummyLogger(), server, 50*time.Millisecond, func() { released.Store(true) })

	// the peer never reads, the queue fills and the write deadline trips
	deadline := time.Now().Add(5 * time.Second)
	var failed bool
	for time.Now().Before(deadline) {
		if err := c.Write([]byte("chunk")); err != nil {
			failed = true
			break
		}
	}

	assert.True(t, failed, "stalled client was never dropped")
	assert.True(t, released.Load())
}

func TestTCPServerStreamsToClients(t *testing.T) {
	log := ctxlogger.NewDummyLogger()
	srv, err := ListenTCP(log, "127.0.0.1:0", time.Second)
	require.NoError(t, err)

	bus := NewBus(log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = srv.Serve(ctx, bus)
	}()

	// the empty bus starts paused until the first client attaches
	select {
	case ev := <-bus.Events():
		require.Equal(t, EventPaused, ev)
	case <-time.After(time.Second):
		t.Fatal("expected a pause event")
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ev := <-bus.Events():
		require.Equal(t, EventResumed, ev)
	case <-time.After(time.Second):
		t.Fatal("expected a resume event")
	}

	require.NoError(t, bus.Write([]byte("stream bytes")))

	b := make([]byte, len("stream bytes"))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn, b)
	require.NoError(t, err)
	assert.Equal(t, []byte("stream bytes"), b)

	// a second client only sees bytes from its attach point onward
	conn2, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()

	require.Eventually(t, func() bool { return bus.ActiveSinks() == 2 }, time.Second, 10*time.Millisecond)
	require.NoError(t, bus.Write([]byte("later")))

	b2 := make([]byte, len("later"))
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = io.ReadFull(conn2, b2)
	require.NoError(t, err)
	assert.Equal(t, []byte("later"), b2)
}
