package output

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"

	"github.com/2bc4/twitchls/ctxlogger"
)

const (
	// maxTCPClients caps concurrent clients; extra connections are
	// refused at accept time.
	maxTCPClients = 16

	// clientQueueLen bounds the per-client chunk backlog. A client that
	// cannot drain it within its timeout is dropped.
	clientQueueLen = 4
)

// TCPServer accepts clients that each receive the raw byte stream from the
// moment they connect. No framing, no handshake, no catch-up.
type TCPServer struct {
	log           ctxlogger.Logger
	ln            net.Listener
	clientTimeout time.Duration
	sem           *semaphore.Weighted
}

func ListenTCP(log ctxlogger.Logger, addr string, clientTimeout time.Duration) (*TCPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Errorf("failed to bind to address/port: %w", err)
	}

	log.Printf("listening on: %s", ln.Addr())
	return &TCPServer{
		log:           log,
		ln:            ln,
		clientTimeout: clientTimeout,
		sem:           semaphore.NewWeighted(maxTCPClients),
	}, nil
}

// Addr returns the bound listener address.
func (s *TCPServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve accepts clients and attaches them to the bus until ctx is done.
func (s *TCPServer) Serve(ctx context.Context, bus *Bus) error {
	bus.ExpectClients()

	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.Close()
	})
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || xerrors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Errorf("failed to accept TCP client: %v", err)
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.log.Warnf("refusing client %s: too many clients", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		s.log.Printf("client accepted: %s", conn.RemoteAddr())
		bus.Attach(newTCPClient(s.log, conn, s.clientTimeout, func() { s.sem.Release(1) }))
	}
}

// tcpClient is one connected client with its own write buffer and timeout,
// so a stalled client never holds up the other sinks.
type tcpClient struct {
	log     ctxlogger.Logger
	conn    net.Conn
	timeout time.Duration
	release func()

	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func newTCPClient(log ctxlogger.Logger, conn net.Conn, timeout time.Duration, release func()) *tcpClient {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c := &tcpClient{
		log:     log,
		conn:    conn,
		timeout: timeout,
		release: release,
		ch:      make(chan []byte, clientQueueLen),
		done:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *tcpClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.ch:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
			if _, err := c.conn.Write(data); err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					c.log.Printf("client dropped (timed out): %s", c.conn.RemoteAddr())
				} else {
					c.log.Printf("client disconnected: %s", c.conn.RemoteAddr())
				}
				c.teardown()
				return
			}
		}
	}
}

func (c *tcpClient) Write(data []byte) error {
	select {
	case <-c.done:
		return xerrors.New("client closed")
	case c.ch <- data:
		return nil
	default:
	}

	// queue full, give the client one timeout's worth of grace
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return xerrors.New("client closed")
	case c.ch <- data:
		return nil
	case <-timer.C:
		c.teardown()
		return xerrors.New("client write queue stalled")
	}
}

func (c *tcpClient) Close() error {
	c.teardown()
	return nil
}

func (c *tcpClient) Name() string {
	return "tcp:" + c.conn.RemoteAddr().String()
}

func (c *tcpClient) teardown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.release()
	})
}
