package proxy

import (
	"bufio"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/funnyzak/mitmtap/internal/logger"
)

// recordTypeHandshake is the first byte of every TLS ClientHello.
const recordTypeHandshake = 0x16

const sniffTimeout = 10 * time.Second

// connTracker keeps every accepted connection, hijacked ones included, so they
// can be closed when the grace period runs out.
type connTracker struct {
	mu    sync.Mutex
	conns map[*trackedConn]struct{}
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[*trackedConn]struct{})}
}

func (t *connTracker) add(c net.Conn) *trackedConn {
	tc := &trackedConn{Conn: c, tracker: t}
	t.mu.Lock()
	t.conns[tc] = struct{}{}
	t.mu.Unlock()
	return tc
}

func (t *connTracker) remove(tc *trackedConn) {
	t.mu.Lock()
	delete(t.conns, tc)
	t.mu.Unlock()
}

// Len returns the number of open connections.
func (t *connTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// closeAll closes every open connection and returns how many were closed.
func (t *connTracker) closeAll() int {
	t.mu.Lock()
	conns := make([]*trackedConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

type trackedConn struct {
	net.Conn
	tracker *connTracker
	once    sync.Once
}

func (c *trackedConn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		c.tracker.remove(c)
		err = c.Conn.Close()
	})
	return err
}

// peekedConn replays the bytes consumed while sniffing.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// sniffListener hands plaintext connections to the HTTP server unchanged and
// terminates connections that open with a TLS handshake. Classification runs
// per connection so a silent client never stalls the accept loop.
type sniffListener struct {
	net.Listener
	tlsConfig *tls.Config
	tracker   *connTracker
	accepted  *atomic.Uint64
	log       logger.Logger

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newSniffListener(ln net.Listener, tlsConfig *tls.Config, tracker *connTracker, accepted *atomic.Uint64, log logger.Logger) *sniffListener {
	s := &sniffListener{
		Listener:  ln,
		tlsConfig: tlsConfig,
		tracker:   tracker,
		accepted:  accepted,
		log:       log,
		conns:     make(chan net.Conn),
		done:      make(chan struct{}),
	}
	go s.acceptLoop()
	return s
}

func (s *sniffListener) Accept() (net.Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-s.done:
		return nil, net.ErrClosed
	}
}

func (s *sniffListener) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.Listener.Close()
	})
	return err
}

func (s *sniffListener) acceptLoop() {
	for {
		c, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				s.Close()
				return
			}
			s.log.Warn("Accept failed", "error", err)
			time.Sleep(5 * time.Millisecond)
			continue
		}
		s.accepted.Add(1)
		go s.classify(s.tracker.add(c))
	}
}

func (s *sniffListener) classify(c *trackedConn) {
	br := bufio.NewReader(c)
	_ = c.SetReadDeadline(time.Now().Add(sniffTimeout))
	first, err := br.Peek(1)
	_ = c.SetReadDeadline(time.Time{})
	if err != nil {
		c.Close()
		return
	}

	conn := net.Conn(&peekedConn{Conn: c, r: br})
	if first[0] == recordTypeHandshake {
		if s.tlsConfig == nil {
			s.log.Warn("Direct TLS connection refused, TLS interception is disabled",
				"remote_addr", c.RemoteAddr().String(),
			)
			c.Close()
			return
		}
		conn = tls.Server(conn, s.tlsConfig)
	}

	select {
	case s.conns <- conn:
	case <-s.done:
		conn.Close()
	}
}
