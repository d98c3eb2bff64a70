// Package proxy runs the forward proxy endpoint: plain HTTP, HTTPS through
// CONNECT and clients that speak TLS to it directly.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/funnyzak/mitmtap/internal/forwarder"
	"github.com/funnyzak/mitmtap/internal/logger"
	"github.com/funnyzak/mitmtap/internal/mitm"
	"github.com/funnyzak/mitmtap/internal/pipeline"
	"github.com/funnyzak/mitmtap/internal/state"
)

var (
	// ErrAlreadyRunning is returned by Start while the listener is accepting.
	ErrAlreadyRunning = errors.New("proxy is already running")
	// ErrNotRunning is returned by Stop when nothing is listening.
	ErrNotRunning = errors.New("proxy is not running")
)

// BindError reports that the listening socket could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

const defaultShutdownGrace = 5 * time.Second

// Options listener configuration
type Options struct {
	// Transport reaches origin servers. Defaults to forwarder.NewTransport.
	Transport *http.Transport
	// Terminator impersonates HTTPS hosts. Nil disables TLS interception.
	Terminator    *mitm.Terminator
	ShutdownGrace time.Duration
}

// Stats listener diagnostics
type Stats struct {
	Running     bool   `json:"running"`
	Addr        string `json:"addr"`
	Accepted    uint64 `json:"accepted"`
	Active      int    `json:"active"`
	CachedCerts int    `json:"cached_certs"`
}

// Listener owns the proxy socket. It can be started and stopped repeatedly;
// recorded state lives in state.State and survives restarts.
type Listener struct {
	state  *state.State
	logger logger.Logger
	opts   Options
	proxy  *goproxy.ProxyHttpServer

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.RWMutex
	srv      *http.Server
	tracker  *connTracker
	addr     string
	cancel   context.CancelFunc
	serveErr chan error

	accepted atomic.Uint64
}

// New creates a stopped listener whose requests run through p.
func New(st *state.State, p *pipeline.Pipeline, log logger.Logger, opts Options) *Listener {
	if opts.Transport == nil {
		opts.Transport = forwarder.NewTransport(forwarder.Options{})
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}

	l := &Listener{
		state:  st,
		logger: log,
		opts:   opts,
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Tr = opts.Transport
	gp.Logger = logger.GoproxyAdapter{Log: log}
	gp.KeepAcceptEncoding = true
	gp.NonproxyHandler = http.HandlerFunc(l.handleNonProxy)
	gp.OnRequest().HandleConnectFunc(l.handleConnect)
	p.Register(gp)
	l.proxy = gp

	return l
}

// Start binds bindAddress:port and begins accepting connections.
func (l *Listener) Start(bindAddress string, port int) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	if l.isRunning() {
		return ErrAlreadyRunning
	}

	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}

	var tlsConfig *tls.Config
	if l.opts.Terminator != nil {
		tlsConfig = l.opts.Terminator.ServerConfig()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	tracker := newConnTracker()
	ln := newSniffListener(raw, tlsConfig, tracker, &l.accepted, l.logger)
	srv := &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
		ErrorLog:          logger.StdLogger(l.logger, "proxy"),
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	serveErr := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("Proxy server stopped unexpectedly", "error", err)
		}
		serveErr <- err
	}()

	l.mu.Lock()
	l.srv = srv
	l.tracker = tracker
	l.addr = raw.Addr().String()
	l.cancel = cancel
	l.serveErr = serveErr
	l.mu.Unlock()
	l.state.SetRunning(true)

	l.logger.Info("Proxy listening",
		"addr", l.addr,
		"tls_interception", tlsConfig != nil,
	)
	return nil
}

// Stop closes the socket, lets in-flight flows finish until ctx is done or the
// grace period elapses, then closes whatever is left and cancels pending
// upstream requests.
func (l *Listener) Stop(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()

	l.mu.RLock()
	srv, tracker, cancel, serveErr, addr := l.srv, l.tracker, l.cancel, l.serveErr, l.addr
	l.mu.RUnlock()
	if srv == nil {
		return ErrNotRunning
	}

	l.logger.Info("Stopping proxy", "addr", addr, "active", tracker.Len())

	drainCtx, done := context.WithTimeout(ctx, l.opts.ShutdownGrace)
	defer done()

	if err := srv.Shutdown(drainCtx); err != nil {
		l.logger.Warn("Proxy drain incomplete", "error", err)
	}
	// Shutdown does not wait for hijacked connections such as CONNECT tunnels.
	waitDrained(drainCtx, tracker)

	if n := tracker.closeAll(); n > 0 {
		l.logger.Warn("Closed connections still open after grace period", "count", n)
	}
	cancel()
	<-serveErr
	l.opts.Transport.CloseIdleConnections()

	l.mu.Lock()
	l.srv = nil
	l.tracker = nil
	l.cancel = nil
	l.serveErr = nil
	l.mu.Unlock()
	l.state.SetRunning(false)

	l.logger.Info("Proxy stopped", "addr", addr)
	return nil
}

func waitDrained(ctx context.Context, tracker *connTracker) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for tracker.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Running reports whether the listener is accepting connections.
func (l *Listener) Running() bool {
	return l.isRunning()
}

func (l *Listener) isRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.srv != nil
}

// Addr returns the bound address, or "" when stopped.
func (l *Listener) Addr() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.srv == nil {
		return ""
	}
	return l.addr
}

// Stats returns connection counters.
func (l *Listener) Stats() Stats {
	l.mu.RLock()
	stats := Stats{
		Running:  l.srv != nil,
		Accepted: l.accepted.Load(),
	}
	if l.srv != nil {
		stats.Addr = l.addr
		stats.Active = l.tracker.Len()
	}
	l.mu.RUnlock()

	if l.opts.Terminator != nil {
		stats.CachedCerts = l.opts.Terminator.Cached()
	}
	return stats
}

// ServeHTTP hands requests to goproxy. Requests read from a directly
// terminated TLS connection carry only a path, so they are made absolute first.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.TLS != nil && !r.URL.IsAbs() && r.Host != "" {
		r.URL.Scheme = "https"
		r.URL.Host = r.Host
	}
	l.proxy.ServeHTTP(w, r)
}

func (l *Listener) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	if l.opts.Terminator == nil {
		err := &mitm.TLSSetupError{Host: host, Err: mitm.ErrCAUnavailable}
		l.logger.Warn("CONNECT rejected", "host", host, "error", err)
		return goproxy.RejectConnect, host
	}
	return &goproxy.ConnectAction{
		Action:    goproxy.ConnectMitm,
		TLSConfig: l.opts.Terminator.TLSConfig,
	}, host
}

func (l *Listener) handleNonProxy(w http.ResponseWriter, r *http.Request) {
	l.logger.Debug("Rejected non-proxy request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	http.Error(w, "mitmtap is a forward proxy; configure it as your HTTP(S) proxy", http.StatusBadRequest)
}
