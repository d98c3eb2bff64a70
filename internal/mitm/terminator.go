package mitm

import (
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/elazarl/goproxy"
	"github.com/funnyzak/mitmtap/internal/logger"
	"golang.org/x/sync/singleflight"
)

// TLSSetupError is returned when a client-side TLS session cannot be prepared
// for host. It only affects the connection that triggered it.
type TLSSetupError struct {
	Host string
	Err  error
}

func (e *TLSSetupError) Error() string {
	return fmt.Sprintf("tls setup for %s: %v", e.Host, e.Err)
}

func (e *TLSSetupError) Unwrap() error {
	return e.Err
}

// Terminator produces TLS server configurations that impersonate the requested host.
type Terminator struct {
	signer Signer
	cache  bool
	log    logger.Logger

	mu     sync.RWMutex
	certs  map[string]*tls.Certificate
	group  singleflight.Group
	failed atomic.Uint64
}

// NewTerminator wraps signer. With cache enabled each host is signed once per process.
func NewTerminator(signer Signer, cache bool, log logger.Logger) *Terminator {
	return &Terminator{
		signer: signer,
		cache:  cache,
		log:    log,
		certs:  make(map[string]*tls.Certificate),
	}
}

// Certificate returns a leaf certificate for host. Concurrent requests for the
// same host share one signing operation.
func (t *Terminator) Certificate(host string) (*tls.Certificate, error) {
	name := normalizeServerName(host)
	if name == "" {
		return nil, t.fail(host, fmt.Errorf("no server name"))
	}

	if t.cache {
		t.mu.RLock()
		cert, ok := t.certs[name]
		t.mu.RUnlock()
		if ok {
			return cert, nil
		}
	}

	v, err, _ := t.group.Do(name, func() (interface{}, error) {
		cert, err := t.signer.Sign(name)
		if err != nil {
			return nil, err
		}
		if t.cache {
			t.mu.Lock()
			t.certs[name] = cert
			t.mu.Unlock()
		}
		t.log.Debug("Issued leaf certificate", "host", name)
		return cert, nil
	})
	if err != nil {
		return nil, t.fail(name, err)
	}
	return v.(*tls.Certificate), nil
}

// TLSConfig matches goproxy.ConnectAction.TLSConfig. host is the CONNECT target.
func (t *Terminator) TLSConfig(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
	cert, err := t.Certificate(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

// ServerConfig returns a config for clients that open a TLS session directly,
// choosing the certificate from SNI.
func (t *Terminator) ServerConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			name := hello.ServerName
			if name == "" && hello.Conn != nil {
				// No SNI: impersonate the address the client dialed.
				name = hello.Conn.LocalAddr().String()
			}
			return t.Certificate(name)
		},
	}
}

// Cached returns how many leaf certificates are held.
func (t *Terminator) Cached() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.certs)
}

// Failures returns how many TLS setups have failed.
func (t *Terminator) Failures() uint64 {
	return t.failed.Load()
}

func (t *Terminator) fail(host string, err error) error {
	t.failed.Add(1)
	setupErr := &TLSSetupError{Host: host, Err: err}
	t.log.Warn("TLS setup failed", "host", host, "error", err)
	return setupErr
}
