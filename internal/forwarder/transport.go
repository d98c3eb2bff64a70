// Package forwarder builds the outbound transport the proxy uses to reach origin servers.
package forwarder

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/funnyzak/mitmtap/internal/config"
)

// Options transport tuning
type Options struct {
	DialTimeout           time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
}

// OptionsFromConfig converts the upstream section (seconds) into Options.
func OptionsFromConfig(cfg config.UpstreamConfig) Options {
	return Options{
		DialTimeout:           time.Duration(cfg.DialTimeout) * time.Second,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       time.Duration(cfg.IdleConnTimeout) * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.ResponseHeaderTimeout) * time.Second,
		TLSHandshakeTimeout:   time.Duration(cfg.TLSHandshakeTimeout) * time.Second,
		ExpectContinueTimeout: time.Duration(cfg.ExpectContinueTimeout) * time.Second,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}
}

// NewTransport creates a pooled transport. Requests are never retried and no
// upstream proxy is consulted; automatic decompression is off so bodies are
// relayed exactly as the origin sent them.
func NewTransport(opts Options) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   durationOrDefault(opts.DialTimeout, 30*time.Second),
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:               nil,
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   false,
		DisableCompression:  true,
		MaxIdleConns:        positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost: positiveOrDefault(opts.MaxIdleConnsPerHost, 50),
		MaxConnsPerHost:     positiveOrDefault(opts.MaxConnsPerHost, 100),
		IdleConnTimeout:     durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(
			opts.ResponseHeaderTimeout,
			60*time.Second,
		),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, 1*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}
}

func positiveOrDefault(val, def int) int {
	if val > 0 {
		return val
	}
	return def
}

func durationOrDefault(val, def time.Duration) time.Duration {
	if val > 0 {
		return val
	}
	return def
}
