// Package httputil builds the HTTP clients the provider adapters use. Every
// client identifies itself upstream and reports time-to-headers per provider.
package httputil

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
	"github.com/felipepmaragno/llm-orchestrator/internal/metrics"
)

const DefaultUserAgent = "llm-orchestrator"

type ClientConfig struct {
	// Timeout bounds the whole exchange, body included. Zero for streams.
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	UserAgent             string
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               120 * time.Second,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   16,
		UserAgent:             DefaultUserAgent,
	}
}

// StreamingConfig leaves the body unbounded; cancellation ends a stream.
func StreamingConfig() ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	return cfg
}

// NewClient returns a client dedicated to one provider. Its connection pool
// is not shared with other providers.
func NewClient(provider domain.ProviderID, cfg ClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Timeout: cfg.Timeout,
		Transport: &instrumented{
			next:      transport,
			provider:  string(provider),
			userAgent: cfg.UserAgent,
		},
	}
}

func DefaultClient(provider domain.ProviderID) *http.Client {
	return NewClient(provider, DefaultConfig())
}

func StreamingClient(provider domain.ProviderID) *http.Client {
	return NewClient(provider, StreamingConfig())
}

type instrumented struct {
	next      http.RoundTripper
	provider  string
	userAgent string
}

func (t *instrumented) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	code := "error"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	metrics.RecordUpstream(t.provider, code, time.Since(start).Seconds())
	return resp, err
}
