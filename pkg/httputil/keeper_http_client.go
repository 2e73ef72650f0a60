// Package httputil provides pooled HTTP clients for outbound API calls.
package httputil

import (
	"context"
	"net"
	"net/http"
	"time"
)

// ClientConfig holds HTTP client configuration.
type ClientConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	DialTimeout         time.Duration
	TLSHandshakeTimeout time.Duration
	ResponseTimeout     time.Duration

	DisableKeepAlives bool
	KeepAliveInterval time.Duration
}

// DefaultClientConfig returns optimized default configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     30 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// GmailClientConfig returns configuration tuned for the Gmail API.
// Gmail allows high concurrency but needs longer timeouts for batch
// modify/delete operations.
func GmailClientConfig() *ClientConfig {
	return &ClientConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     120 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ResponseTimeout:     60 * time.Second,
		DisableKeepAlives:   false,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewOptimizedClient creates an HTTP client with connection pooling.
func NewOptimizedClient(cfg *ClientConfig) *http.Client {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		DisableKeepAlives:     cfg.DisableKeepAlives,
		ForceAttemptHTTP2:     true,
		DisableCompression:    false,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.ResponseTimeout,
	}
}

// =============================================================================
// Shared Client Pool (Singleton)
// =============================================================================

var (
	defaultClient *http.Client
	gmailClient   *http.Client
)

func init() {
	defaultClient = NewOptimizedClient(DefaultClientConfig())
	gmailClient = NewOptimizedClient(GmailClientConfig())
}

// DefaultClient returns the shared default HTTP client.
func DefaultClient() *http.Client {
	return defaultClient
}

// GmailClient returns the shared HTTP client for Gmail API calls.
func GmailClient() *http.Client {
	return gmailClient
}

// DoWithContext executes an HTTP request with context.
func DoWithContext(ctx context.Context, client *http.Client, req *http.Request) (*http.Response, error) {
	if client == nil {
		client = defaultClient
	}
	return client.Do(req.WithContext(ctx))
}
