// Package upstreamclient builds the tuned HTTP client used to dispatch
// requests to the upstream LLM API.
//
// The *http.Transport is tuned with explicit dial/TLS-handshake/
// response-header/expect-continue timeouts and idle connection pooling,
// with proxy selection via an explicit UPSTREAM_PROXY_URL falling back to
// http.ProxyFromEnvironment. Upstream keys are bare bearer secrets with no
// refresh flow, so there is no token-refresh path here.
package upstreamclient

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"llmgate/internal/config"
)

// Client wraps a tuned *http.Client and rebuilds its transport after a run
// of consecutive failures, to shed a transport stuck with bad pooled
// connections.
type Client struct {
	cfg *config.UpstreamConfig

	mu               sync.RWMutex
	httpClient       *http.Client
	consecutiveFails int32
}

// New builds an upstream HTTP client from configuration.
func New(cfg *config.UpstreamConfig) *Client {
	c := &Client{cfg: cfg}
	c.httpClient = c.buildClient()
	return c
}

func (c *Client) buildClient() *http.Client {
	tr := &http.Transport{
		Proxy: proxyFunc(c.cfg.ProxyURL),
		DialContext: (&net.Dialer{
			Timeout:   c.cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   c.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: c.cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{Transport: tr, Timeout: 0}
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			return http.ProxyURL(parsed)
		}
	}
	return http.ProxyFromEnvironment
}

// Do issues req using the current transport, rebuilding it once
// RebuildAfterFailures consecutive failures have been observed (a dead
// connection pool is a common symptom after the upstream recycles its
// load balancer).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	httpClient := c.httpClient
	c.mu.RUnlock()

	resp, err := httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	c.recordSuccess()
	return resp, nil
}

func (c *Client) recordFailure() {
	n := atomic.AddInt32(&c.consecutiveFails, 1)
	threshold := int32(c.cfg.RebuildAfterFailures)
	if threshold <= 0 {
		threshold = 5
	}
	// Only the failure that resets the counter rebuilds, so concurrent
	// failures in one burst trigger a single rebuild.
	if n >= threshold && atomic.CompareAndSwapInt32(&c.consecutiveFails, n, 0) {
		c.rebuild()
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt32(&c.consecutiveFails, 0)
}

func (c *Client) rebuild() {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.httpClient
	c.httpClient = c.buildClient()
	atomic.StoreInt32(&c.consecutiveFails, 0)
	if old != nil {
		old.CloseIdleConnections()
	}
	log.Warn("upstreamclient: rebuilt transport after consecutive failures")
}

// NewRequest builds an outbound request with the upstream base URL and the
// given bearer credential attached.
func (c *Client) NewRequest(ctx context.Context, method, path string, body []byte, bearer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, httpBody(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req, nil
}

func httpBody(body []byte) io.Reader {
	if body == nil {
		return nil
	}
	return bytes.NewReader(body)
}
