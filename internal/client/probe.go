package client

import (
	"context"
	"net/http"
	"time"
)

// ConnectivityProbe reports whether the upstream host is reachable at all.
type ConnectivityProbe struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewConnectivityProbe returns a probe issuing HEAD requests to target.
// It should be given a transport that does not consult any response cache.
func NewConnectivityProbe(target string, transport http.RoundTripper, timeout time.Duration) *ConnectivityProbe {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ConnectivityProbe{url: target, client: &http.Client{Transport: transport}, timeout: timeout}
}

// Online reports true when the target answers with any HTTP status.
func (p *ConnectivityProbe) Online(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
