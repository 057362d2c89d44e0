// Package transport provides the outbound HTTP plumbing used for the Fleet
// Manager's active-trigger ping (spec.md §4.C.3's wake loop keeping an
// identity warm outside the browser itself), dialed through the same
// SOCKS5/HTTP proxy URL the browser is launched with. The browser's own
// egress does not pass through this package. Adapted from the teacher's
// per-account transport pool: that shape assumed many concurrently-active
// accounts, each needing its own pooled RoundTripper; this deployment
// drives one active identity at a time; a single RoundTripper built by
// NewManager, a utls Chrome fingerprint, and no pool do the same job.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// ProxyConfig is the outbound proxy an identity's traffic (browser egress
// and the Manager's own active-trigger pings) should route through.
type ProxyConfig struct {
	Scheme   string // "socks5" or "http"
	Host     string
	Port     string
	Username string
	Password string
}

// ParseProxyURL parses spec.md §6's "proxy URL for the browser's outbound
// traffic" config value. An empty raw means direct egress.
func ParseProxyURL(raw string) (*ProxyConfig, error) {
	if raw == "" {
		return nil, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	pcfg := &ProxyConfig{Scheme: u.Scheme, Host: u.Hostname(), Port: u.Port()}
	if u.User != nil {
		pcfg.Username = u.User.Username()
		pcfg.Password, _ = u.User.Password()
	}
	return pcfg, nil
}

// Manager hands out an http.Client for the Manager's own outbound pings,
// carrying the same Chrome-fingerprinted utls handshake the teacher used
// against Anthropic's own TLS fingerprinting.
type Manager struct {
	proxy   *ProxyConfig
	client  *http.Client
	timeout time.Duration
}

// NewManager builds a Manager for the configured outbound proxy (nil for
// direct egress) and request timeout.
func NewManager(proxy *ProxyConfig, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := &Manager{proxy: proxy, timeout: timeout}
	m.client = &http.Client{Transport: m.roundTripper(), Timeout: timeout}
	return m
}

// Client returns the shared fingerprint-stable HTTP client.
func (m *Manager) Client() *http.Client { return m.client }

func (m *Manager) roundTripper() http.RoundTripper {
	if m.proxy == nil {
		return &http.Transport{DialTLSContext: dialUTLS}
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     5 * time.Minute,
		DialTLSContext:      proxyDialer(m.proxy),
	}
}

// Close releases idle connections held by the shared client.
func (m *Manager) Close() {
	if t, ok := m.client.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// Ping performs a lightweight GET against url, used by the Fleet Manager's
// wake loop as an out-of-browser "active trigger" alongside the in-page
// activity nudge (spec.md §4.C.3).
func (m *Manager) Ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
