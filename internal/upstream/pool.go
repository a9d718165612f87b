// Package upstream talks to the single configured chat-completion provider.
//
// DESIGN: one long-lived pooled http.Client amortizes TLS/TCP setup across
// the process lifetime instead of per request. The pool owns its lifecycle:
// lazy construction under a mutex, optional teardown-and-rebuild, and a
// one-shot shutdown at process exit.
package upstream

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ZaguanLabs/luminarychat/internal/config"
)

// ErrPoolShutdown is returned by Client after Shutdown has been called.
var ErrPoolShutdown = errors.New("upstream: connection pool is shut down")

// Pool manages the shared outbound HTTP client.
type Pool struct {
	cfg config.UpstreamConfig

	mu       sync.Mutex
	client   *http.Client
	shutdown bool
}

// NewPool creates a pool. The underlying client is not built until the first
// Client call.
func NewPool(cfg config.UpstreamConfig) *Pool {
	return &Pool{cfg: cfg}
}

// Client returns the shared pooled client, constructing it on first use or
// after a Release. Safe for concurrent callers; exactly one client exists at
// a time.
func (p *Pool) Client() (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return nil, ErrPoolShutdown
	}
	if p.client == nil {
		p.client = p.build()
	}
	return p.client, nil
}

func (p *Pool) build() *http.Client {
	perHost := p.cfg.MaxConnections / 2
	if perHost < 1 {
		perHost = 1
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
		MaxIdleConns:      p.cfg.MaxConnections,
		// Half of the total budget per host leaves headroom for retries
		// without exhausting the pool.
		MaxConnsPerHost:       perHost,
		MaxIdleConnsPerHost:   perHost,
		IdleConnTimeout:       p.cfg.KeepAliveTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	// The total request budget is enforced per dispatch via context so it
	// can span retries; the client itself carries no timeout.
	return &http.Client{Transport: transport}
}

// Release tears down the current client so the next Client call rebuilds it.
// Idle connections are closed; in-flight requests finish on the old client.
func (p *Pool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
}

// Shutdown closes the pool for good. Subsequent Client calls fail with
// ErrPoolShutdown. Safe to call once during process teardown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	p.shutdown = true
}

func (p *Pool) closeLocked() {
	if p.client != nil {
		p.client.CloseIdleConnections()
		p.client = nil
	}
}
