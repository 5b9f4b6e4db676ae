// Package session owns the shared HTTP connection pool used for backend
// deliveries. The pool is built lazily and replaced wholesale after a
// delivery failure so that a bad keep-alive connection is never reused.
package session

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxConns matches the relay's default backend connection limit.
const DefaultMaxConns = 100

// Pool is one generation of HTTP client plus its transport. A Pool stays
// usable after it has been invalidated; requests already running on it are
// left to finish.
type Pool struct {
	client     *http.Client
	transport  http.RoundTripper
	generation uint64
}

// Client returns the HTTP client bound to this pool.
func (p *Pool) Client() *http.Client { return p.client }

// Generation is the 1-based creation sequence number of this pool.
func (p *Pool) Generation() uint64 { return p.generation }

// Close releases idle connections held by the pool.
func (p *Pool) Close() {
	if c, ok := p.transport.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}

// Factory builds the transport for a new pool generation.
type Factory func(maxConns int) http.RoundTripper

// Stats is a point-in-time view of the manager.
type Stats struct {
	Generation    uint64 `json:"generation"`
	Active        bool   `json:"active"`
	Invalidations uint64 `json:"invalidations"`
}

// Manager hands out the current Pool, creating one on demand. All methods are
// safe for concurrent use.
type Manager struct {
	maxConns int
	factory  Factory

	mu            sync.Mutex // serializes pool construction
	current       atomic.Pointer[Pool]
	generation    atomic.Uint64
	invalidations atomic.Uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithFactory overrides how transports are built.
func WithFactory(f Factory) Option {
	return func(m *Manager) {
		if f != nil {
			m.factory = f
		}
	}
}

// NewManager creates a Manager whose pools allow at most maxConns
// connections to the backend. Non-positive values select DefaultMaxConns.
func NewManager(maxConns int, opts ...Option) *Manager {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	m := &Manager{
		maxConns: maxConns,
		factory:  defaultFactory,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire returns the current pool, building it if none exists. Concurrent
// callers racing on an empty slot all receive the same pool.
func (m *Manager) Acquire() *Pool {
	if p := m.current.Load(); p != nil {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.current.Load(); p != nil {
		return p
	}

	t := m.factory(m.maxConns)
	p := &Pool{
		client:     &http.Client{Transport: t},
		transport:  t,
		generation: m.generation.Add(1),
	}
	m.current.Store(p)
	return p
}

// Invalidate discards stale if it is still the current pool. A pool that has
// already been replaced is left alone, so several deliveries failing on the
// same generation cause a single rebuild.
func (m *Manager) Invalidate(stale *Pool) bool {
	if stale == nil {
		return false
	}
	if !m.current.CompareAndSwap(stale, nil) {
		return false
	}
	m.invalidations.Add(1)
	stale.Close()
	return true
}

// Reset discards whatever pool is current.
func (m *Manager) Reset() {
	if p := m.current.Swap(nil); p != nil {
		m.invalidations.Add(1)
		p.Close()
	}
}

// Generation reports how many pools have been created.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// Stats returns a snapshot of pool counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Generation:    m.generation.Load(),
		Active:        m.current.Load() != nil,
		Invalidations: m.invalidations.Load(),
	}
}

func defaultFactory(maxConns int) http.RoundTripper {
	return NewTransport(maxConns)
}

// NewTransport builds the default backend transport bounded to maxConns
// connections per host.
func NewTransport(maxConns int) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxConnsPerHost:       maxConns,
		MaxIdleConns:          maxConns,
		MaxIdleConnsPerHost:   maxConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}
