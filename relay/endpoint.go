package relay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

// Endpoint pairs an RPC URL with its client and a local rate limiter.
// Health is not tracked: failure is discovered per call and the endpoint is
// retried from the top of the pool on the very next call.
type Endpoint struct {
	URL     string
	client  Client
	limiter *rate.Limiter
}

// Client returns the call surface bound to this endpoint.
func (e *Endpoint) Client() Client { return e.client }

// Ready consumes a rate-limiter token. An endpoint over its local budget is
// treated as unavailable for this call rather than blocking the request.
func (e *Endpoint) Ready() bool {
	if e.limiter == nil {
		return true
	}
	return e.limiter.Allow()
}

// PoolConfig tunes pool construction.
type PoolConfig struct {
	Commitment CommitmentLevel
	// RatePerSecond caps outbound calls per endpoint; zero disables the
	// limiter. Public endpoints document limits around 10 rps.
	RatePerSecond float64
	Burst         int
}

// Pool is the ordered, read-only endpoint list shared process-wide. The
// first entry is the primary; the rest are fallbacks in priority order.
type Pool struct {
	endpoints []*Endpoint
}

// NewPool builds a pool of real Solana endpoints in the order given.
func NewPool(urls []string, cfg PoolConfig) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("relay: at least one endpoint URL required")
	}
	commitment := cfg.Commitment
	if commitment == "" {
		commitment = CommitmentConfirmed
	}
	endpoints := make([]*Endpoint, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("relay: invalid endpoint URL %q", raw)
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		ep := &Endpoint{URL: trimmed, client: newSolanaClient(trimmed, commitment)}
		if cfg.RatePerSecond > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			ep.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}
		endpoints = append(endpoints, ep)
	}
	if len(endpoints) == 0 {
		return nil, errors.New("relay: at least one endpoint URL required")
	}
	return &Pool{endpoints: endpoints}, nil
}

// NewPoolWithClients builds a pool from pre-constructed clients. Used by
// tests to inject fakes.
func NewPoolWithClients(clients map[string]Client, order []string) (*Pool, error) {
	if len(order) == 0 {
		return nil, errors.New("relay: at least one endpoint required")
	}
	endpoints := make([]*Endpoint, 0, len(order))
	for _, name := range order {
		cl, ok := clients[name]
		if !ok {
			return nil, fmt.Errorf("relay: no client for endpoint %q", name)
		}
		endpoints = append(endpoints, &Endpoint{URL: name, client: cl})
	}
	return &Pool{endpoints: endpoints}, nil
}

// Endpoints returns the ordered list. Callers must not mutate it.
func (p *Pool) Endpoints() []*Endpoint { return p.endpoints }

// Primary returns the highest-priority endpoint.
func (p *Pool) Primary() *Endpoint { return p.endpoints[0] }

// Len returns the number of configured endpoints.
func (p *Pool) Len() int { return len(p.endpoints) }
