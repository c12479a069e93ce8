// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxnats/transport"
	"github.com/sony/gobreaker"
)

// server is one candidate endpoint.
type server struct {
	url         *url.URL
	implicit    bool // learned from INFO rather than configured
	reconnects  int  // failed attempts since the last successful connection
	lastAttempt time.Time
	breaker     *gobreaker.CircuitBreaker
}

// serverPool is the ordered set of candidate servers. The head is the
// current server; selection rotates it to the back.
type serverPool struct {
	mu            sync.Mutex
	servers       []*server
	maxReconnects int
	randomize     bool
	rnd           *rand.Rand
	newBreaker    func(name string) *gobreaker.CircuitBreaker
}

func newServerPool(opts *Options, logger *slog.Logger) (*serverPool, error) {
	p := &serverPool{
		maxReconnects: opts.MaxReconnects,
		randomize:     !opts.NoRandomize,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
		newBreaker: func(name string) *gobreaker.CircuitBreaker {
			return gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     opts.BreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= opts.BreakerFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("server circuit breaker state changed",
						slog.String("server", name),
						slog.String("from", from.String()),
						slog.String("to", to.String()))
				},
			})
		},
	}

	for _, s := range opts.Servers {
		u, err := transport.ParseURL(s)
		if err != nil {
			return nil, err
		}
		p.add(u, false)
	}
	if len(p.servers) == 0 {
		return nil, ErrNoServers
	}
	if p.randomize {
		p.rnd.Shuffle(len(p.servers), func(i, j int) {
			p.servers[i], p.servers[j] = p.servers[j], p.servers[i]
		})
	}
	return p, nil
}

// add appends u unless a server with the same host is already present.
func (p *serverPool) add(u *url.URL, implicit bool) bool {
	for _, s := range p.servers {
		if s.url.Host == u.Host {
			return false
		}
	}
	p.servers = append(p.servers, &server{
		url:      u,
		implicit: implicit,
		breaker:  p.newBreaker(u.String()),
	})
	return true
}

// candidates returns the pool in order, for the initial connect pass.
func (p *serverPool) candidates() []*server {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*server(nil), p.servers...)
}

// next rotates the current server to the back, dropping it once it has
// exhausted its reconnect attempts, and returns the new head.
func (p *serverPool) next() *server {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.servers) == 0 {
		return nil
	}
	cur := p.servers[0]
	p.servers = p.servers[1:]
	if p.maxReconnects < 0 || cur.reconnects < p.maxReconnects {
		p.servers = append(p.servers, cur)
	}
	if len(p.servers) == 0 {
		return nil
	}
	return p.servers[0]
}

// promote moves s to the head of the pool.
func (p *serverPool) promote(s *server) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, cur := range p.servers {
		if cur == s {
			copy(p.servers[1:i+1], p.servers[:i])
			p.servers[0] = s
			return
		}
	}
}

func (p *serverPool) connected(s *server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.reconnects = 0
}

func (p *serverPool) failed(s *server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.reconnects++
}

// discovered merges gossiped URLs and returns those that were new. The
// scheme of the current server is applied to bare host:port entries.
func (p *serverPool) discovered(urls []string, scheme string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var added []string
	for _, raw := range urls {
		if !strings.Contains(raw, "://") {
			raw = scheme + "://" + raw
		}
		u, err := transport.ParseURL(raw)
		if err != nil {
			continue
		}
		if p.add(u, true) {
			added = append(added, u.String())
		}
	}
	if len(added) > 0 && p.randomize && len(p.servers) > 2 {
		// Keep the current server at the head.
		rest := p.servers[1:]
		p.rnd.Shuffle(len(rest), func(i, j int) {
			rest[i], rest[j] = rest[j], rest[i]
		})
	}
	return added
}

// urls returns every known server URL.
func (p *serverPool) urls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.servers))
	for _, s := range p.servers {
		out = append(out, s.url.String())
	}
	return out
}

// discoveredURLs returns the URLs learned from the cluster.
func (p *serverPool) discoveredURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []string
	for _, s := range p.servers {
		if s.implicit {
			out = append(out, s.url.String())
		}
	}
	return out
}
