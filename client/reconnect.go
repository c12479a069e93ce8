// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// backoff computes per-server delays between attempts: exponential from the
// initial wait, capped, plus random jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	jitter  time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

func newBackoff(opts *Options) *backoff {
	return &backoff{
		initial: opts.ReconnectWait,
		max:     opts.ReconnectWaitMax,
		jitter:  opts.ReconnectJitter,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// delay returns the wait before the next attempt after failures consecutive
// failed attempts.
func (b *backoff) delay(failures int) time.Duration {
	if failures > 16 {
		failures = 16
	}
	d := b.initial
	for i := 0; i < failures && d < b.max; i++ {
		d *= 2
	}
	if d > b.max {
		d = b.max
	}
	if b.jitter > 0 {
		b.mu.Lock()
		d += time.Duration(b.rnd.Int63n(int64(b.jitter)))
		b.mu.Unlock()
	}
	return d
}

func newReconnectLimiter(opts *Options) *rate.Limiter {
	burst := int(opts.ReconnectRate)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(opts.ReconnectRate), burst)
}

func (c *Client) startReconnect() {
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop cycles through the server pool until a connection is
// re-established, the pool is exhausted, or the client is closed.
func (c *Client) reconnectLoop() {
	defer c.wg.Done()

	for attempt := 1; ; attempt++ {
		if c.ctx.Err() != nil {
			return
		}
		s := c.pool.next()
		if s == nil {
			c.logger.Error("reconnect failed, no servers left")
			c.closeAsync()
			return
		}

		if wait := c.backoff.delay(s.reconnects) - time.Since(s.lastAttempt); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-c.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}

		if cb := c.opts.OnReconnecting; cb != nil {
			n := attempt
			c.cbs.push(func() { cb(n) })
		}
		c.logger.Debug("reconnecting",
			slog.String("server", s.url.Redacted()),
			slog.Int("attempt", attempt))

		_, err := s.breaker.Execute(func() (any, error) {
			return nil, c.connectTo(c.ctx, s, true)
		})
		switch {
		case err == nil:
			return
		case errors.Is(err, ErrConnectionClosed) || c.ctx.Err() != nil:
			return
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			s.lastAttempt = time.Now()
			c.logger.Debug("server skipped, circuit open", slog.String("server", s.url.Redacted()))
		default:
			c.pool.failed(s)
			c.logger.Warn("reconnect attempt failed",
				slog.String("server", s.url.Redacted()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
		}
	}
}
