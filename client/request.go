// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Request publishes data to subj with a unique reply subject and waits for
// the first reply. Without a context deadline the client's RequestTimeout
// applies.
func (c *Client) Request(ctx context.Context, subj string, data []byte) (*Msg, error) {
	return c.RequestMsg(ctx, &Msg{Subject: subj, Data: data})
}

// RequestMsg is Request with headers.
func (c *Client) RequestMsg(ctx context.Context, msg *Msg) (*Msg, error) {
	if msg == nil {
		return nil, ErrBadSubject
	}

	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "fluxnats.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
		))
	defer span.End()

	reply, err := c.request(ctx, msg)
	c.metrics.request(ctx, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (c *Client) request(ctx context.Context, msg *Msg) (*Msg, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestCancelled, err)
	}
	if err := c.ensureResponseSub(); err != nil {
		return nil, err
	}

	p, inbox := c.resp.add()
	defer c.resp.remove(p.token)

	if err := c.publish(msg.Subject, inbox, msg.Header, msg.Data); err != nil {
		p.resolve(nil, err)
		return nil, err
	}

	timeout := c.opts.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		p.resolve(nil, fmt.Errorf("%w after %s", ErrRequestTimeout, timeout))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.resolve(nil, fmt.Errorf("%w: %w", ErrRequestTimeout, ctx.Err()))
		} else {
			p.resolve(nil, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err()))
		}
	}
	return p.msg, p.err
}

// ensureResponseSub lazily registers the wildcard subscription that
// receives replies for every request.
func (c *Client) ensureResponseSub() error {
	c.respMu.Lock()
	defer c.respMu.Unlock()

	if c.respSub != nil && c.respSub.IsValid() {
		return nil
	}
	s, err := c.subscribeInline(c.resp.prefix+"*", func(m *Msg) {
		c.resp.deliver(m)
	})
	if err != nil {
		return err
	}
	c.respSub = s
	return nil
}

// NewInbox returns a unique reply subject.
func (c *Client) NewInbox() string {
	return c.opts.InboxPrefix + "." + newToken()
}

func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
