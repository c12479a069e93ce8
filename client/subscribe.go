// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxnats/codec"
	"github.com/absmach/fluxnats/subject"
)

// MsgHandler processes messages delivered to an asynchronous subscription.
type MsgHandler func(msg *Msg)

type subKind uint8

const (
	subAsync subKind = iota
	subChan
	subSync
	subInline
)

// Subscription is a registered interest in a subject filter. Messages are
// queued per subscription and delivered in arrival order.
type Subscription struct {
	Subject string
	Queue   string

	sid     uint64
	client  *Client
	kind    subKind
	handler MsgHandler
	mch     chan<- *Msg
	inline  func(*Msg)

	mu          sync.Mutex
	pending     []*Msg
	pMsgs       int
	pBytes      int
	pMsgsLimit  int
	pBytesLimit int
	delivered   uint64
	serverBase  uint64 // delivered count when the server last saw SUB
	dropped     int
	max         uint64
	slow        bool
	busy        bool // a popped message is still being handled
	draining    bool
	drained     bool
	closed      bool
	err         error
	signal      chan struct{}
	done        chan struct{}
	onClose     func()
}

func newSubscription(kind subKind) *Subscription {
	return &Subscription{
		kind:   kind,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// SID returns the id the subscription is registered under.
func (s *Subscription) SID() uint64 {
	return s.sid
}

// IsValid reports whether the subscription is still active.
func (s *Subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// IsDraining reports whether Drain has been called.
func (s *Subscription) IsDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining && !s.closed
}

// Done is closed when the subscription terminates.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the subscription terminated, or nil while active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Pending returns the queued message and byte counts.
func (s *Subscription) Pending() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, 0, ErrBadSubscription
	}
	return s.pMsgs, s.pBytes, nil
}

// Delivered returns the number of messages accepted for delivery.
func (s *Subscription) Delivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Dropped returns the number of messages dropped as a slow consumer.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// SetPendingLimits sets the queue limits. Zero or negative disables a limit.
func (s *Subscription) SetPendingLimits(msgs, bytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBadSubscription
	}
	s.pMsgsLimit = msgs
	s.pBytesLimit = bytes
	return nil
}

// Unsubscribe removes interest. Deliveries stop before it returns, except a
// handler invocation already in progress.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.client == nil {
		return ErrBadSubscription
	}
	return s.client.unsubscribe(s)
}

// AutoUnsubscribe removes interest after max messages in total have been
// delivered.
func (s *Subscription) AutoUnsubscribe(max int) error {
	if s == nil || s.client == nil {
		return ErrBadSubscription
	}
	return s.client.autoUnsubscribe(s, max)
}

// Drain removes interest but delivers every message already received before
// terminating.
func (s *Subscription) Drain(ctx context.Context) error {
	if s == nil || s.client == nil {
		return ErrBadSubscription
	}
	return s.client.drainSubscription(ctx, s)
}

// NextMsg returns the next message of a synchronous subscription, blocking
// until one arrives or ctx is done.
func (s *Subscription) NextMsg(ctx context.Context) (*Msg, error) {
	if s.kind != subSync {
		return nil, ErrSyncSubRequired
	}
	for {
		if m := s.pop(); m != nil {
			s.finish()
			return m, nil
		}
		s.mu.Lock()
		closed, err := s.closed, s.err
		s.mu.Unlock()
		if closed {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.signal:
		case <-s.done:
		}
	}
}

// deliver queues m. It reports whether the auto-unsubscribe limit has now
// been reached and returns ErrSlowConsumer when m is the first message
// dropped since the consumer last kept up.
func (s *Subscription) deliver(m *Msg) (bool, error) {
	s.mu.Lock()
	if s.closed || (s.max > 0 && s.delivered >= s.max) {
		s.mu.Unlock()
		return false, nil
	}

	if s.kind == subInline {
		s.delivered++
		s.mu.Unlock()
		s.inline(m)
		return false, nil
	}
	defer s.mu.Unlock()

	size := m.size()
	if (s.pMsgsLimit > 0 && s.pMsgs+1 > s.pMsgsLimit) ||
		(s.pBytesLimit > 0 && s.pBytes+size > s.pBytesLimit) {
		s.dropped++
		if !s.slow {
			s.slow = true
			return false, ErrSlowConsumer
		}
		return false, nil
	}

	s.pending = append(s.pending, m)
	s.pMsgs++
	s.pBytes += size
	s.delivered++
	s.wake()
	return s.max > 0 && s.delivered >= s.max, nil
}

// pop dequeues the next message, or returns nil when none is queued. The
// caller runs finish once the message has been handed over.
func (s *Subscription) pop() *Msg {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.pending) == 0 {
		s.finishLocked()
		return nil
	}
	m := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	s.pMsgs--
	s.pBytes -= m.size()
	s.slow = false
	s.busy = true
	return m
}

func (s *Subscription) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	s.finishLocked()
}

// finishLocked terminates the subscription once it can receive nothing more
// and its queue is empty.
func (s *Subscription) finishLocked() {
	if s.closed || s.busy || len(s.pending) > 0 {
		return
	}
	switch {
	case s.drained:
		s.closeLocked(ErrBadSubscription)
	case s.max > 0 && s.delivered >= s.max:
		s.closeLocked(ErrMaxMessages)
	}
}

// run delivers queued messages to the handler or channel.
func (s *Subscription) run() {
	for {
		m := s.pop()
		if m == nil {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		if s.kind == subAsync {
			s.handler(m)
		} else {
			select {
			case s.mch <- m:
			case <-s.done:
				return
			}
		}
		s.finish()
	}
}

func (s *Subscription) startDrain() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.draining {
		return false
	}
	s.draining = true
	return true
}

// markDrained records that the server holds no more interest, so the
// subscription ends once its queue empties.
func (s *Subscription) markDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drained = true
	s.finishLocked()
	s.wake()
}

// close terminates the subscription, discarding queued messages. It reports
// whether this call performed the termination.
func (s *Subscription) close(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closeLocked(err)
	return true
}

func (s *Subscription) closeLocked(err error) {
	s.closed = true
	s.err = err
	s.pending = nil
	s.pMsgs = 0
	s.pBytes = 0
	close(s.done)
	if s.onClose != nil {
		s.onClose()
	}
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// subFrames returns the frames that register s with a server, and records
// the server-side delivery baseline. It returns nil when s no longer needs a
// registration.
func (s *Subscription) subFrames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.draining {
		return nil
	}

	s.serverBase = s.delivered
	frames := make([]frame, 0, 2)
	b, err := codec.Encode(&codec.Sub{Subject: s.Subject, Queue: s.Queue, SID: s.sid})
	if err != nil {
		return nil
	}
	frames = append(frames, frame{data: b})
	if s.max > 0 {
		b, _ = codec.Encode(&codec.Unsub{SID: s.sid, Max: s.max - s.delivered})
		frames = append(frames, frame{data: b})
	}
	return frames
}

func unsubFrame(sid, max uint64) frame {
	b, _ := codec.Encode(&codec.Unsub{SID: sid, Max: max})
	return frame{data: b}
}

// Subscribe registers an asynchronous subscription.
func (c *Client) Subscribe(subj string, cb MsgHandler) (*Subscription, error) {
	return c.QueueSubscribe(subj, "", cb)
}

// QueueSubscribe registers an asynchronous subscription in a queue group.
// Each message is delivered to one member of the group.
func (c *Client) QueueSubscribe(subj, queue string, cb MsgHandler) (*Subscription, error) {
	if cb == nil {
		return nil, ErrNilHandler
	}
	s := newSubscription(subAsync)
	s.handler = cb
	return c.subscribe(subj, queue, s)
}

// ChanSubscribe delivers messages to ch. Delivery blocks while ch is full;
// messages queue behind it up to the pending limits.
func (c *Client) ChanSubscribe(subj string, ch chan *Msg) (*Subscription, error) {
	return c.ChanQueueSubscribe(subj, "", ch)
}

// ChanQueueSubscribe is ChanSubscribe within a queue group.
func (c *Client) ChanQueueSubscribe(subj, queue string, ch chan *Msg) (*Subscription, error) {
	if ch == nil {
		return nil, ErrNilHandler
	}
	s := newSubscription(subChan)
	s.mch = ch
	return c.subscribe(subj, queue, s)
}

// SubscribeSync registers a subscription consumed with NextMsg.
func (c *Client) SubscribeSync(subj string) (*Subscription, error) {
	return c.subscribe(subj, "", newSubscription(subSync))
}

// QueueSubscribeSync is SubscribeSync within a queue group.
func (c *Client) QueueSubscribeSync(subj, queue string) (*Subscription, error) {
	return c.subscribe(subj, queue, newSubscription(subSync))
}

// subscribeInline registers a subscription whose handler runs on the read
// loop. The handler must not block.
func (c *Client) subscribeInline(subj string, fn func(*Msg)) (*Subscription, error) {
	s := newSubscription(subInline)
	s.inline = fn
	return c.subscribe(subj, "", s)
}

func (c *Client) subscribe(subj, queue string, s *Subscription) (*Subscription, error) {
	if err := subject.ValidateFilter(subj); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSubject, err)
	}
	if err := subject.ValidateQueue(queue); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadQueueName, err)
	}
	s.Subject = subj
	s.Queue = queue
	s.client = c
	s.pMsgsLimit = c.opts.PendingMsgsLimit
	s.pBytesLimit = c.opts.PendingBytesLimit
	s.onClose = c.metrics.subscriptionClosed

	c.mu.Lock()
	switch c.state.get() {
	case StateClosed:
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	case StateDraining:
		c.mu.Unlock()
		return nil, ErrConnectionDraining
	}

	c.subs.add(s)
	// Registered while disconnected, the SUB goes out with the replay on
	// the next connection.
	if c.state.isConnected() {
		for _, f := range s.subFrames() {
			if err := c.out.enqueue(f, false); err != nil {
				c.subs.remove(s)
				c.mu.Unlock()
				c.metrics.backpressure()
				return nil, err
			}
		}
		c.out.kick()
	}
	c.mu.Unlock()

	c.metrics.subscriptionOpened()
	if s.kind == subAsync || s.kind == subChan {
		go s.run()
	}
	c.logger.Debug("subscribed",
		slog.String("subject", subj),
		slog.String("queue", queue),
		slog.Uint64("sid", s.sid))
	return s, nil
}

func (c *Client) unsubscribe(s *Subscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.isClosed() {
		return ErrConnectionClosed
	}
	if !s.close(ErrBadSubscription) {
		return ErrBadSubscription
	}
	if c.subs.remove(s) && c.state.isConnected() {
		if err := c.out.enqueue(unsubFrame(s.sid, 0), true); err != nil {
			return err
		}
		c.out.kick()
	}
	c.logger.Debug("unsubscribed", slog.String("subject", s.Subject), slog.Uint64("sid", s.sid))
	return nil
}

func (c *Client) autoUnsubscribe(s *Subscription, max int) error {
	if max <= 0 {
		return fmt.Errorf("%w: max must be positive", ErrInvalidLimit)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.isClosed() {
		return ErrConnectionClosed
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrBadSubscription
	}
	s.max = uint64(max)
	reached := s.delivered >= s.max
	f := unsubFrame(s.sid, s.max-s.serverBase)
	if reached {
		s.finishLocked()
		s.wake()
		// Already past the limit: drop interest outright.
		f = unsubFrame(s.sid, 0)
	}
	s.mu.Unlock()

	if reached {
		c.subs.remove(s)
	}
	if c.state.isConnected() {
		if err := c.out.enqueue(f, true); err != nil {
			return err
		}
		c.out.kick()
	}
	return nil
}

func (c *Client) drainSubscription(ctx context.Context, s *Subscription) error {
	c.mu.Lock()
	if c.state.isClosed() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if !s.startDrain() {
		c.mu.Unlock()
		return ErrBadSubscription
	}
	if c.state.isConnected() {
		_ = c.out.enqueue(unsubFrame(s.sid, 0), true)
		c.out.kick()
	}
	c.mu.Unlock()

	ctx, cancel := c.withDefaultTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()
	return c.finishDrain(ctx, []*Subscription{s})
}

// finishDrain waits for the server to process the UNSUBs already queued for
// subs, then for each queue to empty.
func (c *Client) finishDrain(ctx context.Context, subs []*Subscription) error {
	if err := c.Flush(ctx); err != nil {
		c.logger.Debug("drain flush failed", slog.String("error", err.Error()))
	}
	for _, s := range subs {
		c.subs.remove(s)
		s.markDrained()
	}
	for i, s := range subs {
		select {
		case <-s.done:
		case <-ctx.Done():
			for _, rest := range subs[i:] {
				rest.close(ErrDrainTimeout)
			}
			return fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
		}
	}
	return nil
}
