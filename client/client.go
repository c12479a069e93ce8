// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements an asynchronous publish/subscribe client for the
// NATS text protocol with request/reply, automatic reconnection and
// subscription replay.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxnats/codec"
	"github.com/absmach/fluxnats/subject"
	"github.com/absmach/fluxnats/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// Version is reported to the server in CONNECT.
const Version = "0.1.0"

// Client is a thread-safe publish/subscribe client.
type Client struct {
	opts    *Options
	logger  *slog.Logger
	dialer  transport.Dialer
	metrics *metrics
	tracer  trace.Tracer

	// State management. mu serializes state transitions with connection
	// swaps and with every SUB/PUB enqueue that depends on the state.
	mu        sync.Mutex
	state     *stateManager
	conn      net.Conn
	srv       *server
	pongs     []chan error
	stopLoops context.CancelFunc
	info      atomic.Pointer[codec.ServerInfo]
	pingsOut  atomic.Int32

	out     *outbound
	subs    *subscriptionRegistry
	resp    *pendingStore
	respMu  sync.Mutex
	respSub *Subscription

	// Reconnection
	pool    *serverPool
	backoff *backoff
	limiter *rate.Limiter

	cbs   *callbackQueue
	stats statistics

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Statistics are cumulative traffic counters.
type Statistics struct {
	InMsgs     uint64
	OutMsgs    uint64
	InBytes    uint64
	OutBytes   uint64
	Reconnects uint64
}

type statistics struct {
	inMsgs     atomic.Uint64
	outMsgs    atomic.Uint64
	inBytes    atomic.Uint64
	outBytes   atomic.Uint64
	reconnects atomic.Uint64
}

// New creates a client with the given options. It does not connect.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := newServerPool(opts, logger)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewDialer(opts.ConnectTimeout, opts.TLSConfig)
	}
	m, err := newMetrics(opts.MeterProvider)
	if err != nil {
		logger.Warn("metrics disabled", slog.String("error", err.Error()))
		m = noopMetrics()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		logger:  logger,
		dialer:  dialer,
		metrics: m,
		tracer:  tp.Tracer(instrumentationName),
		state:   newStateManager(),
		out:     newOutbound(opts.OutboundMaxBytes, opts.OutboundMaxMsgs),
		subs:    newSubscriptionRegistry(),
		resp:    newPendingStore(opts.InboxPrefix + "." + newToken() + "."),
		pool:    pool,
		backoff: newBackoff(opts),
		limiter: newReconnectLimiter(opts),
		cbs:     newCallbackQueue(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Connect creates a client and connects it.
func Connect(ctx context.Context, opts *Options) (*Client, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Connect establishes the first connection, trying each server once. With
// RetryOnFailedConnect the client keeps retrying in the background instead
// of failing.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.transition(StateDisconnected, StateConnecting) {
		st := c.state.get()
		c.mu.Unlock()
		if st == StateClosed {
			return ErrConnectionClosed
		}
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	var lastErr error
	for _, s := range c.pool.candidates() {
		err := c.connectTo(ctx, s, false)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrConnectionClosed) {
			return err
		}
		c.pool.failed(s)
		c.logger.Warn("connect attempt failed",
			slog.String("server", s.url.Redacted()),
			slog.String("error", err.Error()))
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.RetryOnFailedConnect && c.opts.AllowReconnect &&
		c.state.transition(StateConnecting, StateReconnecting) {
		c.logger.Info("initial connect failed, retrying in background")
		c.startReconnect()
		return nil
	}
	c.state.transition(StateConnecting, StateDisconnected)
	return fmt.Errorf("%w: %w", ErrConnectFailed, lastErr)
}

// connectTo dials s, performs the handshake and activates the connection.
func (c *Client) connectTo(ctx context.Context, s *server, reconnect bool) error {
	from := StateConnecting
	if reconnect {
		from = StateReconnecting
	}
	s.lastAttempt = time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(ctx, s.url)
	if err != nil {
		return &TransportError{Op: "dial", Addr: s.url.Host, Err: err}
	}

	c.mu.Lock()
	ok := c.state.transition(from, StateHandshaking)
	c.mu.Unlock()
	if !ok {
		_ = conn.Close()
		return ErrConnectionClosed
	}

	conn, info, dec, err := c.handshake(ctx, conn, s)
	if err != nil {
		_ = conn.Close()
		c.mu.Lock()
		c.state.transition(StateHandshaking, from)
		c.mu.Unlock()
		return err
	}
	return c.activate(conn, info, dec, s, reconnect)
}

// activate installs an established connection: subscriptions are replayed
// ahead of anything buffered while disconnected, then the I/O loops start.
func (c *Client) activate(conn net.Conn, info *codec.ServerInfo, dec *codec.Decoder, s *server, reconnect bool) error {
	c.mu.Lock()
	if c.state.get() != StateHandshaking {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrConnectionClosed
	}

	var replay []frame
	for _, sub := range c.subs.snapshot() {
		replay = append(replay, sub.subFrames()...)
	}
	c.out.prepend(replay)

	c.conn = conn
	c.srv = s
	c.info.Store(info)
	c.pingsOut.Store(0)
	c.state.transition(StateHandshaking, StateConnected)

	loopCtx, stop := context.WithCancel(c.ctx)
	c.stopLoops = stop
	c.wg.Add(1)
	go c.runLoops(loopCtx, conn, dec)
	c.mu.Unlock()
	c.out.kick()

	c.pool.connected(s)
	c.pool.promote(s)
	c.processDiscovered(info)

	attrs := []any{
		slog.String("server", s.url.Redacted()),
		slog.String("server_id", info.ServerID),
		slog.Int("replayed_frames", len(replay)),
	}
	if reconnect {
		c.stats.reconnects.Add(1)
		c.metrics.reconnected(s.url.Host)
		c.logger.Info("reconnected", attrs...)
		c.cbs.push(c.opts.OnReconnect)
	} else {
		c.logger.Info("connected", attrs...)
		c.cbs.push(c.opts.OnConnect)
	}
	if info.LameDuckMode {
		c.cbs.push(c.opts.OnLameDuck)
	}
	return nil
}

// handleDisconnect reacts to the loops of conn terminating with err.
func (c *Client) handleDisconnect(conn net.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPongsLocked(ErrConnectionLost)
	reconnect := c.state.transition(StateConnected, StateReconnecting)
	if !reconnect && c.state.get() != StateDraining {
		// Close owns the teardown.
		c.mu.Unlock()
		return
	}
	bytes, msgs := c.out.reset()
	c.mu.Unlock()

	c.logger.Warn("connection lost",
		slog.String("error", errString(err)),
		slog.Int("dropped_bytes", bytes),
		slog.Int("dropped_msgs", msgs))
	c.metrics.disconnected(err)
	if n := c.resp.failAll(fmt.Errorf("%w: %w", ErrRequestCancelled, ErrConnectionLost)); n > 0 {
		c.logger.Debug("requests cancelled by disconnect", slog.Int("count", n))
	}
	if cb := c.opts.OnDisconnect; cb != nil {
		c.cbs.push(func() { cb(err) })
	}

	if !reconnect {
		// Drain sees the nil conn on its next flush and closes.
		return
	}
	if !c.opts.AllowReconnect {
		c.closeAsync()
		return
	}
	c.startReconnect()
}

// Publish sends data to subj. It returns once the message is buffered; a
// full buffer fails immediately with ErrBackpressure.
func (c *Client) Publish(subj string, data []byte) error {
	return c.publish(subj, "", nil, data)
}

// PublishRequest publishes with an explicit reply subject.
func (c *Client) PublishRequest(subj, reply string, data []byte) error {
	return c.publish(subj, reply, nil, data)
}

// PublishMsg publishes m including its headers.
func (c *Client) PublishMsg(m *Msg) error {
	if m == nil {
		return ErrBadSubject
	}
	return c.publish(m.Subject, m.Reply, m.Header, m.Data)
}

func (c *Client) publish(subj, reply string, hdr Header, data []byte) error {
	if err := subject.ValidatePublish(subj); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSubject, err)
	}
	if reply != "" {
		if err := subject.ValidatePublish(reply); err != nil {
			return fmt.Errorf("%w: reply: %w", ErrBadSubject, err)
		}
	}

	maxPayload := int64(DefaultMaxPayload)
	if info := c.info.Load(); info != nil {
		if info.MaxPayload > 0 {
			maxPayload = info.MaxPayload
		}
		if hdr != nil && !info.Headers {
			return ErrHeadersNotSupported
		}
	}
	pub := &codec.Pub{Subject: subj, Reply: reply, Header: hdr, Payload: data}
	if size := int64(codec.Size(pub)); size > maxPayload {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMaxPayload, size, maxPayload)
	}
	b, err := codec.Encode(pub)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if st := c.state.get(); st == StateClosed || st == StateDraining {
		c.mu.Unlock()
		return stateErr(st)
	}
	err = c.out.enqueue(frame{data: b, msgs: 1}, false)
	c.mu.Unlock()
	if err != nil {
		c.metrics.backpressure()
		return err
	}
	c.out.kick()

	c.stats.outMsgs.Add(1)
	c.stats.outBytes.Add(uint64(len(data)))
	c.metrics.published(len(data))
	return nil
}

// Flush sends a PING and waits for the matching PONG, which guarantees the
// server has processed everything buffered before the call. Without a
// context deadline the client's RequestTimeout applies.
func (c *Client) Flush(ctx context.Context) error {
	ch := make(chan error, 1)

	c.mu.Lock()
	if st := c.state.get(); st != StateConnected && st != StateDraining {
		c.mu.Unlock()
		return stateErr(st)
	}
	if c.conn == nil {
		c.mu.Unlock()
		return ErrConnectionLost
	}
	if err := c.out.enqueue(pingFrame, true); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pongs = append(c.pongs, ch)
	c.mu.Unlock()
	c.out.kick()

	ctx, cancel := c.withDefaultTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain unsubscribes every subscription, lets queued messages and in-flight
// requests complete, flushes and closes. Without a context deadline the
// client's DrainTimeout applies.
func (c *Client) Drain(ctx context.Context) error {
	c.respMu.Lock()
	respSub := c.respSub
	c.respMu.Unlock()

	c.mu.Lock()
	if st := c.state.get(); st != StateConnected {
		c.mu.Unlock()
		return stateErr(st)
	}
	c.state.transition(StateConnected, StateDraining)

	var subs []*Subscription
	for _, s := range c.subs.snapshot() {
		if s == respSub {
			continue
		}
		if s.startDrain() {
			_ = c.out.enqueue(unsubFrame(s.sid, 0), true)
		}
		subs = append(subs, s)
	}
	c.mu.Unlock()
	c.out.kick()
	c.logger.Info("draining connection", slog.Int("subscriptions", len(subs)))

	ctx, cancel := c.withDefaultTimeout(ctx, c.opts.DrainTimeout)
	defer cancel()

	err := c.finishDrain(ctx, subs)
	if err == nil {
		select {
		case <-c.resp.idleCh():
		case <-ctx.Done():
			err = fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
		}
	}
	if err == nil {
		switch ferr := c.Flush(ctx); {
		case errors.Is(ferr, ErrConnectionLost):
			err = fmt.Errorf("drain interrupted: %w", ferr)
		case ferr != nil:
			c.logger.Debug("final drain flush failed", slog.String("error", ferr.Error()))
		}
	}
	if err != nil {
		c.logger.Warn("drain incomplete", slog.String("error", err.Error()))
	}
	return multierr.Append(err, c.Close())
}

// Close closes the connection and releases every resource. Outstanding
// requests fail with ErrRequestCancelled and subscriptions terminate.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state.close() == StateClosed {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.conn = nil
	stop := c.stopLoops
	c.out.reset()
	c.failPongsLocked(ErrConnectionClosed)
	c.mu.Unlock()

	c.cancel()
	if stop != nil {
		stop()
	}
	var err error
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, &TransportError{Op: "close", Err: cerr})
		}
	}
	c.wg.Wait()

	for _, s := range c.subs.clear() {
		s.close(ErrConnectionClosed)
	}
	c.resp.failAll(fmt.Errorf("%w: %w", ErrRequestCancelled, ErrConnectionClosed))

	c.logger.Info("connection closed")
	c.cbs.push(c.opts.OnClosed)
	c.cbs.close()
	return err
}

// closeAsync closes from a fresh goroutine. It must stay outside wg since
// Close waits on wg.
func (c *Client) closeAsync() {
	go func() { _ = c.Close() }()
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state.get()
}

// IsConnected reports whether the client is connected.
func (c *Client) IsConnected() bool {
	return c.state.isConnected()
}

// IsReconnecting reports whether the client is trying to reconnect.
func (c *Client) IsReconnecting() bool {
	return c.state.get() == StateReconnecting
}

// IsDraining reports whether the client is draining.
func (c *Client) IsDraining() bool {
	return c.state.get() == StateDraining
}

// IsClosed reports whether the client is closed.
func (c *Client) IsClosed() bool {
	return c.state.isClosed()
}

// ConnectedURL returns the URL of the current server, or "".
func (c *Client) ConnectedURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.srv == nil {
		return ""
	}
	return c.srv.url.Redacted()
}

// ServerInfo returns the latest INFO received, and false before the first
// connection.
func (c *Client) ServerInfo() (codec.ServerInfo, bool) {
	info := c.info.Load()
	if info == nil {
		return codec.ServerInfo{}, false
	}
	return *info, true
}

// MaxPayload returns the server's maximum payload size.
func (c *Client) MaxPayload() int64 {
	if info := c.info.Load(); info != nil && info.MaxPayload > 0 {
		return info.MaxPayload
	}
	return DefaultMaxPayload
}

// HeadersSupported reports whether the server accepts headers.
func (c *Client) HeadersSupported() bool {
	info := c.info.Load()
	return info != nil && info.Headers
}

// Servers returns every server in the pool.
func (c *Client) Servers() []string {
	return c.pool.urls()
}

// DiscoveredServers returns the servers learned from the cluster.
func (c *Client) DiscoveredServers() []string {
	return c.pool.discoveredURLs()
}

// NumSubscriptions returns the number of registered subscriptions.
func (c *Client) NumSubscriptions() int {
	return c.subs.count()
}

// Buffered returns the bytes and messages waiting in the outbound buffer.
func (c *Client) Buffered() (int, int) {
	return c.out.buffered()
}

// Stats returns cumulative traffic counters.
func (c *Client) Stats() Statistics {
	return Statistics{
		InMsgs:     c.stats.inMsgs.Load(),
		OutMsgs:    c.stats.outMsgs.Load(),
		InBytes:    c.stats.inBytes.Load(),
		OutBytes:   c.stats.outBytes.Load(),
		Reconnects: c.stats.reconnects.Load(),
	}
}

func (c *Client) currentURL() *url.URL {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srv == nil {
		return nil
	}
	return c.srv.url
}

func (c *Client) asyncError(s *Subscription, err error) {
	if cb := c.opts.OnError; cb != nil {
		c.cbs.push(func() { cb(s, err) })
	}
}

// failPongsLocked fails every Flush waiting for a PONG. Called with mu held.
func (c *Client) failPongsLocked(err error) {
	for _, ch := range c.pongs {
		if ch != nil {
			ch <- err
		}
	}
	c.pongs = nil
}

func (c *Client) withDefaultTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func stateErr(st State) error {
	switch st {
	case StateClosed:
		return ErrConnectionClosed
	case StateDraining:
		return ErrConnectionDraining
	case StateReconnecting:
		return ErrConnectionReconnecting
	default:
		return ErrNotConnected
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
