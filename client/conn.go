// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/fluxnats/codec"
	"github.com/absmach/fluxnats/transport"
	"golang.org/x/sync/errgroup"
)

const readBufferSize = 32 * 1024

var (
	pingFrame = frame{data: []byte("PING\r\n")}
	pongFrame = frame{data: []byte("PONG\r\n")}
)

// handshake reads INFO, upgrades to TLS when required, sends CONNECT and a
// PING, and waits for the PONG that confirms the server accepted CONNECT.
// The returned connection is never nil, so the caller can always close it.
func (c *Client) handshake(ctx context.Context, conn net.Conn, s *server) (net.Conn, *codec.ServerInfo, *codec.Decoder, error) {
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	dec := codec.NewDecoder(0)
	buf := make([]byte, 4096)

	op, err := readOp(conn, dec, buf)
	if err != nil {
		return conn, nil, nil, err
	}
	first, ok := op.(*codec.Info)
	if !ok {
		return conn, nil, nil, fmt.Errorf("%w: expected INFO, got %s", codec.ErrProtocol, op.Kind())
	}
	info := first.Server

	if (info.TLSRequired || c.opts.Secure) && !transport.IsTLS(conn) && !transport.IsWebSocket(s.url) {
		tconn, err := transport.UpgradeTLS(ctx, conn, c.opts.TLSConfig, s.url.Hostname())
		if err != nil {
			return conn, nil, nil, &TransportError{Op: "tls", Addr: s.url.Host, Err: err}
		}
		conn = tconn
		_ = conn.SetDeadline(deadline)
	}
	if info.MaxPayload > 0 {
		dec.MaxPayload = int(info.MaxPayload)
	}

	connect, err := codec.Encode(&codec.Connect{Options: codec.ConnectInfo{
		Verbose:      c.opts.Verbose,
		Pedantic:     c.opts.Pedantic,
		User:         c.opts.User,
		Pass:         c.opts.Password,
		Token:        c.opts.Token,
		TLSRequired:  c.opts.Secure,
		Name:         c.opts.Name,
		Lang:         "go",
		Version:      Version,
		Protocol:     1,
		Echo:         !c.opts.NoEcho,
		Headers:      info.Headers,
		NoResponders: info.Headers,
	}})
	if err != nil {
		return conn, nil, nil, err
	}
	if _, err := conn.Write(append(connect, pingFrame.data...)); err != nil {
		return conn, nil, nil, &TransportError{Op: "write", Addr: s.url.Host, Err: err}
	}

	for {
		op, err := readOp(conn, dec, buf)
		if err != nil {
			return conn, nil, nil, err
		}
		switch o := op.(type) {
		case *codec.Pong:
			_ = conn.SetDeadline(time.Time{})
			return conn, &info, dec, nil
		case *codec.Err:
			return conn, nil, nil, &BrokerError{Message: o.Message}
		case *codec.Info:
			info = o.Server
		case *codec.Ping:
			if _, err := conn.Write(pongFrame.data); err != nil {
				return conn, nil, nil, &TransportError{Op: "write", Addr: s.url.Host, Err: err}
			}
		case *codec.OK:
		default:
			return conn, nil, nil, fmt.Errorf("%w: unexpected %s during handshake", codec.ErrProtocol, op.Kind())
		}
	}
}

// readOp returns the next operation, reading from conn as needed.
func readOp(conn net.Conn, dec *codec.Decoder, buf []byte) (codec.Op, error) {
	for {
		op, err := dec.Next()
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, codec.ErrNeedMoreData) {
			return nil, err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
		}
		if err != nil {
			return nil, &TransportError{Op: "handshake", Addr: conn.RemoteAddr().String(), Err: err}
		}
	}
}

// runLoops runs the reader, flusher and keep-alive for conn until one of
// them fails or ctx is cancelled.
func (c *Client) runLoops(ctx context.Context, conn net.Conn, dec *codec.Decoder) {
	defer c.wg.Done()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx, conn, dec) })
	g.Go(func() error { return c.flushLoop(gctx, conn) })
	g.Go(func() error { return c.pingLoop(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		_ = conn.Close()
		return nil
	})

	c.handleDisconnect(conn, g.Wait())
}

func (c *Client) readLoop(ctx context.Context, conn net.Conn, dec *codec.Decoder) error {
	buf := make([]byte, readBufferSize)
	for {
		if err := c.processBuffered(dec); err != nil {
			return err
		}
		n, err := conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
		}
		if err != nil {
			if perr := c.processBuffered(dec); perr != nil {
				return perr
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "read", Addr: conn.RemoteAddr().String(), Err: err}
		}
	}
}

func (c *Client) processBuffered(dec *codec.Decoder) error {
	for {
		op, err := dec.Next()
		if errors.Is(err, codec.ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			c.logger.Error("protocol error", slog.String("error", err.Error()))
			return err
		}
		if err := c.processOp(op, dec); err != nil {
			return err
		}
	}
}

// flushLoop is the single writer of conn. Frames leave in enqueue order.
func (c *Client) flushLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.out.signal:
		}
		for {
			_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			n, err := c.out.drainTo(conn)
			if err != nil {
				return &TransportError{Op: "write", Addr: conn.RemoteAddr().String(), Err: err}
			}
			if n == 0 {
				break
			}
		}
	}
}

// pingLoop sends keep-alive PINGs and declares the connection stale once
// too many go unanswered.
func (c *Client) pingLoop(ctx context.Context) error {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if n := c.pingsOut.Add(1); int(n) > c.opts.MaxPingsOut {
			return ErrStaleConnection
		}
		c.mu.Lock()
		_ = c.out.enqueue(pingFrame, true)
		c.pongs = append(c.pongs, nil)
		c.mu.Unlock()
		c.out.kick()
	}
}

func (c *Client) processOp(op codec.Op, dec *codec.Decoder) error {
	switch o := op.(type) {
	case *codec.Msg:
		c.processMsg(o)
	case *codec.Ping:
		_ = c.out.enqueue(pongFrame, true)
		c.out.kick()
	case *codec.Pong:
		c.processPong()
	case *codec.Info:
		c.processInfo(&o.Server, dec)
	case *codec.Err:
		return c.processErr(o)
	case *codec.OK:
	default:
		return fmt.Errorf("%w: unexpected %s from server", codec.ErrProtocol, op.Kind())
	}
	return nil
}

func (c *Client) processMsg(op *codec.Msg) {
	size := len(op.Payload)
	c.stats.inMsgs.Add(1)
	c.stats.inBytes.Add(uint64(size))
	c.metrics.received(size)

	s := c.subs.get(op.SID)
	if s == nil {
		c.logger.Debug("message for unknown subscription dropped",
			slog.String("subject", op.Subject),
			slog.Uint64("sid", op.SID))
		return
	}

	reached, err := s.deliver(newMsg(c, op, s))
	if err != nil {
		c.metrics.slowConsumer(s.Subject)
		c.logger.Warn("slow consumer, dropping messages",
			slog.String("subject", s.Subject),
			slog.Uint64("sid", s.sid))
		c.asyncError(s, err)
	}
	if reached {
		c.subs.remove(s)
	}
}

func (c *Client) processPong() {
	c.pingsOut.Store(0)

	var ch chan error
	c.mu.Lock()
	if len(c.pongs) > 0 {
		ch = c.pongs[0]
		c.pongs[0] = nil
		c.pongs = c.pongs[1:]
	}
	c.mu.Unlock()
	if ch != nil {
		ch <- nil
	}
}

func (c *Client) processInfo(info *codec.ServerInfo, dec *codec.Decoder) {
	c.info.Store(info)
	if info.MaxPayload > 0 {
		dec.MaxPayload = int(info.MaxPayload)
	}
	c.processDiscovered(info)
	if info.LameDuckMode {
		c.logger.Warn("server entering lame duck mode", slog.String("server_id", info.ServerID))
		c.cbs.push(c.opts.OnLameDuck)
	}
}

// processDiscovered merges servers gossiped in INFO into the pool.
func (c *Client) processDiscovered(info *codec.ServerInfo) {
	if c.opts.IgnoreDiscoveredServers {
		return
	}
	urls, scheme := info.ConnectURLs, transport.SchemeNATS
	if cur := c.currentURL(); cur != nil {
		scheme = cur.Scheme
		if transport.IsWebSocket(cur) {
			urls = info.WSConnectURLs
		}
	}
	added := c.pool.discovered(urls, scheme)
	if len(added) == 0 {
		return
	}
	c.logger.Info("discovered servers", slog.Any("servers", added))
	if cb := c.opts.OnDiscoveredServers; cb != nil {
		c.cbs.push(func() { cb(added) })
	}
}

// processErr handles -ERR. Fatal errors end the connection; permission
// violations for a subscription terminate that subscription only.
func (c *Client) processErr(op *codec.Err) error {
	berr := &BrokerError{Message: op.Message}
	if berr.Fatal() {
		c.logger.Error("server error", slog.String("error", op.Message))
		return berr
	}

	if errors.Is(berr, ErrPermissionViolation) && berr.subscriptionScoped() {
		subj := berr.Subject()
		for _, s := range c.subs.snapshot() {
			if s.Subject == subj && s.close(berr) {
				c.subs.remove(s)
				c.asyncError(s, berr)
			}
		}
		c.logger.Warn("subscription rejected", slog.String("subject", subj))
		return nil
	}

	c.logger.Warn("server error", slog.String("error", op.Message))
	c.asyncError(nil, berr)
	return nil
}
