// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides an in-process broker speaking the client
// protocol, for exercising clients without an external server.
package testutil

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxnats/codec"
	"github.com/absmach/fluxnats/subject"
	"github.com/stretchr/testify/require"
)

// ServerOptions tune the fake broker.
type ServerOptions struct {
	MaxPayload  int64
	NoHeaders   bool
	AuthToken   string   // when set, CONNECT must carry this token
	ConnectURLs []string // advertised in INFO
	IgnorePings bool     // answer only the handshake PING, to provoke stale connections
}

// Server is a minimal single-node broker.
type Server struct {
	t    testing.TB
	opts ServerOptions
	ln   net.Listener

	mu       sync.Mutex
	clients  map[*serverClient]struct{}
	subs     []*serverSub
	ops      []codec.Op
	accepted int
	closed   bool

	wg sync.WaitGroup
}

type serverClient struct {
	conn    net.Conn
	wmu     sync.Mutex
	connect codec.ConnectInfo
	pings   int
}

type serverSub struct {
	client    *serverClient
	sid       uint64
	subject   string
	queue     string
	max       uint64
	delivered uint64
}

// NewServer starts a broker on a random local port. It is shut down when the
// test ends.
func NewServer(t testing.TB, opts ServerOptions) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return serve(t, ln, opts)
}

// RestartServer starts a broker on addr, typically the address of a server
// shut down earlier in the test.
func RestartServer(t testing.TB, addr string, opts ServerOptions) *Server {
	t.Helper()

	var ln net.Listener
	var err error
	require.Eventually(t, func() bool {
		ln, err = net.Listen("tcp", addr)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	return serve(t, ln, opts)
}

func serve(t testing.TB, ln net.Listener, opts ServerOptions) *Server {
	if opts.MaxPayload == 0 {
		opts.MaxPayload = 1024 * 1024
	}
	s := &Server{
		t:       t,
		opts:    opts,
		ln:      ln,
		clients: make(map[*serverClient]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(s.Shutdown)
	return s
}

// URL returns the client URL of the server.
func (s *Server) URL() string {
	return "nats://" + s.ln.Addr().String()
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Ops returns every operation received from clients, in arrival order.
func (s *Server) Ops() []codec.Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]codec.Op(nil), s.ops...)
}

// OpsOfKind returns the received operations of kind k.
func (s *Server) OpsOfKind(k codec.Kind) []codec.Op {
	var out []codec.Op
	for _, op := range s.Ops() {
		if op.Kind() == k {
			out = append(out, op)
		}
	}
	return out
}

// NumSubscriptions returns the number of live subscriptions.
func (s *Server) NumSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// NumClients returns the number of connected clients.
func (s *Server) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Connects returns the CONNECT options received so far.
func (s *Server) Connects() []codec.ConnectInfo {
	var out []codec.ConnectInfo
	for _, op := range s.OpsOfKind(codec.KindConnect) {
		out = append(out, op.(*codec.Connect).Options)
	}
	return out
}

// DropClients closes every client connection, keeping the listener open.
func (s *Server) DropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
}

// Send writes op to every connected client.
func (s *Server) Send(op codec.Op) {
	b, err := codec.Encode(op)
	require.NoError(s.t, err)
	s.SendRaw(b)
}

// SendRaw writes b to every connected client.
func (s *Server) SendRaw(b []byte) {
	s.mu.Lock()
	clients := make([]*serverClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.write(b)
	}
}

// Shutdown stops the listener, closes every client and waits for the
// server goroutines.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &serverClient{conn: conn}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.clients[c] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(c)
	}
}

func (s *Server) handle(c *serverClient) {
	defer s.wg.Done()
	defer s.removeClient(c)

	info := &codec.Info{Server: codec.ServerInfo{
		ServerID:    "FAKE",
		ServerName:  "fake",
		Version:     "2.10.0",
		Proto:       1,
		Host:        "127.0.0.1",
		Headers:     !s.opts.NoHeaders,
		MaxPayload:  s.opts.MaxPayload,
		ConnectURLs: s.opts.ConnectURLs,
	}}
	if s.opts.AuthToken != "" {
		info.Server.AuthRequired = true
	}
	b, _ := codec.Encode(info)
	if !c.write(b) {
		return
	}

	dec := codec.NewDecoder(int(s.opts.MaxPayload))
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			_, _ = dec.Write(buf[:n])
			for {
				op, derr := dec.Next()
				if errors.Is(derr, codec.ErrNeedMoreData) {
					break
				}
				if derr != nil {
					c.write([]byte("-ERR 'Unknown Protocol Operation'\r\n"))
					return
				}
				if !s.process(c, op) {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) process(c *serverClient, op codec.Op) bool {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()

	switch o := op.(type) {
	case *codec.Connect:
		c.connect = o.Options
		if s.opts.AuthToken != "" && o.Options.Token != s.opts.AuthToken {
			c.write([]byte("-ERR 'Authorization Violation'\r\n"))
			return false
		}
	case *codec.Ping:
		c.pings++
		if !s.opts.IgnorePings || c.pings == 1 {
			c.write([]byte("PONG\r\n"))
		}
	case *codec.Sub:
		s.mu.Lock()
		s.subs = append(s.subs, &serverSub{client: c, sid: o.SID, subject: o.Subject, queue: o.Queue})
		s.mu.Unlock()
	case *codec.Unsub:
		s.unsub(c, o)
	case *codec.Pub:
		s.route(c, o)
	}
	return true
}

func (s *Server) unsub(c *serverClient, op *codec.Unsub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.client != c || sub.sid != op.SID {
			continue
		}
		if op.Max > 0 && sub.delivered < op.Max {
			sub.max = op.Max
			return
		}
		s.subs = append(s.subs[:i], s.subs[i+1:]...)
		return
	}
}

// route delivers a publish to every plain subscription and one member of
// each queue group. A request nobody receives gets a 503 status reply when
// the requester opted into no-responders.
func (s *Server) route(from *serverClient, pub *codec.Pub) {
	type delivery struct {
		client *serverClient
		msg    []byte
	}

	s.mu.Lock()
	var out []delivery
	groups := make(map[string]bool)
	kept := s.subs[:0]
	for _, sub := range s.subs {
		match := subject.Match(sub.subject, pub.Subject) &&
			(sub.queue == "" || !groups[sub.queue]) &&
			(from.connect.Echo || sub.client != from)
		if match {
			if sub.queue != "" {
				groups[sub.queue] = true
			}
			b, _ := codec.Encode(&codec.Msg{
				Subject: pub.Subject,
				SID:     sub.sid,
				Reply:   pub.Reply,
				Header:  pub.Header,
				Payload: pub.Payload,
			})
			out = append(out, delivery{client: sub.client, msg: b})
			sub.delivered++
			if sub.max > 0 && sub.delivered >= sub.max {
				continue
			}
		}
		kept = append(kept, sub)
	}
	s.subs = kept

	if len(out) == 0 && pub.Reply != "" && from.connect.NoResponders {
		for _, sub := range s.subs {
			if sub.client == from && subject.Match(sub.subject, pub.Reply) {
				b, _ := codec.Encode(&codec.Msg{
					Subject: pub.Reply,
					SID:     sub.sid,
					Header:  codec.Header{codec.StatusHeader: {"503"}},
				})
				out = append(out, delivery{client: from, msg: b})
				break
			}
		}
	}
	s.mu.Unlock()

	for _, d := range out {
		d.client.write(d.msg)
	}
}

func (s *Server) removeClient(c *serverClient) {
	_ = c.conn.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	kept := s.subs[:0]
	for _, sub := range s.subs {
		if sub.client != c {
			kept = append(kept, sub)
		}
	}
	s.subs = kept
}

func (c *serverClient) write(b []byte) bool {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(b)
	return err == nil
}
