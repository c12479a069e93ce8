// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxnats/codec"
	"github.com/absmach/fluxnats/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testOptions(srv *testutil.Server) *Options {
	return NewOptions().
		SetServers(srv.URL()).
		SetNoRandomize(true).
		SetMaxReconnects(-1).
		SetReconnectWait(10*time.Millisecond, 50*time.Millisecond).
		SetReconnectJitter(0).
		SetReconnectRate(100).
		SetCircuitBreaker(1000, 50*time.Millisecond)
}

func connectTest(t *testing.T, opts *Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Connect(ctx, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextMsg(t *testing.T, s *Subscription) *Msg {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := s.NextMsg(ctx)
	require.NoError(t, err)
	return m
}

func expectNoMsg(t *testing.T, s *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	m, err := s.NextMsg(ctx)
	if err == nil {
		t.Fatalf("unexpected message on %s: %q", m.Subject, m.Data)
	}
}

func TestConnect(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv).SetName("tester"))

	assert.True(t, c.IsConnected())
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, srv.URL(), c.ConnectedURL())
	assert.True(t, c.HeadersSupported())
	assert.Equal(t, int64(1024*1024), c.MaxPayload())

	info, ok := c.ServerInfo()
	require.True(t, ok)
	assert.Equal(t, "FAKE", info.ServerID)

	connects := srv.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, "tester", connects[0].Name)
	assert.Equal(t, "go", connects[0].Lang)
	assert.True(t, connects[0].Echo)
	assert.True(t, connects[0].Headers)
	assert.True(t, connects[0].NoResponders)

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConnectFailure(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	opts := testOptions(srv)
	srv.Shutdown()

	_, err := Connect(context.Background(), opts)
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestConnectAuthorization(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{AuthToken: "s3cret"})

	_, err := Connect(context.Background(), testOptions(srv).SetToken("wrong"))
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.ErrorIs(t, err, ErrAuthorization)

	c := connectTest(t, testOptions(srv).SetToken("s3cret"))
	assert.True(t, c.IsConnected())
}

func TestPublishSubscribeRouting(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	wild, err := c.SubscribeSync("orders.*")
	require.NoError(t, err)
	exact, err := c.SubscribeSync("orders.123")
	require.NoError(t, err)
	hello, err := c.SubscribeSync("hello")
	require.NoError(t, err)

	require.NoError(t, c.Publish("orders.123", []byte("order")))
	require.NoError(t, c.Publish("hello", []byte("world")))

	m := nextMsg(t, wild)
	assert.Equal(t, "orders.123", m.Subject)
	assert.Equal(t, "order", string(m.Data))
	assert.Same(t, wild, m.Sub)

	m = nextMsg(t, exact)
	assert.Equal(t, "order", string(m.Data))

	m = nextMsg(t, hello)
	assert.Equal(t, "world", string(m.Data))

	expectNoMsg(t, wild)
	expectNoMsg(t, hello)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.OutMsgs)
	assert.Equal(t, uint64(3), stats.InMsgs)
}

func TestPublishValidation(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{MaxPayload: 16})
	c := connectTest(t, testOptions(srv))

	assert.ErrorIs(t, c.Publish("", nil), ErrBadSubject)
	assert.ErrorIs(t, c.Publish("orders.*", nil), ErrBadSubject)
	assert.ErrorIs(t, c.PublishRequest("a", "b c", nil), ErrBadSubject)
	assert.ErrorIs(t, c.Publish("big", make([]byte, 32)), ErrMaxPayload)

	_, err := c.SubscribeSync("a..b")
	assert.ErrorIs(t, err, ErrBadSubject)
	_, err = c.QueueSubscribeSync("a", "bad queue")
	assert.ErrorIs(t, err, ErrBadQueueName)
	_, err = c.Subscribe("a", nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestHeaders(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	sub, err := c.SubscribeSync("events")
	require.NoError(t, err)

	msg := NewMsg("events")
	msg.Header = Header{}
	msg.Header.Set("Trace-Id", "abc")
	msg.Header.Add("Tag", "x")
	msg.Header.Add("Tag", "y")
	msg.Data = []byte("payload")
	require.NoError(t, c.PublishMsg(msg))

	m := nextMsg(t, sub)
	assert.Equal(t, "abc", m.Header.Get("Trace-Id"))
	assert.Equal(t, []string{"x", "y"}, m.Header.Values("Tag"))
	assert.Equal(t, "payload", string(m.Data))
}

func TestHeadersNotSupported(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{NoHeaders: true})
	c := connectTest(t, testOptions(srv))

	msg := NewMsg("events")
	msg.Header = Header{"K": {"v"}}
	assert.ErrorIs(t, c.PublishMsg(msg), ErrHeadersNotSupported)
	assert.NoError(t, c.Publish("events", nil))
}

func TestQueueSubscribe(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	var received atomic.Int32
	handler := func(*Msg) { received.Add(1) }
	_, err := c.QueueSubscribe("work", "workers", handler)
	require.NoError(t, err)
	_, err = c.QueueSubscribe("work", "workers", handler)
	require.NoError(t, err)

	for i := range 20 {
		require.NoError(t, c.Publish("work", []byte(fmt.Sprint(i))))
	}
	require.NoError(t, c.Flush(context.Background()))

	assert.Eventually(t, func() bool { return received.Load() == 20 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(20), received.Load(), "each message goes to one member")
}

func TestSubscriptionOrdering(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	const n = 1000
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	_, err := c.Subscribe("seq", func(m *Msg) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(m.Data))
		if len(got) == n {
			close(done)
		}
	})
	require.NoError(t, err)

	for i := range n {
		require.NoError(t, c.Publish("seq", []byte(fmt.Sprint(i))))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}
	for i, v := range got {
		require.Equal(t, fmt.Sprint(i), v)
	}
}

func TestChanSubscribe(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	ch := make(chan *Msg, 4)
	_, err := c.ChanSubscribe("chan.>", ch)
	require.NoError(t, err)
	require.NoError(t, c.Publish("chan.a.b", []byte("x")))

	select {
	case m := <-ch:
		assert.Equal(t, "chan.a.b", m.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on channel")
	}
}

func TestRequestReply(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	_, err := c.Subscribe("svc.echo", func(m *Msg) {
		_ = m.Respond(append([]byte("re: "), m.Data...))
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := c.Request(ctx, "svc.echo", []byte(fmt.Sprint(i)))
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprintf("re: %d", i), string(reply.Data))
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, c.resp.count(), "resolved requests are removed")
	// One SUB for the responder and one shared inbox subscription.
	assert.Len(t, srv.OpsOfKind(codec.KindSub), 2)
}

func TestRequestTimeout(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	// A responder that never answers.
	_, err := c.SubscribeSync("svc.ping")
	require.NoError(t, err)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = c.Request(ctx, "svc.ping", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 2500*time.Millisecond)
}

func TestRequestCancelled(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))
	_, err := c.SubscribeSync("svc.slow")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = c.Request(ctx, "svc.slow", nil)
	assert.ErrorIs(t, err, ErrRequestCancelled)

	_, err = c.Request(ctx, "svc.slow", nil)
	assert.ErrorIs(t, err, ErrRequestCancelled, "cancelled before publishing")
}

func TestNoResponders(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	start := time.Now()
	_, err := c.Request(context.Background(), "nobody.home", nil)
	assert.ErrorIs(t, err, ErrNoResponders)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCloseCancelsRequests(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))
	_, err := c.SubscribeSync("svc.hang")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "svc.hang", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.resp.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRequestCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("request not cancelled by Close")
	}
}

func TestAutoUnsubscribe(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	sub, err := c.SubscribeSync("limited")
	require.NoError(t, err)
	require.NoError(t, sub.AutoUnsubscribe(3))

	for i := range 5 {
		require.NoError(t, c.Publish("limited", []byte(fmt.Sprint(i))))
	}
	for i := range 3 {
		assert.Equal(t, fmt.Sprint(i), string(nextMsg(t, sub).Data))
	}

	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrMaxMessages)
	assert.False(t, sub.IsValid())
	assert.Zero(t, c.NumSubscriptions())

	unsubs := srv.OpsOfKind(codec.KindUnsub)
	require.Len(t, unsubs, 1)
	assert.Equal(t, uint64(3), unsubs[0].(*codec.Unsub).Max)
}

func TestAutoUnsubscribeAlreadyReached(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	sub, err := c.SubscribeSync("reached")
	require.NoError(t, err)
	for range 3 {
		require.NoError(t, c.Publish("reached", nil))
	}
	for range 3 {
		nextMsg(t, sub)
	}

	require.NoError(t, sub.AutoUnsubscribe(2))
	require.NoError(t, c.Flush(context.Background()))

	assert.False(t, sub.IsValid())
	assert.Zero(t, c.NumSubscriptions())
	assert.Zero(t, srv.NumSubscriptions())

	unsubs := srv.OpsOfKind(codec.KindUnsub)
	require.Len(t, unsubs, 1)
	assert.Zero(t, unsubs[0].(*codec.Unsub).Max)
}

func TestUnsubscribe(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	sub, err := c.SubscribeSync("gone")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	assert.ErrorIs(t, sub.Unsubscribe(), ErrBadSubscription)

	require.NoError(t, c.Publish("gone", nil))
	require.NoError(t, c.Flush(context.Background()))
	assert.Zero(t, srv.NumSubscriptions())

	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrBadSubscription)
}

func TestSubscriptionDrain(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	var handled atomic.Int32
	sub, err := c.Subscribe("drain.me", func(*Msg) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})
	require.NoError(t, err)

	for range 10 {
		require.NoError(t, c.Publish("drain.me", nil))
	}
	require.NoError(t, sub.Drain(context.Background()))

	assert.Equal(t, int32(10), handled.Load())
	assert.False(t, sub.IsValid())
	assert.True(t, c.IsConnected())
}

func TestDrain(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	closed := make(chan struct{})
	c := connectTest(t, testOptions(srv).SetOnClosed(func() { close(closed) }))

	var handled atomic.Int32
	_, err := c.Subscribe("jobs", func(*Msg) {
		time.Sleep(5 * time.Millisecond)
		handled.Add(1)
	})
	require.NoError(t, err)

	for range 5 {
		require.NoError(t, c.Publish("jobs", nil))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Drain(ctx))

	assert.Equal(t, int32(5), handled.Load())
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Publish("jobs", nil), ErrConnectionClosed)
	assert.ErrorIs(t, c.Drain(ctx), ErrConnectionClosed)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClosed not invoked")
	}
}

func TestDrainConnectionLost(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	responder := connectTest(t, testOptions(srv))
	_, err := responder.SubscribeSync("svc.silent")
	require.NoError(t, err)
	require.NoError(t, responder.Flush(context.Background()))

	c := connectTest(t, testOptions(srv))
	reqErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := c.Request(ctx, "svc.silent", nil)
		reqErr <- err
	}()
	require.Eventually(t, func() bool { return len(srv.OpsOfKind(codec.KindPub)) == 1 }, time.Second, 5*time.Millisecond)

	drainErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		drainErr <- c.Drain(ctx)
	}()
	require.Eventually(t, func() bool { return c.State() == StateDraining }, time.Second, 5*time.Millisecond)

	srv.DropClients()

	select {
	case err := <-reqErr:
		assert.ErrorIs(t, err, ErrRequestCancelled)
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("request not failed by the lost connection")
	}
	select {
	case err := <-drainErr:
		assert.ErrorIs(t, err, ErrConnectionLost)
		assert.NotErrorIs(t, err, ErrDrainTimeout)
	case <-time.After(time.Second):
		t.Fatal("drain did not finish after the lost connection")
	}
	assert.True(t, c.IsClosed())
}

func TestReconnectReplaysBeforeBufferedPublishes(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	addr := srv.Addr()

	reconnected := make(chan struct{}, 1)
	disconnected := make(chan error, 1)
	c := connectTest(t, testOptions(srv).
		SetOnReconnect(func() { reconnected <- struct{}{} }).
		SetOnDisconnect(func(err error) { disconnected <- err }))

	orders, err := c.SubscribeSync("orders.>")
	require.NoError(t, err)
	hello, err := c.SubscribeSync("hello")
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))

	srv.Shutdown()
	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	require.Eventually(t, c.IsReconnecting, time.Second, 5*time.Millisecond)

	// Buffered while reconnecting.
	require.NoError(t, c.Publish("orders.1", []byte("buffered")))
	_, msgs := c.Buffered()
	assert.Equal(t, 1, msgs)

	srv2 := testutil.RestartServer(t, addr, testutil.ServerOptions{})
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect not observed")
	}

	m := nextMsg(t, orders)
	assert.Equal(t, "buffered", string(m.Data))

	require.NoError(t, c.Publish("hello", []byte("again")))
	assert.Equal(t, "again", string(nextMsg(t, hello).Data))

	// Every subscription is registered exactly once, ahead of the publish.
	ops := srv2.Ops()
	subs := map[string]int{}
	firstPub := -1
	lastSub := -1
	for i, op := range ops {
		switch o := op.(type) {
		case *codec.Sub:
			subs[o.Subject]++
			lastSub = i
		case *codec.Pub:
			if firstPub < 0 {
				firstPub = i
			}
		}
	}
	assert.Equal(t, map[string]int{"orders.>": 1, "hello": 1}, subs)
	assert.Less(t, lastSub, firstPub)
	assert.Equal(t, uint64(1), c.Stats().Reconnects)
}

func TestReconnectPreservesAutoUnsubscribeCount(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	reconnected := make(chan struct{}, 1)
	c := connectTest(t, testOptions(srv).SetOnReconnect(func() { reconnected <- struct{}{} }))

	sub, err := c.SubscribeSync("limited")
	require.NoError(t, err)
	require.NoError(t, sub.AutoUnsubscribe(5))
	for range 2 {
		require.NoError(t, c.Publish("limited", nil))
	}
	nextMsg(t, sub)
	nextMsg(t, sub)

	srv.DropClients()
	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("reconnect not observed")
	}
	require.NoError(t, c.Flush(context.Background()))

	// The replay asks for the remaining three only.
	unsubs := srv.OpsOfKind(codec.KindUnsub)
	require.Len(t, unsubs, 2)
	assert.Equal(t, uint64(5), unsubs[0].(*codec.Unsub).Max)
	assert.Equal(t, uint64(3), unsubs[1].(*codec.Unsub).Max)

	for range 5 {
		require.NoError(t, c.Publish("limited", nil))
	}
	for range 3 {
		nextMsg(t, sub)
	}
	_, err = sub.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrMaxMessages)
	assert.Equal(t, uint64(5), sub.Delivered())
}

func TestBackpressureWhileReconnecting(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv).SetOutboundLimits(64, 0))

	srv.Shutdown()
	require.Eventually(t, c.IsReconnecting, 2*time.Second, 5*time.Millisecond)

	var err error
	for range 100 {
		if err = c.Publish("fill", []byte("0123456789")); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrBackpressure)

	bytes, _ := c.Buffered()
	assert.LessOrEqual(t, bytes, 64)
}

func TestNoReconnectCloses(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv).SetAllowReconnect(false))

	srv.DropClients()
	assert.Eventually(t, c.IsClosed, 2*time.Second, 5*time.Millisecond)
}

func TestProtocolErrorReconnects(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"payload above max_payload", "MSG big 1 100\r\n"},
		{"unknown operation", "BOGUS\r\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := testutil.NewServer(t, testutil.ServerOptions{MaxPayload: 8})
			disconnected := make(chan error, 1)
			reconnected := make(chan struct{}, 1)
			c := connectTest(t, testOptions(srv).
				SetOnDisconnect(func(err error) {
					select {
					case disconnected <- err:
					default:
					}
				}).
				SetOnReconnect(func() {
					select {
					case reconnected <- struct{}{}:
					default:
					}
				}))

			sub, err := c.SubscribeSync("big")
			require.NoError(t, err)
			require.NoError(t, c.Flush(context.Background()))

			srv.SendRaw([]byte(tc.frame))

			select {
			case err := <-disconnected:
				assert.ErrorIs(t, err, codec.ErrProtocol)
			case <-time.After(2 * time.Second):
				t.Fatal("protocol error did not drop the connection")
			}
			select {
			case <-reconnected:
			case <-time.After(2 * time.Second):
				t.Fatal("client did not reconnect")
			}

			assert.Equal(t, 2, srv.Accepted())
			assert.Equal(t, uint64(1), c.Stats().Reconnects)
			assert.True(t, sub.IsValid())

			require.NoError(t, c.Publish("big", []byte("ok")))
			assert.Equal(t, "ok", string(nextMsg(t, sub).Data))
		})
	}
}

func TestStaleConnection(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{IgnorePings: true})
	disconnected := make(chan error, 1)
	connectTest(t, testOptions(srv).
		SetPingInterval(20*time.Millisecond, 2).
		SetOnDisconnect(func(err error) {
			select {
			case disconnected <- err:
			default:
			}
		}))

	select {
	case err := <-disconnected:
		assert.ErrorIs(t, err, ErrStaleConnection)
	case <-time.After(2 * time.Second):
		t.Fatal("stale connection not detected")
	}
}

func TestRetryOnFailedConnect(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	addr := srv.Addr()
	opts := testOptions(srv).SetRetryOnFailedConnect(true)
	srv.Shutdown()

	connected := make(chan struct{}, 1)
	opts.SetOnReconnect(func() { connected <- struct{}{} })
	c := connectTest(t, opts)
	assert.True(t, c.IsReconnecting())

	sub, err := c.SubscribeSync("early")
	require.NoError(t, err)

	testutil.RestartServer(t, addr, testutil.ServerOptions{})
	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("background connect not observed")
	}

	require.NoError(t, c.Publish("early", []byte("hi")))
	assert.Equal(t, "hi", string(nextMsg(t, sub).Data))
}

func TestServerInfoUpdates(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	lameDuck := make(chan struct{}, 1)
	discovered := make(chan []string, 1)
	c := connectTest(t, testOptions(srv).
		SetOnLameDuck(func() { lameDuck <- struct{}{} }).
		SetOnDiscoveredServers(func(urls []string) { discovered <- urls }))

	srv.Send(&codec.Info{Server: codec.ServerInfo{
		ServerID:     "FAKE",
		MaxPayload:   2048,
		Headers:      true,
		ConnectURLs:  []string{"127.0.0.1:14222"},
		LameDuckMode: true,
	}})

	select {
	case urls := <-discovered:
		assert.Equal(t, []string{"nats://127.0.0.1:14222"}, urls)
	case <-time.After(2 * time.Second):
		t.Fatal("discovered servers not reported")
	}
	select {
	case <-lameDuck:
	case <-time.After(2 * time.Second):
		t.Fatal("lame duck not reported")
	}
	assert.Equal(t, int64(2048), c.MaxPayload())
	assert.Equal(t, []string{"nats://127.0.0.1:14222"}, c.DiscoveredServers())
	assert.Len(t, c.Servers(), 2)
}

func TestPermissionViolation(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	asyncErrs := make(chan error, 4)
	c := connectTest(t, testOptions(srv).SetOnError(func(_ *Subscription, err error) { asyncErrs <- err }))

	denied, err := c.SubscribeSync("secret.data")
	require.NoError(t, err)
	allowed, err := c.SubscribeSync("public")
	require.NoError(t, err)
	require.NoError(t, c.Flush(context.Background()))

	srv.Send(&codec.Err{Message: `Permissions Violation for Subscription to "secret.data"`})

	select {
	case <-denied.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("denied subscription not terminated")
	}
	assert.ErrorIs(t, denied.Err(), ErrPermissionViolation)
	assert.ErrorIs(t, <-asyncErrs, ErrPermissionViolation)

	assert.True(t, c.IsConnected())
	require.NoError(t, c.Publish("public", nil))
	nextMsg(t, allowed)
}

func TestSlowConsumer(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	asyncErrs := make(chan error, 16)
	c := connectTest(t, testOptions(srv).
		SetPendingLimits(2, 0).
		SetOnError(func(_ *Subscription, err error) { asyncErrs <- err }))

	sub, err := c.SubscribeSync("flood")
	require.NoError(t, err)
	for range 5 {
		require.NoError(t, c.Publish("flood", nil))
	}
	require.NoError(t, c.Flush(context.Background()))

	select {
	case err := <-asyncErrs:
		assert.ErrorIs(t, err, ErrSlowConsumer)
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer not reported")
	}
	assert.Equal(t, 3, sub.Dropped())
	assert.True(t, c.IsConnected(), "slow consumers do not affect the connection")
}

func TestSubscribeBeforeConnect(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c, err := New(testOptions(srv))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	sub, err := c.SubscribeSync("pre")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Flush(context.Background()), ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Publish("pre", []byte("x")))
	assert.Equal(t, "x", string(nextMsg(t, sub).Data))
}

func TestRespond(t *testing.T) {
	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c := connectTest(t, testOptions(srv))

	sub, err := c.SubscribeSync("no.reply")
	require.NoError(t, err)
	require.NoError(t, c.Publish("no.reply", nil))

	m := nextMsg(t, sub)
	assert.ErrorIs(t, m.Respond([]byte("x")), ErrNoReply)
	assert.ErrorIs(t, (&Msg{Reply: "x"}).Respond(nil), ErrBadSubscription)

	inbox := c.NewInbox()
	assert.True(t, strings.HasPrefix(inbox, DefaultInboxPrefix+"."))
}

func TestCloseReleasesResources(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv := testutil.NewServer(t, testutil.ServerOptions{})
	c, err := Connect(context.Background(), testOptions(srv))
	require.NoError(t, err)

	sub, err := c.Subscribe("x", func(*Msg) {})
	require.NoError(t, err)
	_, err = c.SubscribeSync("y")
	require.NoError(t, err)
	_, err = c.Request(context.Background(), "nobody", nil)
	require.ErrorIs(t, err, ErrNoResponders)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	assert.ErrorIs(t, sub.Err(), ErrConnectionClosed)
	assert.ErrorIs(t, c.Publish("x", nil), ErrConnectionClosed)
	_, err = c.Subscribe("x", func(*Msg) {})
	assert.ErrorIs(t, err, ErrConnectionClosed)
	assert.ErrorIs(t, c.Connect(context.Background()), ErrConnectionClosed)

	<-c.cbs.done
	srv.Shutdown()
}
