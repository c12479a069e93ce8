// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionDeliverOrder(t *testing.T) {
	s := newSubscription(subSync)
	for i := range 5 {
		reached, err := s.deliver(&Msg{Data: []byte(fmt.Sprint(i))})
		require.NoError(t, err)
		assert.False(t, reached)
	}

	ctx := context.Background()
	for i := range 5 {
		m, err := s.NextMsg(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), string(m.Data))
	}
	assert.Equal(t, uint64(5), s.Delivered())
}

func TestSubscriptionSlowConsumer(t *testing.T) {
	s := newSubscription(subSync)
	require.NoError(t, s.SetPendingLimits(2, 0))

	_, err := s.deliver(&Msg{})
	require.NoError(t, err)
	_, err = s.deliver(&Msg{})
	require.NoError(t, err)

	_, err = s.deliver(&Msg{})
	assert.ErrorIs(t, err, ErrSlowConsumer, "first drop is reported")
	_, err = s.deliver(&Msg{})
	assert.NoError(t, err, "later drops in the same streak are silent")
	assert.Equal(t, 2, s.Dropped())

	msgs, _, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, 2, msgs)

	// Consuming resets the streak.
	_, err = s.NextMsg(context.Background())
	require.NoError(t, err)
	_, err = s.deliver(&Msg{})
	require.NoError(t, err)
	_, err = s.deliver(&Msg{})
	assert.ErrorIs(t, err, ErrSlowConsumer)
}

func TestSubscriptionPendingBytesLimit(t *testing.T) {
	s := newSubscription(subSync)
	require.NoError(t, s.SetPendingLimits(0, 10))

	_, err := s.deliver(&Msg{Data: make([]byte, 8)})
	require.NoError(t, err)
	_, err = s.deliver(&Msg{Data: make([]byte, 3)})
	assert.ErrorIs(t, err, ErrSlowConsumer)

	_, bytes, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, 8, bytes)
}

func TestSubscriptionMax(t *testing.T) {
	s := newSubscription(subSync)
	s.max = 2

	reached, _ := s.deliver(&Msg{})
	assert.False(t, reached)
	reached, _ = s.deliver(&Msg{})
	assert.True(t, reached)
	reached, _ = s.deliver(&Msg{})
	assert.False(t, reached, "messages past the limit are ignored")
	assert.Equal(t, uint64(2), s.Delivered())

	ctx := context.Background()
	_, err := s.NextMsg(ctx)
	require.NoError(t, err)
	_, err = s.NextMsg(ctx)
	require.NoError(t, err)

	_, err = s.NextMsg(ctx)
	assert.ErrorIs(t, err, ErrMaxMessages)
	assert.False(t, s.IsValid())
}

func TestSubscriptionDrainedClosesWhenEmpty(t *testing.T) {
	s := newSubscription(subSync)
	_, _ = s.deliver(&Msg{Data: []byte("last")})

	s.startDrain()
	s.markDrained()
	assert.True(t, s.IsValid(), "queued messages are still delivered")

	m, err := s.NextMsg(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "last", string(m.Data))

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("drained subscription should terminate once empty")
	}
	assert.ErrorIs(t, s.Err(), ErrBadSubscription)
}

func TestSubscriptionNextMsgContext(t *testing.T) {
	s := newSubscription(subSync)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.NextMsg(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	async := newSubscription(subAsync)
	_, err = async.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrSyncSubRequired)
}

func TestSubscriptionCloseDiscardsQueue(t *testing.T) {
	s := newSubscription(subSync)
	_, _ = s.deliver(&Msg{})

	assert.True(t, s.close(ErrConnectionClosed))
	assert.False(t, s.close(ErrConnectionClosed))

	_, err := s.NextMsg(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
	_, _, err = s.Pending()
	assert.ErrorIs(t, err, ErrBadSubscription)
}

func TestSubscriptionFrames(t *testing.T) {
	s := newSubscription(subSync)
	s.Subject = "orders.*"
	s.Queue = "workers"
	s.sid = 7

	frames := s.subFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "SUB orders.* workers 7\r\n", string(frames[0].data))

	s.max = 5
	s.delivered = 3
	frames = s.subFrames()
	require.Len(t, frames, 2)
	assert.Equal(t, "UNSUB 7 2\r\n", string(frames[1].data))
	assert.Equal(t, uint64(3), s.serverBase)

	s.startDrain()
	assert.Nil(t, s.subFrames(), "draining subscriptions are not replayed")
}
