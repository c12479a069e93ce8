// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAssignsIncreasingIDs(t *testing.T) {
	r := newSubscriptionRegistry()

	a := newSubscription(subSync)
	b := newSubscription(subSync)
	assert.Equal(t, uint64(1), r.add(a))
	assert.Equal(t, uint64(2), r.add(b))

	require.True(t, r.remove(a))
	c := newSubscription(subSync)
	assert.Equal(t, uint64(3), r.add(c), "ids are never reused")

	assert.Same(t, b, r.get(2))
	assert.Nil(t, r.get(1))
	assert.Equal(t, 2, r.count())
}

func TestRegistryRemoveOnlyOwnEntry(t *testing.T) {
	r := newSubscriptionRegistry()
	a := newSubscription(subSync)
	r.add(a)

	stranger := newSubscription(subSync)
	stranger.sid = a.sid
	assert.False(t, r.remove(stranger))
	assert.True(t, r.remove(a))
	assert.False(t, r.remove(a))
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := newSubscriptionRegistry()
	var subs []*Subscription
	for range 10 {
		s := newSubscription(subSync)
		r.add(s)
		subs = append(subs, s)
	}
	r.remove(subs[4])

	snap := r.snapshot()
	require.Len(t, snap, 9)
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].sid, snap[i].sid)
	}
}

func TestRegistryClear(t *testing.T) {
	r := newSubscriptionRegistry()
	r.add(newSubscription(subSync))
	r.add(newSubscription(subSync))

	cleared := r.clear()
	assert.Len(t, cleared, 2)
	assert.Zero(t, r.count())
	assert.Empty(t, r.snapshot())
}
