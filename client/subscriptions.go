// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"cmp"
	"slices"
	"sync"
)

// subscriptionRegistry maps server-visible ids to live subscriptions. Ids are
// never reused for the lifetime of a client.
type subscriptionRegistry struct {
	mu      sync.RWMutex
	nextSID uint64
	subs    map[uint64]*Subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		subs: make(map[uint64]*Subscription),
	}
}

// add assigns the next id to s and registers it.
func (r *subscriptionRegistry) add(s *Subscription) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSID++
	s.sid = r.nextSID
	r.subs[s.sid] = s
	return s.sid
}

func (r *subscriptionRegistry) get(sid uint64) *Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[sid]
}

// remove deletes the entry for sid if it still refers to s.
func (r *subscriptionRegistry) remove(s *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.subs[s.sid]; ok && cur == s {
		delete(r.subs, s.sid)
		return true
	}
	return false
}

// snapshot returns the live subscriptions ordered by id, the order in which
// they were originally registered.
func (r *subscriptionRegistry) snapshot() []*Subscription {
	r.mu.RLock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	sortBySID(subs)
	return subs
}

// clear removes and returns every subscription.
func (r *subscriptionRegistry) clear() []*Subscription {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = make(map[uint64]*Subscription)
	r.mu.Unlock()

	sortBySID(subs)
	return subs
}

func sortBySID(subs []*Subscription) {
	slices.SortFunc(subs, func(a, b *Subscription) int {
		return cmp.Compare(a.sid, b.sid)
	})
}

func (r *subscriptionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
