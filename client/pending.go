// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"strconv"
	"strings"
	"sync"
)

// pendingRequest is a request waiting for its reply. It resolves exactly
// once; later outcomes are discarded.
type pendingRequest struct {
	token string
	done  chan struct{}
	once  sync.Once
	msg   *Msg
	err   error
}

// resolve records the outcome and reports whether it was the first.
func (p *pendingRequest) resolve(msg *Msg, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.msg = msg
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

// pendingStore correlates replies arriving on the shared inbox with waiting
// requests. Each request gets its own token appended to the inbox prefix.
type pendingStore struct {
	mu      sync.Mutex
	prefix  string // "<inbox prefix>.<unique>."
	next    uint64
	pending map[string]*pendingRequest
	idle    chan struct{}
}

func newPendingStore(prefix string) *pendingStore {
	return &pendingStore{
		prefix:  prefix,
		pending: make(map[string]*pendingRequest),
	}
}

// add registers a new request and returns its reply subject.
func (ps *pendingStore) add() (*pendingRequest, string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.next++
	token := strconv.FormatUint(ps.next, 36)
	p := &pendingRequest{
		token: token,
		done:  make(chan struct{}),
	}
	ps.pending[token] = p
	return p, ps.prefix + token
}

// remove drops the entry for token.
func (ps *pendingStore) remove(token string) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.pending, token)
	if len(ps.pending) == 0 && ps.idle != nil {
		close(ps.idle)
		ps.idle = nil
	}
}

// deliver resolves the request a reply is addressed to. Replies for unknown
// or already resolved tokens are dropped.
func (ps *pendingStore) deliver(m *Msg) bool {
	token, ok := strings.CutPrefix(m.Subject, ps.prefix)
	if !ok {
		return false
	}

	ps.mu.Lock()
	p := ps.pending[token]
	ps.mu.Unlock()
	if p == nil {
		return false
	}
	if m.noResponders() {
		return p.resolve(nil, ErrNoResponders)
	}
	return p.resolve(m, nil)
}

// failAll resolves every outstanding request with err.
func (ps *pendingStore) failAll(err error) int {
	ps.mu.Lock()
	reqs := make([]*pendingRequest, 0, len(ps.pending))
	for _, p := range ps.pending {
		reqs = append(reqs, p)
	}
	ps.mu.Unlock()

	n := 0
	for _, p := range reqs {
		if p.resolve(nil, err) {
			n++
		}
	}
	return n
}

// idleCh is closed once no request is outstanding.
func (ps *pendingStore) idleCh() <-chan struct{} {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if len(ps.pending) == 0 {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if ps.idle == nil {
		ps.idle = make(chan struct{})
	}
	return ps.idle
}

func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}
