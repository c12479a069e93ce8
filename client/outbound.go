// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"io"
	"sync"

	"github.com/absmach/fluxnats/internal/bufpool"
)

// maxBatch bounds how many bytes one drain hands to the transport.
const maxBatch = 64 * 1024

// frame is one encoded operation awaiting transmission. msgs is its
// contribution to the logical message count.
type frame struct {
	data []byte
	msgs int
}

// outbound is the FIFO of encoded frames between callers and the transport.
// Callers never block on it: enqueue either accepts the frame or fails
// with ErrBackpressure. A single flusher drains it.
type outbound struct {
	mu       sync.Mutex
	frames   []frame
	head     int // index of the first unsent frame
	offset   int // bytes of frames[head] already written
	bytes    int // unsent bytes across all frames
	msgs     int
	maxBytes int
	maxMsgs  int
	signal   chan struct{}
}

func newOutbound(maxBytes, maxMsgs int) *outbound {
	return &outbound{
		maxBytes: maxBytes,
		maxMsgs:  maxMsgs,
		signal:   make(chan struct{}, 1),
	}
}

// enqueue appends f. Unless force is set, the frame is rejected when it
// would push either total past its ceiling; totals are unchanged on
// rejection.
func (o *outbound) enqueue(f frame, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !force {
		if o.maxBytes > 0 && o.bytes+len(f.data) > o.maxBytes {
			return fmt.Errorf("%w: %d buffered bytes plus %d exceeds %d", ErrBackpressure, o.bytes, len(f.data), o.maxBytes)
		}
		if o.maxMsgs > 0 && o.msgs+f.msgs > o.maxMsgs {
			return fmt.Errorf("%w: %d buffered messages reached limit %d", ErrBackpressure, o.msgs, o.maxMsgs)
		}
	}
	o.frames = append(o.frames, f)
	o.bytes += len(f.data)
	o.msgs += f.msgs
	return nil
}

// prepend places frames ahead of everything queued. It is used to replay
// subscriptions before publishes buffered during a reconnect, and only while
// no partial write is outstanding.
func (o *outbound) prepend(frames []frame) {
	if len(frames) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	queued := o.frames[o.head:]
	merged := make([]frame, 0, len(frames)+len(queued))
	merged = append(merged, frames...)
	merged = append(merged, queued...)
	for _, f := range frames {
		o.bytes += len(f.data)
		o.msgs += f.msgs
	}
	o.frames = merged
	o.head = 0
	o.offset = 0
}

// drainTo writes as much of the queue as fits in one batch to w and
// retires exactly the bytes w accepted. A short write leaves the remainder
// of the partially written frame at the head.
func (o *outbound) drainTo(w io.Writer) (int, error) {
	o.mu.Lock()
	if o.head == len(o.frames) {
		o.mu.Unlock()
		return 0, nil
	}
	buf := bufpool.Get()
	b := append(*buf, o.frames[o.head].data[o.offset:]...)
	for i := o.head + 1; i < len(o.frames) && len(b)+len(o.frames[i].data) <= maxBatch; i++ {
		b = append(b, o.frames[i].data...)
	}
	o.mu.Unlock()

	n, err := w.Write(b)
	*buf = b
	bufpool.Put(buf)

	o.mu.Lock()
	o.advance(n)
	o.mu.Unlock()
	return n, err
}

// advance retires n written bytes. Called with mu held.
func (o *outbound) advance(n int) {
	for n > 0 && o.head < len(o.frames) {
		f := &o.frames[o.head]
		rem := len(f.data) - o.offset
		if n < rem {
			o.offset += n
			o.bytes -= n
			return
		}
		n -= rem
		o.bytes -= rem
		o.msgs -= f.msgs
		f.data = nil
		o.head++
		o.offset = 0
	}
	if o.head == len(o.frames) {
		o.frames = o.frames[:0]
		o.head = 0
	} else if o.head > len(o.frames)/2 {
		n := copy(o.frames, o.frames[o.head:])
		o.frames = o.frames[:n]
		o.head = 0
	}
}

// reset drops everything queued and returns what was dropped.
func (o *outbound) reset() (bytes, msgs int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	bytes, msgs = o.bytes, o.msgs
	o.frames = nil
	o.head = 0
	o.offset = 0
	o.bytes = 0
	o.msgs = 0
	return bytes, msgs
}

// buffered returns the unsent byte and message totals.
func (o *outbound) buffered() (bytes, msgs int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bytes, o.msgs
}

func (o *outbound) empty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.head == len(o.frames)
}

// kick wakes the flusher without blocking.
func (o *outbound) kick() {
	select {
	case o.signal <- struct{}{}:
	default:
	}
}
