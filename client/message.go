// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"github.com/absmach/fluxnats/codec"
)

// Header carries message headers. Keys are case-sensitive.
type Header = codec.Header

// Msg is a message received from, or published to, the server.
type Msg struct {
	Subject string
	Reply   string
	Header  Header
	Data    []byte

	// Sub is the subscription the message was delivered to.
	Sub *Subscription

	client *Client
}

// NewMsg creates a message for the given subject.
func NewMsg(subject string) *Msg {
	return &Msg{Subject: subject}
}

// Respond publishes data to the message's reply subject.
func (m *Msg) Respond(data []byte) error {
	return m.RespondMsg(&Msg{Data: data})
}

// RespondMsg publishes resp to the message's reply subject. resp.Subject is
// overwritten.
func (m *Msg) RespondMsg(resp *Msg) error {
	if m == nil || m.client == nil {
		return ErrBadSubscription
	}
	if m.Reply == "" {
		return ErrNoReply
	}
	return m.client.publish(m.Reply, resp.Reply, resp.Header, resp.Data)
}

// size is the number of bytes the message counts against pending limits.
func (m *Msg) size() int {
	n := len(m.Data)
	for k, vs := range m.Header {
		for _, v := range vs {
			n += len(k) + len(v)
		}
	}
	return n
}

// noResponders reports a 503 status reply with no payload.
func (m *Msg) noResponders() bool {
	return len(m.Data) == 0 && m.Header != nil && m.Header.Status() == 503
}

func newMsg(c *Client, op *codec.Msg, sub *Subscription) *Msg {
	return &Msg{
		Subject: op.Subject,
		Reply:   op.Reply,
		Header:  op.Header,
		Data:    op.Payload,
		Sub:     sub,
		client:  c,
	}
}
