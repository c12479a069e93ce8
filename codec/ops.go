// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec translates between wire bytes and protocol operations of the
// line-oriented NATS client protocol.
package codec

// Protocol constants.
const (
	// CRLF terminates every control line and every payload.
	CRLF = "\r\n"

	// MaxControlLine is the longest control line accepted before the
	// terminator must have been seen.
	MaxControlLine = 4096

	// HeaderVersion opens every header block.
	HeaderVersion = "NATS/1.0"
)

// Kind identifies a protocol operation.
type Kind uint8

// Protocol operations.
const (
	KindInfo Kind = iota + 1
	KindConnect
	KindPub
	KindSub
	KindUnsub
	KindMsg
	KindPing
	KindPong
	KindOK
	KindErr
)

// String returns the operation keyword.
func (k Kind) String() string {
	switch k {
	case KindInfo:
		return "INFO"
	case KindConnect:
		return "CONNECT"
	case KindPub:
		return "PUB"
	case KindSub:
		return "SUB"
	case KindUnsub:
		return "UNSUB"
	case KindMsg:
		return "MSG"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	case KindOK:
		return "+OK"
	case KindErr:
		return "-ERR"
	default:
		return "UNKNOWN"
	}
}

// Op is a single protocol operation (one frame on the wire).
type Op interface {
	Kind() Kind
}

// Info carries the server's advertised metadata.
type Info struct {
	Server ServerInfo
}

// Connect carries the client's connection options.
type Connect struct {
	Options ConnectInfo
}

// Pub publishes a payload. A non-nil Header selects the HPUB variant.
type Pub struct {
	Subject string
	Reply   string
	Header  Header
	Payload []byte
}

// Sub registers interest in a subject, optionally within a queue group.
type Sub struct {
	Subject string
	Queue   string
	SID     uint64
}

// Unsub removes interest. Max > 0 asks the server to unsubscribe after Max
// more messages.
type Unsub struct {
	SID uint64
	Max uint64
}

// Msg delivers a payload to a subscription. A non-nil Header means HMSG.
type Msg struct {
	Subject string
	SID     uint64
	Reply   string
	Header  Header
	Payload []byte
}

// Ping is a keep-alive probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// OK acknowledges a command in verbose mode.
type OK struct{}

// Err is a server-reported error.
type Err struct {
	Message string
}

func (*Info) Kind() Kind    { return KindInfo }
func (*Connect) Kind() Kind { return KindConnect }
func (*Pub) Kind() Kind     { return KindPub }
func (*Sub) Kind() Kind     { return KindSub }
func (*Unsub) Kind() Kind   { return KindUnsub }
func (*Msg) Kind() Kind     { return KindMsg }
func (*Ping) Kind() Kind    { return KindPing }
func (*Pong) Kind() Kind    { return KindPong }
func (*OK) Kind() Kind      { return KindOK }
func (*Err) Kind() Kind     { return KindErr }

// Size returns the number of payload bytes (headers included) carried by the
// operation, or zero for control-only operations.
func Size(op Op) int {
	switch o := op.(type) {
	case *Pub:
		return len(o.Payload) + headerLen(o.Header)
	case *Msg:
		return len(o.Payload) + headerLen(o.Header)
	default:
		return 0
	}
}

func headerLen(h Header) int {
	if h == nil {
		return 0
	}
	return len(h.appendTo(nil))
}
