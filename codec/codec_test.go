// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOps() []Op {
	return []Op{
		&Info{Server: ServerInfo{
			ServerID:    "NSRV",
			Version:     "2.10.0",
			Proto:       1,
			Host:        "0.0.0.0",
			Port:        4222,
			Headers:     true,
			MaxPayload:  1048576,
			ConnectURLs: []string{"10.0.0.1:4222", "10.0.0.2:4222"},
		}},
		&Connect{Options: ConnectInfo{
			Name:         "orders-svc",
			Lang:         "go",
			Version:      "0.1.0",
			Protocol:     1,
			Echo:         true,
			Headers:      true,
			NoResponders: true,
			Token:        "s3cr3t",
		}},
		&Pub{Subject: "orders.123", Payload: []byte("hello")},
		&Pub{Subject: "svc.ping", Reply: "_INBOX.abc.1", Payload: []byte("ping")},
		&Pub{Subject: "empty"},
		&Pub{Subject: "hdr", Header: Header{"A": {"1", "2"}, "B": {"x"}}, Payload: []byte("with headers")},
		&Pub{Subject: "hdr.only", Reply: "r", Header: Header{}},
		&Sub{Subject: "orders.*", SID: 1},
		&Sub{Subject: "jobs", Queue: "workers", SID: 42},
		&Unsub{SID: 1},
		&Unsub{SID: 7, Max: 10},
		&Msg{Subject: "orders.123", SID: 1, Payload: []byte("hello")},
		&Msg{Subject: "svc.ping", SID: 9, Reply: "_INBOX.x.y", Payload: []byte{0, 1, '\r', '\n', 2}},
		&Msg{Subject: "_INBOX.x.1", SID: 3, Header: Header{StatusHeader: {"503"}}},
		&Msg{Subject: "h", SID: 4, Header: Header{StatusHeader: {"408"}, DescriptionHeader: {"Request Timeout"}, "K": {"v"}}, Payload: []byte("p")},
		&Msg{Subject: "h", SID: 5, Header: Header{"K": {""}, "Inner-Space": {"a  b"}}},
		&Pub{Subject: "hdr.case", Header: Header{"status": {"not a code"}, "X-Id": {"42"}}},
		&Ping{},
		&Pong{},
		&OK{},
		&Err{Message: "Unknown Protocol Operation"},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, op := range sampleOps() {
		t.Run(op.Kind().String(), func(t *testing.T) {
			b, err := Encode(op)
			require.NoError(t, err)

			got, n, err := Decode(b, 0)
			require.NoError(t, err)
			assert.Equal(t, len(b), n)
			assert.Equal(t, op, got)
		})
	}
}

func encodeAll(t *testing.T, ops []Op) []byte {
	t.Helper()
	var stream []byte
	for _, op := range ops {
		var err error
		stream, err = Append(stream, op)
		require.NoError(t, err)
	}
	return stream
}

func decodeChunks(t *testing.T, chunks [][]byte) []Op {
	t.Helper()
	d := NewDecoder(0)
	var out []Op
	for _, c := range chunks {
		_, err := d.Write(c)
		require.NoError(t, err)
		for {
			op, err := d.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			require.NoError(t, err)
			out = append(out, op)
		}
	}
	assert.Zero(t, d.Buffered())
	return out
}

func TestDecoderEverySplitPoint(t *testing.T) {
	ops := sampleOps()
	stream := encodeAll(t, ops)

	for i := 0; i <= len(stream); i++ {
		got := decodeChunks(t, [][]byte{stream[:i], stream[i:]})
		require.Equal(t, ops, got, "split at %d", i)
	}
}

func TestDecoderRandomPartitions(t *testing.T) {
	ops := sampleOps()
	stream := encodeAll(t, ops)
	rnd := rand.New(rand.NewSource(7))

	for round := 0; round < 200; round++ {
		var chunks [][]byte
		rest := stream
		for len(rest) > 0 {
			n := 1 + rnd.Intn(17)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		require.Equal(t, ops, decodeChunks(t, chunks), "round %d", round)
	}
}

func TestDecodeByteAtATime(t *testing.T) {
	ops := sampleOps()
	stream := encodeAll(t, ops)

	chunks := make([][]byte, len(stream))
	for i := range stream {
		chunks[i] = stream[i : i+1]
	}
	assert.Equal(t, ops, decodeChunks(t, chunks))
}

func TestDecodeNeedMoreData(t *testing.T) {
	cases := []string{
		"",
		"PIN",
		"MSG foo 1 5\r\nhel",
		"MSG foo 1 5\r\nhello",
		"MSG foo 1 5\r\nhello\r",
		"HMSG foo 1 12 14\r\nNATS/1.0\r\n\r\n",
	}
	for _, c := range cases {
		_, n, err := Decode([]byte(c), 0)
		assert.ErrorIs(t, err, ErrNeedMoreData, "input %q", c)
		assert.Zero(t, n)
	}
}

func TestDecodeProtocolErrors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"unknown keyword", "FOO bar\r\n"},
		{"bad size", "MSG foo 1 abc\r\nhello\r\n"},
		{"negative size", "MSG foo 1 -5\r\nhello\r\n"},
		{"bad sid", "MSG foo x 5\r\nhello\r\n"},
		{"too few args", "MSG foo\r\n"},
		{"too many args", "PUB a b c d\r\n"},
		{"missing terminator", "MSG foo 1 5\r\nhelloXX"},
		{"header larger than total", "HMSG foo 1 20 10\r\n0123456789\r\n"},
		{"header without version", "HMSG foo 1 4 4\r\nXX\r\n\r\n"},
		{"bad info json", "INFO {nope\r\n"},
		{"bad unsub", "UNSUB one\r\n"},
		{"bad sub", "SUB foo bar baz qux\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Decode([]byte(tc.input), 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrProtocol)

			var pe *ProtocolError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestDecodeMaxPayload(t *testing.T) {
	b, err := Encode(&Msg{Subject: "big", SID: 1, Payload: bytes.Repeat([]byte("x"), 11)})
	require.NoError(t, err)

	_, _, err = Decode(b, 10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrMaxPayloadExceeded)

	// The check fires from the control line alone, before the payload arrives.
	_, _, err = Decode([]byte("MSG big 1 11\r\n"), 10)
	assert.ErrorIs(t, err, ErrMaxPayloadExceeded)

	op, _, err := Decode(b, 11)
	require.NoError(t, err)
	assert.Len(t, op.(*Msg).Payload, 11)
}

func TestDecodeControlLineTooLong(t *testing.T) {
	long := []byte("PUB " + strings.Repeat("a", MaxControlLine))
	_, _, err := Decode(long, 0)
	assert.ErrorIs(t, err, ErrProtocol)

	_, _, err = Decode(long[:MaxControlLine], 0)
	assert.ErrorIs(t, err, ErrNeedMoreData)
}

func TestDecodeCaseInsensitiveAndLenient(t *testing.T) {
	op, n, err := Decode([]byte("ping\r\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, &Ping{}, op)
	assert.Equal(t, 6, n)

	op, _, err = Decode([]byte("msg  foo   1  2\r\nhi\r\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, &Msg{Subject: "foo", SID: 1, Payload: []byte("hi")}, op)

	op, _, err = Decode([]byte("PONG\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, &Pong{}, op)

	op, _, err = Decode([]byte("-ERR 'Authorization Violation'\r\n"), 0)
	require.NoError(t, err)
	assert.Equal(t, &Err{Message: "Authorization Violation"}, op)
}

func TestDecodePayloadIsCopied(t *testing.T) {
	buf := []byte("MSG foo 1 5\r\nhello\r\n")
	op, _, err := Decode(buf, 0)
	require.NoError(t, err)

	copy(buf, bytes.Repeat([]byte("z"), len(buf)))
	assert.Equal(t, []byte("hello"), op.(*Msg).Payload)
}

func TestEncodeInvalid(t *testing.T) {
	cases := []Op{
		nil,
		&Pub{Subject: ""},
		&Pub{Subject: "a b"},
		&Sub{Subject: "foo", Queue: "q q", SID: 1},
		&Msg{Subject: "x", Reply: "r\n"},
		&Err{Message: "line\r\nbreak"},
		&Pub{Subject: "h", Header: Header{"": {"v"}}},
		&Pub{Subject: "h", Header: Header{"K:ey": {"v"}}},
		&Pub{Subject: "h", Header: Header{"K ey": {"v"}}},
		&Pub{Subject: "h", Header: Header{"K\r\n": {"v"}}},
		&Pub{Subject: "h", Header: Header{"K": {"v\r\nX: injected"}}},
		&Pub{Subject: "h", Header: Header{"K": {" padded "}}},
		&Msg{Subject: "h", SID: 1, Header: Header{StatusHeader: {"50"}}},
		&Msg{Subject: "h", SID: 1, Header: Header{StatusHeader: {"5x3"}}},
		&Msg{Subject: "h", SID: 1, Header: Header{StatusHeader: {"503", "408"}}},
		&Msg{Subject: "h", SID: 1, Header: Header{DescriptionHeader: {"No Responders"}}},
	}
	for _, op := range cases {
		_, err := Encode(op)
		assert.ErrorIs(t, err, ErrInvalidOp, "%#v", op)
	}
}

func TestHeaderHelpers(t *testing.T) {
	h := Header{}
	h.Set("A", "1")
	h.Add("A", "2")
	assert.Equal(t, "1", h.Get("A"))
	assert.Equal(t, []string{"1", "2"}, h.Values("A"))
	assert.Zero(t, h.Status())

	h.Set(StatusHeader, "503")
	assert.Equal(t, 503, h.Status())

	h.Del("A")
	assert.Empty(t, h.Get("A"))
}

func TestSize(t *testing.T) {
	assert.Equal(t, 5, Size(&Pub{Subject: "a", Payload: []byte("hello")}))
	assert.Equal(t, len("NATS/1.0\r\n\r\n")+2, Size(&Msg{Subject: "a", Header: Header{}, Payload: []byte("hi")}))
	assert.Zero(t, Size(&Ping{}))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "PUB", KindPub.String())
	assert.Equal(t, "-ERR", KindErr.String())
	assert.Equal(t, "UNKNOWN", Kind(0).String())
}
