// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Decode parses the first complete operation in buf. It returns the operation
// and the number of bytes it occupied, ErrNeedMoreData when buf holds only a
// prefix of a frame, or a *ProtocolError for malformed input.
// maxPayload <= 0 disables the payload size check.
// Decode never retains buf; payloads are copied.
func Decode(buf []byte, maxPayload int) (Op, int, error) {
	limit := len(buf)
	if limit > MaxControlLine+len(CRLF) {
		limit = MaxControlLine + len(CRLF)
	}
	idx := bytes.IndexByte(buf[:limit], '\n')
	if idx < 0 {
		if len(buf) >= MaxControlLine+len(CRLF) {
			return nil, 0, protoErr(buf, "control line exceeds maximum length")
		}
		return nil, 0, ErrNeedMoreData
	}

	lineEnd := idx + 1
	line := bytes.TrimSuffix(buf[:idx], []byte{'\r'})
	keyword, rest := splitKeyword(line)

	switch {
	case equalFold(keyword, "MSG"):
		return decodeMsg(buf, line, rest, lineEnd, maxPayload, false)
	case equalFold(keyword, "HMSG"):
		return decodeMsg(buf, line, rest, lineEnd, maxPayload, true)
	case equalFold(keyword, "PUB"):
		return decodePub(buf, line, rest, lineEnd, maxPayload, false)
	case equalFold(keyword, "HPUB"):
		return decodePub(buf, line, rest, lineEnd, maxPayload, true)
	case equalFold(keyword, "PING"):
		return &Ping{}, lineEnd, nil
	case equalFold(keyword, "PONG"):
		return &Pong{}, lineEnd, nil
	case equalFold(keyword, "+OK"):
		return &OK{}, lineEnd, nil
	case equalFold(keyword, "-ERR"):
		msg := bytes.TrimSpace(rest)
		msg = bytes.TrimPrefix(msg, []byte{'\''})
		msg = bytes.TrimSuffix(msg, []byte{'\''})
		return &Err{Message: string(msg)}, lineEnd, nil
	case equalFold(keyword, "INFO"):
		var info ServerInfo
		if err := json.Unmarshal(bytes.TrimSpace(rest), &info); err != nil {
			return nil, 0, &ProtocolError{Line: quote(line), Reason: "malformed INFO body", Err: err}
		}
		return &Info{Server: info}, lineEnd, nil
	case equalFold(keyword, "CONNECT"):
		var opts ConnectInfo
		if err := json.Unmarshal(bytes.TrimSpace(rest), &opts); err != nil {
			return nil, 0, &ProtocolError{Line: quote(line), Reason: "malformed CONNECT body", Err: err}
		}
		return &Connect{Options: opts}, lineEnd, nil
	case equalFold(keyword, "SUB"):
		return decodeSub(line, rest, lineEnd)
	case equalFold(keyword, "UNSUB"):
		return decodeUnsub(line, rest, lineEnd)
	default:
		return nil, 0, protoErr(line, "unknown operation")
	}
}

func decodeMsg(buf, line, rest []byte, lineEnd, maxPayload int, withHeader bool) (Op, int, error) {
	// MSG <subject> <sid> [reply] <size>
	// HMSG <subject> <sid> [reply] <hdr size> <total size>
	args := bytes.Fields(rest)
	sizes := 1
	if withHeader {
		sizes = 2
	}
	if len(args) != 2+sizes && len(args) != 3+sizes {
		return nil, 0, protoErr(line, "wrong number of arguments")
	}

	sid, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		return nil, 0, protoErr(line, "malformed sid")
	}
	msg := &Msg{Subject: string(args[0]), SID: sid}
	if len(args) == 3+sizes {
		msg.Reply = string(args[2])
	}

	hdr, payload, n, err := decodeBody(buf, line, args[len(args)-sizes:], lineEnd, maxPayload)
	if err != nil {
		return nil, 0, err
	}
	msg.Header = hdr
	msg.Payload = payload
	return msg, n, nil
}

func decodePub(buf, line, rest []byte, lineEnd, maxPayload int, withHeader bool) (Op, int, error) {
	// PUB <subject> [reply] <size>
	// HPUB <subject> [reply] <hdr size> <total size>
	args := bytes.Fields(rest)
	sizes := 1
	if withHeader {
		sizes = 2
	}
	if len(args) != 1+sizes && len(args) != 2+sizes {
		return nil, 0, protoErr(line, "wrong number of arguments")
	}

	pub := &Pub{Subject: string(args[0])}
	if len(args) == 2+sizes {
		pub.Reply = string(args[1])
	}

	hdr, payload, n, err := decodeBody(buf, line, args[len(args)-sizes:], lineEnd, maxPayload)
	if err != nil {
		return nil, 0, err
	}
	pub.Header = hdr
	pub.Payload = payload
	return pub, n, nil
}

// decodeBody reads the header block and payload announced by the size
// arguments: [total] or [header, total].
func decodeBody(buf, line []byte, sizeArgs [][]byte, lineEnd, maxPayload int) (Header, []byte, int, error) {
	total, err := parseSize(sizeArgs[len(sizeArgs)-1])
	if err != nil {
		return nil, nil, 0, protoErr(line, "malformed size")
	}
	hdrLen := -1
	if len(sizeArgs) == 2 {
		if hdrLen, err = parseSize(sizeArgs[0]); err != nil {
			return nil, nil, 0, protoErr(line, "malformed header size")
		}
		if hdrLen > total {
			return nil, nil, 0, protoErr(line, "header size exceeds total size")
		}
	}
	if maxPayload > 0 && total > maxPayload {
		return nil, nil, 0, &ProtocolError{
			Line:   quote(line),
			Reason: fmt.Sprintf("payload of %d bytes exceeds maximum of %d", total, maxPayload),
			Err:    ErrMaxPayloadExceeded,
		}
	}

	end := lineEnd + total
	if len(buf) < end+len(CRLF) {
		return nil, nil, 0, ErrNeedMoreData
	}
	if buf[end] != '\r' || buf[end+1] != '\n' {
		return nil, nil, 0, protoErr(line, "payload not terminated")
	}

	var hdr Header
	body := buf[lineEnd:end]
	if hdrLen >= 0 {
		if hdr, err = parseHeader(body[:hdrLen]); err != nil {
			return nil, nil, 0, err
		}
		body = body[hdrLen:]
	}

	var payload []byte
	if len(body) > 0 {
		payload = make([]byte, len(body))
		copy(payload, body)
	}
	return hdr, payload, end + len(CRLF), nil
}

func decodeSub(line, rest []byte, lineEnd int) (Op, int, error) {
	// SUB <subject> [queue] <sid>
	args := bytes.Fields(rest)
	if len(args) != 2 && len(args) != 3 {
		return nil, 0, protoErr(line, "wrong number of arguments")
	}
	sid, err := strconv.ParseUint(string(args[len(args)-1]), 10, 64)
	if err != nil {
		return nil, 0, protoErr(line, "malformed sid")
	}
	sub := &Sub{Subject: string(args[0]), SID: sid}
	if len(args) == 3 {
		sub.Queue = string(args[1])
	}
	return sub, lineEnd, nil
}

func decodeUnsub(line, rest []byte, lineEnd int) (Op, int, error) {
	// UNSUB <sid> [max]
	args := bytes.Fields(rest)
	if len(args) != 1 && len(args) != 2 {
		return nil, 0, protoErr(line, "wrong number of arguments")
	}
	sid, err := strconv.ParseUint(string(args[0]), 10, 64)
	if err != nil {
		return nil, 0, protoErr(line, "malformed sid")
	}
	unsub := &Unsub{SID: sid}
	if len(args) == 2 {
		if unsub.Max, err = strconv.ParseUint(string(args[1]), 10, 64); err != nil {
			return nil, 0, protoErr(line, "malformed max")
		}
	}
	return unsub, lineEnd, nil
}

func splitKeyword(line []byte) ([]byte, []byte) {
	line = bytes.TrimLeft(line, " \t")
	if i := bytes.IndexAny(line, " \t"); i >= 0 {
		return line[:i], line[i+1:]
	}
	return line, nil
}

func equalFold(b []byte, s string) bool {
	return bytes.EqualFold(b, []byte(s))
}

func parseSize(b []byte) (int, error) {
	n, err := strconv.ParseInt(string(b), 10, 32)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return int(n), nil
}

func quote(line []byte) string {
	if len(line) > maxQuotedLine {
		line = line[:maxQuotedLine]
	}
	return string(line)
}

// Decoder decodes operations incrementally from a byte stream arriving in
// arbitrary chunks. It is not safe for concurrent use.
type Decoder struct {
	// MaxPayload is the negotiated maximum payload; <= 0 disables the check.
	MaxPayload int

	buf []byte
	off int
}

// NewDecoder returns a decoder enforcing maxPayload.
func NewDecoder(maxPayload int) *Decoder {
	return &Decoder{MaxPayload: maxPayload}
}

// Write buffers p for decoding. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 && (d.off == len(d.buf) || d.off > cap(d.buf)/2) {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete operation, ErrNeedMoreData when the buffered
// bytes end mid-frame, or a *ProtocolError.
func (d *Decoder) Next() (Op, error) {
	op, n, err := Decode(d.buf[d.off:], d.MaxPayload)
	if err != nil {
		return nil, err
	}
	d.off += n
	return op, nil
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}
