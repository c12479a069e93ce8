// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Encode returns the wire form of op.
func Encode(op Op) ([]byte, error) {
	return Append(nil, op)
}

// Append appends the wire form of op to dst.
func Append(dst []byte, op Op) ([]byte, error) {
	switch o := op.(type) {
	case *Info:
		return appendJSON(dst, "INFO ", o.Server)
	case *Connect:
		return appendJSON(dst, "CONNECT ", o.Options)
	case *Pub:
		if err := checkToken("subject", o.Subject, true); err != nil {
			return dst, err
		}
		if err := checkToken("reply", o.Reply, false); err != nil {
			return dst, err
		}
		if err := o.Header.validate(); err != nil {
			return dst, err
		}
		return appendPayloadOp(dst, "PUB ", "HPUB ", o.Subject, nil, o.Reply, o.Header, o.Payload), nil
	case *Msg:
		if err := checkToken("subject", o.Subject, true); err != nil {
			return dst, err
		}
		if err := checkToken("reply", o.Reply, false); err != nil {
			return dst, err
		}
		if err := o.Header.validate(); err != nil {
			return dst, err
		}
		sid := strconv.FormatUint(o.SID, 10)
		return appendPayloadOp(dst, "MSG ", "HMSG ", o.Subject, &sid, o.Reply, o.Header, o.Payload), nil
	case *Sub:
		if err := checkToken("subject", o.Subject, true); err != nil {
			return dst, err
		}
		if err := checkToken("queue", o.Queue, false); err != nil {
			return dst, err
		}
		dst = append(dst, "SUB "...)
		dst = append(dst, o.Subject...)
		if o.Queue != "" {
			dst = append(dst, ' ')
			dst = append(dst, o.Queue...)
		}
		dst = append(dst, ' ')
		dst = strconv.AppendUint(dst, o.SID, 10)
		return append(dst, CRLF...), nil
	case *Unsub:
		dst = append(dst, "UNSUB "...)
		dst = strconv.AppendUint(dst, o.SID, 10)
		if o.Max > 0 {
			dst = append(dst, ' ')
			dst = strconv.AppendUint(dst, o.Max, 10)
		}
		return append(dst, CRLF...), nil
	case *Ping:
		return append(dst, "PING"+CRLF...), nil
	case *Pong:
		return append(dst, "PONG"+CRLF...), nil
	case *OK:
		return append(dst, "+OK"+CRLF...), nil
	case *Err:
		if strings.ContainsAny(o.Message, CRLF) {
			return dst, fmt.Errorf("%w: -ERR message contains line break", ErrInvalidOp)
		}
		dst = append(dst, "-ERR '"...)
		dst = append(dst, o.Message...)
		return append(dst, "'"+CRLF...), nil
	case nil:
		return dst, fmt.Errorf("%w: nil operation", ErrInvalidOp)
	default:
		return dst, fmt.Errorf("%w: %T", ErrInvalidOp, op)
	}
}

func appendJSON(dst []byte, keyword string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return dst, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	dst = append(dst, keyword...)
	dst = append(dst, body...)
	return append(dst, CRLF...), nil
}

// appendPayloadOp writes PUB/MSG or their header variants. sid is nil for PUB.
func appendPayloadOp(dst []byte, plain, withHeader, subj string, sid *string, reply string, hdr Header, payload []byte) []byte {
	var hdrBytes []byte
	if hdr != nil {
		hdrBytes = hdr.appendTo(nil)
		dst = append(dst, withHeader...)
	} else {
		dst = append(dst, plain...)
	}

	dst = append(dst, subj...)
	if sid != nil {
		dst = append(dst, ' ')
		dst = append(dst, *sid...)
	}
	if reply != "" {
		dst = append(dst, ' ')
		dst = append(dst, reply...)
	}
	if hdr != nil {
		dst = append(dst, ' ')
		dst = strconv.AppendInt(dst, int64(len(hdrBytes)), 10)
	}
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(hdrBytes)+len(payload)), 10)
	dst = append(dst, CRLF...)
	dst = append(dst, hdrBytes...)
	dst = append(dst, payload...)
	return append(dst, CRLF...)
}

func checkToken(field, v string, required bool) error {
	if v == "" {
		if required {
			return fmt.Errorf("%w: empty %s", ErrInvalidOp, field)
		}
		return nil
	}
	if strings.ContainsAny(v, " \t\r\n") {
		return fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidOp, field, v)
	}
	return nil
}
