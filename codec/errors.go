// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
)

// Codec errors.
var (
	// ErrNeedMoreData means the buffer holds an incomplete frame.
	ErrNeedMoreData = errors.New("need more data")

	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("protocol error")

	// ErrMaxPayloadExceeded is the cause of a ProtocolError raised for a
	// declared length above the negotiated maximum payload.
	ErrMaxPayloadExceeded = errors.New("maximum payload exceeded")

	// ErrInvalidOp is returned by Encode for operations that cannot be framed.
	ErrInvalidOp = errors.New("invalid operation")
)

const maxQuotedLine = 64

// ProtocolError reports a malformed frame. It is fatal for the connection it
// was read from.
type ProtocolError struct {
	Line   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Line)
}

// Is matches ErrProtocol.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protoErr(line []byte, reason string) *ProtocolError {
	if len(line) > maxQuotedLine {
		line = line[:maxQuotedLine]
	}
	return &ProtocolError{Line: string(line), Reason: reason}
}
