// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Reserved header keys holding the status line of a header block.
const (
	StatusHeader      = "Status"
	DescriptionHeader = "Description"
)

// Header is a multi-valued header map carried by HPUB and HMSG.
// Keys are case-sensitive.
type Header map[string][]string

// Get returns the first value for key.
func (h Header) Get(key string) string {
	if v := h[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Set replaces the values for key.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Add appends a value for key.
func (h Header) Add(key, value string) {
	h[key] = append(h[key], value)
}

// Values returns all values for key.
func (h Header) Values(key string) []string {
	return h[key]
}

// Del removes key.
func (h Header) Del(key string) {
	delete(h, key)
}

// Status returns the numeric status from the header block's status line, or
// zero when absent.
func (h Header) Status() int {
	s, err := strconv.Atoi(h.Get(StatusHeader))
	if err != nil {
		return 0
	}
	return s
}

// validate reports header content that would not survive a round trip
// through appendTo and parseHeader.
func (h Header) validate() error {
	for k, vs := range h {
		if k == "" || strings.ContainsAny(k, ": \t\r\n") {
			return fmt.Errorf("%w: header key %q", ErrInvalidOp, k)
		}
		for _, v := range vs {
			if strings.ContainsAny(v, CRLF) {
				return fmt.Errorf("%w: header %s value contains line break", ErrInvalidOp, k)
			}
			if v != strings.TrimSpace(v) {
				return fmt.Errorf("%w: header %s value has surrounding whitespace", ErrInvalidOp, k)
			}
		}
	}

	status, hasStatus := h[StatusHeader]
	if hasStatus {
		if len(status) != 1 || !isStatusCode(status[0]) {
			return fmt.Errorf("%w: status must be a single 3 digit code", ErrInvalidOp)
		}
	}
	if desc, ok := h[DescriptionHeader]; ok {
		if !hasStatus {
			return fmt.Errorf("%w: description without status", ErrInvalidOp)
		}
		if len(desc) != 1 {
			return fmt.Errorf("%w: multiple descriptions", ErrInvalidOp)
		}
	}
	return nil
}

func isStatusCode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// appendTo encodes the header block, including the blank terminating line.
func (h Header) appendTo(dst []byte) []byte {
	dst = append(dst, HeaderVersion...)
	if status := h.Get(StatusHeader); status != "" {
		dst = append(dst, ' ')
		dst = append(dst, status...)
		if desc := h.Get(DescriptionHeader); desc != "" {
			dst = append(dst, ' ')
			dst = append(dst, desc...)
		}
	}
	dst = append(dst, CRLF...)

	keys := make([]string, 0, len(h))
	for k := range h {
		if k == StatusHeader || k == DescriptionHeader {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range h[k] {
			dst = append(dst, k...)
			dst = append(dst, ": "...)
			dst = append(dst, v...)
			dst = append(dst, CRLF...)
		}
	}
	return append(dst, CRLF...)
}

// parseHeader decodes a header block produced by appendTo.
func parseHeader(b []byte) (Header, error) {
	if !bytes.HasPrefix(b, []byte(HeaderVersion)) {
		return nil, protoErr(b, "header block missing version line")
	}
	// A block with only the version line still ends in CRLF CRLF.
	if !bytes.HasSuffix(b, []byte(CRLF+CRLF)) {
		return nil, protoErr(b, "header block not terminated")
	}

	lines := strings.Split(string(b[:len(b)-len(CRLF+CRLF)]), CRLF)
	h := Header{}

	status := strings.TrimSpace(strings.TrimPrefix(lines[0], HeaderVersion))
	if status != "" {
		code, desc, _ := strings.Cut(status, " ")
		if !isStatusCode(code) {
			return nil, protoErr(b, "malformed header status")
		}
		h.Set(StatusHeader, code)
		if desc = strings.TrimSpace(desc); desc != "" {
			h.Set(DescriptionHeader, desc)
		}
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, protoErr(b, "malformed header line")
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return h, nil
}
