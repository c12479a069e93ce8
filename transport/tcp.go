// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport opens the byte streams the client speaks the protocol over.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// URL schemes understood by the default dialer.
const (
	SchemeNATS = "nats"
	SchemeTCP  = "tcp"
	SchemeTLS  = "tls"
	SchemeWS   = "ws"
	SchemeWSS  = "wss"

	DefaultPort = "4222"
)

// ErrUnsupportedScheme is returned for URLs no dialer handles.
var ErrUnsupportedScheme = errors.New("unsupported URL scheme")

// Dialer opens a connection to a broker address.
type Dialer interface {
	Dial(ctx context.Context, u *url.URL) (net.Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, u *url.URL) (net.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	return f(ctx, u)
}

// ParseURL normalizes a server address. Bare "host[:port]" becomes
// "nats://host:port"; a missing port defaults to 4222 for nats/tls and to the
// HTTP defaults for ws/wss.
func ParseURL(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty server address")
	}
	if !strings.Contains(addr, "://") {
		addr = SchemeNATS + "://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case SchemeNATS, SchemeTCP, SchemeTLS, SchemeWS, SchemeWSS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Port() == "" {
		port := DefaultPort
		switch u.Scheme {
		case SchemeWS:
			port = "80"
		case SchemeWSS:
			port = "443"
		}
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// IsWebSocket reports whether u is served over WebSocket.
func IsWebSocket(u *url.URL) bool {
	return u.Scheme == SchemeWS || u.Scheme == SchemeWSS
}

// TCPDialer dials plain TCP, or TLS for the tls:// scheme.
type TCPDialer struct {
	Timeout   time.Duration
	TLSConfig *tls.Config
}

// Dial opens a TCP connection to u.Host.
func (d *TCPDialer) Dial(ctx context.Context, u *url.URL) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	if u.Scheme == SchemeTLS {
		td := &tls.Dialer{NetDialer: nd, Config: tlsConfigFor(d.TLSConfig, u.Hostname())}
		return td.DialContext(ctx, "tcp", u.Host)
	}
	return nd.DialContext(ctx, "tcp", u.Host)
}

// UpgradeTLS runs a client TLS handshake over an established connection, as
// required when the server's INFO demands TLS.
func UpgradeTLS(ctx context.Context, conn net.Conn, cfg *tls.Config, host string) (net.Conn, error) {
	tc := tls.Client(conn, tlsConfigFor(cfg, host))
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tc, nil
}

// IsTLS reports whether conn already runs TLS.
func IsTLS(conn net.Conn) bool {
	_, ok := conn.(*tls.Conn)
	return ok
}

func tlsConfigFor(cfg *tls.Config, host string) *tls.Config {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

// NewDialer returns a dialer choosing TCP, TLS or WebSocket from the URL scheme.
func NewDialer(timeout time.Duration, tlsConfig *tls.Config) Dialer {
	tcp := &TCPDialer{Timeout: timeout, TLSConfig: tlsConfig}
	ws := &WebSocketDialer{Timeout: timeout, TLSConfig: tlsConfig}
	return DialerFunc(func(ctx context.Context, u *url.URL) (net.Conn, error) {
		switch u.Scheme {
		case SchemeNATS, SchemeTCP, SchemeTLS:
			return tcp.Dial(ctx, u)
		case SchemeWS, SchemeWSS:
			return ws.Dial(ctx, u)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
		}
	})
}
