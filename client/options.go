// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxnats/subject"
	"github.com/absmach/fluxnats/transport"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultURL               = "nats://127.0.0.1:4222"
	DefaultConnectTimeout    = 2 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPingInterval      = 2 * time.Minute
	DefaultMaxPingsOut       = 2
	DefaultMaxReconnects     = 60
	DefaultReconnectWait     = 1 * time.Second
	DefaultReconnectWaitMax  = 30 * time.Second
	DefaultReconnectJitter   = 100 * time.Millisecond
	DefaultReconnectRate     = 10.0
	DefaultBreakerFailures   = 5
	DefaultBreakerTimeout    = 5 * time.Second
	DefaultOutboundMaxBytes  = 8 * 1024 * 1024
	DefaultOutboundMaxMsgs   = 64 * 1024
	DefaultPendingMsgsLimit  = 512 * 1024
	DefaultPendingBytesLimit = 64 * 1024 * 1024
	DefaultRequestTimeout    = 5 * time.Second
	DefaultDrainTimeout      = 30 * time.Second
	DefaultInboxPrefix       = "_INBOX"

	// DefaultMaxPayload applies until the server advertises its own limit.
	DefaultMaxPayload = 1024 * 1024
)

// Options configures the client.
type Options struct {
	// Connection
	Servers        []string      // Seed server URLs (nats://, tls://, ws://, wss://)
	Name           string        // Client name reported in CONNECT
	Token          string        // Optional auth token
	User           string        // Optional username
	Password       string        // Optional password
	TLSConfig      *tls.Config   // TLS configuration for tls:// and upgraded connections
	Secure         bool          // Require TLS even if the server does not
	ConnectTimeout time.Duration // Timeout for dial plus handshake
	WriteTimeout   time.Duration // Deadline for each socket write
	PingInterval   time.Duration // Keep-alive interval
	MaxPingsOut    int           // Unanswered pings before the connection is stale
	NoEcho         bool          // Do not receive own publishes
	Verbose        bool
	Pedantic       bool

	// Server pool
	NoRandomize             bool // Try servers in the given order
	IgnoreDiscoveredServers bool // Ignore connect_urls gossiped in INFO

	// Reconnection
	AllowReconnect       bool          // Enable automatic reconnection
	RetryOnFailedConnect bool          // Enter reconnecting if the first connect fails
	MaxReconnects        int           // Attempts per server, negative for unlimited
	ReconnectWait        time.Duration // Initial per-server backoff
	ReconnectWaitMax     time.Duration // Backoff ceiling
	ReconnectJitter      time.Duration // Random delay added to each backoff
	ReconnectRate        float64       // Global attempts per second
	BreakerFailures      uint32        // Consecutive failures that open a server's breaker
	BreakerTimeout       time.Duration // Time a breaker stays open

	// Flow control
	OutboundMaxBytes  int // Ceiling on buffered outbound bytes
	OutboundMaxMsgs   int // Ceiling on buffered outbound messages
	PendingMsgsLimit  int // Default per-subscription pending message limit
	PendingBytesLimit int // Default per-subscription pending byte limit

	// Requests and shutdown
	RequestTimeout time.Duration // Applied when the request context has no deadline
	DrainTimeout   time.Duration // Applied when the drain context has no deadline
	InboxPrefix    string        // Prefix of reply subjects

	// Plumbing
	Dialer         transport.Dialer     // nil selects a dialer from the URL scheme
	Logger         *slog.Logger         // nil discards logs
	MeterProvider  metric.MeterProvider // nil uses the global provider
	TracerProvider trace.TracerProvider // nil uses the global provider

	// Callbacks, invoked in order from a dedicated goroutine.
	OnConnect           func()                     // Called on the first successful connection
	OnDisconnect        func(error)                // Called when an established connection is lost
	OnReconnecting      func(attempt int)          // Called before each reconnect attempt
	OnReconnect         func()                     // Called after a successful reconnect
	OnClosed            func()                     // Called once when the client is closed
	OnError             func(*Subscription, error) // Asynchronous errors, sub may be nil
	OnDiscoveredServers func(urls []string)        // Called with newly gossiped servers
	OnLameDuck          func()                     // Called when the server enters lame duck mode
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Servers:           []string{DefaultURL},
		ConnectTimeout:    DefaultConnectTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		PingInterval:      DefaultPingInterval,
		MaxPingsOut:       DefaultMaxPingsOut,
		AllowReconnect:    true,
		MaxReconnects:     DefaultMaxReconnects,
		ReconnectWait:     DefaultReconnectWait,
		ReconnectWaitMax:  DefaultReconnectWaitMax,
		ReconnectJitter:   DefaultReconnectJitter,
		ReconnectRate:     DefaultReconnectRate,
		BreakerFailures:   DefaultBreakerFailures,
		BreakerTimeout:    DefaultBreakerTimeout,
		OutboundMaxBytes:  DefaultOutboundMaxBytes,
		OutboundMaxMsgs:   DefaultOutboundMaxMsgs,
		PendingMsgsLimit:  DefaultPendingMsgsLimit,
		PendingBytesLimit: DefaultPendingBytesLimit,
		RequestTimeout:    DefaultRequestTimeout,
		DrainTimeout:      DefaultDrainTimeout,
		InboxPrefix:       DefaultInboxPrefix,
	}
}

// SetServers sets the seed server URLs.
func (o *Options) SetServers(servers ...string) *Options {
	o.Servers = servers
	return o
}

// SetName sets the client name.
func (o *Options) SetName(name string) *Options {
	o.Name = name
	return o
}

// SetToken sets the auth token.
func (o *Options) SetToken(token string) *Options {
	o.Token = token
	return o
}

// SetUserInfo sets username and password.
func (o *Options) SetUserInfo(user, password string) *Options {
	o.User = user
	o.Password = password
	return o
}

// SetTLSConfig sets the TLS configuration.
func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

// SetSecure requires TLS.
func (o *Options) SetSecure(secure bool) *Options {
	o.Secure = secure
	return o
}

// SetConnectTimeout sets the dial plus handshake timeout.
func (o *Options) SetConnectTimeout(d time.Duration) *Options {
	o.ConnectTimeout = d
	return o
}

// SetWriteTimeout sets the per-write deadline.
func (o *Options) SetWriteTimeout(d time.Duration) *Options {
	o.WriteTimeout = d
	return o
}

// SetPingInterval sets the keep-alive interval and the number of unanswered
// pings tolerated.
func (o *Options) SetPingInterval(d time.Duration, maxOut int) *Options {
	o.PingInterval = d
	o.MaxPingsOut = maxOut
	return o
}

// SetNoEcho suppresses delivery of the client's own publishes.
func (o *Options) SetNoEcho(noEcho bool) *Options {
	o.NoEcho = noEcho
	return o
}

// SetNoRandomize keeps the server pool in the given order.
func (o *Options) SetNoRandomize(noRandomize bool) *Options {
	o.NoRandomize = noRandomize
	return o
}

// SetIgnoreDiscoveredServers ignores servers gossiped by the cluster.
func (o *Options) SetIgnoreDiscoveredServers(ignore bool) *Options {
	o.IgnoreDiscoveredServers = ignore
	return o
}

// SetAllowReconnect enables or disables automatic reconnection.
func (o *Options) SetAllowReconnect(allow bool) *Options {
	o.AllowReconnect = allow
	return o
}

// SetRetryOnFailedConnect makes Connect succeed and keep retrying in the
// background when no server is reachable.
func (o *Options) SetRetryOnFailedConnect(retry bool) *Options {
	o.RetryOnFailedConnect = retry
	return o
}

// SetMaxReconnects sets the attempts per server. Negative means unlimited.
func (o *Options) SetMaxReconnects(n int) *Options {
	o.MaxReconnects = n
	return o
}

// SetReconnectWait sets the initial backoff and its ceiling.
func (o *Options) SetReconnectWait(initial, max time.Duration) *Options {
	o.ReconnectWait = initial
	o.ReconnectWaitMax = max
	return o
}

// SetReconnectJitter sets the random delay added to each backoff.
func (o *Options) SetReconnectJitter(d time.Duration) *Options {
	o.ReconnectJitter = d
	return o
}

// SetReconnectRate caps reconnect attempts per second across all servers.
func (o *Options) SetReconnectRate(perSecond float64) *Options {
	o.ReconnectRate = perSecond
	return o
}

// SetCircuitBreaker configures the per-server circuit breaker.
func (o *Options) SetCircuitBreaker(failures uint32, timeout time.Duration) *Options {
	o.BreakerFailures = failures
	o.BreakerTimeout = timeout
	return o
}

// SetOutboundLimits sets the outbound buffer ceilings.
func (o *Options) SetOutboundLimits(maxBytes, maxMsgs int) *Options {
	o.OutboundMaxBytes = maxBytes
	o.OutboundMaxMsgs = maxMsgs
	return o
}

// SetPendingLimits sets the default per-subscription pending limits.
// Zero or negative values disable the corresponding limit.
func (o *Options) SetPendingLimits(msgs, bytes int) *Options {
	o.PendingMsgsLimit = msgs
	o.PendingBytesLimit = bytes
	return o
}

// SetRequestTimeout sets the default request timeout.
func (o *Options) SetRequestTimeout(d time.Duration) *Options {
	o.RequestTimeout = d
	return o
}

// SetDrainTimeout sets the default drain timeout.
func (o *Options) SetDrainTimeout(d time.Duration) *Options {
	o.DrainTimeout = d
	return o
}

// SetInboxPrefix sets the prefix of generated reply subjects.
func (o *Options) SetInboxPrefix(prefix string) *Options {
	o.InboxPrefix = prefix
	return o
}

// SetDialer overrides transport selection.
func (o *Options) SetDialer(d transport.Dialer) *Options {
	o.Dialer = d
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMeterProvider sets the metrics provider.
func (o *Options) SetMeterProvider(mp metric.MeterProvider) *Options {
	o.MeterProvider = mp
	return o
}

// SetTracerProvider sets the tracer provider.
func (o *Options) SetTracerProvider(tp trace.TracerProvider) *Options {
	o.TracerProvider = tp
	return o
}

// SetOnConnect sets the connect callback.
func (o *Options) SetOnConnect(fn func()) *Options {
	o.OnConnect = fn
	return o
}

// SetOnDisconnect sets the connection lost callback.
func (o *Options) SetOnDisconnect(fn func(error)) *Options {
	o.OnDisconnect = fn
	return o
}

// SetOnReconnecting sets the callback invoked before each reconnect attempt.
func (o *Options) SetOnReconnecting(fn func(attempt int)) *Options {
	o.OnReconnecting = fn
	return o
}

// SetOnReconnect sets the reconnect callback.
func (o *Options) SetOnReconnect(fn func()) *Options {
	o.OnReconnect = fn
	return o
}

// SetOnClosed sets the close callback.
func (o *Options) SetOnClosed(fn func()) *Options {
	o.OnClosed = fn
	return o
}

// SetOnError sets the asynchronous error callback.
func (o *Options) SetOnError(fn func(*Subscription, error)) *Options {
	o.OnError = fn
	return o
}

// SetOnDiscoveredServers sets the discovered servers callback.
func (o *Options) SetOnDiscoveredServers(fn func([]string)) *Options {
	o.OnDiscoveredServers = fn
	return o
}

// SetOnLameDuck sets the lame duck callback.
func (o *Options) SetOnLameDuck(fn func()) *Options {
	o.OnLameDuck = fn
	return o
}

// Validate checks the options for errors and fills zero durations and
// limits with defaults.
func (o *Options) Validate() error {
	if len(o.Servers) == 0 {
		return ErrNoServers
	}
	for _, s := range o.Servers {
		if _, err := transport.ParseURL(s); err != nil {
			return fmt.Errorf("%w: %w", ErrNoServers, err)
		}
	}
	if err := subject.ValidatePublish(o.InboxPrefix); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInboxPrefix, err)
	}
	if o.OutboundMaxBytes < 0 || o.OutboundMaxMsgs < 0 {
		return fmt.Errorf("%w: outbound limits must not be negative", ErrInvalidLimit)
	}
	if o.ReconnectWaitMax > 0 && o.ReconnectWait > o.ReconnectWaitMax {
		return fmt.Errorf("%w: reconnect wait %s exceeds ceiling %s", ErrInvalidLimit, o.ReconnectWait, o.ReconnectWaitMax)
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.MaxPingsOut <= 0 {
		o.MaxPingsOut = DefaultMaxPingsOut
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = DefaultReconnectWait
	}
	if o.ReconnectWaitMax <= 0 {
		o.ReconnectWaitMax = DefaultReconnectWaitMax
	}
	if o.ReconnectJitter < 0 {
		o.ReconnectJitter = 0
	}
	if o.ReconnectRate <= 0 {
		o.ReconnectRate = DefaultReconnectRate
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = DefaultBreakerTimeout
	}
	if o.OutboundMaxBytes == 0 {
		o.OutboundMaxBytes = DefaultOutboundMaxBytes
	}
	if o.OutboundMaxMsgs == 0 {
		o.OutboundMaxMsgs = DefaultOutboundMaxMsgs
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	return nil
}
