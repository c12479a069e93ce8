// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxnats/client"
)

// Headers set on error responses.
const (
	ErrorHeader     = "Nats-Service-Error"
	ErrorCodeHeader = "Nats-Service-Error-Code"
)

// ErrAlreadyResponded is returned when a request is answered twice.
var ErrAlreadyResponded = errors.New("request already responded")

// Handler processes a request received by an endpoint.
type Handler func(*Request)

// HandlerFunc adapts a function returning a response or an error.
func HandlerFunc(fn func(data []byte) ([]byte, error)) Handler {
	return func(r *Request) {
		resp, err := fn(r.Data())
		if err != nil {
			_ = r.Error("500", err.Error(), nil)
			return
		}
		_ = r.Respond(resp)
	}
}

// EndpointOpt configures an endpoint.
type EndpointOpt func(*Endpoint)

// WithSubject overrides the subject, which defaults to the endpoint name.
func WithSubject(subject string) EndpointOpt {
	return func(e *Endpoint) { e.subject = subject }
}

// WithQueueGroup overrides the service queue group for one endpoint.
func WithQueueGroup(queue string) EndpointOpt {
	return func(e *Endpoint) { e.queue = queue }
}

// WithMetadata attaches metadata reported by INFO and STATS.
func WithMetadata(md map[string]string) EndpointOpt {
	return func(e *Endpoint) { e.metadata = md }
}

// EndpointStats are the statistics of a single endpoint.
type EndpointStats struct {
	Name                  string            `json:"name"`
	Subject               string            `json:"subject"`
	QueueGroup            string            `json:"queue_group"`
	Metadata              map[string]string `json:"metadata,omitempty"`
	NumRequests           int               `json:"num_requests"`
	NumErrors             int               `json:"num_errors"`
	ProcessingTime        time.Duration     `json:"processing_time"`
	AverageProcessingTime time.Duration     `json:"average_processing_time"`
	LastError             string            `json:"last_error"`
	Data                  json.RawMessage   `json:"data,omitempty"`
}

// Endpoint serves requests on a subject through a queue subscription.
type Endpoint struct {
	svc      *Service
	name     string
	subject  string
	queue    string
	metadata map[string]string
	handler  Handler
	sub      *client.Subscription

	mu    sync.Mutex
	stats EndpointStats
}

// AddEndpoint registers handler under name.
func (s *Service) AddEndpoint(name string, handler Handler, opts ...EndpointOpt) (*Endpoint, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: endpoint %q", ErrInvalidName, name)
	}
	if handler == nil {
		return nil, ErrNilEndpointFunc
	}

	ep := &Endpoint{
		svc:     s,
		name:    name,
		subject: name,
		queue:   s.cfg.QueueGroup,
		handler: handler,
	}
	for _, opt := range opts {
		opt(ep)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrServiceStopped
	}
	if _, ok := s.endpoints[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointExists, name)
	}

	sub, err := s.nc.QueueSubscribe(ep.subject, ep.queue, ep.serve)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe endpoint %s: %w", name, err)
	}
	ep.sub = sub
	s.endpoints[name] = ep

	s.logger.Debug("endpoint added",
		slog.String("endpoint", name),
		slog.String("subject", ep.subject),
		slog.String("queue", ep.queue))
	return ep, nil
}

func (e *Endpoint) serve(m *client.Msg) {
	req := &Request{msg: m, ep: e}
	start := time.Now()
	e.handler(req)
	e.record(time.Since(start))
}

func (e *Endpoint) record(elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.NumRequests++
	e.stats.ProcessingTime += elapsed
	e.stats.AverageProcessingTime = e.stats.ProcessingTime / time.Duration(e.stats.NumRequests)
}

func (e *Endpoint) recordError(code, description string) {
	e.mu.Lock()
	e.stats.NumErrors++
	e.stats.LastError = fmt.Sprintf("%s:%s", code, description)
	e.mu.Unlock()
}

func (e *Endpoint) reset() {
	e.mu.Lock()
	e.stats = EndpointStats{}
	e.mu.Unlock()
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string {
	return e.name
}

// Subject returns the subject the endpoint listens on.
func (e *Endpoint) Subject() string {
	return e.subject
}

// Stats returns a snapshot of the endpoint statistics.
func (e *Endpoint) Stats() EndpointStats {
	e.mu.Lock()
	st := e.stats
	e.mu.Unlock()

	st.Name = e.name
	st.Subject = e.subject
	st.QueueGroup = e.queue
	st.Metadata = e.metadata
	return st
}

// Stop unsubscribes the endpoint and removes it from its service.
func (e *Endpoint) Stop() error {
	e.svc.removeEndpoint(e.name)
	if err := e.sub.Unsubscribe(); err != nil && !errors.Is(err, client.ErrBadSubscription) {
		return fmt.Errorf("failed to stop endpoint %s: %w", e.name, err)
	}
	return nil
}

// Request is a message received by an endpoint.
type Request struct {
	msg       *client.Msg
	ep        *Endpoint
	responded bool
}

// Subject returns the subject the request was published to.
func (r *Request) Subject() string {
	return r.msg.Subject
}

// Data returns the request payload.
func (r *Request) Data() []byte {
	return r.msg.Data
}

// Headers returns the request headers.
func (r *Request) Headers() client.Header {
	return r.msg.Header
}

// Respond sends data to the requester.
func (r *Request) Respond(data []byte) error {
	return r.respond(&client.Msg{Data: data})
}

// RespondJSON sends v encoded as JSON.
func (r *Request) RespondJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return r.Respond(data)
}

// Error responds with the error headers set and records the error in the
// endpoint statistics.
func (r *Request) Error(code, description string, data []byte) error {
	// Header values are single line.
	description = strings.Join(strings.Fields(description), " ")
	r.ep.recordError(code, description)

	hdr := client.Header{}
	hdr.Set(ErrorHeader, description)
	hdr.Set(ErrorCodeHeader, code)
	return r.respond(&client.Msg{Header: hdr, Data: data})
}

func (r *Request) respond(resp *client.Msg) error {
	if r.responded {
		return ErrAlreadyResponded
	}
	r.responded = true

	if err := r.msg.RespondMsg(resp); err != nil {
		err = fmt.Errorf("endpoint %s: %w", r.ep.name, err)
		r.ep.svc.reportError(err)
		return err
	}
	return nil
}

// ErrorCode parses the error code header of a response, or returns 0.
func ErrorCode(m *client.Msg) int {
	if m == nil || m.Header == nil {
		return 0
	}
	code, err := strconv.Atoi(m.Header.Get(ErrorCodeHeader))
	if err != nil {
		return 0
	}
	return code
}
