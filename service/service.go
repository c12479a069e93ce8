// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package service exposes request handlers as discoverable endpoints.
//
// Each service instance answers discovery requests on
//
//	$SRV.PING, $SRV.PING.<name>, $SRV.PING.<name>.<id>
//	$SRV.INFO, $SRV.INFO.<name>, $SRV.INFO.<name>.<id>
//	$SRV.STATS, $SRV.STATS.<name>, $SRV.STATS.<name>.<id>
//
// and serves its endpoints through queue subscriptions so that requests are
// load balanced across instances.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/absmach/fluxnats/client"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	// APIPrefix is the first token of every discovery subject.
	APIPrefix = "$SRV"

	// DefaultQueueGroup is used by endpoints that do not set their own.
	DefaultQueueGroup = "q"

	PingResponseType  = "io.nats.micro.v1.ping_response"
	InfoResponseType  = "io.nats.micro.v1.info_response"
	StatsResponseType = "io.nats.micro.v1.stats_response"
)

// Verb selects a discovery operation.
type Verb string

const (
	Ping  Verb = "PING"
	Info  Verb = "INFO"
	Stats Verb = "STATS"
)

var (
	ErrInvalidName     = errors.New("invalid service name")
	ErrInvalidVersion  = errors.New("invalid service version")
	ErrServiceStopped  = errors.New("service stopped")
	ErrEndpointExists  = errors.New("endpoint already registered")
	ErrNilEndpointFunc = errors.New("endpoint handler required")
)

var (
	nameRe    = regexp.MustCompile(`^[A-Za-z0-9\-_]+$`)
	versionRe = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z\-.]+)?(\+[0-9A-Za-z\-.]+)?$`)
)

// Config describes a service.
type Config struct {
	Name        string
	Version     string // semantic version
	Description string
	Metadata    map[string]string

	// QueueGroup overrides DefaultQueueGroup for all endpoints.
	QueueGroup string

	// StatsHandler fills the data field of an endpoint's stats.
	StatsHandler func(*Endpoint) any

	// ErrorHandler is called when a handler fails to respond.
	ErrorHandler func(*Service, error)

	Logger *slog.Logger
}

// Identity is shared by all discovery responses.
type Identity struct {
	Name     string            `json:"name"`
	ID       string            `json:"id"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata"`
}

// PingResponse answers $SRV.PING.
type PingResponse struct {
	Identity
	Type string `json:"type"`
}

// InfoResponse answers $SRV.INFO.
type InfoResponse struct {
	Identity
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Endpoints   []EndpointInfo `json:"endpoints"`
}

// EndpointInfo describes a single endpoint.
type EndpointInfo struct {
	Name       string            `json:"name"`
	Subject    string            `json:"subject"`
	QueueGroup string            `json:"queue_group"`
	Metadata   map[string]string `json:"metadata"`
}

// StatsResponse answers $SRV.STATS.
type StatsResponse struct {
	Identity
	Type      string          `json:"type"`
	Started   time.Time       `json:"started"`
	Endpoints []EndpointStats `json:"endpoints"`
}

// Service is a running service instance.
type Service struct {
	cfg     Config
	id      string
	started time.Time
	nc      *client.Client
	logger  *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*Endpoint
	discovery []*client.Subscription
	stopped   bool
	done      chan struct{}
}

// Add registers a new service on c and starts its discovery responders.
func Add(c *client.Client, cfg Config) (*Service, error) {
	if !nameRe.MatchString(cfg.Name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, cfg.Name)
	}
	if !versionRe.MatchString(cfg.Version) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersion, cfg.Version)
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Service{
		cfg:       cfg,
		id:        uuid.NewString(),
		started:   time.Now().UTC(),
		nc:        c,
		endpoints: make(map[string]*Endpoint),
		done:      make(chan struct{}),
	}
	s.logger = logger.With(slog.String("service", cfg.Name), slog.String("id", s.id))

	for _, verb := range []Verb{Ping, Info, Stats} {
		for _, subj := range discoverySubjects(verb, cfg.Name, s.id) {
			sub, err := c.Subscribe(subj, s.discoveryHandler(verb))
			if err != nil {
				_ = s.Stop()
				return nil, fmt.Errorf("failed to subscribe to %s: %w", subj, err)
			}
			s.discovery = append(s.discovery, sub)
		}
	}

	s.logger.Info("service started", slog.String("version", cfg.Version))
	return s, nil
}

// ControlSubject returns the discovery subject for verb. An empty name
// addresses all services and an empty id all instances of name.
func ControlSubject(verb Verb, name, id string) string {
	switch {
	case name == "":
		return fmt.Sprintf("%s.%s", APIPrefix, verb)
	case id == "":
		return fmt.Sprintf("%s.%s.%s", APIPrefix, verb, name)
	default:
		return fmt.Sprintf("%s.%s.%s.%s", APIPrefix, verb, name, id)
	}
}

func discoverySubjects(verb Verb, name, id string) []string {
	return []string{
		ControlSubject(verb, "", ""),
		ControlSubject(verb, name, ""),
		ControlSubject(verb, name, id),
	}
}

func (s *Service) discoveryHandler(verb Verb) client.MsgHandler {
	return func(m *client.Msg) {
		var resp any
		switch verb {
		case Ping:
			resp = s.Ping()
		case Info:
			resp = s.Info()
		case Stats:
			resp = s.Stats()
		}
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("failed to encode discovery response", slog.String("verb", string(verb)), slog.String("error", err.Error()))
			return
		}
		if err := m.Respond(data); err != nil {
			s.reportError(fmt.Errorf("discovery %s: %w", verb, err))
		}
	}
}

// ID returns the unique instance id.
func (s *Service) ID() string {
	return s.id
}

func (s *Service) identity() Identity {
	return Identity{
		Name:     s.cfg.Name,
		ID:       s.id,
		Version:  s.cfg.Version,
		Metadata: s.cfg.Metadata,
	}
}

// Ping returns the ping response of this instance.
func (s *Service) Ping() PingResponse {
	return PingResponse{Identity: s.identity(), Type: PingResponseType}
}

// Info returns the service description and its endpoints.
func (s *Service) Info() InfoResponse {
	endpoints := s.sortedEndpoints()
	infos := make([]EndpointInfo, 0, len(endpoints))
	for _, ep := range endpoints {
		infos = append(infos, EndpointInfo{
			Name:       ep.name,
			Subject:    ep.subject,
			QueueGroup: ep.queue,
			Metadata:   ep.metadata,
		})
	}
	return InfoResponse{
		Identity:    s.identity(),
		Type:        InfoResponseType,
		Description: s.cfg.Description,
		Endpoints:   infos,
	}
}

// Stats returns the statistics of every endpoint.
func (s *Service) Stats() StatsResponse {
	endpoints := s.sortedEndpoints()
	stats := make([]EndpointStats, 0, len(endpoints))
	for _, ep := range endpoints {
		st := ep.Stats()
		if s.cfg.StatsHandler != nil {
			if data, err := json.Marshal(s.cfg.StatsHandler(ep)); err == nil {
				st.Data = data
			}
		}
		stats = append(stats, st)
	}
	return StatsResponse{
		Identity:  s.identity(),
		Type:      StatsResponseType,
		Started:   s.started,
		Endpoints: stats,
	}
}

// Reset zeroes the statistics of every endpoint.
func (s *Service) Reset() {
	for _, ep := range s.sortedEndpoints() {
		ep.reset()
	}
}

// Stop stops all endpoints and discovery responders.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	endpoints := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		endpoints = append(endpoints, ep)
	}
	discovery := s.discovery
	s.discovery = nil
	s.mu.Unlock()

	var err error
	for _, ep := range endpoints {
		err = multierr.Append(err, ep.Stop())
	}
	for _, sub := range discovery {
		if uerr := sub.Unsubscribe(); !errors.Is(uerr, client.ErrBadSubscription) {
			err = multierr.Append(err, uerr)
		}
	}
	close(s.done)

	s.logger.Info("service stopped")
	return err
}

// Stopped reports whether Stop was called.
func (s *Service) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done is closed once the service has stopped.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) sortedEndpoints() []*Endpoint {
	s.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		endpoints = append(endpoints, ep)
	}
	s.mu.Unlock()

	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].name < endpoints[j].name })
	return endpoints
}

func (s *Service) removeEndpoint(name string) {
	s.mu.Lock()
	delete(s.endpoints, name)
	s.mu.Unlock()
}

func (s *Service) reportError(err error) {
	s.logger.Warn("service error", slog.String("error", err.Error()))
	if s.cfg.ErrorHandler != nil {
		s.cfg.ErrorHandler(s, err)
	}
}
