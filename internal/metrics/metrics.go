// Package metrics wires the counters of spec §4.6 to the host's stats API
// (proxy-wasm metric hostcalls, not otel/prometheus — see SPEC_FULL.md
// §11.1 for why). Counters is the request-level set; ServiceCounters is
// the per-service supplement of SPEC_FULL.md §12.4, grounded on
// original_source/src/service_metrics.rs.
package metrics

import (
	"fmt"

	"github.com/kuadrant/wasm-policy-shim/internal/hostabi"
)

// Counters is the spec §4.6 table: one method per named counter.
type Counters struct {
	host    hostabi.Host
	configs hostabi.CounterID
	hits    hostabi.CounterID
	misses  hostabi.CounterID
	allowed hostabi.CounterID
	denied  hostabi.CounterID
	errors  hostabi.CounterID
}

// NewCounters defines every spec §4.6 counter once, at OnPluginStart.
func NewCounters(host hostabi.Host) (*Counters, error) {
	c := &Counters{host: host}
	ids := map[string]*hostabi.CounterID{
		"policy.configs": &c.configs,
		"policy.hits":    &c.hits,
		"policy.misses":  &c.misses,
		"policy.allowed": &c.allowed,
		"policy.denied":  &c.denied,
		"policy.errors":  &c.errors,
	}
	for name, dst := range ids {
		id, err := host.DefineCounter(name)
		if err != nil {
			return nil, fmt.Errorf("defining counter %q: %w", name, err)
		}
		*dst = id
	}
	return c, nil
}

func (c *Counters) Configs() { c.inc(c.configs) }
func (c *Counters) Hits()    { c.inc(c.hits) }
func (c *Counters) Misses()  { c.inc(c.misses) }
func (c *Counters) Allowed() { c.inc(c.allowed) }
func (c *Counters) Denied()  { c.inc(c.denied) }
func (c *Counters) Errors()  { c.inc(c.errors) }

func (c *Counters) inc(id hostabi.CounterID) {
	_ = c.host.IncrementCounter(id, 1)
}

// ServiceCounters is the per-service call-count/call-errors supplement
// (SPEC_FULL.md §12.4), grounded on
// original_source/src/service_metrics.rs's ServiceMetrics struct — one
// {ok, error, rejected, failure_mode_allowed} quartet per named service,
// defined lazily the first time an action targeting that service runs
// rather than eagerly for every configured service (a config can name
// services no matching request ever reaches).
type ServiceCounters struct {
	host hostabi.Host
	byService map[string]*serviceCounterSet
}

type serviceCounterSet struct {
	ok                 hostabi.CounterID
	errorID            hostabi.CounterID
	rejected           hostabi.CounterID
	failureModeAllowed hostabi.CounterID
}

// NewServiceCounters returns an empty per-service counter registry.
func NewServiceCounters(host hostabi.Host) *ServiceCounters {
	return &ServiceCounters{host: host, byService: make(map[string]*serviceCounterSet)}
}

func (s *ServiceCounters) setFor(service string) (*serviceCounterSet, error) {
	if set, ok := s.byService[service]; ok {
		return set, nil
	}
	prefix := "policy.service." + service
	set := &serviceCounterSet{}
	defs := map[string]*hostabi.CounterID{
		prefix + ".ok":                   &set.ok,
		prefix + ".error":                &set.errorID,
		prefix + ".rejected":              &set.rejected,
		prefix + ".failure_mode_allowed":  &set.failureModeAllowed,
	}
	for name, dst := range defs {
		id, err := s.host.DefineCounter(name)
		if err != nil {
			return nil, fmt.Errorf("defining counter %q: %w", name, err)
		}
		*dst = id
	}
	s.byService[service] = set
	return set, nil
}

func (s *ServiceCounters) ReportOK(service string) {
	if set, err := s.setFor(service); err == nil {
		_ = s.host.IncrementCounter(set.ok, 1)
	}
}

func (s *ServiceCounters) ReportError(service string) {
	if set, err := s.setFor(service); err == nil {
		_ = s.host.IncrementCounter(set.errorID, 1)
	}
}

func (s *ServiceCounters) ReportRejected(service string) {
	if set, err := s.setFor(service); err == nil {
		_ = s.host.IncrementCounter(set.rejected, 1)
	}
}

func (s *ServiceCounters) ReportAllowedOnFailure(service string) {
	if set, err := s.setFor(service); err == nil {
		_ = s.host.IncrementCounter(set.failureModeAllowed, 1)
	}
}
