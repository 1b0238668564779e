// Package filterapi defines the wire shape of the plugin configuration
// consumed by the policy filter, and the strict decode/validate path that
// turns a JSON document into a *Config the runtime package can compile.
package filterapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// ServiceKind identifies the class of out-of-band policy service an Action
// dispatches to.
type ServiceKind string

const (
	ServiceKindAuth      ServiceKind = "auth"
	ServiceKindRateLimit ServiceKind = "ratelimit"
)

// FailureMode is the per-service policy applied when a gRPC call to that
// service fails (transport error, timeout).
type FailureMode string

const (
	FailureModeDeny  FailureMode = "deny"
	FailureModeAllow FailureMode = "allow"
)

// Service is a named out-of-band policy service.
type Service struct {
	Name        string      `json:"name"`
	Kind        ServiceKind `json:"kind"`
	Endpoint    string      `json:"endpoint"`
	FailureMode FailureMode `json:"failure_mode"`
	TimeoutMs   uint32      `json:"timeout_ms"`
}

// Observability configures logging and tracing detail for the loaded config.
type Observability struct {
	HeaderIdentifier string `json:"header_identifier,omitempty"`
	DefaultLogLevel  string `json:"default_log_level,omitempty"`
	TracingService   string `json:"tracing_service,omitempty"`
}

// RouteRuleConditions gates an ActionSet to the hostnames and CEL predicates
// it applies to.
type RouteRuleConditions struct {
	Hostnames  []string `json:"hostnames,omitempty"`
	Predicates []string `json:"predicates,omitempty"`
}

// DataItem is either a CEL expression or a static key/value pair emitted
// into a service call's descriptor entries.
type DataItem struct {
	Expression *ExpressionData `json:"expression,omitempty"`
	Static     *StaticData     `json:"static,omitempty"`
}

type ExpressionData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type StaticData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConditionalData is a data block whose entries are only emitted when all of
// its predicates evaluate true.
type ConditionalData struct {
	Predicates []string   `json:"predicates,omitempty"`
	Data       []DataItem `json:"data"`

	// Actions is never a legal field here; its presence is a structural
	// config error detected by Validate. It is declared so strict JSON
	// decoding reports the exact offending key instead of the generic
	// "unknown field" message from json.Decoder.
	Actions json.RawMessage `json:"actions,omitempty"`
}

// Action is a single gRPC call specification: which service, what scope,
// whether it runs at all (predicates), and what data it sends.
type Action struct {
	Service         string            `json:"service"`
	Scope           string            `json:"scope,omitempty"`
	CheckScope      string            `json:"check_scope,omitempty"`
	ReportScope     string            `json:"report_scope,omitempty"`
	Predicates      []string          `json:"predicates,omitempty"`
	ConditionalData []ConditionalData `json:"conditional_data,omitempty"`
	Data            []DataItem        `json:"data,omitempty"`
}

// ActionSet is a named, hostname-and-predicate-gated ordered sequence of
// Actions.
type ActionSet struct {
	Name                string              `json:"name"`
	RouteRuleConditions RouteRuleConditions `json:"route_rule_conditions"`
	Actions             []Action            `json:"actions"`
}

// Config is the immutable-after-load plugin configuration.
type Config struct {
	Services      map[string]Service `json:"services"`
	ActionSets    []ActionSet        `json:"action_sets"`
	Observability *Observability     `json:"observability,omitempty"`

	// UUID is stamped at load time, not part of the wire document.
	UUID string `json:"-"`
	// Checksum is the sha256 of the canonical input bytes, stamped at load
	// time for config-identity logging (teacher's ConfigBundleChecksum
	// pattern, adapted to a single JSON document instead of a sharded
	// bundle directory).
	Checksum string `json:"-"`
}

// ErrConfigInvalid wraps any structural validation failure detected while
// decoding or validating a Config. Multiple problems may be joined with
// errors.Join before being wrapped so the caller sees every issue at once.
var ErrConfigInvalid = errors.New("invalid plugin configuration")

// LoadConfig decodes a JSON plugin-config document with strict unknown-field
// rejection (spec: "unknown top-level fields are rejected"), stamps UUID and
// checksum, and runs structural validation that does not require a compiled
// CEL environment (service-reference resolution and CEL parsing happen in
// package runtime, which depends on this package's output).
func LoadConfig(raw []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrConfigInvalid, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF && err != nil {
		return nil, fmt.Errorf("%w: trailing content after document", ErrConfigInvalid)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	sum := sha256.Sum256(raw)
	cfg.Checksum = hex.EncodeToString(sum[:])
	cfg.UUID = uuid.NewString()
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	for name, svc := range c.Services {
		if svc.Name != "" && svc.Name != name {
			errs = append(errs, fmt.Errorf("service %q: name field %q does not match map key", name, svc.Name))
		}
		switch svc.Kind {
		case ServiceKindAuth, ServiceKindRateLimit:
		default:
			errs = append(errs, fmt.Errorf("service %q: unknown kind %q", name, svc.Kind))
		}
		switch svc.FailureMode {
		case FailureModeDeny, FailureModeAllow:
		default:
			errs = append(errs, fmt.Errorf("service %q: unknown failure_mode %q", name, svc.FailureMode))
		}
		if svc.Endpoint == "" {
			errs = append(errs, fmt.Errorf("service %q: endpoint must not be empty", name))
		}
	}

	seen := make(map[string]bool, len(c.ActionSets))
	for i, as := range c.ActionSets {
		if as.Name == "" {
			errs = append(errs, fmt.Errorf("action_sets[%d]: name must not be empty", i))
		} else if seen[as.Name] {
			errs = append(errs, fmt.Errorf("action_sets[%d]: duplicate name %q", i, as.Name))
		}
		seen[as.Name] = true

		for j, act := range as.Actions {
			if act.Service == "" {
				errs = append(errs, fmt.Errorf("action_sets[%d].actions[%d]: service must not be empty", i, j))
			} else if _, ok := c.Services[act.Service]; !ok {
				errs = append(errs, fmt.Errorf("action_sets[%d].actions[%d]: unresolved service reference %q", i, j, act.Service))
			}
			if act.Scope == "" && (act.CheckScope == "" || act.ReportScope == "") {
				errs = append(errs, fmt.Errorf("action_sets[%d].actions[%d]: must set either scope or both check_scope and report_scope", i, j))
			}
			for k, cd := range act.ConditionalData {
				if len(cd.Actions) > 0 {
					errs = append(errs, fmt.Errorf("action_sets[%d].actions[%d].conditional_data[%d]: nested \"actions\" is not permitted in conditional_data", i, j, k))
				}
			}
			for k, d := range act.Data {
				if err := d.validate(); err != nil {
					errs = append(errs, fmt.Errorf("action_sets[%d].actions[%d].data[%d]: %w", i, j, k, err))
				}
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func (d DataItem) validate() error {
	if d.Expression == nil && d.Static == nil {
		return errors.New("data item must set either expression or static")
	}
	if d.Expression != nil && d.Static != nil {
		return errors.New("data item must not set both expression and static")
	}
	if d.Expression != nil && (d.Expression.Key == "" || d.Expression.Value == "") {
		return errors.New("expression data item requires key and value")
	}
	if d.Static != nil && d.Static.Key == "" {
		return errors.New("static data item requires key")
	}
	return nil
}
