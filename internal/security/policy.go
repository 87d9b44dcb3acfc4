package security

import (
	"fmt"
	"slices"
	"sort"
)

// Capability is an operation a role may perform.
type Capability string

// Capabilities.
const (
	CapabilityQuery       Capability = "query"
	CapabilitySearch      Capability = "search"
	CapabilityThreatModel Capability = "threat_model"
	CapabilityEvaluate    Capability = "evaluate"
	CapabilityIngest      Capability = "ingest"
	CapabilityAudit       Capability = "audit"
)

// AllCapabilities lists every capability in a stable order.
var AllCapabilities = []Capability{CapabilityQuery, CapabilitySearch, CapabilityThreatModel, CapabilityEvaluate, CapabilityIngest, CapabilityAudit}

// Role names in the default policy.
const (
	RoleAdmin           = "admin"
	RoleSecurityAnalyst = "security_analyst"
	RoleReader          = "reader"
)

// Principal identifies the caller of a request.
type Principal struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// Policy maps roles to capabilities. It is immutable after construction
// and safe for concurrent use.
type Policy struct {
	grants map[string]map[Capability]struct{}
}

// DefaultRoles returns the built-in role map.
func DefaultRoles() map[string][]string {
	return map[string][]string{
		RoleAdmin:           {"query", "search", "threat_model", "evaluate", "ingest", "audit"},
		RoleSecurityAnalyst: {"query", "search", "threat_model"},
		RoleReader:          {"query", "search", "threat_model"},
	}
}

// NewPolicy builds a Policy from role names to capability names. A nil or
// empty map yields DefaultRoles. Unknown capability names are an error.
func NewPolicy(roles map[string][]string) (*Policy, error) {
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	p := &Policy{grants: make(map[string]map[Capability]struct{}, len(roles))}
	for role, caps := range roles {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			capability := Capability(c)
			if !slices.Contains(AllCapabilities, capability) {
				return nil, fmt.Errorf("%w: role %q grants unknown capability %q", ErrInvalidPolicy, role, c)
			}
			set[capability] = struct{}{}
		}
		p.grants[role] = set
	}
	return p, nil
}

// Allows reports whether any of the principal's roles grants every
// capability in required. Unknown roles grant nothing.
func (p *Policy) Allows(principal Principal, required ...Capability) bool {
	if len(required) == 0 {
		return true
	}
	for _, c := range required {
		if !p.grantsAny(principal.Roles, c) {
			return false
		}
	}
	return true
}

func (p *Policy) grantsAny(roles []string, c Capability) bool {
	for _, r := range roles {
		if _, ok := p.grants[r][c]; ok {
			return true
		}
	}
	return false
}

// Roles returns the configured role names, sorted.
func (p *Policy) Roles() []string {
	out := make([]string, 0, len(p.grants))
	for r := range p.grants {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
