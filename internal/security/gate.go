package security

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chakravyuh/internal/config"
	"github.com/fyrsmithlabs/chakravyuh/internal/logging"
)

var tracer = otel.Tracer("chakravyuh.security")

// ErrInvalidPolicy indicates an unusable role map, PII pattern or allowlist.
var ErrInvalidPolicy = errors.New("invalid security policy")

// ReasonInsufficientRole is the rejection reason for failed access checks.
const ReasonInsufficientRole = "insufficient role"

// AdversarialReason formats the rejection reason for a detection.
func AdversarialReason(c Category) string {
	return "adversarial: " + string(c)
}

// Verdict is the gate's decision for one request.
type Verdict struct {
	Allowed    bool        `json:"allowed"`
	Reason     string      `json:"reason,omitempty"`
	Redactions []Redaction `json:"redactions,omitempty"`
}

// Allow is the verdict for an admitted request.
func Allow() Verdict { return Verdict{Allowed: true} }

// Reject builds a rejection verdict.
func Reject(reason string) Verdict { return Verdict{Reason: reason} }

// Gate applies adversarial detection and access control to inbound queries
// and masking to outbound text. All collaborators are fixed at
// construction.
type Gate struct {
	detector Detector
	policy   *Policy
	masker   Masker
	logger   *logging.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDetector replaces the adversarial detector. nil disables detection.
func WithDetector(d Detector) GateOption {
	return func(g *Gate) { g.detector = d }
}

// WithMasker replaces the outbound masker.
func WithMasker(m Masker) GateOption {
	return func(g *Gate) {
		if m != nil {
			g.masker = m
		}
	}
}

// WithGateLogger sets the logger.
func WithGateLogger(l *logging.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate creates a gate over policy with the regex detector and the
// default PII masker.
func NewGate(policy *Policy, opts ...GateOption) (*Gate, error) {
	if policy == nil {
		return nil, fmt.Errorf("%w: policy required", ErrInvalidPolicy)
	}
	masker, err := NewPIIMasker(nil)
	if err != nil {
		return nil, err
	}
	g := &Gate{
		detector: NewRegexDetector(),
		policy:   policy,
		masker:   masker,
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// FromConfig builds a Gate from the security section.
func FromConfig(cfg config.SecurityConfig, logger *logging.Logger) (*Gate, error) {
	policy, err := NewPolicy(cfg.Roles)
	if err != nil {
		return nil, err
	}

	var maskerOpts []MaskerOption
	if !cfg.DisableSecretScan {
		path, err := config.ExpandPath(cfg.AllowlistPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		allowlist, err := LoadAllowlist(path)
		if err != nil {
			return nil, err
		}
		scanner, err := NewGitleaksScanner(allowlist)
		if err != nil {
			return nil, err
		}
		maskerOpts = append(maskerOpts, WithSecretScanner(scanner))
	}
	masker, err := NewPIIMasker(cfg.PIIPatterns, maskerOpts...)
	if err != nil {
		return nil, err
	}

	opts := []GateOption{WithMasker(masker), WithGateLogger(logger)}
	if cfg.DisableAdversarial {
		opts = append(opts, WithDetector(nil))
	}
	return NewGate(policy, opts...)
}

// Admit runs the inbound checks in order: adversarial detection, then
// access control against required. The first failure is terminal.
func (g *Gate) Admit(ctx context.Context, principal Principal, query string, required ...Capability) Verdict {
	ctx, span := tracer.Start(ctx, "Gate.Admit")
	defer span.End()

	if g.detector != nil {
		if d := g.detector.Detect(query); d.Flagged {
			v := Reject(AdversarialReason(d.Category))
			g.record(ctx, StageAdversarial, v, zap.String("category", string(d.Category)))
			span.SetAttributes(attribute.String("verdict.reason", v.Reason))
			return v
		}
	}
	g.record(ctx, StageAdversarial, Allow())

	if !g.policy.Allows(principal, required...) {
		v := Reject(ReasonInsufficientRole)
		g.record(ctx, StageAccess, v, zap.Strings("roles", principal.Roles))
		span.SetAttributes(attribute.String("verdict.reason", v.Reason))
		return v
	}
	g.record(ctx, StageAccess, Allow())

	span.SetAttributes(attribute.Bool("verdict.allowed", true))
	return Allow()
}

// Mask applies the outbound masker.
func (g *Gate) Mask(text string) (string, []Redaction) {
	masked, redactions := g.masker.Mask(text)
	for _, r := range redactions {
		RedactionsTotal.WithLabelValues(r.Type).Inc()
	}
	return masked, redactions
}

// MaskString is Mask without the redaction list.
func (g *Gate) MaskString(text string) string {
	masked, _ := g.Mask(text)
	return masked
}

// Policy returns the role map in force.
func (g *Gate) Policy() *Policy { return g.policy }

func (g *Gate) record(ctx context.Context, stage string, v Verdict, fields ...zap.Field) {
	result := "allowed"
	if !v.Allowed {
		result = "rejected"
		g.logger.Warn(ctx, "request rejected",
			append(fields, zap.String("stage", stage), zap.String("reason", v.Reason))...)
	}
	DecisionsTotal.WithLabelValues(stage, result).Inc()
}
