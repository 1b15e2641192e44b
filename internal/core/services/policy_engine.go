package services

import (
	"log/slog"
	"sync/atomic"

	"github.com/sufield/pqmesh/internal/core/domain"
)

// PolicyEngine evaluates the access-control ruleset against authenticated
// peers. The compiled ruleset is published copy-on-write: Reload swaps the
// whole snapshot atomically and in-flight evaluations continue against the
// ruleset they captured.
type PolicyEngine struct {
	current atomic.Pointer[domain.Ruleset]
	logger  *slog.Logger
}

// NewPolicyEngine creates an engine serving the given compiled ruleset.
func NewPolicyEngine(ruleset *domain.Ruleset, logger *slog.Logger) *PolicyEngine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &PolicyEngine{logger: logger}
	e.current.Store(ruleset)
	return e
}

// Evaluate decides one (peer, protocol, method) triple. Evaluation is
// deterministic and holds no per-connection state.
func (e *PolicyEngine) Evaluate(in domain.EvalInput) domain.Decision {
	ruleset := e.current.Load()
	decision := ruleset.Evaluate(in)
	if decision.Allowed {
		recordPolicyDecision("allow", decision.Reason)
		return decision
	}
	recordPolicyDecision("deny", decision.Reason)
	e.logger.Info("policy denied request",
		"peer", in.PeerID,
		"protocol", in.Protocol,
		"reason", decision.Reason)
	return decision
}

// Reload atomically publishes a new ruleset.
func (e *PolicyEngine) Reload(ruleset *domain.Ruleset) {
	e.current.Store(ruleset)
	e.logger.Info("policy ruleset reloaded", "id", ruleset.ID, "rules", ruleset.Len())
}

// Snapshot returns the currently published ruleset.
func (e *PolicyEngine) Snapshot() *domain.Ruleset {
	return e.current.Load()
}
