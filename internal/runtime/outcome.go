package runtime

import "github.com/nidhogg/nuka-skills/internal/skill"

// Outcome is the terminal state of one reconcile call.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeAppliedDegraded Outcome = "applied_degraded"
	OutcomeFailed          Outcome = "failed"
	OutcomeSkipped         Outcome = "skipped"
)

// Status maps the outcome to the persisted mount status. Unknown outcomes
// map to failed.
func (o Outcome) Status() skill.MountStatus {
	switch o {
	case OutcomeApplied, OutcomeAppliedDegraded:
		return skill.MountApplied
	case OutcomeSkipped:
		return skill.MountSkipped
	}
	return skill.MountFailed
}

// Degraded reports whether the outcome converged without the remote runtime.
func (o Outcome) Degraded() bool { return o == OutcomeAppliedDegraded }

// Policy decides what a failed remote apply turns into.
type Policy string

const (
	PolicyStrict        Policy = "strict_openclaw"
	PolicyFallbackLocal Policy = "fallback_local"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	return p == PolicyStrict || p == PolicyFallbackLocal
}

// OnApplyFailure returns the outcome of a failed apply on engine.
func (p Policy) OnApplyFailure(engine skill.Engine) Outcome {
	if p == PolicyFallbackLocal && engine != skill.EngineLocal {
		return OutcomeAppliedDegraded
	}
	return OutcomeFailed
}
