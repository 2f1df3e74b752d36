package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

func TestOutcomeStatus(t *testing.T) {
	cases := map[Outcome]skill.MountStatus{
		OutcomeApplied:         skill.MountApplied,
		OutcomeAppliedDegraded: skill.MountApplied,
		OutcomeFailed:          skill.MountFailed,
		OutcomeSkipped:         skill.MountSkipped,
		Outcome("rolled_back"): skill.MountFailed,
	}
	for o, want := range cases {
		assert.NotPanics(t, func() { assert.Equal(t, want, o.Status(), o) })
	}
}

func TestPolicyOnApplyFailure(t *testing.T) {
	assert.Equal(t, OutcomeFailed, PolicyStrict.OnApplyFailure(skill.EngineOpenClaw))
	assert.Equal(t, OutcomeAppliedDegraded, PolicyFallbackLocal.OnApplyFailure(skill.EngineOpenClaw))
	assert.Equal(t, OutcomeFailed, PolicyFallbackLocal.OnApplyFailure(skill.EngineLocal))
}
