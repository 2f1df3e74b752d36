package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

func ps(key, version, sum string) skill.PlanSkill {
	return skill.PlanSkill{Key: key, Version: version, Checksum: sum}
}

func TestBuildPlanDiff(t *testing.T) {
	previous := []skill.PlanSkill{ps("alpha", "1", "a1"), ps("beta", "1", "b1"), ps("gamma", "1", "g1")}
	current := []skill.PlanSkill{ps("gamma", "1", "g2"), ps("alpha", "1", "a1"), ps("delta", "1", "d1")}

	plan := BuildPlan(current, previous)
	assert.Equal(t, []string{"load:delta@1", "load:gamma@1"}, plan.LoadActions)
	assert.Equal(t, []string{"unload:beta@1"}, plan.UnloadActions)
	assert.Equal(t, "alpha", plan.Skills[0].Key)
	assert.Equal(t, "gamma", plan.Skills[2].Key)
}

func TestBuildPlanEmpty(t *testing.T) {
	plan := BuildPlan(nil, nil)
	assert.NotEmpty(t, plan.DesiredHash)
	assert.Empty(t, plan.LoadActions)
	assert.NotNil(t, plan.LoadActions)
	assert.Equal(t, DesiredHash([]skill.PlanSkill{}), plan.DesiredHash)
}

func TestDesiredHashIgnoresExportPath(t *testing.T) {
	a := ps("alpha", "1", "a1")
	b := a
	b.ExportPath = "/tmp/x.json"
	assert.Equal(t, DesiredHash([]skill.PlanSkill{a}), DesiredHash([]skill.PlanSkill{b}))
	assert.NotEqual(t, DesiredHash([]skill.PlanSkill{a}), DesiredHash([]skill.PlanSkill{ps("alpha", "1", "a2")}))
}

func TestDesiredHashIsOrderIndependent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 8).Draw(t, "n")
		skills := make([]skill.PlanSkill, n)
		for i := range skills {
			skills[i] = ps(fmt.Sprintf("skill_%d", i), rapid.SampledFrom([]string{"1.0.0", "2.0.0"}).Draw(t, "v"), rapid.String().Draw(t, "sum"))
		}
		perm := rapid.Permutation(skills).Draw(t, "perm")
		if DesiredHash(skills) != DesiredHash(perm) {
			t.Fatalf("hash depends on order")
		}
		if got := BuildPlan(perm, skills); len(got.LoadActions) != 0 || len(got.UnloadActions) != 0 {
			t.Fatalf("unchanged set produced actions: %v %v", got.LoadActions, got.UnloadActions)
		}
	})
}

type versionsFunc func(ctx context.Context, defID, version string) (*skill.Version, error)

func (f versionsFunc) GetVersion(ctx context.Context, defID, version string) (*skill.Version, error) {
	return f(ctx, defID, version)
}

func TestChecksumResolver(t *testing.T) {
	ctx := context.Background()
	builtin := item("alpha", "1.0.0")
	stored := skill.CatalogItem{Key: "beta", Version: "2.0.0", Source: skill.SourceTenant, DefinitionID: "def-1"}

	c := NewChecksumResolver(versionsFunc(func(_ context.Context, defID, version string) (*skill.Version, error) {
		if defID == "def-1" && version == "2.0.0" {
			return &skill.Version{Checksum: "stored-sum"}, nil
		}
		return nil, skill.ErrNotFound
	}))

	sum1, warn := c.Checksum(ctx, "t1", builtin)
	assert.Empty(t, warn)
	sum2, _ := c.Checksum(ctx, "t2", builtin)
	assert.NotEqual(t, sum1, sum2)

	sum, warn := c.Checksum(ctx, "t1", stored)
	assert.Equal(t, "stored-sum", sum)
	assert.Empty(t, warn)

	failing := NewChecksumResolver(versionsFunc(func(context.Context, string, string) (*skill.Version, error) {
		return nil, errors.New("db down")
	}))
	sum, warn = failing.Checksum(ctx, "t1", stored)
	assert.Equal(t, skill.HashHex([]byte("t1:beta:2.0.0")), sum)
	assert.Contains(t, warn, "beta@2.0.0")
}
