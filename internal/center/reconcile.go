package center

import (
	"context"
	"strings"

	"github.com/nidhogg/nuka-skills/internal/runtime"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// ReconcileInput is the payload of Reconcile. Engine defaults to the
// configured engine and AgentScope to the tenant.
type ReconcileInput struct {
	AgentScope string       `json:"agentScope"`
	Engine     skill.Engine `json:"engine"`
	Capability string       `json:"capability"`
}

// Reconcile converges the runtime mount for a tenant scope.
func (s *Service) Reconcile(ctx context.Context, tenantID string, in ReconcileInput) (*runtime.Result, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	engine := in.Engine
	if engine == "" {
		engine = s.cfg.DefaultEngine
	}
	if engine != skill.EngineLocal && engine != skill.EngineOpenClaw {
		return nil, skill.Invalid("engine must be local or openclaw, got %q", engine)
	}
	scope := strings.TrimSpace(in.AgentScope)
	if scope == "" {
		scope = tenantID
	}
	return s.reconciler.Reconcile(ctx, runtime.Request{
		TenantID:   tenantID,
		AgentScope: scope,
		Engine:     engine,
		Capability: strings.TrimSpace(in.Capability),
	})
}

// ListMounts returns the tenant's mounts, most recently updated first.
func (s *Service) ListMounts(ctx context.Context, tenantID string) ([]skill.Mount, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	mounts, err := s.store.ListMounts(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if mounts == nil {
		mounts = []skill.Mount{}
	}
	return mounts, nil
}
