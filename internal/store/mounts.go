package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

const mountColumns = `id, tenant_id, engine, agent_scope, desired_hash, applied_hash, status, details, last_reconcile_at, created_at, updated_at`

func scanMount(row pgx.Row) (*skill.Mount, error) {
	var (
		m       skill.Mount
		details []byte
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.Engine, &m.AgentScope, &m.DesiredHash, &m.AppliedHash,
		&m.Status, &details, &m.LastReconcileAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &m.Details); err != nil {
			return nil, fmt.Errorf("decode mount details: %w", err)
		}
	}
	return &m, nil
}

// GetMount returns the mount for (tenant, engine, agent scope).
func (s *Store) GetMount(ctx context.Context, tenantID string, engine skill.Engine, agentScope string) (*skill.Mount, error) {
	m, err := scanMount(s.db.QueryRow(ctx, `
		SELECT `+mountColumns+`
		FROM skill_runtime_mounts
		WHERE tenant_id = $1 AND engine = $2 AND agent_scope = $3`,
		tenantID, string(engine), agentScope))
	if err != nil {
		return nil, fmt.Errorf("get mount: %w", notFound(err))
	}
	return m, nil
}

// SaveMount upserts a mount keyed by (tenant, engine, agent scope). Saving
// the same values twice leaves the row unchanged apart from updated_at.
func (s *Store) SaveMount(ctx context.Context, m *skill.Mount) error {
	if m.ID == "" {
		m.ID = newID()
	}
	details, err := json.Marshal(m.Details)
	if err != nil {
		return fmt.Errorf("encode mount details: %w", err)
	}
	now := time.Now()
	if m.LastReconcileAt.IsZero() {
		m.LastReconcileAt = now
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO skill_runtime_mounts (`+mountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tenant_id, engine, agent_scope) DO UPDATE SET
			desired_hash = EXCLUDED.desired_hash,
			applied_hash = EXCLUDED.applied_hash,
			status = EXCLUDED.status,
			details = EXCLUDED.details,
			last_reconcile_at = EXCLUDED.last_reconcile_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`,
		m.ID, m.TenantID, string(m.Engine), m.AgentScope, m.DesiredHash, m.AppliedHash,
		string(m.Status), details, m.LastReconcileAt, now,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save mount %s/%s: %w", m.Engine, m.AgentScope, err)
	}
	return nil
}

// ListMounts returns a tenant's mounts, most recently updated first.
func (s *Store) ListMounts(ctx context.Context, tenantID string) ([]skill.Mount, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+mountColumns+`
		FROM skill_runtime_mounts
		WHERE tenant_id = $1
		ORDER BY updated_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list mounts: %w", err)
	}
	defer rows.Close()

	var out []skill.Mount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan mount: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
