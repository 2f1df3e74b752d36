package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

const bindingColumns = `id, tenant_id, scope_type, scope_id, skill_key, priority, enabled, rollout_percent, pinned_version, created_at, updated_at`

func scanBinding(row pgx.Row) (*skill.Binding, error) {
	var b skill.Binding
	err := row.Scan(&b.ID, &b.TenantID, &b.ScopeType, &b.ScopeID, &b.SkillKey, &b.Priority,
		&b.Enabled, &b.RolloutPercent, &b.PinnedVersion, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpsertBinding inserts or updates the binding identified by
// (tenant, scope type, scope id, skill key). b.ID is replaced by the stored id.
func (s *Store) UpsertBinding(ctx context.Context, b *skill.Binding) error {
	if b.ID == "" {
		b.ID = newID()
	}
	now := time.Now()
	err := s.db.QueryRow(ctx, `
		INSERT INTO skill_bindings (`+bindingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (tenant_id, scope_type, scope_id, skill_key) DO UPDATE SET
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			rollout_percent = EXCLUDED.rollout_percent,
			pinned_version = EXCLUDED.pinned_version,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at`,
		b.ID, b.TenantID, string(b.ScopeType), b.ScopeID, b.SkillKey, b.Priority,
		b.Enabled, b.RolloutPercent, b.PinnedVersion, now,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert binding %s: %w", b.SkillKey, err)
	}
	return nil
}

// DisableBinding sets enabled=false on a tenant's binding.
func (s *Store) DisableBinding(ctx context.Context, tenantID, id string) (*skill.Binding, error) {
	b, err := scanBinding(s.db.QueryRow(ctx, `
		UPDATE skill_bindings SET enabled = FALSE, updated_at = $3
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+bindingColumns,
		id, tenantID, time.Now()))
	if err != nil {
		return nil, fmt.Errorf("disable binding %s: %w", id, notFound(err))
	}
	return b, nil
}

// ListBindings returns a tenant's bindings matching any of scopes.
func (s *Store) ListBindings(ctx context.Context, tenantID string, scopes []skill.BindingScope) ([]skill.Binding, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	types := make([]string, len(scopes))
	ids := make([]string, len(scopes))
	for i, sc := range scopes {
		types[i] = string(sc.Type)
		ids[i] = sc.ID
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+bindingColumns+`
		FROM skill_bindings
		WHERE tenant_id = $1
		  AND (scope_type, scope_id) IN (SELECT * FROM unnest($2::text[], $3::text[]))
		ORDER BY priority DESC, created_at`,
		tenantID, types, ids)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []skill.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}
