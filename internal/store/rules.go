package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

const ruleColumns = `id, definition_id, version, scope_type, scope_id, rollout_percent, is_active, created_at, updated_at`

func scanRule(row pgx.Row) (*skill.ReleaseRule, error) {
	var r skill.ReleaseRule
	err := row.Scan(&r.ID, &r.DefinitionID, &r.Version, &r.ScopeType, &r.ScopeID,
		&r.RolloutPercent, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// FindReleaseRule returns the active rule gating (definition, version) for a
// tenant. A tenant-scoped rule wins over a global one.
func (s *Store) FindReleaseRule(ctx context.Context, definitionID, version, tenantID string) (*skill.ReleaseRule, error) {
	r, err := scanRule(s.db.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM skill_release_rules
		WHERE definition_id = $1 AND version = $2 AND is_active
		  AND ((scope_type = 'tenant' AND scope_id = $3) OR (scope_type = 'global' AND scope_id = ''))
		ORDER BY CASE scope_type WHEN 'tenant' THEN 0 ELSE 1 END
		LIMIT 1`,
		definitionID, version, tenantID))
	if err != nil {
		return nil, fmt.Errorf("find release rule: %w", notFound(err))
	}
	return r, nil
}

// SaveReleaseRule deactivates the other rules of the definition at the same
// scope and upserts r as the active rule.
func (s *Store) SaveReleaseRule(ctx context.Context, r *skill.ReleaseRule) error {
	if r.ID == "" {
		r.ID = newID()
	}
	now := time.Now()
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE skill_release_rules SET is_active = FALSE, updated_at = $4
			WHERE definition_id = $1 AND scope_type = $2 AND scope_id = $3`,
			r.DefinitionID, string(r.ScopeType), r.ScopeID, now); err != nil {
			return fmt.Errorf("deactivate rules: %w", err)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO skill_release_rules (`+ruleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (definition_id, version, scope_type, scope_id) DO UPDATE SET
				rollout_percent = EXCLUDED.rollout_percent,
				is_active = EXCLUDED.is_active,
				updated_at = EXCLUDED.updated_at
			RETURNING id, created_at, updated_at`,
			r.ID, r.DefinitionID, r.Version, string(r.ScopeType), r.ScopeID,
			r.RolloutPercent, r.Active, now,
		).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	})
	if err != nil {
		return fmt.Errorf("save release rule %s: %w", r.Version, err)
	}
	return nil
}
