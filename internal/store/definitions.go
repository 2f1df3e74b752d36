package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

const definitionColumns = `id, skill_key, display_name, description, scope_type, scope_id, enabled, created_by, created_at, updated_at`

func scanDefinition(row pgx.Row) (*skill.Definition, error) {
	var d skill.Definition
	err := row.Scan(&d.ID, &d.Key, &d.DisplayName, &d.Description, &d.ScopeType, &d.ScopeID,
		&d.Enabled, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CreateDefinition inserts a new definition. A definition with the same
// (key, scope) is a conflict.
func (s *Store) CreateDefinition(ctx context.Context, d *skill.Definition) error {
	if d.ID == "" {
		d.ID = newID()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO skill_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.Key, d.DisplayName, d.Description, string(d.ScopeType), d.ScopeID,
		d.Enabled, d.CreatedBy, d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return skill.Errorf(skill.CodeConflict, http.StatusConflict, "skill %s already exists in scope %s", d.Key, d.ScopeType)
	}
	if err != nil {
		return fmt.Errorf("create definition %s: %w", d.Key, err)
	}
	return nil
}

// GetDefinition returns the definition for key in the given scope.
func (s *Store) GetDefinition(ctx context.Context, key string, scopeType skill.ScopeType, scopeID string) (*skill.Definition, error) {
	d, err := scanDefinition(s.db.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM skill_definitions
		WHERE skill_key = $1 AND scope_type = $2 AND scope_id = $3`,
		key, string(scopeType), scopeID))
	if err != nil {
		return nil, fmt.Errorf("get definition %s: %w", key, notFound(err))
	}
	return d, nil
}

// ListVisibleDefinitions returns enabled global definitions plus enabled
// definitions owned by tenantID.
func (s *Store) ListVisibleDefinitions(ctx context.Context, tenantID string) ([]skill.Definition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+definitionColumns+`
		FROM skill_definitions
		WHERE enabled AND ((scope_type = 'global' AND scope_id = '') OR (scope_type = 'tenant' AND scope_id = $1))
		ORDER BY skill_key, scope_type`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []skill.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

// SetDefinitionEnabled toggles a definition.
func (s *Store) SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE skill_definitions SET enabled = $2, updated_at = $3 WHERE id = $1`,
		id, enabled, time.Now())
	if err != nil {
		return fmt.Errorf("set definition %s enabled: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set definition %s enabled: %w", id, skill.ErrNotFound)
	}
	return nil
}

const versionColumns = `id, definition_id, version, status, manifest, checksum, created_by, published_at, created_at, updated_at`

func scanVersion(row pgx.Row) (*skill.Version, error) {
	var (
		v        skill.Version
		manifest []byte
	)
	err := row.Scan(&v.ID, &v.DefinitionID, &v.Version, &v.Status, &manifest, &v.Checksum,
		&v.CreatedBy, &v.PublishedAt, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(manifest, &v.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", v.Version, err)
	}
	return &v, nil
}

// CreateVersion inserts a draft version.
func (s *Store) CreateVersion(ctx context.Context, v *skill.Version) error {
	if v.ID == "" {
		v.ID = newID()
	}
	manifest, err := json.Marshal(v.Manifest)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	_, err = s.db.Exec(ctx, `
		INSERT INTO skill_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		v.ID, v.DefinitionID, v.Version, string(v.Status), manifest, v.Checksum,
		v.CreatedBy, v.PublishedAt, v.CreatedAt, v.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return skill.Errorf(skill.CodeConflict, http.StatusConflict, "version %s already exists", v.Version)
	}
	if err != nil {
		return fmt.Errorf("create version %s: %w", v.Version, err)
	}
	return nil
}

// GetVersion returns a specific version of a definition.
func (s *Store) GetVersion(ctx context.Context, definitionID, version string) (*skill.Version, error) {
	v, err := scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM skill_versions WHERE definition_id = $1 AND version = $2`,
		definitionID, version))
	if err != nil {
		return nil, fmt.Errorf("get version %s: %w", version, notFound(err))
	}
	return v, nil
}

// GetActiveVersion returns the active version of a definition.
func (s *Store) GetActiveVersion(ctx context.Context, definitionID string) (*skill.Version, error) {
	v, err := scanVersion(s.db.QueryRow(ctx, `
		SELECT `+versionColumns+`
		FROM skill_versions WHERE definition_id = $1 AND status = 'active'
		ORDER BY updated_at DESC LIMIT 1`,
		definitionID))
	if err != nil {
		return nil, fmt.Errorf("get active version: %w", notFound(err))
	}
	return v, nil
}

// ActivateVersion deprecates the current active version of the definition
// and activates the named one in a single transaction.
func (s *Store) ActivateVersion(ctx context.Context, definitionID, version string, at time.Time) (*skill.Version, error) {
	var out *skill.Version
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE skill_versions SET status = 'deprecated', updated_at = $3
			WHERE definition_id = $1 AND status = 'active' AND version <> $2`,
			definitionID, version, at); err != nil {
			return fmt.Errorf("deprecate active: %w", err)
		}
		v, err := scanVersion(tx.QueryRow(ctx, `
			UPDATE skill_versions
			SET status = 'active', published_at = $3, updated_at = $3
			WHERE definition_id = $1 AND version = $2
			RETURNING `+versionColumns,
			definitionID, version, at))
		if err != nil {
			return notFound(err)
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("activate version %s: %w", version, err)
	}
	return out, nil
}
