package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

// SaveInvocationLog appends a parse audit row.
func (s *Store) SaveInvocationLog(ctx context.Context, l *skill.InvocationLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	warnings, err := json.Marshal(nonNilStrings(l.Warnings))
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	args, err := json.Marshal(nonNilMap(l.Args))
	if err != nil {
		return fmt.Errorf("encode args: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO skill_invocation_logs (
			id, tenant_id, conversation_id, session_id, trace_id, matched, skill_key, operation,
			source, confidence, status, warnings, args, raw_input, error_code, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		l.ID, l.TenantID, l.ConversationID, l.SessionID, l.TraceID, l.Matched, l.SkillKey, l.Operation,
		l.Source, l.Confidence, l.Status, warnings, args, l.RawInput, l.ErrorCode, l.ErrorMessage, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save invocation log %s: %w", l.TraceID, err)
	}
	return nil
}

// SavePublishLog appends a publish audit row.
func (s *Store) SavePublishLog(ctx context.Context, l *skill.PublishLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	metadata, err := json.Marshal(nonNilMap(l.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO skill_publish_logs (
			id, definition_id, skill_key, version, scope_type, scope_id, rollout_percent,
			export_path, published_by, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		l.ID, l.DefinitionID, l.SkillKey, l.Version, string(l.ScopeType), l.ScopeID, l.RolloutPercent,
		l.ExportPath, l.PublishedBy, metadata, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save publish log %s@%s: %w", l.SkillKey, l.Version, err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nonNilMap(v map[string]any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	return v
}
