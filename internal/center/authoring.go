package center

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/runtime"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// CreateSkillInput is the payload of CreateSkill.
type CreateSkillInput struct {
	Key         string          `json:"skillKey"`
	DisplayName string          `json:"displayName"`
	Description string          `json:"description"`
	ScopeType   skill.ScopeType `json:"scopeType"`
	ScopeID     string          `json:"scopeId"`
	Enabled     *bool           `json:"enabled"`
}

// CreateSkill registers a new skill definition. Scope defaults to the
// caller's tenant.
func (s *Service) CreateSkill(ctx context.Context, tenantID, actor string, in CreateSkillInput) (*skill.Definition, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(in.Key)
	displayName := strings.TrimSpace(in.DisplayName)
	if !skill.ValidKey(key) {
		return nil, skill.Invalid("skillKey must match ^[a-zA-Z0-9_-]+$")
	}
	if displayName == "" {
		return nil, skill.Invalid("displayName is required")
	}
	scopeType, scopeID, err := definitionScope(tenantID, in.ScopeType, in.ScopeID)
	if err != nil {
		return nil, err
	}

	def := &skill.Definition{
		Key:         key,
		DisplayName: displayName,
		Description: strings.TrimSpace(in.Description),
		ScopeType:   scopeType,
		ScopeID:     scopeID,
		Enabled:     in.Enabled == nil || *in.Enabled,
		CreatedBy:   actor,
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.logger.Info("skill created",
		zap.String("tenant_id", tenantID),
		zap.String("skill_key", key),
		zap.String("scope_type", string(scopeType)))
	return def, nil
}

func definitionScope(tenantID string, scopeType skill.ScopeType, scopeID string) (skill.ScopeType, string, error) {
	switch scopeType {
	case "", skill.ScopeTenant:
		if scopeID == "" {
			scopeID = tenantID
		}
		return skill.ScopeTenant, scopeID, nil
	case skill.ScopeGlobal:
		return skill.ScopeGlobal, "", nil
	}
	return "", "", skill.Invalid("definition scopeType must be global or tenant, got %q", scopeType)
}

// findDefinition looks up key at an explicit scope, or tenant first and then
// global when no scope is given.
func (s *Service) findDefinition(ctx context.Context, tenantID, key string, scopeType skill.ScopeType, scopeID string) (*skill.Definition, error) {
	if scopeType != "" {
		st, sid, err := definitionScope(tenantID, scopeType, scopeID)
		if err != nil {
			return nil, err
		}
		def, err := s.store.GetDefinition(ctx, key, st, sid)
		if errors.Is(err, skill.ErrNotFound) {
			return nil, skill.NotFound("skill %s not found in scope %s", key, st)
		}
		return def, err
	}

	def, err := s.store.GetDefinition(ctx, key, skill.ScopeTenant, tenantID)
	if err == nil {
		return def, nil
	}
	if !errors.Is(err, skill.ErrNotFound) {
		return nil, err
	}
	def, err = s.store.GetDefinition(ctx, key, skill.ScopeGlobal, "")
	if errors.Is(err, skill.ErrNotFound) {
		return nil, skill.NotFound("skill %s not found", key)
	}
	return def, err
}

// CreateVersionInput is the payload of CreateVersion.
type CreateVersionInput struct {
	Version   string          `json:"version"`
	Manifest  skill.Manifest  `json:"manifest"`
	ScopeType skill.ScopeType `json:"scopeType"`
	ScopeID   string          `json:"scopeId"`
}

// CreateVersion stores a draft manifest version for a skill.
func (s *Service) CreateVersion(ctx context.Context, tenantID, actor, key string, in CreateVersionInput) (*skill.Version, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	version := strings.TrimSpace(in.Version)
	if version == "" {
		return nil, skill.Invalid("version is required")
	}
	def, err := s.findDefinition(ctx, tenantID, key, in.ScopeType, in.ScopeID)
	if err != nil {
		return nil, err
	}

	manifest := in.Manifest.Normalized(def.Key, def.DisplayName)
	if err := manifest.Validate(def.Key); err != nil {
		return nil, err
	}
	v := &skill.Version{
		DefinitionID: def.ID,
		Version:      version,
		Status:       skill.VersionDraft,
		Manifest:     manifest,
		Checksum:     manifest.Checksum(),
		CreatedBy:    actor,
	}
	if err := s.store.CreateVersion(ctx, v); err != nil {
		return nil, err
	}
	s.logger.Info("skill version created",
		zap.String("skill_key", def.Key),
		zap.String("version", version),
		zap.String("checksum", v.Checksum))
	return v, nil
}

// PublishInput is the payload of PublishVersion. The release rule scope
// defaults to the definition's own scope.
type PublishInput struct {
	RolloutPercent *int            `json:"rolloutPercent"`
	ScopeType      skill.ScopeType `json:"scopeType"`
	ScopeID        string          `json:"scopeId"`
}

// PublishResult reports what a publish changed.
type PublishResult struct {
	Version    *skill.Version     `json:"version"`
	Rule       *skill.ReleaseRule `json:"releaseRule"`
	ExportPath string             `json:"exportPath,omitempty"`
}

// NormalizeRollout clamps a rollout percentage to 0..100, defaulting to 100.
func NormalizeRollout(p *int) int {
	if p == nil {
		return 100
	}
	return min(max(*p, 0), 100)
}

// PublishVersion activates a version and (re)writes its release rule.
func (s *Service) PublishVersion(ctx context.Context, tenantID, actor, key, version string, in PublishInput) (*PublishResult, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	def, err := s.findDefinition(ctx, tenantID, key, "", "")
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetVersion(ctx, def.ID, version)
	if errors.Is(err, skill.ErrNotFound) {
		return nil, skill.NotFound("version %s@%s not found", key, version)
	}
	if err != nil {
		return nil, err
	}
	if err := current.Manifest.Validate(def.Key); err != nil {
		return nil, err
	}

	ruleScope, ruleScopeID := def.ScopeType, def.ScopeID
	if in.ScopeType != "" {
		ruleScope, ruleScopeID, err = definitionScope(tenantID, in.ScopeType, in.ScopeID)
		if err != nil {
			return nil, err
		}
	}

	activated, err := s.store.ActivateVersion(ctx, def.ID, version, s.now().UTC())
	if err != nil {
		return nil, err
	}
	rule := &skill.ReleaseRule{
		DefinitionID:   def.ID,
		Version:        version,
		ScopeType:      ruleScope,
		ScopeID:        ruleScopeID,
		RolloutPercent: NormalizeRollout(in.RolloutPercent),
		Active:         true,
	}
	if err := s.store.SaveReleaseRule(ctx, rule); err != nil {
		return nil, err
	}

	source := skill.SourceTenant
	if def.ScopeType == skill.ScopeGlobal {
		source = skill.SourceGlobal
	}
	manifest := activated.Manifest
	path, err := s.exporter.Export(runtime.Snapshot{
		TenantID:    tenantID,
		Key:         def.Key,
		Version:     version,
		DisplayName: manifest.DisplayName,
		Description: manifest.Description,
		Source:      source,
		Actions:     skill.ActionsFor(def.Key, manifest.Operations),
		Manifest:    &manifest,
	})
	if err != nil {
		s.logger.Warn("publish snapshot export failed", zap.String("skill_key", def.Key), zap.Error(err))
	}

	entry := &skill.PublishLog{
		DefinitionID:   def.ID,
		SkillKey:       def.Key,
		Version:        version,
		ScopeType:      rule.ScopeType,
		ScopeID:        rule.ScopeID,
		RolloutPercent: rule.RolloutPercent,
		ExportPath:     path,
		PublishedBy:    actor,
		Metadata: map[string]any{
			"releaseRuleId": rule.ID,
			"checksum":      activated.Checksum,
		},
	}
	if err := s.store.SavePublishLog(ctx, entry); err != nil {
		s.logger.Warn("publish log write failed", zap.String("skill_key", def.Key), zap.Error(err))
	}

	s.logger.Info("skill version published",
		zap.String("tenant_id", tenantID),
		zap.String("skill_key", def.Key),
		zap.String("version", version),
		zap.Int("rollout_percent", rule.RolloutPercent))
	return &PublishResult{Version: activated, Rule: rule, ExportPath: path}, nil
}

// SetSkillEnabled toggles a definition on or off.
func (s *Service) SetSkillEnabled(ctx context.Context, tenantID, key string, enabled bool, scopeType skill.ScopeType, scopeID string) (*skill.Definition, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	def, err := s.findDefinition(ctx, tenantID, key, scopeType, scopeID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDefinitionEnabled(ctx, def.ID, enabled); err != nil {
		return nil, err
	}
	def.Enabled = enabled
	return def, nil
}

// BindingInput is the payload of UpsertBinding.
type BindingInput struct {
	ScopeType      skill.ScopeType `json:"scopeType"`
	ScopeID        string          `json:"scopeId"`
	SkillKey       string          `json:"skillKey"`
	Priority       *int            `json:"priority"`
	Enabled        *bool           `json:"enabled"`
	RolloutPercent *int            `json:"rolloutPercent"`
	PinnedVersion  string          `json:"pinnedVersion"`
}

// UpsertBinding creates or replaces the binding for (scope, skill key).
func (s *Service) UpsertBinding(ctx context.Context, tenantID string, in BindingInput) (*skill.Binding, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(in.SkillKey)
	if !skill.ValidKey(key) {
		return nil, skill.Invalid("skillKey must match ^[a-zA-Z0-9_-]+$")
	}

	scopeType, scopeID := in.ScopeType, strings.TrimSpace(in.ScopeID)
	switch scopeType {
	case "", skill.ScopeTenant:
		scopeType, scopeID = skill.ScopeTenant, tenantID
	case skill.ScopeAgent, skill.ScopeCapability:
		if scopeID == "" {
			return nil, skill.Invalid("scopeId is required for %s bindings", scopeType)
		}
	default:
		return nil, skill.Invalid("binding scopeType must be tenant, agent or capability, got %q", scopeType)
	}

	priority := 100
	if in.Priority != nil {
		priority = *in.Priority
	}
	b := &skill.Binding{
		TenantID:       tenantID,
		ScopeType:      scopeType,
		ScopeID:        scopeID,
		SkillKey:       key,
		Priority:       priority,
		Enabled:        in.Enabled == nil || *in.Enabled,
		RolloutPercent: NormalizeRollout(in.RolloutPercent),
		PinnedVersion:  strings.TrimSpace(in.PinnedVersion),
	}
	if err := s.store.UpsertBinding(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// DisableBinding turns a tenant's binding off.
func (s *Service) DisableBinding(ctx context.Context, tenantID, id string) (*skill.Binding, error) {
	if err := s.requireCenter(); err != nil {
		return nil, err
	}
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	b, err := s.store.DisableBinding(ctx, tenantID, id)
	if errors.Is(err, skill.ErrNotFound) {
		return nil, skill.NotFound("binding %s not found", id)
	}
	return b, err
}
