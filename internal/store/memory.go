package store

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

// MemoryStore is an in-process implementation of the skill store used by
// tests and by deployments without PostgreSQL. All operations are thread-safe.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]*skill.Definition // id → definition
	versions    map[string]*skill.Version    // id → version
	rules       map[string]*skill.ReleaseRule
	bindings    map[string]*skill.Binding
	mounts      map[string]*skill.Mount // tenant/engine/scope → mount
	invocations []skill.InvocationLog
	publishes   []skill.PublishLog
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]*skill.Definition),
		versions:    make(map[string]*skill.Version),
		rules:       make(map[string]*skill.ReleaseRule),
		bindings:    make(map[string]*skill.Binding),
		mounts:      make(map[string]*skill.Mount),
	}
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (m *MemoryStore) CreateDefinition(_ context.Context, d *skill.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.definitions {
		if existing.Key == d.Key && existing.ScopeType == d.ScopeType && existing.ScopeID == d.ScopeID {
			return skill.Errorf(skill.CodeConflict, http.StatusConflict, "skill %s already exists in scope %s", d.Key, d.ScopeType)
		}
	}
	if d.ID == "" {
		d.ID = newID()
	}
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	m.definitions[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, key string, scopeType skill.ScopeType, scopeID string) (*skill.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.definitions {
		if d.Key == key && d.ScopeType == scopeType && d.ScopeID == scopeID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get definition %s: %w", key, skill.ErrNotFound)
}

func (m *MemoryStore) ListVisibleDefinitions(_ context.Context, tenantID string) ([]skill.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []skill.Definition
	for _, d := range m.definitions {
		if !d.Enabled {
			continue
		}
		if (d.ScopeType == skill.ScopeGlobal && d.ScopeID == "") ||
			(d.ScopeType == skill.ScopeTenant && d.ScopeID == tenantID) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].ScopeType < out[j].ScopeType
	})
	return out, nil
}

func (m *MemoryStore) SetDefinitionEnabled(_ context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[id]
	if !ok {
		return fmt.Errorf("set definition %s enabled: %w", id, skill.ErrNotFound)
	}
	d.Enabled = enabled
	d.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateVersion(_ context.Context, v *skill.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.versions {
		if existing.DefinitionID == v.DefinitionID && existing.Version == v.Version {
			return skill.Errorf(skill.CodeConflict, http.StatusConflict, "version %s already exists", v.Version)
		}
	}
	if v.ID == "" {
		v.ID = newID()
	}
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	cp := *v
	m.versions[v.ID] = &cp
	return nil
}

func (m *MemoryStore) GetVersion(_ context.Context, definitionID, version string) (*skill.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.DefinitionID == definitionID && v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get version %s: %w", version, skill.ErrNotFound)
}

func (m *MemoryStore) GetActiveVersion(_ context.Context, definitionID string) (*skill.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions {
		if v.DefinitionID == definitionID && v.Status == skill.VersionActive {
			cp := *v
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("get active version: %w", skill.ErrNotFound)
}

func (m *MemoryStore) ActivateVersion(_ context.Context, definitionID, version string, at time.Time) (*skill.Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *skill.Version
	for _, v := range m.versions {
		if v.DefinitionID == definitionID && v.Version == version {
			target = v
		}
	}
	if target == nil {
		return nil, fmt.Errorf("activate version %s: %w", version, skill.ErrNotFound)
	}
	for _, v := range m.versions {
		if v.DefinitionID == definitionID && v.Status == skill.VersionActive && v != target {
			v.Status = skill.VersionDeprecated
			v.UpdatedAt = at
		}
	}
	target.Status = skill.VersionActive
	published := at
	target.PublishedAt = &published
	target.UpdatedAt = at
	cp := *target
	return &cp, nil
}

func (m *MemoryStore) FindReleaseRule(_ context.Context, definitionID, version, tenantID string) (*skill.ReleaseRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var global *skill.ReleaseRule
	for _, r := range m.rules {
		if r.DefinitionID != definitionID || r.Version != version || !r.Active {
			continue
		}
		if r.ScopeType == skill.ScopeTenant && r.ScopeID == tenantID {
			cp := *r
			return &cp, nil
		}
		if r.ScopeType == skill.ScopeGlobal && r.ScopeID == "" {
			global = r
		}
	}
	if global != nil {
		cp := *global
		return &cp, nil
	}
	return nil, fmt.Errorf("find release rule: %w", skill.ErrNotFound)
}

func (m *MemoryStore) SaveReleaseRule(_ context.Context, r *skill.ReleaseRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var existing *skill.ReleaseRule
	for _, other := range m.rules {
		if other.DefinitionID != r.DefinitionID || other.ScopeType != r.ScopeType || other.ScopeID != r.ScopeID {
			continue
		}
		other.Active = false
		other.UpdatedAt = now
		if other.Version == r.Version {
			existing = other
		}
	}
	if existing != nil {
		existing.RolloutPercent = r.RolloutPercent
		existing.Active = r.Active
		existing.UpdatedAt = now
		*r = *existing
		return nil
	}
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt, r.UpdatedAt = now, now
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) UpsertBinding(_ context.Context, b *skill.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, existing := range m.bindings {
		if existing.TenantID == b.TenantID && existing.ScopeType == b.ScopeType &&
			existing.ScopeID == b.ScopeID && existing.SkillKey == b.SkillKey {
			existing.Priority = b.Priority
			existing.Enabled = b.Enabled
			existing.RolloutPercent = b.RolloutPercent
			existing.PinnedVersion = b.PinnedVersion
			existing.UpdatedAt = now
			*b = *existing
			return nil
		}
	}
	if b.ID == "" {
		b.ID = newID()
	}
	b.CreatedAt, b.UpdatedAt = now, now
	cp := *b
	m.bindings[b.ID] = &cp
	return nil
}

func (m *MemoryStore) DisableBinding(_ context.Context, tenantID, id string) (*skill.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok || b.TenantID != tenantID {
		return nil, fmt.Errorf("disable binding %s: %w", id, skill.ErrNotFound)
	}
	b.Enabled = false
	b.UpdatedAt = time.Now()
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBindings(_ context.Context, tenantID string, scopes []skill.BindingScope) ([]skill.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []skill.Binding
	for _, b := range m.bindings {
		if b.TenantID != tenantID {
			continue
		}
		for _, sc := range scopes {
			if b.ScopeType == sc.Type && b.ScopeID == sc.ID {
				out = append(out, *b)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func mountKey(tenantID string, engine skill.Engine, agentScope string) string {
	return tenantID + "/" + string(engine) + "/" + agentScope
}

func (m *MemoryStore) GetMount(_ context.Context, tenantID string, engine skill.Engine, agentScope string) (*skill.Mount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.mounts[mountKey(tenantID, engine, agentScope)]
	if !ok {
		return nil, fmt.Errorf("get mount: %w", skill.ErrNotFound)
	}
	cp := *mt
	return &cp, nil
}

func (m *MemoryStore) SaveMount(_ context.Context, mt *skill.Mount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	key := mountKey(mt.TenantID, mt.Engine, mt.AgentScope)
	if existing, ok := m.mounts[key]; ok {
		mt.ID = existing.ID
		mt.CreatedAt = existing.CreatedAt
	} else {
		if mt.ID == "" {
			mt.ID = newID()
		}
		mt.CreatedAt = now
	}
	if mt.LastReconcileAt.IsZero() {
		mt.LastReconcileAt = now
	}
	mt.UpdatedAt = now
	cp := *mt
	m.mounts[key] = &cp
	return nil
}

func (m *MemoryStore) ListMounts(_ context.Context, tenantID string) ([]skill.Mount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []skill.Mount
	for _, mt := range m.mounts {
		if mt.TenantID == tenantID {
			out = append(out, *mt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) SaveInvocationLog(_ context.Context, l *skill.InvocationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = newID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.invocations = append(m.invocations, *l)
	return nil
}

func (m *MemoryStore) SavePublishLog(_ context.Context, l *skill.PublishLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l.ID == "" {
		l.ID = newID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m.publishes = append(m.publishes, *l)
	return nil
}

// InvocationLogs returns a copy of the recorded parse audit rows.
func (m *MemoryStore) InvocationLogs() []skill.InvocationLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]skill.InvocationLog(nil), m.invocations...)
}

// PublishLogs returns a copy of the recorded publish audit rows.
func (m *MemoryStore) PublishLogs() []skill.PublishLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]skill.PublishLog(nil), m.publishes...)
}
