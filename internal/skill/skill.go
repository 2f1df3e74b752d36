package skill

import (
	"encoding/json"
	"time"
)

// ScopeType names the level a definition, release rule or binding applies to.
type ScopeType string

const (
	ScopeGlobal     ScopeType = "global"
	ScopeTenant     ScopeType = "tenant"
	ScopeAgent      ScopeType = "agent"
	ScopeCapability ScopeType = "capability"
)

// Source tells where a catalog item came from.
type Source string

const (
	SourceGlobal  Source = "global"
	SourceTenant  Source = "tenant"
	SourceBuiltin Source = "builtin"
)

// VersionStatus is the lifecycle state of a SkillVersion.
type VersionStatus string

const (
	VersionDraft      VersionStatus = "draft"
	VersionActive     VersionStatus = "active"
	VersionDeprecated VersionStatus = "deprecated"
)

// RiskLevel classifies how dangerous an operation is to run from a fuzzy match.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Definition is the identity of a skill at global or tenant scope.
// At most one definition exists per (Key, ScopeType, ScopeID).
type Definition struct {
	ID          string    `json:"id"`
	Key         string    `json:"skillKey"`
	DisplayName string    `json:"displayName"`
	Description string    `json:"description,omitempty"`
	ScopeType   ScopeType `json:"scopeType"`
	ScopeID     string    `json:"scopeId,omitempty"` // empty for global
	Enabled     bool      `json:"enabled"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Version is one manifest revision of a Definition.
type Version struct {
	ID           string        `json:"id"`
	DefinitionID string        `json:"definitionId"`
	Version      string        `json:"version"`
	Status       VersionStatus `json:"status"`
	Manifest     Manifest      `json:"manifest"`
	Checksum     string        `json:"checksum"`
	CreatedBy    string        `json:"createdBy,omitempty"`
	PublishedAt  *time.Time    `json:"publishedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Manifest describes the operations a skill version exposes.
type Manifest struct {
	Key          string          `json:"key,omitempty" yaml:"key,omitempty"`
	DisplayName  string          `json:"displayName" yaml:"displayName"`
	Description  string          `json:"description,omitempty" yaml:"description,omitempty"`
	Version      string          `json:"version,omitempty" yaml:"version,omitempty"`
	Operations   []Operation     `json:"operations" yaml:"operations"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty" yaml:"-"`
	RuntimeHints map[string]any  `json:"runtimeHints,omitempty" yaml:"runtimeHints,omitempty"`
}

// Operation is a single callable entry of a manifest.
type Operation struct {
	Name        string      `json:"name" yaml:"name"`
	DisplayName string      `json:"displayName,omitempty" yaml:"displayName,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	RiskLevel   RiskLevel   `json:"riskLevel,omitempty" yaml:"riskLevel,omitempty"`
	Run         *RunBinding `json:"run,omitempty" yaml:"run,omitempty"`
}

// RunBinding names the executable agent behind an operation.
type RunBinding struct {
	AgentID       string         `json:"agentId" yaml:"agentId"`
	Operation     string         `json:"operation,omitempty" yaml:"operation,omitempty"`
	InputTemplate map[string]any `json:"inputTemplate,omitempty" yaml:"inputTemplate,omitempty"`
}

// ReleaseRule gates a (definition, version) pair behind a rollout percentage.
type ReleaseRule struct {
	ID             string    `json:"id"`
	DefinitionID   string    `json:"definitionId"`
	Version        string    `json:"version"`
	ScopeType      ScopeType `json:"scopeType"`
	ScopeID        string    `json:"scopeId,omitempty"`
	RolloutPercent int       `json:"rolloutPercent"`
	Active         bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Binding is a tenant-scoped override for one skill key.
type Binding struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	ScopeType      ScopeType `json:"scopeType"`
	ScopeID        string    `json:"scopeId"`
	SkillKey       string    `json:"skillKey"`
	Priority       int       `json:"priority"`
	Enabled        bool      `json:"enabled"`
	RolloutPercent int       `json:"rolloutPercent"`
	PinnedVersion  string    `json:"pinnedVersion,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// BindingScope selects bindings by (type, id).
type BindingScope struct {
	Type ScopeType
	ID   string
}

// Action is an invocable operation in a resolved catalog.
type Action struct {
	ID          string     `json:"actionId"`
	SkillKey    string     `json:"skillKey"`
	Operation   string     `json:"operation"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Run         RunBinding `json:"run"`
	RiskLevel   RiskLevel  `json:"riskLevel,omitempty"`
}

// AppliedBinding records a binding that was evaluated against a catalog item.
// Active is false when the binding lost its rollout bucket or was shadowed
// by a higher-priority binding.
type AppliedBinding struct {
	BindingID      string    `json:"bindingId,omitempty"`
	ScopeType      ScopeType `json:"scopeType"`
	ScopeID        string    `json:"scopeId"`
	Priority       int       `json:"priority"`
	Enabled        bool      `json:"enabled"`
	RolloutPercent int       `json:"rolloutPercent"`
	PinnedVersion  string    `json:"pinnedVersion,omitempty"`
	Active         bool      `json:"active"`
}

// CatalogItem is one visible skill version for a tenant scope.
type CatalogItem struct {
	Key          string           `json:"key"`
	DisplayName  string           `json:"displayName"`
	Description  string           `json:"description,omitempty"`
	Source       Source           `json:"source"`
	ScopeType    ScopeType        `json:"scopeType"`
	ScopeID      string           `json:"scopeId,omitempty"`
	DefinitionID string           `json:"definitionId,omitempty"`
	Version      string           `json:"version"`
	Status       VersionStatus    `json:"status"`
	Actions      []Action         `json:"actions"`
	Binding      *AppliedBinding  `json:"binding,omitempty"`
	Bindings     []AppliedBinding `json:"bindings,omitempty"`
}

// Catalog is the output of catalog resolution.
type Catalog struct {
	Items    []CatalogItem `json:"items"`
	Warnings []string      `json:"warnings"`
}

// Find returns the item with the given key.
func (c *Catalog) Find(key string) (*CatalogItem, bool) {
	for i := range c.Items {
		if c.Items[i].Key == key {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// ActionsFor converts manifest operations into catalog actions. Operations
// without an executable agent are dropped.
func ActionsFor(skillKey string, ops []Operation) []Action {
	actions := make([]Action, 0, len(ops))
	for _, op := range ops {
		if op.Run == nil || op.Run.AgentID == "" {
			continue
		}
		name := op.DisplayName
		if name == "" {
			name = op.Name
		}
		actions = append(actions, Action{
			ID:          skillKey + ":" + op.Name,
			SkillKey:    skillKey,
			Operation:   op.Name,
			Name:        name,
			Description: op.Description,
			Run:         *op.Run,
			RiskLevel:   op.RiskLevel,
		})
	}
	return actions
}
