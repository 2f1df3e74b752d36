package skill

import "time"

// Engine identifies the runtime a mount is applied to.
type Engine string

const (
	EngineLocal    Engine = "local"
	EngineOpenClaw Engine = "openclaw"
)

// MountStatus is the persisted state of a RuntimeMount.
type MountStatus string

const (
	MountPending MountStatus = "pending"
	MountApplied MountStatus = "applied"
	MountSkipped MountStatus = "skipped"
	MountFailed  MountStatus = "failed"
)

// PlanSkill is one entry of a runtime plan.
type PlanSkill struct {
	Key        string `json:"key"`
	Version    string `json:"version"`
	Checksum   string `json:"checksum"`
	ExportPath string `json:"exportPath"`
}

// Plan is the content-addressed skill set for one scope.
type Plan struct {
	DesiredHash   string      `json:"desiredHash"`
	Skills        []PlanSkill `json:"skills"`
	LoadActions   []string    `json:"loadActions"`
	UnloadActions []string    `json:"unloadActions"`
}

// Mount is the applied state of a skill set on one (tenant, engine, agent scope).
type Mount struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenantId"`
	Engine          Engine       `json:"engine"`
	AgentScope      string       `json:"agentScope"`
	DesiredHash     string       `json:"desiredHash"`
	AppliedHash     string       `json:"appliedHash,omitempty"`
	Status          MountStatus  `json:"status"`
	Details         MountDetails `json:"details"`
	LastReconcileAt time.Time    `json:"lastReconcileAt"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// MountDetails is the diagnostic blob stored with a mount.
type MountDetails struct {
	Outcome         string           `json:"outcome,omitempty"`
	AppliedSkills   []PlanSkill      `json:"appliedSkills,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	LoadActions     []string         `json:"loadActions,omitempty"`
	UnloadActions   []string         `json:"unloadActions,omitempty"`
	TraceID         string           `json:"traceId,omitempty"`
	Attempts        int              `json:"attempts,omitempty"`
	Retries         int              `json:"retries,omitempty"`
	TimingsMs       map[string]int64 `json:"timingsMs,omitempty"`
	Degraded        bool             `json:"degraded,omitempty"`
	DegradedReason  string           `json:"degradedReason,omitempty"`
	Error           string           `json:"error,omitempty"`
	GatewayResponse string           `json:"gatewayResponse,omitempty"`
	GatewaySummary  map[string]any   `json:"gatewaySummary,omitempty"`
	AppliedAt       *time.Time       `json:"appliedAt,omitempty"`
}

// InvocationLog is the audit row written for each parsed input.
type InvocationLog struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenantId"`
	ConversationID string         `json:"conversationId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	TraceID        string         `json:"traceId"`
	Matched        bool           `json:"matched"`
	SkillKey       string         `json:"skillKey,omitempty"`
	Operation      string         `json:"operation,omitempty"`
	Source         string         `json:"source"`
	Confidence     float64        `json:"confidence"`
	Status         string         `json:"status"`
	Warnings       []string       `json:"warnings,omitempty"`
	Args           map[string]any `json:"args,omitempty"`
	RawInput       string         `json:"rawInput,omitempty"`
	ErrorCode      string         `json:"errorCode,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// PublishLog is the audit row written when a version is published.
type PublishLog struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definitionId"`
	SkillKey       string         `json:"skillKey"`
	Version        string         `json:"version"`
	ScopeType      ScopeType      `json:"scopeType"`
	ScopeID        string         `json:"scopeId,omitempty"`
	RolloutPercent int            `json:"rolloutPercent"`
	ExportPath     string         `json:"exportPath,omitempty"`
	PublishedBy    string         `json:"publishedBy,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}
