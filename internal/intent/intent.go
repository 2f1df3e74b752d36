package intent

// Status is the outcome of a parse.
type Status string

const (
	StatusParsed            Status = "parsed"
	StatusIgnored           Status = "ignored"
	StatusFailed            Status = "failed"
	StatusAwaitingSelection Status = "awaiting_selection"
)

// Source names the strategy that produced an intent.
type Source string

const (
	SourceComposer        Source = "composer_action"
	SourceSlash           Source = "slash"
	SourceCodeBlock       Source = "codeblock"
	SourceLink            Source = "link_pattern"
	SourceNaturalLanguage Source = "natural_language"
	SourceNone            Source = "none"
)

// Intent is the normalized result of parsing one user input.
type Intent struct {
	Matched    bool           `json:"matched"`
	Status     Status         `json:"status"`
	SkillKey   string         `json:"skillKey,omitempty"`
	Operation  string         `json:"operation,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Source     Source         `json:"source"`
	Confidence float64        `json:"confidence"`
	TraceID    string         `json:"traceId"`
	Warnings   []string       `json:"warnings"`
	Candidates []Candidate    `json:"candidates,omitempty"`
	Execution  *Execution     `json:"execution,omitempty"`
}

// Candidate is one option surfaced when the parser needs the user to choose.
type Candidate struct {
	SkillKey   string  `json:"skillKey"`
	Operation  string  `json:"operation,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Execution binds a matched intent to the agent that runs it.
type Execution struct {
	AgentID   string         `json:"agentId"`
	Operation string         `json:"operation,omitempty"`
	Input     map[string]any `json:"input"`
}
