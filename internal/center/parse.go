package center

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/intent"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// ParseInput is one user input to parse against the tenant's catalog.
type ParseInput struct {
	Text           string         `json:"text"`
	Composer       map[string]any `json:"composer,omitempty"`
	AgentScope     string         `json:"agentScope,omitempty"`
	Capability     string         `json:"capability,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
}

// ParseResult pairs the intent with the catalog warnings it was parsed under.
type ParseResult struct {
	Intent          *intent.Intent `json:"intent"`
	CatalogWarnings []string       `json:"catalogWarnings"`
}

// ParseDebug parses input for operators. It is refused when the parser is
// off, and in production unless explicitly allowed.
func (s *Service) ParseDebug(ctx context.Context, tenantID string, in ParseInput) (*ParseResult, error) {
	if !s.cfg.ParserEnabled {
		return nil, skill.Errorf(skill.CodeParserDisabled, http.StatusServiceUnavailable, "skill input parser is disabled")
	}
	if s.cfg.Production && !s.cfg.ParseDebugAllowInProd {
		return nil, skill.Errorf(skill.CodeParseDebugForbidden, http.StatusForbidden, "parse debug is not available in production")
	}
	return s.parse(ctx, tenantID, in)
}

// ParseFromChat parses a chat message. It returns nil when the parser is off.
func (s *Service) ParseFromChat(ctx context.Context, tenantID string, in ParseInput) (*intent.Intent, error) {
	if !s.cfg.ParserEnabled {
		return nil, nil
	}
	res, err := s.parse(ctx, tenantID, in)
	if err != nil {
		return nil, err
	}
	return res.Intent, nil
}

func (s *Service) parse(ctx context.Context, tenantID string, in ParseInput) (*ParseResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	agentScope := in.AgentScope
	if agentScope == "" {
		agentScope = tenantID
	}
	cat, err := s.Catalog(ctx, catalog.Request{TenantID: tenantID, AgentScope: agentScope, Capability: in.Capability})
	if err != nil {
		return nil, err
	}

	it := s.parser.Parse(intent.Input{Text: in.Text, Composer: in.Composer, Catalog: cat.Items})
	s.metrics.ObserveParse(string(it.Source), string(it.Status))
	s.recordInvocation(ctx, tenantID, in, it)

	return &ParseResult{Intent: it, CatalogWarnings: cat.Warnings}, nil
}

// recordInvocation writes the audit row. Failures are logged, never returned.
func (s *Service) recordInvocation(ctx context.Context, tenantID string, in ParseInput, it *intent.Intent) {
	entry := &skill.InvocationLog{
		TenantID:       tenantID,
		ConversationID: in.ConversationID,
		SessionID:      in.SessionID,
		TraceID:        it.TraceID,
		Matched:        it.Matched,
		SkillKey:       it.SkillKey,
		Operation:      it.Operation,
		Source:         string(it.Source),
		Confidence:     math.Round(it.Confidence*100) / 100,
		Status:         string(it.Status),
		Warnings:       it.Warnings,
		Args:           it.Args,
		RawInput:       rawInput(in),
	}
	if it.Status == intent.StatusFailed {
		entry.ErrorCode = skill.CodeParseFailed
		entry.ErrorMessage = strings.Join(it.Warnings, "; ")
	}
	if err := s.store.SaveInvocationLog(ctx, entry); err != nil {
		s.logger.Warn("invocation log write failed",
			zap.String("tenant_id", tenantID),
			zap.String("trace_id", it.TraceID),
			zap.Error(err))
	}
}

func rawInput(in ParseInput) string {
	if in.Text != "" || len(in.Composer) == 0 {
		return in.Text
	}
	data, err := json.Marshal(in.Composer)
	if err != nil {
		return ""
	}
	return string(data)
}
