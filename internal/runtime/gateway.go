package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/metrics"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Reload protocol versions.
const (
	ProtocolV1 = "v1"
	ProtocolV2 = "v2"
)

// ErrorClass classifies gateway failures for retry decisions.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassTerminal  ErrorClass = "terminal"
	ClassContract  ErrorClass = "contract"
)

const maxBodySnippet = 512

// GatewayError is a failed reload, after retries where applicable.
type GatewayError struct {
	Class      ErrorClass
	StatusCode int
	Attempts   int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	msg := fmt.Sprintf("gateway reload %s failure", e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *GatewayError) Unwrap() error { return e.Err }

// GatewayConfig configures the remote runtime reload endpoint.
type GatewayConfig struct {
	URL          string
	Token        string
	Protocol     string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// ReloadRequest is the plan pushed to the remote runtime.
type ReloadRequest struct {
	TenantID      string
	AgentScope    string
	DesiredHash   string
	Skills        []skill.PlanSkill
	LoadActions   []string
	UnloadActions []string
	TraceID       string
}

type reloadBodyV1 struct {
	TenantID    string            `json:"tenantId"`
	AgentScope  string            `json:"agentScope"`
	DesiredHash string            `json:"desiredHash"`
	Skills      []skill.PlanSkill `json:"skills"`
}

type reloadBodyV2 struct {
	TenantID        string            `json:"tenantId"`
	AgentScope      string            `json:"agentScope"`
	DesiredHash     string            `json:"desiredHash"`
	Skills          []skill.PlanSkill `json:"skills"`
	LoadActions     []string          `json:"loadActions"`
	UnloadActions   []string          `json:"unloadActions"`
	TraceID         string            `json:"traceId"`
	ProtocolVersion string            `json:"protocolVersion"`
}

// ReloadResponse is the v2 acknowledgement.
type ReloadResponse struct {
	OK            bool           `json:"ok"`
	ExecutionMode string         `json:"executionMode"`
	TenantID      string         `json:"tenantId"`
	AgentScope    string         `json:"agentScope"`
	DesiredHash   string         `json:"desiredHash"`
	AcceptedAtMs  int64          `json:"acceptedAtMs"`
	Summary       map[string]any `json:"summary,omitempty"`
}

// ReloadResult describes a successful reload.
type ReloadResult struct {
	Attempts   int
	StatusCode int
	Body       string
	Response   *ReloadResponse
}

// GatewayClient pushes plans to the remote runtime with bounded retries.
type GatewayClient struct {
	cfg     GatewayConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Collector
	sleep   func(time.Duration)
}

// NewGatewayClient creates a client. Unset timeouts and protocol fall back
// to 5s and v2.
func NewGatewayClient(cfg GatewayConfig, logger *zap.Logger, m *metrics.Collector) *GatewayClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Protocol == "" {
		cfg.Protocol = ProtocolV2
	}
	return &GatewayClient{
		cfg:     cfg,
		client:  &http.Client{},
		logger:  logger.With(zap.String("component", "gateway")),
		metrics: m,
		sleep:   time.Sleep,
	}
}

func (c *GatewayClient) endpoint() string {
	return strings.TrimRight(c.cfg.URL, "/") + "/skills/reload"
}

// Reload sends req, retrying transient failures up to MaxRetries times with
// linear backoff. Attempts are detached from ctx cancellation so an
// in-flight reload is never abandoned half way.
func (c *GatewayClient) Reload(ctx context.Context, req ReloadRequest) (*ReloadResult, error) {
	body, err := c.encode(req)
	if err != nil {
		return nil, &GatewayError{Class: ClassTerminal, Err: err}
	}

	maxAttempts := 1 + c.cfg.MaxRetries
	var lastErr *GatewayError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		res, gerr := c.attempt(ctx, body, req)
		if gerr == nil {
			c.metrics.ObserveGatewayAttempt("ok", time.Since(start))
			res.Attempts = attempt
			return res, nil
		}
		c.metrics.ObserveGatewayAttempt(string(gerr.Class), time.Since(start))
		gerr.Attempts = attempt
		lastErr = gerr

		c.logger.Warn("gateway reload attempt failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("agent_scope", req.AgentScope),
			zap.String("trace_id", req.TraceID),
			zap.Int("attempt", attempt),
			zap.String("class", string(gerr.Class)),
			zap.Error(gerr))

		if gerr.Class != ClassTransient || attempt == maxAttempts {
			break
		}
		c.sleep(c.cfg.RetryBackoff * time.Duration(attempt))
	}
	return nil, lastErr
}

func (c *GatewayClient) encode(req ReloadRequest) ([]byte, error) {
	skills := req.Skills
	if skills == nil {
		skills = []skill.PlanSkill{}
	}
	if c.cfg.Protocol == ProtocolV1 {
		return json.Marshal(reloadBodyV1{
			TenantID:    req.TenantID,
			AgentScope:  req.AgentScope,
			DesiredHash: req.DesiredHash,
			Skills:      skills,
		})
	}
	return json.Marshal(reloadBodyV2{
		TenantID:        req.TenantID,
		AgentScope:      req.AgentScope,
		DesiredHash:     req.DesiredHash,
		Skills:          skills,
		LoadActions:     nonNil(req.LoadActions),
		UnloadActions:   nonNil(req.UnloadActions),
		TraceID:         req.TraceID,
		ProtocolVersion: ProtocolV2,
	})
}

func (c *GatewayClient) attempt(ctx context.Context, body []byte, req ReloadRequest) (*ReloadResult, *GatewayError) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, &GatewayError{Class: ClassTerminal, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if req.TraceID != "" {
		httpReq.Header.Set("X-Trace-ID", req.TraceID)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", c.cfg.Timeout, err)
		}
		return nil, &GatewayError{Class: ClassTransient, Err: fmt.Errorf("send request: %w", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &GatewayError{Class: ClassTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	snippet := truncate(string(raw), maxBodySnippet)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		class := ClassTerminal
		if retryableStatus(resp.StatusCode) {
			class = ClassTransient
		}
		return nil, &GatewayError{Class: class, StatusCode: resp.StatusCode, Body: snippet,
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	result := &ReloadResult{StatusCode: resp.StatusCode, Body: snippet}
	if c.cfg.Protocol == ProtocolV1 {
		return result, nil
	}

	var ack ReloadResponse
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, &GatewayError{Class: ClassContract, StatusCode: resp.StatusCode, Body: snippet,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	if err := validateAck(ack, req); err != nil {
		return nil, &GatewayError{Class: ClassContract, StatusCode: resp.StatusCode, Body: snippet, Err: err}
	}
	result.Response = &ack
	return result, nil
}

func validateAck(ack ReloadResponse, req ReloadRequest) error {
	switch {
	case !ack.OK:
		return errors.New("response ok is not true")
	case ack.ExecutionMode == "":
		return errors.New("response missing executionMode")
	case ack.AcceptedAtMs <= 0:
		return errors.New("response missing acceptedAtMs")
	case ack.TenantID != req.TenantID:
		return fmt.Errorf("response tenantId %q does not match %q", ack.TenantID, req.TenantID)
	case ack.AgentScope != req.AgentScope:
		return fmt.Errorf("response agentScope %q does not match %q", ack.AgentScope, req.AgentScope)
	case ack.DesiredHash != req.DesiredHash:
		return fmt.Errorf("response desiredHash %q does not match %q", ack.DesiredHash, req.DesiredHash)
	}
	return nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
