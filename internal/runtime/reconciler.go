// Package runtime turns resolved catalogs into content-addressed plans and
// applies them to local or remote skill runtimes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/metrics"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// CatalogSource resolves the catalog a reconcile call plans from.
type CatalogSource interface {
	Resolve(ctx context.Context, req catalog.Request) (*skill.Catalog, error)
}

// MountStore persists mounts.
type MountStore interface {
	GetMount(ctx context.Context, tenantID string, engine skill.Engine, agentScope string) (*skill.Mount, error)
	SaveMount(ctx context.Context, m *skill.Mount) error
}

// Config holds reconcile behaviour switches.
type Config struct {
	Policy      Policy
	SyncEnabled bool
	Gateway     GatewayConfig
}

// Deps are the collaborators of a Reconciler. Exporter, Locker and Metrics
// may be nil.
type Deps struct {
	Catalogs CatalogSource
	Mounts   MountStore
	Versions VersionStore
	Exporter *Exporter
	Locker   Locker
	Metrics  *metrics.Collector
}

// Request identifies one reconcile scope.
type Request struct {
	TenantID   string       `json:"tenantId"`
	AgentScope string       `json:"agentScope"`
	Engine     skill.Engine `json:"engine"`
	Capability string       `json:"capability,omitempty"`
}

// Result is returned to the caller of Reconcile.
type Result struct {
	Status   skill.MountStatus `json:"status"`
	Outcome  Outcome           `json:"outcome"`
	Plan     skill.Plan        `json:"plan"`
	Message  string            `json:"message,omitempty"`
	Degraded bool              `json:"degraded"`
	Attempts int               `json:"attempts"`
	TraceID  string            `json:"traceId"`
	Mount    *skill.Mount      `json:"mount,omitempty"`
}

// Reconciler drives the per-scope mount state machine.
type Reconciler struct {
	cfg       Config
	catalogs  CatalogSource
	mounts    MountStore
	checksums *ChecksumResolver
	exporter  *Exporter
	gateway   *GatewayClient
	locker    Locker
	metrics   *metrics.Collector
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewReconciler wires a Reconciler. A nil Locker gets an in-process one.
func NewReconciler(cfg Config, deps Deps, logger *zap.Logger) *Reconciler {
	if cfg.Policy == "" {
		cfg.Policy = PolicyStrict
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewLocalLocker()
	}
	r := &Reconciler{
		cfg:       cfg,
		catalogs:  deps.Catalogs,
		mounts:    deps.Mounts,
		checksums: NewChecksumResolver(deps.Versions),
		exporter:  deps.Exporter,
		locker:    locker,
		metrics:   deps.Metrics,
		logger:    logger.With(zap.String("component", "reconciler")),
		tracer:    otel.Tracer("github.com/nidhogg/nuka-skills/internal/runtime"),
		now:       time.Now,
	}
	if cfg.SyncEnabled && cfg.Gateway.URL != "" {
		r.gateway = NewGatewayClient(cfg.Gateway, logger, deps.Metrics)
	}
	return r
}

func (r *Reconciler) validate(req Request) error {
	if req.TenantID == "" {
		return skill.Errorf(skill.CodeConfig, http.StatusBadRequest, "tenantId is required")
	}
	if req.AgentScope == "" {
		return skill.Errorf(skill.CodeConfig, http.StatusBadRequest, "agentScope is required")
	}
	switch req.Engine {
	case skill.EngineLocal:
	case skill.EngineOpenClaw:
		if r.cfg.SyncEnabled && r.cfg.Gateway.URL == "" {
			return skill.Errorf(skill.CodeConfig, http.StatusBadRequest, "runtime gateway url is required when sync is enabled")
		}
	default:
		return skill.Errorf(skill.CodeConfig, http.StatusBadRequest, "unknown engine %q", req.Engine)
	}
	return nil
}

// Reconcile converges the mount for req onto the currently resolved catalog.
// A concurrent call for the same scope fails with a conflict error.
func (r *Reconciler) Reconcile(ctx context.Context, req Request) (*Result, error) {
	if err := r.validate(req); err != nil {
		return nil, err
	}

	key := LockKey(string(req.Engine), req.TenantID, req.AgentScope)
	release, err := r.locker.TryLock(ctx, key)
	if errors.Is(err, ErrLocked) {
		return nil, skill.Errorf(skill.CodeReconcileConflict, http.StatusConflict,
			"reconcile already running for %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	defer release()

	traceID := uuid.Must(uuid.NewV7()).String()
	ctx, span := r.tracer.Start(ctx, "runtime.Reconcile", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("agent.scope", req.AgentScope),
		attribute.String("engine", string(req.Engine)),
		attribute.String("trace.id", traceID),
	))
	defer span.End()

	res, err := r.reconcile(ctx, req, traceID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	return res, nil
}

func (r *Reconciler) reconcile(ctx context.Context, req Request, traceID string) (*Result, error) {
	start := r.now()
	timings := map[string]int64{}
	log := r.logger.With(
		zap.String("tenant_id", req.TenantID),
		zap.String("agent_scope", req.AgentScope),
		zap.String("engine", string(req.Engine)),
		zap.String("trace_id", traceID))

	phase := r.now()
	cat, err := r.catalogs.Resolve(ctx, catalog.Request{
		TenantID:   req.TenantID,
		AgentScope: req.AgentScope,
		Capability: req.Capability,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve catalog: %w", err)
	}
	prev, err := r.mounts.GetMount(ctx, req.TenantID, req.Engine, req.AgentScope)
	if err != nil && !errors.Is(err, skill.ErrNotFound) {
		return nil, fmt.Errorf("load mount: %w", err)
	}
	if errors.Is(err, skill.ErrNotFound) {
		prev = nil
	}
	timings["resolveMs"] = r.now().Sub(phase).Milliseconds()

	phase = r.now()
	warnings := append([]string(nil), cat.Warnings...)
	skills := make([]skill.PlanSkill, len(cat.Items))
	itemWarnings := make([]string, len(cat.Items))
	var g errgroup.Group
	g.SetLimit(8)
	for i, item := range cat.Items {
		g.Go(func() error {
			sum, warn := r.checksums.Checksum(ctx, req.TenantID, item)
			itemWarnings[i] = warn
			skills[i] = skill.PlanSkill{Key: item.Key, Version: item.Version, Checksum: sum}
			path, err := r.exporter.Export(SnapshotOf(req.TenantID, item))
			if err != nil {
				return fmt.Errorf("export %s@%s: %w", item.Key, item.Version, err)
			}
			skills[i].ExportPath = path
			return nil
		})
	}
	exportErr := g.Wait()
	for _, w := range itemWarnings {
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	var previous []skill.PlanSkill
	if prev != nil {
		previous = prev.Details.AppliedSkills
	}
	plan := BuildPlan(skills, previous)
	timings["planMs"] = r.now().Sub(phase).Milliseconds()

	mount := r.baseMount(req, prev, plan.DesiredHash)
	mount.Details = skill.MountDetails{
		Warnings:      warnings,
		LoadActions:   plan.LoadActions,
		UnloadActions: plan.UnloadActions,
		TraceID:       traceID,
		TimingsMs:     timings,
	}
	if prev != nil {
		mount.Details.AppliedSkills = prev.Details.AppliedSkills
	}

	if exportErr != nil {
		log.Error("snapshot export failed", zap.Error(exportErr))
		mount.Details.Error = exportErr.Error()
		return r.finish(ctx, log, mount, plan, OutcomeFailed, "snapshot export failed", start)
	}

	if prev != nil && prev.AppliedHash != "" && prev.AppliedHash == plan.DesiredHash {
		return r.finish(ctx, log, mount, plan, OutcomeSkipped, "desired hash already applied", start)
	}

	mount.Status = skill.MountPending
	if err := r.mounts.SaveMount(context.WithoutCancel(ctx), mount); err != nil {
		return nil, fmt.Errorf("save pending mount: %w", err)
	}

	phase = r.now()
	applyErr := r.apply(ctx, req, plan, traceID, &mount.Details)
	timings["applyMs"] = r.now().Sub(phase).Milliseconds()

	if applyErr == nil {
		mount.AppliedHash = plan.DesiredHash
		mount.Details.AppliedSkills = plan.Skills
		return r.finish(ctx, log, mount, plan, OutcomeApplied, "", start)
	}

	mount.Details.Error = applyErr.Error()
	outcome := r.cfg.Policy.OnApplyFailure(req.Engine)
	if outcome == OutcomeAppliedDegraded {
		mount.AppliedHash = plan.DesiredHash
		mount.Details.AppliedSkills = plan.Skills
		mount.Details.DegradedReason = applyErr.Error()
		log.Warn("remote apply failed, converging locally", zap.Error(applyErr))
		return r.finish(ctx, log, mount, plan, outcome, "applied locally: "+applyErr.Error(), start)
	}
	log.Error("remote apply failed", zap.Error(applyErr))
	return r.finish(ctx, log, mount, plan, outcome, applyErr.Error(), start)
}

func (r *Reconciler) baseMount(req Request, prev *skill.Mount, desiredHash string) *skill.Mount {
	m := &skill.Mount{
		TenantID:    req.TenantID,
		Engine:      req.Engine,
		AgentScope:  req.AgentScope,
		DesiredHash: desiredHash,
	}
	if prev != nil {
		m.ID = prev.ID
		m.AppliedHash = prev.AppliedHash
		m.CreatedAt = prev.CreatedAt
	}
	return m
}

// apply pushes the plan to the engine. Local engines and remote engines with
// sync disabled succeed without I/O.
func (r *Reconciler) apply(ctx context.Context, req Request, plan skill.Plan, traceID string, details *skill.MountDetails) error {
	if req.Engine == skill.EngineLocal {
		details.GatewaySummary = map[string]any{"executionMode": "local"}
		return nil
	}
	if !r.cfg.SyncEnabled || r.gateway == nil {
		details.GatewaySummary = map[string]any{"executionMode": "sync_disabled"}
		return nil
	}

	res, err := r.gateway.Reload(ctx, ReloadRequest{
		TenantID:      req.TenantID,
		AgentScope:    req.AgentScope,
		DesiredHash:   plan.DesiredHash,
		Skills:        plan.Skills,
		LoadActions:   plan.LoadActions,
		UnloadActions: plan.UnloadActions,
		TraceID:       traceID,
	})
	if err != nil {
		var gerr *GatewayError
		if errors.As(err, &gerr) {
			details.Attempts = gerr.Attempts
			details.Retries = max(gerr.Attempts-1, 0)
			details.GatewayResponse = gerr.Body
		}
		return err
	}

	details.Attempts = res.Attempts
	details.Retries = res.Attempts - 1
	details.GatewayResponse = res.Body
	summary := map[string]any{"statusCode": res.StatusCode}
	if ack := res.Response; ack != nil {
		summary["executionMode"] = ack.ExecutionMode
		summary["acceptedAtMs"] = ack.AcceptedAtMs
		if ack.Summary != nil {
			summary["summary"] = ack.Summary
		}
	}
	details.GatewaySummary = summary
	return nil
}

// finish persists the terminal state. Saving is an upsert keyed by scope, so
// a repeated finish with the same values is harmless. The write outlives the
// caller's context so a cancelled request cannot strand the mount in pending.
func (r *Reconciler) finish(ctx context.Context, log *zap.Logger, mount *skill.Mount, plan skill.Plan, outcome Outcome, message string, start time.Time) (*Result, error) {
	now := r.now()
	mount.Status = outcome.Status()
	mount.LastReconcileAt = now
	mount.Details.Outcome = string(outcome)
	mount.Details.Degraded = outcome.Degraded()
	if outcome == OutcomeApplied || outcome == OutcomeAppliedDegraded {
		at := now.UTC()
		mount.Details.AppliedAt = &at
	}
	mount.Details.TimingsMs["totalMs"] = now.Sub(start).Milliseconds()

	if err := r.mounts.SaveMount(context.WithoutCancel(ctx), mount); err != nil {
		return nil, fmt.Errorf("save %s mount: %w", mount.Status, err)
	}

	r.metrics.ObserveReconcile(string(mount.Engine), string(outcome), now.Sub(start))
	log.Info("reconcile finished",
		zap.String("outcome", string(outcome)),
		zap.String("desired_hash", plan.DesiredHash),
		zap.Int("skills", len(plan.Skills)),
		zap.Int("attempts", mount.Details.Attempts))

	return &Result{
		Status:   mount.Status,
		Outcome:  outcome,
		Plan:     plan,
		Message:  message,
		Degraded: outcome.Degraded(),
		Attempts: mount.Details.Attempts,
		TraceID:  mount.Details.TraceID,
		Mount:    mount,
	}, nil
}
