// Package center is the skill center service: authoring, catalog lookup,
// parsing and runtime reconciliation behind one tenant-aware API.
package center

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/intent"
	"github.com/nidhogg/nuka-skills/internal/metrics"
	"github.com/nidhogg/nuka-skills/internal/runtime"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Store is everything the service persists.
type Store interface {
	catalog.Store
	runtime.MountStore

	CreateDefinition(ctx context.Context, d *skill.Definition) error
	GetDefinition(ctx context.Context, key string, scopeType skill.ScopeType, scopeID string) (*skill.Definition, error)
	SetDefinitionEnabled(ctx context.Context, id string, enabled bool) error
	CreateVersion(ctx context.Context, v *skill.Version) error
	ActivateVersion(ctx context.Context, definitionID, version string, at time.Time) (*skill.Version, error)
	SaveReleaseRule(ctx context.Context, r *skill.ReleaseRule) error
	UpsertBinding(ctx context.Context, b *skill.Binding) error
	DisableBinding(ctx context.Context, tenantID, id string) (*skill.Binding, error)
	ListMounts(ctx context.Context, tenantID string) ([]skill.Mount, error)
	SaveInvocationLog(ctx context.Context, l *skill.InvocationLog) error
	SavePublishLog(ctx context.Context, l *skill.PublishLog) error
}

// Config holds the feature switches the service honours.
type Config struct {
	CenterEnabled         bool
	ParserEnabled         bool
	DynamicActionsEnabled bool
	Production            bool
	ParseDebugAllowInProd bool
	DefaultEngine         skill.Engine
	Runtime               runtime.Config
}

// Deps are the service collaborators. Only Store is required.
type Deps struct {
	Store    Store
	Builtins *skill.Registry
	Parser   *intent.Parser
	Exporter *runtime.Exporter
	Locker   runtime.Locker
	Metrics  *metrics.Collector
	// SchemaMissing reports whether err means the skill tables do not exist.
	SchemaMissing func(err error) bool
}

// Service implements the skill center operations.
type Service struct {
	cfg        Config
	store      Store
	builtins   *skill.Registry
	resolver   *catalog.Resolver
	parser     *intent.Parser
	reconciler *runtime.Reconciler
	exporter   *runtime.Exporter
	metrics    *metrics.Collector
	logger     *zap.Logger

	schemaMissing   func(error) bool
	schemaUnhealthy atomic.Bool
	now             func() time.Time
}

// New wires a Service.
func New(cfg Config, deps Deps, logger *zap.Logger) *Service {
	if cfg.DefaultEngine == "" {
		cfg.DefaultEngine = skill.EngineLocal
	}
	builtins := deps.Builtins
	if builtins == nil {
		builtins = skill.NewRegistry()
	}
	parser := deps.Parser
	if parser == nil {
		parser = intent.NewParser(intent.Options{})
	}
	schemaMissing := deps.SchemaMissing
	if schemaMissing == nil {
		schemaMissing = func(error) bool { return false }
	}

	s := &Service{
		cfg:           cfg,
		store:         deps.Store,
		builtins:      builtins,
		resolver:      catalog.NewResolver(deps.Store, logger),
		parser:        parser,
		exporter:      deps.Exporter,
		metrics:       deps.Metrics,
		logger:        logger.With(zap.String("component", "center")),
		schemaMissing: schemaMissing,
		now:           time.Now,
	}
	s.reconciler = runtime.NewReconciler(cfg.Runtime, runtime.Deps{
		Catalogs: catalogSource{s},
		Mounts:   deps.Store,
		Versions: deps.Store,
		Exporter: deps.Exporter,
		Locker:   deps.Locker,
		Metrics:  deps.Metrics,
	}, logger)
	return s
}

func (s *Service) requireCenter() error {
	if !s.cfg.CenterEnabled {
		return skill.Errorf(skill.CodeCenterDisabled, http.StatusServiceUnavailable, "skill center is disabled")
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return skill.Invalid("tenantId is required")
	}
	return nil
}

// catalogSource feeds the reconciler. Unlike Catalog it never degrades to
// the built-ins: a resolve failure aborts the reconcile so an outage cannot
// plan an unload of every stored skill.
type catalogSource struct{ s *Service }

func (c catalogSource) Resolve(ctx context.Context, req catalog.Request) (*skill.Catalog, error) {
	if c.s.schemaUnhealthy.Load() {
		return nil, errSchemaMissing(nil)
	}
	resolved, err := c.s.resolver.Resolve(ctx, req)
	if err != nil {
		if c.s.schemaMissing(err) {
			c.s.schemaUnhealthy.Store(true)
			return nil, errSchemaMissing(err)
		}
		return nil, err
	}
	return mergeBuiltins(c.s.builtins.Catalog(), resolved), nil
}

func errSchemaMissing(cause error) error {
	e := skill.Errorf(skill.CodeSchemaMissing, http.StatusServiceUnavailable, "skill center schema is missing")
	e.Cause = cause
	return e
}
