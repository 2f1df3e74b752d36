package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Store is the read side of the skill store the resolver needs.
type Store interface {
	ListVisibleDefinitions(ctx context.Context, tenantID string) ([]skill.Definition, error)
	ListBindings(ctx context.Context, tenantID string, scopes []skill.BindingScope) ([]skill.Binding, error)
	GetActiveVersion(ctx context.Context, definitionID string) (*skill.Version, error)
	GetVersion(ctx context.Context, definitionID, version string) (*skill.Version, error)
	FindReleaseRule(ctx context.Context, definitionID, version, tenantID string) (*skill.ReleaseRule, error)
}

// Request scopes a catalog resolution.
type Request struct {
	TenantID   string
	AgentScope string
	Capability string
}

// Scopes returns the binding scopes that apply to the request.
func (r Request) Scopes() []skill.BindingScope {
	scopes := []skill.BindingScope{{Type: skill.ScopeTenant, ID: r.TenantID}}
	if r.AgentScope != "" {
		scopes = append(scopes, skill.BindingScope{Type: skill.ScopeAgent, ID: r.AgentScope})
	}
	if r.Capability != "" {
		scopes = append(scopes, skill.BindingScope{Type: skill.ScopeCapability, ID: r.Capability})
	}
	return scopes
}

// Resolver merges definitions, release rules and bindings into a catalog.
type Resolver struct {
	store  Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewResolver creates a Resolver over store.
func NewResolver(store Store, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With(zap.String("component", "catalog")),
		tracer: otel.Tracer("github.com/nidhogg/nuka-skills/internal/catalog"),
	}
}

// Resolve computes the visible catalog for a tenant scope. Data problems are
// reported as warnings; an error is returned only when the definitions or
// bindings cannot be loaded at all.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*skill.Catalog, error) {
	if req.TenantID == "" {
		return nil, skill.Invalid("tenantId is required")
	}
	ctx, span := r.tracer.Start(ctx, "catalog.Resolve", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("agent.scope", req.AgentScope),
	))
	defer span.End()

	var (
		defs     []skill.Definition
		bindings []skill.Binding
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		defs, err = r.store.ListVisibleDefinitions(gctx, req.TenantID)
		return err
	})
	g.Go(func() error {
		var err error
		bindings, err = r.store.ListBindings(gctx, req.TenantID, req.Scopes())
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, fmt.Errorf("resolve catalog: %w", err)
	}

	res := &resolution{
		req:      req,
		selected: selectDefinitions(defs),
		catalog:  &skill.Catalog{Items: []skill.CatalogItem{}, Warnings: []string{}},
	}

	keys := make([]string, 0, len(res.selected))
	for k := range res.selected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if item, ok := r.itemFor(ctx, res, res.selected[key]); ok {
			res.catalog.Items = append(res.catalog.Items, item)
		}
	}

	r.applyBindings(ctx, res, bindings)
	skill.SortByDisplayName(res.catalog.Items)

	span.SetAttributes(
		attribute.Int("catalog.items", len(res.catalog.Items)),
		attribute.Int("catalog.warnings", len(res.catalog.Warnings)),
	)
	return res.catalog, nil
}

type resolution struct {
	req      Request
	selected map[string]skill.Definition
	catalog  *skill.Catalog
}

func (res *resolution) warn(format string, args ...any) {
	res.catalog.Warnings = append(res.catalog.Warnings, fmt.Sprintf(format, args...))
}

// selectDefinitions keeps one definition per key, preferring tenant scope.
func selectDefinitions(defs []skill.Definition) map[string]skill.Definition {
	out := make(map[string]skill.Definition, len(defs))
	for _, d := range defs {
		existing, ok := out[d.Key]
		if !ok || (existing.ScopeType == skill.ScopeGlobal && d.ScopeType == skill.ScopeTenant) {
			out[d.Key] = d
		}
	}
	return out
}

func (r *Resolver) itemFor(ctx context.Context, res *resolution, def skill.Definition) (skill.CatalogItem, bool) {
	version, ok := r.pickActiveVersion(ctx, res, def)
	if !ok {
		return skill.CatalogItem{}, false
	}
	manifest := version.Manifest.Normalized(def.Key, def.DisplayName)
	if len(manifest.Operations) == 0 {
		res.warn("Invalid manifest for %s@%s", def.Key, version.Version)
		return skill.CatalogItem{}, false
	}
	return skill.CatalogItem{
		Key:          def.Key,
		DisplayName:  manifest.DisplayName,
		Description:  manifest.Description,
		Source:       skill.Source(def.ScopeType),
		ScopeType:    def.ScopeType,
		ScopeID:      def.ScopeID,
		DefinitionID: def.ID,
		Version:      version.Version,
		Status:       version.Status,
		Actions:      skill.ActionsFor(def.Key, manifest.Operations),
	}, true
}

// pickActiveVersion returns the active version unless a release rule
// withholds it from this tenant. A withheld version is never replaced by an
// older one.
func (r *Resolver) pickActiveVersion(ctx context.Context, res *resolution, def skill.Definition) (*skill.Version, bool) {
	version, err := r.store.GetActiveVersion(ctx, def.ID)
	if errors.Is(err, skill.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		res.warn("Failed to load active version for %s: %v", def.Key, err)
		r.logger.Warn("load active version", zap.String("skill", def.Key), zap.Error(err))
		return nil, false
	}

	rule, err := r.store.FindReleaseRule(ctx, def.ID, version.Version, res.req.TenantID)
	if errors.Is(err, skill.ErrNotFound) {
		return version, true
	}
	if err != nil {
		res.warn("Failed to load release rule for %s@%s: %v", def.Key, version.Version, err)
		r.logger.Warn("load release rule", zap.String("skill", def.Key), zap.Error(err))
		return nil, false
	}
	if !InRollout(ReleaseSeed(res.req.TenantID, def.Key, version.Version), rule.RolloutPercent) {
		return nil, false
	}
	return version, true
}

func (r *Resolver) applyBindings(ctx context.Context, res *resolution, bindings []skill.Binding) {
	sort.SliceStable(bindings, func(i, j int) bool { return bindings[i].Priority > bindings[j].Priority })

	removed := make(map[string]bool)
	won := make(map[string]bool)
	for _, b := range bindings {
		idx := indexOf(res.catalog.Items, b.SkillKey)
		if idx < 0 {
			if !removed[b.SkillKey] {
				res.warn("Binding points to missing skill key %s", b.SkillKey)
			}
			continue
		}
		item := &res.catalog.Items[idx]
		applied := skill.AppliedBinding{
			BindingID:      b.ID,
			ScopeType:      b.ScopeType,
			ScopeID:        b.ScopeID,
			Priority:       b.Priority,
			Enabled:        b.Enabled,
			RolloutPercent: b.RolloutPercent,
			PinnedVersion:  b.PinnedVersion,
		}

		if won[b.SkillKey] {
			item.Bindings = append(item.Bindings, applied)
			continue
		}
		seed := BindingSeed(res.req.TenantID, b.SkillKey, string(b.ScopeType), b.ScopeID)
		if !InRollout(seed, b.RolloutPercent) {
			item.Bindings = append(item.Bindings, applied)
			continue
		}
		if !b.Enabled {
			res.catalog.Items = append(res.catalog.Items[:idx], res.catalog.Items[idx+1:]...)
			removed[b.SkillKey] = true
			continue
		}
		if b.PinnedVersion != "" {
			r.pin(ctx, res, item, b.PinnedVersion)
		}

		applied.Active = true
		item.Bindings = append(item.Bindings, applied)
		item.Binding = &applied
		won[b.SkillKey] = true
	}
}

func (r *Resolver) pin(ctx context.Context, res *resolution, item *skill.CatalogItem, pinned string) {
	def, ok := res.selected[item.Key]
	if !ok {
		return
	}
	version, err := r.store.GetVersion(ctx, def.ID, pinned)
	if errors.Is(err, skill.ErrNotFound) {
		res.warn("Pinned version not found: %s@%s", item.Key, pinned)
		return
	}
	if err != nil {
		res.warn("Failed to load pinned version %s@%s: %v", item.Key, pinned, err)
		return
	}
	manifest := version.Manifest.Normalized(def.Key, def.DisplayName)
	if len(manifest.Operations) == 0 {
		res.warn("Invalid manifest for %s@%s", item.Key, pinned)
		return
	}
	item.Version = version.Version
	item.Status = version.Status
	item.Actions = skill.ActionsFor(def.Key, manifest.Operations)
}

func indexOf(items []skill.CatalogItem, key string) int {
	for i := range items {
		if items[i].Key == key {
			return i
		}
	}
	return -1
}
