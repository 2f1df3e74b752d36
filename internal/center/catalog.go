package center

import (
	"context"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/skill"
)

// Catalog fallback reasons, reported as warnings.
const (
	FallbackDynamicDisabled = "dynamic_skills_disabled"
	FallbackCenterDisabled  = "skill_center_disabled"
	FallbackSchemaMissing   = "skill_center_schema_missing"
	FallbackResolverError   = "skill_center_resolver_error"
)

// Catalog returns the built-in catalog overlaid with the resolved one.
// Whenever dynamic resolution is unavailable it degrades to the built-ins
// and says why in the warnings.
func (s *Service) Catalog(ctx context.Context, req catalog.Request) (*skill.Catalog, error) {
	if err := requireTenant(req.TenantID); err != nil {
		return nil, err
	}

	switch {
	case !s.cfg.DynamicActionsEnabled:
		return s.fallback(FallbackDynamicDisabled), nil
	case !s.cfg.CenterEnabled:
		return s.fallback(FallbackCenterDisabled), nil
	case s.schemaUnhealthy.Load():
		return s.fallback(FallbackSchemaMissing), nil
	}

	resolved, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		if s.schemaMissing(err) {
			s.schemaUnhealthy.Store(true)
			s.logger.Error("skill center schema missing, serving built-in catalog until restart", zap.Error(err))
			return s.fallback(FallbackSchemaMissing), nil
		}
		s.logger.Error("catalog resolve failed, serving built-in catalog",
			zap.String("tenant_id", req.TenantID), zap.Error(err))
		return s.fallback(FallbackResolverError), nil
	}

	merged := mergeBuiltins(s.builtins.Catalog(), resolved)
	s.metrics.ObserveCatalog("dynamic", len(merged.Items))
	return merged, nil
}

func (s *Service) fallback(reason string) *skill.Catalog {
	s.metrics.ObserveCatalogFallback(reason)
	items := s.builtins.Catalog()
	s.metrics.ObserveCatalog("builtin", len(items))
	return &skill.Catalog{Items: items, Warnings: []string{reason}}
}

// mergeBuiltins overlays resolved items on the built-ins by key.
func mergeBuiltins(builtins []skill.CatalogItem, resolved *skill.Catalog) *skill.Catalog {
	seen := make(map[string]bool, len(resolved.Items))
	for _, it := range resolved.Items {
		seen[it.Key] = true
	}
	items := make([]skill.CatalogItem, 0, len(builtins)+len(resolved.Items))
	for _, it := range builtins {
		if !seen[it.Key] {
			items = append(items, it)
		}
	}
	items = append(items, resolved.Items...)
	skill.SortByDisplayName(items)

	warnings := resolved.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return &skill.Catalog{Items: items, Warnings: warnings}
}
