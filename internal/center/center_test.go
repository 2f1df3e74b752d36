package center

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/intent"
	"github.com/nidhogg/nuka-skills/internal/runtime"
	"github.com/nidhogg/nuka-skills/internal/skill"
	"github.com/nidhogg/nuka-skills/internal/store"
)

const tenant = "tenant-1"

func enabledConfig() Config {
	return Config{CenterEnabled: true, ParserEnabled: true, DynamicActionsEnabled: true}
}

func newService(t *testing.T, cfg Config, st Store) *Service {
	t.Helper()
	return New(cfg, Deps{Store: st}, zap.NewNop())
}

func contactManifest() skill.Manifest {
	return skill.Manifest{
		DisplayName: "Contact Insight",
		Description: "Summarize a contact profile",
		Operations: []skill.Operation{{
			Name:      "analyze",
			RiskLevel: skill.RiskLow,
			Run:       &skill.RunBinding{AgentID: "contact_insight_agent", Operation: "analyze"},
		}},
	}
}

// publishContact creates, versions and publishes contact_insight.
func publishContact(t *testing.T, svc *Service, rollout *int) *PublishResult {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateSkill(ctx, tenant, "alice", CreateSkillInput{Key: "contact_insight", DisplayName: "Contact Insight"})
	require.NoError(t, err)
	_, err = svc.CreateVersion(ctx, tenant, "alice", "contact_insight", CreateVersionInput{Version: "1.0.0", Manifest: contactManifest()})
	require.NoError(t, err)
	res, err := svc.PublishVersion(ctx, tenant, "alice", "contact_insight", "1.0.0", PublishInput{RolloutPercent: rollout})
	require.NoError(t, err)
	return res
}

func keys(items []skill.CatalogItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Key
	}
	return out
}

func TestPublishedSkillAppearsInCatalog(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, enabledConfig(), st)
	res := publishContact(t, svc, nil)

	assert.Equal(t, skill.VersionActive, res.Version.Status)
	assert.Equal(t, 100, res.Rule.RolloutPercent)
	assert.Equal(t, skill.ScopeTenant, res.Rule.ScopeType)

	cat, err := svc.Catalog(context.Background(), catalog.Request{TenantID: tenant})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"contact_insight", "dingtalk_shanji"}, keys(cat.Items))

	item, ok := cat.Find("contact_insight")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", item.Version)
	assert.Equal(t, skill.SourceTenant, item.Source)

	logs := st.PublishLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].PublishedBy)
	assert.Equal(t, res.Rule.ID, logs[0].Metadata["releaseRuleId"])
}

func TestPublishDeprecatesPreviousVersionAndExports(t *testing.T) {
	st := store.NewMemory()
	dir := t.TempDir()
	svc := New(enabledConfig(), Deps{Store: st, Exporter: runtime.NewExporter(dir)}, zap.NewNop())
	ctx := context.Background()
	first := publishContact(t, svc, nil)
	require.NotEmpty(t, first.ExportPath)
	_, err := os.Stat(first.ExportPath)
	require.NoError(t, err)

	m := contactManifest()
	m.Description = "v2"
	_, err = svc.CreateVersion(ctx, tenant, "bob", "contact_insight", CreateVersionInput{Version: "2.0.0", Manifest: m})
	require.NoError(t, err)
	_, err = svc.PublishVersion(ctx, tenant, "bob", "contact_insight", "2.0.0", PublishInput{})
	require.NoError(t, err)

	def, err := st.GetDefinition(ctx, "contact_insight", skill.ScopeTenant, tenant)
	require.NoError(t, err)
	old, err := st.GetVersion(ctx, def.ID, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, skill.VersionDeprecated, old.Status)

	cat, err := svc.Catalog(ctx, catalog.Request{TenantID: tenant})
	require.NoError(t, err)
	item, ok := cat.Find("contact_insight")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", item.Version)
}

func TestZeroRolloutWithholdsSkill(t *testing.T) {
	svc := newService(t, enabledConfig(), store.NewMemory())
	zero := 0
	publishContact(t, svc, &zero)

	cat, err := svc.Catalog(context.Background(), catalog.Request{TenantID: tenant})
	require.NoError(t, err)
	_, ok := cat.Find("contact_insight")
	assert.False(t, ok)
}

func TestNormalizeRollout(t *testing.T) {
	v := func(i int) *int { return &i }
	assert.Equal(t, 100, NormalizeRollout(nil))
	assert.Equal(t, 0, NormalizeRollout(v(-5)))
	assert.Equal(t, 100, NormalizeRollout(v(150)))
	assert.Equal(t, 30, NormalizeRollout(v(30)))
}

func TestCreateSkillValidation(t *testing.T) {
	svc := newService(t, enabledConfig(), store.NewMemory())
	ctx := context.Background()

	_, err := svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "bad key", DisplayName: "x"})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	_, err = svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "ok"})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	_, err = svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "ok", DisplayName: "x", ScopeType: skill.ScopeAgent})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	def, err := svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "ok", DisplayName: "x"})
	require.NoError(t, err)
	assert.Equal(t, tenant, def.ScopeID)
	assert.True(t, def.Enabled)

	_, err = svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "ok", DisplayName: "x"})
	assert.Equal(t, http.StatusConflict, skill.ErrorStatus(err))

	global, err := svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "ok", DisplayName: "x", ScopeType: skill.ScopeGlobal, ScopeID: "ignored"})
	require.NoError(t, err)
	assert.Empty(t, global.ScopeID)
}

func TestCreateVersionValidation(t *testing.T) {
	svc := newService(t, enabledConfig(), store.NewMemory())
	ctx := context.Background()

	_, err := svc.CreateVersion(ctx, tenant, "", "missing", CreateVersionInput{Version: "1", Manifest: contactManifest()})
	assert.Equal(t, http.StatusNotFound, skill.ErrorStatus(err))

	_, err = svc.CreateSkill(ctx, tenant, "", CreateSkillInput{Key: "contact_insight", DisplayName: "Contact Insight"})
	require.NoError(t, err)

	_, err = svc.CreateVersion(ctx, tenant, "", "contact_insight", CreateVersionInput{Manifest: contactManifest()})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	noAgent := contactManifest()
	noAgent.Operations[0].Run = nil
	_, err = svc.CreateVersion(ctx, tenant, "", "contact_insight", CreateVersionInput{Version: "1", Manifest: noAgent})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	wrongKey := contactManifest()
	wrongKey.Key = "other"
	_, err = svc.CreateVersion(ctx, tenant, "", "contact_insight", CreateVersionInput{Version: "1", Manifest: wrongKey})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	v, err := svc.CreateVersion(ctx, tenant, "", "contact_insight", CreateVersionInput{Version: "1", Manifest: contactManifest()})
	require.NoError(t, err)
	assert.Equal(t, skill.VersionDraft, v.Status)
	assert.Equal(t, "contact_insight", v.Manifest.Key)
	assert.Len(t, v.Checksum, 64)

	_, err = svc.CreateVersion(ctx, tenant, "", "contact_insight", CreateVersionInput{Version: "1", Manifest: contactManifest()})
	assert.Equal(t, http.StatusConflict, skill.ErrorStatus(err))
}

func TestAuthoringRequiresCenter(t *testing.T) {
	cfg := enabledConfig()
	cfg.CenterEnabled = false
	svc := newService(t, cfg, store.NewMemory())

	_, err := svc.CreateSkill(context.Background(), tenant, "", CreateSkillInput{Key: "a", DisplayName: "A"})
	assert.Equal(t, skill.CodeCenterDisabled, skill.ErrorCode(err))
}

func TestBindingDefaultsAndDisable(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, enabledConfig(), st)
	ctx := context.Background()

	b, err := svc.UpsertBinding(ctx, tenant, BindingInput{SkillKey: "contact_insight"})
	require.NoError(t, err)
	assert.Equal(t, skill.ScopeTenant, b.ScopeType)
	assert.Equal(t, tenant, b.ScopeID)
	assert.Equal(t, 100, b.Priority)
	assert.Equal(t, 100, b.RolloutPercent)
	assert.True(t, b.Enabled)

	_, err = svc.UpsertBinding(ctx, tenant, BindingInput{SkillKey: "contact_insight", ScopeType: skill.ScopeAgent})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))

	disabled, err := svc.DisableBinding(ctx, tenant, b.ID)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)

	_, err = svc.DisableBinding(ctx, "other-tenant", b.ID)
	assert.Equal(t, http.StatusNotFound, skill.ErrorStatus(err))
}

func TestDisabledBindingRemovesSkill(t *testing.T) {
	svc := newService(t, enabledConfig(), store.NewMemory())
	ctx := context.Background()
	publishContact(t, svc, nil)

	off := false
	_, err := svc.UpsertBinding(ctx, tenant, BindingInput{SkillKey: "contact_insight", Enabled: &off})
	require.NoError(t, err)

	cat, err := svc.Catalog(ctx, catalog.Request{TenantID: tenant})
	require.NoError(t, err)
	_, ok := cat.Find("contact_insight")
	assert.False(t, ok)
}

func TestSetSkillEnabled(t *testing.T) {
	svc := newService(t, enabledConfig(), store.NewMemory())
	ctx := context.Background()
	publishContact(t, svc, nil)

	def, err := svc.SetSkillEnabled(ctx, tenant, "contact_insight", false, "", "")
	require.NoError(t, err)
	assert.False(t, def.Enabled)

	cat, err := svc.Catalog(ctx, catalog.Request{TenantID: tenant})
	require.NoError(t, err)
	assert.Equal(t, []string{"dingtalk_shanji"}, keys(cat.Items))
}

type brokenStore struct {
	*store.MemoryStore
	err error
}

func (b *brokenStore) ListVisibleDefinitions(ctx context.Context, tenantID string) ([]skill.Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.MemoryStore.ListVisibleDefinitions(ctx, tenantID)
}

var errNoTable = errors.New("relation skill_definitions does not exist")

func TestCatalogFallbacks(t *testing.T) {
	ctx := context.Background()
	req := catalog.Request{TenantID: tenant}

	t.Run("dynamic disabled", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.DynamicActionsEnabled = false
		cat, err := newService(t, cfg, store.NewMemory()).Catalog(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []string{FallbackDynamicDisabled}, cat.Warnings)
		assert.Equal(t, []string{"dingtalk_shanji"}, keys(cat.Items))
	})

	t.Run("center disabled", func(t *testing.T) {
		cfg := enabledConfig()
		cfg.CenterEnabled = false
		cat, err := newService(t, cfg, store.NewMemory()).Catalog(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []string{FallbackCenterDisabled}, cat.Warnings)
	})

	t.Run("resolver error is not sticky", func(t *testing.T) {
		st := &brokenStore{MemoryStore: store.NewMemory(), err: errors.New("connection reset")}
		svc := newService(t, enabledConfig(), st)
		cat, err := svc.Catalog(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []string{FallbackResolverError}, cat.Warnings)

		st.err = nil
		cat, err = svc.Catalog(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, cat.Warnings)
	})

	t.Run("schema missing is sticky", func(t *testing.T) {
		st := &brokenStore{MemoryStore: store.NewMemory(), err: errNoTable}
		svc := New(enabledConfig(), Deps{
			Store:         st,
			SchemaMissing: func(err error) bool { return errors.Is(err, errNoTable) },
		}, zap.NewNop())

		cat, err := svc.Catalog(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []string{FallbackSchemaMissing}, cat.Warnings)

		st.err = nil
		cat, err = svc.Catalog(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []string{FallbackSchemaMissing}, cat.Warnings)
	})

	t.Run("tenant required", func(t *testing.T) {
		_, err := newService(t, enabledConfig(), store.NewMemory()).Catalog(ctx, catalog.Request{})
		assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))
	})
}

func TestReconcileThroughService(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, enabledConfig(), st)
	ctx := context.Background()
	publishContact(t, svc, nil)

	first, err := svc.Reconcile(ctx, tenant, ReconcileInput{})
	require.NoError(t, err)
	assert.Equal(t, skill.MountApplied, first.Status)
	assert.Len(t, first.Plan.Skills, 2)

	second, err := svc.Reconcile(ctx, tenant, ReconcileInput{})
	require.NoError(t, err)
	assert.Equal(t, skill.MountSkipped, second.Status)

	mounts, err := svc.ListMounts(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, tenant, mounts[0].AgentScope)
	assert.Equal(t, skill.EngineLocal, mounts[0].Engine)
	assert.Equal(t, first.Plan.DesiredHash, mounts[0].AppliedHash)

	_, err = svc.Reconcile(ctx, tenant, ReconcileInput{Engine: "docker"})
	assert.Equal(t, http.StatusBadRequest, skill.ErrorStatus(err))
}

func TestReconcileDoesNotPlanFromFallbackCatalog(t *testing.T) {
	st := &brokenStore{MemoryStore: store.NewMemory()}
	svc := newService(t, enabledConfig(), st)
	ctx := context.Background()
	publishContact(t, svc, nil)

	first, err := svc.Reconcile(ctx, tenant, ReconcileInput{})
	require.NoError(t, err)
	require.Equal(t, skill.MountApplied, first.Status)

	st.err = errors.New("connection reset")
	_, err = svc.Reconcile(ctx, tenant, ReconcileInput{})
	require.Error(t, err)

	mounts, err := svc.ListMounts(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, skill.MountApplied, mounts[0].Status)
	assert.Equal(t, first.Plan.DesiredHash, mounts[0].DesiredHash)
	assert.Equal(t, first.Plan.DesiredHash, mounts[0].AppliedHash)
	assert.Len(t, mounts[0].Details.AppliedSkills, 2)
}

func TestReconcileSchemaMissingFails(t *testing.T) {
	st := &brokenStore{MemoryStore: store.NewMemory(), err: errNoTable}
	svc := New(enabledConfig(), Deps{
		Store:         st,
		SchemaMissing: func(err error) bool { return errors.Is(err, errNoTable) },
	}, zap.NewNop())

	_, err := svc.Reconcile(context.Background(), tenant, ReconcileInput{})
	assert.Equal(t, skill.CodeSchemaMissing, skill.ErrorCode(err))
	assert.Equal(t, http.StatusServiceUnavailable, skill.ErrorStatus(err))

	mounts, err := svc.ListMounts(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestReconcileRequiresCenter(t *testing.T) {
	cfg := enabledConfig()
	cfg.CenterEnabled = false
	st := store.NewMemory()
	svc := newService(t, cfg, st)

	_, err := svc.Reconcile(context.Background(), tenant, ReconcileInput{})
	assert.Equal(t, skill.CodeCenterDisabled, skill.ErrorCode(err))

	mounts, err := st.ListMounts(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestDisableBindingCannotHideBuiltin(t *testing.T) {
	svc := newService(t, enabledConfig(), store.NewMemory())
	ctx := context.Background()

	off := false
	_, err := svc.UpsertBinding(ctx, tenant, BindingInput{SkillKey: "dingtalk_shanji", Enabled: &off})
	require.NoError(t, err)

	cat, err := svc.Catalog(ctx, catalog.Request{TenantID: tenant})
	require.NoError(t, err)
	item, ok := cat.Find("dingtalk_shanji")
	require.True(t, ok)
	assert.Equal(t, skill.SourceBuiltin, item.Source)
	assert.Nil(t, item.Binding)
}

func TestStoredChecksumFeedsPlan(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, enabledConfig(), st)
	ctx := context.Background()
	res := publishContact(t, svc, nil)

	out, err := svc.Reconcile(ctx, tenant, ReconcileInput{})
	require.NoError(t, err)
	var found bool
	for _, s := range out.Plan.Skills {
		if s.Key == "contact_insight" {
			found = true
			assert.Equal(t, res.Version.Checksum, s.Checksum)
		}
	}
	assert.True(t, found)
}

func TestParseDebugSlashCommand(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, enabledConfig(), st)
	publishContact(t, svc, nil)

	res, err := svc.ParseDebug(context.Background(), tenant, ParseInput{Text: "/skill contact_insight depth=deep", SessionID: "s1"})
	require.NoError(t, err)
	it := res.Intent
	assert.Equal(t, intent.StatusParsed, it.Status)
	assert.Equal(t, map[string]any{"depth": "deep"}, it.Args)
	require.NotNil(t, it.Execution)
	assert.Equal(t, "contact_insight_agent", it.Execution.AgentID)

	logs := st.InvocationLogs()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Matched)
	assert.Equal(t, "s1", logs[0].SessionID)
	assert.Equal(t, it.TraceID, logs[0].TraceID)
	assert.Empty(t, logs[0].ErrorCode)
}

func TestParseFailureIsLogged(t *testing.T) {
	st := store.NewMemory()
	svc := newService(t, enabledConfig(), st)

	res, err := svc.ParseDebug(context.Background(), tenant, ParseInput{Text: "/skill nope"})
	require.NoError(t, err)
	assert.Equal(t, intent.StatusFailed, res.Intent.Status)

	logs := st.InvocationLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, skill.CodeParseFailed, logs[0].ErrorCode)
	assert.NotEmpty(t, logs[0].ErrorMessage)
}

func TestParseDebugGuards(t *testing.T) {
	ctx := context.Background()

	cfg := enabledConfig()
	cfg.ParserEnabled = false
	_, err := newService(t, cfg, store.NewMemory()).ParseDebug(ctx, tenant, ParseInput{Text: "hi"})
	assert.Equal(t, skill.CodeParserDisabled, skill.ErrorCode(err))

	cfg = enabledConfig()
	cfg.Production = true
	_, err = newService(t, cfg, store.NewMemory()).ParseDebug(ctx, tenant, ParseInput{Text: "hi"})
	assert.Equal(t, skill.CodeParseDebugForbidden, skill.ErrorCode(err))
	assert.Equal(t, http.StatusForbidden, skill.ErrorStatus(err))

	cfg.ParseDebugAllowInProd = true
	_, err = newService(t, cfg, store.NewMemory()).ParseDebug(ctx, tenant, ParseInput{Text: "hi"})
	assert.NoError(t, err)
}

func TestParseFromChat(t *testing.T) {
	ctx := context.Background()
	cfg := enabledConfig()
	cfg.ParserEnabled = false
	it, err := newService(t, cfg, store.NewMemory()).ParseFromChat(ctx, tenant, ParseInput{Text: "/skill x"})
	require.NoError(t, err)
	assert.Nil(t, it)

	svc := newService(t, enabledConfig(), store.NewMemory())
	it, err = svc.ParseFromChat(ctx, tenant, ParseInput{
		Text: "请帮我看看 https://shanji.dingtalk.com/app/transcribes/abc123",
	})
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, intent.SourceLink, it.Source)
	assert.Equal(t, "dingtalk_shanji", it.SkillKey)
}
