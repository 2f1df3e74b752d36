//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/catalog"
	"github.com/nidhogg/nuka-skills/internal/center"
	"github.com/nidhogg/nuka-skills/internal/runtime"
	"github.com/nidhogg/nuka-skills/internal/skill"
	"github.com/nidhogg/nuka-skills/internal/store"
)

// Package-level shared state, set by TestMain.
var (
	testLogger  *zap.Logger
	testPGStore *store.Store
	testRedis   *redis.Client
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		return 1
	}
	defer pgCleanup()

	testPGStore, err = store.New(ctx, pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		return 1
	}
	defer testPGStore.Close()

	if err := testPGStore.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		return 1
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		return 1
	}
	defer redisCleanup()

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis url: %v\n", err)
		return 1
	}
	testRedis = redis.NewClient(opts)
	defer testRedis.Close()

	return m.Run()
}

func newService(t *testing.T, rt runtime.Config) *center.Service {
	t.Helper()
	return center.New(center.Config{
		CenterEnabled:         true,
		ParserEnabled:         true,
		DynamicActionsEnabled: true,
		Runtime:               rt,
	}, center.Deps{
		Store:         testPGStore,
		Exporter:      runtime.NewExporter(t.TempDir()),
		Locker:        runtime.NewRedisLocker(testRedis, time.Minute),
		SchemaMissing: store.IsSchemaMissing,
	}, testLogger)
}

// publish creates and publishes one version of key for tenantID.
func publish(t *testing.T, svc *center.Service, tenantID, key, version string, rollout int) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.CreateSkill(ctx, tenantID, "e2e", center.CreateSkillInput{Key: key, DisplayName: key}); err != nil &&
		skill.ErrorCode(err) != skill.CodeConflict {
		require.NoError(t, err)
	}
	_, err := svc.CreateVersion(ctx, tenantID, "e2e", key, center.CreateVersionInput{
		Version: version,
		Manifest: skill.Manifest{
			DisplayName: key,
			Operations: []skill.Operation{{
				Name:      "run",
				RiskLevel: skill.RiskLow,
				Run:       &skill.RunBinding{AgentID: key + "_agent"},
			}},
		},
	})
	require.NoError(t, err)
	_, err = svc.PublishVersion(ctx, tenantID, "e2e", key, version, center.PublishInput{RolloutPercent: &rollout})
	require.NoError(t, err)
}

func TestPublishAndResolveCatalog(t *testing.T) {
	svc := newService(t, runtime.Config{})
	ctx := context.Background()
	publish(t, svc, "tenant-pub", "contact_insight", "1.0.0", 100)
	publish(t, svc, "tenant-pub", "contact_insight", "1.1.0", 100)

	cat, err := svc.Catalog(ctx, catalog.Request{TenantID: "tenant-pub"})
	require.NoError(t, err)
	item, ok := cat.Find("contact_insight")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", item.Version)
	assert.Empty(t, cat.Warnings)

	other, err := svc.Catalog(ctx, catalog.Request{TenantID: "tenant-other"})
	require.NoError(t, err)
	_, ok = other.Find("contact_insight")
	assert.False(t, ok, "tenant-scoped skill leaked to another tenant")
}

func TestBindingsOnPostgres(t *testing.T) {
	svc := newService(t, runtime.Config{})
	ctx := context.Background()
	publish(t, svc, "tenant-bind", "mail_digest", "1.0.0", 100)

	enabled := false
	b, err := svc.UpsertBinding(ctx, "tenant-bind", center.BindingInput{
		ScopeType: skill.ScopeAgent, ScopeID: "agent-1", SkillKey: "mail_digest", Enabled: &enabled,
	})
	require.NoError(t, err)

	cat, err := svc.Catalog(ctx, catalog.Request{TenantID: "tenant-bind", AgentScope: "agent-1"})
	require.NoError(t, err)
	_, ok := cat.Find("mail_digest")
	assert.False(t, ok)

	_, err = svc.DisableBinding(ctx, "tenant-bind", b.ID)
	require.NoError(t, err)
	cat, err = svc.Catalog(ctx, catalog.Request{TenantID: "tenant-bind", AgentScope: "agent-1"})
	require.NoError(t, err)
	_, ok = cat.Find("mail_digest")
	assert.True(t, ok)
}

func TestReconcileAgainstGateway(t *testing.T) {
	var calls atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":            true,
			"executionMode": "gateway",
			"acceptedAtMs":  time.Now().UnixMilli(),
			"tenantId":      body["tenantId"],
			"agentScope":    body["agentScope"],
			"desiredHash":   body["desiredHash"],
		})
	}))
	defer gw.Close()

	svc := newService(t, runtime.Config{
		Policy:      runtime.PolicyStrict,
		SyncEnabled: true,
		Gateway:     runtime.GatewayConfig{URL: gw.URL, Timeout: 2 * time.Second},
	})
	ctx := context.Background()
	publish(t, svc, "tenant-rec", "contact_insight", "1.0.0", 100)

	in := center.ReconcileInput{AgentScope: "agent-1", Engine: skill.EngineOpenClaw}
	first, err := svc.Reconcile(ctx, "tenant-rec", in)
	require.NoError(t, err)
	assert.Equal(t, runtime.OutcomeApplied, first.Outcome)
	assert.Contains(t, first.Plan.LoadActions, "load:contact_insight@1.0.0")

	second, err := svc.Reconcile(ctx, "tenant-rec", in)
	require.NoError(t, err)
	assert.Equal(t, runtime.OutcomeSkipped, second.Outcome)
	assert.EqualValues(t, 1, calls.Load())

	mounts, err := svc.ListMounts(ctx, "tenant-rec")
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, first.Plan.DesiredHash, mounts[0].AppliedHash)
	assert.Equal(t, skill.MountSkipped, mounts[0].Status)
}

func TestRedisLockerExcludesSecondOwner(t *testing.T) {
	ctx := context.Background()
	a := runtime.NewRedisLocker(testRedis, time.Minute)
	b := runtime.NewRedisLocker(testRedis, time.Minute)
	key := runtime.LockKey("openclaw", "tenant-lock", "agent-1")

	release, err := a.TryLock(ctx, key)
	require.NoError(t, err)
	_, err = b.TryLock(ctx, key)
	assert.ErrorIs(t, err, runtime.ErrLocked)

	release()
	releaseB, err := b.TryLock(ctx, key)
	require.NoError(t, err)
	releaseB()
}
