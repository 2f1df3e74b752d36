package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-skills/internal/api"
	"github.com/nidhogg/nuka-skills/internal/center"
	"github.com/nidhogg/nuka-skills/internal/config"
	"github.com/nidhogg/nuka-skills/internal/intent"
	"github.com/nidhogg/nuka-skills/internal/metrics"
	"github.com/nidhogg/nuka-skills/internal/runtime"
	"github.com/nidhogg/nuka-skills/internal/skill"
	"github.com/nidhogg/nuka-skills/internal/store"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/skillhub.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath), zap.String("environment", cfg.Server.Environment))

	ctx := context.Background()

	// Initialize skill store
	var st center.Store
	var pgStore *store.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.New(ctx, cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Fatal("PostgreSQL unavailable", zap.Error(pgErr))
		}
		if mErr := ps.Migrate(ctx); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		pgStore = ps
		st = ps
	} else {
		logger.Warn("No PostgreSQL DSN configured, skill center state is in-memory only")
		st = store.NewMemory()
	}

	// Initialize reconcile lock
	var locker runtime.Locker = runtime.NewLocalLocker()
	var rdb *redis.Client
	if cfg.Runtime.LockBackend == "redis" {
		opts, perr := redis.ParseURL(cfg.Database.Redis.URL)
		if perr != nil {
			logger.Fatal("invalid redis url", zap.Error(perr))
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("Redis unavailable", zap.Error(err))
		}
		locker = runtime.NewRedisLocker(rdb, cfg.Runtime.LockTTL())
		logger.Info("Redis reconcile lock enabled")
	}

	// Built-in skills
	builtins := skill.NewRegistry()
	manifests, err := skill.LoadFromDir(cfg.Skills.BuiltinDir)
	if err != nil {
		logger.Warn("failed to load built-in skill manifests", zap.String("dir", cfg.Skills.BuiltinDir), zap.Error(err))
	}
	for _, m := range manifests {
		builtins.Add(m)
	}
	logger.Info("Built-in skills loaded", zap.Int("count", len(builtins.Catalog())))

	collector := metrics.NewCollector("skillhub")
	oc := cfg.Runtime.OpenClaw
	svc := center.New(center.Config{
		CenterEnabled:         cfg.Skills.CenterEnabled,
		ParserEnabled:         cfg.Skills.ParserEnabled,
		DynamicActionsEnabled: cfg.Skills.DynamicActionsEnabled,
		Production:            cfg.Server.IsProduction(),
		ParseDebugAllowInProd: cfg.Skills.ParseDebugAllowInProd,
		DefaultEngine:         skill.Engine(cfg.Runtime.DefaultEngine),
		Runtime: runtime.Config{
			Policy:      runtime.Policy(oc.Policy),
			SyncEnabled: oc.SyncEnabled,
			Gateway: runtime.GatewayConfig{
				URL:          oc.GatewayURL,
				Token:        oc.GatewayToken,
				Protocol:     oc.Protocol,
				Timeout:      oc.Timeout(),
				MaxRetries:   oc.Retries(),
				RetryBackoff: oc.RetryBackoff(),
			},
		},
	}, center.Deps{
		Store:    st,
		Builtins: builtins,
		Parser: intent.NewParser(intent.Options{
			Threshold:       cfg.Skills.NLThreshold,
			AmbiguityMargin: cfg.Skills.AmbiguityMargin,
		}),
		Exporter:      runtime.NewExporter(cfg.Skills.ExportDir),
		Locker:        locker,
		Metrics:       collector,
		SchemaMissing: store.IsSchemaMissing,
	}, logger)

	handler := api.NewHandler(svc, collector, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Skill hub listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down skill hub...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	if rdb != nil {
		rdb.Close()
	}
	if pgStore != nil {
		pgStore.Close()
	}
}

func newLogger(sc config.ServerConfig) *zap.Logger {
	zcfg := zap.NewDevelopmentConfig()
	if sc.IsProduction() {
		zcfg = zap.NewProductionConfig()
	}
	if lvl, err := zap.ParseAtomicLevel(sc.LogLevel); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
