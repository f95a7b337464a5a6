package main

import (
	"context"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/regvault/regvault/api"
	"github.com/regvault/regvault/internal/gc"
	"github.com/regvault/regvault/internal/objectstore/s3store"
	"github.com/regvault/regvault/internal/reconciler"
	"github.com/regvault/regvault/internal/registry"
	"github.com/regvault/regvault/internal/upload"
	"github.com/regvault/regvault/internal/uploadstate"
	"github.com/regvault/regvault/pkg/pool"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	port := getenv("PORT", "8000")
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		logger.Fatal("S3_BUCKET environment variable is required")
	}

	ctx := context.Background()

	cpCfg := pool.DefaultConnectionPoolConfig()
	cpCfg.Region = getenv("S3_REGION", cpCfg.Region)
	cpCfg.EndpointURL = os.Getenv("S3_ENDPOINT_URL")
	cpCfg.AccessKey = os.Getenv("S3_ACCESS_KEY")
	cpCfg.SecretKey = os.Getenv("S3_SECRET_KEY")
	if size, err := strconv.Atoi(os.Getenv("S3_POOL_SIZE")); err == nil && size > 0 {
		cpCfg.Size = size
	}

	connPool, err := pool.NewConnectionPool(ctx, cpCfg)
	if err != nil {
		logger.Fatal("failed to initialize S3 connection pool", zap.Error(err))
	}

	store := s3store.New(connPool, bucket)
	codec := uploadstate.New(store)
	rc := reconciler.New(store)
	compatFull := os.Getenv("PUSH_COMPATIBILITY_MODE") == "full"
	orchestrator := upload.New(store, codec, rc, compatFull)

	interlock := gc.NewInterlock(store)
	collector := gc.NewCollector(store, interlock)
	engine := registry.New(store, interlock)

	handlers := &api.Handlers{
		Upload:   orchestrator,
		Registry: engine,
		GC:       collector,
		Logger:   logger,
	}
	router := api.SetupRouter(handlers)

	startScheduler(logger, collector, engine, gc.ModeUnreferenced, os.Getenv("GC_UNREFERENCED_CRON"))
	startScheduler(logger, collector, engine, gc.ModeUntagged, os.Getenv("GC_UNTAGGED_CRON"))

	logger.Info("starting registry storage engine",
		zap.String("port", port),
		zap.String("bucket", bucket),
		zap.Bool("pushCompatibilityFull", compatFull),
	)

	if err := router.Run(":" + port); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// startScheduler wires a periodic GC pass if cronExpr is non-empty;
// an empty expression leaves that mode unscheduled (manual trigger via
// POST /v2/_gc only).
func startScheduler(logger *zap.Logger, collector *gc.Collector, engine *registry.Engine, mode gc.Mode, cronExpr string) {
	if cronExpr == "" {
		return
	}

	sched := gc.NewScheduler(collector, logger, mode, func(ctx context.Context) ([]string, error) {
		var all []string
		cursor := ""
		for {
			names, next, err := engine.ListRepositories(ctx, cursor, 1000)
			if err != nil {
				return nil, err
			}
			all = append(all, names...)
			if next == "" {
				return all, nil
			}
			cursor = next
		}
	})

	if err := sched.Start(cronExpr); err != nil {
		logger.Error("failed to start gc scheduler", zap.String("mode", string(mode)), zap.Error(err))
		return
	}
	logger.Info("gc scheduler started", zap.String("mode", string(mode)), zap.String("cron", cronExpr))
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
