package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/vireo-systems/opctl/pkg/api"
	"github.com/vireo-systems/opctl/pkg/audit"
	"github.com/vireo-systems/opctl/pkg/config"
	"github.com/vireo-systems/opctl/pkg/kernel"
	"github.com/vireo-systems/opctl/pkg/store"
)

// openIntentStore picks the durable backend for C2 from cfg: Postgres
// when OPCTL_DATABASE_URL is set, embedded SQLite when only
// OPCTL_SQLITE_PATH is set, and the in-memory store otherwise (dev mode,
// single-process testing). The returned db is nil for the in-memory
// case; callers must close it on shutdown when non-nil.
func openIntentStore(cfg *config.Config, logger *slog.Logger) (store.IntentStore, *sql.DB) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Warn("intent store: postgres open failed, falling back to in-memory", "error", err)
			return store.NewMemoryIntentStore(), nil
		}
		logger.Info("intent store: postgres backend")
		return store.NewPostgresIntentStore(db), db
	case cfg.SQLitePath != "":
		db, err := sql.Open("sqlite", cfg.SQLitePath)
		if err != nil {
			logger.Warn("intent store: sqlite open failed, falling back to in-memory", "error", err)
			return store.NewMemoryIntentStore(), nil
		}
		sqliteStore, err := store.NewSQLiteIntentStore(db)
		if err != nil {
			logger.Warn("intent store: sqlite migrate failed, falling back to in-memory", "error", err)
			_ = db.Close()
			return store.NewMemoryIntentStore(), nil
		}
		logger.Info("intent store: sqlite backend", "path", cfg.SQLitePath)
		return sqliteStore, db
	default:
		logger.Warn("OPCTL_DATABASE_URL and OPCTL_SQLITE_PATH not set, intents do not survive a restart (in-memory store)")
		return store.NewMemoryIntentStore(), nil
	}
}

// openIdempotencyStore mirrors the intent store's backend choice for the
// HTTP-level idempotency cache. The Postgres-backed store relies on
// $-positional placeholders, so it is only selected when Postgres (not
// the embedded SQLite fallback) is actually the configured backend.
func openIdempotencyStore(cfg *config.Config, db *sql.DB) api.IdempotencyStorer {
	if cfg.DatabaseURL != "" && db != nil {
		return api.NewPostgresIdempotencyStore(db, 24*time.Hour)
	}
	return api.NewIdempotencyStore(24 * time.Hour)
}

// openArchiveSink picks the evidence-pack archival backend: S3 when
// OPCTL_AUDIT_S3_BUCKET is set, GCS when only OPCTL_AUDIT_GCS_BUCKET is
// set, and nil (in-process only, no archival) otherwise. S3 takes
// precedence when both are set.
func openArchiveSink(ctx context.Context, logger *slog.Logger) audit.ArchiveSink {
	if bucket := os.Getenv("OPCTL_AUDIT_S3_BUCKET"); bucket != "" {
		sink, err := audit.NewS3ArchiveSink(ctx, audit.S3ArchiveConfig{
			Bucket:   bucket,
			Region:   os.Getenv("OPCTL_AUDIT_S3_REGION"),
			Endpoint: os.Getenv("OPCTL_AUDIT_S3_ENDPOINT"),
			Prefix:   "evidence-packs/",
		})
		if err != nil {
			logger.Warn("audit archive: s3 sink init failed, evidence packs will not be archived", "error", err)
			return nil
		}
		logger.Info("audit archive: s3 backend", "bucket", bucket)
		return sink
	}
	if bucket := os.Getenv("OPCTL_AUDIT_GCS_BUCKET"); bucket != "" {
		sink, err := audit.NewGCSArchiveSink(ctx, bucket, "evidence-packs/")
		if err != nil {
			logger.Warn("audit archive: gcs sink init failed, evidence packs will not be archived", "error", err)
			return nil
		}
		logger.Info("audit archive: gcs backend", "bucket", bucket)
		return sink
	}
	return nil
}

// openLimiterStore picks the rate limiter backend: Redis when
// OPCTL_REDIS_URL is set, so the token bucket is shared across replicas of
// the operator process, and an in-memory bucket otherwise (single
// process only, resets on restart).
func openLimiterStore(logger *slog.Logger) kernel.LimiterStore {
	addr := os.Getenv("OPCTL_REDIS_URL")
	if addr == "" {
		return kernel.NewInMemoryLimiterStore()
	}
	db, _ := strconv.Atoi(os.Getenv("OPCTL_REDIS_DB"))
	logger.Info("rate limiter: redis backend", "addr", addr)
	return kernel.NewRedisLimiterStore(addr, os.Getenv("OPCTL_REDIS_PASSWORD"), db)
}
