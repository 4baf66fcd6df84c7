package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/redis/go-redis/v9"

	"github.com/target/memscope/config"
	"github.com/target/memscope/internal/migrate"
)

const (
	connectTimeout = 5 * time.Second

	// The archive is written once per evicted job and read by the archive endpoints, so a
	// small pool is enough.
	archiveMaxOpenConns    = 8
	archiveMaxIdleConns    = 2
	archiveConnMaxLifetime = 15 * time.Minute
)

// DatabaseConfig contains configuration for the optional archive database and status publisher.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

func (c DatabaseConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// ConnectDB opens the Postgres job archive and verifies it answers within connectTimeout.
func ConnectDB(ctx context.Context, cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DBConfig.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(archiveMaxOpenConns)
	db.SetMaxIdleConns(archiveMaxIdleConns)
	db.SetConnMaxLifetime(archiveConnMaxLifetime)

	if err := pingOrClose(ctx, db.PingContext, db.Close); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	cfg.logger().InfoContext(ctx, "job archive connected",
		"host", cfg.DBConfig.Host,
		"port", cfg.DBConfig.Port,
		"database", cfg.DBConfig.Name,
	)
	return db, nil
}

// ConnectRedis connects the job status publisher, either directly or through sentinel.
//
//nolint:ireturn // the concrete client depends on RedisConfig.UseSentinel.
func ConnectRedis(ctx context.Context, cfg DatabaseConfig) (redis.UniversalClient, error) {
	rc := cfg.RedisConfig

	var (
		client redis.UniversalClient
		target string
	)
	if rc.UseSentinel {
		nodes := trimmedNonEmpty(rc.SentinelNodes)
		if len(nodes) == 0 {
			return nil, errors.New("redis sentinel configuration requires at least one sentinel node")
		}
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:       rc.SentinelMasterName,
			SentinelAddrs:    nodes,
			Password:         rc.Password,
			SentinelPassword: rc.SentinelPassword,
			DB:               rc.DB,
		})
		target = "sentinel:" + rc.SentinelMasterName
	} else {
		opts, err := redisOptions(rc)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
		target = opts.Addr
	}

	ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
	if err := pingOrClose(ctx, ping, client.Close); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	cfg.logger().InfoContext(ctx, "job status publisher connected",
		"addr", target,
		"key_prefix", rc.KeyPrefix,
		"db", rc.DB,
	)
	return client, nil
}

// redisOptions accepts either a redis:// URL or a bare host:port address.
func redisOptions(rc config.RedisConfig) (*redis.Options, error) {
	uri := strings.TrimSpace(rc.URI)
	if uri == "" {
		return nil, errors.New("redis direct configuration requires a URI")
	}
	if !isRedisURL(uri) {
		return &redis.Options{Addr: uri, Password: rc.Password, DB: rc.DB}, nil
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return opts, nil
}

func isRedisURL(value string) bool {
	return strings.HasPrefix(value, "redis://") || strings.HasPrefix(value, "rediss://")
}

func trimmedNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// pingOrClose releases the connection when it does not answer in time.
func pingOrClose(ctx context.Context, ping func(context.Context) error, closeFn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	err := ping(ctx)
	if err == nil {
		return nil
	}
	if closeErr := closeFn(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close connection: %w", closeErr))
	}
	return err
}

// RunMigrations applies pending archive migrations and logs which versions were new.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	before, err := migrate.Status(ctx, db)
	if err != nil {
		return fmt.Errorf("read migration status: %w", err)
	}
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	var applied []string
	for _, s := range before {
		if s.AppliedAt == nil {
			applied = append(applied, s.Version)
		}
	}
	logger.InfoContext(ctx, "database migrations completed", "applied", applied, "total", len(before))
	return nil
}
