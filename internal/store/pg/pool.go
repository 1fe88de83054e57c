package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dmagent/internal/config"
)

type PoolOptions struct {
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   string
	MaxConnIdleTime   string
	HealthCheckPeriod string
}

func NewPool(ctx context.Context, dsn string, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns >= 0 {
		cfg.MinConns = opts.MinConns
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"DB_POOL_MAX_CONN_LIFETIME", opts.MaxConnLifetime, &cfg.MaxConnLifetime},
		{"DB_POOL_MAX_CONN_IDLE_TIME", opts.MaxConnIdleTime, &cfg.MaxConnIdleTime},
		{"DB_POOL_HEALTH_CHECK_PERIOD", opts.HealthCheckPeriod, &cfg.HealthCheckPeriod},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = v
	}

	return pgxpool.NewWithConfig(ctx, cfg)
}

// Open builds the pool from env config, checks connectivity and applies the
// embedded migrations when DB_AUTO_MIGRATE is set.
func Open(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	db, err := NewPool(ctx, cfg.DBDSN, PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.Ping(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.DBAutoMigrate {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
