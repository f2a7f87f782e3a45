// Package database opens the pgx pool and runs the embedded goose migrations.
package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const applicationName = "festpay-webhook-gateway"

// PoolOptions sizes and bounds the connection pool
type PoolOptions struct {
	MinConns          int
	MaxConns          int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// StatementTimeout caps every statement server side, including the row lock
	// taken while an event is reconciled. Zero leaves the server default.
	StatementTimeout time.Duration
}

// DB wraps the connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

func poolConfig(databaseURL string, opts PoolOptions) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	config.MinConns = int32(opts.MinConns)
	config.MaxConns = int32(opts.MaxConns)
	if opts.MaxConnLifetime > 0 {
		config.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		config.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.HealthCheckPeriod > 0 {
		config.HealthCheckPeriod = opts.HealthCheckPeriod
	}

	params := config.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = applicationName
	}
	if opts.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(opts.StatementTimeout.Milliseconds(), 10)
	}
	return config, nil
}

// NewDatabase creates the pool and verifies it can reach the server
func NewDatabase(ctx context.Context, databaseURL string, opts PoolOptions, logger *zap.Logger) (*DB, error) {
	config, err := poolConfig(databaseURL, opts)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("Database connection pool established",
		zap.Int32("min_conns", config.MinConns),
		zap.Int32("max_conns", config.MaxConns),
		zap.Duration("max_conn_lifetime", config.MaxConnLifetime),
		zap.Duration("statement_timeout", opts.StatementTimeout),
	)

	return &DB{Pool: pool, logger: logger}, nil
}

// Close logs the final pool counters and closes it
func (db *DB) Close() {
	if db.Pool == nil {
		return
	}
	stat := db.Pool.Stat()
	db.logger.Info("Closing database connection pool",
		zap.Int32("total_conns", stat.TotalConns()),
		zap.Int64("acquire_count", stat.AcquireCount()),
		zap.Duration("acquire_duration", stat.AcquireDuration()),
		zap.Int64("canceled_acquires", stat.CanceledAcquireCount()),
	)
	db.Pool.Close()
}

// Health checks database connectivity
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
