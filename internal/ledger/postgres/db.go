// Package postgres implements the usage ledger and the device registry on
// PostgreSQL through a pgx connection pool.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"liuproxy_broker/internal/shared/logger"
)

//go:embed schema.sql
var schema string

// Database owns the pgx pool shared by Ledger and Registry.
type Database struct {
	Pool *pgxpool.Pool
}

// PoolConfig holds optional connection pool limits.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Open connects, pings and applies the schema.
func Open(ctx context.Context, dsn string, poolConfig *PoolConfig) (*Database, error) {
	l := logger.WithComponent("Ledger/Postgres")

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if poolConfig != nil {
		if poolConfig.MaxConns > 0 {
			config.MaxConns = poolConfig.MaxConns
		}
		if poolConfig.MinConns > 0 {
			config.MinConns = poolConfig.MinConns
		}
		if poolConfig.MaxConnLifetime > 0 {
			config.MaxConnLifetime = poolConfig.MaxConnLifetime
		}
		if poolConfig.MaxConnIdleTime > 0 {
			config.MaxConnIdleTime = poolConfig.MaxConnIdleTime
		}
	}

	l.Info().
		Str("host", config.ConnConfig.Host).
		Str("database", config.ConnConfig.Database).
		Int32("max_conns", config.MaxConns).
		Msg("Connecting to ledger database.")

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}

	db := &Database{Pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

func (db *Database) migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

func (db *Database) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Ledger returns the usage ledger view of the database.
func (db *Database) Ledger() *Ledger {
	return &Ledger{pool: db.Pool}
}

// Registry returns the device registry view of the database.
func (db *Database) Registry() *Registry {
	return &Registry{pool: db.Pool}
}
