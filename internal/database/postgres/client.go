// Package postgres stores the miner's history in PostgreSQL: block changes,
// submission outcomes and relay payouts.
package postgres

import (
	"context"
	"database/sql"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"

	"github.com/bardlex/kristminer/pkg/errors"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	// URL is a postgres:// connection URL or a key=value DSN.
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// DefaultConfig returns pool settings for a single miner process
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
		MaxLifetime:  30 * time.Minute,
	}
}

// schema is applied on connect; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS mining_blocks (
		id          BIGSERIAL PRIMARY KEY,
		miner       TEXT        NOT NULL,
		block       TEXT        NOT NULL,
		target      BIGINT      NOT NULL,
		version     BIGINT      NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS mining_submissions (
		id           BIGSERIAL PRIMARY KEY,
		miner        TEXT        NOT NULL,
		address      TEXT        NOT NULL,
		block        TEXT        NOT NULL,
		nonce        TEXT        NOT NULL,
		device_id    INTEGER     NOT NULL,
		version      BIGINT      NOT NULL,
		result       TEXT        NOT NULL,
		message      TEXT        NOT NULL DEFAULT '',
		submitted_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS mining_submissions_miner_idx
		ON mining_submissions (miner, submitted_at DESC)`,
	`CREATE TABLE IF NOT EXISTS relay_payouts (
		id         BIGSERIAL PRIMARY KEY,
		miner      TEXT        NOT NULL,
		from_addr  TEXT        NOT NULL,
		to_addr    TEXT        NOT NULL,
		amount     BIGINT      NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

// NewClient opens the pool, pings the server and applies the schema
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "postgres_connect",
			"failed to open database")
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "postgres_connect",
			"failed to ping database")
	}

	c := &Client{db: db}
	if err := c.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// EnsureSchema creates the miner's tables if they do not exist
func (c *Client) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStorage, "postgres_schema",
				"failed to apply schema")
		}
	}
	return nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB for advanced operations
func (c *Client) DB() *sql.DB {
	return c.db
}
