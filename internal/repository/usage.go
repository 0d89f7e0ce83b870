// Package repository persists usage records in SQL. Postgres (lib/pq) is
// used in deployments; SQLite (modernc.org/sqlite) serves local runs and
// tests.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/felipepmaragno/llm-orchestrator/internal/cost"
	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	cached BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_created_at ON usage_records(created_at);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	cost_usd REAL NOT NULL,
	cached BOOLEAN NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_created_at ON usage_records(created_at);
`

// UsageRepository implements cost.Tracker over database/sql.
type UsageRepository struct {
	db      *sql.DB
	dialect Dialect
}

var _ cost.Tracker = (*UsageRepository)(nil)

// Open connects to databaseURL. postgres:// and postgresql:// URLs use
// lib/pq; sqlite://<path>, file: DSNs and ":memory:" use SQLite.
func Open(ctx context.Context, databaseURL string) (*UsageRepository, error) {
	driver, dsn, dialect, err := parseURL(databaseURL)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection keeps ":memory:" databases alive and serializes writers.
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}

	return NewUsageRepository(db, dialect), nil
}

func parseURL(databaseURL string) (driver, dsn string, dialect Dialect, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, DialectPostgres, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), DialectSQLite, nil
	case strings.HasPrefix(databaseURL, "file:"), databaseURL == ":memory:":
		return "sqlite", databaseURL, DialectSQLite, nil
	default:
		return "", "", "", fmt.Errorf("unsupported database url %q", databaseURL)
	}
}

func NewUsageRepository(db *sql.DB, dialect Dialect) *UsageRepository {
	return &UsageRepository{db: db, dialect: dialect}
}

func (r *UsageRepository) Dialect() Dialect {
	return r.dialect
}

// Migrate creates the usage table and index if they do not exist.
func (r *UsageRepository) Migrate(ctx context.Context) error {
	schema := postgresSchema
	if r.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate usage_records: %w", err)
	}
	return nil
}

func (r *UsageRepository) Record(ctx context.Context, record cost.UsageRecord) error {
	query := r.rebind(`
		INSERT INTO usage_records (request_id, provider, model, prompt_tokens, completion_tokens, cost_usd, cached, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)

	ts := record.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := r.db.ExecContext(ctx, query,
		record.RequestID,
		string(record.Provider),
		record.Model,
		record.PromptTokens,
		record.CompletionTokens,
		record.CostUSD,
		record.Cached,
		record.LatencyMs,
		ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *UsageRepository) TotalCost(ctx context.Context, since time.Time) (float64, error) {
	query := r.rebind(`
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE created_at >= $1
	`)

	var total float64
	if err := r.db.QueryRowContext(ctx, query, since.UTC()).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (r *UsageRepository) Recent(ctx context.Context, limit int) ([]cost.UsageRecord, error) {
	query := `
		SELECT request_id, provider, model, prompt_tokens, completion_tokens, cost_usd, cached, latency_ms, created_at
		FROM usage_records
		ORDER BY created_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []cost.UsageRecord
	for rows.Next() {
		var record cost.UsageRecord
		var provider string
		err := rows.Scan(
			&record.RequestID,
			&provider,
			&record.Model,
			&record.PromptTokens,
			&record.CompletionTokens,
			&record.CostUSD,
			&record.Cached,
			&record.LatencyMs,
			&record.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		record.Provider = domain.ProviderID(provider)
		records = append(records, record)
	}

	return records, rows.Err()
}

func (r *UsageRepository) Close() error {
	return r.db.Close()
}

// rebind rewrites $n placeholders to ? for SQLite.
func (r *UsageRepository) rebind(query string) string {
	if r.dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			b.WriteByte(query[i])
			continue
		}
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			continue
		}
		b.WriteByte('?')
		i = j - 1
	}
	return b.String()
}

func (r *UsageRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
