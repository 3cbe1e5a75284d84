// Package storage persists finished usage records and batch job
// results to Postgres via pgx. It is grounded on the query/scan idioms
// of a cost-accounting repository found elsewhere in the example pack
// (raw SQL, NULL-safe scanning, upsert-by-conflict aggregates) since
// the teacher repo this module is built from never persisted usage
// data at all — it only logged it.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alfred-dev/gatekeep/usage"
)

// Store is a pgxpool-backed persistence layer. It implements
// usage.Writer so a Recorder can be constructed directly against it.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and verifies the connection with a ping.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// schema holds the DDL for the two tables this store owns. Migrate is
// idempotent (IF NOT EXISTS throughout) so it can run at startup
// without a separate migration tool.
const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            BIGSERIAL PRIMARY KEY,
	request_id    TEXT NOT NULL,
	tenant        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	deployment_id TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens  INTEGER NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	stream        BOOLEAN NOT NULL DEFAULT false,
	status_code   INTEGER NOT NULL DEFAULT 0,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_created ON usage_records (tenant, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_records_provider_model ON usage_records (provider, model);

CREATE TABLE IF NOT EXISTS usage_aggregates (
	tenant        TEXT NOT NULL,
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	period_start  TIMESTAMPTZ NOT NULL,
	total_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_tokens  BIGINT NOT NULL DEFAULT 0,
	request_count BIGINT NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant, provider, model, period_start)
);
`

// Migrate creates the schema if it doesn't already exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WriteUsage persists a batch of usage records in one round trip using
// pgx's batch pipelining, and rolls the same records into the hourly
// usage_aggregates row via an upsert-with-increment — the same
// ON CONFLICT DO UPDATE SET col = table.col + EXCLUDED.col pattern the
// grounding repository's UpdateAggregate used for budget aggregates.
func (s *Store) WriteUsage(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO usage_records (
				request_id, tenant, provider, model, deployment_id,
				input_tokens, output_tokens, total_tokens, cost_usd,
				latency_ms, stream, status_code, error, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		`,
			r.RequestID, r.Tenant, r.Provider, r.Model, r.Deployment,
			r.InputTokens, r.OutputTokens, r.TotalTokens, r.Cost,
			r.LatencyMs, r.Stream, r.StatusCode, r.Error, r.CreatedAt,
		)

		periodStart := r.CreatedAt.Truncate(time.Hour)
		batch.Queue(`
			INSERT INTO usage_aggregates (tenant, provider, model, period_start, total_cost_usd, total_tokens, request_count, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,1,$7)
			ON CONFLICT (tenant, provider, model, period_start)
			DO UPDATE SET
				total_cost_usd = usage_aggregates.total_cost_usd + EXCLUDED.total_cost_usd,
				total_tokens   = usage_aggregates.total_tokens + EXCLUDED.total_tokens,
				request_count  = usage_aggregates.request_count + 1,
				updated_at     = EXCLUDED.updated_at
		`,
			r.Tenant, r.Provider, r.Model, periodStart, r.Cost, int64(r.TotalTokens), time.Now(),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("write usage batch (item %d): %w", i, err)
		}
	}
	return nil
}

// AggregateRow is one tenant/provider/model/period rollup, returned by
// Summary for cost-reporting endpoints.
type AggregateRow struct {
	Tenant       string
	Provider     string
	Model        string
	PeriodStart  time.Time
	TotalCostUSD float64
	TotalTokens  int64
	RequestCount int64
}

// Summary returns the usage_aggregates rows for a tenant within
// [start, end), ordered by period.
func (s *Store) Summary(ctx context.Context, tenant string, start, end time.Time) ([]AggregateRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant, provider, model, period_start, total_cost_usd, total_tokens, request_count
		FROM usage_aggregates
		WHERE tenant = $1 AND period_start >= $2 AND period_start < $3
		ORDER BY period_start ASC
	`, tenant, start, end)
	if err != nil {
		return nil, fmt.Errorf("query usage aggregates: %w", err)
	}
	defer rows.Close()

	var out []AggregateRow
	for rows.Next() {
		var row AggregateRow
		if err := rows.Scan(&row.Tenant, &row.Provider, &row.Model, &row.PeriodStart, &row.TotalCostUSD, &row.TotalTokens, &row.RequestCount); err != nil {
			return nil, fmt.Errorf("scan usage aggregate: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
