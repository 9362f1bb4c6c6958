package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-mmg-go/internal/model"
)

// postgres provides persistent storage for ledger events.
type postgres struct {
	db *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL store.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &postgres{db: pool}, nil
}

// initSchema creates the ledger table and its indexes if they don't exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		-- Append-only ledger, one row per provider operation
		CREATE TABLE IF NOT EXISTS ledger_events (
		    id TEXT PRIMARY KEY,
		    request_id TEXT NOT NULL,
		    operation_type TEXT NOT NULL,
		    content_type TEXT NOT NULL DEFAULT '',
		    provider TEXT NOT NULL DEFAULT '',
		    user_id TEXT NOT NULL,
		    project_id TEXT NOT NULL DEFAULT '',
		    ts TIMESTAMP WITH TIME ZONE NOT NULL,
		    duration_ms DOUBLE PRECISION NOT NULL,
		    latency_ms DOUBLE PRECISION NOT NULL,
		    cost NUMERIC(18, 6) NOT NULL,
		    status TEXT NOT NULL,
		    cache_hit BOOLEAN NOT NULL,
		    attempts INTEGER NOT NULL,
		    content_size INTEGER NOT NULL,
		    error_code TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_ts ON ledger_events(ts);
		CREATE INDEX IF NOT EXISTS idx_ledger_user_ts ON ledger_events(user_id, ts);
		CREATE INDEX IF NOT EXISTS idx_ledger_project_ts ON ledger_events(project_id, ts);
		CREATE INDEX IF NOT EXISTS idx_ledger_type_provider ON ledger_events(operation_type, provider);

		-- Ledger rows are immutable
		CREATE OR REPLACE RULE ledger_events_no_update AS ON UPDATE TO ledger_events DO INSTEAD NOTHING;
		CREATE OR REPLACE RULE ledger_events_no_delete AS ON DELETE TO ledger_events DO INSTEAD NOTHING;
	`
	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

func (p *postgres) AppendEvent(ctx context.Context, e model.MetricEvent) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO ledger_events (id, request_id, operation_type, content_type, provider, user_id, project_id,
		    ts, duration_ms, latency_ms, cost, status, cache_hit, attempts, content_size, error_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		e.ID, e.RequestID, string(e.OperationType), string(e.ContentType), string(e.Provider), e.UserID, e.ProjectID,
		e.Timestamp, e.DurationMs, e.LatencyMs, e.Cost, string(e.Status), e.CacheHit, e.Attempts, e.ContentSize, e.ErrorCode,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to append ledger event: %w", err)
	}
	return nil
}

func (p *postgres) QueryEvents(ctx context.Context, f model.MetricFilter) ([]model.MetricEvent, error) {
	query, args := buildEventQuery(f)
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("failed to scan ledger rows: %w", err)
	}
	return events, nil
}

// buildEventQuery renders f as a parameterised WHERE clause.
func buildEventQuery(f model.MetricFilter) (string, []any) {
	query := `SELECT id, request_id, operation_type, content_type, provider, user_id, project_id,
	              ts, duration_ms, latency_ms, cost::float8, status, cache_hit, attempts, content_size, error_code
	          FROM ledger_events WHERE TRUE`
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}
	if f.OperationType != "" {
		add("operation_type = $%d", string(f.OperationType))
	}
	if f.ContentType != "" {
		add("content_type = $%d", string(f.ContentType))
	}
	if f.Provider != "" {
		add("provider = $%d", string(f.Provider))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.ProjectID != "" {
		add("project_id = $%d", f.ProjectID)
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("ts <= $%d", f.Until)
	}
	return query + " ORDER BY ts ASC, id ASC", args
}

func scanEvent(row pgx.CollectableRow) (model.MetricEvent, error) {
	var (
		e                                   model.MetricEvent
		opType, contentType, provider, stat string
	)
	err := row.Scan(&e.ID, &e.RequestID, &opType, &contentType, &provider, &e.UserID, &e.ProjectID,
		&e.Timestamp, &e.DurationMs, &e.LatencyMs, &e.Cost, &stat, &e.CacheHit, &e.Attempts, &e.ContentSize, &e.ErrorCode)
	e.OperationType = model.OperationType(opType)
	e.ContentType = model.ContentType(contentType)
	e.Provider = model.Provider(provider)
	e.Status = model.Status(stat)
	return e, err
}
