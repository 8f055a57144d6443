package recorder

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is the part of pgxpool.Pool the Postgres sink needs.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

var recordColumns = []string{"id", "tab_id", "session_id", "event", "ts", "payload"}

// PostgresSink copies record batches into a table.
type PostgresSink struct {
	pool  DBPool
	table pgx.Identifier
	log   *zap.Logger
}

// NewPostgresSink verifies the connection and creates the table if it is
// missing.
func NewPostgresSink(ctx context.Context, pool DBPool, table string, logger *zap.Logger) (*PostgresSink, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &PostgresSink{pool: pool, table: pgx.Identifier{table}, log: logger.Named("recorder-pg")}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	tab_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	event TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	payload JSONB
)`, s.table.Sanitize())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return s, nil
}

// OpenPostgres connects to dsn and returns a sink on table.
func OpenPostgres(ctx context.Context, dsn, table string, logger *zap.Logger) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database pool: %w", err)
	}
	s, err := NewPostgresSink(ctx, pool, table, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) Write(ctx context.Context, records []Record) error {
	rows := make([][]any, len(records))
	for i, r := range records {
		var payload any
		if len(r.Payload) > 0 {
			payload = string(r.Payload)
		}
		rows[i] = []any{r.ID, r.TabID, r.SessionID, r.Event, r.Timestamp.UTC(), payload}
	}
	n, err := s.pool.CopyFrom(ctx, s.table, recordColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy records: %w", err)
	}
	if int(n) != len(records) {
		return fmt.Errorf("mismatch in copied records count: expected %d, got %d", len(records), n)
	}
	s.log.Debug("Records copied.", zap.Int64("count", n))
	return nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
