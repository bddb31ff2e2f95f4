// Package executor runs validated SELECT statements against tenant databases
// through the shared pool manager. Connections are always returned to their
// pool, results are fully materialized and bounded, and every failure maps to
// a closed taxonomy so handlers never branch on driver error strings.
package executor

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/querydesk/querydesk/internal/observability"
)

const (
	defaultMaxRows          = 10000
	defaultStatementTimeout = 30 * time.Second
)

// ConnectionSource hands out pooled connections keyed by tenant. The pool
// manager is the production implementation.
type ConnectionSource interface {
	Acquire(ctx context.Context, tenantID, dsn string) (*sql.Conn, error)
}

type Config struct {
	// MaxRows bounds a materialized result set. A query whose full result
	// exceeds it fails with KindResultTooLarge; no truncated partial is
	// returned.
	MaxRows int

	// StatementTimeout bounds a single statement once a connection is held.
	StatementTimeout time.Duration
}

type Executor struct {
	source ConnectionSource
	cfg    Config
	logger *slog.Logger
}

func New(source ConnectionSource, cfg Config, logger *slog.Logger) *Executor {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = defaultStatementTimeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{source: source, cfg: cfg, logger: logger}
}

// Outcome is a fully materialized query result. Rows holds one map per row
// keyed by column name, in result order.
type Outcome struct {
	Columns       []string         `json:"columns"`
	Rows          []map[string]any `json:"rows"`
	RowCount      int              `json:"row_count"`
	ElapsedMillis int64            `json:"elapsed_millis"`
}

// Execute acquires a connection for the tenant, runs the statement, and
// materializes the result. Elapsed time covers acquisition through
// materialization. The connection is released on every path, including
// caller cancellation and classification failures.
func (e *Executor) Execute(ctx context.Context, tenantID, dsn, statement string) (*Outcome, error) {
	start := time.Now()

	conn, err := e.source.Acquire(ctx, tenantID, dsn)
	if err != nil {
		return nil, e.fail(tenantID, start, err)
	}
	defer func() { _ = conn.Close() }()

	queryCtx, cancel := context.WithTimeout(ctx, e.cfg.StatementTimeout)
	defer cancel()

	rows, err := conn.QueryContext(queryCtx, statement)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, e.fail(tenantID, start, err)
	}
	defer func() { _ = rows.Close() }()

	outcome, err := e.materialize(rows)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, e.fail(tenantID, start, err)
	}

	outcome.ElapsedMillis = time.Since(start).Milliseconds()
	observability.ObserveQuery("ok", time.Since(start))
	e.logger.Debug("query executed",
		slog.String("tenant_id", tenantID),
		slog.Int("row_count", outcome.RowCount),
		slog.Int64("elapsed_ms", outcome.ElapsedMillis))
	return outcome, nil
}

func (e *Executor) fail(tenantID string, start time.Time, err error) error {
	classified := Classify(err)
	observability.ObserveQuery(string(classified.Kind), time.Since(start))
	e.logger.Warn("query failed",
		slog.String("tenant_id", tenantID),
		slog.String("kind", string(classified.Kind)),
		slog.String("error", classified.Message))
	return classified
}

// materialize drains the cursor into memory. The row cap is enforced on the
// complete result: rows are counted past the limit so the error can state
// that the query exceeded it, but nothing beyond limit+1 is retained.
func (e *Executor) materialize(rows *sql.Rows) (*Outcome, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := &Outcome{Columns: columns, Rows: make([]map[string]any, 0, 64)}
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, err
		}
		if len(out.Rows) > e.cfg.MaxRows {
			continue
		}
		record := make(map[string]any, len(columns))
		for i, name := range columns {
			record[name] = normalizeValue(values[i])
		}
		out.Rows = append(out.Rows, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out.Rows) > e.cfg.MaxRows {
		return nil, &Error{
			Kind:    KindResultTooLarge,
			Message: fmt.Sprintf("query returned more than %d rows; add a LIMIT clause or narrow the filter", e.cfg.MaxRows),
			Limit:   e.cfg.MaxRows,
		}
	}

	out.RowCount = len(out.Rows)
	return out, nil
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case []byte:
		return string(v)
	default:
		return v
	}
}
