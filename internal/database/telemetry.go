package database

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/irfndi/kfold-ensemble-go/internal/database"

// TracedPool wraps a DatabasePool and records a span for every statement.
type TracedPool struct {
	pool   DatabasePool
	tracer trace.Tracer
}

// NewTracedPool wraps pool with spans from tp. A nil tp uses the global provider.
func NewTracedPool(pool DatabasePool, tp trace.TracerProvider) *TracedPool {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracedPool{pool: pool, tracer: tp.Tracer(tracerName)}
}

// Query executes a query that returns rows.
func (db *TracedPool) Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error) {
	ctx, span := db.start(ctx, "db.query", sql)
	defer span.End()

	rows, err := db.pool.Query(ctx, sql, args...)
	RecordDatabaseError(span, err)
	return rows, err
}

// QueryRow executes a query expected to return at most one row.
// Scan errors surface to the caller, not to the span.
func (db *TracedPool) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	ctx, span := db.start(ctx, "db.query_row", sql)
	defer span.End()

	return db.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a statement without returning rows.
func (db *TracedPool) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	ctx, span := db.start(ctx, "db.exec", sql)
	defer span.End()

	start := time.Now()
	tag, err := db.pool.Exec(ctx, sql, args...)
	if err == nil {
		AddDatabaseSpanAttributes(span, tag.RowsAffected(), time.Since(start))
	}
	RecordDatabaseError(span, err)
	return tag, err
}

// Begin starts a transaction. Statements run on the returned Tx are not traced individually.
func (db *TracedPool) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := db.tracer.Start(ctx, "db.begin",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", "BEGIN"),
		),
	)
	defer span.End()

	tx, err := db.pool.Begin(ctx)
	RecordDatabaseError(span, err)
	return tx, err
}

func (db *TracedPool) start(ctx context.Context, name, sql string) (context.Context, trace.Span) {
	return db.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", statementVerb(sql)),
			attribute.String("db.statement", strings.Join(strings.Fields(sql), " ")),
		),
	)
}

// RecordDatabaseError marks span as failed when err is set.
func RecordDatabaseError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddDatabaseSpanAttributes annotates span with statement results.
func AddDatabaseSpanAttributes(span trace.Span, rowsAffected int64, elapsed time.Duration) {
	span.SetAttributes(
		attribute.Int64("db.rows_affected", rowsAffected),
		attribute.Int64("db.duration_ms", elapsed.Milliseconds()),
	)
}

func statementVerb(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
