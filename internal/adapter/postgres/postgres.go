// Package postgres is the relational adapter. Natural language is
// translated to read-only SQL; execution goes through a dedicated
// pgx pool pointed at the analytics warehouse.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"crossquery.app/conductor/common/llm"
	"crossquery.app/conductor/common/logger"
	"crossquery.app/conductor/internal/adapter"
	"crossquery.app/conductor/internal/model"
	"crossquery.app/conductor/internal/oerr"
)

const streamChunkSize = 100

var selectOnly = regexp.MustCompile(`(?is)^\s*(select|with)\b`)

type Adapter struct {
	sourceID   string
	pool       *pgxpool.Pool
	translator *adapter.Translator
	schema     string
}

func New(sourceID string, pool *pgxpool.Pool, llmClient llm.Client, schemaSummary string) *Adapter {
	translator := adapter.NewTranslator(llmClient, "sql", sqlSystemPrompt, ValidateSQL)
	return &Adapter{
		sourceID:   sourceID,
		pool:       pool,
		translator: translator,
		schema:     schemaSummary,
	}
}

func (a *Adapter) SourceID() string {
	return a.sourceID
}

func (a *Adapter) Test(ctx context.Context) error {
	if err := a.pool.Ping(ctx); err != nil {
		return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("pinging warehouse: %w", err))
	}
	return nil
}

func (a *Adapter) Translate(ctx context.Context, question, schemaHints string) (string, error) {
	if schemaHints == "" {
		schemaHints = a.schema
	}
	return a.translator.Translate(ctx, question, schemaHints)
}

func (a *Adapter) Execute(ctx context.Context, native string) (*adapter.Result, error) {
	return a.run(ctx, native, nil)
}

// Stream executes the query and delivers rows in fixed-size chunks.
func (a *Adapter) Stream(ctx context.Context, native string, onChunk func(rows []model.Row, complete bool)) (*adapter.Result, error) {
	return a.run(ctx, native, onChunk)
}

func (a *Adapter) run(ctx context.Context, native string, onChunk func([]model.Row, bool)) (*adapter.Result, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SourceID:  logger.Ptr(a.sourceID),
		Component: "conductor.adapter.postgres",
	})

	if err := ValidateSQL(native); err != nil {
		return nil, oerr.Wrap(oerr.KindAdapterPermanent, err)
	}

	start := time.Now()
	rows, err := a.pool.Query(ctx, native)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out []model.Row
	var chunk []model.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		row := make(model.Row, len(cols))
		for i, col := range cols {
			row[col] = model.FromAny(values[i])
		}
		out = append(out, row)

		if onChunk != nil {
			chunk = append(chunk, row)
			if len(chunk) >= streamChunkSize {
				onChunk(chunk, false)
				chunk = nil
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if onChunk != nil {
		onChunk(chunk, true)
	}

	slog.DebugContext(ctx, "sql query executed",
		"rows", len(out),
		"duration_ms", time.Since(start).Milliseconds())

	return &adapter.Result{Rows: out, Native: native}, nil
}

func (a *Adapter) Introspect(ctx context.Context) (string, error) {
	const q = `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`

	rows, err := a.pool.Query(ctx, q)
	if err != nil {
		return "", classify(err)
	}
	defer rows.Close()

	var sb strings.Builder
	lastTable := ""
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return "", classify(err)
		}
		if table != lastTable {
			if lastTable != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(table)
			sb.WriteString(":")
			lastTable = table
		}
		sb.WriteString(fmt.Sprintf(" %s(%s)", column, dataType))
	}
	if err := rows.Err(); err != nil {
		return "", classify(err)
	}

	return sb.String(), nil
}

func (a *Adapter) Explain(ctx context.Context, native string) (string, error) {
	if err := ValidateSQL(native); err != nil {
		return "", oerr.Wrap(oerr.KindAdapterPermanent, err)
	}

	rows, err := a.pool.Query(ctx, "EXPLAIN "+native)
	if err != nil {
		return "", classify(err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", classify(err)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), rows.Err()
}

// ValidateSQL rejects anything other than a single read-only statement.
func ValidateSQL(native string) error {
	if !selectOnly.MatchString(native) {
		return fmt.Errorf("only SELECT statements are allowed")
	}
	if strings.Contains(strings.TrimRight(strings.TrimSpace(native), ";"), ";") {
		return fmt.Errorf("multiple statements are not allowed")
	}
	return nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// A server-side error means the query reached the database:
		// bad SQL, missing relation, permissions. Not worth retrying.
		return oerr.Wrap(oerr.KindAdapterPermanent, fmt.Errorf("postgres: %w", err))
	}
	return oerr.Wrap(oerr.KindAdapterTransport, fmt.Errorf("postgres: %w", err))
}

const sqlSystemPrompt = `You translate analytics questions into PostgreSQL SELECT statements.

Rules:
- Produce exactly one SELECT (or WITH ... SELECT) statement. Never INSERT, UPDATE, DELETE, DDL.
- Use only tables and columns present in the provided schema.
- Prefer explicit column lists over SELECT *.
- Add LIMIT 100 unless the question asks for an aggregate or a specific count.
- Timestamps are stored in UTC.`
