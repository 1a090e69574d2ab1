package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS completion_records (
	id          BIGSERIAL PRIMARY KEY,
	group_id    TEXT NOT NULL,
	prompt_id   TEXT,
	category    TEXT,
	url         TEXT NOT NULL,
	http_status INT,
	bytes       BIGINT,
	is_cited    BOOLEAN NOT NULL DEFAULT FALSE,
	note        TEXT,
	attempt     INT NOT NULL,
	final       BOOLEAN NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS completion_records_final_pair
	ON completion_records (group_id, url) WHERE final;
`

// PostgresLedger stores attempt rows in Postgres. It satisfies the same
// contract as the CSV ledger; a run picks one durable backend, never both.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and makes sure the schema exists.
func OpenPostgres(ctx context.Context, connStr string) (*PostgresLedger, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createRecordsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	return &PostgresLedger{pool: pool}, nil
}

// Append inserts one attempt row. Row-level atomicity comes from the insert
// itself; no cross-row transaction is needed.
func (l *PostgresLedger) Append(ctx context.Context, rec domain.CompletionRecord) error {
	var status, bytes interface{}
	if rec.Status != 0 {
		status = rec.Status
		bytes = rec.Bytes
	}
	_, err := l.pool.Exec(ctx,
		`INSERT INTO completion_records
		 (group_id, prompt_id, category, url, http_status, bytes, is_cited, note, attempt, final)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.GroupID, rec.PromptID, rec.Category, rec.URL,
		status, bytes, rec.IsCited, rec.Note, rec.Attempt, rec.Final,
	)
	if err != nil {
		return fmt.Errorf("append ledger row: %w", err)
	}
	return nil
}

// Completed returns every pair that has at least one final row.
func (l *PostgresLedger) Completed(ctx context.Context) (map[domain.Pair]struct{}, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT DISTINCT group_id, url FROM completion_records WHERE final`)
	if err != nil {
		return nil, fmt.Errorf("load completed pairs: %w", err)
	}
	defer rows.Close()

	done := make(map[domain.Pair]struct{})
	for rows.Next() {
		var p domain.Pair
		if err := rows.Scan(&p.GroupID, &p.URL); err != nil {
			return nil, fmt.Errorf("scan completed pair: %w", err)
		}
		done[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read completed pairs: %w", err)
	}
	return done, nil
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
