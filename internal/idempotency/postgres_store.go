package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table so several gateways
// can share one replay window.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS appstore_submissions (
    key TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    status_code INT NOT NULL,
    response BYTEA NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS appstore_submissions_expires_at ON appstore_submissions (expires_at);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*Record, error) {
	row := p.pool.QueryRow(ctx, `
SELECT operation, fingerprint, status_code, response, tx_hash, created_at, expires_at
FROM appstore_submissions
WHERE key = $1
`, key)

	var rec Record
	if err := row.Scan(&rec.Operation, &rec.Fingerprint, &rec.StatusCode, &rec.Response, &rec.TxHash, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if p.now().After(rec.ExpiresAt) {
		go p.deleteKey(context.Background(), key)
		return nil, nil
	}
	return &rec, nil
}

func (p *PostgresStore) Save(ctx context.Context, key string, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO appstore_submissions (key, operation, fingerprint, status_code, response, tx_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (key) DO UPDATE
SET operation = EXCLUDED.operation,
    fingerprint = EXCLUDED.fingerprint,
    status_code = EXCLUDED.status_code,
    response = EXCLUDED.response,
    tx_hash = EXCLUDED.tx_hash,
    created_at = EXCLUDED.created_at,
    expires_at = EXCLUDED.expires_at
`, key, record.Operation, record.Fingerprint, record.StatusCode, record.Response, record.TxHash, record.CreatedAt, record.ExpiresAt)
	return err
}

// PurgeExpired deletes every record past its window and reports how many went.
func (p *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM appstore_submissions WHERE expires_at < $1`, p.now())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) deleteKey(ctx context.Context, key string) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM appstore_submissions WHERE key = $1`, key)
}
