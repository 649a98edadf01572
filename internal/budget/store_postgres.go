package budget

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists budget sessions in PostgreSQL so multiple gateway
// instances share one ledger. Concurrent writers are last-writer-wins; the
// tracker serializes within a process.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS budget_sessions (
			id TEXT PRIMARY KEY,
			ledger JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_budget_sessions_expires ON budget_sessions (expires_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	var ledger []byte
	err := p.pool.QueryRow(ctx,
		`SELECT ledger FROM budget_sessions WHERE id=$1 AND expires_at > now()`,
		sessionID,
	).Scan(&ledger)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query budget session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(ledger, &s); err != nil {
		return nil, fmt.Errorf("decode budget session: %w", err)
	}
	return &s, nil
}

func (p *PostgresStore) Put(ctx context.Context, s *Session) error {
	ledger, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode budget session: %w", err)
	}

	_, err = p.pool.Exec(ctx,
		`INSERT INTO budget_sessions (id, ledger, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET ledger=EXCLUDED.ledger, expires_at=EXCLUDED.expires_at`,
		s.ID, ledger, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("save budget session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Evict(ctx context.Context, sessionID string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM budget_sessions WHERE id=$1`, sessionID); err != nil {
		return fmt.Errorf("evict budget session: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// SweepExpired deletes expired rows; intended for a periodic janitor.
func (p *PostgresStore) SweepExpired(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM budget_sessions WHERE expires_at <= $1`, time.Now().UTC()); err != nil {
		return fmt.Errorf("sweep budget sessions: %w", err)
	}
	return nil
}
