package wallet

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/chainvoice/internal/chain"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// ReserveIndex bumps the per-chain counter in one atomic statement. The
// upsert seeds the counter row on first use.
func (p *PostgresStore) ReserveIndex(ctx context.Context, c chain.Chain) (int64, error) {
	var index int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO address_counters (chain, next_index) VALUES ($1, 1)
		ON CONFLICT (chain) DO UPDATE SET next_index = address_counters.next_index + 1
		RETURNING next_index - 1
	`, string(c)).Scan(&index)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve address index: %w", err)
	}
	return index, nil
}

func (p *PostgresStore) SaveAddress(ctx context.Context, c chain.Chain, index int64, address string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (chain, address_index, address, claimed, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
	`, string(c), index, address)
	if err != nil {
		return fmt.Errorf("failed to save derived address: %w", err)
	}
	return nil
}

// ClaimPooled claims the oldest unclaimed pool entry. SKIP LOCKED keeps
// concurrent checkouts from contending for the same row.
func (p *PostgresStore) ClaimPooled(ctx context.Context, c chain.Chain) (string, int64, error) {
	var address string
	var index int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE deposit_addresses SET claimed = TRUE
		WHERE (chain, address_index) = (
			SELECT chain, address_index FROM deposit_addresses
			WHERE chain = $1 AND NOT claimed
			ORDER BY address_index ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING address, address_index
	`, string(c)).Scan(&address, &index)
	if err == sql.ErrNoRows {
		return "", 0, ErrPoolExhausted
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to claim pool address: %w", err)
	}
	return address, index, nil
}

func (p *PostgresStore) AddPooled(ctx context.Context, c chain.Chain, address string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deposit_addresses (chain, address_index, address, claimed, created_at)
		SELECT $1, COALESCE(MAX(address_index), -1) + 1, $2, FALSE, NOW()
		FROM deposit_addresses WHERE chain = $1
	`, string(c), address)
	if err != nil {
		return fmt.Errorf("failed to add pool address: %w", err)
	}
	return nil
}

func (p *PostgresStore) PoolRemaining(ctx context.Context, c chain.Chain) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM deposit_addresses WHERE chain = $1 AND NOT claimed
	`, string(c)).Scan(&n)
	return n, err
}
