package store

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rawblock/walletcore/pkg/coinselect"
	"github.com/rawblock/walletcore/pkg/keychain"
)

// PostgresStore persists keychain derivation watermarks and coin-selection
// decisions so a restarted wallet process resumes from exactly where it
// left off instead of re-deriving or re-selecting from scratch.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("connected to PostgreSQL for walletcore")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes the schema.sql file.
func (s *PostgresStore) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/store/schema.sql")
	if err != nil {
		return fmt.Errorf("failed to read schema file: %v", err)
	}

	if _, err := s.pool.Exec(context.Background(), string(schemaBytes)); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("walletcore schema initialized")
	return nil
}

// SaveDerivationAdditions upserts the last-revealed watermark for every
// keychain touched by a RevealTo/Scan call. It is the durable counterpart of
// keychain.DerivationAdditions: applying the rows back through
// ApplyAdditions on startup reproduces the in-memory index's reveal state.
func (s *PostgresStore) SaveDerivationAdditions(ctx context.Context, additions keychain.DerivationAdditions[string]) error {
	if additions.IsEmpty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsertSQL = `
		INSERT INTO derivation_additions (keychain_id, last_revealed, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (keychain_id) DO UPDATE
		SET last_revealed = GREATEST(derivation_additions.last_revealed, EXCLUDED.last_revealed),
		    updated_at = NOW();
	`
	for keychainID, lastRevealed := range additions {
		if _, err := tx.Exec(ctx, upsertSQL, keychainID, lastRevealed); err != nil {
			return fmt.Errorf("failed to upsert derivation_additions for %s: %v", keychainID, err)
		}
	}

	return tx.Commit(ctx)
}

// LoadDerivationAdditions reconstructs a DerivationAdditions map from every
// persisted watermark, suitable for replay through
// KeychainTxOutIndex.ApplyAdditions at startup.
func (s *PostgresStore) LoadDerivationAdditions(ctx context.Context) (keychain.DerivationAdditions[string], error) {
	rows, err := s.pool.Query(ctx, `SELECT keychain_id, last_revealed FROM derivation_additions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(keychain.DerivationAdditions[string])
	for rows.Next() {
		var id string
		var lastRevealed uint32
		if err := rows.Scan(&id, &lastRevealed); err != nil {
			return nil, err
		}
		out[id] = lastRevealed
	}
	return out, rows.Err()
}

// SelectionRecord is the durable row produced by a successful coin
// selection, capturing enough of the chosen Selection to reconstruct which
// candidates funded a transaction and what excess strategy was applied.
type SelectionRecord struct {
	ID              uuid.UUID
	TargetValue     uint64
	SelectedIndices []int
	StrategyKind    string
	Fee             uint64
	DrainValue      uint64
}

// SaveSelectionRecord persists the outcome of CoinSelector.Finish.
func (s *PostgresStore) SaveSelectionRecord(ctx context.Context, targetValue uint64, sel coinselect.Selection) (uuid.UUID, error) {
	kind, strat := sel.BestStrategy()
	id := uuid.New()

	const insertSQL = `
		INSERT INTO selection_records
			(id, target_value, selected_indices, strategy_kind, fee, drain_value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW());
	`
	_, err := s.pool.Exec(ctx, insertSQL,
		id, targetValue, sel.SelectedIndices, kind.String(), strat.Fee, strat.DrainValue)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert selection_records: %v", err)
	}
	return id, nil
}

// ListSelectionRecords returns the most recent selection records, newest first.
func (s *PostgresStore) ListSelectionRecords(ctx context.Context, limit int) ([]SelectionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, target_value, selected_indices, strategy_kind, fee, drain_value
		FROM selection_records
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SelectionRecord
	for rows.Next() {
		var r SelectionRecord
		if err := rows.Scan(&r.ID, &r.TargetValue, &r.SelectedIndices, &r.StrategyKind, &r.Fee, &r.DrainValue); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if records == nil {
		records = []SelectionRecord{}
	}
	return records, rows.Err()
}

// GetPool exposes the connection pool to callers that need raw access
// (migrations tooling, health checks).
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}
