package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

const schema = `
	CREATE TABLE IF NOT EXISTS relay_deposits (
		id                TEXT PRIMARY KEY,
		source_chain      BIGINT NOT NULL,
		dest_chain        BIGINT NOT NULL,
		block_number      BIGINT NOT NULL,
		dest_block_number BIGINT NOT NULL DEFAULT 0,
		amount            NUMERIC NOT NULL,
		token             TEXT NOT NULL,
		kind              TEXT NOT NULL,
		bridge            TEXT NOT NULL,
		depositor         TEXT NOT NULL DEFAULT '',
		ts                BIGINT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS relay_deposits_ts_idx ON relay_deposits (ts DESC);
`

const insertQuery = `
	INSERT INTO relay_deposits (
		id, source_chain, dest_chain, block_number, dest_block_number,
		amount, token, kind, bridge, depositor, ts
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO NOTHING`

const recentQuery = `
	SELECT id, source_chain, dest_chain, block_number, dest_block_number,
		amount, token, kind, bridge, depositor, ts
	FROM relay_deposits
	ORDER BY ts DESC, block_number DESC
	LIMIT $1`

// PostgresStore is the lib/pq backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects, tunes the pool and creates the table.
func NewPostgresStore(ctx context.Context, config Config, logger *zap.Logger) (*PostgresStore, error) {
	logger = utils.OrNamed(logger, "DB_WRITER")

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, utils.WrapError(err, utils.ErrorTypeDatabase, "OPEN_FAILED", "failed to open PostgreSQL", "DB_WRITER")
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultConfig().MaxOpenConns
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, utils.WrapError(err, utils.ErrorTypeDatabase, "PING_FAILED", "failed to ping PostgreSQL", "DB_WRITER").
			WithContext("db", config.String()).
			AsRetryable()
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, utils.WrapError(err, utils.ErrorTypeDatabase, "SCHEMA_FAILED", "failed to initialize schema", "DB_WRITER")
	}

	logger.Info("connected to PostgreSQL", zap.Stringer("db", config))
	return &PostgresStore{db: db}, nil
}

// InsertBatch writes txs in one transaction; ids already stored are skipped.
func (s *PostgresStore) InsertBatch(ctx context.Context, txs []models.Transaction) (int, error) {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, utils.WrapError(err, utils.ErrorTypeDatabase, "BEGIN_FAILED", "failed to begin transaction", "DB_WRITER").AsRetryable()
	}
	defer dbTx.Rollback()

	stmt, err := dbTx.PrepareContext(ctx, insertQuery)
	if err != nil {
		return 0, utils.WrapError(err, utils.ErrorTypeDatabase, "PREPARE_FAILED", "failed to prepare insert statement", "DB_WRITER")
	}
	defer stmt.Close()

	inserted := 0
	for _, tx := range txs {
		res, err := stmt.ExecContext(ctx,
			tx.ID,
			tx.SourceChainID,
			tx.DestinationChain(),
			tx.BlockNumber,
			tx.DestinationBlockNumber,
			tx.Amount,
			tx.Token,
			string(tx.Kind),
			tx.Bridge,
			tx.Depositor,
			tx.Timestamp,
		)
		if err != nil {
			return 0, utils.WrapError(err, utils.ErrorTypeDatabase, "INSERT_FAILED", "failed to save transaction", "DB_WRITER").
				WithContext("id", tx.ID)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}

	if err := dbTx.Commit(); err != nil {
		return 0, utils.WrapError(err, utils.ErrorTypeDatabase, "COMMIT_FAILED", "failed to commit transactions", "DB_WRITER").AsRetryable()
	}
	return inserted, nil
}

// Recent returns the newest limit transactions.
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]models.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, recentQuery, limit)
	if err != nil {
		return nil, utils.WrapError(err, utils.ErrorTypeDatabase, "QUERY_FAILED", "failed to query history", "DB_WRITER")
	}
	defer rows.Close()

	txs := make([]models.Transaction, 0, limit)
	for rows.Next() {
		var (
			tx   models.Transaction
			kind string
		)
		if err := rows.Scan(
			&tx.ID,
			&tx.SourceChainID,
			&tx.DestinationChainID,
			&tx.BlockNumber,
			&tx.DestinationBlockNumber,
			&tx.Amount,
			&tx.Token,
			&kind,
			&tx.Bridge,
			&tx.Depositor,
			&tx.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning history row: %w", err)
		}
		tx.Kind = models.DepositKind(kind)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.WrapError(err, utils.ErrorTypeDatabase, "QUERY_FAILED", "failed to read history", "DB_WRITER")
	}
	return txs, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
