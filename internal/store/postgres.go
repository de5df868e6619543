package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for a duplicate primary key.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Transact locks the position row with SELECT ... FOR UPDATE, so fills for
// one key queue on the row lock while other keys proceed.
func (s *PostgresStore) Transact(ctx context.Context, key model.Key, fn TxFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrPersistence, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`INSERT INTO positions (user_id, mint, mode) VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		key.UserID, key.Mint, string(key.Mode))
	if err != nil {
		return fmt.Errorf("%w: ensure position %s: %w", ErrPersistence, key, err)
	}

	state := LedgerState{Exists: tag.RowsAffected() == 0}
	state.Position, err = scanPosition(tx.QueryRow(ctx,
		`SELECT user_id, mint, mode,
		        quantity::TEXT, cost_basis::TEXT, cost_basis_reporting::TEXT,
		        realized_pnl::TEXT, realized_pnl_reporting::TEXT, updated_at,
		        last_fill_at, last_fill_seq
		 FROM positions WHERE user_id = $1 AND mint = $2 AND mode = $3
		 FOR UPDATE`,
		key.UserID, key.Mint, string(key.Mode)))
	if err != nil {
		return fmt.Errorf("%w: lock position %s: %w", ErrPersistence, key, err)
	}
	if state.Lots, err = queryLots(ctx, tx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	mut, err := fn(state)
	if err != nil {
		return err
	}
	if mut == nil {
		return nil
	}

	if err := writeMutation(ctx, tx, key, mut); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit %s: %w", ErrPersistence, key, err)
	}
	return nil
}

func writeMutation(ctx context.Context, tx pgx.Tx, key model.Key, mut *Mutation) error {
	f := mut.Fill
	seq, err := seqToInt(f.Seq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO fills (id, user_id, mint, mode, seq, side, quantity, price, fee, fx_rate, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		f.ID, key.UserID, key.Mint, string(key.Mode), seq, string(f.Side),
		f.Quantity.String(), f.Price.String(), f.Fee.String(), f.FXRate.String(),
		f.Timestamp,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateFill, f.ID)
		}
		return fmt.Errorf("%w: insert fill %s: %w", ErrPersistence, f.ID, err)
	}

	p := mut.Position
	lastSeq, err := seqToInt(p.LastFillSeq)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE positions
		 SET quantity = $4::NUMERIC, cost_basis = $5::NUMERIC, cost_basis_reporting = $6::NUMERIC,
		     realized_pnl = $7::NUMERIC, realized_pnl_reporting = $8::NUMERIC, updated_at = $9,
		     last_fill_at = $10, last_fill_seq = $11
		 WHERE user_id = $1 AND mint = $2 AND mode = $3`,
		key.UserID, key.Mint, string(key.Mode),
		p.Quantity.String(), p.CostBasis.String(), p.CostBasisReporting.String(),
		p.RealizedPnL.String(), p.RealizedPnLReporting.String(), p.UpdatedAt,
		p.LastFillAt, lastSeq,
	)
	if err != nil {
		return fmt.Errorf("%w: update position %s: %w", ErrPersistence, key, err)
	}

	// Lots are rewritten wholesale: a sell may shrink the head and drop
	// any number of closed lots.
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM lots WHERE user_id = $1 AND mint = $2 AND mode = $3`,
		key.UserID, key.Mint, string(key.Mode))
	for i, l := range mut.Lots {
		lseq, err := seqToInt(l.Seq)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		batch.Queue(
			`INSERT INTO lots (user_id, mint, mode, position, fill_id, seq, quantity, cost, cost_reporting, fx_rate, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
			key.UserID, key.Mint, string(key.Mode), i, l.FillID, lseq,
			l.Quantity.String(), l.Cost.String(), l.CostReporting.String(), l.FXRate.String(),
			l.CreatedAt,
		)
	}
	if r := mut.Record; r != nil {
		batch.Queue(
			`INSERT INTO realized_pnl (id, user_id, mint, mode, fill_id, amount, amount_reporting, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			r.ID, key.UserID, key.Mint, string(key.Mode), r.FillID,
			r.Amount.String(), r.AmountReporting.String(), r.Timestamp,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("%w: write lots %s: %w", ErrPersistence, key, err)
	}
	return nil
}

func (s *PostgresStore) GetLedgerState(ctx context.Context, key model.Key) (LedgerState, error) {
	pos, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT user_id, mint, mode,
		        quantity::TEXT, cost_basis::TEXT, cost_basis_reporting::TEXT,
		        realized_pnl::TEXT, realized_pnl_reporting::TEXT, updated_at,
		        last_fill_at, last_fill_seq
		 FROM positions WHERE user_id = $1 AND mint = $2 AND mode = $3`,
		key.UserID, key.Mint, string(key.Mode)))
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerState{Position: emptyPosition(key)}, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	if err != nil {
		return LedgerState{}, fmt.Errorf("get position %s: %w", key, err)
	}

	lots, err := queryLots(ctx, s.pool, key)
	if err != nil {
		return LedgerState{}, err
	}
	return LedgerState{Position: pos, Lots: lots, Exists: true}, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string, mode model.Mode) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, mint, mode,
		        quantity::TEXT, cost_basis::TEXT, cost_basis_reporting::TEXT,
		        realized_pnl::TEXT, realized_pnl_reporting::TEXT, updated_at,
		        last_fill_at, last_fill_seq
		 FROM positions WHERE user_id = $1 AND mode = $2 ORDER BY mint`,
		userID, string(mode))
	if err != nil {
		return nil, fmt.Errorf("list positions %s: %w", userID, err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetFills(ctx context.Context, key model.Key) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, seq, side, quantity::TEXT, price::TEXT, fee::TEXT, fx_rate::TEXT, timestamp
		 FROM fills WHERE user_id = $1 AND mint = $2 AND mode = $3
		 ORDER BY timestamp, seq`,
		key.UserID, key.Mint, string(key.Mode))
	if err != nil {
		return nil, fmt.Errorf("get fills %s: %w", key, err)
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var seq int64
		var side, qty, price, fee, fx string
		if err := rows.Scan(&f.ID, &seq, &side, &qty, &price, &fee, &fx, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Seq = uint64(seq)
		f.Side = model.Side(side)
		if err := parseDecimals([]string{qty, price, fee, fx}, &f.Quantity, &f.Price, &f.Fee, &f.FXRate); err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.ID, err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) GetRealizedRecords(ctx context.Context, key model.Key) ([]model.RealizedPnLRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, fill_id, amount::TEXT, amount_reporting::TEXT, timestamp
		 FROM realized_pnl WHERE user_id = $1 AND mint = $2 AND mode = $3
		 ORDER BY timestamp`,
		key.UserID, key.Mint, string(key.Mode))
	if err != nil {
		return nil, fmt.Errorf("get realized pnl %s: %w", key, err)
	}
	defer rows.Close()

	var records []model.RealizedPnLRecord
	for rows.Next() {
		r := model.RealizedPnLRecord{Key: key}
		var amount, amountRep string
		if err := rows.Scan(&r.ID, &r.FillID, &amount, &amountRep, &r.Timestamp); err != nil {
			return nil, err
		}
		if err := parseDecimals([]string{amount, amountRep}, &r.Amount, &r.AmountReporting); err != nil {
			return nil, fmt.Errorf("realized record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLots(ctx context.Context, q querier, key model.Key) ([]model.Lot, error) {
	rows, err := q.Query(ctx,
		`SELECT fill_id, seq, quantity::TEXT, cost::TEXT, cost_reporting::TEXT, fx_rate::TEXT, created_at
		 FROM lots WHERE user_id = $1 AND mint = $2 AND mode = $3
		 ORDER BY position`,
		key.UserID, key.Mint, string(key.Mode))
	if err != nil {
		return nil, fmt.Errorf("get lots %s: %w", key, err)
	}
	defer rows.Close()

	var lots []model.Lot
	for rows.Next() {
		var l model.Lot
		var seq int64
		var qty, cost, costRep, fx string
		if err := rows.Scan(&l.FillID, &seq, &qty, &cost, &costRep, &fx, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Seq = uint64(seq)
		if err := parseDecimals([]string{qty, cost, costRep, fx}, &l.Quantity, &l.Cost, &l.CostReporting, &l.FXRate); err != nil {
			return nil, fmt.Errorf("lot %s: %w", l.FillID, err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var mode, qty, cost, costRep, realized, realizedRep string
	var lastAt *time.Time
	var lastSeq int64
	if err := row.Scan(&p.UserID, &p.Mint, &mode,
		&qty, &cost, &costRep, &realized, &realizedRep, &p.UpdatedAt,
		&lastAt, &lastSeq); err != nil {
		return p, err
	}
	p.Mode = model.Mode(mode)
	if lastAt != nil {
		p.LastFillAt = lastAt.UTC()
	}
	p.LastFillSeq = uint64(lastSeq)
	err := parseDecimals([]string{qty, cost, costRep, realized, realizedRep},
		&p.Quantity, &p.CostBasis, &p.CostBasisReporting, &p.RealizedPnL, &p.RealizedPnLReporting)
	return p, err
}

func parseDecimals(src []string, dst ...*decimal.Decimal) error {
	for i, s := range src {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = v
	}
	return nil
}

// seqToInt maps a sequence number onto BIGINT.
func seqToInt(seq uint64) (int64, error) {
	if seq > math.MaxInt64 {
		return 0, fmt.Errorf("sequence %d overflows BIGINT", seq)
	}
	return int64(seq), nil
}
