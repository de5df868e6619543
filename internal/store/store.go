// Package store defines the durable ledger for the PnL engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache and PnL history), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

var (
	// ErrPositionNotFound is returned when a key has no durable position.
	ErrPositionNotFound = errors.New("store: position not found")

	// ErrDuplicateFill is returned when a fill id has already been applied.
	ErrDuplicateFill = errors.New("store: fill already applied")

	// ErrPersistence wraps every storage failure on the write path.
	ErrPersistence = errors.New("store: persistence failure")
)

// LedgerState is the durable state of one position at the start of a
// transaction. Lots are ordered oldest first.
type LedgerState struct {
	Position model.Position
	Lots     []model.Lot
	Exists   bool
}

// Mutation is everything one fill writes. Record is nil for BUY fills.
type Mutation struct {
	Fill     model.Fill
	Position model.Position
	Lots     []model.Lot
	Record   *model.RealizedPnLRecord
}

// TxFunc computes the mutation for one fill from the locked state. An
// error aborts the transaction and nothing is written.
type TxFunc func(state LedgerState) (*Mutation, error)

// Store is the durable ledger. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Transact reads the position and lots for key, calls fn, and writes
	// the returned mutation atomically. Concurrent calls for the same key
	// are serialized; different keys do not block each other.
	Transact(ctx context.Context, key model.Key, fn TxFunc) error

	// GetLedgerState returns the position and open lots for key.
	GetLedgerState(ctx context.Context, key model.Key) (LedgerState, error)

	// ListPositions returns every position of a user in one mode.
	ListPositions(ctx context.Context, userID string, mode model.Mode) ([]model.Position, error)

	// GetFills returns the applied fills for key in ledger order.
	GetFills(ctx context.Context, key model.Key) ([]model.Fill, error)

	// GetRealizedRecords returns the append-only realized PnL entries.
	GetRealizedRecords(ctx context.Context, key model.Key) ([]model.RealizedPnLRecord, error)
}

// HistoryStore persists the bounded PnL series per (user, mode).
// Writes are best effort; callers log failures and move on.
type HistoryStore interface {
	SaveHistory(ctx context.Context, userID string, mode model.Mode, points []model.PnLPoint) error
	LoadHistory(ctx context.Context, userID string, mode model.Mode) ([]model.PnLPoint, error)
}

func emptyPosition(key model.Key) model.Position {
	return model.Position{
		Key:                  key,
		Quantity:             decimal.Zero,
		CostBasis:            decimal.Zero,
		CostBasisReporting:   decimal.Zero,
		RealizedPnL:          decimal.Zero,
		RealizedPnLReporting: decimal.Zero,
	}
}

func positionsKey(userID string, mode model.Mode, gen int64) string {
	return fmt.Sprintf("positions:%s:%s:%d", userID, mode, gen)
}

func positionsGenKey(userID string, mode model.Mode) string {
	return fmt.Sprintf("positions:gen:%s:%s", userID, mode)
}

func historyKey(userID string, mode model.Mode) string {
	return fmt.Sprintf("pnl:history:%s:%s", userID, mode)
}
