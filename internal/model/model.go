// Package model defines the core domain types shared across the PnL engine.
// All monetary values use shopspring/decimal holding whole base units.
// Never float64 for money.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/units"
)

// Side of a fill.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Mode is the trading mode a position lives in.
type Mode string

const (
	ModePaper Mode = "PAPER"
	ModeReal  Mode = "REAL"
)

// Valid reports whether m is a known trading mode.
func (m Mode) Valid() bool {
	return m == ModePaper || m == ModeReal
}

// Key identifies one position: a user's holding of one mint in one mode.
type Key struct {
	UserID string `json:"user_id"`
	Mint   string `json:"mint"`
	Mode   Mode   `json:"mode"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.UserID, k.Mode, k.Mint)
}

// Fill is an immutable record of one executed trade leg.
// Quantity is in mint base units, Price in lamports per base unit and Fee
// in lamports. FXRate is the SOL→USD rate scaled by units.FXScale; zero
// when no snapshot was taken.
type Fill struct {
	ID        string          `json:"id" db:"id"`
	Seq       uint64          `json:"seq" db:"seq"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	FXRate    decimal.Decimal `json:"fx_rate" db:"fx_rate"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Lot is an open FIFO slice of a position created by one BUY.
// Cost and CostReporting shrink in proportion to Quantity.
type Lot struct {
	FillID        string          `json:"fill_id" db:"fill_id"`
	Seq           uint64          `json:"seq" db:"seq"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	Cost          decimal.Decimal `json:"cost" db:"cost"`
	CostReporting decimal.Decimal `json:"cost_reporting" db:"cost_reporting"`
	FXRate        decimal.Decimal `json:"fx_rate" db:"fx_rate"` // frozen at creation
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Position is the durable aggregate for one Key.
type Position struct {
	Key
	Quantity             decimal.Decimal `json:"quantity" db:"quantity"`
	CostBasis            decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	CostBasisReporting   decimal.Decimal `json:"cost_basis_reporting" db:"cost_basis_reporting"`
	RealizedPnL          decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	RealizedPnLReporting decimal.Decimal `json:"realized_pnl_reporting" db:"realized_pnl_reporting"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	// LastFillAt and LastFillSeq order the newest fill applied to the
	// ledger. Fills that sort before them are rejected.
	LastFillAt  time.Time `json:"last_fill_at" db:"last_fill_at"`
	LastFillSeq uint64    `json:"last_fill_seq" db:"last_fill_seq"`
}

// AverageCost returns floor(CostBasis / Quantity), or zero when flat.
func (p Position) AverageCost() decimal.Decimal {
	if !p.Quantity.IsPositive() {
		return decimal.Zero
	}
	return units.MulDivFloor(p.CostBasis, decimal.NewFromInt(1), p.Quantity)
}

// RealizedPnLRecord is one append-only audit entry, written for every SELL.
type RealizedPnLRecord struct {
	ID              string          `json:"id" db:"id"`
	Key             Key             `json:"key"`
	FillID          string          `json:"fill_id" db:"fill_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	AmountReporting decimal.Decimal `json:"amount_reporting" db:"amount_reporting"`
	Timestamp       time.Time       `json:"timestamp" db:"timestamp"`
}

// PositionSnapshot is the incremental cache's view of one position.
// AverageCost may carry up to nine fractional digits.
type PositionSnapshot struct {
	Key
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	HasMark       bool            `json:"has_mark"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Tick is the per-position event emitted to the broadcast sink.
type Tick struct {
	UserID        string          `json:"user_id"`
	Mint          string          `json:"mint"`
	Mode          Mode            `json:"mode"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	Quantity      decimal.Decimal `json:"quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PortfolioTick aggregates a user's positions in one mode.
type PortfolioTick struct {
	UserID        string          `json:"user_id"`
	Mode          Mode            `json:"mode"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	Positions     int             `json:"positions"`
	Timestamp     time.Time       `json:"timestamp"`
}

// PnLPoint is one sample of a user's historical PnL series.
type PnLPoint struct {
	Timestamp     time.Time       `json:"timestamp"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
}

// Portfolio aggregates all durable positions of a user in one mode, marked
// at the latest known prices.
type Portfolio struct {
	UserID        string             `json:"user_id"`
	Mode          Mode               `json:"mode"`
	Positions     []PositionSnapshot `json:"positions"`
	RealizedPnL   decimal.Decimal    `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal    `json:"total_pnl"`
}
