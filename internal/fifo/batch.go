package fifo

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
)

// PnLResult is the outcome of replaying a fill history.
type PnLResult struct {
	Dual bool `json:"dual"`

	RealizedPnL            decimal.Decimal `json:"realized_pnl"`
	RealizedPnLReporting   decimal.Decimal `json:"realized_pnl_reporting"`
	UnrealizedPnL          decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLReporting decimal.Decimal `json:"unrealized_pnl_reporting"`

	OpenQuantity       decimal.Decimal `json:"open_quantity"`
	CostBasis          decimal.Decimal `json:"cost_basis"`
	CostBasisReporting decimal.Decimal `json:"cost_basis_reporting"`
	AverageCost        decimal.Decimal `json:"average_cost"`
	MarkPrice          decimal.Decimal `json:"mark_price"`
	LiveFXRate         decimal.Decimal `json:"live_fx_rate"`

	OpenLots     []model.Lot   `json:"open_lots"`
	Realizations []Realization `json:"realizations"`
}

// ComputePnL replays fills from an empty book and marks the remaining lots
// at markPrice. It is a pure function of its inputs.
func ComputePnL(fills []model.Fill, markPrice decimal.Decimal) (*PnLResult, error) {
	return compute(fills, markPrice, decimal.Zero, false)
}

// ComputeDualPnL is ComputePnL with the reporting-currency side enabled.
// Every fill must carry its FX snapshot; liveFX values the open lots.
func ComputeDualPnL(fills []model.Fill, markPrice, liveFX decimal.Decimal) (*PnLResult, error) {
	if !liveFX.IsPositive() {
		return nil, fmt.Errorf("%w: live rate %s", ErrMissingFXRate, liveFX)
	}
	return compute(fills, markPrice, liveFX, true)
}

func compute(fills []model.Fill, mark, liveFX decimal.Decimal, dual bool) (*PnLResult, error) {
	if err := validateMark(mark); err != nil {
		return nil, err
	}

	book, realizations, err := Replay(fills, dual)
	if err != nil {
		return nil, err
	}

	v, err := book.Value(mark, liveFX)
	if err != nil {
		return nil, err
	}
	realized, realizedRep := book.Realized()

	return &PnLResult{
		Dual:                   dual,
		RealizedPnL:            realized,
		RealizedPnLReporting:   realizedRep,
		UnrealizedPnL:          v.UnrealizedPnL,
		UnrealizedPnLReporting: v.UnrealizedPnLReporting,
		OpenQuantity:           v.OpenQuantity,
		CostBasis:              v.CostBasis,
		CostBasisReporting:     v.CostBasisReporting,
		AverageCost:            v.AverageCost,
		MarkPrice:              mark,
		LiveFXRate:             liveFX,
		OpenLots:               book.Lots(),
		Realizations:           realizations,
	}, nil
}

// Replay applies fills in ledger order to an empty book. The first
// rejected fill aborts the replay.
func Replay(fills []model.Fill, dual bool) (*Book, []Realization, error) {
	book := NewBook(dual)
	realizations := make([]Realization, 0)
	for i, f := range SortFills(fills) {
		r, err := book.Apply(f)
		if err != nil {
			return nil, nil, fmt.Errorf("fill %d (%s): %w", i, f.ID, err)
		}
		if r != nil {
			realizations = append(realizations, *r)
		}
	}
	return book, realizations, nil
}

// SortFills returns a copy of fills ordered by timestamp, then sequence
// number. Fills with equal timestamp and sequence keep their input order.
func SortFills(fills []model.Fill) []model.Fill {
	out := slices.Clone(fills)
	slices.SortStableFunc(out, func(a, b model.Fill) int {
		return CompareOrder(a.Timestamp, a.Seq, b.Timestamp, b.Seq)
	})
	return out
}

// CompareOrder orders two (timestamp, seq) pairs the way SortFills does.
func CompareOrder(aAt time.Time, aSeq uint64, bAt time.Time, bSeq uint64) int {
	if c := aAt.Compare(bAt); c != 0 {
		return c
	}
	return cmp.Compare(aSeq, bSeq)
}
