// Package fifo implements FIFO lot accounting for a single position.
//
// A Book holds the open lots of one (user, mint, mode) and applies fills to
// them one at a time. BUY fills push a lot; SELL fills consume lots from the
// head of the queue and realize PnL against the cost they release.
// Everything is computed on whole base units with floor division, so the
// same fills always produce the same integers.
//
// A Book can optionally carry a reporting-currency (USD) side. Each lot then
// freezes its USD cost at the FX rate of the BUY that created it; a SELL
// converts only its proceeds at its own FX rate.
package fifo

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/units"
)

var (
	// ErrInvalidFill is returned for non-positive quantity or price, a
	// negative fee, fractional base units or an unknown side.
	ErrInvalidFill = errors.New("fifo: invalid fill")

	// ErrInvalidMarkPrice is returned when the mark price is not a positive
	// whole number of lamports.
	ErrInvalidMarkPrice = errors.New("fifo: mark price must be positive")

	// ErrMissingFXRate is returned when a reporting-currency book receives a
	// fill or valuation without a positive FX rate.
	ErrMissingFXRate = errors.New("fifo: fx rate snapshot required")

	// ErrOversold is returned when a SELL exceeds the open quantity. The
	// book is left untouched.
	ErrOversold = errors.New("fifo: sell exceeds open quantity")

	// ErrPositionNotFound is returned for a SELL against an empty book.
	ErrPositionNotFound = errors.New("fifo: no open lots to sell against")
)

// Realization is the outcome of one SELL.
type Realization struct {
	FillID                string          `json:"fill_id"`
	Quantity              decimal.Decimal `json:"quantity"`
	NetProceeds           decimal.Decimal `json:"net_proceeds"`
	NetProceedsReporting  decimal.Decimal `json:"net_proceeds_reporting"`
	CostReleased          decimal.Decimal `json:"cost_released"`
	CostReleasedReporting decimal.Decimal `json:"cost_released_reporting"`
	Amount                decimal.Decimal `json:"amount"`
	AmountReporting       decimal.Decimal `json:"amount_reporting"`
	LotsClosed            int             `json:"lots_closed"`
}

// Book is the FIFO lot queue of one position. It is not safe for
// concurrent use; callers serialize access per position.
type Book struct {
	dual              bool
	lots              []model.Lot
	realized          decimal.Decimal
	realizedReporting decimal.Decimal
}

// NewBook returns an empty book. dual enables the reporting-currency side.
func NewBook(dual bool) *Book {
	return &Book{dual: dual}
}

// RestoreBook rebuilds a book from persisted lots, oldest first.
func RestoreBook(lots []model.Lot, dual bool) *Book {
	b := &Book{dual: dual, lots: make([]model.Lot, len(lots))}
	copy(b.lots, lots)
	return b
}

// Dual reports whether the book tracks the reporting currency.
func (b *Book) Dual() bool { return b.dual }

// Lots returns a copy of the open lots, oldest first.
func (b *Book) Lots() []model.Lot {
	out := make([]model.Lot, len(b.lots))
	copy(out, b.lots)
	return out
}

// OpenQuantity is the sum of remaining lot quantities.
func (b *Book) OpenQuantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.Quantity)
	}
	return total
}

// CostBasis is the sum of remaining lot costs in lamports.
func (b *Book) CostBasis() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.Cost)
	}
	return total
}

// CostBasisReporting is the sum of frozen reporting-currency lot costs.
func (b *Book) CostBasisReporting() decimal.Decimal {
	total := decimal.Zero
	for _, l := range b.lots {
		total = total.Add(l.CostReporting)
	}
	return total
}

// Realized returns the PnL realized by sells applied to this book since it
// was created or restored.
func (b *Book) Realized() (native, reporting decimal.Decimal) {
	return b.realized, b.realizedReporting
}

// ValidateFill checks a fill before it touches any state.
func ValidateFill(f model.Fill, dual bool) error {
	switch {
	case !f.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidFill, f.Side)
	case !f.Quantity.IsPositive() || !units.IsWhole(f.Quantity):
		return fmt.Errorf("%w: quantity %s must be a positive whole number", ErrInvalidFill, f.Quantity)
	case !f.Price.IsPositive() || !units.IsWhole(f.Price):
		return fmt.Errorf("%w: price %s must be a positive whole number", ErrInvalidFill, f.Price)
	case f.Fee.IsNegative() || !units.IsWhole(f.Fee):
		return fmt.Errorf("%w: fee %s must be a non-negative whole number", ErrInvalidFill, f.Fee)
	case f.FXRate.IsNegative() || !units.IsWhole(f.FXRate):
		return fmt.Errorf("%w: fx rate %s must be a non-negative scaled integer", ErrInvalidFill, f.FXRate)
	}
	if dual && !f.FXRate.IsPositive() {
		return fmt.Errorf("%w: fill %s", ErrMissingFXRate, f.ID)
	}
	return nil
}

// Apply applies one fill. BUY fills return a nil Realization. A rejected
// fill leaves the book exactly as it was.
func (b *Book) Apply(f model.Fill) (*Realization, error) {
	if err := ValidateFill(f, b.dual); err != nil {
		return nil, err
	}
	if f.Side == model.SideBuy {
		b.buy(f)
		return nil, nil
	}

	if len(b.lots) == 0 {
		return nil, fmt.Errorf("%w: fill %s", ErrPositionNotFound, f.ID)
	}
	if open := b.OpenQuantity(); f.Quantity.GreaterThan(open) {
		return nil, fmt.Errorf("%w: sell %s, open %s", ErrOversold, f.Quantity, open)
	}
	return b.sell(f), nil
}

func (b *Book) buy(f model.Fill) {
	cost := f.Quantity.Mul(f.Price).Add(f.Fee)
	lot := model.Lot{
		FillID:        f.ID,
		Seq:           f.Seq,
		Quantity:      f.Quantity,
		Cost:          cost,
		CostReporting: decimal.Zero,
		FXRate:        decimal.Zero,
		CreatedAt:     f.Timestamp,
	}
	if b.dual {
		lot.CostReporting = units.ToReporting(cost, f.FXRate)
		lot.FXRate = f.FXRate
	}
	b.lots = append(b.lots, lot)
}

// sell consumes lots oldest first. The caller has already checked that the
// open quantity covers the sell.
//
// Each lot carries its own share of the fee, floor(fee*take/qty). When a
// sell spans several lots the floored shares may sum to less than the fee;
// the remainder is never charged.
func (b *Book) sell(f model.Fill) *Realization {
	r := &Realization{
		FillID:                f.ID,
		Quantity:              f.Quantity,
		NetProceeds:           decimal.Zero,
		NetProceedsReporting:  decimal.Zero,
		CostReleased:          decimal.Zero,
		CostReleasedReporting: decimal.Zero,
		Amount:                decimal.Zero,
		AmountReporting:       decimal.Zero,
	}

	remaining := f.Quantity

	for remaining.IsPositive() {
		lot := &b.lots[0]
		take := decimal.Min(remaining, lot.Quantity)

		// Divisor is the lot quantity before this consumption step.
		cost := units.MulDivFloor(lot.Cost, take, lot.Quantity)
		fee := units.MulDivFloor(f.Fee, take, f.Quantity)

		net := take.Mul(f.Price).Sub(fee)
		r.NetProceeds = r.NetProceeds.Add(net)
		r.CostReleased = r.CostReleased.Add(cost)
		r.Amount = r.Amount.Add(net.Sub(cost))

		if b.dual {
			costRep := units.MulDivFloor(lot.CostReporting, take, lot.Quantity)
			netRep := units.ToReporting(net, f.FXRate)
			r.NetProceedsReporting = r.NetProceedsReporting.Add(netRep)
			r.CostReleasedReporting = r.CostReleasedReporting.Add(costRep)
			r.AmountReporting = r.AmountReporting.Add(netRep.Sub(costRep))
			lot.CostReporting = lot.CostReporting.Sub(costRep)
		}

		lot.Quantity = lot.Quantity.Sub(take)
		lot.Cost = lot.Cost.Sub(cost)
		remaining = remaining.Sub(take)

		if lot.Quantity.IsZero() {
			b.lots = b.lots[1:]
			r.LotsClosed++
		}
	}

	b.realized = b.realized.Add(r.Amount)
	b.realizedReporting = b.realizedReporting.Add(r.AmountReporting)
	return r
}

// Valuation is the mark-to-market view of a book's open lots.
type Valuation struct {
	MarkPrice              decimal.Decimal `json:"mark_price"`
	LiveFXRate             decimal.Decimal `json:"live_fx_rate"`
	OpenQuantity           decimal.Decimal `json:"open_quantity"`
	CostBasis              decimal.Decimal `json:"cost_basis"`
	CostBasisReporting     decimal.Decimal `json:"cost_basis_reporting"`
	AverageCost            decimal.Decimal `json:"average_cost"`
	MarketValue            decimal.Decimal `json:"market_value"`
	MarketValueReporting   decimal.Decimal `json:"market_value_reporting"`
	UnrealizedPnL          decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLReporting decimal.Decimal `json:"unrealized_pnl_reporting"`
}

// Value marks every open lot at the same mark price. liveFX is the current
// FX rate and is only required for reporting-currency books.
func (b *Book) Value(mark, liveFX decimal.Decimal) (Valuation, error) {
	if err := validateMark(mark); err != nil {
		return Valuation{}, err
	}
	if b.dual && !liveFX.IsPositive() {
		return Valuation{}, fmt.Errorf("%w: live rate %s", ErrMissingFXRate, liveFX)
	}

	v := Valuation{
		MarkPrice:              mark,
		LiveFXRate:             liveFX,
		OpenQuantity:           b.OpenQuantity(),
		CostBasis:              b.CostBasis(),
		CostBasisReporting:     b.CostBasisReporting(),
		AverageCost:            decimal.Zero,
		MarketValueReporting:   decimal.Zero,
		UnrealizedPnLReporting: decimal.Zero,
	}
	if v.OpenQuantity.IsPositive() {
		v.AverageCost = units.MulDivFloor(v.CostBasis, decimal.NewFromInt(1), v.OpenQuantity)
	}
	v.MarketValue = v.OpenQuantity.Mul(mark)
	v.UnrealizedPnL = v.MarketValue.Sub(v.CostBasis)
	if b.dual {
		v.MarketValueReporting = units.ToReporting(v.MarketValue, liveFX)
		v.UnrealizedPnLReporting = v.MarketValueReporting.Sub(v.CostBasisReporting)
	}
	return v, nil
}

func validateMark(mark decimal.Decimal) error {
	if !mark.IsPositive() || !units.IsWhole(mark) {
		return fmt.Errorf("%w: got %s", ErrInvalidMarkPrice, mark)
	}
	return nil
}
