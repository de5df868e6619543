// Package trade applies fills to the durable ledger and the live position
// cache, and exposes the PnL queries over HTTP.
//
// All monetary values use shopspring/decimal holding whole base units.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pnl-engine/internal/broadcast"
	"github.com/atmx/pnl-engine/internal/fifo"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/position"
	"github.com/atmx/pnl-engine/internal/store"
)

// ErrLedgerMismatch is returned by Audit when replaying the fill history
// does not reproduce the durable position.
var ErrLedgerMismatch = errors.New("trade: ledger replay disagrees with durable state")

// Options configures a Service.
type Options struct {
	InstanceID string
	// LedgerTimeout bounds each durable transaction.
	LedgerTimeout time.Duration
	// Reporting keeps the USD side of every position. Fills must then
	// carry an FX rate snapshot.
	Reporting bool
}

// Service applies fills and answers PnL queries. Fills for one key are
// applied by a single writer; different keys proceed in parallel.
type Service struct {
	store    store.Store
	tracker  *position.Tracker
	notifier broadcast.FillNotifier
	locks    *keyLocker
	opts     Options
	seq      atomic.Uint64
	now      func() time.Time
}

// NewService creates a new trade service. notifier may be nil.
func NewService(st store.Store, tracker *position.Tracker, notifier broadcast.FillNotifier, opts Options) *Service {
	if notifier == nil {
		notifier = broadcast.Nop{}
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = 5 * time.Second
	}
	s := &Service{
		store:    st,
		tracker:  tracker,
		notifier: notifier,
		locks:    newKeyLocker(),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
	}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

// LedgerHydrator lets the position cache load missing entries from st.
func LedgerHydrator(st store.Store) position.Hydrator {
	return position.HydratorFunc(func(ctx context.Context, key model.Key) (model.Position, bool, error) {
		state, err := st.GetLedgerState(ctx, key)
		if errors.Is(err, store.ErrPositionNotFound) {
			return model.Position{}, false, nil
		}
		if err != nil {
			return model.Position{}, false, err
		}
		return state.Position, true, nil
	})
}

// FillResult is the outcome of one applied fill.
type FillResult struct {
	Fill        model.Fill              `json:"fill"`
	Position    model.Position          `json:"position"`
	Realization *fifo.Realization       `json:"realization,omitempty"`
	Live        *model.PositionSnapshot `json:"live,omitempty"`
}

func validateKey(key model.Key) error {
	switch {
	case key.UserID == "":
		return fmt.Errorf("%w: user_id is required", fifo.ErrInvalidFill)
	case key.Mint == "":
		return fmt.Errorf("%w: mint is required", fifo.ErrInvalidFill)
	case !key.Mode.Valid():
		return fmt.Errorf("%w: mode %q", fifo.ErrInvalidFill, key.Mode)
	}
	return nil
}

// ApplyFill commits one fill to the durable ledger, then updates the live
// cache and emits a tick. The cache is only touched after the durable
// commit succeeded, so a failed write leaves nothing behind.
func (s *Service) ApplyFill(ctx context.Context, key model.Key, f model.Fill) (*FillResult, error) {
	start := time.Now()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Seq == 0 {
		f.Seq = s.seq.Add(1)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = s.now()
	}
	if err := validateKey(key); err != nil {
		return nil, s.reject(err)
	}
	if err := fifo.ValidateFill(f, s.opts.Reporting); err != nil {
		return nil, s.reject(err)
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	tctx, cancel := context.WithTimeout(ctx, s.opts.LedgerTimeout)
	defer cancel()

	res := &FillResult{Fill: f}
	err := s.store.Transact(tctx, key, func(state store.LedgerState) (*store.Mutation, error) {
		// The ledger must stay equal to a replay of its fills in
		// (timestamp, seq) order, so a fill may never land behind one
		// already applied.
		last := state.Position
		if state.Exists && fifo.CompareOrder(f.Timestamp, f.Seq, last.LastFillAt, last.LastFillSeq) < 0 {
			return nil, fmt.Errorf("%w: fill %s at %s precedes the last applied fill at %s",
				fifo.ErrInvalidFill, f.ID, f.Timestamp.Format(time.RFC3339Nano), last.LastFillAt.Format(time.RFC3339Nano))
		}

		book := fifo.RestoreBook(state.Lots, s.opts.Reporting)
		r, err := book.Apply(f)
		if err != nil {
			return nil, err
		}

		pos := state.Position
		pos.Key = key
		pos.Quantity = book.OpenQuantity()
		pos.CostBasis = book.CostBasis()
		pos.CostBasisReporting = book.CostBasisReporting()
		pos.UpdatedAt = s.now()
		pos.LastFillAt = f.Timestamp
		pos.LastFillSeq = f.Seq

		mut := &store.Mutation{Fill: f, Lots: book.Lots()}
		if r != nil {
			pos.RealizedPnL = pos.RealizedPnL.Add(r.Amount)
			pos.RealizedPnLReporting = pos.RealizedPnLReporting.Add(r.AmountReporting)
			mut.Record = &model.RealizedPnLRecord{
				ID:              uuid.NewString(),
				Key:             key,
				FillID:          f.ID,
				Amount:          r.Amount,
				AmountReporting: r.AmountReporting,
				Timestamp:       f.Timestamp,
			}
		}
		mut.Position = pos
		res.Position = pos
		res.Realization = r
		return mut, nil
	})
	if err != nil {
		slog.Warn("fill rejected", "user", key.UserID, "mint", key.Mint, "mode", key.Mode, "fill_id", f.ID, "err", err)
		return nil, s.reject(err)
	}

	s.commitToCache(ctx, key, f, res.Position)
	if snap, ok := s.tracker.GetPosition(key); ok {
		res.Live = &snap
	}
	s.tracker.Broadcast(key)

	if err := s.notifier.PublishFillApplied(ctx, key, f.ID); err != nil {
		slog.Warn("fill event publish failed", "user", key.UserID, "mint", key.Mint, "fill_id", f.ID, "err", err)
	}

	metrics.FillsTotal.WithLabelValues(string(f.Side), string(key.Mode)).Inc()
	metrics.FillLatency.Observe(time.Since(start).Seconds())
	slog.Info("fill applied",
		"user", key.UserID,
		"mint", key.Mint,
		"mode", key.Mode,
		"fill_id", f.ID,
		"side", f.Side,
		"qty", f.Quantity.String(),
		"price", f.Price.String(),
		"open_qty", res.Position.Quantity.String(),
		"realized", res.Position.RealizedPnL.String(),
	)
	return res, nil
}

// commitToCache applies a committed fill to the live cache. A key the
// cache does not hold yet is seeded from the committed position instead.
func (s *Service) commitToCache(ctx context.Context, key model.Key, f model.Fill, committed model.Position) {
	if _, ok := s.tracker.GetPosition(key); !ok {
		s.hydrateFrom(key, committed)
		return
	}
	if err := s.tracker.Apply(ctx, key, f); err != nil {
		slog.Warn("cache update failed, dropping entry", "user", key.UserID, "mint", key.Mint, "fill_id", f.ID, "err", err)
		s.tracker.Invalidate(key)
	}
}

func (s *Service) hydrateFrom(key model.Key, pos model.Position) {
	err := s.tracker.Hydrate(key, pos.Quantity, pos.CostBasis, position.WithRealizedPnL(pos.RealizedPnL))
	if err != nil {
		slog.Warn("cache hydrate failed", "user", key.UserID, "mint", key.Mint, "err", err)
		s.tracker.Invalidate(key)
	}
}

func (s *Service) reject(err error) error {
	metrics.FillRejections.WithLabelValues(rejectReason(err)).Inc()
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, fifo.ErrInvalidFill), errors.Is(err, fifo.ErrMissingFXRate):
		return "invalid"
	case errors.Is(err, fifo.ErrOversold):
		return "oversold"
	case errors.Is(err, fifo.ErrPositionNotFound):
		return "no_position"
	case errors.Is(err, store.ErrDuplicateFill):
		return "duplicate"
	default:
		return "persistence"
	}
}

// ComputeBatchPnL replays fills from scratch. It touches no state.
func (s *Service) ComputeBatchPnL(fills []model.Fill, mark decimal.Decimal) (*fifo.PnLResult, error) {
	return fifo.ComputePnL(fills, mark)
}

// ComputeDualBatchPnL is ComputeBatchPnL with the USD side.
func (s *Service) ComputeDualBatchPnL(fills []model.Fill, mark, liveFX decimal.Decimal) (*fifo.PnLResult, error) {
	return fifo.ComputeDualPnL(fills, mark, liveFX)
}

// Hydrate seeds the live cache for key from the durable ledger.
func (s *Service) Hydrate(ctx context.Context, key model.Key) error {
	state, err := s.store.GetLedgerState(ctx, key)
	if err != nil {
		return err
	}
	s.hydrateFrom(key, state.Position)
	return nil
}

// PositionView combines the durable record of a position with the cache.
type PositionView struct {
	Position model.Position         `json:"position"`
	Lots     []model.Lot            `json:"lots"`
	Live     model.PositionSnapshot `json:"live"`
}

// GetPosition returns the durable position and its live view, hydrating
// the cache on a miss.
func (s *Service) GetPosition(ctx context.Context, key model.Key) (*PositionView, error) {
	state, err := s.store.GetLedgerState(ctx, key)
	if err != nil {
		return nil, err
	}
	live, ok := s.tracker.GetPosition(key)
	if !ok {
		s.hydrateFrom(key, state.Position)
		live, _ = s.tracker.GetPosition(key)
	}
	lots := state.Lots
	if lots == nil {
		lots = []model.Lot{}
	}
	return &PositionView{Position: state.Position, Lots: lots, Live: live}, nil
}

// GetPortfolio values every durable position of a user at the latest
// cached mark prices. Positions without a mark contribute no unrealized PnL.
func (s *Service) GetPortfolio(ctx context.Context, userID string, mode model.Mode) (*model.Portfolio, error) {
	positions, err := s.store.ListPositions(ctx, userID, mode)
	if err != nil {
		return nil, err
	}
	p := &model.Portfolio{
		UserID:        userID,
		Mode:          mode,
		Positions:     make([]model.PositionSnapshot, 0, len(positions)),
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	for _, pos := range positions {
		snap := model.PositionSnapshot{
			Key:           pos.Key,
			Quantity:      pos.Quantity,
			AverageCost:   pos.AverageCost(),
			CostBasis:     pos.CostBasis,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: decimal.Zero,
			MarkPrice:     decimal.Zero,
			UpdatedAt:     pos.UpdatedAt,
		}
		if mark, ok := s.tracker.Price(pos.Mint); ok {
			snap.HasMark = true
			snap.MarkPrice = mark
			snap.UnrealizedPnL = pos.Quantity.Mul(mark).Sub(pos.CostBasis)
		}
		snap.TotalPnL = snap.RealizedPnL.Add(snap.UnrealizedPnL)
		p.Positions = append(p.Positions, snap)
		p.RealizedPnL = p.RealizedPnL.Add(snap.RealizedPnL)
		p.UnrealizedPnL = p.UnrealizedPnL.Add(snap.UnrealizedPnL)
	}
	p.TotalPnL = p.RealizedPnL.Add(p.UnrealizedPnL)
	return p, nil
}

// GetHistoricalPnL returns the bounded PnL series, oldest first.
func (s *Service) GetHistoricalPnL(ctx context.Context, userID string, mode model.Mode) ([]model.PnLPoint, error) {
	return s.tracker.History(ctx, userID, mode)
}

// OnPriceUpdate records a mark price. Ticks follow on the next tick loop.
func (s *Service) OnPriceUpdate(mint string, price decimal.Decimal) error {
	if mint == "" {
		return fmt.Errorf("%w: mint is required", fifo.ErrInvalidMarkPrice)
	}
	return s.tracker.Tick(mint, price)
}

// Reconcile re-seeds the cache entry for key from the durable ledger and
// reports whether the cached quantity had drifted.
func (s *Service) Reconcile(ctx context.Context, key model.Key) (bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	state, err := s.store.GetLedgerState(ctx, key)
	if errors.Is(err, store.ErrPositionNotFound) {
		s.tracker.Invalidate(key)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	cached, ok := s.tracker.GetPosition(key)
	drift := ok && !cached.Quantity.Equal(state.Position.Quantity)
	if drift {
		metrics.ReconcileDrift.Inc()
		slog.Warn("position cache drift",
			"user", key.UserID, "mint", key.Mint, "mode", key.Mode,
			"cached_qty", cached.Quantity.String(), "durable_qty", state.Position.Quantity.String())
	}
	s.hydrateFrom(key, state.Position)
	return drift, nil
}

// ReconcileAll reconciles every cached key and returns the drift count.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	drifted := 0
	var errs []error
	for _, key := range s.tracker.Keys() {
		if ctx.Err() != nil {
			break
		}
		d, err := s.Reconcile(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if d {
			drifted++
		}
	}
	return drifted, errors.Join(errs...)
}

// RunReconciler reconciles the cache every interval until ctx is done.
func (s *Service) RunReconciler(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drifted, err := s.ReconcileAll(ctx)
			if err != nil {
				slog.Warn("reconcile failed", "err", err)
			}
			if drifted > 0 {
				slog.Info("reconcile re-seeded drifted positions", "count", drifted)
			}
		}
	}
}

// HandleFillApplied refreshes a key after another instance committed a
// fill for it. Keys this instance does not cache are left alone.
func (s *Service) HandleFillApplied(ctx context.Context, ev broadcast.FillEvent) {
	if _, ok := s.tracker.GetPosition(ev.Key); !ok {
		return
	}
	if _, err := s.Reconcile(ctx, ev.Key); err != nil {
		slog.Warn("remote fill refresh failed, dropping entry", "user", ev.Key.UserID, "mint", ev.Key.Mint, "fill_id", ev.FillID, "err", err)
		s.tracker.Invalidate(ev.Key)
	}
}

// AuditReport compares a replay of the fill history with the durable row.
type AuditReport struct {
	Key        model.Key       `json:"key"`
	Fills      int             `json:"fills"`
	Durable    model.Position  `json:"durable"`
	Replayed   fifo.Valuation  `json:"replayed"`
	Realized   decimal.Decimal `json:"replayed_realized_pnl"`
	Match      bool            `json:"match"`
	Mismatches []string        `json:"mismatches,omitempty"`
}

// Audit replays the stored fills of key through the FIFO ledger and checks
// the result against the durable position and lots. mark may be zero, in
// which case the cached mark price is used when there is one.
func (s *Service) Audit(ctx context.Context, key model.Key, mark decimal.Decimal) (*AuditReport, error) {
	state, err := s.store.GetLedgerState(ctx, key)
	if err != nil {
		return nil, err
	}
	fills, err := s.store.GetFills(ctx, key)
	if err != nil {
		return nil, err
	}
	book, _, err := fifo.Replay(fills, s.opts.Reporting)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerMismatch, err)
	}

	if mark.IsZero() {
		mark, _ = s.tracker.Price(key.Mint)
	}
	report := &AuditReport{Key: key, Fills: len(fills), Durable: state.Position, Match: true}
	report.Replayed = fifo.Valuation{
		OpenQuantity:       book.OpenQuantity(),
		CostBasis:          book.CostBasis(),
		CostBasisReporting: book.CostBasisReporting(),
	}
	if mark.IsPositive() {
		// The USD side needs a live rate; mark the native side only.
		if v, err := fifo.RestoreBook(book.Lots(), false).Value(mark, decimal.Zero); err == nil {
			v.CostBasisReporting = report.Replayed.CostBasisReporting
			report.Replayed = v
		}
	}
	realized, realizedReporting := book.Realized()
	report.Realized = realized

	check := func(name string, replayed, durable decimal.Decimal) {
		if !replayed.Equal(durable) {
			report.Mismatches = append(report.Mismatches, fmt.Sprintf("%s: replayed %s, durable %s", name, replayed, durable))
		}
	}
	check("quantity", book.OpenQuantity(), state.Position.Quantity)
	check("cost_basis", book.CostBasis(), state.Position.CostBasis)
	check("realized_pnl", realized, state.Position.RealizedPnL)
	if s.opts.Reporting {
		check("cost_basis_reporting", book.CostBasisReporting(), state.Position.CostBasisReporting)
		check("realized_pnl_reporting", realizedReporting, state.Position.RealizedPnLReporting)
	}
	if lots := book.Lots(); len(lots) != len(state.Lots) {
		report.Mismatches = append(report.Mismatches, fmt.Sprintf("lots: replayed %d, durable %d", len(lots), len(state.Lots)))
	}

	if len(report.Mismatches) > 0 {
		report.Match = false
		return report, fmt.Errorf("%w: %s", ErrLedgerMismatch, key)
	}
	return report, nil
}
