// Package position maintains the live, weighted-average-cost view of every
// active position and turns mark price updates into PnL ticks.
//
// The Tracker is the fast path: one fill costs O(1) and a tick never touches
// the durable ledger. It is not the source of truth. Entries are seeded from
// the ledger (Hydrate or the cache-miss path in ApplySell) and may be
// re-seeded at any time by reconciliation.
//
// Entry lifecycle: absent → active (qty > 0) → flat (qty = 0, realized PnL
// kept) → evicted by Cleanup once idle. A flat entry becomes active again
// on the next BUY.
package position

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/pnl-engine/internal/broadcast"
	"github.com/atmx/pnl-engine/internal/fifo"
	"github.com/atmx/pnl-engine/internal/metrics"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/store"
	"github.com/atmx/pnl-engine/internal/units"
)

// ErrInvalidState is returned by Hydrate for negative or fractional values.
var ErrInvalidState = errors.New("position: invalid hydration state")

// avgScale is the fixed-point scale of the cached average cost.
var avgScale = decimal.New(1, 9)

// Hydrator loads a position from the durable ledger on a cache miss.
// ok is false when the ledger has no record of the key.
type Hydrator interface {
	LoadPosition(ctx context.Context, key model.Key) (pos model.Position, ok bool, err error)
}

// HydratorFunc adapts a function to Hydrator.
type HydratorFunc func(ctx context.Context, key model.Key) (model.Position, bool, error)

func (f HydratorFunc) LoadPosition(ctx context.Context, key model.Key) (model.Position, bool, error) {
	return f(ctx, key)
}

// Config tunes the tracker. Zero values take the defaults below.
type Config struct {
	Shards               int
	HistoryCapacity      int
	IdleTTL              time.Duration
	TickInterval         time.Duration
	CleanupInterval      time.Duration
	HistoryFlushInterval time.Duration
	HistoryFlushTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Shards <= 0 {
		c.Shards = 32
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = 1000
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.HistoryFlushInterval <= 0 {
		c.HistoryFlushInterval = 30 * time.Second
	}
	if c.HistoryFlushTimeout <= 0 {
		c.HistoryFlushTimeout = 5 * time.Second
	}
	return c
}

type userMode struct {
	userID string
	mode   model.Mode
}

// shard holds every entry of the users hashed to it, so a portfolio
// aggregate only ever reads one shard.
type shard struct {
	mu    sync.RWMutex
	users map[userMode]map[string]*entry
}

// entry is one cached position. All fields are guarded by mu so a tick
// never observes a half-applied fill.
type entry struct {
	mu        sync.Mutex
	key       model.Key
	qty       decimal.Decimal
	avgScaled decimal.Decimal // average cost × 10^9
	costBasis decimal.Decimal
	realized  decimal.Decimal
	updatedAt time.Time
	evicted   bool // set once the entry is no longer reachable from its shard
}

// Tracker is the incremental position cache.
type Tracker struct {
	cfg      Config
	shards   []*shard
	hydrator Hydrator
	history  store.HistoryStore
	sink     broadcast.Sink
	group    singleflight.Group
	now      func() time.Time

	pricesMu sync.RWMutex
	prices   map[string]decimal.Decimal

	ringsMu sync.Mutex
	rings   map[userMode]*Ring
}

// NewTracker creates a tracker. hydrator and history may be nil; sink
// defaults to broadcast.Nop.
func NewTracker(cfg Config, hydrator Hydrator, history store.HistoryStore, sink broadcast.Sink) *Tracker {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = broadcast.Nop{}
	}
	t := &Tracker{
		cfg:      cfg,
		shards:   make([]*shard, cfg.Shards),
		hydrator: hydrator,
		history:  history,
		sink:     sink,
		now:      time.Now,
		prices:   make(map[string]decimal.Decimal),
		rings:    make(map[userMode]*Ring),
	}
	for i := range t.shards {
		t.shards[i] = &shard{users: make(map[userMode]map[string]*entry)}
	}
	return t
}

func (t *Tracker) shardFor(userID string) *shard {
	return t.shards[xxhash.Sum64String(userID)%uint64(len(t.shards))]
}

func (t *Tracker) lookup(key model.Key) *entry {
	s := t.shardFor(key.UserID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userMode{key.UserID, key.Mode}][key.Mint]
}

// insert stores e unless an entry for its key already exists, and returns
// the entry that ends up cached.
func (t *Tracker) insert(e *entry, replace bool) *entry {
	s := t.shardFor(e.key.UserID)
	um := userMode{e.key.UserID, e.key.Mode}

	s.mu.Lock()
	defer s.mu.Unlock()
	mints := s.users[um]
	if mints == nil {
		mints = make(map[string]*entry)
		s.users[um] = mints
	}
	cur, ok := mints[e.key.Mint]
	switch {
	case ok && !replace:
		return cur
	case ok:
		cur.mu.Lock()
		cur.evicted = true
		cur.mu.Unlock()
	default:
		metrics.CachedPositions.Inc()
	}
	mints[e.key.Mint] = e
	return e
}

// locked returns the live entry for key with its lock held, or nil when
// key is not cached and create is false.
func (t *Tracker) locked(key model.Key, create bool) *entry {
	for {
		e := t.lookup(key)
		if e == nil {
			if !create {
				return nil
			}
			e = t.insert(t.newEntry(key), false)
		}
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

func (t *Tracker) newEntry(key model.Key) *entry {
	return &entry{
		key:       key,
		qty:       decimal.Zero,
		avgScaled: decimal.Zero,
		costBasis: decimal.Zero,
		realized:  decimal.Zero,
		updatedAt: t.now(),
	}
}

// HydrateOption sets optional fields on Hydrate.
type HydrateOption func(*entry)

// WithRealizedPnL seeds the cumulative realized PnL.
func WithRealizedPnL(realized decimal.Decimal) HydrateOption {
	return func(e *entry) { e.realized = realized }
}

// Hydrate seeds the entry for key from durable state, replacing any cached
// entry. Calling it twice with the same values yields the same entry.
func (t *Tracker) Hydrate(key model.Key, qty, costBasis decimal.Decimal, opts ...HydrateOption) error {
	if qty.IsNegative() || costBasis.IsNegative() || !units.IsWhole(qty) || !units.IsWhole(costBasis) {
		return fmt.Errorf("%w: qty %s, cost basis %s", ErrInvalidState, qty, costBasis)
	}
	e := t.newEntry(key)
	e.qty = qty
	e.costBasis = costBasis
	if qty.IsPositive() {
		e.avgScaled = units.MulDivFloor(costBasis, avgScale, qty)
	} else {
		e.costBasis = decimal.Zero
	}
	for _, opt := range opts {
		opt(e)
	}
	t.insert(e, true)
	return nil
}

func validate(f model.Fill, side model.Side) error {
	if err := fifo.ValidateFill(f, false); err != nil {
		return err
	}
	if f.Side != side {
		return fmt.Errorf("%w: expected %s, got %s", fifo.ErrInvalidFill, side, f.Side)
	}
	return nil
}

// ApplyBuy blends a BUY into the weighted average. The fee is spread over
// the fill's own quantity. An absent entry starts at zero.
func (t *Tracker) ApplyBuy(key model.Key, f model.Fill) error {
	if err := validate(f, model.SideBuy); err != nil {
		return err
	}
	e := t.locked(key, true)
	defer e.mu.Unlock()

	newQty := e.qty.Add(f.Quantity)
	total := e.costBasis.Add(f.Quantity.Mul(f.Price)).Add(f.Fee)
	e.avgScaled = units.MulDivFloor(total, avgScale, newQty)
	// Recomputed from the average, not summed, so the basis never drifts
	// away from avg × qty.
	e.costBasis = units.MulDivFloor(e.avgScaled, newQty, avgScale)
	e.qty = newQty
	e.updatedAt = t.now()
	return nil
}

// ApplySell realizes PnL against the average cost. On a cache miss the
// entry is loaded through the Hydrator; if the ledger has no record either
// the sell is dropped with a warning.
func (t *Tracker) ApplySell(ctx context.Context, key model.Key, f model.Fill) error {
	if err := validate(f, model.SideSell); err != nil {
		return err
	}
	e := t.locked(key, false)
	if e == nil {
		found, err := t.hydrate(ctx, key)
		if err != nil {
			return err
		}
		if found {
			e = t.locked(key, false)
		}
	}
	if e == nil {
		slog.Warn("sell for unknown position ignored", "user", key.UserID, "mint", key.Mint, "mode", key.Mode, "fill_id", f.ID)
		return nil
	}
	defer e.mu.Unlock()

	if !e.qty.IsPositive() {
		slog.Warn("sell for flat position ignored", "user", key.UserID, "mint", key.Mint, "mode", key.Mode, "fill_id", f.ID)
		return nil
	}
	sellQty := f.Quantity
	if sellQty.GreaterThan(e.qty) {
		slog.Warn("cache sell exceeds held quantity, clamping",
			"user", key.UserID, "mint", key.Mint, "mode", key.Mode, "fill_id", f.ID,
			"held", e.qty.String(), "sell", sellQty.String())
		sellQty = e.qty
	}

	newQty := e.qty.Sub(sellQty)
	newCost := decimal.Zero
	if newQty.IsPositive() {
		newCost = units.MulDivFloor(e.avgScaled, newQty, avgScale)
	} else {
		e.avgScaled = decimal.Zero
	}
	removed := e.costBasis.Sub(newCost)
	e.realized = e.realized.Add(sellQty.Mul(f.Price)).Sub(f.Fee).Sub(removed)
	e.qty = newQty
	e.costBasis = newCost
	e.updatedAt = t.now()
	return nil
}

// Apply dispatches on the fill side.
func (t *Tracker) Apply(ctx context.Context, key model.Key, f model.Fill) error {
	if f.Side == model.SideSell {
		return t.ApplySell(ctx, key, f)
	}
	return t.ApplyBuy(key, f)
}

// hydrate loads key through the Hydrator and reports whether the ledger
// knew it. Concurrent misses for the same key share one ledger read.
func (t *Tracker) hydrate(ctx context.Context, key model.Key) (bool, error) {
	if t.hydrator == nil {
		return false, nil
	}
	v, err, _ := t.group.Do(key.String(), func() (any, error) {
		pos, ok, err := t.hydrator.LoadPosition(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		e := t.newEntry(key)
		e.qty = pos.Quantity
		e.costBasis = pos.CostBasis
		e.realized = pos.RealizedPnL
		if pos.Quantity.IsPositive() {
			e.avgScaled = units.MulDivFloor(pos.CostBasis, avgScale, pos.Quantity)
		}
		t.insert(e, false)
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("hydrate %s: %w", key, err)
	}
	return v.(bool), nil
}

// Invalidate drops the cached entry for key.
func (t *Tracker) Invalidate(key model.Key) {
	s := t.shardFor(key.UserID)
	um := userMode{key.UserID, key.Mode}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[um][key.Mint]; ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
		delete(s.users[um], key.Mint)
		metrics.CachedPositions.Dec()
		if len(s.users[um]) == 0 {
			delete(s.users, um)
		}
	}
}

// Tick records the latest mark price for mint. It never touches positions.
func (t *Tracker) Tick(mint string, price decimal.Decimal) error {
	if !price.IsPositive() || !units.IsWhole(price) {
		return fmt.Errorf("%w: %s for %s", fifo.ErrInvalidMarkPrice, price, mint)
	}
	t.pricesMu.Lock()
	t.prices[mint] = price
	t.pricesMu.Unlock()
	metrics.PriceUpdates.Inc()
	return nil
}

// Price returns the latest mark price for mint.
func (t *Tracker) Price(mint string) (decimal.Decimal, bool) {
	t.pricesMu.RLock()
	defer t.pricesMu.RUnlock()
	p, ok := t.prices[mint]
	return p, ok
}

// snapshot reads e under its lock. The caller must not hold e.mu.
func (t *Tracker) snapshot(e *entry) model.PositionSnapshot {
	mark, hasMark := t.Price(e.key.Mint)

	e.mu.Lock()
	defer e.mu.Unlock()
	s := model.PositionSnapshot{
		Key:           e.key,
		Quantity:      e.qty,
		AverageCost:   e.avgScaled.Shift(-9),
		CostBasis:     e.costBasis,
		RealizedPnL:   e.realized,
		UnrealizedPnL: decimal.Zero,
		MarkPrice:     decimal.Zero,
		HasMark:       hasMark,
		UpdatedAt:     e.updatedAt,
	}
	if hasMark {
		s.MarkPrice = mark
		s.UnrealizedPnL = e.qty.Mul(mark).Sub(e.costBasis)
	}
	s.TotalPnL = s.RealizedPnL.Add(s.UnrealizedPnL)
	return s
}

// GetPosition returns the cached view of key.
func (t *Tracker) GetPosition(key model.Key) (model.PositionSnapshot, bool) {
	e := t.lookup(key)
	if e == nil {
		return model.PositionSnapshot{}, false
	}
	return t.snapshot(e), true
}

// Keys returns every cached key in a stable order.
func (t *Tracker) Keys() []model.Key {
	var keys []model.Key
	for _, s := range t.shards {
		s.mu.RLock()
		for _, mints := range s.users {
			for _, e := range mints {
				keys = append(keys, e.key)
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(keys, func(a, b model.Key) int { return cmp.Compare(a.String(), b.String()) })
	return keys
}

// Len returns the number of cached entries.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.RLock()
		for _, mints := range s.users {
			n += len(mints)
		}
		s.mu.RUnlock()
	}
	return n
}

func (t *Tracker) userEntries(um userMode) []*entry {
	s := t.shardFor(um.userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.users[um]))
	for _, e := range s.users[um] {
		out = append(out, e)
	}
	return out
}

// Broadcast emits a tick for key and refreshes the owner's portfolio tick
// and history. It reports false when key is not cached or its mint has no
// mark price yet.
func (t *Tracker) Broadcast(key model.Key) bool {
	e := t.lookup(key)
	if e == nil {
		return false
	}
	if !t.publishTick(t.snapshot(e)) {
		return false
	}
	t.publishPortfolio(userMode{key.UserID, key.Mode})
	return true
}

// BroadcastAll emits ticks for every cached position and one portfolio
// tick per (user, mode). This is the body of the tick loop; it only reads
// memory.
func (t *Tracker) BroadcastAll() {
	for _, s := range t.shards {
		s.mu.RLock()
		groups := make([]userMode, 0, len(s.users))
		for um := range s.users {
			groups = append(groups, um)
		}
		s.mu.RUnlock()

		for _, um := range groups {
			for _, e := range t.userEntries(um) {
				t.publishTick(t.snapshot(e))
			}
			t.publishPortfolio(um)
		}
	}
}

func (t *Tracker) publishTick(s model.PositionSnapshot) bool {
	if !s.HasMark || !s.Quantity.IsPositive() {
		return false
	}
	t.sink.PublishTick(model.Tick{
		UserID:        s.UserID,
		Mint:          s.Mint,
		Mode:          s.Mode,
		UnrealizedPnL: s.UnrealizedPnL,
		TotalPnL:      s.TotalPnL,
		Quantity:      s.Quantity,
		AverageCost:   s.AverageCost,
		CurrentPrice:  s.MarkPrice,
		Timestamp:     t.now(),
	})
	metrics.TicksEmitted.WithLabelValues("position").Inc()
	return true
}

// Portfolio aggregates the cached positions of one user in one mode.
func (t *Tracker) Portfolio(userID string, mode model.Mode) model.PortfolioTick {
	pt := model.PortfolioTick{
		UserID:        userID,
		Mode:          mode,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		TotalPnL:      decimal.Zero,
		CostBasis:     decimal.Zero,
		Timestamp:     t.now(),
	}
	for _, e := range t.userEntries(userMode{userID, mode}) {
		s := t.snapshot(e)
		pt.RealizedPnL = pt.RealizedPnL.Add(s.RealizedPnL)
		pt.UnrealizedPnL = pt.UnrealizedPnL.Add(s.UnrealizedPnL)
		pt.CostBasis = pt.CostBasis.Add(s.CostBasis)
		if s.Quantity.IsPositive() {
			pt.Positions++
		}
	}
	pt.TotalPnL = pt.RealizedPnL.Add(pt.UnrealizedPnL)
	return pt
}

func (t *Tracker) publishPortfolio(um userMode) {
	pt := t.Portfolio(um.userID, um.mode)
	t.sink.PublishPortfolio(pt)
	metrics.TicksEmitted.WithLabelValues("portfolio").Inc()
	t.ring(um).Push(model.PnLPoint{
		Timestamp:     pt.Timestamp,
		RealizedPnL:   pt.RealizedPnL,
		UnrealizedPnL: pt.UnrealizedPnL,
		TotalPnL:      pt.TotalPnL,
	})
}

func (t *Tracker) ring(um userMode) *Ring {
	t.ringsMu.Lock()
	defer t.ringsMu.Unlock()
	r, ok := t.rings[um]
	if !ok {
		r = NewRing(t.cfg.HistoryCapacity)
		t.rings[um] = r
	}
	return r
}

// History returns the PnL series of a user, oldest first. When nothing is
// held in memory the persisted series is loaded.
func (t *Tracker) History(ctx context.Context, userID string, mode model.Mode) ([]model.PnLPoint, error) {
	um := userMode{userID, mode}
	t.ringsMu.Lock()
	r, ok := t.rings[um]
	t.ringsMu.Unlock()
	if ok {
		return r.Points(), nil
	}
	if t.history == nil {
		return []model.PnLPoint{}, nil
	}

	points, err := t.history.LoadHistory(ctx, userID, mode)
	if err != nil {
		return nil, fmt.Errorf("load history %s/%s: %w", userID, mode, err)
	}
	r = t.ring(um)
	if r.Len() == 0 {
		r.Seed(points)
	}
	return r.Points(), nil
}

// FlushHistory persists every series that changed since the last flush.
// Failures are logged and retried on the next flush.
func (t *Tracker) FlushHistory(ctx context.Context) {
	if t.history == nil {
		return
	}
	t.ringsMu.Lock()
	pending := make(map[userMode]*Ring, len(t.rings))
	for um, r := range t.rings {
		pending[um] = r
	}
	t.ringsMu.Unlock()

	for um, r := range pending {
		if !r.takeDirty() {
			continue
		}
		fctx, cancel := context.WithTimeout(ctx, t.cfg.HistoryFlushTimeout)
		err := t.history.SaveHistory(fctx, um.userID, um.mode, r.Points())
		cancel()
		if err != nil {
			r.markDirty()
			metrics.HistoryFlushFailures.Inc()
			slog.Warn("history flush failed", "user", um.userID, "mode", um.mode, "err", err)
		}
	}
}

// Cleanup evicts flat entries idle for longer than IdleTTL and drops the
// history rings of users with nothing left cached. Entries with open
// quantity are never evicted.
func (t *Tracker) Cleanup() int {
	now := t.now()
	evicted := 0
	var gone []userMode

	for _, s := range t.shards {
		s.mu.Lock()
		for um, mints := range s.users {
			for mint, e := range mints {
				e.mu.Lock()
				idle := e.qty.IsZero() && now.Sub(e.updatedAt) > t.cfg.IdleTTL
				if idle {
					e.evicted = true
				}
				e.mu.Unlock()
				if idle {
					delete(mints, mint)
					evicted++
				}
			}
			if len(mints) == 0 {
				delete(s.users, um)
				gone = append(gone, um)
			}
		}
		s.mu.Unlock()
	}

	t.ringsMu.Lock()
	for _, um := range gone {
		if r, ok := t.rings[um]; ok && !r.isDirty() {
			delete(t.rings, um)
		}
	}
	t.ringsMu.Unlock()

	if evicted > 0 {
		metrics.CachedPositions.Sub(float64(evicted))
		metrics.CacheEvictions.Add(float64(evicted))
	}
	return evicted
}

// Run drives the tick, cleanup and history flush loops until ctx is done,
// then makes a final history flush.
func (t *Tracker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(gctx, t.cfg.TickInterval, t.BroadcastAll)
	})
	g.Go(func() error {
		return every(gctx, t.cfg.CleanupInterval, func() { t.Cleanup() })
	})
	g.Go(func() error {
		return every(gctx, t.cfg.HistoryFlushInterval, func() { t.FlushHistory(gctx) })
	})
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), t.cfg.HistoryFlushTimeout)
	defer cancel()
	t.FlushHistory(flushCtx)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func every(ctx context.Context, d time.Duration, fn func()) error {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}
