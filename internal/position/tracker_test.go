package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/pnl-engine/internal/fifo"
	"github.com/atmx/pnl-engine/internal/model"
	"github.com/atmx/pnl-engine/internal/store"
)

var key = model.Key{UserID: "u1", Mint: "mintA", Mode: model.ModePaper}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func fill(side model.Side, qty, price, fee int64) model.Fill {
	return model.Fill{ID: "f", Side: side, Quantity: d(qty), Price: d(price), Fee: d(fee), Timestamp: time.Now()}
}

func assertDec(t *testing.T, want decimal.Decimal, got decimal.Decimal, msg string) {
	t.Helper()
	assert.Truef(t, got.Equal(want), "%s: want %s, got %s", msg, want, got)
}

type sink struct {
	mu         sync.Mutex
	ticks      []model.Tick
	portfolios []model.PortfolioTick
}

func (s *sink) PublishTick(t model.Tick) {
	s.mu.Lock()
	s.ticks = append(s.ticks, t)
	s.mu.Unlock()
}

func (s *sink) PublishPortfolio(t model.PortfolioTick) {
	s.mu.Lock()
	s.portfolios = append(s.portfolios, t)
	s.mu.Unlock()
}

func TestTracker_HydrateIsIdempotent(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.Hydrate(key, d(100), d(1000), WithRealizedPnL(d(7))))
	first, ok := tr.GetPosition(key)
	require.True(t, ok)

	require.NoError(t, tr.Hydrate(key, d(100), d(1000), WithRealizedPnL(d(7))))
	second, _ := tr.GetPosition(key)

	assertDec(t, d(10), first.AverageCost, "avg cost")
	assertDec(t, first.Quantity, second.Quantity, "qty")
	assertDec(t, first.CostBasis, second.CostBasis, "cost basis")
	assertDec(t, first.RealizedPnL, second.RealizedPnL, "realized")
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_ShardForIsStableAndSpreads(t *testing.T) {
	tr := NewTracker(Config{Shards: 8}, nil, nil, nil)
	used := make(map[*shard]struct{})
	for i := 0; i < 64; i++ {
		user := fmt.Sprintf("user-%d", i)
		s := tr.shardFor(user)
		assert.Same(t, s, tr.shardFor(user), "user %s moved shard", user)
		used[s] = struct{}{}
	}
	assert.Greater(t, len(used), 1)
}

func TestTracker_HydrateRejectsInvalidState(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.ErrorIs(t, tr.Hydrate(key, d(-1), d(0)), ErrInvalidState)
	require.ErrorIs(t, tr.Hydrate(key, decimal.RequireFromString("0.5"), d(1)), ErrInvalidState)
}

func TestTracker_ApplyBuySpreadsFee(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.ApplyBuy(key, fill(model.SideBuy, 100, 10, 10)))

	s, ok := tr.GetPosition(key)
	require.True(t, ok)
	assertDec(t, d(100), s.Quantity, "qty")
	assertDec(t, decimal.RequireFromString("10.1"), s.AverageCost, "avg cost")
	assertDec(t, d(1010), s.CostBasis, "cost basis")
}

func TestTracker_ApplyBuyBlends(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.ApplyBuy(key, fill(model.SideBuy, 100, 10, 0)))
	require.NoError(t, tr.ApplyBuy(key, fill(model.SideBuy, 100, 20, 0)))

	s, _ := tr.GetPosition(key)
	assertDec(t, d(15), s.AverageCost, "avg cost")
	assertDec(t, d(3000), s.CostBasis, "cost basis")
}

func TestTracker_ApplySellRealizesAgainstAverage(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.Hydrate(key, d(100), d(1000)))
	require.NoError(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 40, 15, 0)))

	s, _ := tr.GetPosition(key)
	assertDec(t, d(200), s.RealizedPnL, "realized")
	assertDec(t, d(60), s.Quantity, "qty")
	assertDec(t, d(600), s.CostBasis, "cost basis")
	assertDec(t, d(10), s.AverageCost, "avg unchanged by sell")
}

func TestTracker_SellsConserveCost(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	ctx := context.Background()
	require.NoError(t, tr.Hydrate(key, d(3), d(10)))

	require.NoError(t, tr.ApplySell(ctx, key, fill(model.SideSell, 1, 5, 0)))
	s, _ := tr.GetPosition(key)
	assertDec(t, d(6), s.CostBasis, "cost after first sell")
	assertDec(t, d(1), s.RealizedPnL, "realized after first sell")

	require.NoError(t, tr.ApplySell(ctx, key, fill(model.SideSell, 2, 5, 0)))
	s, _ = tr.GetPosition(key)
	// 15 proceeds against 10 cost in total.
	assertDec(t, d(5), s.RealizedPnL, "realized")
	assert.True(t, s.CostBasis.IsZero())
}

func TestTracker_SellToFlatSnapsToZero(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.Hydrate(key, d(100), d(1000)))
	require.NoError(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 100, 12, 5)))

	s, ok := tr.GetPosition(key)
	require.True(t, ok, "flat entry stays cached")
	assert.True(t, s.Quantity.IsZero())
	assert.True(t, s.CostBasis.IsZero())
	assert.True(t, s.AverageCost.IsZero())
	assertDec(t, d(195), s.RealizedPnL, "realized kept")

	// flat → active on the next buy
	require.NoError(t, tr.ApplyBuy(key, fill(model.SideBuy, 10, 20, 0)))
	s, _ = tr.GetPosition(key)
	assertDec(t, d(20), s.AverageCost, "avg after re-entry")
	assertDec(t, d(195), s.RealizedPnL, "realized survives re-entry")
}

func TestTracker_SellAboveHeldIsClamped(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.Hydrate(key, d(10), d(50)))
	require.NoError(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 15, 10, 0)))

	s, _ := tr.GetPosition(key)
	assert.True(t, s.Quantity.IsZero(), "never negative")
	assertDec(t, d(50), s.RealizedPnL, "realized on the held quantity only")
}

func TestTracker_SellMissHydratesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	h := HydratorFunc(func(context.Context, model.Key) (model.Position, bool, error) {
		calls.Add(1)
		<-release
		return model.Position{Key: key, Quantity: d(100), CostBasis: d(1000), RealizedPnL: d(3)}, true, nil
	})
	tr := NewTracker(Config{}, h, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 10, 10, 0)))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	s, ok := tr.GetPosition(key)
	require.True(t, ok)
	assertDec(t, d(50), s.Quantity, "every sell applied to the hydrated entry")
	assertDec(t, d(3), s.RealizedPnL, "sells at average cost realize nothing")
	assert.LessOrEqual(t, calls.Load(), int32(5))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestTracker_SellMissWithoutDurableRecordIsNoOp(t *testing.T) {
	h := HydratorFunc(func(context.Context, model.Key) (model.Position, bool, error) {
		return model.Position{}, false, nil
	})
	tr := NewTracker(Config{}, h, nil, nil)
	require.NoError(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 1, 10, 0)))
	_, ok := tr.GetPosition(key)
	assert.False(t, ok)
}

func TestTracker_SellMissHydrationError(t *testing.T) {
	boom := errors.New("ledger down")
	h := HydratorFunc(func(context.Context, model.Key) (model.Position, bool, error) {
		return model.Position{}, false, boom
	})
	tr := NewTracker(Config{}, h, nil, nil)
	require.ErrorIs(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 1, 10, 0)), boom)
}

func TestTracker_RejectsInvalidFills(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.ErrorIs(t, tr.ApplyBuy(key, fill(model.SideBuy, 0, 10, 0)), fifo.ErrInvalidFill)
	require.ErrorIs(t, tr.ApplyBuy(key, fill(model.SideSell, 1, 10, 0)), fifo.ErrInvalidFill)
	require.ErrorIs(t, tr.ApplySell(context.Background(), key, fill(model.SideSell, 1, 10, -1)), fifo.ErrInvalidFill)
	assert.Equal(t, 0, tr.Len())
}

func TestTracker_TickValidatesPrice(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.ErrorIs(t, tr.Tick("mintA", d(0)), fifo.ErrInvalidMarkPrice)
	require.ErrorIs(t, tr.Tick("mintA", decimal.RequireFromString("1.5")), fifo.ErrInvalidMarkPrice)

	require.NoError(t, tr.Tick("mintA", d(12)))
	p, ok := tr.Price("mintA")
	require.True(t, ok)
	assertDec(t, d(12), p, "price")
}

func TestTracker_BroadcastNeedsMark(t *testing.T) {
	rec := &sink{}
	tr := NewTracker(Config{}, nil, nil, rec)
	require.NoError(t, tr.Hydrate(key, d(100), d(1000), WithRealizedPnL(d(50))))

	assert.False(t, tr.Broadcast(key))
	assert.Empty(t, rec.ticks)

	require.NoError(t, tr.Tick("mintA", d(12)))
	require.True(t, tr.Broadcast(key))
	require.Len(t, rec.ticks, 1)
	tick := rec.ticks[0]
	assertDec(t, d(200), tick.UnrealizedPnL, "unrealized")
	assertDec(t, d(250), tick.TotalPnL, "total")
	assertDec(t, d(12), tick.CurrentPrice, "price")

	require.Len(t, rec.portfolios, 1)
	assertDec(t, d(250), rec.portfolios[0].TotalPnL, "portfolio total")
	assert.Equal(t, 1, rec.portfolios[0].Positions)

	points, err := tr.History(context.Background(), "u1", model.ModePaper)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assertDec(t, d(250), points[0].TotalPnL, "history point")
}

func TestTracker_PortfolioIgnoresUnpricedUnrealized(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	other := model.Key{UserID: "u1", Mint: "mintB", Mode: model.ModePaper}
	require.NoError(t, tr.Hydrate(key, d(10), d(100)))
	require.NoError(t, tr.Hydrate(other, d(10), d(100), WithRealizedPnL(d(5))))
	require.NoError(t, tr.Tick("mintA", d(11)))

	pt := tr.Portfolio("u1", model.ModePaper)
	assertDec(t, d(10), pt.UnrealizedPnL, "only mintA is priced")
	assertDec(t, d(5), pt.RealizedPnL, "realized")
	assertDec(t, d(200), pt.CostBasis, "cost basis")
	assert.Equal(t, 2, pt.Positions)
}

func TestTracker_BroadcastAllGroupsByUser(t *testing.T) {
	rec := &sink{}
	tr := NewTracker(Config{Shards: 4}, nil, nil, rec)
	for _, k := range []model.Key{
		key,
		{UserID: "u1", Mint: "mintB", Mode: model.ModePaper},
		{UserID: "u2", Mint: "mintA", Mode: model.ModePaper},
	} {
		require.NoError(t, tr.Hydrate(k, d(1), d(1)))
	}
	require.NoError(t, tr.Tick("mintA", d(2)))

	tr.BroadcastAll()
	assert.Len(t, rec.ticks, 2, "mintB has no mark")
	assert.Len(t, rec.portfolios, 2)
}

func TestTracker_CleanupEvictsOnlyFlatIdle(t *testing.T) {
	tr := NewTracker(Config{IdleTTL: time.Minute}, nil, nil, nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	open := model.Key{UserID: "u1", Mint: "open", Mode: model.ModePaper}
	flat := model.Key{UserID: "u1", Mint: "flat", Mode: model.ModePaper}
	fresh := model.Key{UserID: "u2", Mint: "fresh", Mode: model.ModePaper}
	require.NoError(t, tr.Hydrate(open, d(5), d(50)))
	require.NoError(t, tr.Hydrate(flat, d(0), d(0)))

	now = now.Add(2 * time.Minute)
	require.NoError(t, tr.Hydrate(fresh, d(0), d(0)))

	assert.Equal(t, 1, tr.Cleanup())
	_, ok := tr.GetPosition(open)
	assert.True(t, ok, "open quantity is never evicted")
	_, ok = tr.GetPosition(flat)
	assert.False(t, ok)
	_, ok = tr.GetPosition(fresh)
	assert.True(t, ok, "flat but not idle")
}

func TestTracker_Invalidate(t *testing.T) {
	tr := NewTracker(Config{}, nil, nil, nil)
	require.NoError(t, tr.Hydrate(key, d(1), d(1)))
	tr.Invalidate(key)
	_, ok := tr.GetPosition(key)
	assert.False(t, ok)
	assert.Empty(t, tr.Keys())
}

func TestTracker_ConcurrentTicksSeeWholeFills(t *testing.T) {
	rec := &sink{}
	tr := NewTracker(Config{}, nil, nil, rec)
	require.NoError(t, tr.Tick("mintA", d(15)))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				tr.BroadcastAll()
			}
		}
	}()
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NoError(t, tr.ApplyBuy(key, fill(model.SideBuy, 1, 10, 0)))
			}
		}()
	}
	wg.Wait()
	close(stop)

	s, _ := tr.GetPosition(key)
	assertDec(t, d(800), s.Quantity, "no lost updates")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, tick := range rec.ticks {
		// Every buy is at 10, so a consistent tick has unrealized = qty × 5.
		assertDec(t, tick.Quantity.Mul(d(5)), tick.UnrealizedPnL, "torn tick")
	}
}

func TestRing_KeepsNewestInOrder(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Push(model.PnLPoint{TotalPnL: d(int64(i))})
	}
	points := r.Points()
	require.Len(t, points, 3)
	for i, want := range []int64{3, 4, 5} {
		assertDec(t, d(want), points[i].TotalPnL, "point")
	}
}

func TestRing_SeedTruncates(t *testing.T) {
	r := NewRing(2)
	r.Seed([]model.PnLPoint{{TotalPnL: d(1)}, {TotalPnL: d(2)}, {TotalPnL: d(3)}})
	points := r.Points()
	require.Len(t, points, 2)
	assertDec(t, d(2), points[0].TotalPnL, "oldest kept")
	assert.False(t, r.takeDirty(), "seeded ring is clean")
}

type flakyHistory struct {
	*store.MemoryHistoryStore
	fail atomic.Bool
}

func (f *flakyHistory) SaveHistory(ctx context.Context, userID string, mode model.Mode, points []model.PnLPoint) error {
	if f.fail.Load() {
		return errors.New("redis down")
	}
	return f.MemoryHistoryStore.SaveHistory(ctx, userID, mode, points)
}

func TestTracker_HistoryFlushRetriesAfterFailure(t *testing.T) {
	hist := &flakyHistory{MemoryHistoryStore: store.NewMemoryHistoryStore()}
	hist.fail.Store(true)
	tr := NewTracker(Config{}, nil, hist, nil)
	require.NoError(t, tr.Hydrate(key, d(1), d(1)))
	require.NoError(t, tr.Tick("mintA", d(3)))
	require.True(t, tr.Broadcast(key))

	ctx := context.Background()
	tr.FlushHistory(ctx)
	saved, _ := hist.LoadHistory(ctx, "u1", model.ModePaper)
	assert.Empty(t, saved)

	hist.fail.Store(false)
	tr.FlushHistory(ctx)
	saved, _ = hist.LoadHistory(ctx, "u1", model.ModePaper)
	require.Len(t, saved, 1)
	assertDec(t, d(2), saved[0].TotalPnL, "flushed point")
}

func TestTracker_HistoryLoadsPersistedSeries(t *testing.T) {
	hist := store.NewMemoryHistoryStore()
	ctx := context.Background()
	require.NoError(t, hist.SaveHistory(ctx, "u9", model.ModeReal, []model.PnLPoint{{TotalPnL: d(42)}}))

	tr := NewTracker(Config{}, nil, hist, nil)
	points, err := tr.History(ctx, "u9", model.ModeReal)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assertDec(t, d(42), points[0].TotalPnL, "persisted point")
}

func TestTracker_RunStopsAndFlushes(t *testing.T) {
	hist := store.NewMemoryHistoryStore()
	tr := NewTracker(Config{TickInterval: 5 * time.Millisecond, HistoryFlushInterval: time.Hour}, nil, hist, nil)
	require.NoError(t, tr.Hydrate(key, d(1), d(1)))
	require.NoError(t, tr.Tick("mintA", d(2)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool {
		points, _ := tr.History(context.Background(), "u1", model.ModePaper)
		return len(points) > 0
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	saved, err := hist.LoadHistory(context.Background(), "u1", model.ModePaper)
	require.NoError(t, err)
	assert.NotEmpty(t, saved, "final flush on shutdown")
}
