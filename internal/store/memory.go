package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/atmx/pnl-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	positions map[model.Key]model.Position
	lots      map[model.Key][]model.Lot
	fills     map[model.Key][]model.Fill
	fillIDs   map[string]struct{}
	records   map[model.Key][]model.RealizedPnLRecord

	// keyLocks serializes Transact per key.
	keyLocks sync.Map
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[model.Key]model.Position),
		lots:      make(map[model.Key][]model.Lot),
		fills:     make(map[model.Key][]model.Fill),
		fillIDs:   make(map[string]struct{}),
		records:   make(map[model.Key][]model.RealizedPnLRecord),
	}
}

func (s *MemoryStore) lockKey(key model.Key) func() {
	v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *MemoryStore) Transact(ctx context.Context, key model.Key, fn TxFunc) error {
	unlock := s.lockKey(key)
	defer unlock()

	state := s.read(key)
	mut, err := fn(state)
	if err != nil {
		return err
	}
	if mut == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if mut.Fill.ID != "" {
		if _, dup := s.fillIDs[mut.Fill.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateFill, mut.Fill.ID)
		}
		s.fillIDs[mut.Fill.ID] = struct{}{}
	}

	pos := mut.Position
	pos.Key = key
	s.positions[key] = pos
	s.lots[key] = slices.Clone(mut.Lots)
	s.fills[key] = append(s.fills[key], mut.Fill)
	if mut.Record != nil {
		s.records[key] = append(s.records[key], *mut.Record)
	}
	return nil
}

func (s *MemoryStore) read(key model.Key) LedgerState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[key]
	if !ok {
		return LedgerState{Position: emptyPosition(key)}
	}
	return LedgerState{
		Position: pos,
		Lots:     slices.Clone(s.lots[key]),
		Exists:   true,
	}
}

func (s *MemoryStore) GetLedgerState(_ context.Context, key model.Key) (LedgerState, error) {
	state := s.read(key)
	if !state.Exists {
		return state, fmt.Errorf("%w: %s", ErrPositionNotFound, key)
	}
	return state, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string, mode model.Mode) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Position
	for k, p := range s.positions {
		if k.UserID == userID && k.Mode == mode {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b model.Position) int {
		if a.Mint < b.Mint {
			return -1
		}
		if a.Mint > b.Mint {
			return 1
		}
		return 0
	})
	return result, nil
}

func (s *MemoryStore) GetFills(_ context.Context, key model.Key) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.fills[key]), nil
}

func (s *MemoryStore) GetRealizedRecords(_ context.Context, key model.Key) ([]model.RealizedPnLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records[key]), nil
}

// MemoryHistoryStore keeps PnL history in a map.
type MemoryHistoryStore struct {
	mu     sync.RWMutex
	series map[string][]model.PnLPoint
}

// NewMemoryHistoryStore creates an empty history store.
func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{series: make(map[string][]model.PnLPoint)}
}

func (h *MemoryHistoryStore) SaveHistory(_ context.Context, userID string, mode model.Mode, points []model.PnLPoint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.series[historyKey(userID, mode)] = slices.Clone(points)
	return nil
}

func (h *MemoryHistoryStore) LoadHistory(_ context.Context, userID string, mode model.Mode) ([]model.PnLPoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.series[historyKey(userID, mode)]), nil
}
