package position

import (
	"sync"

	"github.com/atmx/pnl-engine/internal/model"
)

// Ring is a fixed-size circular buffer of PnL points. When full, each push
// overwrites the oldest point. Safe for concurrent use.
type Ring struct {
	mu    sync.RWMutex
	buf   []model.PnLPoint
	pos   int // next write position
	full  bool
	dirty bool
}

// NewRing creates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{buf: make([]model.PnLPoint, capacity)}
}

// Push appends a point.
func (r *Ring) Push(p model.PnLPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(p)
}

func (r *Ring) push(p model.PnLPoint) {
	r.buf[r.pos] = p
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
	r.dirty = true
}

// Seed replaces the contents with points, keeping the newest that fit.
func (r *Ring) Seed(points []model.PnLPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos, r.full = 0, false
	if len(points) > len(r.buf) {
		points = points[len(points)-len(r.buf):]
	}
	for _, p := range points {
		r.push(p)
	}
	r.dirty = false
}

// Points returns the buffered points, oldest first.
func (r *Ring) Points() []model.PnLPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.len()
	out := make([]model.PnLPoint, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.index(i)]
	}
	return out
}

// Len returns the number of points held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len()
}

// takeDirty reports whether the ring changed since the last call.
func (r *Ring) takeDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dirty
	r.dirty = false
	return d
}

func (r *Ring) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (r *Ring) index(logical int) int {
	if r.full {
		return (r.pos + logical) % len(r.buf)
	}
	return logical
}

func (r *Ring) isDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}
