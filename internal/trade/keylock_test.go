package trade

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/atmx/pnl-engine/internal/model"
)

func TestKeyLocker_SerializesPerKey(t *testing.T) {
	l := newKeyLocker()
	k := model.Key{UserID: "u", Mint: "m", Mode: model.ModePaper}

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(k)
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, 0, l.size(), "idle keys are released")
}

func TestKeyLocker_IndependentKeys(t *testing.T) {
	l := newKeyLocker()
	a := model.Key{UserID: "a", Mint: "m", Mode: model.ModePaper}
	b := model.Key{UserID: "b", Mint: "m", Mode: model.ModePaper}

	unlockA := l.Lock(a)
	unlockB := l.Lock(b) // must not block on a
	assert.Equal(t, 2, l.size())
	unlockB()
	unlockA()
	assert.Equal(t, 0, l.size())
}
