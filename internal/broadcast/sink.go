// Package broadcast delivers PnL ticks to clients: locally over WebSocket
// and across instances over Redis pub/sub.
package broadcast

import (
	"context"
	"encoding/json"

	"github.com/atmx/pnl-engine/internal/model"
)

// Frame types carried in Message.Type.
const (
	TypeTick      = "pnl_tick"
	TypePortfolio = "portfolio_tick"
)

// Sink receives computed ticks. Implementations must not block the caller
// on network I/O; slow consumers drop frames.
type Sink interface {
	PublishTick(tick model.Tick)
	PublishPortfolio(tick model.PortfolioTick)
}

// FillNotifier tells other instances that a fill was committed for a key,
// so they can refresh their cached view of it.
type FillNotifier interface {
	PublishFillApplied(ctx context.Context, key model.Key, fillID string) error
}

// Message is the JSON frame sent to WebSocket clients and over pub/sub.
type Message struct {
	Type   string          `json:"type"`
	UserID string          `json:"user_id"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// FillEvent is published on FillsChannel after a durable commit.
type FillEvent struct {
	Origin string    `json:"origin"`
	Key    model.Key `json:"key"`
	FillID string    `json:"fill_id"`
}

func encode(typ, userID, origin string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: typ, UserID: userID, Origin: origin, Data: data})
}

// Fanout publishes every tick to each of its sinks in order.
type Fanout []Sink

func (f Fanout) PublishTick(tick model.Tick) {
	for _, s := range f {
		s.PublishTick(tick)
	}
}

func (f Fanout) PublishPortfolio(tick model.PortfolioTick) {
	for _, s := range f {
		s.PublishPortfolio(tick)
	}
}

// Nop discards everything. Used when no transport is configured.
type Nop struct{}

func (Nop) PublishTick(model.Tick)                                          {}
func (Nop) PublishPortfolio(model.PortfolioTick)                            {}
func (Nop) PublishFillApplied(context.Context, model.Key, string) error { return nil }
