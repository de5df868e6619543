package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pnl-engine/internal/model"
)

// Pub/sub channel layout.
const (
	tickPrefix      = "pnl:tick:"
	portfolioPrefix = "pnl:portfolio:"
	FillsChannel    = "pnl:fills"
)

const publishTimeout = 2 * time.Second

type outbound struct {
	channel string
	data    []byte
}

// RedisPublisher fans ticks out to other instances. Publish calls are
// queued and sent from Run so the tick loop never waits on Redis.
type RedisPublisher struct {
	rdb      *redis.Client
	instance string
	queue    chan outbound
}

// NewRedisPublisher creates a publisher that stamps frames with instance.
func NewRedisPublisher(rdb *redis.Client, instance string) *RedisPublisher {
	return &RedisPublisher{
		rdb:      rdb,
		instance: instance,
		queue:    make(chan outbound, 1024),
	}
}

// Run drains the publish queue until ctx is done.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.queue:
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			if err := p.rdb.Publish(pctx, m.channel, m.data).Err(); err != nil {
				slog.Warn("redis publish failed", "channel", m.channel, "err", err)
			}
			cancel()
		}
	}
}

func (p *RedisPublisher) enqueue(channel string, data []byte) {
	select {
	case p.queue <- outbound{channel: channel, data: data}:
	default:
		slog.Warn("redis publish queue full, frame dropped", "channel", channel)
	}
}

func (p *RedisPublisher) PublishTick(tick model.Tick) {
	data, err := encode(TypeTick, tick.UserID, p.instance, tick)
	if err != nil {
		return
	}
	p.enqueue(tickPrefix+tick.UserID, data)
}

func (p *RedisPublisher) PublishPortfolio(tick model.PortfolioTick) {
	data, err := encode(TypePortfolio, tick.UserID, p.instance, tick)
	if err != nil {
		return
	}
	p.enqueue(portfolioPrefix+tick.UserID, data)
}

// PublishFillApplied is sent synchronously: the caller has just committed
// a fill and other instances should learn about it before the next tick.
func (p *RedisPublisher) PublishFillApplied(ctx context.Context, key model.Key, fillID string) error {
	data, err := json.Marshal(FillEvent{Origin: p.instance, Key: key, FillID: fillID})
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, FillsChannel, data).Err()
}

// Relay listens on the shared channels and forwards frames published by
// other instances to the local hub. Fill events from other instances are
// handed to onFill.
type Relay struct {
	rdb      *redis.Client
	instance string
	hub      *WSHub
	onFill   func(ctx context.Context, ev FillEvent)
}

// NewRelay creates a relay. onFill may be nil.
func NewRelay(rdb *redis.Client, instance string, hub *WSHub, onFill func(ctx context.Context, ev FillEvent)) *Relay {
	return &Relay{rdb: rdb, instance: instance, hub: hub, onFill: onFill}
}

// Run subscribes and dispatches until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	pubsub := r.rdb.PSubscribe(ctx, tickPrefix+"*", portfolioPrefix+"*", FillsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			r.dispatch(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, channel string, payload []byte) {
	if channel == FillsChannel {
		var ev FillEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			slog.Warn("malformed fill event", "err", err)
			return
		}
		if ev.Origin == r.instance || r.onFill == nil {
			return
		}
		r.onFill(ctx, ev)
		return
	}

	if !strings.HasPrefix(channel, tickPrefix) && !strings.HasPrefix(channel, portfolioPrefix) {
		return
	}
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Warn("malformed pnl frame", "channel", channel, "err", err)
		return
	}
	if msg.Origin == r.instance {
		return
	}
	r.hub.Deliver(msg.UserID, payload)
}
