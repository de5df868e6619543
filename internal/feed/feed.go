// Package feed consumes mark price updates published on Redis.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// ChannelPrefix is the pub/sub prefix of price channels: price:{mint}.
const ChannelPrefix = "price:"

// ErrMalformedUpdate is returned for messages that cannot be applied.
var ErrMalformedUpdate = errors.New("feed: malformed price update")

// Update is one mark price in lamports per base unit.
type Update struct {
	Mint  string          `json:"mint"`
	Price decimal.Decimal `json:"price"`
}

// Handler applies a price update.
type Handler func(mint string, price decimal.Decimal) error

// RedisSubscriber listens on price:* and hands every update to a Handler.
// Bad messages are logged and dropped; the subscription keeps running.
type RedisSubscriber struct {
	rdb    *redis.Client
	handle Handler
}

// NewRedisSubscriber creates a subscriber.
func NewRedisSubscriber(rdb *redis.Client, handle Handler) *RedisSubscriber {
	return &RedisSubscriber{rdb: rdb, handle: handle}
}

// Run subscribes and dispatches until ctx is done.
func (s *RedisSubscriber) Run(ctx context.Context) {
	pubsub := s.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer pubsub.Close()
	slog.Info("price feed subscribed", "pattern", ChannelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := s.dispatch(msg.Channel, []byte(msg.Payload)); err != nil {
				slog.Warn("price update dropped", "channel", msg.Channel, "err", err)
			}
		}
	}
}

func (s *RedisSubscriber) dispatch(channel string, payload []byte) error {
	u, err := Decode(channel, payload)
	if err != nil {
		return err
	}
	return s.handle(u.Mint, u.Price)
}

// Decode parses a price message. The mint defaults to the channel suffix
// and must agree with it when both are present.
func Decode(channel string, payload []byte) (Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return Update{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	var fromChannel string
	if strings.HasPrefix(channel, ChannelPrefix) {
		fromChannel = strings.TrimPrefix(channel, ChannelPrefix)
	}
	switch {
	case u.Mint == "":
		u.Mint = fromChannel
	case fromChannel != "" && u.Mint != fromChannel:
		return Update{}, fmt.Errorf("%w: mint %q on channel %q", ErrMalformedUpdate, u.Mint, channel)
	}
	if u.Mint == "" {
		return Update{}, fmt.Errorf("%w: missing mint", ErrMalformedUpdate)
	}
	return u, nil
}
