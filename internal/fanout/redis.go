package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Tyrowin/pairchat/internal/logger"
)

type envelope struct {
	Recipients []int64 `json:"recipients"`
	Payload    []byte  `json:"payload"`
}

// Redis publishes every dispatch to a pub/sub channel. Each instance runs a
// forwarder that hands received envelopes to its Local dispatcher, so the
// publisher never pushes to sockets itself.
type Redis struct {
	rdb     *goredis.Client
	channel string
	local   *Local
	log     *logger.Logger
}

// NewRedis publishes to channel on rdb and forwards received envelopes to local.
func NewRedis(rdb *goredis.Client, channel string, local *Local, log *logger.Logger) (*Redis, error) {
	if rdb == nil {
		return nil, fmt.Errorf("redis client required")
	}
	if local == nil {
		return nil, fmt.Errorf("local dispatcher required")
	}
	if channel == "" {
		channel = "pairchat:delivery"
	}
	return &Redis{
		rdb:     rdb,
		channel: channel,
		local:   local,
		log:     log.With("component", "RedisDispatcher", "channel", channel),
	}, nil
}

// Dispatch publishes the envelope. The error reports a failed publish only.
func (d *Redis) Dispatch(ctx context.Context, recipients []int64, payload []byte) error {
	raw, err := json.Marshal(envelope{Recipients: recipients, Payload: payload})
	if err != nil {
		return err
	}
	if err := d.rdb.Publish(ctx, d.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Start subscribes and forwards envelopes to the local dispatcher until ctx
// is done. It returns once the subscription is confirmed.
func (d *Redis) Start(ctx context.Context) error {
	sub := d.rdb.Subscribe(ctx, d.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					d.log.Warn("Subscription closed")
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					d.log.Warn("Bad delivery envelope", "error", err)
					continue
				}
				_ = d.local.Dispatch(ctx, env.Recipients, env.Payload)
			}
		}
	}()

	d.log.Info("Forwarder started")
	return nil
}

// Close releases the Redis client.
func (d *Redis) Close() error {
	return d.rdb.Close()
}
