package realtime

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker multiplexes every bridge channel over a single go-redis PubSub
// connection.
type RedisBroker struct {
	pubsub *redis.PubSub
	log    zerolog.Logger
}

func NewRedisBroker(ctx context.Context, rdb redis.UniversalClient, logger zerolog.Logger) *RedisBroker {
	return &RedisBroker{
		pubsub: rdb.Subscribe(ctx),
		log:    logger.With().Str("component", "redis_broker").Logger(),
	}
}

func (r *RedisBroker) Subscribe(ctx context.Context, channel string) error {
	return r.pubsub.Subscribe(ctx, channel)
}

func (r *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	return r.pubsub.Unsubscribe(ctx, channel)
}

// Run forwards broker messages to handle until ctx is cancelled or the
// connection is closed.
func (r *RedisBroker) Run(ctx context.Context, handle func(channel string, payload []byte)) error {
	msgs := r.pubsub.Channel()
	r.log.Info().Msg("Broker forwarder started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("Broker forwarder stopped")
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			handle(m.Channel, []byte(m.Payload))
		}
	}
}

func (r *RedisBroker) Close() error {
	return r.pubsub.Close()
}
