package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Publisher announces state changes of a conversation to live UIs.
type Publisher interface {
	Publish(ctx context.Context, conversationID string, ev Event) error
}

// RedisPublisher publishes envelopes on the conversation channel and, when
// the payload names a workspace, on the workspace channel as well.
type RedisPublisher struct {
	rdb redis.UniversalClient
	log zerolog.Logger
}

func NewRedisPublisher(rdb redis.UniversalClient, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb: rdb,
		log: logger.With().Str("component", "event_publisher").Logger(),
	}
}

func (p *RedisPublisher) Publish(ctx context.Context, conversationID string, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	channels := []string{ConversationChannel(conversationID)}
	if ws := ev.Workspace(); ws != "" {
		channels = append(channels, WorkspaceChannel(ws))
	}

	for _, ch := range channels {
		receivers, err := p.rdb.Publish(ctx, ch, data).Result()
		if err != nil {
			return fmt.Errorf("publish %s to %s: %w", ev.FrameType(), ch, err)
		}
		p.log.Debug().
			Str("channel", ch).
			Str("type", ev.FrameType()).
			Int64("receivers", receivers).
			Msg("Published event")
	}
	return nil
}
