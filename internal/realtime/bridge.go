// Package realtime fans broker events out to live UI connections.
//
// A Bridge owns one broker subscription per channel no matter how many
// connections watch it. Sinks registered on a channel double as its
// reference count: the first sink subscribes the broker, the last one to
// leave unsubscribes it. Both transitions happen under the registry lock so
// the broker never sees a duplicate or orphaned subscription.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/replyflow/internal/events"
)

// Broker is the pub/sub backend the bridge drives.
type Broker interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Sink is one live connection. Send must not block.
type Sink interface {
	ID() string
	Send(frame events.Frame) error
}

// ErrBridgeClosed is returned when a sink registers after Close.
var ErrBridgeClosed = errors.New("bridge closed")

// Bridge is the refcounted registry between broker channels and sinks.
type Bridge struct {
	mu        sync.Mutex
	broker    Broker
	sinks     map[string]map[string]Sink
	heartbeat time.Duration
	log       zerolog.Logger

	closed context.Context
	stop   context.CancelFunc
}

// NewBridge returns an empty bridge driving broker.
func NewBridge(broker Broker, logger zerolog.Logger) *Bridge {
	closed, stop := context.WithCancel(context.Background())
	return &Bridge{
		broker:    broker,
		sinks:     make(map[string]map[string]Sink),
		heartbeat: HeartbeatInterval,
		log:       logger.With().Str("component", "realtime_bridge").Logger(),
		closed:    closed,
		stop:      stop,
	}
}

// Close ends every open stream and refuses new ones. Broker subscriptions
// are released as the streams unwind.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Err() == nil {
		b.log.Info().Int("channels", len(b.sinks)).Msg("Closing event streams")
	}
	b.stop()
}

// SetHeartbeat changes the keep-alive interval of streams opened afterwards.
func (b *Bridge) SetHeartbeat(d time.Duration) {
	if d > 0 {
		b.heartbeat = d
	}
}

// RegisterSink attaches sink to channel, subscribing the broker when sink is
// the channel's first. Registering the same sink twice is a no-op.
func (b *Bridge) RegisterSink(ctx context.Context, channel string, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Err() != nil {
		return ErrBridgeClosed
	}

	set, ok := b.sinks[channel]
	if !ok {
		if err := b.broker.Subscribe(ctx, channel); err != nil {
			return fmt.Errorf("subscribe %s: %w", channel, err)
		}
		set = make(map[string]Sink)
		b.sinks[channel] = set
		b.log.Debug().Str("channel", channel).Msg("Subscribed broker channel")
	}
	set[sink.ID()] = sink
	return nil
}

// UnregisterSink detaches sink and unsubscribes the broker when it was the
// channel's last. Unknown sinks are ignored.
func (b *Bridge) UnregisterSink(ctx context.Context, channel string, sink Sink) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.sinks[channel]
	if !ok {
		return nil
	}
	if _, ok := set[sink.ID()]; !ok {
		return nil
	}
	delete(set, sink.ID())
	if len(set) > 0 {
		return nil
	}

	delete(b.sinks, channel)
	if err := b.broker.Unsubscribe(ctx, channel); err != nil {
		b.log.Error().Err(err).Str("channel", channel).Msg("Failed to unsubscribe broker channel")
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	b.log.Debug().Str("channel", channel).Msg("Unsubscribed broker channel")
	return nil
}

// OnBrokerMessage decodes a broker message once and writes the resulting
// frame to every sink on channel. A failing sink never affects the others.
func (b *Bridge) OnBrokerMessage(channel string, payload []byte) {
	frame := b.frameFor(channel, payload)

	b.mu.Lock()
	set := b.sinks[channel]
	targets := make([]Sink, 0, len(set))
	for _, s := range set {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(channel, s, frame)
	}
}

// Subscribers returns the reference count of channel.
func (b *Bridge) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks[channel])
}

// Channels lists channels that currently hold a broker subscription.
func (b *Bridge) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.sinks))
	for ch := range b.sinks {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (b *Bridge) frameFor(channel string, payload []byte) events.Frame {
	ev, err := events.Decode(payload)
	if err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("Dropping malformed broker message")
		return events.ErrorFrame(channel)
	}
	if raw, ok := ev.(events.RawEvent); ok {
		b.log.Debug().Str("channel", channel).Str("type", raw.Type).Msg("Forwarding unrecognised event")
	}
	frame, err := events.FrameFor(ev)
	if err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("Failed to build frame")
		return events.ErrorFrame(channel)
	}
	return frame
}

func (b *Bridge) deliver(channel string, s Sink, frame events.Frame) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("channel", channel).
				Str("sink", s.ID()).
				Interface("panic", r).
				Msg("Sink panicked while writing frame")
		}
	}()
	if err := s.Send(frame); err != nil {
		b.log.Warn().
			Err(err).
			Str("channel", channel).
			Str("sink", s.ID()).
			Msg("Failed to write frame to sink")
	}
}
