package realtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/internal/events"
)

var (
	ErrSinkClosed   = errors.New("sink closed")
	ErrSlowConsumer = errors.New("sink buffer full")
)

const (
	defaultSinkBuffer = 32
	HeartbeatInterval = 15 * time.Second
)

// SSESink buffers frames for one event-stream connection.
type SSESink struct {
	id     string
	frames chan events.Frame
	done   chan struct{}
	once   sync.Once
}

func NewSSESink(buffer int) *SSESink {
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	return &SSESink{
		id:     uuid.NewString(),
		frames: make(chan events.Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (s *SSESink) ID() string { return s.id }

// Send queues frame without blocking; a full buffer drops the frame.
func (s *SSESink) Send(frame events.Frame) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return ErrSlowConsumer
	}
}

func (s *SSESink) Close() {
	s.once.Do(func() { close(s.done) })
}

// Stream copies queued frames to w, interleaving heartbeat comments, until
// ctx ends or the sink is closed.
func (s *SSESink) Stream(ctx context.Context, w io.Writer, flush func(), heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = HeartbeatInterval
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return err
			}
			flush()
		case f := <-s.frames:
			if _, err := f.WriteTo(w); err != nil {
				return err
			}
			flush()
		}
	}
}

// ServeSSE streams channel to an HTTP client until the request ends or the
// bridge is closed. The connected frame is written once, after the broker
// subscription is live.
func (b *Bridge) ServeSSE(w http.ResponseWriter, r *http.Request, channel string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported")
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer context.AfterFunc(b.closed, cancel)()

	sink := NewSSESink(defaultSinkBuffer)
	defer sink.Close()
	if err := b.RegisterSink(ctx, channel, sink); err != nil {
		return err
	}
	defer func() {
		// The request context is already done here; unsubscribe on a fresh one.
		if err := b.UnregisterSink(context.Background(), channel, sink); err != nil {
			b.log.Warn().Err(err).Str("channel", channel).Msg("Failed to release sink")
		}
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := events.ConnectedFrame(channel).WriteTo(w); err != nil {
		return err
	}
	flusher.Flush()

	b.log.Debug().Str("channel", channel).Str("sink", sink.ID()).Msg("SSE client connected")
	err := sink.Stream(ctx, w, flusher.Flush, b.heartbeat)
	b.log.Debug().Str("channel", channel).Str("sink", sink.ID()).Msg("SSE client disconnected")
	return err
}
