// Package pipeline turns inbound client bursts into AI replies and re-engages
// clients who go quiet afterwards. Both handlers are invoked by queue workers
// and may run concurrently for the same conversation; correctness comes from
// re-reading conversation state, never from job arrival order.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/delivery"
	"github.com/replyflow/internal/events"
	"github.com/replyflow/internal/store"
)

// Skip reasons. A skipped job is a successful completion and is never retried.
const (
	ReasonConversationNotFound = "conversation not found"
	ReasonAIInactive           = "ai inactive"
	ReasonNoNewClientMessages  = "no new client messages"
	ReasonSuperseded           = "superseded by later message"
	ReasonAlreadyClaimed       = "batch already claimed"

	ReasonNotFound           = "not found"
	ReasonNotActive          = "conversation not active"
	ReasonFollowUpSuperseded = "superseded"
	ReasonNoFollowUpRules    = "no follow-up rules"
	ReasonChainExhausted     = "follow-up chain exhausted"
	ReasonClientNotFound     = "client not found"
	ReasonEmptyFollowUp      = "empty follow-up"
)

// Outcome is how a job ended when it did not fail. Skipped jobs carry one of
// the Reason constants.
type Outcome struct {
	Skipped bool
	Reason  string
}

// Completed is the outcome of a job that did its work.
func Completed() Outcome { return Outcome{} }

// Skipped is the outcome of a job that exited early for reason.
func Skipped(reason string) Outcome { return Outcome{Skipped: true, Reason: reason} }

func (o Outcome) String() string {
	if o.Skipped {
		return "skipped: " + o.Reason
	}
	return "completed"
}

// Responder produces the AI reply for a conversation history. model is the
// workspace's model preference; empty means the process default.
type Responder interface {
	Complete(ctx context.Context, history []*conversation.Message, systemPrompt, model string) (string, error)
}

// Deliverer sends text to the client's chat channel and returns the
// provider message id.
type Deliverer interface {
	Send(ctx context.Context, msg delivery.Outbound) (string, error)
}

// InactivityScheduler enqueues the follow-up check for a conversation,
// replacing any check still pending for it.
type InactivityScheduler interface {
	ScheduleInactivity(ctx context.Context, job conversation.InactivityJob, delay time.Duration) error
}

// Config holds the timing and history knobs shared by both handlers.
type Config struct {
	BufferDelay     time.Duration
	HistoryLimit    int
	InactivityDelay time.Duration
	DispatchLease   time.Duration
	FollowUpChain   bool
}

// DefaultConfig returns a 3s buffer, 20 messages of history, a 24h
// inactivity delay and a 5 minute dispatch lease.
func DefaultConfig() Config {
	return Config{
		BufferDelay:     3 * time.Second,
		HistoryLimit:    20,
		InactivityDelay: 24 * time.Hour,
		DispatchLease:   5 * time.Minute,
	}
}

// Deps groups the collaborators shared by both handlers.
type Deps struct {
	Store     store.Store
	Responder Responder
	Deliverer Deliverer
	Scheduler InactivityScheduler
	Publisher events.Publisher
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// workspaceSettings treats a missing workspace row as empty settings so the
// pipeline can still answer with the default prompt.
func workspaceSettings(ctx context.Context, s store.Store, workspaceID string) (*conversation.WorkspaceSettings, error) {
	ws, err := s.GetWorkspaceSettings(ctx, workspaceID)
	if errors.Is(err, store.ErrNotFound) {
		return &conversation.WorkspaceSettings{WorkspaceID: workspaceID}, nil
	}
	return ws, err
}

func outbound(ws *conversation.WorkspaceSettings, client *conversation.Client, text string) delivery.Outbound {
	out := delivery.Outbound{
		AccessToken: ws.AccessToken,
		SenderID:    ws.SenderID,
		Text:        text,
	}
	if client != nil {
		out.To = client.Phone
	}
	return out
}
