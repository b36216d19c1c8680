package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/events"
)

func newFollowUp(h *harness, cfg Config, now time.Time) *FollowUpScheduler {
	f := NewFollowUpScheduler(h.deps(), cfg, zerolog.Nop())
	f.now = func() time.Time { return now }
	return f
}

func inactivityJob(at time.Time, step int) conversation.InactivityJob {
	return conversation.InactivityJob{
		ConversationID:     "conv-1",
		WorkspaceID:        "ws-1",
		AIMessageTimestamp: at,
		Step:               step,
	}
}

func TestFollowUpSendsRenderedNudge(t *testing.T) {
	h := newHarness()
	replyAt := t0.Add(5 * time.Second)
	h.seed(true, replyAt)
	h.store.AddFollowUpRule(&conversation.FollowUpRule{
		WorkspaceID:    "ws-1",
		Delay:          time.Hour,
		MessageContent: "Hi [FirstName], still thinking about your visit to [Workspace]?",
	})

	now := replyAt.Add(time.Hour)
	out, err := newFollowUp(h, DefaultConfig(), now).Handle(context.Background(), inactivityJob(replyAt, 0))
	require.NoError(t, err)
	assert.Equal(t, Completed(), out)

	sent := h.deliverer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hi Maria, still thinking about your visit to Acme Dental?", sent[0].Text)
	assert.Equal(t, "+15550001", sent[0].To)

	msgs := h.store.Messages("conv-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.SenderSystem, msgs[0].SenderType)
	assert.Equal(t, conversation.DeliverySent, msgs[0].DeliveryStatus)
	assert.Equal(t, "wamid.1", msgs[0].ProviderMessageID)

	conv, err := h.store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, conv.LastMessageAt.Equal(now))

	evs := h.publisher.Events()
	require.Len(t, evs, 1)
	_, ok := evs[0].event.(events.NewMessage)
	assert.True(t, ok)
	assert.Empty(t, h.scheduler.Jobs(), "single-rule mode never chains")
}

func TestFollowUpSelfCancelsOnNewActivity(t *testing.T) {
	h := newHarness()
	replyAt := t0
	h.seed(true, replyAt)
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: time.Hour, MessageContent: "Hi [Name]"})

	// Client wrote back after the AI reply.
	require.NoError(t, h.store.TouchConversation(context.Background(), "conv-1", replyAt.Add(time.Minute)))

	out, err := newFollowUp(h, DefaultConfig(), replyAt.Add(time.Hour)).Handle(context.Background(), inactivityJob(replyAt, 0))
	require.NoError(t, err)
	assert.Equal(t, Skipped(ReasonFollowUpSuperseded), out)
	assert.Empty(t, h.deliverer.Sent())
	assert.Empty(t, h.store.Messages("conv-1"))
}

func TestFollowUpMarkerPrecision(t *testing.T) {
	h := newHarness()
	// The stored timestamp is truncated to microseconds; the job may carry nanoseconds.
	replyAt := t0.Add(1234567 * time.Nanosecond)
	h.seed(true, replyAt)
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: time.Hour, MessageContent: "ping"})

	out, err := newFollowUp(h, DefaultConfig(), replyAt.Add(time.Hour)).Handle(context.Background(), inactivityJob(replyAt, 0))
	require.NoError(t, err)
	assert.Equal(t, Completed(), out)
}

func TestFollowUpSkips(t *testing.T) {
	rule := &conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: time.Hour, MessageContent: "Hi [Name]"}

	cases := []struct {
		name   string
		setup  func(h *harness)
		reason string
	}{
		{
			name:   "conversation missing",
			setup:  func(h *harness) {},
			reason: ReasonNotFound,
		},
		{
			name: "conversation closed",
			setup: func(h *harness) {
				h.seed(true, t0)
				h.store.PutConversation(&conversation.Conversation{
					ID: "conv-1", WorkspaceID: "ws-1", ClientID: "cl-1",
					Status: conversation.StatusClosed, LastMessageAt: t0,
				})
				h.store.AddFollowUpRule(rule)
			},
			reason: ReasonNotActive,
		},
		{
			name:   "no rules",
			setup:  func(h *harness) { h.seed(true, t0) },
			reason: ReasonNoFollowUpRules,
		},
		{
			name: "client missing",
			setup: func(h *harness) {
				h.seed(true, t0)
				h.store.PutConversation(&conversation.Conversation{
					ID: "conv-1", WorkspaceID: "ws-1", ClientID: "ghost",
					Status: conversation.StatusActive, LastMessageAt: t0,
				})
				h.store.AddFollowUpRule(rule)
			},
			reason: ReasonClientNotFound,
		},
		{
			name: "template renders empty",
			setup: func(h *harness) {
				h.seed(true, t0)
				h.store.PutWorkspace(&conversation.WorkspaceSettings{WorkspaceID: "ws-1", AccessToken: "tok", SenderID: "PHONE-1"})
				h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: time.Hour, MessageContent: " [Workspace] "})
			},
			reason: ReasonEmptyFollowUp,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			tc.setup(h)
			out, err := newFollowUp(h, DefaultConfig(), t0.Add(time.Hour)).Handle(context.Background(), inactivityJob(t0, 0))
			require.NoError(t, err)
			assert.Equal(t, Skipped(tc.reason), out)
			assert.Empty(t, h.deliverer.Sent())
		})
	}
}

func TestFollowUpSendFailureIsRetried(t *testing.T) {
	h := newHarness()
	h.seed(true, t0)
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: time.Hour, MessageContent: "Hi [Name]"})
	sendErr := errors.New("503 service unavailable")
	h.deliverer.err = sendErr

	_, err := newFollowUp(h, DefaultConfig(), t0.Add(time.Hour)).Handle(context.Background(), inactivityJob(t0, 0))
	require.ErrorIs(t, err, sendErr)
	assert.Empty(t, h.store.Messages("conv-1"), "nothing persisted for an unsent nudge")

	conv, err := h.store.GetConversation(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.True(t, conv.LastMessageAt.Equal(t0), "a failed send leaves the activity marker alone")
}

func TestFollowUpUsesSmallestDelayRule(t *testing.T) {
	h := newHarness()
	h.seed(true, t0)
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: 48 * time.Hour, MessageContent: "second", Position: 0})
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: 24 * time.Hour, MessageContent: "first b", Position: 2})
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: 24 * time.Hour, MessageContent: "first a", Position: 1})

	_, err := newFollowUp(h, DefaultConfig(), t0.Add(24*time.Hour)).Handle(context.Background(), inactivityJob(t0, 0))
	require.NoError(t, err)
	sent := h.deliverer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "first a", sent[0].Text)
}

func TestFollowUpChain(t *testing.T) {
	h := newHarness()
	h.seed(true, t0)
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: time.Hour, MessageContent: "one"})
	h.store.AddFollowUpRule(&conversation.FollowUpRule{WorkspaceID: "ws-1", Delay: 3 * time.Hour, MessageContent: "two"})

	cfg := DefaultConfig()
	cfg.FollowUpChain = true

	first := t0.Add(time.Hour)
	out, err := newFollowUp(h, cfg, first).Handle(context.Background(), inactivityJob(t0, 0))
	require.NoError(t, err)
	require.Equal(t, Completed(), out)

	jobs := h.scheduler.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].job.Step)
	assert.Equal(t, 3*time.Hour, jobs[0].delay)
	assert.True(t, jobs[0].job.AIMessageTimestamp.Equal(first))

	second := first.Add(3 * time.Hour)
	out, err = newFollowUp(h, cfg, second).Handle(context.Background(), jobs[0].job)
	require.NoError(t, err)
	require.Equal(t, Completed(), out)
	assert.Len(t, h.scheduler.Jobs(), 1, "last rule schedules nothing further")

	var texts []string
	for _, s := range h.deliverer.Sent() {
		texts = append(texts, s.Text)
	}
	assert.Equal(t, []string{"one", "two"}, texts)

	out, err = newFollowUp(h, cfg, second.Add(time.Hour)).Handle(context.Background(), inactivityJob(second, 2))
	require.NoError(t, err)
	assert.Equal(t, Skipped(ReasonChainExhausted), out)
}
