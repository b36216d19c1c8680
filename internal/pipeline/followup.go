package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/events"
	"github.com/replyflow/internal/store"
)

// FollowUpScheduler sends the workspace's follow-up nudge when a client has
// not answered an AI reply. Jobs cancel themselves: any activity after the
// reply they were scheduled against moves last_message_at past it.
type FollowUpScheduler struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time
}

// NewFollowUpScheduler returns a scheduler using deps and cfg.
func NewFollowUpScheduler(deps Deps, cfg Config, logger zerolog.Logger) *FollowUpScheduler {
	return &FollowUpScheduler{
		deps: deps,
		cfg:  cfg,
		log:  logger.With().Str("component", "followup_scheduler").Logger(),
		now:  time.Now,
	}
}

// Handle sends the follow-up for one inactivity job and, with chaining on,
// schedules the next step. Skips return a nil error.
func (f *FollowUpScheduler) Handle(ctx context.Context, job conversation.InactivityJob) (Outcome, error) {
	log := f.log.With().
		Str("conversation_id", job.ConversationID).
		Int("step", job.Step).
		Logger()

	conv, err := f.deps.Store.GetConversation(ctx, job.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return f.skip(log, ReasonNotFound), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status != conversation.StatusActive {
		return f.skip(log, ReasonNotActive), nil
	}
	marker := job.AIMessageTimestamp.UTC().Truncate(store.Precision)
	if conv.LastMessageAt.After(marker) {
		return f.skip(log, ReasonFollowUpSuperseded), nil
	}

	rules, err := f.deps.Store.ListFollowUpRules(ctx, conv.WorkspaceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load follow-up rules: %w", err)
	}
	if len(rules) == 0 {
		return f.skip(log, ReasonNoFollowUpRules), nil
	}
	rule := rules[0]
	if f.cfg.FollowUpChain {
		if job.Step < 0 || job.Step >= len(rules) {
			return f.skip(log, ReasonChainExhausted), nil
		}
		rule = rules[job.Step]
	}

	client, err := f.deps.Store.GetClient(ctx, conv.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return f.skip(log, ReasonClientNotFound), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load client: %w", err)
	}
	ws, err := workspaceSettings(ctx, f.deps.Store, conv.WorkspaceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load workspace settings: %w", err)
	}

	text := strings.TrimSpace(RenderTemplate(rule.MessageContent, FollowUpValues(client, ws)))
	if text == "" {
		return f.skip(log, ReasonEmptyFollowUp), nil
	}

	providerID, err := f.deps.Deliverer.Send(ctx, outbound(ws, client, text))
	if err != nil {
		return Outcome{}, fmt.Errorf("send follow-up: %w", err)
	}

	msg := &conversation.Message{
		ConversationID:    conv.ID,
		SenderType:        conversation.SenderSystem,
		Content:           text,
		Timestamp:         f.now(),
		DeliveryStatus:    conversation.DeliverySent,
		ProviderMessageID: providerID,
	}
	if err := f.deps.Store.CreateMessage(ctx, msg); err != nil {
		// The nudge already went out; a retry would send it twice.
		log.Error().Err(err).Str("provider_message_id", providerID).Msg("Follow-up sent but not persisted")
		return Completed(), nil
	}
	if err := f.deps.Store.TouchConversation(ctx, conv.ID, msg.Timestamp); err != nil {
		log.Error().Err(err).Msg("Failed to bump last_message_at")
	}

	ev := events.NewMessage{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Message:        events.NewMessagePayload(msg),
	}
	if err := f.deps.Publisher.Publish(ctx, conv.ID, ev); err != nil {
		log.Warn().Err(err).Msg("Failed to publish new_message")
	}

	if f.cfg.FollowUpChain && job.Step+1 < len(rules) {
		next := conversation.InactivityJob{
			ConversationID:     conv.ID,
			WorkspaceID:        conv.WorkspaceID,
			AIMessageTimestamp: msg.Timestamp,
			Step:               job.Step + 1,
		}
		if err := f.deps.Scheduler.ScheduleInactivity(ctx, next, rules[job.Step+1].Delay); err != nil {
			log.Error().Err(err).Msg("Failed to schedule next follow-up")
		}
	}

	log.Info().Str("rule_id", rule.ID).Str("message_id", msg.ID).Msg("Follow-up sent")
	return Completed(), nil
}

func (f *FollowUpScheduler) skip(log zerolog.Logger, reason string) Outcome {
	log.Info().Str("reason", reason).Msg("Skipping follow-up")
	return Skipped(reason)
}
