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

// BatchCoordinator answers a burst of client messages with a single AI reply.
//
// Every inbound message enqueues a ProcessingJob. After the buffer delay each
// job re-derives the burst from the store: the CLIENT messages newer than the
// latest AI reply. Only the job whose triggering message is the newest of that
// burst continues; the others exit as superseded. A per-conversation dispatch
// claim then stops duplicate deliveries of the winning job from replying twice,
// and the election runs again after the claim so a message that landed while
// claiming hands the batch to its own job.
type BatchCoordinator struct {
	deps  Deps
	cfg   Config
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewBatchCoordinator returns a coordinator using deps and cfg.
func NewBatchCoordinator(deps Deps, cfg Config, logger zerolog.Logger) *BatchCoordinator {
	return &BatchCoordinator{
		deps:  deps,
		cfg:   cfg,
		log:   logger.With().Str("component", "batch_coordinator").Logger(),
		sleep: sleepContext,
		now:   time.Now,
	}
}

// Handle processes one job. Errors are returned only for failures worth a
// queue retry; skips and swallowed delivery failures return a nil error.
func (c *BatchCoordinator) Handle(ctx context.Context, job conversation.ProcessingJob) (Outcome, error) {
	log := c.log.With().
		Str("conversation_id", job.ConversationID).
		Str("triggering_message_id", job.TriggeringMessageID).
		Logger()

	if err := c.sleep(ctx, c.cfg.BufferDelay); err != nil {
		return Outcome{}, err
	}

	conv, err := c.deps.Store.GetConversation(ctx, job.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return c.skip(log, ReasonConversationNotFound), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("load conversation: %w", err)
	}
	if !conv.IsAIActive {
		return c.skip(log, ReasonAIInactive), nil
	}

	representative, _, err := c.elect(ctx, conv.ID)
	if err != nil {
		return Outcome{}, err
	}
	if representative == nil {
		return c.skip(log, ReasonNoNewClientMessages), nil
	}
	if representative.ID != job.TriggeringMessageID {
		log.Debug().Str("representative_id", representative.ID).Msg("Newer message owns this batch")
		return c.skip(log, ReasonSuperseded), nil
	}

	claimed, err := c.deps.Store.ClaimDispatch(ctx, conv.ID, representative.ID, representative.Timestamp, c.cfg.DispatchLease)
	if err != nil {
		return Outcome{}, fmt.Errorf("claim dispatch: %w", err)
	}
	if !claimed {
		return c.skip(log, ReasonAlreadyClaimed), nil
	}

	// A message committed between the election and the claim belongs to a
	// later job, which can still claim because its timestamp is newer.
	latest, size, err := c.elect(ctx, conv.ID)
	if err != nil {
		c.release(ctx, log, conv.ID, representative.ID)
		return Outcome{}, err
	}
	if latest == nil || latest.ID != representative.ID {
		return c.skip(log, ReasonSuperseded), nil
	}

	log.Info().Int("batch_size", size).Msg("Replying to client batch")
	out, err := c.reply(ctx, log, conv, job)
	if err != nil {
		c.release(ctx, log, conv.ID, representative.ID)
		return Outcome{}, err
	}
	return out, nil
}

// elect returns the newest CLIENT message after the latest AI reply, or nil
// when the client has said nothing since, along with the batch size.
func (c *BatchCoordinator) elect(ctx context.Context, conversationID string) (*conversation.Message, int, error) {
	reference := time.Unix(0, 0).UTC()
	lastAI, err := c.deps.Store.LatestAIMessage(ctx, conversationID)
	switch {
	case err == nil:
		reference = lastAI.Timestamp
	case !errors.Is(err, store.ErrNotFound):
		return nil, 0, fmt.Errorf("load latest ai message: %w", err)
	}

	batch, err := c.deps.Store.ClientMessagesAfter(ctx, conversationID, reference)
	if err != nil {
		return nil, 0, fmt.Errorf("load client messages: %w", err)
	}
	if len(batch) == 0 {
		return nil, 0, nil
	}
	return batch[len(batch)-1], len(batch), nil
}

func (c *BatchCoordinator) release(ctx context.Context, log zerolog.Logger, conversationID, messageID string) {
	if err := c.deps.Store.ReleaseDispatch(context.WithoutCancel(ctx), conversationID, messageID); err != nil {
		log.Error().Err(err).Msg("Failed to release dispatch claim")
	}
}

// reply runs everything after the election. Errors before the AI message is
// persisted are returned for retry; after that point every failure is logged
// because a retried job would find the reply and skip.
func (c *BatchCoordinator) reply(ctx context.Context, log zerolog.Logger, conv *conversation.Conversation, job conversation.ProcessingJob) (Outcome, error) {
	// Anything that landed after the re-election is still part of this reply;
	// its own job will find the AI message newer and skip.
	history, err := c.deps.Store.RecentMessages(ctx, conv.ID, c.now(), c.cfg.HistoryLimit)
	if err != nil {
		return Outcome{}, fmt.Errorf("load history: %w", err)
	}
	ws, err := workspaceSettings(ctx, c.deps.Store, conv.WorkspaceID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load workspace settings: %w", err)
	}

	text, err := c.deps.Responder.Complete(ctx, history, ws.SystemPrompt, ws.AIModel)
	if err != nil {
		return Outcome{}, fmt.Errorf("generate reply: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		log.Info().Msg("Responder returned an empty reply, nothing to send")
		return Completed(), nil
	}

	msg := &conversation.Message{
		ConversationID: conv.ID,
		SenderType:     conversation.SenderAI,
		Content:        text,
		Timestamp:      c.now(),
		DeliveryStatus: conversation.DeliveryPending,
	}
	if err := c.deps.Store.CreateMessage(ctx, msg); err != nil {
		return Outcome{}, fmt.Errorf("persist ai message: %w", err)
	}
	if err := c.deps.Store.TouchConversation(ctx, conv.ID, msg.Timestamp); err != nil {
		log.Error().Err(err).Msg("Failed to bump last_message_at")
	}

	c.deliver(ctx, log, conv, job, ws, msg)

	job2 := conversation.InactivityJob{
		ConversationID:     conv.ID,
		WorkspaceID:        conv.WorkspaceID,
		AIMessageTimestamp: msg.Timestamp,
	}
	if delay, err := c.inactivityDelay(ctx, conv.WorkspaceID); err != nil {
		log.Error().Err(err).Msg("Failed to load follow-up rules")
	} else if err := c.deps.Scheduler.ScheduleInactivity(ctx, job2, delay); err != nil {
		log.Error().Err(err).Msg("Failed to schedule inactivity check")
	} else {
		log.Debug().Dur("delay", delay).Msg("Scheduled inactivity check")
	}

	ev := events.NewMessage{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Message:        events.NewMessagePayload(msg),
	}
	if err := c.deps.Publisher.Publish(ctx, conv.ID, ev); err != nil {
		log.Warn().Err(err).Msg("Failed to publish new_message")
	}

	log.Info().Str("message_id", msg.ID).Str("delivery_status", string(msg.DeliveryStatus)).Msg("AI reply processed")
	return Completed(), nil
}

// deliver sends msg and records the outcome on it. Failures never propagate.
func (c *BatchCoordinator) deliver(ctx context.Context, log zerolog.Logger, conv *conversation.Conversation, job conversation.ProcessingJob, ws *conversation.WorkspaceSettings, msg *conversation.Message) {
	clientID := conv.ClientID
	if clientID == "" {
		clientID = job.ClientID
	}
	client, err := c.deps.Store.GetClient(ctx, clientID)
	if err != nil {
		log.Warn().Err(err).Str("client_id", clientID).Msg("Cannot resolve reply destination")
		client = nil
	}

	var sendErr error
	if client == nil {
		sendErr = fmt.Errorf("client %s not found", clientID)
	} else {
		msg.ProviderMessageID, sendErr = c.deps.Deliverer.Send(ctx, outbound(ws, client, msg.Content))
	}

	if sendErr != nil {
		log.Warn().Err(sendErr).Str("message_id", msg.ID).Msg("Delivery failed, reply kept as FAILED")
		msg.DeliveryStatus = conversation.DeliveryFailed
		msg.ErrorDetail = sendErr.Error()
	} else {
		msg.DeliveryStatus = conversation.DeliverySent
	}
	if err := c.deps.Store.UpdateMessageDelivery(ctx, msg.ID, msg.DeliveryStatus, msg.ProviderMessageID, msg.ErrorDetail); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to record delivery status")
	}
}

// inactivityDelay is the shortest follow-up rule delay, or the configured
// default when the workspace has no rules.
func (c *BatchCoordinator) inactivityDelay(ctx context.Context, workspaceID string) (time.Duration, error) {
	rules, err := c.deps.Store.ListFollowUpRules(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	if rule := firstRule(rules); rule != nil {
		return rule.Delay, nil
	}
	return c.cfg.InactivityDelay, nil
}

func (c *BatchCoordinator) skip(log zerolog.Logger, reason string) Outcome {
	log.Info().Str("reason", reason).Msg("Skipping processing job")
	return Skipped(reason)
}

// firstRule returns the rule with the smallest delay, ties broken by position.
func firstRule(rules []*conversation.FollowUpRule) *conversation.FollowUpRule {
	var best *conversation.FollowUpRule
	for _, r := range rules {
		if best == nil || r.Delay < best.Delay || (r.Delay == best.Delay && r.Position < best.Position) {
			best = r
		}
	}
	return best
}
