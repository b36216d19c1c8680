// Package ingress records what arrives from the chat channel: inbound client
// messages, provider delivery receipts and operator toggles. Each accepted
// change is persisted, published to live viewers, and, for client messages,
// handed to the processing queue.
package ingress

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

var (
	ErrInvalidInbound = errors.New("inbound message requires workspace, phone and text")
	ErrUnknownStatus  = errors.New("unknown delivery status")
)

// Enqueuer hands a processing job to the queue.
type Enqueuer interface {
	EnqueueProcessing(ctx context.Context, job conversation.ProcessingJob) error
}

// Inbound is a client message normalized from the channel webhook.
type Inbound struct {
	WorkspaceID           string    `json:"workspaceId"`
	Phone                 string    `json:"phone"`
	DisplayName           string    `json:"displayName,omitempty"`
	Text                  string    `json:"text"`
	ProviderMessageID     string    `json:"providerMessageId,omitempty"`
	ChannelConversationID string    `json:"channelConversationId,omitempty"`
	Timestamp             time.Time `json:"timestamp,omitempty"`
}

// StatusUpdate is a provider delivery receipt.
type StatusUpdate struct {
	ProviderMessageID string `json:"providerMessageId"`
	Status            string `json:"status"`
	ErrorDetail       string `json:"errorDetail,omitempty"`
}

type Result struct {
	Conversation *conversation.Conversation
	Message      *conversation.Message
	// Duplicate is set when the provider message id was already stored.
	Duplicate bool
}

type Service struct {
	store     store.Store
	publisher events.Publisher
	queue     Enqueuer
	log       zerolog.Logger
	now       func() time.Time
}

func NewService(s store.Store, publisher events.Publisher, queue Enqueuer, logger zerolog.Logger) *Service {
	return &Service{
		store:     s,
		publisher: publisher,
		queue:     queue,
		log:       logger.With().Str("component", "ingress").Logger(),
		now:       time.Now,
	}
}

// AcceptInbound stores a client message and enqueues its processing job.
// Redelivered webhooks are recognised by provider message id; their job is
// enqueued again, which the batch election makes harmless, so a webhook that
// failed after persisting still gets processed when the provider retries.
func (s *Service) AcceptInbound(ctx context.Context, in Inbound) (*Result, error) {
	in.WorkspaceID = strings.TrimSpace(in.WorkspaceID)
	in.Phone = strings.TrimSpace(in.Phone)
	if in.WorkspaceID == "" || in.Phone == "" || strings.TrimSpace(in.Text) == "" {
		return nil, ErrInvalidInbound
	}

	if in.ProviderMessageID != "" {
		existing, err := s.store.FindMessageByProviderID(ctx, in.ProviderMessageID)
		switch {
		case err == nil:
			conv, err := s.store.GetConversation(ctx, existing.ConversationID)
			if err != nil {
				return nil, fmt.Errorf("load conversation: %w", err)
			}
			s.log.Debug().Str("provider_message_id", in.ProviderMessageID).Msg("Duplicate inbound message")
			if err := s.enqueue(ctx, conv, existing); err != nil {
				return nil, err
			}
			return &Result{Conversation: conv, Message: existing, Duplicate: true}, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("dedupe inbound: %w", err)
		}
	}

	aiActive := true
	ws, err := s.store.GetWorkspaceSettings(ctx, in.WorkspaceID)
	switch {
	case err == nil:
		aiActive = ws.DefaultAIActive
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load workspace settings: %w", err)
	}

	client, err := s.store.UpsertClient(ctx, &conversation.Client{
		WorkspaceID: in.WorkspaceID,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Phone:       in.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert client: %w", err)
	}

	conv, created, err := s.store.OpenConversation(ctx, in.WorkspaceID, client.ID, in.ChannelConversationID, aiActive)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	msg := &conversation.Message{
		ConversationID:    conv.ID,
		SenderType:        conversation.SenderClient,
		Content:           in.Text,
		Timestamp:         ts,
		DeliveryStatus:    conversation.DeliveryReceived,
		ProviderMessageID: in.ProviderMessageID,
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist client message: %w", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, msg.Timestamp); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if msg.Timestamp.After(conv.LastMessageAt) {
		conv.LastMessageAt = msg.Timestamp
	}

	log := s.log.With().Str("conversation_id", conv.ID).Str("message_id", msg.ID).Logger()
	if created {
		s.publish(ctx, log, conv.ID, events.NewConversationUpdated(conv))
	}
	s.publish(ctx, log, conv.ID, events.NewMessage{
		ConversationID: conv.ID,
		WorkspaceID:    conv.WorkspaceID,
		Message:        events.NewMessagePayload(msg),
	})

	if err := s.enqueue(ctx, conv, msg); err != nil {
		return nil, err
	}

	log.Info().Bool("new_conversation", created).Msg("Inbound message accepted")
	return &Result{Conversation: conv, Message: msg}, nil
}

func (s *Service) enqueue(ctx context.Context, conv *conversation.Conversation, msg *conversation.Message) error {
	err := s.queue.EnqueueProcessing(ctx, conversation.ProcessingJob{
		ConversationID:      conv.ID,
		ClientID:            conv.ClientID,
		TriggeringMessageID: msg.ID,
		WorkspaceID:         conv.WorkspaceID,
		ReceivedTimestamp:   msg.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("enqueue processing: %w", err)
	}
	return nil
}

// ParseDeliveryStatus accepts the provider's lower-case status names.
func ParseDeliveryStatus(s string) (conversation.DeliveryStatus, error) {
	switch st := conversation.DeliveryStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case conversation.DeliverySent, conversation.DeliveryDelivered, conversation.DeliveryRead, conversation.DeliveryFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// ApplyStatus advances a message's delivery status from a provider receipt.
// Receipts for unknown messages and stale or repeated receipts are ignored;
// changed reports whether anything was written.
func (s *Service) ApplyStatus(ctx context.Context, upd StatusUpdate) (changed bool, err error) {
	status, err := ParseDeliveryStatus(upd.Status)
	if err != nil {
		return false, err
	}
	log := s.log.With().Str("provider_message_id", upd.ProviderMessageID).Str("status", string(status)).Logger()

	msg, changed, err := s.store.AdvanceDeliveryStatus(ctx, upd.ProviderMessageID, status, upd.ErrorDetail)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug().Msg("Receipt for unknown message")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("advance delivery status: %w", err)
	}
	if !changed {
		log.Debug().Str("current", string(msg.DeliveryStatus)).Msg("Stale receipt ignored")
		return false, nil
	}

	ev := events.MessageUpdated{ConversationID: msg.ConversationID, Message: events.NewMessagePayload(msg)}
	if conv, err := s.store.GetConversation(ctx, msg.ConversationID); err == nil {
		ev.WorkspaceID = conv.WorkspaceID
	}
	s.publish(ctx, log, msg.ConversationID, ev)
	return true, nil
}

// SetAIActive switches automatic replies for a conversation on or off.
func (s *Service) SetAIActive(ctx context.Context, conversationID string, active bool) (*conversation.Conversation, error) {
	conv, err := s.store.SetAIActive(ctx, conversationID, active)
	if err != nil {
		return nil, err
	}
	log := s.log.With().Str("conversation_id", conv.ID).Logger()
	s.publish(ctx, log, conv.ID, events.NewConversationUpdated(conv))
	log.Info().Bool("ai_active", active).Msg("AI toggled")
	return conv, nil
}

func (s *Service) publish(ctx context.Context, log zerolog.Logger, conversationID string, ev events.Event) {
	if err := s.publisher.Publish(ctx, conversationID, ev); err != nil {
		log.Warn().Err(err).Str("event", ev.FrameType()).Msg("Failed to publish event")
	}
}
