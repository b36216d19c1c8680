package store

import (
	"context"
	"errors"
	"time"

	"github.com/replyflow/internal/conversation"
)

var ErrNotFound = errors.New("not found")

// Store is the conversation state the pipeline reads and writes. Every
// method is safe for concurrent use.
type Store interface {
	GetConversation(ctx context.Context, id string) (*conversation.Conversation, error)
	// LatestAIMessage returns ErrNotFound when the conversation has no AI reply yet.
	LatestAIMessage(ctx context.Context, conversationID string) (*conversation.Message, error)
	// ClientMessagesAfter returns CLIENT messages strictly newer than after, oldest first.
	ClientMessagesAfter(ctx context.Context, conversationID string, after time.Time) ([]*conversation.Message, error)
	// RecentMessages returns the newest messages stamped at or before until,
	// at most limit of them, in chronological order.
	RecentMessages(ctx context.Context, conversationID string, until time.Time, limit int) ([]*conversation.Message, error)
	GetClient(ctx context.Context, id string) (*conversation.Client, error)
	GetWorkspaceSettings(ctx context.Context, workspaceID string) (*conversation.WorkspaceSettings, error)
	// ListFollowUpRules orders by delay, then position.
	ListFollowUpRules(ctx context.Context, workspaceID string) ([]*conversation.FollowUpRule, error)

	// CreateMessage assigns ID when empty and normalizes Timestamp to the
	// precision the store keeps.
	CreateMessage(ctx context.Context, m *conversation.Message) error
	UpdateMessageDelivery(ctx context.Context, id string, status conversation.DeliveryStatus, providerMessageID, errorDetail string) error
	// TouchConversation moves last_message_at forward; it never moves it back.
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// ClaimDispatch records that the batch ending at messageID (stamped
	// messageAt) is being answered. Claims only move forward: it succeeds when
	// messageAt is strictly newer than the last claimed message, or when the
	// same message's claim was released or its lease ran out.
	ClaimDispatch(ctx context.Context, conversationID, messageID string, messageAt time.Time, lease time.Duration) (bool, error)
	// ReleaseDispatch drops the lease on a claim so a retried job can take it
	// again. The claimed timestamp stays, so older messages still lose.
	ReleaseDispatch(ctx context.Context, conversationID, messageID string) error

	// UpsertClient finds a client by workspace and phone, creating it when missing.
	UpsertClient(ctx context.Context, c *conversation.Client) (*conversation.Client, error)
	// OpenConversation returns the ACTIVE conversation for the client or
	// creates one. created reports which happened.
	OpenConversation(ctx context.Context, workspaceID, clientID, channelConversationID string, aiActive bool) (conv *conversation.Conversation, created bool, err error)
	FindMessageByProviderID(ctx context.Context, providerMessageID string) (*conversation.Message, error)
	// AdvanceDeliveryStatus applies a provider status callback when it moves
	// the message forward. changed is false for stale or duplicate callbacks.
	AdvanceDeliveryStatus(ctx context.Context, providerMessageID string, status conversation.DeliveryStatus, errorDetail string) (msg *conversation.Message, changed bool, err error)
	SetAIActive(ctx context.Context, conversationID string, active bool) (*conversation.Conversation, error)
}

// Precision is the timestamp resolution kept by Postgres timestamptz.
const Precision = time.Microsecond

func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}
