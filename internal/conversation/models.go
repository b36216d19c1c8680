package conversation

import "time"

// Domain models shared by the ingress adapter, the pipeline workers and the
// realtime layer. Everything here is plain data; persistence lives in store.

type SenderType string

const (
	SenderClient     SenderType = "CLIENT"
	SenderAI         SenderType = "AI"
	SenderSystem     SenderType = "SYSTEM"
	SenderAgent      SenderType = "AGENT"
	SenderAutomation SenderType = "AUTOMATION"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusClosed   Status = "CLOSED"
	StatusArchived Status = "ARCHIVED"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliverySent      DeliveryStatus = "SENT"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryRead      DeliveryStatus = "READ"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryReceived  DeliveryStatus = "RECEIVED"
)

// deliveryRank orders outbound statuses so late callbacks cannot move a
// message backwards (a DELIVERED arriving after READ is ignored).
var deliveryRank = map[DeliveryStatus]int{
	DeliveryPending:   0,
	DeliverySent:      1,
	DeliveryDelivered: 2,
	DeliveryRead:      3,
}

// Advances reports whether moving from s to next is a forward transition.
// FAILED is accepted from any non-terminal state.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	if s == next {
		return false
	}
	if next == DeliveryFailed {
		return s != DeliveryRead && s != DeliveryDelivered
	}
	nr, ok := deliveryRank[next]
	if !ok {
		return false
	}
	cur, ok := deliveryRank[s]
	if !ok {
		// A provider can still report success after a FAILED send attempt.
		return s == DeliveryFailed && next != DeliveryPending
	}
	return nr > cur
}

type Conversation struct {
	ID                    string
	WorkspaceID           string
	ClientID              string
	Status                Status
	IsAIActive            bool
	ChannelConversationID string
	LastMessageAt         time.Time
	CreatedAt             time.Time
}

type Message struct {
	ID                string
	ConversationID    string
	SenderType        SenderType
	Content           string
	Timestamp         time.Time
	DeliveryStatus    DeliveryStatus
	ProviderMessageID string
	ErrorDetail       string
}

type Client struct {
	ID          string
	WorkspaceID string
	DisplayName string
	Phone       string
}

// FirstName returns the first whitespace separated word of the display name.
func (c *Client) FirstName() string {
	if c == nil {
		return ""
	}
	for i, r := range c.DisplayName {
		if r == ' ' || r == '\t' {
			return c.DisplayName[:i]
		}
	}
	return c.DisplayName
}

type FollowUpRule struct {
	ID             string
	WorkspaceID    string
	Delay          time.Duration
	MessageContent string
	Position       int
}

// WorkspaceSettings carries the per-tenant AI and channel configuration.
type WorkspaceSettings struct {
	WorkspaceID  string
	Name         string
	SystemPrompt string
	AIModel      string
	// DefaultAIActive is applied to conversations created by ingress.
	DefaultAIActive bool
	AccessToken     string
	SenderID        string
}
