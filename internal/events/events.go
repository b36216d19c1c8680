// Package events defines the broker envelope, the closed set of event kinds
// and the SSE frames they turn into.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/replyflow/internal/conversation"
)

// ErrMalformed is returned by Decode for payloads that are not JSON.
var ErrMalformed = errors.New("malformed event payload")

type Kind string

const (
	KindNewMessage          Kind = "new_message"
	KindMessageUpdated      Kind = "message_updated"
	KindConversationUpdated Kind = "conversation_updated"
)

// Envelope is the wire shape published on the broker.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is implemented by the recognised kinds and by RawEvent. The set is
// closed: the unexported marker keeps other packages from adding variants.
type Event interface {
	// FrameType is the SSE event name.
	FrameType() string
	// Workspace returns the workspace id carried by the payload, if any.
	Workspace() string
	isEvent()
}

type MessagePayload struct {
	ID                string `json:"id"`
	ConversationID    string `json:"conversationId"`
	SenderType        string `json:"senderType"`
	Content           string `json:"content"`
	Timestamp         string `json:"timestamp"`
	DeliveryStatus    string `json:"deliveryStatus"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	ErrorDetail       string `json:"errorDetail,omitempty"`
}

func NewMessagePayload(m *conversation.Message) MessagePayload {
	return MessagePayload{
		ID:                m.ID,
		ConversationID:    m.ConversationID,
		SenderType:        string(m.SenderType),
		Content:           m.Content,
		Timestamp:         m.Timestamp.UTC().Format(time.RFC3339Nano),
		DeliveryStatus:    string(m.DeliveryStatus),
		ProviderMessageID: m.ProviderMessageID,
		ErrorDetail:       m.ErrorDetail,
	}
}

type NewMessage struct {
	ConversationID string         `json:"conversationId"`
	WorkspaceID    string         `json:"workspaceId,omitempty"`
	Message        MessagePayload `json:"message"`
}

type MessageUpdated struct {
	ConversationID string         `json:"conversationId"`
	WorkspaceID    string         `json:"workspaceId,omitempty"`
	Message        MessagePayload `json:"message"`
}

type ConversationUpdated struct {
	ConversationID string `json:"conversationId"`
	WorkspaceID    string `json:"workspaceId,omitempty"`
	Status         string `json:"status"`
	IsAIActive     bool   `json:"isAiActive"`
	LastMessageAt  string `json:"lastMessageAt,omitempty"`
}

func NewConversationUpdated(c *conversation.Conversation) ConversationUpdated {
	ev := ConversationUpdated{
		ConversationID: c.ID,
		WorkspaceID:    c.WorkspaceID,
		Status:         string(c.Status),
		IsAIActive:     c.IsAIActive,
	}
	if !c.LastMessageAt.IsZero() {
		ev.LastMessageAt = c.LastMessageAt.UTC().Format(time.RFC3339Nano)
	}
	return ev
}

// RawEvent carries a broker message that was valid JSON but not a
// recognised envelope. Data is the message exactly as received.
type RawEvent struct {
	Type string
	Data json.RawMessage
}

func (NewMessage) FrameType() string          { return string(KindNewMessage) }
func (MessageUpdated) FrameType() string      { return string(KindMessageUpdated) }
func (ConversationUpdated) FrameType() string { return string(KindConversationUpdated) }
func (RawEvent) FrameType() string            { return FrameUnknown }

func (e NewMessage) Workspace() string          { return e.WorkspaceID }
func (e MessageUpdated) Workspace() string      { return e.WorkspaceID }
func (e ConversationUpdated) Workspace() string { return e.WorkspaceID }
func (e RawEvent) Workspace() string {
	var probe struct {
		Payload struct {
			WorkspaceID string `json:"workspaceId"`
		} `json:"payload"`
	}
	if json.Unmarshal(e.Data, &probe) != nil {
		return ""
	}
	return probe.Payload.WorkspaceID
}

func (NewMessage) isEvent()          {}
func (MessageUpdated) isEvent()      {}
func (ConversationUpdated) isEvent() {}
func (RawEvent) isEvent()            {}

// Encode wraps a recognised event in its envelope.
func Encode(ev Event) ([]byte, error) {
	if raw, ok := ev.(RawEvent); ok {
		return raw.Data, nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.FrameType(), err)
	}
	return json.Marshal(Envelope{Type: ev.FrameType(), Payload: payload})
}

// Decode parses a broker message. Invalid JSON is an error; valid JSON that
// is not a recognised envelope comes back as RawEvent.
func Decode(data []byte) (Event, error) {
	if !json.Valid(data) {
		return nil, ErrMalformed
	}
	raw := RawEvent{Data: append(json.RawMessage(nil), data...)}

	var env struct {
		Type    *string         `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type == nil || len(env.Payload) == 0 || string(env.Payload) == "null" {
		return raw, nil
	}
	raw.Type = *env.Type

	var ev Event
	switch Kind(*env.Type) {
	case KindNewMessage:
		var p NewMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return raw, nil
		}
		ev = p
	case KindMessageUpdated:
		var p MessageUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return raw, nil
		}
		ev = p
	case KindConversationUpdated:
		var p ConversationUpdated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return raw, nil
		}
		ev = p
	default:
		return raw, nil
	}
	return ev, nil
}
