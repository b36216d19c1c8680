package conversation

import "time"

// ProcessingJob is enqueued once per inbound client message. Many jobs for
// the same burst are expected; only the one carrying the newest message id
// produces a reply.
type ProcessingJob struct {
	ConversationID      string    `json:"conversationId"`
	ClientID            string    `json:"clientId"`
	TriggeringMessageID string    `json:"triggeringMessageId"`
	WorkspaceID         string    `json:"workspaceId"`
	ReceivedTimestamp   time.Time `json:"receivedTimestamp"`
}

// InactivityJob fires after a follow-up delay. AIMessageTimestamp is the
// activity marker the job was scheduled against; Step indexes the ordered
// rule chain and stays 0 unless chaining is enabled.
type InactivityJob struct {
	ConversationID     string    `json:"conversationId"`
	WorkspaceID        string    `json:"workspaceId"`
	AIMessageTimestamp time.Time `json:"aiMessageTimestamp"`
	Step               int       `json:"step,omitempty"`
}
