package events

const (
	conversationPrefix = "chat-updates:"
	workspacePrefix    = "workspace-updates:"
)

func ConversationChannel(conversationID string) string {
	return conversationPrefix + conversationID
}

func WorkspaceChannel(workspaceID string) string {
	return workspacePrefix + workspaceID
}
