package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/internal/conversation"
)

type dispatchClaim struct {
	messageID string
	messageAt time.Time
	leasedAt  time.Time // zero once released
}

// InMemoryStore is a threadsafe in-memory store for tests and local runs.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	messages      map[string][]*conversation.Message
	messageByID   map[string]*conversation.Message
	clients       map[string]*conversation.Client
	workspaces    map[string]*conversation.WorkspaceSettings
	rules         map[string][]*conversation.FollowUpRule
	claims        map[string]dispatchClaim
	now           func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*conversation.Conversation),
		messages:      make(map[string][]*conversation.Message),
		messageByID:   make(map[string]*conversation.Message),
		clients:       make(map[string]*conversation.Client),
		workspaces:    make(map[string]*conversation.WorkspaceSettings),
		rules:         make(map[string][]*conversation.FollowUpRule),
		claims:        make(map[string]dispatchClaim),
		now:           time.Now,
	}
}

// SetClock overrides the time source used for claim leases.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// PutConversation seeds or replaces a conversation.
func (s *InMemoryStore) PutConversation(c *conversation.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.LastMessageAt = normalize(cp.LastMessageAt)
	s.conversations[c.ID] = &cp
}

func (s *InMemoryStore) PutClient(c *conversation.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.clients[c.ID] = &cp
}

func (s *InMemoryStore) PutWorkspace(w *conversation.WorkspaceSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workspaces[w.WorkspaceID] = &cp
}

func (s *InMemoryStore) AddFollowUpRule(r *conversation.FollowUpRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.rules[r.WorkspaceID] = append(s.rules[r.WorkspaceID], &cp)
}

// Messages returns a copy of every stored message of a conversation.
func (s *InMemoryStore) Messages(conversationID string) []*conversation.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.messages[conversationID])
}

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) LatestAIMessage(ctx context.Context, conversationID string) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderType == conversation.SenderAI {
			cp := *msgs[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ClientMessagesAfter(ctx context.Context, conversationID string, after time.Time) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conversation.Message
	for _, m := range s.messages[conversationID] {
		if m.SenderType == conversation.SenderClient && m.Timestamp.After(after) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, conversationID string, until time.Time, limit int) ([]*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	until = normalize(until)
	n := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp.After(until) })
	msgs = msgs[:n]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return cloneMessages(msgs), nil
}

func (s *InMemoryStore) GetClient(ctx context.Context, id string) (*conversation.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) GetWorkspaceSettings(ctx context.Context, workspaceID string) (*conversation.WorkspaceSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *InMemoryStore) ListFollowUpRules(ctx context.Context, workspaceID string) ([]*conversation.FollowUpRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*conversation.FollowUpRule, 0, len(s.rules[workspaceID]))
	for _, r := range s.rules[workspaceID] {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Delay != out[j].Delay {
			return out[i].Delay < out[j].Delay
		}
		return out[i].Position < out[j].Position
	})
	return out, nil
}

func (s *InMemoryStore) CreateMessage(ctx context.Context, m *conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = s.now()
	}
	m.Timestamp = normalize(m.Timestamp)
	if m.DeliveryStatus == "" {
		m.DeliveryStatus = conversation.DeliveryPending
	}
	cp := *m
	msgs := append(s.messages[m.ConversationID], &cp)
	// Chronological; equal timestamps keep insertion order.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	s.messages[m.ConversationID] = msgs
	s.messageByID[cp.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateMessageDelivery(ctx context.Context, id string, status conversation.DeliveryStatus, providerMessageID, errorDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messageByID[id]
	if !ok {
		return ErrNotFound
	}
	m.DeliveryStatus = status
	if providerMessageID != "" {
		m.ProviderMessageID = providerMessageID
	}
	m.ErrorDetail = errorDetail
	return nil
}

func (s *InMemoryStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	at = normalize(at)
	if at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	return nil
}

func (s *InMemoryStore) ClaimDispatch(ctx context.Context, conversationID, messageID string, messageAt time.Time, lease time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return false, ErrNotFound
	}
	now := s.now()
	messageAt = normalize(messageAt)
	if cur, ok := s.claims[conversationID]; ok {
		newer := messageAt.After(cur.messageAt)
		reclaim := cur.messageID == messageID && (cur.leasedAt.IsZero() || now.Sub(cur.leasedAt) >= lease)
		if !newer && !reclaim {
			return false, nil
		}
	}
	s.claims[conversationID] = dispatchClaim{messageID: messageID, messageAt: messageAt, leasedAt: now}
	return true, nil
}

func (s *InMemoryStore) ReleaseDispatch(ctx context.Context, conversationID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.claims[conversationID]; ok && cur.messageID == messageID {
		cur.leasedAt = time.Time{}
		s.claims[conversationID] = cur
	}
	return nil
}

func (s *InMemoryStore) UpsertClient(ctx context.Context, c *conversation.Client) (*conversation.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.clients {
		if existing.WorkspaceID == c.WorkspaceID && existing.Phone == c.Phone {
			if c.DisplayName != "" {
				existing.DisplayName = c.DisplayName
			}
			cp := *existing
			return &cp, nil
		}
	}
	cp := *c
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.clients[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *InMemoryStore) OpenConversation(ctx context.Context, workspaceID, clientID, channelConversationID string, aiActive bool) (*conversation.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversations {
		if c.WorkspaceID == workspaceID && c.ClientID == clientID && c.Status == conversation.StatusActive {
			cp := *c
			return &cp, false, nil
		}
	}
	c := &conversation.Conversation{
		ID:                    uuid.NewString(),
		WorkspaceID:           workspaceID,
		ClientID:              clientID,
		Status:                conversation.StatusActive,
		IsAIActive:            aiActive,
		ChannelConversationID: channelConversationID,
		CreatedAt:             normalize(s.now()),
	}
	s.conversations[c.ID] = c
	cp := *c
	return &cp, true, nil
}

func (s *InMemoryStore) FindMessageByProviderID(ctx context.Context, providerMessageID string) (*conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.findByProviderLocked(providerMessageID)
	if m == nil {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) AdvanceDeliveryStatus(ctx context.Context, providerMessageID string, status conversation.DeliveryStatus, errorDetail string) (*conversation.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findByProviderLocked(providerMessageID)
	if m == nil {
		return nil, false, ErrNotFound
	}
	if !m.DeliveryStatus.Advances(status) {
		cp := *m
		return &cp, false, nil
	}
	m.DeliveryStatus = status
	m.ErrorDetail = errorDetail
	cp := *m
	return &cp, true, nil
}

func (s *InMemoryStore) SetAIActive(ctx context.Context, conversationID string, active bool) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	c.IsAIActive = active
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) findByProviderLocked(providerMessageID string) *conversation.Message {
	if providerMessageID == "" {
		return nil
	}
	for _, m := range s.messageByID {
		if m.ProviderMessageID == providerMessageID {
			return m
		}
	}
	return nil
}

func cloneMessages(in []*conversation.Message) []*conversation.Message {
	out := make([]*conversation.Message, 0, len(in))
	for _, m := range in {
		cp := *m
		out = append(out, &cp)
	}
	return out
}
