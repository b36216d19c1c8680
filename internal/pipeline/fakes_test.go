package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/delivery"
	"github.com/replyflow/internal/events"
	"github.com/replyflow/internal/store"
)

type fakeResponder struct {
	mu      sync.Mutex
	reply   string
	err     error
	calls   int
	prompts []string
	models  []string
	history [][]*conversation.Message
}

func (r *fakeResponder) Complete(ctx context.Context, history []*conversation.Message, systemPrompt, model string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.prompts = append(r.prompts, systemPrompt)
	r.models = append(r.models, model)
	r.history = append(r.history, history)
	return r.reply, r.err
}

func (r *fakeResponder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeDeliverer struct {
	mu   sync.Mutex
	id   string
	err  error
	sent []delivery.Outbound
}

func (d *fakeDeliverer) Send(ctx context.Context, msg delivery.Outbound) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, msg)
	return d.id, nil
}

func (d *fakeDeliverer) Sent() []delivery.Outbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]delivery.Outbound(nil), d.sent...)
}

type scheduled struct {
	job   conversation.InactivityJob
	delay time.Duration
}

type fakeScheduler struct {
	mu   sync.Mutex
	err  error
	jobs []scheduled
}

func (s *fakeScheduler) ScheduleInactivity(ctx context.Context, job conversation.InactivityJob, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.jobs = append(s.jobs, scheduled{job: job, delay: delay})
	return nil
}

func (s *fakeScheduler) Jobs() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.jobs...)
}

type published struct {
	conversationID string
	event          events.Event
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []published
}

func (p *fakePublisher) Publish(ctx context.Context, conversationID string, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{conversationID: conversationID, event: ev})
	return p.err
}

func (p *fakePublisher) Events() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

type harness struct {
	store     *store.InMemoryStore
	responder *fakeResponder
	deliverer *fakeDeliverer
	scheduler *fakeScheduler
	publisher *fakePublisher
}

func newHarness() *harness {
	return &harness{
		store:     store.NewInMemoryStore(),
		responder: &fakeResponder{reply: "Happy to help!"},
		deliverer: &fakeDeliverer{id: "wamid.1"},
		scheduler: &fakeScheduler{},
		publisher: &fakePublisher{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Store:     h.store,
		Responder: h.responder,
		Deliverer: h.deliverer,
		Scheduler: h.scheduler,
		Publisher: h.publisher,
	}
}

// seed creates workspace ws-1, client cl-1 (Maria Lopez) and an ACTIVE
// conversation conv-1.
func (h *harness) seed(aiActive bool, lastMessageAt time.Time) {
	h.store.PutWorkspace(&conversation.WorkspaceSettings{
		WorkspaceID:  "ws-1",
		Name:         "Acme Dental",
		SystemPrompt: "You are the Acme Dental assistant.",
		AccessToken:  "tok",
		SenderID:     "PHONE-1",
	})
	h.store.PutClient(&conversation.Client{ID: "cl-1", WorkspaceID: "ws-1", DisplayName: "Maria Lopez", Phone: "+15550001"})
	h.store.PutConversation(&conversation.Conversation{
		ID:            "conv-1",
		WorkspaceID:   "ws-1",
		ClientID:      "cl-1",
		Status:        conversation.StatusActive,
		IsAIActive:    aiActive,
		LastMessageAt: lastMessageAt,
		CreatedAt:     lastMessageAt,
	})
}

func (h *harness) addMessage(id string, sender conversation.SenderType, at time.Time) *conversation.Message {
	m := &conversation.Message{
		ID:             id,
		ConversationID: "conv-1",
		SenderType:     sender,
		Content:        "message " + id,
		Timestamp:      at,
		DeliveryStatus: conversation.DeliveryReceived,
	}
	if err := h.store.CreateMessage(context.Background(), m); err != nil {
		panic(err)
	}
	return m
}

func (h *harness) aiReplies() []*conversation.Message {
	var out []*conversation.Message
	for _, m := range h.store.Messages("conv-1") {
		if m.SenderType == conversation.SenderAI {
			out = append(out, m)
		}
	}
	return out
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func processingJob(messageID string) conversation.ProcessingJob {
	return conversation.ProcessingJob{
		ConversationID:      "conv-1",
		ClientID:            "cl-1",
		TriggeringMessageID: messageID,
		WorkspaceID:         "ws-1",
	}
}
