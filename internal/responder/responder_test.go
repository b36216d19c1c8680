package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/retry"
)

// fakeModel records every request and replays scripted results.
type fakeModel struct {
	requests [][]llms.MessageContent
	models   []string
	errs     []error
	reply    string
}

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.requests = append(m.requests, messages)
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	m.models = append(m.models, opts.Model)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

func fastRetry() retry.RetryConfig {
	cfg := retry.LLMRetryConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

func msg(sender conversation.SenderType, text string) *conversation.Message {
	return &conversation.Message{SenderType: sender, Content: text}
}

func textOf(t *testing.T, mc llms.MessageContent) string {
	t.Helper()
	require.Len(t, mc.Parts, 1)
	part, ok := mc.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestBuildMessagesMapsRolesAndMergesTurns(t *testing.T) {
	history := []*conversation.Message{
		msg(conversation.SenderClient, "hi"),
		msg(conversation.SenderClient, "are you open tomorrow?"),
		msg(conversation.SenderAI, "Yes, from 9."),
		msg(conversation.SenderSystem, "Still interested?"),
		msg(conversation.SenderClient, "  "),
		msg(conversation.SenderClient, "yes"),
	}

	got := BuildMessages(history, "Be nice.")
	require.Len(t, got, 4)

	assert.Equal(t, llms.ChatMessageTypeSystem, got[0].Role)
	assert.Equal(t, "Be nice.", textOf(t, got[0]))

	assert.Equal(t, llms.ChatMessageTypeHuman, got[1].Role)
	assert.Equal(t, "hi\nare you open tomorrow?", textOf(t, got[1]))

	assert.Equal(t, llms.ChatMessageTypeAI, got[2].Role)
	assert.Equal(t, "Yes, from 9.\nStill interested?", textOf(t, got[2]))

	assert.Equal(t, llms.ChatMessageTypeHuman, got[3].Role)
	assert.Equal(t, "yes", textOf(t, got[3]))
}

func TestCompleteUsesDefaultPrompt(t *testing.T) {
	model := &fakeModel{reply: "Sure!"}
	r := New(model, ModelConfig{}, zerolog.Nop(), WithRetryConfig(fastRetry()))

	reply, err := r.Complete(context.Background(), []*conversation.Message{msg(conversation.SenderClient, "hello")}, "", "")
	require.NoError(t, err)
	assert.Equal(t, "Sure!", reply)

	require.Len(t, model.requests, 1)
	assert.Equal(t, DefaultSystemPrompt, textOf(t, model.requests[0][0]))
}

func TestCompleteModelOverride(t *testing.T) {
	model := &fakeModel{reply: "ok"}
	r := New(model, ModelConfig{Model: "gpt-4o-mini"}, zerolog.Nop(), WithRetryConfig(fastRetry()))

	_, err := r.Complete(context.Background(), nil, "prompt", "gpt-4o")
	require.NoError(t, err)
	_, err = r.Complete(context.Background(), nil, "prompt", "  ")
	require.NoError(t, err)

	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, model.models)
}

func TestCompleteRetriesTransientErrors(t *testing.T) {
	model := &fakeModel{reply: "ok", errs: []error{errors.New("429 rate limit exceeded")}}
	r := New(model, ModelConfig{}, zerolog.Nop(), WithRetryConfig(fastRetry()))

	reply, err := r.Complete(context.Background(), nil, "prompt", "")
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Len(t, model.requests, 2)
}

func TestCompleteReturnsPermanentErrors(t *testing.T) {
	permanent := errors.New("invalid api key")
	model := &fakeModel{errs: []error{permanent}}
	r := New(model, ModelConfig{}, zerolog.Nop(), WithRetryConfig(fastRetry()))

	_, err := r.Complete(context.Background(), nil, "prompt", "")
	assert.ErrorIs(t, err, permanent)
	assert.Len(t, model.requests, 1)
}

func TestNewModelRejectsUnknownProvider(t *testing.T) {
	_, err := NewModel(context.Background(), ConnectorOptions{Provider: "mystery"})
	assert.Error(t, err)
}

func TestDefaultModel(t *testing.T) {
	assert.Equal(t, "llama3", DefaultModel(ProviderOllama))
	assert.Empty(t, DefaultModel("mystery"))
}
