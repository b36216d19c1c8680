// Package responder produces AI replies for a conversation history using a
// langchaingo chat model.
package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/replyflow/internal/conversation"
	"github.com/replyflow/internal/retry"
)

// DefaultSystemPrompt is used when a workspace has not configured its own.
const DefaultSystemPrompt = "You are a friendly customer assistant. Answer briefly and in the client's language."

var ErrEmptyResponse = errors.New("model returned no choices")

// Responder wraps a chat model with the conversation-to-prompt mapping and
// bounded retries for transient provider errors.
type Responder struct {
	model         llms.Model
	config        ModelConfig
	defaultPrompt string
	retry         retry.RetryConfig
	log           zerolog.Logger
}

type Option func(*Responder)

func WithDefaultPrompt(prompt string) Option {
	return func(r *Responder) {
		if strings.TrimSpace(prompt) != "" {
			r.defaultPrompt = prompt
		}
	}
}

func WithRetryConfig(cfg retry.RetryConfig) Option {
	return func(r *Responder) { r.retry = cfg }
}

func New(model llms.Model, config ModelConfig, logger zerolog.Logger, opts ...Option) *Responder {
	r := &Responder{
		model:         model,
		config:        config,
		defaultPrompt: DefaultSystemPrompt,
		retry:         retry.LLMRetryConfig(),
		log:           logger.With().Str("component", "responder").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Complete asks the model for the next reply. history is chronological. An
// empty systemPrompt falls back to the default prompt; a non-empty model
// overrides the configured one for this call.
func (r *Responder) Complete(ctx context.Context, history []*conversation.Message, systemPrompt, model string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = r.defaultPrompt
	}
	messages := BuildMessages(history, systemPrompt)
	opts := r.callOptions(strings.TrimSpace(model))

	var reply string
	result := retry.RetryWithBackoff(ctx, r.retry, func() error {
		resp, err := r.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return err
		}
		if resp == nil || len(resp.Choices) == 0 {
			return ErrEmptyResponse
		}
		reply = resp.Choices[0].Content
		return nil
	}, r.log)
	if !result.Success {
		return "", fmt.Errorf("completion failed after %d attempts: %w", result.Attempts, result.LastError)
	}

	r.log.Debug().
		Int("history", len(history)).
		Int("attempts", result.Attempts).
		Dur("duration", result.TotalDuration).
		Msg("Completion received")
	return reply, nil
}

func (r *Responder) callOptions(model string) []llms.CallOption {
	if model == "" {
		model = r.config.Model
	}
	var opts []llms.CallOption
	if model != "" {
		opts = append(opts, llms.WithModel(model))
	}
	if r.config.Temperature > 0 {
		opts = append(opts, llms.WithTemperature(r.config.Temperature))
	}
	if r.config.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(r.config.MaxTokens))
	}
	if r.config.TopP > 0 {
		opts = append(opts, llms.WithTopP(r.config.TopP))
	}
	return opts
}

// BuildMessages maps a conversation onto chat roles. Client messages are the
// human turns; everything the business side sent (AI replies, agents,
// automations, follow-up nudges) is the assistant side. Consecutive messages
// of one role are merged because several providers require alternating turns.
func BuildMessages(history []*conversation.Message, systemPrompt string) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}

	var (
		role  llms.ChatMessageType
		parts []string
	)
	flush := func() {
		if len(parts) > 0 {
			out = append(out, llms.TextParts(role, strings.Join(parts, "\n")))
		}
		parts = nil
	}
	for _, m := range history {
		if m == nil {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		next := roleFor(m.SenderType)
		if next != role {
			flush()
			role = next
		}
		parts = append(parts, text)
	}
	flush()
	return out
}

func roleFor(s conversation.SenderType) llms.ChatMessageType {
	if s == conversation.SenderClient {
		return llms.ChatMessageTypeHuman
	}
	return llms.ChatMessageTypeAI
}
