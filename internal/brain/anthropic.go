package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ent0n29/recall/internal/prompt"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint; tests point it at httptest.
	BaseURL    string
	MaxRetries int
}

// AnthropicAdapter streams replies from the Anthropic Messages API.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicAdapter(cfg AnthropicConfig) (*AnthropicAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	} else {
		// Retries belong to the caller's degradation policy.
		opts = append(opts, option.WithMaxRetries(0))
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

func (a *AnthropicAdapter) StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error) {
	params, err := a.params(req)
	if err != nil {
		return MessageResponse{}, err
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var out strings.Builder
	for stream.Next() {
		event := stream.Current()
		evt, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := evt.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}
		out.WriteString(delta.Text)
		if onDelta != nil {
			if err := onDelta(delta.Text); err != nil {
				return MessageResponse{Text: out.String()}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return MessageResponse{Text: out.String()}, fmt.Errorf("anthropic stream: %w", err)
	}
	return MessageResponse{Text: out.String()}, nil
}

func (a *AnthropicAdapter) Generate(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	params, err := a.params(req)
	if err != nil {
		return MessageResponse{}, err
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return MessageResponse{}, fmt.Errorf("anthropic generate: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	return MessageResponse{Text: out.String()}, nil
}

func (a *AnthropicAdapter) params(req MessageRequest) (anthropic.MessageNewParams, error) {
	system, messages := toAnthropicMessages(req.Messages)
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic request has no user message")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	return params, nil
}

// toAnthropicMessages moves system entries into system blocks and merges
// adjacent entries of the same role, since the API expects strict
// user/assistant alternation starting with a user message.
func toAnthropicMessages(msgs []prompt.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var (
		system []anthropic.TextBlockParam
		roles  []prompt.Role
		texts  []string
	)
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == prompt.RoleSystem {
			system = append(system, anthropic.TextBlockParam{Text: content})
			continue
		}
		if len(roles) == 0 && m.Role == prompt.RoleAssistant {
			continue
		}
		if n := len(roles); n > 0 && roles[n-1] == m.Role {
			texts[n-1] += "\n\n" + content
			continue
		}
		roles = append(roles, m.Role)
		texts = append(texts, content)
	}

	out := make([]anthropic.MessageParam, 0, len(roles))
	for i, role := range roles {
		block := anthropic.NewTextBlock(texts[i])
		if role == prompt.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return system, out
}
