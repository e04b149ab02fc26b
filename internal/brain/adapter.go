// Package brain adapts generation backends to a single streaming contract.
package brain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/recall/internal/prompt"
)

// MessageRequest is the normalized request sent to a generator.
type MessageRequest struct {
	UserID    string           `json:"user_id"`
	SessionID string           `json:"session_id"`
	TurnID    string           `json:"turn_id"`
	Messages  []prompt.Message `json:"messages"`
}

// LastUserText returns the content of the final user message, if any.
func (r MessageRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == prompt.RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// MessageResponse is the final response after streaming deltas.
type MessageResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments in arrival order. Returning
// an error stops the stream.
type DeltaHandler func(delta string) error

// Adapter is a generation backend. StreamResponse reports each fragment to
// onDelta as it arrives; Generate returns one complete text.
type Adapter interface {
	StreamResponse(ctx context.Context, req MessageRequest, onDelta DeltaHandler) (MessageResponse, error)
	Generate(ctx context.Context, req MessageRequest) (MessageResponse, error)
}

// Config controls adapter construction.
type Config struct {
	Mode string

	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicMaxTokens int64
	AnthropicBaseURL   string

	HTTPURL          string
	HTTPStreamStrict bool

	// FirstDeltaTimeout bounds how long the auto chain waits for the primary's
	// first delta before switching to the secondary. Zero disables it.
	FirstDeltaTimeout time.Duration

	// NonStreamFallback retries a stream that failed before its first delta
	// with a single Generate call on the same adapter.
	NonStreamFallback bool
}

func NewAdapter(cfg Config) (Adapter, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	var (
		a   Adapter
		err error
	)
	switch mode {
	case "auto":
		a = newAutoAdapter(cfg)
	case "anthropic":
		a, err = NewAnthropicAdapter(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.AnthropicMaxTokens,
			BaseURL:   cfg.AnthropicBaseURL,
		})
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("brain HTTP url is required for http mode")
		}
		a = NewHTTPAdapterWithOptions(cfg.HTTPURL, cfg.HTTPStreamStrict)
	case "mock":
		a = NewMockAdapter()
	default:
		return nil, fmt.Errorf("unsupported brain adapter mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if cfg.NonStreamFallback {
		if _, isMock := a.(*MockAdapter); !isMock {
			a = NewNonStreamingFallback(a)
		}
	}
	return a, nil
}

// newAutoAdapter prefers Anthropic, then HTTP, then the local mock. When both
// remote backends are configured the HTTP one backs up Anthropic.
func newAutoAdapter(cfg Config) Adapter {
	var secondary Adapter
	if httpURL := strings.TrimSpace(cfg.HTTPURL); httpURL != "" {
		secondary = NewHTTPAdapterWithOptions(httpURL, cfg.HTTPStreamStrict)
	}

	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		primary, err := NewAnthropicAdapter(AnthropicConfig{
			APIKey:    cfg.AnthropicAPIKey,
			Model:     cfg.AnthropicModel,
			MaxTokens: cfg.AnthropicMaxTokens,
			BaseURL:   cfg.AnthropicBaseURL,
		})
		if err == nil {
			if secondary != nil {
				fb := NewFallbackAdapter(primary, secondary)
				fb.FirstDeltaTimeout = cfg.FirstDeltaTimeout
				return fb
			}
			return primary
		}
	}

	if secondary != nil {
		return secondary
	}
	return NewMockAdapter()
}

// Describe names the adapter chain for logs, e.g. "fallback(anthropic,http)".
func Describe(a Adapter) string {
	switch v := a.(type) {
	case *AnthropicAdapter:
		return "anthropic"
	case *HTTPAdapter:
		return "http"
	case *MockAdapter:
		return "mock"
	case *FallbackAdapter:
		return "fallback(" + Describe(v.Primary()) + "," + Describe(v.Secondary()) + ")"
	case *NonStreamingFallback:
		return "nonstream(" + Describe(v.inner) + ")"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", a)
	}
}
