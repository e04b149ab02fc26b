package brain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/recall/internal/prompt"
)

// MockAdapter provides deterministic local replies when no backend is configured.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) StreamResponse(
	ctx context.Context,
	req MessageRequest,
	onDelta DeltaHandler,
) (MessageResponse, error) {
	text := buildMockReply(req)
	var out strings.Builder
	for _, word := range strings.SplitAfter(text, " ") {
		select {
		case <-ctx.Done():
			return MessageResponse{Text: out.String()}, ctx.Err()
		default:
		}
		if word == "" {
			continue
		}
		out.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return MessageResponse{Text: out.String()}, err
			}
		}
	}
	return MessageResponse{Text: out.String()}, nil
}

func (a *MockAdapter) Generate(ctx context.Context, req MessageRequest) (MessageResponse, error) {
	if err := ctx.Err(); err != nil {
		return MessageResponse{}, err
	}
	return MessageResponse{Text: buildMockReply(req)}, nil
}

func buildMockReply(req MessageRequest) string {
	base := strings.TrimSpace(req.LastUserText())
	if base == "" {
		base = "I am listening."
	}

	remembered := firstRememberedLine(req.Messages)
	if remembered == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}
	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, remembered)
}

// firstRememberedLine pulls the top-ranked memory out of the system entry.
func firstRememberedLine(msgs []prompt.Message) string {
	if len(msgs) == 0 || msgs[0].Role != prompt.RoleSystem {
		return ""
	}
	_, block, ok := strings.Cut(msgs[0].Content, "most relevant first):\n")
	if !ok {
		return ""
	}
	line, _, _ := strings.Cut(block, "\n")
	_, text, ok := strings.Cut(line, ". ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(text)
}
