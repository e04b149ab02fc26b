// Package prompt assembles the ordered message list sent to the generator.
package prompt

import (
	"fmt"
	"strings"

	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/session"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged entry of a generation request.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultPreamble is used when no preamble is configured.
const DefaultPreamble = "You are a helpful assistant with long-term memory of this user. " +
	"Use remembered context when it is relevant and never invent memories."

// Input carries everything Build needs. Memories are expected relevance-ranked
// and History oldest first.
type Input struct {
	Preamble    string
	Preferences session.Preferences
	Memories    []memory.Match
	History     []conversation.Turn
	Current     conversation.Turn
}

// Build returns the system entry, then history in the order given, then the
// current message. A history turn sharing the current turn's id is skipped so
// the current message appears exactly once.
func Build(in Input) []Message {
	msgs := make([]Message, 0, len(in.History)+2)
	msgs = append(msgs, Message{Role: RoleSystem, Content: systemContent(in)})

	for _, t := range in.History {
		if in.Current.ID != "" && t.ID == in.Current.ID {
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		msgs = append(msgs, Message{Role: roleOf(t.Role), Content: t.Content})
	}

	msgs = append(msgs, Message{Role: RoleUser, Content: in.Current.Content})
	return msgs
}

func systemContent(in Input) string {
	preamble := strings.TrimSpace(in.Preamble)
	if preamble == "" {
		preamble = DefaultPreamble
	}
	texts := make([]string, 0, len(in.Memories))
	for _, m := range in.Memories {
		if text := strings.TrimSpace(m.Memory.Text); text != "" {
			texts = append(texts, text)
		}
	}
	if len(texts) == 0 {
		return preamble
	}

	var b strings.Builder
	b.WriteString(preamble)
	b.WriteString("\n\nRelevant memories about this user (most relevant first):\n")
	for i, text := range texts {
		fmt.Fprintf(&b, "%d. %s\n", i+1, text)
	}
	b.WriteString("\n")
	b.WriteString(RenderPreferences(in.Preferences))
	return b.String()
}

// RenderPreferences serializes preferences as a short labelled block.
func RenderPreferences(p session.Preferences) string {
	style := p.CommunicationStyle
	if style == "" {
		style = session.StyleBalanced
	}
	topics := p.SortedTopics()
	topicLine := "none"
	if len(topics) > 0 {
		topicLine = strings.Join(topics, ", ")
	}
	return fmt.Sprintf("User preferences:\n- communication style: %s\n- topics of interest: %s", style, topicLine)
}

func roleOf(r conversation.Role) Role {
	if r == conversation.RoleAssistant {
		return RoleAssistant
	}
	return RoleUser
}
