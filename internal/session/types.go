package session

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CommunicationStyle selects how the assistant phrases replies.
type CommunicationStyle string

const (
	StyleBalanced CommunicationStyle = "balanced"
	StyleConcise  CommunicationStyle = "concise"
	StyleDetailed CommunicationStyle = "detailed"
	StyleCasual   CommunicationStyle = "casual"
	StyleFormal   CommunicationStyle = "formal"
)

// ParseCommunicationStyle normalizes a client-supplied style name.
func ParseCommunicationStyle(raw string) (CommunicationStyle, error) {
	s := CommunicationStyle(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StyleBalanced, StyleConcise, StyleDetailed, StyleCasual, StyleFormal:
		return s, nil
	default:
		return "", fmt.Errorf("unknown communication style %q", raw)
	}
}

// Preferences are per-session hints rendered into the system prompt.
type Preferences struct {
	Topics             map[string]struct{}
	CommunicationStyle CommunicationStyle
}

func DefaultPreferences() Preferences {
	return Preferences{
		Topics:             make(map[string]struct{}),
		CommunicationStyle: StyleBalanced,
	}
}

// AddTopics merges topics into the set, lowercased and trimmed.
func (p *Preferences) AddTopics(topics ...string) {
	if p.Topics == nil {
		p.Topics = make(map[string]struct{})
	}
	for _, t := range topics {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		p.Topics[t] = struct{}{}
	}
}

// SortedTopics returns the topic set in a stable order.
func (p Preferences) SortedTopics() []string {
	out := make([]string, 0, len(p.Topics))
	for t := range p.Topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (p Preferences) Clone() Preferences {
	c := Preferences{
		Topics:             make(map[string]struct{}, len(p.Topics)),
		CommunicationStyle: p.CommunicationStyle,
	}
	for t := range p.Topics {
		c.Topics[t] = struct{}{}
	}
	return c
}

// State is the in-memory record of one connection. It is never persisted.
type State struct {
	UserID              string
	SessionID           string
	MessageCount        int
	LastInteractionTime time.Time
	Preferences         Preferences
}

func NewState(userID, sessionID string, prefs Preferences, now time.Time) State {
	return State{
		UserID:              userID,
		SessionID:           sessionID,
		LastInteractionTime: now,
		Preferences:         prefs.Clone(),
	}
}

// CompleteExchange records one finished user/assistant pair.
func (s *State) CompleteExchange(now time.Time) int {
	s.MessageCount++
	s.LastInteractionTime = now
	return s.MessageCount
}

func (s State) Clone() State {
	c := s
	c.Preferences = s.Preferences.Clone()
	return c
}
