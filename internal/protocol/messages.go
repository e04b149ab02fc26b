package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChat        MessageType = "chat"
	TypePreferences MessageType = "preferences"
	TypeConnected   MessageType = "connected"
	TypeStream      MessageType = "stream"
	TypeComplete    MessageType = "complete"
	TypeError       MessageType = "error"
)

// ErrUnsupportedType marks a well-formed message whose type this server does not handle.
// Callers ignore it silently so newer clients keep working against older servers.
var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ChatMessage struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type PreferencesMessage struct {
	Type               MessageType `json:"type"`
	Topics             []string    `json:"topics"`
	CommunicationStyle string      `json:"communicationStyle"`
}

type Connected struct {
	Type      MessageType `json:"type"`
	UserID    string      `json:"userId"`
	SessionID string      `json:"sessionId"`
	Message   string      `json:"message"`
}

type Stream struct {
	Type    MessageType `json:"type"`
	Content string      `json:"content"`
}

type Complete struct {
	Type         MessageType `json:"type"`
	MessageCount int         `json:"messageCount"`
}

type Error struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewConnected(userID, sessionID string) Connected {
	return Connected{
		Type:      TypeConnected,
		UserID:    userID,
		SessionID: sessionID,
		Message:   "connected",
	}
}

func NewStream(content string) Stream {
	return Stream{Type: TypeStream, Content: content}
}

func NewComplete(count int) Complete {
	return Complete{Type: TypeComplete, MessageCount: count}
}

func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// ParseClientMessage decodes one inbound frame. Unknown types yield ErrUnsupportedType;
// every other error means the frame was malformed.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChat:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid chat message: %w", err)
		}
		if strings.TrimSpace(msg.Content) == "" {
			return nil, errors.New("invalid chat message: empty content")
		}
		return msg, nil
	case TypePreferences:
		var msg PreferencesMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("invalid preferences message: %w", err)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the wire type of an outbound or parsed inbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ChatMessage:
		return m.Type, true
	case PreferencesMessage:
		return m.Type, true
	case Connected:
		return m.Type, true
	case Stream:
		return m.Type, true
	case Complete:
		return m.Type, true
	case Error:
		return m.Type, true
	default:
		return "", false
	}
}
