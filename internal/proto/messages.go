package proto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType tags a data-plane envelope.
type MessageType string

const (
	MsgHello MessageType = "hello"
	MsgChat  MessageType = "chat"
	MsgBye   MessageType = "bye"
)

// Envelope is one JSON line on a TCP session.
type Envelope struct {
	Type    MessageType     `json:"type"`
	FromID  string          `json:"from_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello is exchanged on connection setup.
type Hello struct {
	Name     string `json:"name"`
	NodeID   string `json:"node_id"` // hex
	Port     uint16 `json:"port"`    // TCP listen port
	Protocol string `json:"protocol"`
}

// Bye ends a session. Replaced means the sender kept another session to
// us and is only retiring this one.
type Bye struct {
	Replaced bool `json:"replaced,omitempty"`
}

type ChatMessage struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func NewChatMessage(text string) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: time.Now().Unix(),
	}
}
