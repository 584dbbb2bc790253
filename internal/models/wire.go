package models

import "encoding/json"

// Push channel event types.
const (
	EventMessageNew       = "message.new"
	EventConversationRead = "conversation.read"
)

// Envelope is the frame shape used in both directions on the push channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutgoingMessage is the payload of a client-submitted message.new frame.
type OutgoingMessage struct {
	ConversationID int64  `json:"conversation_id"`
	Content        string `json:"content"`
}
