package push

import "github.com/alexjbarnes/chat-sync/internal/models"

// MessageEvent carries a message.new frame.
type MessageEvent struct {
	Message models.Message
}

// ReadEvent carries a conversation.read frame.
type ReadEvent struct {
	Receipt models.ReadReceipt
}
