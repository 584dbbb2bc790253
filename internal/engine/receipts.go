package engine

import (
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// ReceiptTracker applies read receipts to the message window. It
// remembers the furthest point each conversation has been read to by
// other participants so that reloaded pages come back already seen.
//
// ReceiptTracker is not safe for concurrent use; Engine guards it.
type ReceiptTracker struct {
	readUpTo map[int64]time.Time
}

// NewReceiptTracker creates an empty tracker.
func NewReceiptTracker() *ReceiptTracker {
	return &ReceiptTracker{readUpTo: make(map[int64]time.Time)}
}

// MarkActiveRead zeroes the unread counter of the conversation the user
// is looking at. No acknowledgement is sent to the server.
func (t *ReceiptTracker) MarkActiveRead(unread map[int64]int, conversationID int64) {
	unread[conversationID] = 0
}

// ApplyRemote records a receipt and marks as seen every held message in
// the receipt's conversation that localUserID wrote at or before
// LastReadAt. Receipts from the local user leave messages untouched.
// It returns how many messages became seen.
func (t *ReceiptTracker) ApplyRemote(w *Window, r models.ReadReceipt, localUserID int64) int {
	if r.UserID == localUserID {
		return 0
	}

	if prev, ok := t.readUpTo[r.ConversationID]; !ok || r.LastReadAt.After(prev) {
		t.readUpTo[r.ConversationID] = r.LastReadAt.Time
	}

	if w == nil || w.ConversationID != r.ConversationID {
		return 0
	}

	return markSeen(w, localUserID, r.LastReadAt.Time)
}

// Reapply marks held messages using the furthest receipt already seen
// for the window's conversation.
func (t *ReceiptTracker) Reapply(w *Window, localUserID int64) int {
	upTo, ok := t.readUpTo[w.ConversationID]
	if !ok {
		return 0
	}

	return markSeen(w, localUserID, upTo)
}

// ReadUpTo returns the furthest remote read time for a conversation.
func (t *ReceiptTracker) ReadUpTo(conversationID int64) (time.Time, bool) {
	upTo, ok := t.readUpTo[conversationID]
	return upTo, ok
}

// markSeen only ever sets Seen; nothing clears it.
func markSeen(w *Window, localUserID int64, upTo time.Time) int {
	n := 0

	for i := range w.Messages {
		m := &w.Messages[i]
		if m.Seen || m.SenderID != localUserID || m.CreatedAt.After(upTo) {
			continue
		}

		m.Seen = true
		n++
	}

	return n
}
