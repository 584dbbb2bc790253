package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// MessageSource fetches message history. *api.Client implements it.
type MessageSource interface {
	ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]models.Message, error)
}

// Page is one batch of history returned by LoadPage.
type Page struct {
	ConversationID int64
	Messages       []models.Message
	// HasMore is true when the server filled the page. An exactly full
	// final page reports true and the next load comes back empty.
	HasMore  bool
	OldestID int64
}

// Window is the loaded part of a conversation's history. Messages are
// ascending by id and no id appears twice.
type Window struct {
	ConversationID int64
	Messages       []models.Message
	OldestID       int64
	HasMore        bool
}

func compareID(m models.Message, id int64) int {
	return cmp.Compare(m.ID, id)
}

func (w *Window) index(id int64) (int, bool) {
	return slices.BinarySearchFunc(w.Messages, id, compareID)
}

// Contains reports whether the message id is held.
func (w *Window) Contains(id int64) bool {
	_, ok := w.index(id)
	return ok
}

// insert adds msg at its ordered position unless the id is already held.
func (w *Window) insert(msg models.Message) bool {
	i, found := w.index(msg.ID)
	if found {
		return false
	}

	w.Messages = slices.Insert(w.Messages, i, msg)

	if w.OldestID == 0 || msg.ID < w.OldestID {
		w.OldestID = msg.ID
	}

	return true
}

// Cursor loads pages of history for one conversation at a time. It does
// not guard against concurrent loads; callers serialise backward paging.
type Cursor struct {
	src MessageSource
}

// NewCursor creates a Cursor reading from src.
func NewCursor(src MessageSource) *Cursor {
	return &Cursor{src: src}
}

// LoadPage fetches up to pageSize messages older than beforeID, or the
// newest page when beforeID is zero. The returned messages are ascending
// by id with duplicates removed and Seen cleared.
func (c *Cursor) LoadPage(ctx context.Context, conversationID int64, pageSize int, beforeID int64) (Page, error) {
	msgs, err := c.src.ListMessages(ctx, conversationID, pageSize, beforeID)
	if err != nil {
		return Page{}, fmt.Errorf("loading messages for conversation %d: %w", conversationID, err)
	}

	page := Page{
		ConversationID: conversationID,
		HasMore:        len(msgs) == pageSize,
		Messages:       normalisePage(conversationID, msgs),
	}

	if len(page.Messages) > 0 {
		page.OldestID = page.Messages[0].ID
	}

	return page, nil
}

func normalisePage(conversationID int64, msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))

	for _, m := range msgs {
		if m.ConversationID == 0 {
			m.ConversationID = conversationID
		}

		if m.ConversationID != conversationID {
			continue
		}

		m.Seen = false
		out = append(out, m)
	}

	slices.SortStableFunc(out, func(a, b models.Message) int { return cmp.Compare(a.ID, b.ID) })

	return slices.CompactFunc(out, func(a, b models.Message) bool { return a.ID == b.ID })
}

// Apply merges page into w. A fresh load (older=false) replaces the
// window; the only messages kept are ones for the same conversation that
// are newer than anything in the page, which arrived by push while the
// page was in flight. A backward page (older=true) is prepended, skipping
// ids already held.
//
// Messages already held keep their Seen flag in both cases.
func Apply(w *Window, page Page, older bool) {
	if !older || w.ConversationID != page.ConversationID {
		applyFresh(w, page)
		return
	}

	fresh := make([]models.Message, 0, len(page.Messages))

	for _, m := range page.Messages {
		if !w.Contains(m.ID) {
			fresh = append(fresh, m)
		}
	}

	w.Messages = append(fresh, w.Messages...)
	slices.SortStableFunc(w.Messages, func(a, b models.Message) int { return cmp.Compare(a.ID, b.ID) })

	if page.OldestID != 0 && (w.OldestID == 0 || page.OldestID < w.OldestID) {
		w.OldestID = page.OldestID
	}

	w.HasMore = page.HasMore
}

func applyFresh(w *Window, page Page) {
	msgs := slices.Clone(page.Messages)

	if w.ConversationID == page.ConversationID {
		newest := int64(0)
		if len(msgs) > 0 {
			newest = msgs[len(msgs)-1].ID
		}

		for i := range msgs {
			if j, ok := w.index(msgs[i].ID); ok && w.Messages[j].Seen {
				msgs[i].Seen = true
			}
		}

		for _, m := range w.Messages {
			if m.ID > newest {
				msgs = append(msgs, m)
			}
		}
	}

	w.ConversationID = page.ConversationID
	w.Messages = msgs
	w.OldestID = page.OldestID
	w.HasMore = page.HasMore

	if w.OldestID == 0 && len(msgs) > 0 {
		w.OldestID = msgs[0].ID
	}
}
