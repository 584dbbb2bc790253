package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestLoadPage_FullThenShort(t *testing.T) {
	fb := newFakeBackend()
	fb.messages[5] = history(5, 2, 27)
	c := NewCursor(fb)

	first, err := c.LoadPage(context.Background(), 5, 20, 0)
	require.NoError(t, err)
	assert.Len(t, first.Messages, 20)
	assert.True(t, first.HasMore)
	assert.Equal(t, int64(8), first.OldestID)
	assert.Equal(t, int64(27), first.Messages[19].ID)

	second, err := c.LoadPage(context.Background(), 5, 20, first.OldestID)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, ids(second.Messages))
	assert.False(t, second.HasMore)
	assert.Equal(t, int64(1), second.OldestID)
}

func TestLoadPage_ExactlyFullLastPageReportsMore(t *testing.T) {
	fb := newFakeBackend()
	fb.messages[5] = history(5, 2, 20)
	c := NewCursor(fb)

	page, err := c.LoadPage(context.Background(), 5, 20, 0)
	require.NoError(t, err)
	assert.True(t, page.HasMore)

	next, err := c.LoadPage(context.Background(), 5, 20, page.OldestID)
	require.NoError(t, err)
	assert.Empty(t, next.Messages)
	assert.False(t, next.HasMore)
	assert.Zero(t, next.OldestID)
}

func TestLoadPage_SortsAndDeduplicates(t *testing.T) {
	fb := newFakeBackend()
	a := msg(3, 5, 2, 3)
	a.Seen = true
	fb.messages[5] = []models.Message{a, msg(1, 5, 2, 1), msg(3, 5, 2, 3), msg(2, 0, 2, 2), msg(9, 6, 2, 9)}
	c := NewCursor(fb)

	page, err := c.LoadPage(context.Background(), 5, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids(page.Messages))
	for _, m := range page.Messages {
		assert.False(t, m.Seen)
		assert.Equal(t, int64(5), m.ConversationID)
	}
}

func TestLoadPage_Error(t *testing.T) {
	fb := newFakeBackend()
	fb.messagesErr = errors.New("boom")

	_, err := NewCursor(fb).LoadPage(context.Background(), 5, 20, 0)
	assert.ErrorContains(t, err, "conversation 5")
	assert.ErrorIs(t, err, fb.messagesErr)
}

func TestApply_FreshReplacesWindow(t *testing.T) {
	w := Window{ConversationID: 1, Messages: []models.Message{msg(1, 1, 2, 1), msg(2, 1, 2, 2)}, OldestID: 1}

	Apply(&w, Page{ConversationID: 2, Messages: []models.Message{msg(10, 2, 2, 1)}, OldestID: 10, HasMore: false}, false)

	assert.Equal(t, int64(2), w.ConversationID)
	assert.Equal(t, []int64{10}, ids(w.Messages))
	assert.Equal(t, int64(10), w.OldestID)
}

func TestApply_FreshKeepsSeenAndNewerPushes(t *testing.T) {
	seen := msg(5, 1, 1, 5)
	seen.Seen = true
	w := Window{ConversationID: 1, Messages: []models.Message{seen, msg(9, 1, 2, 9)}}

	Apply(&w, Page{ConversationID: 1, Messages: []models.Message{msg(4, 1, 2, 4), msg(5, 1, 1, 5), msg(6, 1, 2, 6)}, OldestID: 4, HasMore: true}, false)

	assert.Equal(t, []int64{4, 5, 6, 9}, ids(w.Messages))
	assert.True(t, w.Messages[1].Seen)
	assert.True(t, w.HasMore)
	assert.Equal(t, int64(4), w.OldestID)
}

func TestApply_OlderPrependsSkippingHeld(t *testing.T) {
	held := msg(8, 1, 1, 8)
	held.Seen = true
	w := Window{ConversationID: 1, Messages: []models.Message{held, msg(9, 1, 2, 9)}, OldestID: 8, HasMore: true}

	page := Page{ConversationID: 1, Messages: []models.Message{msg(6, 1, 2, 6), msg(7, 1, 2, 7), msg(8, 1, 1, 8)}, OldestID: 6, HasMore: false}
	Apply(&w, page, true)

	assert.Equal(t, []int64{6, 7, 8, 9}, ids(w.Messages))
	assert.True(t, w.Messages[2].Seen, "held copy wins")
	assert.Equal(t, int64(6), w.OldestID)
	assert.False(t, w.HasMore)
}

func TestWindow_InsertIsIdempotentAndOrdered(t *testing.T) {
	w := Window{ConversationID: 1}

	assert.True(t, w.insert(msg(5, 1, 2, 5)))
	assert.True(t, w.insert(msg(3, 1, 2, 3)))
	assert.False(t, w.insert(msg(5, 1, 2, 5)))
	assert.True(t, w.insert(msg(7, 1, 2, 7)))

	assert.Equal(t, []int64{3, 5, 7}, ids(w.Messages))
	assert.Equal(t, int64(3), w.OldestID)
	assert.True(t, w.Contains(7))
	assert.False(t, w.Contains(4))
}
