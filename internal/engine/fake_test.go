package engine

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func at(minute int) models.Timestamp {
	return models.NewTimestamp(t0.Add(time.Duration(minute) * time.Minute))
}

func msg(id, conv, sender int64, minute int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        "message",
		CreatedAt:      at(minute),
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func user(id int64, name string) models.User {
	return models.User{ID: id, Email: name + "@example.com", FullName: strPtr(name), IsActive: true}
}

func conv(id int64, count int) models.Conversation {
	return models.Conversation{ID: id, MessageCount: intPtr(count), CreatedAt: at(0)}
}

func history(conversationID, sender int64, n int) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, msg(int64(i), conversationID, sender, i))
	}
	return out
}

type pageKey struct {
	conv   int64
	before int64
}

// fakeBackend serves canned data. Pages are cut from the tail of each
// conversation's history the same way the server does.
type fakeBackend struct {
	mu sync.Mutex

	me    *models.User
	meErr error

	users          []models.User
	usersErr       error
	usersHold      chan struct{}
	listUsersCalls int

	convs    []models.Conversation
	convsErr error
	byID     map[int64]models.Conversation
	getCalls int

	messages    map[int64][]models.Message
	messagesErr error
	pageCalls   []pageKey
	hold        map[pageKey]chan struct{}

	search []models.User
	direct *models.Conversation
	update *models.User
}

func newFakeBackend() *fakeBackend {
	me := user(1, "me")
	return &fakeBackend{
		me:       &me,
		byID:     make(map[int64]models.Conversation),
		messages: make(map[int64][]models.Message),
		hold:     make(map[pageKey]chan struct{}),
	}
}

func (f *fakeBackend) CurrentUser(context.Context) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.meErr != nil {
		return nil, f.meErr
	}
	u := *f.me
	return &u, nil
}

func (f *fakeBackend) UpdateCurrentUser(_ context.Context, update api.ProfileUpdate) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := *f.me
	if update.FullName != nil {
		u.FullName = update.FullName
	}
	if update.Email != nil {
		u.Email = *update.Email
	}
	f.update = &u
	return &u, nil
}

func (f *fakeBackend) ListUsers(context.Context) ([]models.User, error) {
	f.mu.Lock()
	f.listUsersCalls++
	hold := f.usersHold
	f.mu.Unlock()

	if hold != nil {
		<-hold
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usersErr != nil {
		return nil, f.usersErr
	}
	return slices.Clone(f.users), nil
}

func (f *fakeBackend) SearchUsers(context.Context, string) ([]models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.search), nil
}

func (f *fakeBackend) ListConversations(context.Context) ([]models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convsErr != nil {
		return nil, f.convsErr
	}
	return slices.Clone(f.convs), nil
}

func (f *fakeBackend) GetConversation(_ context.Context, id int64) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	c, ok := f.byID[id]
	if !ok {
		for _, x := range f.convs {
			if x.ID == id {
				c, ok = x, true
			}
		}
	}
	if !ok {
		return nil, chaterrors.ErrConversationNotFound
	}
	return &c, nil
}

func (f *fakeBackend) StartDirect(context.Context, int64) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := *f.direct
	return &c, nil
}

func (f *fakeBackend) ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]models.Message, error) {
	key := pageKey{conv: conversationID, before: beforeID}

	f.mu.Lock()
	f.pageCalls = append(f.pageCalls, key)
	ch := f.hold[key]
	f.mu.Unlock()

	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.messagesErr != nil {
		return nil, f.messagesErr
	}

	var older []models.Message
	for _, m := range f.messages[conversationID] {
		if beforeID == 0 || m.ID < beforeID {
			older = append(older, m)
		}
	}

	if len(older) > limit {
		older = older[len(older)-limit:]
	}

	return slices.Clone(older), nil
}

func (f *fakeBackend) holdPage(conversationID, beforeID int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.hold[pageKey{conv: conversationID, before: beforeID}] = ch
	return ch
}

type sentMessage struct {
	conversationID int64
	content        string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *fakeSender) Send(_ context.Context, conversationID int64, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{conversationID: conversationID, content: content})
	return nil
}

func newTestEngine(fb *fakeBackend, sender *fakeSender) *Engine {
	if sender == nil {
		sender = &fakeSender{}
	}
	return New(Options{Backend: fb, Sender: sender, PageSize: 20, Logger: testLogger()})
}
