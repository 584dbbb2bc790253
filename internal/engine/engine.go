// Package engine holds the client's view of the chat: conversations,
// the active conversation's messages, unread counters and known users.
// It merges REST responses and push events into that view.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/bus"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// DefaultPageSize is the number of messages fetched per page.
const DefaultPageSize = 20

const (
	snippetRunes   = 80
	fallbackTitle  = "New message"
	directoryGroup = "directory"
)

// Backend is the REST surface the engine reads from. *api.Client
// implements it.
type Backend interface {
	MessageSource
	CurrentUser(ctx context.Context) (*models.User, error)
	UpdateCurrentUser(ctx context.Context, update api.ProfileUpdate) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id int64) (*models.Conversation, error)
	StartDirect(ctx context.Context, userID int64) (*models.Conversation, error)
}

// Sender delivers outgoing messages. *push.Manager implements it.
type Sender interface {
	Send(ctx context.Context, conversationID int64, content string) error
}

// Options configures an Engine.
type Options struct {
	Backend  Backend
	Sender   Sender
	PageSize int
	Logger   *slog.Logger
}

// Engine is the single owner of chat state. All state is guarded by mu,
// which is never held across a network call. Operations that fetch
// release the lock, fetch, then re-acquire it and check that what they
// fetched for is still current before applying.
type Engine struct {
	logger   *slog.Logger
	backend  Backend
	sender   Sender
	cursor   *Cursor
	receipts *ReceiptTracker
	pageSize int

	notifications *bus.Bus[models.Notification]
	directoryOnce singleflight.Group

	mu            sync.Mutex
	me            *models.User
	users         map[int64]models.User
	directory     []models.User
	conversations []models.Conversation
	unread        map[int64]int
	activeID      int64
	activeSeq     uint64
	window        Window
	loadingMore   bool
}

// New creates an empty Engine. Call Bootstrap to populate it.
func New(opts Options) *Engine {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "engine"))

	return &Engine{
		logger:        logger,
		backend:       opts.Backend,
		sender:        opts.Sender,
		cursor:        NewCursor(opts.Backend),
		receipts:      NewReceiptTracker(),
		pageSize:      opts.PageSize,
		notifications: bus.New[models.Notification]("engine.notification", logger),
		users:         make(map[int64]models.User),
		unread:        make(map[int64]int),
	}
}

// OnNotification registers a handler for messages that arrive outside
// the active conversation.
func (e *Engine) OnNotification(fn func(models.Notification) error) func() {
	return e.notifications.Subscribe(fn)
}

// Bootstrap fetches the current user, the user directory and the
// conversation list concurrently. Only a current-user failure is
// returned; the other two are logged and leave state as it was. When no
// conversation is active the first one in the list is opened.
func (e *Engine) Bootstrap(ctx context.Context) error {
	var (
		me       *models.User
		users    []models.User
		convs    []models.Conversation
		usersErr error
		convsErr error
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u, err := e.backend.CurrentUser(gctx)
		if err != nil {
			return fmt.Errorf("fetching current user: %w", err)
		}

		me = u

		return nil
	})

	g.Go(func() error {
		users, usersErr = e.backend.ListUsers(gctx)
		return nil
	})

	g.Go(func() error {
		convs, convsErr = e.backend.ListConversations(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	e.mu.Lock()
	e.me = me
	e.users[me.ID] = *me

	if usersErr != nil {
		e.logger.Warn("loading user directory failed", slog.String("error", usersErr.Error()))
	} else {
		e.mergeDirectoryLocked(users)
	}

	if convsErr != nil {
		e.logger.Warn("loading conversations failed", slog.String("error", convsErr.Error()))
	} else {
		e.replaceConversationsLocked(convs)
	}

	var first int64
	if e.activeID == 0 && len(e.conversations) > 0 {
		first = e.conversations[0].ID
	}
	e.mu.Unlock()

	e.logger.Info("bootstrapped",
		slog.Int64("user_id", me.ID),
		slog.Int("conversations", len(convs)),
		slog.Int("users", len(users)),
	)

	if first != 0 {
		if err := e.SetActive(ctx, first); err != nil {
			e.logger.Warn("opening first conversation failed",
				slog.Int64("conversation_id", first),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// RefreshConversations reloads the conversation list wholesale and
// reseeds unread counters from the message count hints. The active
// conversation stays at zero. On failure nothing changes.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	convs, err := e.backend.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("refreshing conversations: %w", err)
	}

	e.mu.Lock()
	e.replaceConversationsLocked(convs)
	e.mu.Unlock()

	return nil
}

func (e *Engine) replaceConversationsLocked(convs []models.Conversation) {
	e.conversations = slices.Clone(convs)
	e.unread = make(map[int64]int, len(convs))

	for _, c := range convs {
		e.unread[c.ID] = countHint(c)
	}

	if e.activeID != 0 {
		e.receipts.MarkActiveRead(e.unread, e.activeID)
	}
}

func countHint(c models.Conversation) int {
	if c.MessageCount == nil || *c.MessageCount < 0 {
		return 0
	}

	return *c.MessageCount
}

// SetActive makes id the active conversation: the window is cleared, its
// unread counter zeroed and a fresh first page loaded. If another
// conversation is activated before the page arrives, the page is
// discarded. Unknown conversations are fetched first.
func (e *Engine) SetActive(ctx context.Context, id int64) error {
	if _, ok := e.conversation(id); !ok {
		if _, err := e.fetchConversation(ctx, id); err != nil {
			return fmt.Errorf("opening conversation %d: %w", id, err)
		}
	}

	e.mu.Lock()
	e.activeID = id
	e.activeSeq++
	seq := e.activeSeq
	e.window = Window{ConversationID: id}
	e.loadingMore = false
	e.receipts.MarkActiveRead(e.unread, id)
	e.mu.Unlock()

	page, err := e.cursor.LoadPage(ctx, id, e.pageSize, 0)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.activeID != id || e.activeSeq != seq {
		e.mu.Unlock()
		e.logger.Debug("discarding stale page", slog.Int64("conversation_id", id))

		return nil
	}

	Apply(&e.window, page, false)
	e.receipts.Reapply(&e.window, e.localIDLocked())
	e.receipts.MarkActiveRead(e.unread, id)
	senders := senderIDs(page.Messages)
	e.mu.Unlock()

	e.resolveUsers(ctx, senders)

	return nil
}

// LoadOlder prepends the page before the oldest loaded message and
// returns how many messages were added. It does nothing when the last
// page was short. Only one backward load runs at a time.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	e.mu.Lock()
	if e.activeID == 0 {
		e.mu.Unlock()
		return 0, chaterrors.ErrNoActiveConversation
	}

	if e.loadingMore {
		e.mu.Unlock()
		return 0, chaterrors.ErrLoadInProgress
	}

	if !e.window.HasMore {
		e.mu.Unlock()
		return 0, nil
	}

	id := e.activeID
	seq := e.activeSeq
	before := e.window.OldestID
	e.loadingMore = true
	e.mu.Unlock()

	page, err := e.cursor.LoadPage(ctx, id, e.pageSize, before)

	e.mu.Lock()
	stale := e.activeID != id || e.activeSeq != seq
	if !stale {
		e.loadingMore = false
	}

	if err != nil {
		e.mu.Unlock()
		return 0, err
	}

	if stale {
		e.mu.Unlock()
		e.logger.Debug("discarding stale older page", slog.Int64("conversation_id", id))

		return 0, nil
	}

	held := len(e.window.Messages)
	Apply(&e.window, page, true)
	e.receipts.Reapply(&e.window, e.localIDLocked())
	added := len(e.window.Messages) - held
	senders := senderIDs(page.Messages)
	e.mu.Unlock()

	e.resolveUsers(ctx, senders)

	return added, nil
}

// HandleMessage merges a message.new push event.
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) error {
	conv, known := e.touchConversation(msg.ConversationID)
	if !known {
		fetched, err := e.fetchConversation(ctx, msg.ConversationID)
		if err != nil {
			e.logger.Warn("fetching conversation for incoming message failed",
				slog.Int64("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()),
			)
		} else {
			conv = *fetched
		}
	}

	e.resolveUsers(ctx, []int64{msg.SenderID})

	e.mu.Lock()
	activate := e.activeID == 0
	e.mu.Unlock()

	if activate {
		if err := e.SetActive(ctx, msg.ConversationID); err != nil {
			e.logger.Warn("opening conversation for incoming message failed",
				slog.Int64("conversation_id", msg.ConversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	e.mu.Lock()
	local := e.localIDLocked()

	if msg.ConversationID == e.activeID {
		msg.Seen = false
		if e.window.ConversationID == msg.ConversationID && e.window.insert(msg) {
			e.receipts.Reapply(&e.window, local)
		}

		e.receipts.MarkActiveRead(e.unread, msg.ConversationID)
		e.mu.Unlock()

		return nil
	}

	if local != 0 && msg.SenderID == local {
		e.mu.Unlock()
		return nil
	}

	count, ok := e.unread[msg.ConversationID]
	if !ok {
		count = countHint(conv)
	}

	e.unread[msg.ConversationID] = count + 1

	title := fallbackTitle
	if sender, ok := e.users[msg.SenderID]; ok {
		title = sender.DisplayName()
	}
	e.mu.Unlock()

	_ = e.notifications.Publish(models.Notification{
		ID:             uuid.NewString(),
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Title:          title,
		Body:           snippet(msg.Content),
		CreatedAt:      models.NewTimestamp(time.Now()),
	})

	return nil
}

// HandleRead merges a conversation.read push event. A receipt from the
// local user means the account read the conversation elsewhere, so its
// unread counter is zeroed.
func (e *Engine) HandleRead(r models.ReadReceipt) {
	e.mu.Lock()
	defer e.mu.Unlock()

	local := e.localIDLocked()
	if local == 0 {
		return
	}

	if r.UserID == local {
		e.unread[r.ConversationID] = 0
		return
	}

	if n := e.receipts.ApplyRemote(&e.window, r, local); n > 0 {
		e.logger.Debug("messages seen",
			slog.Int64("conversation_id", r.ConversationID),
			slog.Int("count", n),
		)
	}
}

// SendMessage sends content to a conversation, or to the active one when
// conversationID is zero. Nothing is inserted locally; the message shows
// up when the server echoes it back.
func (e *Engine) SendMessage(ctx context.Context, conversationID int64, content string) error {
	if strings.TrimSpace(content) == "" {
		return chaterrors.ErrEmptyMessage
	}

	if conversationID == 0 {
		conversationID = e.ActiveID()
		if conversationID == 0 {
			return chaterrors.ErrNoActiveConversation
		}
	}

	return e.sender.Send(ctx, conversationID, content)
}

// UpdateProfile changes the current user's profile and replaces the
// cached copy on success.
func (e *Engine) UpdateProfile(ctx context.Context, update api.ProfileUpdate) (*models.User, error) {
	u, err := e.backend.UpdateCurrentUser(ctx, update)
	if err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	e.mu.Lock()
	e.me = u
	e.users[u.ID] = *u
	e.mu.Unlock()

	return u, nil
}

// SearchUsers queries the user directory and remembers the results. An
// empty query returns nil without a request.
func (e *Engine) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	users, err := e.backend.SearchUsers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	e.mu.Lock()
	for _, u := range users {
		e.users[u.ID] = u
	}
	e.mu.Unlock()

	return users, nil
}

// StartDirect opens (or reuses) the direct conversation with userID and
// activates it.
func (e *Engine) StartDirect(ctx context.Context, userID int64) (models.Conversation, error) {
	conv, err := e.backend.StartDirect(ctx, userID)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("starting conversation with user %d: %w", userID, err)
	}

	e.mu.Lock()
	e.upsertFrontLocked(*conv)
	e.unread[conv.ID] = countHint(*conv)
	e.mu.Unlock()

	if err := e.SetActive(ctx, conv.ID); err != nil {
		return *conv, err
	}

	return *conv, nil
}

// RefreshDirectory reloads the user directory. Concurrent calls share
// one request.
func (e *Engine) RefreshDirectory(ctx context.Context) error {
	_, err, _ := e.directoryOnce.Do(directoryGroup, func() (any, error) {
		users, err := e.backend.ListUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("refreshing user directory: %w", err)
		}

		e.mu.Lock()
		e.mergeDirectoryLocked(users)
		e.mu.Unlock()

		return nil, nil
	})

	return err
}

func (e *Engine) mergeDirectoryLocked(users []models.User) {
	e.directory = slices.Clone(users)
	for _, u := range users {
		e.users[u.ID] = u
	}
}

// resolveUsers refreshes the directory if any id is unknown. Failures
// are logged; messages from unknown users are still shown.
func (e *Engine) resolveUsers(ctx context.Context, ids []int64) {
	e.mu.Lock()
	missing := slices.DeleteFunc(slices.Clone(ids), func(id int64) bool {
		_, ok := e.users[id]
		return ok
	})
	e.mu.Unlock()

	if len(missing) == 0 {
		return
	}

	if err := e.RefreshDirectory(ctx); err != nil {
		e.logger.Warn("resolving users failed",
			slog.Any("user_ids", missing),
			slog.String("error", err.Error()),
		)
	}
}

func senderIDs(msgs []models.Message) []int64 {
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}

	slices.Sort(ids)

	return slices.Compact(ids)
}

func (e *Engine) conversation(id int64) (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.conversationIndexLocked(id)
	if i < 0 {
		return models.Conversation{}, false
	}

	return e.conversations[i], true
}

// touchConversation moves a known conversation to the front.
func (e *Engine) touchConversation(id int64) (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.conversationIndexLocked(id)
	if i < 0 {
		return models.Conversation{}, false
	}

	c := e.conversations[i]
	e.upsertFrontLocked(c)

	return c, true
}

func (e *Engine) fetchConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	c, err := e.backend.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.upsertFrontLocked(*c)
	e.mu.Unlock()

	return c, nil
}

func (e *Engine) conversationIndexLocked(id int64) int {
	return slices.IndexFunc(e.conversations, func(c models.Conversation) bool { return c.ID == id })
}

// upsertFrontLocked replaces any conversation with the same id and puts
// c first.
func (e *Engine) upsertFrontLocked(c models.Conversation) {
	rest := slices.DeleteFunc(e.conversations, func(x models.Conversation) bool { return x.ID == c.ID })
	e.conversations = append([]models.Conversation{c}, rest...)
}

func (e *Engine) localIDLocked() int64 {
	if e.me == nil {
		return 0
	}

	return e.me.ID
}

// snippet flattens whitespace and shortens content for a notification.
func snippet(content string) string {
	s := norm.NFC.String(strings.Join(strings.Fields(content), " "))

	runes := []rune(s)
	if len(runes) <= snippetRunes {
		return s
	}

	return string(runes[:snippetRunes-3]) + "..."
}

// Conversations returns the conversation list, most recently touched first.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.conversations)
}

// ActiveConversation returns the active conversation, if any.
func (e *Engine) ActiveConversation() (models.Conversation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.activeID == 0 {
		return models.Conversation{}, false
	}

	i := e.conversationIndexLocked(e.activeID)
	if i < 0 {
		return models.Conversation{ID: e.activeID}, true
	}

	return e.conversations[i], true
}

// Messages returns the loaded messages of the active conversation.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.window.Messages)
}

// ActiveID returns the active conversation id, or zero.
func (e *Engine) ActiveID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.activeID
}

// Unread returns the unread counter for a conversation.
func (e *Engine) Unread(id int64) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.unread[id]
}

// UnreadCounts returns a copy of every unread counter.
func (e *Engine) UnreadCounts() map[int64]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[int64]int, len(e.unread))
	for k, v := range e.unread {
		out[k] = v
	}

	return out
}

// User looks up a known user.
func (e *Engine) User(id int64) (models.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[id]

	return u, ok
}

// Directory returns the last loaded user directory.
func (e *Engine) Directory() []models.User {
	e.mu.Lock()
	defer e.mu.Unlock()

	return slices.Clone(e.directory)
}

// CurrentUser returns the signed-in user once Bootstrap has succeeded.
func (e *Engine) CurrentUser() (models.User, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.me == nil {
		return models.User{}, false
	}

	return *e.me, true
}

// HasMore reports whether older messages may exist for the active
// conversation.
func (e *Engine) HasMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.window.HasMore
}

// LoadingMore reports whether a backward page load is in flight.
func (e *Engine) LoadingMore() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.loadingMore
}
