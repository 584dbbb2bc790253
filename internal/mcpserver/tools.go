// Package mcpserver registers MCP tools that expose a running chat
// session. It adapts the session and engine to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/engine"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/alexjbarnes/chat-sync/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// errNotConnected is returned by chat_send_message while the push
// channel is down. The engine would drop the message silently.
var errNotConnected = errors.New("not connected to the chat service, message not sent")

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, sess *session.Session, logger *slog.Logger) {
	t := &tools{sess: sess, eng: sess.Engine(), logger: logger.With(slog.String("component", "mcp"))}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List conversations, most recently active first, with unread counts and which one is open.",
	}, t.listConversations)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open_conversation",
		Description: "Open a conversation and return its newest page of messages. Opening marks it read locally.",
	}, t.openConversation)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_load_older",
		Description: "Load the page of messages before the oldest one loaded in the open conversation.",
	}, t.loadOlder)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a message to a conversation, or to the open one when conversation_id is omitted. Fails while disconnected.",
	}, t.sendMessage)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search_users",
		Description: "Search users by name or email.",
	}, t.searchUsers)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_start_direct",
		Description: "Start or reopen the direct conversation with a user and open it.",
	}, t.startDirect)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_connection_status",
		Description: "Report the push connection state and the signed-in user.",
	}, t.connectionStatus)
}

type tools struct {
	sess   *session.Session
	eng    *engine.Engine
	logger *slog.Logger
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListConversationsInput has no parameters.
type ListConversationsInput struct{}

// OpenConversationInput holds parameters for chat_open_conversation.
type OpenConversationInput struct {
	ConversationID int64 `json:"conversation_id" jsonschema:"id of the conversation to open"`
}

// LoadOlderInput has no parameters.
type LoadOlderInput struct{}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ConversationID int64  `json:"conversation_id,omitempty" jsonschema:"target conversation, defaults to the open one"`
	Content        string `json:"content" jsonschema:"message text"`
}

// SearchUsersInput holds parameters for chat_search_users.
type SearchUsersInput struct {
	Query string `json:"query" jsonschema:"part of a name or email address"`
}

// StartDirectInput holds parameters for chat_start_direct.
type StartDirectInput struct {
	UserID int64 `json:"user_id" jsonschema:"id of the other user"`
}

// ConnectionStatusInput has no parameters.
type ConnectionStatusInput struct{}

// --- Output types ---

// UserView is a user as shown to tool callers.
type UserView struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ConversationView summarises one conversation.
type ConversationView struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	IsGroup bool   `json:"is_group"`
	Unread  int    `json:"unread"`
	Active  bool   `json:"active"`
}

// MessageView is one message with its sender resolved.
type MessageView struct {
	ID        int64  `json:"id"`
	SenderID  int64  `json:"sender_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Seen      bool   `json:"seen,omitempty"`
}

// ConversationList is returned by chat_list_conversations.
type ConversationList struct {
	Conversations []ConversationView `json:"conversations"`
	Connection    string             `json:"connection"`
}

// ConversationPage is returned by chat_open_conversation and
// chat_start_direct.
type ConversationPage struct {
	Conversation ConversationView `json:"conversation"`
	Messages     []MessageView    `json:"messages"`
	HasMore      bool             `json:"has_more"`
}

// OlderResult is returned by chat_load_older.
type OlderResult struct {
	Added    int           `json:"added"`
	Messages []MessageView `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// SendResult is returned by chat_send_message.
type SendResult struct {
	ConversationID int64 `json:"conversation_id"`
	Sent           bool  `json:"sent"`
}

// UserList is returned by chat_search_users.
type UserList struct {
	Users []UserView `json:"users"`
}

// ConnectionStatus is returned by chat_connection_status.
type ConnectionStatus struct {
	State     string    `json:"state"`
	Connected bool      `json:"connected"`
	User      *UserView `json:"user,omitempty"`
}

// --- Handlers ---

func (t *tools) listConversations(_ context.Context, _ *mcp.CallToolRequest, _ ListConversationsInput) (*mcp.CallToolResult, *ConversationList, error) {
	result := &ConversationList{
		Conversations: t.conversationViews(),
		Connection:    string(t.sess.ConnectionState()),
	}

	return textResult(result), result, nil
}

func (t *tools) openConversation(ctx context.Context, _ *mcp.CallToolRequest, input OpenConversationInput) (*mcp.CallToolResult, *ConversationPage, error) {
	if input.ConversationID <= 0 {
		return nil, nil, fmt.Errorf("conversation_id is required")
	}

	t.logger.Debug("opening conversation", slog.Int64("conversation_id", input.ConversationID))

	if err := t.eng.SetActive(ctx, input.ConversationID); err != nil {
		return nil, nil, err
	}

	result := t.activePage()

	return textResult(result), result, nil
}

func (t *tools) loadOlder(ctx context.Context, _ *mcp.CallToolRequest, _ LoadOlderInput) (*mcp.CallToolResult, *OlderResult, error) {
	added, err := t.eng.LoadOlder(ctx)
	if err != nil {
		return nil, nil, err
	}

	msgs := t.eng.Messages()
	if added > len(msgs) {
		added = len(msgs)
	}

	result := &OlderResult{
		Added:    added,
		Messages: t.messageViews(msgs[:added]),
		HasMore:  t.eng.HasMore(),
	}

	return textResult(result), result, nil
}

func (t *tools) sendMessage(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *SendResult, error) {
	if t.sess.ConnectionState() != push.StateOpen {
		return nil, nil, errNotConnected
	}

	target := input.ConversationID
	if target == 0 {
		target = t.eng.ActiveID()
	}

	if err := t.eng.SendMessage(ctx, target, input.Content); err != nil {
		return nil, nil, err
	}

	result := &SendResult{ConversationID: target, Sent: true}

	return textResult(result), result, nil
}

func (t *tools) searchUsers(ctx context.Context, _ *mcp.CallToolRequest, input SearchUsersInput) (*mcp.CallToolResult, *UserList, error) {
	users, err := t.eng.SearchUsers(ctx, input.Query)
	if err != nil {
		return nil, nil, err
	}

	result := &UserList{Users: make([]UserView, 0, len(users))}
	for _, u := range users {
		result.Users = append(result.Users, userView(u))
	}

	return textResult(result), result, nil
}

func (t *tools) startDirect(ctx context.Context, _ *mcp.CallToolRequest, input StartDirectInput) (*mcp.CallToolResult, *ConversationPage, error) {
	if input.UserID <= 0 {
		return nil, nil, fmt.Errorf("user_id is required")
	}

	if _, err := t.eng.StartDirect(ctx, input.UserID); err != nil {
		return nil, nil, err
	}

	result := t.activePage()

	return textResult(result), result, nil
}

func (t *tools) connectionStatus(_ context.Context, _ *mcp.CallToolRequest, _ ConnectionStatusInput) (*mcp.CallToolResult, *ConnectionStatus, error) {
	state := t.sess.ConnectionState()
	result := &ConnectionStatus{
		State:     string(state),
		Connected: state == push.StateOpen,
	}

	if me, ok := t.eng.CurrentUser(); ok {
		v := userView(me)
		result.User = &v
	}

	return textResult(result), result, nil
}

// --- Views ---

func (t *tools) localID() int64 {
	me, _ := t.eng.CurrentUser()
	return me.ID
}

func (t *tools) conversationViews() []ConversationView {
	local := t.localID()
	active := t.eng.ActiveID()
	unread := t.eng.UnreadCounts()

	convs := t.eng.Conversations()
	out := make([]ConversationView, 0, len(convs))

	for _, c := range convs {
		out = append(out, ConversationView{
			ID:      c.ID,
			Title:   c.Title(local),
			IsGroup: c.IsGroup,
			Unread:  unread[c.ID],
			Active:  c.ID == active,
		})
	}

	return out
}

func (t *tools) activePage() *ConversationPage {
	page := &ConversationPage{
		Messages: t.messageViews(t.eng.Messages()),
		HasMore:  t.eng.HasMore(),
	}

	if c, ok := t.eng.ActiveConversation(); ok {
		page.Conversation = ConversationView{
			ID:      c.ID,
			Title:   c.Title(t.localID()),
			IsGroup: c.IsGroup,
			Unread:  t.eng.Unread(c.ID),
			Active:  true,
		}
	}

	return page
}

func (t *tools) messageViews(msgs []models.Message) []MessageView {
	out := make([]MessageView, 0, len(msgs))

	for _, m := range msgs {
		sender := "Unknown user"
		if u, ok := t.eng.User(m.SenderID); ok {
			sender = u.DisplayName()
		}

		out = append(out, MessageView{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Sender:    sender,
			Content:   m.Content,
			CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
			Seen:      m.Seen,
		})
	}

	return out
}

func userView(u models.User) UserView {
	return UserView{ID: u.ID, Name: u.DisplayName(), Email: u.Email}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
