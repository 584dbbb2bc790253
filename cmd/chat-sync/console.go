package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/engine"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/alexjbarnes/chat-sync/internal/session"
)

const helpText = `commands:
  /list               conversations, most recent first
  /open <id>          open a conversation
  /more               load older messages
  /dm <user_id>       start or reopen a direct chat
  /search <query>     find users by name or email
  /whoami             show the signed-in user
  /name <full name>   change your display name
  /reconnect          reopen the push channel after it gave up
  /logout             sign out and forget the saved token
  /quit               exit
anything else is sent to the open conversation`

// errLoggedOut ends the console after /logout.
var errLoggedOut = errors.New("logged out")

// console is the line-based front end over one session. Output is
// shared between the input loop and push handlers, so every write goes
// through print.
type console struct {
	sess   *session.Session
	eng    *engine.Engine
	logger *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

func newConsole(sess *session.Session, out io.Writer, logger *slog.Logger) *console {
	return &console{
		sess:   sess,
		eng:    sess.Engine(),
		logger: logger.With(slog.String("component", "console")),
		out:    out,
	}
}

func (c *console) print(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, format+"\n", args...)
}

// subscribe prints notifications, connection changes and messages that
// arrive in the open conversation. The returned func removes them.
func (c *console) subscribe() func() {
	unsubs := []func(){
		c.eng.OnNotification(func(n models.Notification) error {
			c.print("! %s: %s  (/open %d)", n.Title, n.Body, n.ConversationID)
			return nil
		}),
		c.sess.Push().OnStateChange(func(sc push.StateChange) error {
			c.print("-- connection %s", sc.To)
			return nil
		}),
		c.sess.Push().OnMessage(func(ev push.MessageEvent) error {
			if ev.Message.ConversationID == c.eng.ActiveID() {
				c.print("%s", c.formatMessage(ev.Message))
			}
			return nil
		}),
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// run reads lines from in until /quit, /logout, end of input or ctx is
// cancelled. Only /logout is reported as an error, so the caller can
// tell it apart from a normal exit.
func (c *console) run(ctx context.Context, in io.Reader) error {
	unsubscribe := c.subscribe()
	defer unsubscribe()

	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.showActive()
	c.print("type /help for commands")

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}

			done, err := c.handle(ctx, line)
			if err != nil {
				return err
			}

			if done {
				return nil
			}
		}
	}
}

// handle executes one input line. It reports done when the console
// should exit. Command failures are printed, not returned.
func (c *console) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}

	if !strings.HasPrefix(line, "/") {
		c.send(ctx, line)
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		c.print("%s", helpText)
	case "/list":
		c.list()
	case "/open":
		c.open(ctx, arg)
	case "/more":
		c.more(ctx)
	case "/dm":
		c.direct(ctx, arg)
	case "/search":
		c.search(ctx, arg)
	case "/whoami":
		c.whoami()
	case "/name":
		c.rename(ctx, arg)
	case "/reconnect":
		c.sess.Reconnect()
	case "/logout":
		if err := c.sess.Logout(); err != nil {
			c.logger.Warn("logout incomplete", slog.String("error", err.Error()))
		}
		c.print("logged out")
		return true, errLoggedOut
	case "/quit":
		return true, nil
	default:
		c.print("unknown command %s, try /help", cmd)
	}

	return false, nil
}

func (c *console) send(ctx context.Context, content string) {
	if c.sess.ConnectionState() != push.StateOpen {
		c.print("not connected, message not sent")
		return
	}

	if err := c.eng.SendMessage(ctx, 0, content); err != nil {
		c.print("send failed: %v", err)
	}
}

func (c *console) list() {
	convs := c.eng.Conversations()
	if len(convs) == 0 {
		c.print("no conversations")
		return
	}

	me := c.localID()
	active := c.eng.ActiveID()
	unread := c.eng.UnreadCounts()

	for _, conv := range convs {
		marker := " "
		if conv.ID == active {
			marker = "*"
		}

		line := fmt.Sprintf("%s %4d  %s", marker, conv.ID, conv.Title(me))
		if n := unread[conv.ID]; n > 0 {
			line += fmt.Sprintf("  (%d unread)", n)
		}

		c.print("%s", line)
	}
}

func (c *console) open(ctx context.Context, arg string) {
	id, ok := parseID(arg)
	if !ok {
		c.print("usage: /open <conversation id>")
		return
	}

	if err := c.eng.SetActive(ctx, id); err != nil {
		c.print("open failed: %v", err)
		return
	}

	c.showActive()
}

func (c *console) more(ctx context.Context) {
	added, err := c.eng.LoadOlder(ctx)
	if err != nil {
		c.print("load failed: %v", err)
		return
	}

	if added == 0 {
		c.print("no older messages")
		return
	}

	msgs := c.eng.Messages()
	for _, m := range msgs[:min(added, len(msgs))] {
		c.print("%s", c.formatMessage(m))
	}

	if !c.eng.HasMore() {
		c.print("-- start of conversation")
	}
}

func (c *console) direct(ctx context.Context, arg string) {
	id, ok := parseID(arg)
	if !ok {
		c.print("usage: /dm <user id>")
		return
	}

	if _, err := c.eng.StartDirect(ctx, id); err != nil {
		c.print("direct chat failed: %v", err)
		return
	}

	c.showActive()
}

func (c *console) search(ctx context.Context, query string) {
	if query == "" {
		c.print("usage: /search <query>")
		return
	}

	users, err := c.eng.SearchUsers(ctx, query)
	if err != nil {
		c.print("search failed: %v", err)
		return
	}

	if len(users) == 0 {
		c.print("no users match %q", query)
		return
	}

	for _, u := range users {
		c.print("%4d  %s <%s>", u.ID, u.DisplayName(), u.Email)
	}
}

func (c *console) whoami() {
	me, ok := c.eng.CurrentUser()
	if !ok {
		c.print("not signed in")
		return
	}

	c.print("%s <%s> (id %d), connection %s", me.DisplayName(), me.Email, me.ID, c.sess.ConnectionState())
}

func (c *console) rename(ctx context.Context, name string) {
	if name == "" {
		c.print("usage: /name <full name>")
		return
	}

	me, err := c.eng.UpdateProfile(ctx, api.ProfileUpdate{FullName: &name})
	if err != nil {
		c.print("update failed: %v", err)
		return
	}

	c.print("you are now %s", me.DisplayName())
}

// showActive prints the header and loaded window of the open
// conversation.
func (c *console) showActive() {
	conv, ok := c.eng.ActiveConversation()
	if !ok {
		c.print("no conversation open")
		return
	}

	c.print("== %s (%d)", conv.Title(c.localID()), conv.ID)

	if c.eng.HasMore() {
		c.print("-- /more for older messages")
	}

	for _, m := range c.eng.Messages() {
		c.print("%s", c.formatMessage(m))
	}
}

func (c *console) formatMessage(m models.Message) string {
	sender := "Unknown user"
	if u, ok := c.eng.User(m.SenderID); ok {
		sender = u.DisplayName()
	}

	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Format("15:04"), sender, m.Content)
	if m.Seen {
		line += " (seen)"
	}

	return line
}

func (c *console) localID() int64 {
	me, _ := c.eng.CurrentUser()
	return me.ID
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}

	return id, true
}
