// Package session assembles one signed-in chat client: the REST client,
// the push connection and the sync engine, wired together and owned by a
// single Session value.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/engine"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/push"
)

// tokenLeeway is how long before expiry a cached token stops being reused.
const tokenLeeway = time.Minute

// TokenStore persists the access token between runs. *state.State
// implements it.
type TokenStore interface {
	Token() string
	SetToken(token string) error
	ClearToken() error
}

// CredentialsFunc supplies an email and password when a fresh login is
// needed.
type CredentialsFunc func() (email, password string, err error)

// Authenticate returns a token accepted by the service. A cached token is
// reused when its exp claim is still in the future and GET /users/me
// accepts it; otherwise credentials are requested, a login is performed
// and the new token is persisted. On success the client carries the
// token.
func Authenticate(ctx context.Context, client *api.Client, store TokenStore, creds CredentialsFunc, logger *slog.Logger) (string, error) {
	if cached := store.Token(); auth.TokenFresh(cached, time.Now(), tokenLeeway) {
		logger.Debug("trying cached token")

		client.SetToken(cached)

		_, err := client.CurrentUser(ctx)
		if err == nil {
			logger.Info("authenticated with cached token")
			return cached, nil
		}

		if api.IsTransient(err) {
			return "", fmt.Errorf("checking cached token: %w", err)
		}

		logger.Debug("cached token rejected, signing in fresh", slog.String("error", err.Error()))
		client.SetToken("")
	}

	if creds == nil {
		return "", chaterrors.ErrNotAuthenticated
	}

	email, password, err := creds()
	if err != nil {
		return "", fmt.Errorf("reading credentials: %w", err)
	}

	if email == "" || password == "" {
		return "", fmt.Errorf("email and password are required: %w", chaterrors.ErrNotAuthenticated)
	}

	logger.Info("signing in", slog.String("email", email))

	resp, err := client.Login(ctx, email, password)
	if err != nil {
		return "", fmt.Errorf("signing in: %w", err)
	}

	if err := store.SetToken(resp.AccessToken); err != nil {
		logger.Warn("failed to save token", slog.String("error", err.Error()))
	}

	client.SetToken(resp.AccessToken)

	return resp.AccessToken, nil
}

// Options configures a Session.
type Options struct {
	APIURL string
	WSURL  string
	Token  string

	PageSize             int
	ReconnectBase        time.Duration
	ReconnectMaxAttempts int

	// HTTPClient is used for REST calls. Nil uses the api package default.
	HTTPClient *http.Client

	// Store, when set, has its token cleared by Logout.
	Store TokenStore

	Logger *slog.Logger
}

// Session is one signed-in client. Create it with New, call Start once,
// and Close or Logout when done.
type Session struct {
	logger *slog.Logger
	token  string
	store  TokenStore

	client *api.Client
	push   *push.Manager
	engine *engine.Engine

	// ctx bounds work triggered by push events. Cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	unsubs    []func()
	closeOnce sync.Once
}

// New builds the client, connection manager and engine and subscribes
// the engine to push events. Nothing touches the network until Start.
func New(opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := api.NewClient(opts.APIURL, opts.HTTPClient)
	client.SetToken(opts.Token)

	manager := push.New(push.Config{
		URL:           opts.WSURL,
		ReconnectBase: opts.ReconnectBase,
		MaxAttempts:   opts.ReconnectMaxAttempts,
	}, logger)

	eng := engine.New(engine.Options{
		Backend:  client,
		Sender:   manager,
		PageSize: opts.PageSize,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		logger: logger.With(slog.String("component", "session")),
		token:  opts.Token,
		store:  opts.Store,
		client: client,
		push:   manager,
		engine: eng,
		ctx:    ctx,
		cancel: cancel,
	}

	s.unsubs = append(s.unsubs,
		manager.OnMessage(func(ev push.MessageEvent) error {
			return eng.HandleMessage(s.ctx, ev.Message)
		}),
		manager.OnRead(func(ev push.ReadEvent) error {
			eng.HandleRead(ev.Receipt)
			return nil
		}),
		manager.OnStateChange(s.logStateChange),
	)

	return s
}

func (s *Session) logStateChange(c push.StateChange) error {
	switch c.To {
	case push.StateClosedFinal:
		s.logger.Warn("push channel gave up, run /reconnect or restart to try again")
	case push.StateOpen:
		s.logger.Info("push channel connected")
	}

	return nil
}

// Start loads the initial state and opens the push channel. A failed
// bootstrap (normally a rejected token) leaves the channel closed.
func (s *Session) Start(ctx context.Context) error {
	if err := s.engine.Bootstrap(ctx); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}

	s.push.Connect(s.token)

	return nil
}

// Reconnect opens the push channel again after it has given up.
func (s *Session) Reconnect() {
	s.push.Connect(s.token)
}

// Close disconnects the push channel, drops every handler and pending
// reconnect, and cancels work started by push events. It is safe to
// call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}

		s.push.Disconnect()
		s.cancel()
		s.logger.Debug("session closed")
	})
}

// Logout closes the session and forgets the persisted token.
func (s *Session) Logout() error {
	s.Close()
	s.client.SetToken("")

	if s.store == nil {
		return nil
	}

	if err := s.store.ClearToken(); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}

	return nil
}

// Engine returns the session's sync engine.
func (s *Session) Engine() *engine.Engine { return s.engine }

// Push returns the session's connection manager.
func (s *Session) Push() *push.Manager { return s.push }

// Client returns the session's REST client.
func (s *Session) Client() *api.Client { return s.client }

// ConnectionState returns the push channel state.
func (s *Session) ConnectionState() push.State { return s.push.State() }
