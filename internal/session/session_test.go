package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/chattest"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceEmail = "alice@example.com"
	alicePass  = "correct-horse"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testStore(t *testing.T) *state.State {
	t.Helper()
	s, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func staticCreds(email, password string) CredentialsFunc {
	return func() (string, string, error) { return email, password, nil }
}

func noCreds(t *testing.T) CredentialsFunc {
	return func() (string, string, error) {
		t.Error("credentials requested")
		return "", "", errors.New("unexpected prompt")
	}
}

// --- Authenticate ---

func TestAuthenticate_LogsInAndPersists(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.AddUser(aliceEmail, alicePass, "Alice")
	store := testStore(t)
	client := api.NewClient(srv.APIURL(), nil)

	token, err := Authenticate(context.Background(), client, store, staticCreds(aliceEmail, alicePass), testLogger())
	require.NoError(t, err)

	assert.NotEmpty(t, token)
	assert.Equal(t, token, store.Token())
	assert.Equal(t, token, client.Token())
	assert.Equal(t, 1, srv.Logins())
}

func TestAuthenticate_ReusesFreshCachedToken(t *testing.T) {
	srv := chattest.NewServer(t)
	alice := srv.AddUser(aliceEmail, alicePass, "Alice")
	store := testStore(t)
	cached := srv.Token(alice.ID)
	require.NoError(t, store.SetToken(cached))

	token, err := Authenticate(context.Background(), api.NewClient(srv.APIURL(), nil), store, noCreds(t), testLogger())
	require.NoError(t, err)

	assert.Equal(t, cached, token)
	assert.Zero(t, srv.Logins())
}

func TestAuthenticate_ExpiredTokenTriggersLogin(t *testing.T) {
	srv := chattest.NewServer(t)
	alice := srv.AddUser(aliceEmail, alicePass, "Alice")
	store := testStore(t)
	expired := srv.ExpiredToken(alice.ID)
	require.NoError(t, store.SetToken(expired))

	token, err := Authenticate(context.Background(), api.NewClient(srv.APIURL(), nil), store, staticCreds(aliceEmail, alicePass), testLogger())
	require.NoError(t, err)

	assert.NotEqual(t, expired, token)
	assert.Equal(t, token, store.Token())
	assert.Equal(t, 1, srv.Logins())
}

func TestAuthenticate_RejectedTokenTriggersLogin(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.AddUser(aliceEmail, alicePass, "Alice")
	store := testStore(t)

	// Well-formed and unexpired but signed with another key.
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("someone-else"))
	require.NoError(t, err)
	require.NoError(t, store.SetToken(forged))

	_, err = Authenticate(context.Background(), api.NewClient(srv.APIURL(), nil), store, staticCreds(aliceEmail, alicePass), testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Logins())
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	srv := chattest.NewServer(t)
	srv.AddUser(aliceEmail, alicePass, "Alice")
	store := testStore(t)

	_, err := Authenticate(context.Background(), api.NewClient(srv.APIURL(), nil), store, staticCreds(aliceEmail, "wrong"), testLogger())
	require.ErrorIs(t, err, chaterrors.ErrInvalidCredentials)
	assert.Empty(t, store.Token())
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	srv := chattest.NewServer(t)
	store := testStore(t)
	client := api.NewClient(srv.APIURL(), nil)

	_, err := Authenticate(context.Background(), client, store, staticCreds("", ""), testLogger())
	assert.ErrorIs(t, err, chaterrors.ErrNotAuthenticated)

	_, err = Authenticate(context.Background(), client, store, nil, testLogger())
	assert.ErrorIs(t, err, chaterrors.ErrNotAuthenticated)
}

// --- Session lifecycle ---

type fixture struct {
	srv   *chattest.Server
	alice models.User
	bob   models.User
	conv  models.Conversation
	store *state.State
	sess  *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	srv := chattest.NewServer(t)
	alice := srv.AddUser(aliceEmail, alicePass, "Alice")
	bob := srv.AddUser("bob@example.com", "pw", "Bob")
	conv := srv.AddConversation("", alice.ID, bob.ID)
	srv.AddMessage(conv.ID, bob.ID, "hello alice")

	store := testStore(t)
	token := srv.Token(alice.ID)
	require.NoError(t, store.SetToken(token))

	sess := New(Options{
		APIURL:               srv.APIURL(),
		WSURL:                srv.WSURL(),
		Token:                token,
		PageSize:             20,
		ReconnectBase:        50 * time.Millisecond,
		ReconnectMaxAttempts: 3,
		Store:                store,
		Logger:               testLogger(),
	})
	t.Cleanup(sess.Close)

	return &fixture{srv: srv, alice: alice, bob: bob, conv: conv, store: store, sess: sess}
}

func waitOpen(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.ConnectionState() == push.StateOpen }, 5*time.Second, 10*time.Millisecond)
}

func TestSession_StartBootstrapsAndConnects(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sess.Start(context.Background()))
	waitOpen(t, f.sess)

	eng := f.sess.Engine()
	me, ok := eng.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, f.alice.ID, me.ID)
	assert.Equal(t, f.conv.ID, eng.ActiveID())
	require.Len(t, eng.Messages(), 1)
	assert.Equal(t, "hello alice", eng.Messages()[0].Content)
}

func TestSession_PushedMessagesReachEngine(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Start(context.Background()))
	waitOpen(t, f.sess)
	require.Eventually(t, func() bool { return f.srv.Connected(f.alice.ID) == 1 }, 5*time.Second, 10*time.Millisecond)

	f.srv.Post(f.conv.ID, f.bob.ID, "are you there?")

	require.Eventually(t, func() bool { return len(f.sess.Engine().Messages()) == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestSession_SendRoundTrip(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Start(context.Background()))
	waitOpen(t, f.sess)

	require.NoError(t, f.sess.Engine().SendMessage(context.Background(), 0, "hi bob"))

	require.Eventually(t, func() bool {
		msgs := f.sess.Engine().Messages()
		return len(msgs) == 2 && msgs[1].Content == "hi bob" && msgs[1].SenderID == f.alice.ID
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, f.sess.Engine().Unread(f.conv.ID))
}

func TestSession_StartFailsOnRejectedToken(t *testing.T) {
	srv := chattest.NewServer(t)
	alice := srv.AddUser(aliceEmail, alicePass, "Alice")

	sess := New(Options{
		APIURL: srv.APIURL(),
		WSURL:  srv.WSURL(),
		Token:  srv.ExpiredToken(alice.ID),
		Logger: testLogger(),
	})
	defer sess.Close()

	err := sess.Start(context.Background())
	require.ErrorIs(t, err, chaterrors.ErrInvalidToken)
	assert.Equal(t, push.StateIdle, sess.ConnectionState())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Start(context.Background()))
	waitOpen(t, f.sess)

	f.sess.Close()
	f.sess.Close()

	assert.Equal(t, push.StateIdle, f.sess.ConnectionState())
	assert.NotEmpty(t, f.store.Token(), "close keeps the token")
}

func TestSession_LogoutClearsToken(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.sess.Start(context.Background()))
	waitOpen(t, f.sess)

	require.NoError(t, f.sess.Logout())

	assert.Empty(t, f.store.Token())
	assert.Empty(t, f.sess.Client().Token())
	assert.Equal(t, push.StateIdle, f.sess.ConnectionState())
}

func TestSession_PolicyCloseIsFinalThenReconnect(t *testing.T) {
	f := newFixture(t)
	f.srv.RejectPush(true)

	require.NoError(t, f.sess.Start(context.Background()))
	require.Eventually(t, func() bool { return f.sess.ConnectionState() == push.StateClosedFinal }, 5*time.Second, 10*time.Millisecond)

	f.srv.RejectPush(false)
	f.sess.Reconnect()
	waitOpen(t, f.sess)
}
