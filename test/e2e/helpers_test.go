package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chattest"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/push"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/session"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey  = "cs_e2e0000000000000000000000000000"
	aliceEmail  = "alice@example.com"
	alicePass   = "alice-password"
	waitTimeout = 5 * time.Second
	waitTick    = 10 * time.Millisecond
)

// harness holds the full e2e test stack: a fake chat service, a real
// session signed in against it, and the MCP HTTP server exposing that
// session.
type harness struct {
	URL    string
	Chat   *chattest.Server
	Sess   *session.Session
	Store  *state.State
	Client *http.Client

	Alice models.User
	Bob   models.User
	Carol models.User
	Team  models.Conversation
	Pair  models.Conversation
}

// newHarness seeds the chat service, signs alice in with her password,
// starts her session and serves it through server.NewMux.
func newHarness(t *testing.T) *harness {
	t.Helper()

	chat := chattest.NewServer(t)
	alice := chat.AddUser(aliceEmail, alicePass, "Alice")
	bob := chat.AddUser("bob@example.com", "bob-password", "Bob")
	carol := chat.AddUser("carol@example.com", "carol-password", "")

	team := chat.AddConversation("Team", alice.ID, bob.ID, carol.ID)
	chat.AddMessage(team.ID, bob.ID, "standup at ten")

	pair := chat.AddConversation("", alice.ID, bob.ID)
	chat.AddMessage(pair.ID, bob.ID, "lunch?")

	store, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.DiscardHandler)

	token, err := session.Authenticate(t.Context(), api.NewClient(chat.APIURL(), nil), store,
		func() (string, string, error) { return aliceEmail, alicePass, nil }, logger)
	require.NoError(t, err)

	sess := session.New(session.Options{
		APIURL:               chat.APIURL(),
		WSURL:                chat.WSURL(),
		Token:                token,
		PageSize:             20,
		ReconnectBase:        50 * time.Millisecond,
		ReconnectMaxAttempts: 2,
		Store:                store,
		Logger:               logger,
	})
	t.Cleanup(sess.Close)

	require.NoError(t, sess.Start(t.Context()))
	require.Eventually(t, func() bool { return chat.Connected(alice.ID) == 1 }, waitTimeout, waitTick)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sess, logger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Keys:       auth.NewKeyStore(map[string]string{"alice": testAPIKey}),
		MCPHandler: mcpHandler,
		Logger:     logger,
		State:      sess.ConnectionState,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:    ts.URL,
		Chat:   chat,
		Sess:   sess,
		Store:  store,
		Client: ts.Client(),
		Alice:  alice,
		Bob:    bob,
		Carol:  carol,
		Team:   team,
		Pair:   pair,
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a custom
// HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// call invokes a tool and decodes its JSON text content into out.
func call(t *testing.T, cs *mcp.ClientSession, name string, args map[string]any, out any) {
	t.Helper()

	result, err := cs.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))

	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, result)), out))
}

// waitState blocks until the session's push channel reaches want.
func (h *harness) waitState(t *testing.T, want push.State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Sess.ConnectionState() == want }, waitTimeout, waitTick)
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, fullURL string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", fullURL, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// extractTextContent returns the text of the first TextContent item.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no text content in result")

	return ""
}
