// Package api is the REST client for the chat service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry later.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// by the API client when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the chat service REST API. The bearer token can be
// swapped at any time; requests in flight keep the token they started with.
type Client struct {
	httpClient *http.Client
	baseURL    string

	mu    sync.RWMutex
	token string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client rooted at baseURL (for example
// http://localhost:8001/api/v1). If httpClient is nil, a client with a
// 30-second timeout and same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken sets the bearer token sent with authenticated requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.token
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// errorDetail extracts the human-readable part of an error body. The
// service reports errors as {"detail": "..."} or, for validation
// failures, {"detail": [{"msg": "..."}, ...]}.
func errorDetail(body []byte) string {
	if !gjson.ValidBytes(body) {
		return sanitizeResponseBody(body)
	}

	detail := gjson.GetBytes(body, "detail")
	switch {
	case detail.Type == gjson.String:
		return sanitizeResponseBody([]byte(detail.String()))
	case detail.IsArray():
		if msg := detail.Get("0.msg"); msg.Exists() {
			return sanitizeResponseBody([]byte(msg.String()))
		}
	}

	return sanitizeResponseBody(body)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// request describes one API call.
type request struct {
	method      string
	endpoint    string
	query       url.Values
	body        io.Reader
	contentType string
	noAuth      bool
}

// do executes r and decodes a successful response into result.
func (c *Client) do(ctx context.Context, r request, result any) error {
	target := c.baseURL + r.endpoint
	if len(r.query) > 0 {
		target += "?" + r.query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.method, target, r.body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}

	if !r.noAuth {
		token := c.Token()
		if token == "" {
			return apperrors.ErrNotAuthenticated
		}

		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", r.endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", r.endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(r.endpoint, resp.StatusCode, respBody)
	}

	if result == nil {
		return nil
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %v", apperrors.ErrAPIResponse, r.endpoint, err)
	}

	return nil
}

// StatusError is a non-2xx response. It unwraps to ErrInvalidToken for
// 401/403 and ErrAPIRequest otherwise.
type StatusError struct {
	Endpoint string
	Code     int
	Detail   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.Code, e.Detail)
}

func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden {
		return apperrors.ErrInvalidToken
	}

	return apperrors.ErrAPIRequest
}

func statusError(endpoint string, code int, body []byte) error {
	err := &StatusError{Endpoint: endpoint, Code: code, Detail: errorDetail(body)}
	if isTransientStatus(code) {
		return &TransientError{Err: err}
	}

	return err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, result any) error {
	return c.do(ctx, request{method: http.MethodGet, endpoint: endpoint, query: query}, result)
}

func (c *Client) sendJSON(ctx context.Context, method, endpoint string, body, result any, noAuth bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	return c.do(ctx, request{
		method:      method,
		endpoint:    endpoint,
		body:        bytes.NewReader(payload),
		contentType: "application/json",
		noAuth:      noAuth,
	}, result)
}

// Login exchanges credentials for an access token. The token is not
// installed on the client; callers decide whether to keep it.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	var resp TokenResponse

	err := c.do(ctx, request{
		method:      http.MethodPost,
		endpoint:    "/login/access-token",
		body:        strings.NewReader(form.Encode()),
		contentType: "application/x-www-form-urlencoded",
		noAuth:      true,
	}, &resp)
	if err != nil {
		// Bad credentials come back as 400 (401 on some deployments);
		// neither means a stored token went bad.
		var se *StatusError
		if errors.As(err, &se) && !isTransientStatus(se.Code) {
			return nil, fmt.Errorf("logging in: %w: %s", apperrors.ErrInvalidCredentials, se.Detail)
		}

		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("logging in: %w: empty access token", apperrors.ErrAPIResponse)
	}

	return &resp, nil
}

// Register creates a new account. No token is required.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*models.User, error) {
	var user models.User
	if err := c.sendJSON(ctx, http.MethodPost, "/users/", req, &user, true); err != nil {
		return nil, fmt.Errorf("registering user: %w", err)
	}

	return &user, nil
}

// CurrentUser returns the account the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.getJSON(ctx, "/users/me", nil, &user); err != nil {
		return nil, fmt.Errorf("fetching current user: %w", err)
	}

	return &user, nil
}

// UpdateCurrentUser applies a profile update and returns the new user.
func (c *Client) UpdateCurrentUser(ctx context.Context, update ProfileUpdate) (*models.User, error) {
	var user models.User
	if err := c.sendJSON(ctx, http.MethodPut, "/users/me", update, &user, false); err != nil {
		return nil, fmt.Errorf("updating profile: %w", err)
	}

	return &user, nil
}

// ListUsers returns every user except the current one.
func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.getJSON(ctx, "/users/all", nil, &users); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}

// SearchUsers matches users by email or name.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]models.User, error) {
	var users []models.User
	if err := c.getJSON(ctx, "/users/search", url.Values{"query": {query}}, &users); err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	return users, nil
}

// ListConversations returns the current user's conversations in server order.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.getJSON(ctx, "/conversations/", nil, &convs); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	return convs, nil
}

// GetConversation fetches a single conversation.
func (c *Client) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var conv models.Conversation

	err := c.getJSON(ctx, "/conversations/"+strconv.FormatInt(id, 10), nil, &conv)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("fetching conversation %d: %w", id, apperrors.ErrConversationNotFound)
		}

		return nil, fmt.Errorf("fetching conversation %d: %w", id, err)
	}

	return &conv, nil
}

// StartDirect returns the direct conversation with userID, creating it
// if needed.
func (c *Client) StartDirect(ctx context.Context, userID int64) (*models.Conversation, error) {
	var conv models.Conversation
	if err := c.sendJSON(ctx, http.MethodPost, "/conversations/direct", directRequest{UserID: userID}, &conv, false); err != nil {
		return nil, fmt.Errorf("starting direct conversation with %d: %w", userID, err)
	}

	return &conv, nil
}

// ListMessages returns up to limit messages of a conversation in ascending
// id order. A beforeID of zero requests the newest page.
func (c *Client) ListMessages(ctx context.Context, conversationID int64, limit int, beforeID int64) ([]models.Message, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))

	if beforeID > 0 {
		q.Set("before_id", strconv.FormatInt(beforeID, 10))
	}

	var msgs []models.Message

	endpoint := "/messages/" + strconv.FormatInt(conversationID, 10) + "/messages"
	if err := c.getJSON(ctx, endpoint, q, &msgs); err != nil {
		return nil, fmt.Errorf("listing messages of conversation %d: %w", conversationID, err)
	}

	return msgs, nil
}

// isNotFound reports whether err came from a 404 response.
func isNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
