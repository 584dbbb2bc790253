// Package push maintains the long-lived WebSocket connection to the chat
// service and turns its frames into typed events.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/bus"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	// readLimit caps a single inbound frame. Chat frames are small JSON
	// envelopes; anything larger is a misbehaving server.
	readLimit = 1024 * 1024

	// dialTimeout bounds the opening handshake of one attempt.
	dialTimeout = 15 * time.Second

	// DefaultReconnectBase is the delay unit between reconnect attempts.
	DefaultReconnectBase = 2 * time.Second

	// DefaultMaxAttempts is the number of reconnects tried before giving up.
	DefaultMaxAttempts = 5
)

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

// errRejected marks a handshake the server refused because of the token.
var errRejected = errors.New("push channel rejected credentials")

func dialWebSocket(ctx context.Context, u string) (wsConn, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
		}

		return nil, err
	}

	return conn, nil
}

// Config holds the connection parameters.
type Config struct {
	// URL is the service base, for example ws://localhost:8001/api/v1.
	// The channel path /ws is appended.
	URL string

	// ReconnectBase is multiplied by the attempt number to get the delay
	// before that attempt.
	ReconnectBase time.Duration

	// MaxAttempts is the number of reconnects before closed-final.
	MaxAttempts int
}

// Manager owns one logical push connection per session. Callers see a
// single event stream no matter how many times the socket reconnects.
//
// Every dial, reader and reconnect timer is tagged with the epoch it was
// started in. Anything that wakes up in an older epoch does nothing, so
// Disconnect and re-Connect never race with a superseded connection.
type Manager struct {
	logger      *slog.Logger
	baseURL     string
	base        time.Duration
	maxAttempts int
	dial        dialFunc

	messages *bus.Bus[MessageEvent]
	reads    *bus.Bus[ReadEvent]
	states   *bus.Bus[StateChange]

	mu       sync.Mutex
	state    State
	token    string
	attempts int
	epoch    uint64
	conn     wsConn
	cancel   context.CancelFunc
	timer    *time.Timer
	pending  []StateChange

	// emitMu serialises delivery of queued state changes.
	emitMu sync.Mutex
}

// New creates an idle Manager.
func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = DefaultReconnectBase
	}

	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	logger = logger.With(slog.String("component", "push"))

	return &Manager{
		logger:      logger,
		baseURL:     cfg.URL,
		base:        cfg.ReconnectBase,
		maxAttempts: cfg.MaxAttempts,
		dial:        dialWebSocket,
		messages:    bus.New[MessageEvent]("push.message", logger),
		reads:       bus.New[ReadEvent]("push.read", logger),
		states:      bus.New[StateChange]("push.state", logger),
		state:       StateIdle,
	}
}

// OnMessage registers a handler for message.new events.
func (m *Manager) OnMessage(fn func(MessageEvent) error) func() {
	return m.messages.Subscribe(fn)
}

// OnRead registers a handler for conversation.read events.
func (m *Manager) OnRead(fn func(ReadEvent) error) func() {
	return m.reads.Subscribe(fn)
}

// OnStateChange registers a handler for connection state changes.
func (m *Manager) OnStateChange(fn func(StateChange) error) func() {
	return m.states.Subscribe(fn)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Connected reports whether the channel is open and can send.
func (m *Manager) Connected() bool {
	return m.State() == StateOpen
}

// Connect opens the channel with token and returns immediately; the dial
// happens in the background. Calling Connect again with the same token
// while connecting, open or retrying does nothing. A different token
// replaces the current connection.
func (m *Manager) Connect(token string) {
	m.mu.Lock()

	var old wsConn

	switch m.state {
	case StateConnecting, StateOpen, StateClosedRetrying:
		if token == m.token {
			m.mu.Unlock()
			return
		}

		old = m.teardownLocked()
		m.setStateLocked(StateIdle)
	}

	m.token = token
	m.attempts = 0
	m.setStateLocked(StateConnecting)
	m.startDialLocked()
	m.mu.Unlock()

	if old != nil {
		old.Close(websocket.StatusNormalClosure, "credential changed")
	}

	m.flush()
}

// Disconnect closes the channel, cancels any pending reconnect, removes
// every registered handler and returns to idle. A final idle state
// change is delivered before the handlers are removed.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.teardownLocked()
	m.token = ""
	m.attempts = 0

	if m.state != StateIdle {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "bye")
	}

	m.flush()

	m.messages.Reset()
	m.reads.Reset()
	m.states.Reset()

	m.logger.Debug("disconnected")
}

// Send writes a message.new frame. When the channel is not open the
// message is dropped and Send returns nil; nothing is queued. An error
// is returned only when an open connection fails the write.
func (m *Manager) Send(ctx context.Context, conversationID int64, content string) error {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		m.logger.Debug("not connected, dropping outgoing message",
			slog.Int64("conversation_id", conversationID),
		)

		return nil
	}

	payload, err := json.Marshal(models.OutgoingMessage{
		ConversationID: conversationID,
		Content:        content,
	})
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	frame, err := json.Marshal(models.Envelope{Type: models.EventMessageNew, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshalling envelope: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	return nil
}

// teardownLocked invalidates the current epoch, stops the reconnect
// timer and cancels the connection context. The returned connection, if
// any, must be closed by the caller outside the lock.
func (m *Manager) teardownLocked() wsConn {
	m.epoch++

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	conn := m.conn
	m.conn = nil

	return conn
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}

	if err := checkTransition(from, to); err != nil {
		m.logger.Error("rejected state change", slog.String("error", err.Error()))
		return
	}

	m.state = to
	m.pending = append(m.pending, StateChange{From: from, To: to})
}

// flush delivers queued state changes in the order they happened. If
// another goroutine is already delivering, it picks up our changes too.
func (m *Manager) flush() {
	if !m.emitMu.TryLock() {
		return
	}
	defer m.emitMu.Unlock()

	for {
		m.mu.Lock()
		queue := m.pending
		m.pending = nil
		m.mu.Unlock()

		if len(queue) == 0 {
			return
		}

		for _, change := range queue {
			m.logger.Debug("state changed",
				slog.String("from", string(change.From)),
				slog.String("to", string(change.To)),
			)
			m.states.Publish(change)
		}
	}
}

func (m *Manager) startDialLocked() {
	m.epoch++
	epoch := m.epoch

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	target := m.baseURL + "/ws?token=" + url.QueryEscape(m.token)

	go m.run(ctx, epoch, target)
}

// run dials one connection and reads it until it closes.
func (m *Manager) run(ctx context.Context, epoch uint64, target string) {
	conn, err := m.dial(ctx, target)
	if err != nil {
		m.handleClose(epoch, fmt.Errorf("dialing websocket: %w", err))
		return
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "superseded")

		return
	}

	conn.SetReadLimit(readLimit)
	m.conn = conn
	m.attempts = 0
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	m.logger.Info("push channel open")
	m.flush()

	m.readLoop(ctx, epoch, conn)
}

// readLoop dispatches each frame to subscribers before reading the next,
// so events reach handlers in delivery order.
func (m *Manager) readLoop(ctx context.Context, epoch uint64, conn wsConn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(epoch, err)
			return
		}

		if !m.isCurrent(epoch) {
			return
		}

		if typ != websocket.MessageText {
			m.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		m.dispatch(data)
	}
}

func (m *Manager) isCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.epoch == epoch
}

// dispatch decodes one text frame. Frames that are not valid envelopes
// of a known type are logged and dropped.
func (m *Manager) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		m.logger.Debug("dropping malformed frame", slog.Int("bytes", len(data)))
		return
	}

	frame := gjson.ParseBytes(data)
	typ := frame.Get("type").String()
	payload := frame.Get("payload")

	if !payload.IsObject() {
		m.logger.Debug("dropping frame without payload", slog.String("type", typ))
		return
	}

	switch typ {
	case models.EventMessageNew:
		var msg models.Message
		if err := json.Unmarshal([]byte(payload.Raw), &msg); err != nil || msg.ID == 0 || msg.ConversationID == 0 {
			m.logger.Debug("dropping invalid message frame", slog.Any("error", err))
			return
		}

		msg.Seen = false
		m.messages.Publish(MessageEvent{Message: msg})

	case models.EventConversationRead:
		var rr models.ReadReceipt
		if err := json.Unmarshal([]byte(payload.Raw), &rr); err != nil || rr.ConversationID == 0 || rr.UserID == 0 {
			m.logger.Debug("dropping invalid read frame", slog.Any("error", err))
			return
		}

		m.reads.Publish(ReadEvent{Receipt: rr})

	default:
		m.logger.Debug("dropping frame of unknown type", slog.String("type", typ))
	}
}

// handleClose schedules the next attempt after a connection in epoch
// ends, or gives up once the attempt budget is spent.
func (m *Manager) handleClose(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}

	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	if isPermanent(cause) {
		m.setStateLocked(StateClosedFinal)
		m.mu.Unlock()

		m.logger.Warn("push channel rejected, not retrying", slog.String("error", cause.Error()))
		m.flush()

		return
	}

	if m.attempts >= m.maxAttempts {
		m.setStateLocked(StateClosedFinal)
		attempts := m.attempts
		m.mu.Unlock()

		m.logger.Warn("push channel closed, giving up",
			slog.Int("attempts", attempts),
			slog.String("error", cause.Error()),
		)
		m.flush()

		return
	}

	m.attempts++
	delay := m.base * time.Duration(m.attempts)
	attempt := m.attempts

	m.setStateLocked(StateClosedRetrying)
	m.timer = time.AfterFunc(delay, func() { m.retry(epoch) })
	m.mu.Unlock()

	m.logger.Warn("push channel closed, reconnecting",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
		slog.String("error", cause.Error()),
	)
	m.flush()
}

func (m *Manager) retry(epoch uint64) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateClosedRetrying {
		m.mu.Unlock()
		return
	}

	m.timer = nil
	m.setStateLocked(StateConnecting)
	m.startDialLocked()
	m.mu.Unlock()

	m.flush()
}

// isPermanent reports whether a close means the credential was refused.
// Retrying with the same token cannot succeed.
func isPermanent(err error) bool {
	return errors.Is(err, errRejected) || websocket.CloseStatus(err) == websocket.StatusPolicyViolation
}
