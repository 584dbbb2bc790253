package push

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/mock/gomock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testURL = "ws://chat.test/api/v1"

func newTestManager(d *dialer) *Manager {
	m := New(Config{URL: testURL, ReconnectBase: 2 * time.Second, MaxAttempts: 5}, testLogger())
	m.dial = d.dial
	return m
}

// dialer records every dial and delegates the result to next.
type dialer struct {
	mu    sync.Mutex
	start time.Time
	urls  []string
	at    []time.Duration
	next  func(n int) (wsConn, error)
}

func newDialer(next func(n int) (wsConn, error)) *dialer {
	return &dialer{start: time.Now(), next: next}
}

func (d *dialer) dial(ctx context.Context, u string) (wsConn, error) {
	d.mu.Lock()
	n := len(d.urls)
	d.urls = append(d.urls, u)
	d.at = append(d.at, time.Since(d.start))
	d.mu.Unlock()

	return d.next(n)
}

func (d *dialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *dialer) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *dialer) times() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.at...)
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

func text(s string) frame { return frame{typ: websocket.MessageText, data: []byte(s)} }

func blockingRead(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

// scriptedConn returns a mock that yields frames in order and then blocks
// until its context is cancelled, like an idle live socket.
func scriptedConn(ctrl *gomock.Controller, frames ...frame) *MockWSConn {
	mock := NewMockWSConn(ctrl)
	mock.EXPECT().SetReadLimit(int64(readLimit)).AnyTimes()
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	calls := make([]any, 0, len(frames)+1)
	for _, f := range frames {
		calls = append(calls, mock.EXPECT().Read(gomock.Any()).Return(f.typ, f.data, nil))
	}

	calls = append(calls, mock.EXPECT().Read(gomock.Any()).DoAndReturn(blockingRead))
	gomock.InOrder(calls...)

	return mock
}

// brokenConn returns a mock whose first read fails with err.
func brokenConn(ctrl *gomock.Controller, err error) *MockWSConn {
	mock := NewMockWSConn(ctrl)
	mock.EXPECT().SetReadLimit(gomock.Any()).AnyTimes()
	mock.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, err)

	return mock
}

type stateLog struct {
	mu      sync.Mutex
	changes []StateChange
}

func recordStates(m *Manager) *stateLog {
	l := &stateLog{}
	m.OnStateChange(func(c StateChange) error {
		l.mu.Lock()
		l.changes = append(l.changes, c)
		l.mu.Unlock()
		return nil
	})
	return l
}

func (l *stateLog) list() []StateChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StateChange(nil), l.changes...)
}

func (l *stateLog) targets() []State {
	var out []State
	for _, c := range l.list() {
		out = append(out, c.To)
	}
	return out
}
