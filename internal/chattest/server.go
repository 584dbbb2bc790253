// Package chattest runs an in-process chat service for tests. It speaks
// the same REST and push protocol as the real backend: JWT bearer
// tokens, FastAPI-style error bodies, newest-first paging and
// {type, payload} envelopes on /ws.
package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tidwall/gjson"
)

const prefix = "/api/v1"

var signingKey = []byte("chattest-signing-key")

// Server is a fake chat backend backed by an httptest.Server.
type Server struct {
	srv *httptest.Server

	mu        sync.Mutex
	users     []models.User
	passwords map[string]string
	convs     []models.Conversation
	members   map[int64][]int64
	messages  map[int64][]models.Message
	sockets   map[int64][]*websocket.Conn
	nextID    int64
	now       time.Time
	logins    int
	rejectWS  bool
}

// NewServer starts a server that is closed when the test ends.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{
		passwords: make(map[string]string),
		members:   make(map[int64][]int64),
		messages:  make(map[int64][]models.Message),
		sockets:   make(map[int64][]*websocket.Conn),
		now:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+prefix+"/login/access-token", s.handleLogin)
	mux.HandleFunc("POST "+prefix+"/users/", s.handleRegister)
	mux.HandleFunc("GET "+prefix+"/users/me", s.authed(s.handleMe))
	mux.HandleFunc("PUT "+prefix+"/users/me", s.authed(s.handleUpdateMe))
	mux.HandleFunc("GET "+prefix+"/users/all", s.authed(s.handleAllUsers))
	mux.HandleFunc("GET "+prefix+"/users/search", s.authed(s.handleSearch))
	mux.HandleFunc("GET "+prefix+"/conversations/", s.authed(s.handleConversations))
	mux.HandleFunc("GET "+prefix+"/conversations/{id}", s.authed(s.handleConversation))
	mux.HandleFunc("POST "+prefix+"/conversations/direct", s.authed(s.handleDirect))
	mux.HandleFunc("GET "+prefix+"/messages/{id}/messages", s.authed(s.handleMessages))
	mux.HandleFunc("GET "+prefix+"/ws", s.handleWS)

	s.srv = httptest.NewServer(mux)
	tb.Cleanup(s.Close)

	return s
}

// Close drops every socket and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	for _, conns := range s.sockets {
		for _, c := range conns {
			c.CloseNow()
		}
	}
	s.sockets = make(map[int64][]*websocket.Conn)
	s.mu.Unlock()

	s.srv.Close()
}

// APIURL is the REST base, ending in /api/v1.
func (s *Server) APIURL() string { return s.srv.URL + prefix }

// WSURL is the push base the client appends /ws to.
func (s *Server) WSURL() string { return "ws" + strings.TrimPrefix(s.srv.URL, "http") + prefix }

// Logins returns how many successful logins were served.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.logins
}

// RejectPush makes the push endpoint close new sockets with a policy
// violation, as the backend does for a bad token.
func (s *Server) RejectPush(reject bool) {
	s.mu.Lock()
	s.rejectWS = reject
	s.mu.Unlock()
}

// AddUser creates an account.
func (s *Server) AddUser(email, password, fullName string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addUserLocked(email, password, fullName)
}

func (s *Server) addUserLocked(email, password, fullName string) models.User {
	u := models.User{ID: int64(len(s.users) + 1), Email: email, IsActive: true}
	if fullName != "" {
		u.FullName = &fullName
	}

	s.users = append(s.users, u)
	s.passwords[email] = password

	return u
}

// AddConversation creates a conversation between members. Two members
// make a direct chat, more make a group.
func (s *Server) AddConversation(name string, members ...int64) models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addConversationLocked(name, members...)
}

func (s *Server) addConversationLocked(name string, members ...int64) models.Conversation {
	c := models.Conversation{
		ID:        int64(len(s.convs) + 1),
		IsGroup:   len(members) > 2,
		CreatedAt: models.NewTimestamp(s.tickLocked()),
	}
	if name != "" {
		c.Name = &name
	}

	s.convs = append(s.convs, c)
	s.members[c.ID] = slices.Clone(members)

	return c
}

// AddMessage stores a message without pushing it.
func (s *Server) AddMessage(conversationID, senderID int64, content string) models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addMessageLocked(conversationID, senderID, content)
}

func (s *Server) addMessageLocked(conversationID, senderID int64, content string) models.Message {
	s.nextID++
	m := models.Message{
		ID:             s.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      models.NewTimestamp(s.tickLocked()),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)

	return m
}

func (s *Server) tickLocked() time.Time {
	s.now = s.now.Add(time.Minute)
	return s.now
}

// Post stores a message and pushes it to every connected member,
// including the sender.
func (s *Server) Post(conversationID, senderID int64, content string) models.Message {
	s.mu.Lock()
	m := s.addMessageLocked(conversationID, senderID, content)
	targets := s.socketsForLocked(conversationID)
	s.mu.Unlock()

	s.broadcast(targets, models.EventMessageNew, m)

	return m
}

// MarkRead pushes a read receipt from userID up to the newest message.
func (s *Server) MarkRead(conversationID, userID int64) models.ReadReceipt {
	s.mu.Lock()
	rr := models.ReadReceipt{
		ConversationID: conversationID,
		UserID:         userID,
		LastReadAt:     models.NewTimestamp(s.now),
	}
	targets := s.socketsForLocked(conversationID)
	s.mu.Unlock()

	s.broadcast(targets, models.EventConversationRead, rr)

	return rr
}

// Connected reports how many push sockets userID has open.
func (s *Server) Connected(userID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sockets[userID])
}

// DropSockets closes every push socket with an abnormal-looking close,
// which clients treat as a transient loss.
func (s *Server) DropSockets() {
	s.mu.Lock()
	var all []*websocket.Conn
	for _, conns := range s.sockets {
		all = append(all, conns...)
	}
	s.mu.Unlock()

	for _, c := range all {
		c.Close(websocket.StatusGoingAway, "restarting")
	}
}

// Token issues a valid access token for userID.
func (s *Server) Token(userID int64) string {
	return issueToken(userID, time.Now().Add(time.Hour))
}

// ExpiredToken issues a token for userID that expired an hour ago.
func (s *Server) ExpiredToken(userID int64) string {
	return issueToken(userID, time.Now().Add(-time.Hour))
}

func issueToken(userID int64, exp time.Time) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ExpiresAt: jwt.NewNumericDate(exp),
	})

	signed, err := token.SignedString(signingKey)
	if err != nil {
		panic(err)
	}

	return signed
}

func userFromToken(raw string) (int64, bool) {
	var claims jwt.RegisteredClaims

	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, false
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

func (s *Server) socketsForLocked(conversationID int64) []*websocket.Conn {
	var out []*websocket.Conn
	for _, uid := range s.members[conversationID] {
		out = append(out, s.sockets[uid]...)
	}

	return out
}

func (s *Server) broadcast(conns []*websocket.Conn, typ string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	frame, err := json.Marshal(models.Envelope{Type: typ, Payload: data})
	if err != nil {
		panic(err)
	}

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		c.Write(ctx, websocket.MessageText, frame)
		cancel()
	}
}

// --- HTTP handlers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

type authedHandler func(w http.ResponseWriter, r *http.Request, userID int64)

func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeDetail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		uid, ok := userFromToken(raw)
		if !ok {
			writeDetail(w, http.StatusForbidden, "Could not validate credentials")
			return
		}

		h(w, r, uid)
	}
}

func (s *Server) userLocked(id int64) (models.User, bool) {
	i := slices.IndexFunc(s.users, func(u models.User) bool { return u.ID == id })
	if i < 0 {
		return models.User{}, false
	}

	return s.users[i], true
}

func (s *Server) isMemberLocked(conversationID, userID int64) bool {
	return slices.Contains(s.members[conversationID], userID)
}

func (s *Server) conversationViewLocked(c models.Conversation) models.Conversation {
	for _, uid := range s.members[c.ID] {
		if u, ok := s.userLocked(uid); ok {
			c.Participants = append(c.Participants, u)
		}
	}

	count := len(s.messages[c.ID])
	c.MessageCount = &count

	return c
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form")
		return
	}

	email := r.PostForm.Get("username")

	s.mu.Lock()
	defer s.mu.Unlock()

	pw, ok := s.passwords[email]
	if !ok || pw != r.PostForm.Get("password") {
		writeDetail(w, http.StatusBadRequest, "Incorrect email or password")
		return
	}

	for _, u := range s.users {
		if u.Email == email {
			s.logins++
			writeJSON(w, http.StatusOK, map[string]string{
				"access_token": issueToken(u.ID, time.Now().Add(time.Hour)),
				"token_type":   "bearer",
			})

			return
		}
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string  `json:"email"`
		Password string  `json:"password"`
		FullName *string `json:"full_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.passwords[req.Email]; exists {
		writeDetail(w, http.StatusBadRequest, "The user with this email already exists in the system")
		return
	}

	name := ""
	if req.FullName != nil {
		name = *req.FullName
	}

	writeJSON(w, http.StatusOK, s.addUserLocked(req.Email, req.Password, name))
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.userLocked(uid)
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, uid int64) {
	var req struct {
		FullName *string `json:"full_name"`
		Email    *string `json:"email"`
		Password *string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.users, func(u models.User) bool { return u.ID == uid })
	if i < 0 {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	u := &s.users[i]
	if req.FullName != nil {
		u.FullName = req.FullName
	}

	if req.Email != nil {
		s.passwords[*req.Email] = s.passwords[u.Email]
		delete(s.passwords, u.Email)
		u.Email = *req.Email
	}

	if req.Password != nil {
		s.passwords[u.Email] = *req.Password
	}

	writeJSON(w, http.StatusOK, *u)
}

func (s *Server) handleAllUsers(w http.ResponseWriter, _ *http.Request, uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.User{}
	for _, u := range s.users {
		if u.ID != uid {
			out = append(out, u)
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, uid int64) {
	q := strings.ToLower(r.URL.Query().Get("query"))

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.User{}
	for _, u := range s.users {
		if u.ID == uid {
			continue
		}

		name := ""
		if u.FullName != nil {
			name = strings.ToLower(*u.FullName)
		}

		if strings.Contains(strings.ToLower(u.Email), q) || strings.Contains(name, q) {
			out = append(out, u)
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConversations(w http.ResponseWriter, _ *http.Request, uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Conversation{}
	for _, c := range s.convs {
		if s.isMemberLocked(c.ID, uid) {
			out = append(out, s.conversationViewLocked(c))
		}
	}

	writeJSON(w, http.StatusOK, out)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request, uid int64) {
	id, ok := pathID(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.convs {
		if c.ID == id && s.isMemberLocked(id, uid) {
			writeJSON(w, http.StatusOK, s.conversationViewLocked(c))
			return
		}
	}

	writeDetail(w, http.StatusNotFound, "Conversation not found")
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request, uid int64) {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.userLocked(req.UserID); !ok || req.UserID == uid {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}

	for _, c := range s.convs {
		m := s.members[c.ID]
		if !c.IsGroup && len(m) == 2 && slices.Contains(m, uid) && slices.Contains(m, req.UserID) {
			writeJSON(w, http.StatusOK, s.conversationViewLocked(c))
			return
		}
	}

	c := s.addConversationLocked("", uid, req.UserID)
	writeJSON(w, http.StatusOK, s.conversationViewLocked(c))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, uid int64) {
	id, ok := pathID(r)
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid id")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}

		limit = n
	}

	var before int64
	if v := r.URL.Query().Get("before_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, "invalid before_id")
			return
		}

		before = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []models.Message{}
	if s.isMemberLocked(id, uid) {
		for _, m := range s.messages[id] {
			if before == 0 || m.ID < before {
				out = append(out, m)
			}
		}
	}

	if len(out) > limit {
		out = out[len(out)-limit:]
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	uid, ok := userFromToken(r.URL.Query().Get("token"))

	s.mu.Lock()
	reject := s.rejectWS
	s.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	if !ok || reject {
		c.Close(websocket.StatusPolicyViolation, "invalid token")
		return
	}

	s.mu.Lock()
	s.sockets[uid] = append(s.sockets[uid], c)
	s.mu.Unlock()

	defer s.unregister(uid, c)

	ctx := r.Context()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		s.receive(uid, data)
	}
}

// receive handles a client frame. message.new envelopes are stored and
// fanned out; anything else is echoed back as plain text.
func (s *Server) receive(uid int64, data []byte) {
	frame := gjson.ParseBytes(data)
	if frame.Get("type").String() != models.EventMessageNew {
		s.mu.Lock()
		conns := slices.Clone(s.sockets[uid])
		s.mu.Unlock()

		for _, c := range conns {
			c.Write(context.Background(), websocket.MessageText, fmt.Appendf(nil, "You wrote: %s", data))
		}

		return
	}

	convID := frame.Get("payload.conversation_id").Int()
	content := frame.Get("payload.content").String()

	s.mu.Lock()
	member := s.isMemberLocked(convID, uid)
	s.mu.Unlock()

	if member && strings.TrimSpace(content) != "" {
		s.Post(convID, uid, content)
	}
}

func (s *Server) unregister(uid int64, c *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sockets[uid] = slices.DeleteFunc(s.sockets[uid], func(x *websocket.Conn) bool { return x == c })
	c.CloseNow()
}
