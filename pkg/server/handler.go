package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatboxd/pkg/auth"
	"chatboxd/pkg/model"
	"chatboxd/pkg/protocol"
)

// Connection lifecycle states. Transitions are one-way:
// unauthenticated -> authenticated -> closed.
const (
	stateUnauthenticated int32 = iota
	stateAuthenticated
	stateClosed
)

const (
	// Capacity of the per-connection outbound queue. Router pushes that find
	// it full are dropped; the client recovers via snapshot requests.
	sendQueueSize = 64

	// How long the writer waits to flush queued envelopes during teardown.
	drainTimeout = 2 * time.Second

	// Per-envelope write deadline in steady state. A client that stops
	// reading loses its connection instead of pinning the writer goroutine.
	writeTimeout = 10 * time.Second
)

// ClientHandler owns a single client connection: the auth handshake, the
// request dispatch loop, and the outbound write pump. The reader goroutine is
// the only one that reads from the connection; the writer goroutine is the
// only one that writes. Everything the router wants delivered goes through
// the outbound queue.
type ClientHandler struct {
	conn     net.Conn
	auth     *auth.Service
	router   *Router
	registry *Registry
	metrics  *Metrics
	log      *slog.Logger

	state   atomic.Int32
	session atomic.Pointer[model.Session]

	queue     chan *protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once

	writeTimeout time.Duration
}

func NewClientHandler(conn net.Conn, authSvc *auth.Service, router *Router, registry *Registry, metrics *Metrics) *ClientHandler {
	return &ClientHandler{
		conn:     conn,
		auth:     authSvc,
		router:   router,
		registry: registry,
		metrics:  metrics,
		log:      slog.With("remote", conn.RemoteAddr().String()),
		queue:    make(chan *protocol.Envelope, sendQueueSize),
		done:     make(chan struct{}),

		writeTimeout: writeTimeout,
	}
}

// Run drives the connection until it closes. It blocks; callers run it in
// its own goroutine.
func (h *ClientHandler) Run() {
	defer h.close()
	go h.writeLoop()

	if !h.authLoop() {
		return
	}
	h.dispatchLoop()
}

// close tears the session down exactly once: marks the state closed, frees
// the registry slot and the live-session marker, and signals the writer to
// drain and close the socket. Safe to call from any goroutine.
func (h *ClientHandler) close() {
	h.closeOnce.Do(func() {
		h.state.Store(stateClosed)
		if sess := h.session.Load(); sess != nil {
			h.registry.Deregister(sess.UserID, h)
			h.auth.Logout(sess.UserID)
			h.log.Info("session closed", "user", sess.Username)
		}
		h.metrics.ActiveConnections.Add(-1)
		h.metrics.TotalDisconnects.Add(1)
		close(h.done)
	})
}

// writeLoop is the connection's single writer. On shutdown it drains whatever
// is already queued under a deadline, then closes the socket, which also
// unblocks a reader stuck in ReadEnvelope.
func (h *ClientHandler) writeLoop() {
	defer h.conn.Close()
	for {
		select {
		case env := <-h.queue:
			_ = h.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := protocol.WriteEnvelope(h.conn, env); err != nil {
				if !isClosedErr(err) {
					h.log.Warn("write failed", "err", err)
				}
				h.close()
				return
			}
		case <-h.done:
			h.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
			for {
				select {
				case env := <-h.queue:
					if protocol.WriteEnvelope(h.conn, env) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// send enqueues a direct response to this client. It blocks until the writer
// accepts it or the session closes; request handling is sequential per
// connection so this cannot deadlock.
func (h *ClientHandler) send(env *protocol.Envelope) {
	select {
	case h.queue <- env:
	case <-h.done:
	}
}

// push enqueues a router-originated update without blocking. A full queue
// means the client is too slow to keep up; the update is dropped and the
// client resynchronizes through its next snapshot request.
func (h *ClientHandler) push(env *protocol.Envelope) {
	select {
	case h.queue <- env:
		h.metrics.FanoutDelivered.Add(1)
	case <-h.done:
	default:
		h.metrics.FanoutDropped.Add(1)
		h.log.Warn("outbound queue full, dropping update")
	}
}

func (h *ClientHandler) notify(format string, args ...any) {
	h.send(&protocol.Envelope{Notification: &protocol.Notification{Text: fmt.Sprintf(format, args...)}})
}

// PushChatBoxUpdate converts the chatbox to this client's view and enqueues
// it. Admins see hidden messages; regular users do not. Called by the router
// while it holds the chatbox lock, so the conversion must not block.
func (h *ClientHandler) PushChatBoxUpdate(cb *model.ChatBox) {
	sess := h.session.Load()
	if sess == nil {
		return
	}
	info := buildChatBoxInfo(cb, sess.Role == model.RoleAdmin)
	h.push(&protocol.Envelope{ChatBoxUpdate: &protocol.ChatBoxUpdate{ChatBox: info}})
}

// authLoop reads envelopes until the client authenticates or the connection
// dies. Only Login and Ping are honored before authentication.
func (h *ClientHandler) authLoop() bool {
	for {
		env, err := protocol.ReadEnvelope(h.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				h.log.Debug("read failed before auth", "err", err)
			}
			return false
		}

		switch {
		case env.Login != nil:
			if h.handleLogin(env.Login) {
				return true
			}
		case env.Ping != nil:
			h.send(&protocol.Envelope{Pong: &protocol.Pong{Timestamp: env.Ping.Timestamp}})
		case env.CreateUser != nil:
			// Registration is reachable without a session but always denied:
			// only a logged-in admin may create users.
			h.notify("permission denied")
		default:
			h.notify("authentication required")
		}
	}
}

func (h *ClientHandler) handleLogin(req *protocol.Login) bool {
	user, err := h.auth.ValidateCredentials(req.Username, req.Password)
	if err != nil {
		h.log.Error("credential validation failed", "err", err)
		h.send(&protocol.Envelope{LoginResponse: &protocol.LoginResponse{}})
		return false
	}
	if user == nil {
		h.metrics.FailedAuths.Add(1)
		h.log.Info("login rejected", "username", req.Username)
		h.send(&protocol.Envelope{LoginResponse: &protocol.LoginResponse{}})
		return false
	}

	if err := h.auth.MarkLoggedIn(user.ID); err != nil {
		h.metrics.FailedAuths.Add(1)
		h.log.Info("login rejected, session exists", "username", req.Username)
		h.send(&protocol.Envelope{LoginResponse: &protocol.LoginResponse{}})
		return false
	}
	if err := h.registry.Register(user.ID, h); err != nil {
		h.auth.Logout(user.ID)
		h.metrics.FailedAuths.Add(1)
		h.send(&protocol.Envelope{LoginResponse: &protocol.LoginResponse{}})
		return false
	}

	sess := &model.Session{UserID: user.ID, Username: user.Username, Role: user.Role}
	h.session.Store(sess)
	// The writer can run close() while the login is still in flight. close()
	// releases only what it can see, so the authenticated transition must be
	// a CAS: if the session is already closed, undo the registration here or
	// the user stays locked out forever.
	if !h.state.CompareAndSwap(stateUnauthenticated, stateAuthenticated) {
		h.registry.Deregister(user.ID, h)
		h.auth.Logout(user.ID)
		return false
	}
	h.metrics.SuccessfulAuths.Add(1)
	h.log.Info("login accepted", "user", user.Username, "role", user.Role)

	overviews := h.router.OverviewsFor(user.ID)
	infos := make([]protocol.ChatBoxInfo, 0, len(overviews))
	for _, cb := range overviews {
		infos = append(infos, buildChatBoxInfo(cb, sess.Role == model.RoleAdmin))
	}
	h.send(&protocol.Envelope{LoginResponse: &protocol.LoginResponse{
		User:      buildUserInfo(user),
		ChatBoxes: infos,
	}})
	return true
}

// dispatchLoop handles authenticated traffic until logout or disconnect.
func (h *ClientHandler) dispatchLoop() {
	for h.state.Load() == stateAuthenticated {
		env, err := protocol.ReadEnvelope(h.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedErr(err) {
				h.log.Debug("read failed", "err", err)
			}
			return
		}
		h.dispatch(env)
	}
}

func (h *ClientHandler) dispatch(env *protocol.Envelope) {
	sess := h.session.Load()
	switch {
	case env.SendMessage != nil:
		h.handleSendMessage(sess, env.SendMessage)
	case env.BroadcastMessage != nil:
		h.handleBroadcast(sess, env.BroadcastMessage)
	case env.AskChatBox != nil:
		h.handleAskChatBox(sess, env.AskChatBox)
	case env.AskUserList != nil:
		h.handleAskUserList()
	case env.AskChatBoxList != nil:
		h.handleAskChatBoxList(sess)
	case env.AskPrivateChatBox != nil:
		h.handleAskPrivateChatBox(sess)
	case env.CreateChatBox != nil:
		h.handleCreateChatBox(sess, env.CreateChatBox)
	case env.AddParticipant != nil:
		h.handleAddParticipant(sess, env.AddParticipant)
	case env.RemoveParticipant != nil:
		h.handleRemoveParticipant(sess, env.RemoveParticipant)
	case env.CreateUser != nil:
		h.handleCreateUser(sess, env.CreateUser)
	case env.HideMessage != nil:
		h.handleHideMessage(sess, env.HideMessage)
	case env.HideChatBox != nil:
		h.handleHideChatBox(sess, env.HideChatBox, true)
	case env.UnhideChatBox != nil:
		h.handleHideChatBox(sess, &protocol.HideChatBox{ChatBoxID: env.UnhideChatBox.ChatBoxID}, false)
	case env.Logout != nil:
		h.send(&protocol.Envelope{LogoutResponse: &protocol.LogoutResponse{}})
		h.state.Store(stateClosed)
	case env.Ping != nil:
		h.send(&protocol.Envelope{Pong: &protocol.Pong{Timestamp: env.Ping.Timestamp}})
	case env.Login != nil:
		h.notify("already authenticated")
	default:
		h.notify("unsupported request")
	}
}

func (h *ClientHandler) handleSendMessage(sess *model.Session, req *protocol.SendMessage) {
	content := sanitizeText(req.Content)
	if err := model.ValidateMessageContent(content); err != nil {
		h.notify("message rejected: %v", err)
		return
	}

	if err := h.router.SendMessage(req.ChatBoxID, sess.UserID, content); err != nil {
		h.routerError(err)
	}
}

func (h *ClientHandler) handleBroadcast(sess *model.Session, req *protocol.BroadcastMessage) {
	if sess.Role != model.RoleAdmin {
		h.notify("permission denied")
		return
	}
	content := sanitizeText(req.Content)
	if err := model.ValidateMessageContent(content); err != nil {
		h.notify("message rejected: %v", err)
		return
	}
	if err := h.router.Broadcast(sess.UserID, content); err != nil {
		h.routerError(err)
	}
}

func (h *ClientHandler) handleAskChatBox(sess *model.Session, req *protocol.AskChatBox) {
	admin := sess.Role == model.RoleAdmin
	snap, err := h.router.Snapshot(req.ChatBoxID, admin)
	if err != nil {
		h.routerError(err)
		return
	}
	if !admin && !snap.HasParticipant(sess.UserID) {
		h.notify("not a participant of chatbox %d", req.ChatBoxID)
		return
	}
	h.send(&protocol.Envelope{ChatBoxSnapshot: &protocol.ChatBoxSnapshot{
		ChatBox: buildChatBoxInfo(snap, admin),
	}})
}

func (h *ClientHandler) handleAskUserList() {
	users, err := h.auth.Users()
	if err != nil {
		h.log.Error("user list failed", "err", err)
		h.notify("user list unavailable")
		return
	}
	infos := make([]protocol.UserInfo, 0, len(users))
	for i := range users {
		infos = append(infos, *buildUserInfo(&users[i]))
	}
	h.send(&protocol.Envelope{UserListSnapshot: &protocol.UserListSnapshot{Users: infos}})
}

func (h *ClientHandler) handleAskChatBoxList(sess *model.Session) {
	var boxes []*model.ChatBox
	admin := sess.Role == model.RoleAdmin
	if admin {
		boxes = h.router.Overviews()
	} else {
		boxes = h.router.OverviewsFor(sess.UserID)
	}
	infos := make([]protocol.ChatBoxInfo, 0, len(boxes))
	for _, cb := range boxes {
		infos = append(infos, buildChatBoxInfo(cb, admin))
	}
	h.send(&protocol.Envelope{ChatBoxListSnapshot: &protocol.ChatBoxListSnapshot{ChatBoxes: infos}})
}

func (h *ClientHandler) handleAskPrivateChatBox(sess *model.Session) {
	id, err := h.router.GetOrCreatePrivateChatBox(sess.UserID)
	if err != nil {
		h.routerError(err)
		return
	}
	snap, err := h.router.Snapshot(id, sess.Role == model.RoleAdmin)
	if err != nil {
		h.routerError(err)
		return
	}
	h.send(&protocol.Envelope{ChatBoxSnapshot: &protocol.ChatBoxSnapshot{
		ChatBox: buildChatBoxInfo(snap, sess.Role == model.RoleAdmin),
	}})
}

func (h *ClientHandler) handleCreateChatBox(sess *model.Session, req *protocol.CreateChatBox) {
	cb, err := h.router.CreateChatBox(sanitizeText(req.Name), sess.UserID, req.ParticipantIDs)
	if err != nil {
		h.routerError(err)
		return
	}
	h.log.Info("chatbox created by client", "user", sess.Username, "chatbox", cb.ID)
}

func (h *ClientHandler) handleAddParticipant(sess *model.Session, req *protocol.AddParticipant) {
	if sess.Role != model.RoleAdmin {
		snap, err := h.router.Snapshot(req.ChatBoxID, false)
		if err != nil {
			h.routerError(err)
			return
		}
		if !snap.HasParticipant(sess.UserID) {
			h.notify("not a participant of chatbox %d", req.ChatBoxID)
			return
		}
	}
	if err := h.router.AddParticipant(req.ChatBoxID, req.UserID); err != nil {
		h.routerError(err)
	}
}

func (h *ClientHandler) handleRemoveParticipant(sess *model.Session, req *protocol.RemoveParticipant) {
	if sess.Role != model.RoleAdmin && req.UserID != sess.UserID {
		h.notify("permission denied")
		return
	}
	if err := h.router.RemoveParticipant(req.ChatBoxID, req.UserID); err != nil {
		h.routerError(err)
	}
}

func (h *ClientHandler) handleCreateUser(sess *model.Session, req *protocol.CreateUser) {
	if sess.Role != model.RoleAdmin {
		h.notify("permission denied")
		return
	}
	user, err := h.auth.RegisterUser(req.Username, req.Password, model.RoleUser)
	if errors.Is(err, auth.ErrUsernameTaken) {
		h.notify("username %q is taken", req.Username)
		return
	}
	if err != nil {
		h.log.Error("user registration failed", "err", err)
		h.notify("user registration failed")
		return
	}
	h.metrics.UsersRegistered.Add(1)
	h.log.Info("user registered", "user", user.Username, "by", sess.Username)
	h.notify("user %q created", user.Username)
}

func (h *ClientHandler) handleHideMessage(sess *model.Session, req *protocol.HideMessage) {
	if sess.Role != model.RoleAdmin {
		h.notify("permission denied")
		return
	}
	if err := h.router.HideMessage(req.ChatBoxID, req.MessageID); err != nil {
		h.routerError(err)
	}
}

func (h *ClientHandler) handleHideChatBox(sess *model.Session, req *protocol.HideChatBox, hidden bool) {
	if sess.Role != model.RoleAdmin {
		h.notify("permission denied")
		return
	}
	var err error
	if hidden {
		err = h.router.HideChatBox(req.ChatBoxID)
	} else {
		err = h.router.UnhideChatBox(req.ChatBoxID)
	}
	if err != nil {
		h.routerError(err)
	}
}

// routerError maps router failures onto client notifications. Persistence
// failures are surfaced but not fatal; the in-memory state already advanced.
func (h *ClientHandler) routerError(err error) {
	switch {
	case errors.Is(err, ErrPersistence):
		h.notify("warning: change applied but not persisted")
	case errors.Is(err, ErrChatBoxNotFound):
		h.notify("chatbox not found")
	case errors.Is(err, ErrUserNotFound):
		h.notify("user not found")
	case errors.Is(err, ErrMessageNotFound):
		h.notify("message not found")
	case errors.Is(err, ErrAlreadyParticipant):
		h.notify("user is already a participant")
	case errors.Is(err, ErrNotParticipant):
		h.notify("user is not a participant")
	default:
		h.log.Error("request failed", "err", err)
		h.notify("request failed")
	}
}

func buildUserInfo(u *model.User) *protocol.UserInfo {
	return &protocol.UserInfo{ID: u.ID, Username: u.Username, Role: u.Role.String()}
}

// buildChatBoxInfo converts a chatbox to its wire view. Hidden messages are
// included only for privileged viewers; the hidden flag on included messages
// lets privileged clients render them distinctly.
func buildChatBoxInfo(cb *model.ChatBox, includeHidden bool) protocol.ChatBoxInfo {
	info := protocol.ChatBoxInfo{
		ID:           cb.ID,
		Name:         cb.Name,
		Participants: append([]int64(nil), cb.Participants...),
		Hidden:       cb.Hidden,
	}
	for _, msg := range cb.Messages {
		if msg.Hidden && !includeHidden {
			continue
		}
		info.Messages = append(info.Messages, protocol.MessageInfo{
			ID:        msg.ID,
			SenderID:  msg.SenderID,
			Content:   msg.Content,
			Timestamp: msg.CreatedAt.Unix(),
			Hidden:    msg.Hidden,
		})
	}
	return info
}

// sanitizeText trims surrounding whitespace and strips control characters
// that would corrupt terminal rendering. Newlines and tabs survive.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\t' {
			return -1
		}
		if r == 0x7f {
			return -1
		}
		return r
	}, s)
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection")
}
