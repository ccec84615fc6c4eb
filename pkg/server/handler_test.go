package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatboxd/pkg/auth"
	"chatboxd/pkg/boxstore"
	"chatboxd/pkg/model"
	"chatboxd/pkg/protocol"
	"chatboxd/pkg/server"
	"chatboxd/pkg/store"
)

const readTimeout = 2 * time.Second

// sessionFixture wires the full server side: auth service, router, registry,
// and metrics over in-memory stores. Clients attach over net.Pipe.
type sessionFixture struct {
	users    *store.MemoryStore
	auth     *auth.Service
	registry *server.Registry
	metrics  *server.Metrics
	router   *server.Router
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		users:    store.NewMemory(),
		registry: server.NewRegistry(),
		metrics:  server.NewMetrics(),
	}
	f.auth = auth.NewService(f.users)
	f.router = server.NewRouter(boxstore.NewMemory(), f.users, f.registry, f.metrics)
	return f
}

func (f *sessionFixture) register(t *testing.T, username, password string, role model.Role) *model.User {
	t.Helper()
	u, err := f.auth.RegisterUser(username, password, role)
	require.NoError(t, err)
	return u
}

// connect attaches a new client connection with its own session handler.
func (f *sessionFixture) connect(t *testing.T) net.Conn {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	h := server.NewClientHandler(serverConn, f.auth, f.router, f.registry, f.metrics)
	go h.Run()
	t.Cleanup(func() { _ = clientConn.Close() })
	return clientConn
}

func sendEnv(t *testing.T, conn net.Conn, env *protocol.Envelope) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(readTimeout)))
	require.NoError(t, protocol.WriteEnvelope(conn, env))
}

func readEnv(t *testing.T, conn net.Conn) *protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	env, err := protocol.ReadEnvelope(conn)
	require.NoError(t, err)
	return env
}

// readUpdate reads envelopes until a chatbox update arrives, skipping
// notifications pushed in between.
func readUpdate(t *testing.T, conn net.Conn) *protocol.ChatBoxUpdate {
	t.Helper()
	for i := 0; i < 10; i++ {
		env := readEnv(t, conn)
		if env.ChatBoxUpdate != nil {
			return env.ChatBoxUpdate
		}
	}
	t.Fatal("no chatbox update received")
	return nil
}

func login(t *testing.T, conn net.Conn, username, password string) *protocol.LoginResponse {
	t.Helper()
	sendEnv(t, conn, &protocol.Envelope{Login: &protocol.Login{Username: username, Password: password}})
	env := readEnv(t, conn)
	require.NotNil(t, env.LoginResponse, "expected a login response")
	return env.LoginResponse
}

func TestLoginLogout(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.register(t, "alice", "secret", model.RoleUser)

	conn := f.connect(t)
	resp := login(t, conn, "alice", "secret")
	req.NotNil(resp.User)
	req.Equal("alice", resp.User.Username)
	req.Equal("user", resp.User.Role)
	req.Equal(1, f.registry.Count())

	sendEnv(t, conn, &protocol.Envelope{Logout: &protocol.Logout{}})
	env := readEnv(t, conn)
	req.NotNil(env.LogoutResponse)

	req.Eventually(func() bool { return f.registry.Count() == 0 },
		readTimeout, 10*time.Millisecond)
	req.False(f.auth.LoggedIn(resp.User.ID))
}

func TestLoginWrongPassword(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.register(t, "alice", "secret", model.RoleUser)

	conn := f.connect(t)
	resp := login(t, conn, "alice", "wrong")
	req.Nil(resp.User)
	req.Equal(0, f.registry.Count())
	req.Equal(int64(1), f.metrics.FailedAuths.Load())

	// The connection survives a failed attempt; a correct retry succeeds.
	resp = login(t, conn, "alice", "secret")
	req.NotNil(resp.User)
}

func TestLoginUnknownUser(t *testing.T) {
	f := newSessionFixture(t)
	conn := f.connect(t)
	resp := login(t, conn, "ghost", "boo")
	require.Nil(t, resp.User)
}

func TestPreAuthRequestsRejected(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	conn := f.connect(t)

	sendEnv(t, conn, &protocol.Envelope{SendMessage: &protocol.SendMessage{ChatBoxID: 1, Content: "hi"}})
	env := readEnv(t, conn)
	req.NotNil(env.Notification)

	// Ping is the one request honored before login.
	sendEnv(t, conn, &protocol.Envelope{Ping: &protocol.Ping{Timestamp: 42}})
	env = readEnv(t, conn)
	req.NotNil(env.Pong)
	req.Equal(int64(42), env.Pong.Timestamp)
}

func TestPreAuthCreateUserDenied(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	conn := f.connect(t)

	// Registration is reachable without a session but never permitted.
	sendEnv(t, conn, &protocol.Envelope{CreateUser: &protocol.CreateUser{Username: "mallory", Password: "pw"}})
	env := readEnv(t, conn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "permission denied")

	all, err := f.users.ListUsers()
	req.NoError(err)
	req.Empty(all)
}

func TestDuplicateLoginRejected(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.register(t, "alice", "secret", model.RoleUser)

	conn1 := f.connect(t)
	resp := login(t, conn1, "alice", "secret")
	req.NotNil(resp.User)

	conn2 := f.connect(t)
	resp2 := login(t, conn2, "alice", "secret")
	req.Nil(resp2.User)
	req.Equal(1, f.registry.Count())
}

func TestDisconnectFreesSession(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.register(t, "alice", "secret", model.RoleUser)

	conn := f.connect(t)
	resp := login(t, conn, "alice", "secret")
	req.NotNil(resp.User)

	req.NoError(conn.Close())
	req.Eventually(func() bool { return f.registry.Count() == 0 },
		readTimeout, 10*time.Millisecond)

	// The user can log back in on a fresh connection.
	conn2 := f.connect(t)
	resp2 := login(t, conn2, "alice", "secret")
	req.NotNil(resp2.User)
}

func TestChatFlow(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	alice := f.register(t, "alice", "pw", model.RoleUser)
	bob := f.register(t, "bob", "pw", model.RoleUser)

	aliceConn := f.connect(t)
	bobConn := f.connect(t)
	login(t, aliceConn, "alice", "pw")
	login(t, bobConn, "bob", "pw")

	sendEnv(t, aliceConn, &protocol.Envelope{CreateChatBox: &protocol.CreateChatBox{
		Name:           "general",
		ParticipantIDs: []int64{bob.ID},
	}})

	aliceUpdate := readUpdate(t, aliceConn)
	bobUpdate := readUpdate(t, bobConn)
	req.Equal(aliceUpdate.ChatBox.ID, bobUpdate.ChatBox.ID)
	req.ElementsMatch([]int64{alice.ID, bob.ID}, bobUpdate.ChatBox.Participants)
	boxID := aliceUpdate.ChatBox.ID

	sendEnv(t, aliceConn, &protocol.Envelope{SendMessage: &protocol.SendMessage{
		ChatBoxID: boxID,
		Content:   "hello",
	}})

	bobUpdate = readUpdate(t, bobConn)
	req.Len(bobUpdate.ChatBox.Messages, 1)
	req.Equal("hello", bobUpdate.ChatBox.Messages[0].Content)
	req.Equal(alice.ID, bobUpdate.ChatBox.Messages[0].SenderID)
	readUpdate(t, aliceConn) // sender sees their own message too

	// Bob drops off; alice keeps chatting without errors.
	req.NoError(bobConn.Close())
	req.Eventually(func() bool { return f.registry.Count() == 1 },
		readTimeout, 10*time.Millisecond)

	sendEnv(t, aliceConn, &protocol.Envelope{SendMessage: &protocol.SendMessage{
		ChatBoxID: boxID,
		Content:   "still there?",
	}})
	aliceUpdate = readUpdate(t, aliceConn)
	req.Len(aliceUpdate.ChatBox.Messages, 2)

	// Bob reconnects and finds the chatbox in his login snapshot.
	bobConn2 := f.connect(t)
	resp := login(t, bobConn2, "bob", "pw")
	req.Len(resp.ChatBoxes, 1)
	req.Equal(boxID, resp.ChatBoxes[0].ID)
}

func TestCreateUserAdminOnly(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.register(t, "admin", "pw", model.RoleAdmin)
	f.register(t, "alice", "pw", model.RoleUser)

	aliceConn := f.connect(t)
	login(t, aliceConn, "alice", "pw")
	sendEnv(t, aliceConn, &protocol.Envelope{CreateUser: &protocol.CreateUser{Username: "mallory", Password: "pw"}})
	env := readEnv(t, aliceConn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "permission denied")

	adminConn := f.connect(t)
	login(t, adminConn, "admin", "pw")
	sendEnv(t, adminConn, &protocol.Envelope{CreateUser: &protocol.CreateUser{Username: "carol", Password: "pw"}})
	env = readEnv(t, adminConn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "created")

	carolConn := f.connect(t)
	resp := login(t, carolConn, "carol", "pw")
	req.NotNil(resp.User)

	// Duplicate usernames are reported, not fatal.
	sendEnv(t, adminConn, &protocol.Envelope{CreateUser: &protocol.CreateUser{Username: "carol", Password: "pw"}})
	env = readEnv(t, adminConn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "taken")
}

func TestHideMessageAdminOnly(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	f.register(t, "admin", "pw", model.RoleAdmin)
	f.register(t, "alice", "pw", model.RoleUser)

	aliceConn := f.connect(t)
	login(t, aliceConn, "alice", "pw")

	sendEnv(t, aliceConn, &protocol.Envelope{CreateChatBox: &protocol.CreateChatBox{Name: "general"}})
	boxID := readUpdate(t, aliceConn).ChatBox.ID
	sendEnv(t, aliceConn, &protocol.Envelope{SendMessage: &protocol.SendMessage{ChatBoxID: boxID, Content: "spam"}})
	msgID := readUpdate(t, aliceConn).ChatBox.Messages[0].ID

	sendEnv(t, aliceConn, &protocol.Envelope{HideMessage: &protocol.HideMessage{ChatBoxID: boxID, MessageID: msgID}})
	env := readEnv(t, aliceConn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "permission denied")

	adminConn := f.connect(t)
	login(t, adminConn, "admin", "pw")
	sendEnv(t, adminConn, &protocol.Envelope{HideMessage: &protocol.HideMessage{ChatBoxID: boxID, MessageID: msgID}})

	// Alice sees the chatbox without the hidden message.
	update := readUpdate(t, aliceConn)
	req.Empty(update.ChatBox.Messages)

	sendEnv(t, aliceConn, &protocol.Envelope{AskChatBox: &protocol.AskChatBox{ChatBoxID: boxID}})
	snap := readEnv(t, aliceConn)
	req.NotNil(snap.ChatBoxSnapshot)
	req.Empty(snap.ChatBoxSnapshot.ChatBox.Messages)

	// The admin view keeps the message, flagged hidden.
	sendEnv(t, adminConn, &protocol.Envelope{AskChatBox: &protocol.AskChatBox{ChatBoxID: boxID}})
	adminSnap := readEnv(t, adminConn)
	req.NotNil(adminSnap.ChatBoxSnapshot)
	req.Len(adminSnap.ChatBoxSnapshot.ChatBox.Messages, 1)
	req.True(adminSnap.ChatBoxSnapshot.ChatBox.Messages[0].Hidden)
}

func TestBroadcastAdminOnly(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	admin := f.register(t, "admin", "pw", model.RoleAdmin)
	f.register(t, "alice", "pw", model.RoleUser)

	aliceConn := f.connect(t)
	login(t, aliceConn, "alice", "pw")
	sendEnv(t, aliceConn, &protocol.Envelope{CreateChatBox: &protocol.CreateChatBox{Name: "general"}})
	readUpdate(t, aliceConn)

	sendEnv(t, aliceConn, &protocol.Envelope{BroadcastMessage: &protocol.BroadcastMessage{Content: "hi all"}})
	env := readEnv(t, aliceConn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "permission denied")

	adminConn := f.connect(t)
	login(t, adminConn, "admin", "pw")
	sendEnv(t, adminConn, &protocol.Envelope{BroadcastMessage: &protocol.BroadcastMessage{Content: "maintenance at noon"}})

	update := readUpdate(t, aliceConn)
	req.Len(update.ChatBox.Messages, 1)
	req.Equal("maintenance at noon", update.ChatBox.Messages[0].Content)
	req.Equal(admin.ID, update.ChatBox.Messages[0].SenderID)
}

func TestSnapshotsAndLists(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	alice := f.register(t, "alice", "pw", model.RoleUser)
	f.register(t, "bob", "pw", model.RoleUser)

	conn := f.connect(t)
	login(t, conn, "alice", "pw")

	sendEnv(t, conn, &protocol.Envelope{AskUserList: &protocol.AskUserList{}})
	env := readEnv(t, conn)
	req.NotNil(env.UserListSnapshot)
	req.Len(env.UserListSnapshot.Users, 2)

	sendEnv(t, conn, &protocol.Envelope{AskPrivateChatBox: &protocol.AskPrivateChatBox{}})
	env = readEnv(t, conn)
	req.NotNil(env.ChatBoxSnapshot)
	req.Equal([]int64{alice.ID}, env.ChatBoxSnapshot.ChatBox.Participants)

	sendEnv(t, conn, &protocol.Envelope{AskChatBoxList: &protocol.AskChatBoxList{}})
	env = readEnv(t, conn)
	req.NotNil(env.ChatBoxListSnapshot)
	req.Len(env.ChatBoxListSnapshot.ChatBoxes, 1)
}

func TestRemoveParticipantFinalUpdate(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	alice := f.register(t, "alice", "pw", model.RoleUser)
	bob := f.register(t, "bob", "pw", model.RoleUser)

	aliceConn := f.connect(t)
	bobConn := f.connect(t)
	login(t, aliceConn, "alice", "pw")
	login(t, bobConn, "bob", "pw")

	sendEnv(t, aliceConn, &protocol.Envelope{CreateChatBox: &protocol.CreateChatBox{
		Name:           "general",
		ParticipantIDs: []int64{bob.ID},
	}})
	boxID := readUpdate(t, aliceConn).ChatBox.ID
	readUpdate(t, bobConn)

	// Bob leaves on his own; self-removal needs no admin role.
	sendEnv(t, bobConn, &protocol.Envelope{RemoveParticipant: &protocol.RemoveParticipant{
		ChatBoxID: boxID,
		UserID:    bob.ID,
	}})

	// Bob's final update marks the chatbox hidden for him.
	bobUpdate := readUpdate(t, bobConn)
	req.True(bobUpdate.ChatBox.Hidden)
	req.NotContains(bobUpdate.ChatBox.Participants, bob.ID)

	// Bob cannot remove someone else.
	sendEnv(t, bobConn, &protocol.Envelope{RemoveParticipant: &protocol.RemoveParticipant{
		ChatBoxID: boxID,
		UserID:    alice.ID,
	}})
	env := readEnv(t, bobConn)
	req.NotNil(env.Notification)
	req.Contains(env.Notification.Text, "permission denied")
}

func TestMessageValidationAndSanitization(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t)
	alice := f.register(t, "alice", "pw", model.RoleUser)

	conn := f.connect(t)
	login(t, conn, "alice", "pw")

	sendEnv(t, conn, &protocol.Envelope{CreateChatBox: &protocol.CreateChatBox{Name: "x"}})
	boxID := readUpdate(t, conn).ChatBox.ID

	// Empty after trimming is rejected with a notification, not a disconnect.
	sendEnv(t, conn, &protocol.Envelope{SendMessage: &protocol.SendMessage{ChatBoxID: boxID, Content: "   "}})
	env := readEnv(t, conn)
	req.NotNil(env.Notification)

	// Control characters are stripped, newlines survive.
	sendEnv(t, conn, &protocol.Envelope{SendMessage: &protocol.SendMessage{ChatBoxID: boxID, Content: "a\x00b\nc"}})
	update := readUpdate(t, conn)
	req.Equal("ab\nc", update.ChatBox.Messages[0].Content)
	req.Equal(alice.ID, update.ChatBox.Messages[0].SenderID)
}
