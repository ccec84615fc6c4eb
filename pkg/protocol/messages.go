package protocol

import "encoding/json"

// Envelope wraps every message exchanged between client and server. Exactly
// one field is set per envelope; the dispatch switch in the session handler
// matches on the populated field.
type Envelope struct {
	Login               *Login               `json:"login,omitempty"`
	LoginResponse       *LoginResponse       `json:"login_response,omitempty"`
	CreateUser          *CreateUser          `json:"create_user,omitempty"`
	Logout              *Logout              `json:"logout,omitempty"`
	LogoutResponse      *LogoutResponse      `json:"logout_response,omitempty"`
	SendMessage         *SendMessage         `json:"send_message,omitempty"`
	BroadcastMessage    *BroadcastMessage    `json:"broadcast_message,omitempty"`
	ChatBoxUpdate       *ChatBoxUpdate       `json:"chatbox_update,omitempty"`
	AskChatBox          *AskChatBox          `json:"ask_chatbox,omitempty"`
	ChatBoxSnapshot     *ChatBoxSnapshot     `json:"chatbox_snapshot,omitempty"`
	AskUserList         *AskUserList         `json:"ask_user_list,omitempty"`
	UserListSnapshot    *UserListSnapshot    `json:"user_list_snapshot,omitempty"`
	AskChatBoxList      *AskChatBoxList      `json:"ask_chatbox_list,omitempty"`
	ChatBoxListSnapshot *ChatBoxListSnapshot `json:"chatbox_list_snapshot,omitempty"`
	CreateChatBox       *CreateChatBox       `json:"create_chatbox,omitempty"`
	AddParticipant      *AddParticipant      `json:"add_participant,omitempty"`
	RemoveParticipant   *RemoveParticipant   `json:"remove_participant,omitempty"`
	HideMessage         *HideMessage         `json:"hide_message,omitempty"`
	HideChatBox         *HideChatBox         `json:"hide_chatbox,omitempty"`
	UnhideChatBox       *UnhideChatBox       `json:"unhide_chatbox,omitempty"`
	AskPrivateChatBox   *AskPrivateChatBox   `json:"ask_private_chatbox,omitempty"`
	Notification        *Notification        `json:"notification,omitempty"`
	Ping                *Ping                `json:"ping,omitempty"`
	Pong                *Pong                `json:"pong,omitempty"`
}

func (e *Envelope) marshal() ([]byte, error)    { return json.Marshal(e) }
func (e *Envelope) unmarshal(data []byte) error { return json.Unmarshal(data, e) }

// ----- Auth -----

type Login struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the authenticated user's profile and lightweight
// overviews of the chatboxes they participate in. User is nil on failure.
type LoginResponse struct {
	User      *UserInfo     `json:"user,omitempty"`
	ChatBoxes []ChatBoxInfo `json:"chatboxes,omitempty"`
}

// CreateUser registers a new user. Admin-only.
type CreateUser struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Logout struct{}

type LogoutResponse struct{}

// ----- Chat -----

type SendMessage struct {
	ChatBoxID int64  `json:"chatbox_id"`
	Content   string `json:"content"`
}

// BroadcastMessage posts an announcement into every chatbox. Admin-only.
type BroadcastMessage struct {
	Content string `json:"content"`
}

// ChatBoxUpdate is pushed to every connected participant when a chatbox
// changes.
type ChatBoxUpdate struct {
	ChatBox ChatBoxInfo `json:"chatbox"`
}

type AskChatBox struct {
	ChatBoxID int64 `json:"chatbox_id"`
}

type ChatBoxSnapshot struct {
	ChatBox ChatBoxInfo `json:"chatbox"`
}

type AskUserList struct{}

type UserListSnapshot struct {
	Users []UserInfo `json:"users"`
}

type AskChatBoxList struct{}

type ChatBoxListSnapshot struct {
	ChatBoxes []ChatBoxInfo `json:"chatboxes"`
}

type CreateChatBox struct {
	Name           string  `json:"name"`
	ParticipantIDs []int64 `json:"participant_ids"`
}

type AddParticipant struct {
	ChatBoxID int64 `json:"chatbox_id"`
	UserID    int64 `json:"user_id"`
}

type RemoveParticipant struct {
	ChatBoxID int64 `json:"chatbox_id"`
	UserID    int64 `json:"user_id"`
}

// ----- Moderation (admin-only) -----

type HideMessage struct {
	ChatBoxID int64 `json:"chatbox_id"`
	MessageID int64 `json:"message_id"`
}

type HideChatBox struct {
	ChatBoxID int64 `json:"chatbox_id"`
}

type UnhideChatBox struct {
	ChatBoxID int64 `json:"chatbox_id"`
}

// AskPrivateChatBox requests the caller's single-participant chatbox,
// creating it if absent.
type AskPrivateChatBox struct{}

// ----- Generic -----

// Notification is a generic informational push, also used for authorization
// denials and error surfacing.
type Notification struct {
	Text string `json:"text"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// ----- Payload views -----

type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type MessageInfo struct {
	ID        int64  `json:"id"`
	SenderID  int64  `json:"sender_id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Hidden    bool   `json:"hidden"`
}

type ChatBoxInfo struct {
	ID           int64         `json:"id"`
	Name         string        `json:"name"`
	Participants []int64       `json:"participants"`
	Messages     []MessageInfo `json:"messages,omitempty"`
	Hidden       bool          `json:"hidden"`
}
