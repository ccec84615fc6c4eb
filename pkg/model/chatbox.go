package model

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

const MaxChatBoxNameLength = 64

var ErrChatBoxNameTooLong = errors.New("chatbox name too long")
var ErrChatBoxNoParticipants = errors.New("chatbox must have at least one participant")

// ChatBox is a multi-participant message container.
//
// Invariants: the message sequence only ever grows, message IDs are assigned
// from NextMessageID and strictly increase, and removing a message is never
// physical deletion, only a Hidden flag flip. The struct itself is not
// goroutine-safe; the router serializes all access per chatbox.
type ChatBox struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	Participants  []int64   `json:"participants"`
	Messages      []Message `json:"messages"`
	Hidden        bool      `json:"hidden"`
	NextMessageID int64     `json:"next_message_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewChatBox creates a chatbox with the given participants. Duplicate
// participant IDs are collapsed.
func NewChatBox(name string, participants []int64) *ChatBox {
	cb := &ChatBox{
		Name:          name,
		NextMessageID: 1,
		CreatedAt:     time.Now().UTC(),
	}
	for _, id := range participants {
		cb.AddParticipant(id)
	}
	return cb
}

func (cb *ChatBox) Validate() error {
	if utf8.RuneCountInString(cb.Name) > MaxChatBoxNameLength {
		return ErrChatBoxNameTooLong
	}
	if len(cb.Participants) == 0 && !cb.Hidden {
		return ErrChatBoxNoParticipants
	}
	return nil
}

// AppendMessage appends a message with the next monotonic ID and returns the
// stored copy.
func (cb *ChatBox) AppendMessage(senderID int64, content string, at time.Time) Message {
	msg := Message{
		ID:        cb.NextMessageID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: at.UTC(),
	}
	cb.NextMessageID++
	cb.Messages = append(cb.Messages, msg)
	return msg
}

// HasParticipant reports whether the user is a current participant.
func (cb *ChatBox) HasParticipant(userID int64) bool {
	for _, id := range cb.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// AddParticipant adds a user to the participant set. Returns false if the
// user was already a participant.
func (cb *ChatBox) AddParticipant(userID int64) bool {
	if cb.HasParticipant(userID) {
		return false
	}
	cb.Participants = append(cb.Participants, userID)
	return true
}

// RemoveParticipant removes a user from the participant set. Returns false
// if the user was not a participant.
func (cb *ChatBox) RemoveParticipant(userID int64) bool {
	for i, id := range cb.Participants {
		if id == userID {
			cb.Participants = append(cb.Participants[:i], cb.Participants[i+1:]...)
			return true
		}
	}
	return false
}

// HideMessage flips the hidden flag on a message. Idempotent: hiding an
// already-hidden message leaves the chatbox in the same state. Returns false
// if no message has that ID.
func (cb *ChatBox) HideMessage(messageID int64) bool {
	for i := range cb.Messages {
		if cb.Messages[i].ID == messageID {
			cb.Messages[i].Hidden = true
			return true
		}
	}
	return false
}

// Hide marks the whole chatbox hidden.
func (cb *ChatBox) Hide() { cb.Hidden = true }

// Unhide clears the container-level hidden flag.
func (cb *ChatBox) Unhide() { cb.Hidden = false }

// Snapshot returns a deep copy. When includeHidden is false, hidden messages
// are excluded; ordering and IDs of the remaining messages are unchanged.
func (cb *ChatBox) Snapshot(includeHidden bool) *ChatBox {
	cp := *cb
	cp.Participants = append([]int64(nil), cb.Participants...)
	cp.Messages = make([]Message, 0, len(cb.Messages))
	for _, m := range cb.Messages {
		if m.Hidden && !includeHidden {
			continue
		}
		cp.Messages = append(cp.Messages, m)
	}
	return &cp
}

// Overview returns a lightweight copy without message history, as sent in
// login responses and chatbox lists.
func (cb *ChatBox) Overview() *ChatBox {
	cp := *cb
	cp.Participants = append([]int64(nil), cb.Participants...)
	cp.Messages = nil
	return &cp
}

// DisplayName returns the chatbox name, or a fallback for unnamed boxes.
func (cb *ChatBox) DisplayName() string {
	if strings.TrimSpace(cb.Name) == "" {
		return "chatbox"
	}
	return cb.Name
}
