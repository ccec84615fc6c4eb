package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const MessageMaxContentLength = 2000

var ErrMessageContentTooLong = fmt.Errorf("message content exceeds %d characters", MessageMaxContentLength)
var ErrMessageContentEmpty = errors.New("message content cannot be empty")

// Message is a single chat message. It is owned exclusively by its containing
// ChatBox: the ID is unique and strictly increasing within that chatbox only.
// Messages are never deleted; moderation flips the Hidden flag instead.
type Message struct {
	ID        int64     `json:"id"`
	SenderID  int64     `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Hidden    bool      `json:"hidden"`
}

func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrMessageContentEmpty
	}
	if utf8.RuneCountInString(content) > MessageMaxContentLength {
		return ErrMessageContentTooLong
	}
	return nil
}
