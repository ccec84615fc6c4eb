package model

// Session represents the live pairing of an authenticated user with one open
// connection. Sessions are in-memory only and are never persisted.
type Session struct {
	UserID   int64
	Username string
	Role     Role
}
