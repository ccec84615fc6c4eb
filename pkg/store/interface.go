package store

import (
	"errors"

	"chatboxd/pkg/model"
)

// ErrUsernameTaken is returned when a username already exists. The
// check-then-insert is atomic in every implementation: two concurrent
// registrations of the same name cannot both succeed.
var ErrUsernameTaken = errors.New("store: username already taken")

// UserStore defines persistence for registered users.
// Implementations include the default SQLite store and an in-memory store
// for tests. All methods are safe for concurrent use.
type UserStore interface {
	// Close closes the underlying storage connection.
	Close() error

	// CreateUser inserts a new user and returns it with the assigned ID.
	// Returns ErrUsernameTaken if the username exists.
	CreateUser(username, passwordHash string, role model.Role) (*model.User, error)

	// GetUserByUsername retrieves a user by username. Returns (nil, nil) if not found.
	GetUserByUsername(username string) (*model.User, error)

	// GetUserByID retrieves a user by ID. Returns (nil, nil) if not found.
	GetUserByID(id int64) (*model.User, error)

	// ListUsers returns all users ordered by ID.
	ListUsers() ([]model.User, error)
}

// Compile-time checks: both implementations satisfy UserStore.
var _ UserStore = (*Store)(nil)
var _ UserStore = (*MemoryStore)(nil)
