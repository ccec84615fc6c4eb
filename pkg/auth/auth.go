// Package auth implements the authentication service: credential validation,
// user registration, and live-session tracking.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"chatboxd/pkg/model"
	"chatboxd/pkg/store"
)

var ErrUsernameTaken = errors.New("auth: username already taken")
var ErrAlreadyLoggedIn = errors.New("auth: user already has a live session")

// Service validates credentials, registers users, and enforces the
// one-live-session-per-user invariant. It performs no authorization checks;
// those belong to the session handler at the dispatch boundary.
type Service struct {
	users store.UserStore

	mu   sync.Mutex
	live map[int64]bool // userID -> has a live session
}

func NewService(users store.UserStore) *Service {
	return &Service{
		users: users,
		live:  make(map[int64]bool),
	}
}

// ValidateCredentials looks up the user by username and verifies the
// password. Returns (nil, nil) on unknown username or mismatch. It never
// mutates session state.
func (s *Service) ValidateCredentials(username, password string) (*model.User, error) {
	user, err := s.users.GetUserByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("auth: validate credentials: %w", err)
	}
	if user == nil {
		return nil, nil
	}
	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil || !ok {
		return nil, nil
	}
	return user, nil
}

// RegisterUser hashes the password and inserts a new user. The
// username-uniqueness check is atomic in the store, so concurrent
// registrations of the same name cannot both succeed.
func (s *Service) RegisterUser(username, password string, role model.Role) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	user, err := s.users.CreateUser(username, hash, role)
	if errors.Is(err, store.ErrUsernameTaken) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("auth: register: %w", err)
	}
	return user, nil
}

// MarkLoggedIn records a live session for the user. Returns
// ErrAlreadyLoggedIn if one exists; exactly one caller wins under
// concurrent logins.
func (s *Service) MarkLoggedIn(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live[userID] {
		return ErrAlreadyLoggedIn
	}
	s.live[userID] = true
	return nil
}

// Logout clears the live-session marker. Idempotent: a no-op when the user
// was not logged in.
func (s *Service) Logout(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, userID)
}

// LoggedIn reports whether the user currently has a live session.
func (s *Service) LoggedIn(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[userID]
}

// Users returns all registered users.
func (s *Service) Users() ([]model.User, error) {
	return s.users.ListUsers()
}
