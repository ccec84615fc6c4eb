package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"chatboxd/pkg/model"
)

// MemoryStore provides an in-memory UserStore implementation for tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextUserID      int64
	usersByID       map[int64]*model.User
	usersByUsername map[string]*model.User
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return &MemoryStore{
		now:             func() time.Time { return time.Now().UTC() },
		nextUserID:      1,
		usersByID:       make(map[int64]*model.User),
		usersByUsername: make(map[string]*model.User),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateUser inserts a new user and returns it with the assigned ID.
func (s *MemoryStore) CreateUser(username, passwordHash string, role model.Role) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("store: create user: %w", model.ErrInvalidRole)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return nil, ErrUsernameTaken
	}
	user := &model.User{
		ID:           s.nextUserID,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    s.now(),
	}
	s.nextUserID++
	s.usersByID[user.ID] = user
	s.usersByUsername[username] = user
	copyUser := *user
	return &copyUser, nil
}

// GetUserByUsername retrieves a user by username.
func (s *MemoryStore) GetUserByUsername(username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// GetUserByID retrieves a user by ID.
func (s *MemoryStore) GetUserByID(id int64) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.usersByID[id]
	if !ok {
		return nil, nil
	}
	copyUser := *user
	return &copyUser, nil
}

// ListUsers returns all users ordered by ID.
func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, user := range s.usersByID {
		users = append(users, *user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	return users, nil
}
