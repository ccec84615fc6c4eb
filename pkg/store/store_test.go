package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"chatboxd/pkg/model"
	"chatboxd/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.New(dbPath)
	require.NoError(t, err, "open test db")

	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})
	return st
}

func TestCreateAndGetUser(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	st := newTestStore(t)

	created, err := st.CreateUser("alice", "$argon2id$fake", model.RoleUser)
	req.NoError(err)
	req.NotZero(created.ID)

	byName, err := st.GetUserByUsername("alice")
	req.NoError(err)
	req.NotNil(byName)
	req.Equal(created.ID, byName.ID)
	req.Equal("$argon2id$fake", byName.PasswordHash)
	req.Equal(model.RoleUser, byName.Role)

	byID, err := st.GetUserByID(created.ID)
	req.NoError(err)
	req.NotNil(byID)
	req.Equal("alice", byID.Username)
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	st := newTestStore(t)

	_, err := st.CreateUser("bob", "h1", model.RoleUser)
	req.NoError(err)

	_, err = st.CreateUser("bob", "h2", model.RoleAdmin)
	req.ErrorIs(err, store.ErrUsernameTaken)

	// The failed insert must not have touched the table.
	users, err := st.ListUsers()
	req.NoError(err)
	req.Len(users, 1)
	req.Equal("h1", users[0].PasswordHash)
}

func TestGetUserNotFound(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	st := newTestStore(t)

	u, err := st.GetUserByUsername("nobody")
	req.NoError(err)
	req.Nil(u)

	u, err = st.GetUserByID(424242)
	req.NoError(err)
	req.Nil(u)
}

func TestCreateUserValidation(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	st := newTestStore(t)

	_, err := st.CreateUser("bad name", "h", model.RoleUser)
	req.ErrorIs(err, model.ErrUsernameInvalidChars)

	_, err = st.CreateUser("ok", "h", model.Role(7))
	req.ErrorIs(err, model.ErrInvalidRole)
}

func TestListUsersOrdered(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	st := newTestStore(t)

	for _, name := range []string{"carol", "alice", "bob"} {
		_, err := st.CreateUser(name, "h", model.RoleUser)
		req.NoError(err)
	}

	users, err := st.ListUsers()
	req.NoError(err)
	req.Len(users, 3)
	for i := 1; i < len(users); i++ {
		req.Greater(users[i].ID, users[i-1].ID)
	}
}

// The memory store must agree with SQLite on the duplicate-username contract,
// since router and auth tests rely on it.
func TestMemoryStoreParity(t *testing.T) {
	t.Parallel()
	req := require.New(t)
	st := store.NewMemory()

	created, err := st.CreateUser("alice", "h", model.RoleAdmin)
	req.NoError(err)

	_, err = st.CreateUser("alice", "h2", model.RoleUser)
	req.ErrorIs(err, store.ErrUsernameTaken)

	got, err := st.GetUserByID(created.ID)
	req.NoError(err)
	req.Equal(model.RoleAdmin, got.Role)

	missing, err := st.GetUserByUsername("nobody")
	req.NoError(err)
	req.Nil(missing)
}
