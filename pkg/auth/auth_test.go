package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"chatboxd/pkg/model"
	"chatboxd/pkg/store"
)

func TestHashAndVerify(t *testing.T) {
	req := require.New(t)
	password := "correct horse battery staple"

	hash, err := HashPassword(password)
	req.NoError(err)
	req.True(strings.HasPrefix(hash, "$argon2id$"))

	match, err := VerifyPassword(password, hash)
	req.NoError(err)
	req.True(match)

	match, err = VerifyPassword("wrong password", hash)
	req.NoError(err)
	req.False(match)

	_, err = VerifyPassword(password, "not-a-hash")
	req.ErrorIs(err, ErrInvalidHashFormat)
}

func TestRegisterAndValidate(t *testing.T) {
	req := require.New(t)
	svc := NewService(store.NewMemory())

	user, err := svc.RegisterUser("alice", "s3cret", model.RoleUser)
	req.NoError(err)
	req.Equal("alice", user.Username)

	got, err := svc.ValidateCredentials("alice", "s3cret")
	req.NoError(err)
	req.NotNil(got)
	req.Equal(user.ID, got.ID)

	// Wrong password and unknown username both yield a nil user, not an error.
	got, err = svc.ValidateCredentials("alice", "nope")
	req.NoError(err)
	req.Nil(got)

	got, err = svc.ValidateCredentials("nobody", "s3cret")
	req.NoError(err)
	req.Nil(got)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	req := require.New(t)
	svc := NewService(store.NewMemory())

	_, err := svc.RegisterUser("bob", "pw1", model.RoleUser)
	req.NoError(err)

	_, err = svc.RegisterUser("bob", "pw2", model.RoleUser)
	req.ErrorIs(err, ErrUsernameTaken)

	users, err := svc.Users()
	req.NoError(err)
	req.Len(users, 1)
}

func TestOneSessionPerUser(t *testing.T) {
	req := require.New(t)
	svc := NewService(store.NewMemory())

	req.NoError(svc.MarkLoggedIn(1))
	req.ErrorIs(svc.MarkLoggedIn(1), ErrAlreadyLoggedIn)
	req.True(svc.LoggedIn(1))

	svc.Logout(1)
	req.False(svc.LoggedIn(1))
	// Logout is idempotent.
	svc.Logout(1)

	req.NoError(svc.MarkLoggedIn(1))
}
