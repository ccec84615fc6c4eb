package server_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chatboxd/pkg/auth"
	"chatboxd/pkg/boxstore"
	"chatboxd/pkg/model"
	"chatboxd/pkg/server"
	"chatboxd/pkg/store"
)

func TestImportSeedFromYAML(t *testing.T) {
	req := require.New(t)
	users := store.NewMemory()
	authSvc := auth.NewService(users)

	seed := []byte(`users:
  - username: root
    password: changeme
    role: admin
  - username: alice
    password: pw
  - username: alice
    password: duplicate-is-skipped
`)
	req.NoError(server.ImportSeedFromYAML(seed, authSvc))

	all, err := users.ListUsers()
	req.NoError(err)
	req.Len(all, 2)
	req.Equal(model.RoleAdmin, all[0].Role)
	req.Equal(model.RoleUser, all[1].Role)

	// Re-importing is a no-op for existing users.
	req.NoError(server.ImportSeedFromYAML(seed, authSvc))
	all, err = users.ListUsers()
	req.NoError(err)
	req.Len(all, 2)

	// Seeded credentials actually work.
	u, err := authSvc.ValidateCredentials("root", "changeme")
	req.NoError(err)
	req.NotNil(u)
}

func TestExportUsersYAML(t *testing.T) {
	req := require.New(t)
	users := store.NewMemory()
	authSvc := auth.NewService(users)
	_, err := authSvc.RegisterUser("alice", "pw", model.RoleUser)
	req.NoError(err)

	data, err := server.ExportUsersYAML(users)
	req.NoError(err)
	req.Contains(string(data), "alice")
	// Hashes stay out of exports.
	req.NotContains(string(data), "argon2")
}

func TestExportChatBoxesYAML(t *testing.T) {
	req := require.New(t)
	boxes := boxstore.NewMemory()

	cb := model.NewChatBox("general", []int64{1, 2})
	cb.ID = 1
	req.NoError(boxes.Save(cb))

	data, err := server.ExportChatBoxesYAML(boxes)
	req.NoError(err)
	req.Contains(string(data), "general")
}
