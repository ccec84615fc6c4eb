package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"chatboxd/pkg/auth"
	"chatboxd/pkg/boxstore"
	"chatboxd/pkg/model"
	"chatboxd/pkg/store"
)

// SeedUserYAML represents a user in a seed file.
type SeedUserYAML struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role,omitempty"`
}

// SeedConfig is the top-level YAML seed format.
type SeedConfig struct {
	Users []SeedUserYAML `yaml:"users"`
}

// UserYAML represents a user in YAML export. Password hashes are never
// exported.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Role      string `yaml:"role"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ChatBoxYAML represents a chatbox overview in YAML export.
type ChatBoxYAML struct {
	ID           int64   `yaml:"id"`
	Name         string  `yaml:"name,omitempty"`
	Participants []int64 `yaml:"participants"`
	Messages     int     `yaml:"messages"`
	Hidden       bool    `yaml:"hidden,omitempty"`
}

// ChatBoxesExport is the top-level YAML for chatbox export.
type ChatBoxesExport struct {
	ChatBoxes []ChatBoxYAML `yaml:"chatboxes"`
}

// LoadSeedFromYAML reads a seed file and registers its users. Users that
// already exist are left untouched.
func LoadSeedFromYAML(path string, authSvc *auth.Service) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return ImportSeedFromYAML(data, authSvc)
}

// ImportSeedFromYAML parses seed YAML and registers the users it lists.
func ImportSeedFromYAML(data []byte, authSvc *auth.Service) error {
	var cfg SeedConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	created := 0
	for _, u := range cfg.Users {
		role := model.ParseRole(u.Role)
		_, err := authSvc.RegisterUser(u.Username, u.Password, role)
		if errors.Is(err, auth.ErrUsernameTaken) {
			slog.Debug("seed user already exists", "username", u.Username)
			continue
		}
		if err != nil {
			slog.Error("failed to register seed user", "username", u.Username, "err", err)
			continue
		}
		created++
	}

	slog.Info("imported users from seed file", "listed", len(cfg.Users), "created", created)
	return nil
}

// ExportUsersYAML exports all users as YAML.
func ExportUsersYAML(st store.UserStore) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Role:      u.Role.String(),
			CreatedAt: u.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}

// ExportChatBoxesYAML exports overviews of all persisted chatboxes as YAML.
// Message bodies stay in storage; the export lists counts only.
func ExportChatBoxesYAML(st boxstore.Store) ([]byte, error) {
	boxes, err := st.List()
	if err != nil {
		return nil, err
	}

	export := ChatBoxesExport{}
	for _, cb := range boxes {
		export.ChatBoxes = append(export.ChatBoxes, ChatBoxYAML{
			ID:           cb.ID,
			Name:         cb.Name,
			Participants: cb.Participants,
			Messages:     len(cb.Messages),
			Hidden:       cb.Hidden,
		})
	}
	return yaml.Marshal(&export)
}
