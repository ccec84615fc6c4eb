// Package boxstore provides durable storage for chatboxes. Each chatbox is
// persisted as a single blob keyed by its identifier; writes are atomic per
// identifier and safe for concurrent use across identifiers.
package boxstore

import "chatboxd/pkg/model"

// Store is the storage collaborator for chatboxes.
type Store interface {
	// Retrieve loads a chatbox by ID. Returns (nil, nil) when absent.
	Retrieve(id int64) (*model.ChatBox, error)

	// Save persists a chatbox, overwriting any previous version atomically.
	Save(cb *model.ChatBox) error

	// List returns all persisted chatboxes ordered by ID.
	List() ([]*model.ChatBox, error)

	// NextID allocates the next chatbox identifier. Never returns 0.
	NextID() (int64, error)

	// Close releases the underlying storage.
	Close() error
}

var _ Store = (*BadgerStore)(nil)
var _ Store = (*MemoryStore)(nil)
