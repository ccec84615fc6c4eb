package boxstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"chatboxd/pkg/model"
)

const chatboxPrefix = "chatbox:"

// Chatbox IDs come from a badger sequence; the lease size bounds how many
// IDs can be skipped after a crash, not how many exist.
const idSequenceLease = 64

// chatboxKey formats IDs with fixed width so iteration order matches ID order.
func chatboxKey(id int64) []byte {
	return fmt.Appendf(nil, "%s%020d", chatboxPrefix, id)
}

// BadgerStore persists each chatbox as a JSON blob in BadgerDB.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
	log *slog.Logger
}

// NewBadger opens (or creates) the chatbox database in dir.
func NewBadger(dir string, log *slog.Logger) (*BadgerStore, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("boxstore: open db: %w", err)
	}
	seq, err := db.GetSequence([]byte("chatbox_id_seq"), idSequenceLease)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boxstore: open id sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq, log: log}, nil
}

// Close releases the ID sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("failed to release chatbox id sequence", "err", err)
	}
	return s.db.Close()
}

// Retrieve loads a chatbox by ID. Returns (nil, nil) when absent.
func (s *BadgerStore) Retrieve(id int64) (*model.ChatBox, error) {
	var cb model.ChatBox
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chatboxKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cb)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("boxstore: retrieve chatbox %d: %w", id, err)
	}
	return &cb, nil
}

// Save persists a chatbox. The single-key update transaction makes the write
// atomic per identifier.
func (s *BadgerStore) Save(cb *model.ChatBox) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("boxstore: marshal chatbox %d: %w", cb.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chatboxKey(cb.ID), data)
	})
	if err != nil {
		return fmt.Errorf("boxstore: save chatbox %d: %w", cb.ID, err)
	}
	return nil
}

// List returns all persisted chatboxes ordered by ID.
func (s *BadgerStore) List() ([]*model.ChatBox, error) {
	var boxes []*model.ChatBox
	prefix := []byte(chatboxPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var cb model.ChatBox
				if err := json.Unmarshal(val, &cb); err != nil {
					return err
				}
				boxes = append(boxes, &cb)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("boxstore: list chatboxes: %w", err)
	}
	return boxes, nil
}

// NextID allocates the next chatbox identifier.
func (s *BadgerStore) NextID() (int64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("boxstore: next id: %w", err)
	}
	return int64(n) + 1, nil //nolint:gosec // sequence values stay far below int64 range
}
