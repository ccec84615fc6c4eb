package boxstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"chatboxd/pkg/model"
)

// MemoryStore provides an in-memory Store implementation for tests. Chatboxes
// are copied through JSON on the way in and out, mirroring the isolation the
// badger store gives.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	boxes  map[int64][]byte
}

func NewMemory() *MemoryStore {
	return &MemoryStore{boxes: make(map[int64][]byte)}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Retrieve(id int64) (*model.ChatBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.boxes[id]
	if !ok {
		return nil, nil
	}
	var cb model.ChatBox
	if err := json.Unmarshal(data, &cb); err != nil {
		return nil, fmt.Errorf("boxstore: retrieve chatbox %d: %w", id, err)
	}
	return &cb, nil
}

func (s *MemoryStore) Save(cb *model.ChatBox) error {
	data, err := json.Marshal(cb)
	if err != nil {
		return fmt.Errorf("boxstore: marshal chatbox %d: %w", cb.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[cb.ID] = data
	return nil
}

func (s *MemoryStore) List() ([]*model.ChatBox, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.boxes))
	for id := range s.boxes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	boxes := make([]*model.ChatBox, 0, len(ids))
	for _, id := range ids {
		var cb model.ChatBox
		if err := json.Unmarshal(s.boxes[id], &cb); err != nil {
			return nil, fmt.Errorf("boxstore: list chatboxes: %w", err)
		}
		boxes = append(boxes, &cb)
	}
	return boxes, nil
}

func (s *MemoryStore) NextID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}
