package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"chatboxd/pkg/boxstore"
	"chatboxd/pkg/model"
	"chatboxd/pkg/store"
)

var (
	ErrChatBoxNotFound    = errors.New("router: chatbox not found")
	ErrUserNotFound       = errors.New("router: user not found")
	ErrMessageNotFound    = errors.New("router: message not found")
	ErrAlreadyParticipant = errors.New("router: user is already a participant")
	ErrNotParticipant     = errors.New("router: user is not a participant")

	// ErrPersistence signals that a mutation took effect in memory but the
	// storage write failed. Callers surface it to the requester; the
	// in-memory state is not rolled back.
	ErrPersistence = errors.New("router: chatbox not persisted")
)

// Router is the in-memory authority over all chatboxes. Every mutation
// funnels through it: mutate, persist, then fan out to connected
// participants. Session handlers never touch chatbox state directly.
//
// Each resident chatbox has its own lock, so operations on different
// chatboxes never serialize against each other. Fan-out happens while the
// chatbox lock is held (pushes are non-blocking), which is what guarantees
// that every connected participant observes updates in commit order.
type Router struct {
	mu    sync.RWMutex
	boxes map[int64]*boxEntry

	// Serializes get-or-create of private chatboxes so concurrent calls for
	// the same user cannot create duplicates.
	privateMu sync.Mutex

	store    boxstore.Store
	users    store.UserStore
	registry *Registry
	metrics  *Metrics
}

type boxEntry struct {
	mu  sync.Mutex
	box *model.ChatBox
}

func NewRouter(st boxstore.Store, users store.UserStore, registry *Registry, metrics *Metrics) *Router {
	return &Router{
		boxes:    make(map[int64]*boxEntry),
		store:    st,
		users:    users,
		registry: registry,
		metrics:  metrics,
	}
}

// LoadAll makes every persisted chatbox resident. Called once at startup.
func (rt *Router) LoadAll() error {
	boxes, err := rt.store.List()
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, cb := range boxes {
		rt.boxes[cb.ID] = &boxEntry{box: cb}
	}
	slog.Info("chatboxes loaded", "count", len(boxes))
	return nil
}

// entry returns the resident entry for a chatbox, pulling it from storage on
// a cache miss. Returns ErrChatBoxNotFound when storage also lacks it.
func (rt *Router) entry(chatBoxID int64) (*boxEntry, error) {
	rt.mu.RLock()
	e, ok := rt.boxes[chatBoxID]
	rt.mu.RUnlock()
	if ok {
		return e, nil
	}

	cb, err := rt.store.Retrieve(chatBoxID)
	if err != nil {
		return nil, err
	}
	if cb == nil {
		return nil, ErrChatBoxNotFound
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	// Another handler may have loaded it while we read storage.
	if e, ok := rt.boxes[chatBoxID]; ok {
		return e, nil
	}
	e = &boxEntry{box: cb}
	rt.boxes[chatBoxID] = e
	return e, nil
}

// persist writes the chatbox to storage, mapping failure onto
// ErrPersistence without undoing the in-memory mutation.
func (rt *Router) persist(cb *model.ChatBox) error {
	if err := rt.store.Save(cb); err != nil {
		rt.metrics.PersistFailures.Add(1)
		slog.Error("chatbox persist failed", "chatbox", cb.ID, "err", err)
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// fanOut pushes the current chatbox state to every connected participant.
// Offline participants are skipped silently; they get a full snapshot at
// their next login instead. Must be called with the entry lock held.
func (rt *Router) fanOut(cb *model.ChatBox) {
	for _, userID := range cb.Participants {
		h, ok := rt.registry.Get(userID)
		if !ok {
			continue // not connected, no error, no retry
		}
		h.PushChatBoxUpdate(cb)
	}
}

// SendMessage appends a message to a chatbox, persists it, and fans the
// update out to every connected participant. The sender must be a
// participant; the check and the append happen under the same lock, so a
// concurrent removal cannot race a message in.
func (rt *Router) SendMessage(chatBoxID, senderID int64, content string) error {
	e, err := rt.entry(chatBoxID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.box.HasParticipant(senderID) {
		return ErrNotParticipant
	}
	e.box.AppendMessage(senderID, content, time.Now())
	persistErr := rt.persist(e.box)
	rt.metrics.MessagesRouted.Add(1)
	rt.fanOut(e.box)
	return persistErr
}

// Broadcast appends an announcement to every resident chatbox and fans each
// update out. The sender need not participate anywhere; the handler gates
// this to admins. The first persist failure is reported after all chatboxes
// have been updated.
func (rt *Router) Broadcast(senderID int64, content string) error {
	rt.mu.RLock()
	entries := make([]*boxEntry, 0, len(rt.boxes))
	for _, e := range rt.boxes {
		entries = append(entries, e)
	}
	rt.mu.RUnlock()

	now := time.Now()
	var firstErr error
	for _, e := range entries {
		e.mu.Lock()
		e.box.AppendMessage(senderID, content, now)
		err := rt.persist(e.box)
		rt.metrics.MessagesRouted.Add(1)
		rt.fanOut(e.box)
		e.mu.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AddParticipant adds a user to a chatbox and notifies all participants,
// including the new one.
func (rt *Router) AddParticipant(chatBoxID, userID int64) error {
	user, err := rt.users.GetUserByID(userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	e, err := rt.entry(chatBoxID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.box.AddParticipant(userID) {
		return ErrAlreadyParticipant
	}
	persistErr := rt.persist(e.box)
	rt.fanOut(e.box)
	return persistErr
}

// RemoveParticipant removes a user from a chatbox. Remaining participants
// get the updated chatbox; the removed user gets one final update with the
// box marked hidden for them, and is excluded from all future fan-outs.
func (rt *Router) RemoveParticipant(chatBoxID, userID int64) error {
	e, err := rt.entry(chatBoxID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.box.RemoveParticipant(userID) {
		return ErrNotParticipant
	}
	persistErr := rt.persist(e.box)
	rt.fanOut(e.box)

	if h, ok := rt.registry.Get(userID); ok {
		final := e.box.Overview()
		final.Hidden = true
		h.PushChatBoxUpdate(final)
	}
	return persistErr
}

// HideMessage flips the hidden flag on a message. Idempotent. The message
// stays in the sequence; only non-privileged views exclude it.
func (rt *Router) HideMessage(chatBoxID, messageID int64) error {
	e, err := rt.entry(chatBoxID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.box.HideMessage(messageID) {
		return ErrMessageNotFound
	}
	persistErr := rt.persist(e.box)
	rt.metrics.MessagesHidden.Add(1)
	rt.fanOut(e.box)
	return persistErr
}

// HideChatBox sets container-level visibility off.
func (rt *Router) HideChatBox(chatBoxID int64) error {
	return rt.setChatBoxHidden(chatBoxID, true)
}

// UnhideChatBox restores container-level visibility.
func (rt *Router) UnhideChatBox(chatBoxID int64) error {
	return rt.setChatBoxHidden(chatBoxID, false)
}

func (rt *Router) setChatBoxHidden(chatBoxID int64, hidden bool) error {
	e, err := rt.entry(chatBoxID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if hidden {
		e.box.Hide()
	} else {
		e.box.Unhide()
	}
	persistErr := rt.persist(e.box)
	rt.metrics.ChatBoxesHidden.Add(1)
	rt.fanOut(e.box)
	return persistErr
}

// CreateChatBox creates a new chatbox containing the creator and the given
// participants, persists it, and notifies every connected participant.
func (rt *Router) CreateChatBox(name string, creatorID int64, participantIDs []int64) (*model.ChatBox, error) {
	ids := append([]int64{creatorID}, participantIDs...)
	for _, id := range ids {
		user, err := rt.users.GetUserByID(id)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("%w: id %d", ErrUserNotFound, id)
		}
	}

	cb := model.NewChatBox(name, ids)
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	id, err := rt.store.NextID()
	if err != nil {
		return nil, err
	}
	cb.ID = id

	e := &boxEntry{box: cb}
	rt.mu.Lock()
	rt.boxes[cb.ID] = e
	rt.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	persistErr := rt.persist(cb)
	rt.metrics.ChatBoxesCreated.Add(1)
	slog.Info("chatbox created", "chatbox", cb.ID, "name", cb.DisplayName(), "participants", len(cb.Participants))
	rt.fanOut(cb)
	return cb.Snapshot(true), persistErr
}

// GetOrCreatePrivateChatBox returns the ID of the user's single-participant
// chatbox, creating it if absent. Safe under concurrent calls for the same
// user.
func (rt *Router) GetOrCreatePrivateChatBox(userID int64) (int64, error) {
	rt.privateMu.Lock()
	defer rt.privateMu.Unlock()

	rt.mu.RLock()
	for _, e := range rt.boxes {
		e.mu.Lock()
		private := len(e.box.Participants) == 1 && e.box.Participants[0] == userID
		id := e.box.ID
		e.mu.Unlock()
		if private {
			rt.mu.RUnlock()
			return id, nil
		}
	}
	rt.mu.RUnlock()

	user, err := rt.users.GetUserByID(userID)
	if err != nil {
		return 0, err
	}
	if user == nil {
		return 0, ErrUserNotFound
	}

	cb := model.NewChatBox(user.Username, []int64{userID})
	id, err := rt.store.NextID()
	if err != nil {
		return 0, err
	}
	cb.ID = id

	rt.mu.Lock()
	rt.boxes[cb.ID] = &boxEntry{box: cb}
	rt.mu.Unlock()

	rt.metrics.ChatBoxesCreated.Add(1)
	return cb.ID, rt.persist(cb)
}

// LoadChatBox makes a chatbox resident (cold-start / cache-miss path) and
// returns a full snapshot. Returns ErrChatBoxNotFound when storage also
// lacks it.
func (rt *Router) LoadChatBox(chatBoxID int64) (*model.ChatBox, error) {
	return rt.Snapshot(chatBoxID, true)
}

// Snapshot returns a detached copy of a chatbox; hidden messages are
// excluded unless includeHidden is set.
func (rt *Router) Snapshot(chatBoxID int64, includeHidden bool) (*model.ChatBox, error) {
	e, err := rt.entry(chatBoxID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.box.Snapshot(includeHidden), nil
}

// OverviewsFor returns lightweight overviews of every resident chatbox the
// user participates in, ordered by ID. Sent in login responses.
func (rt *Router) OverviewsFor(userID int64) []*model.ChatBox {
	rt.mu.RLock()
	entries := make([]*boxEntry, 0, len(rt.boxes))
	for _, e := range rt.boxes {
		entries = append(entries, e)
	}
	rt.mu.RUnlock()

	var out []*model.ChatBox
	for _, e := range entries {
		e.mu.Lock()
		if e.box.HasParticipant(userID) {
			out = append(out, e.box.Overview())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Overviews returns lightweight overviews of all resident chatboxes,
// ordered by ID. Admin view.
func (rt *Router) Overviews() []*model.ChatBox {
	rt.mu.RLock()
	entries := make([]*boxEntry, 0, len(rt.boxes))
	for _, e := range rt.boxes {
		entries = append(entries, e)
	}
	rt.mu.RUnlock()

	out := make([]*model.ChatBox, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.box.Overview())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
