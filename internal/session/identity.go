// Package session keeps the opaque identifier that scopes a conversation
// across reloads, together with the widget preferences stored beside it.
package session

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/comigor/chatwidget-go/internal/logger"
	"github.com/comigor/chatwidget-go/internal/storage"
)

// SlotKey is the storage key holding the session record.
const SlotKey = "chat_session"

type record struct {
	SessionID string `json:"session_id"`
	DarkMode  bool   `json:"dark_mode"`
}

// Identity lazily loads or creates the session identifier.
type Identity struct {
	store storage.Store
	newID func() string

	mu     sync.Mutex
	loaded bool
	rec    record
}

// New creates an Identity persisted in store. Nothing is read until first access.
func New(store storage.Store) *Identity {
	return &Identity{store: store, newID: uuid.NewString}
}

// ID returns the current session identifier, generating and persisting one on
// first access when none is stored.
func (i *Identity) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.load()
	return i.rec.SessionID
}

// Rotate replaces the identifier with a fresh one and persists it.
func (i *Identity) Rotate() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.load()
	prev := i.rec.SessionID
	i.rec.SessionID = i.newID()
	i.save()
	logger.L.Info("session rotated", "previous", prev, "session_id", i.rec.SessionID)
	return i.rec.SessionID
}

// DarkMode returns the stored dark-mode preference.
func (i *Identity) DarkMode() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.load()
	return i.rec.DarkMode
}

// SetDarkMode persists the dark-mode preference.
func (i *Identity) SetDarkMode(on bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.load()
	i.rec.DarkMode = on
	i.save()
}

// load must be called with mu held.
func (i *Identity) load() {
	if i.loaded {
		return
	}
	i.loaded = true

	raw, ok, err := i.store.Get(SlotKey)
	if err != nil {
		logger.L.Warn("failed to read session slot", "error", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &i.rec); err != nil {
			logger.L.Warn("session slot unreadable; starting a new session", "error", err)
			i.rec = record{}
		}
	}
	if i.rec.SessionID == "" {
		i.rec.SessionID = i.newID()
		i.save()
		logger.L.Info("session created", "session_id", i.rec.SessionID)
	}
}

// save must be called with mu held.
func (i *Identity) save() {
	b, err := json.Marshal(i.rec)
	if err != nil {
		logger.L.Error("failed to encode session slot", "error", err)
		return
	}
	if err := i.store.Set(SlotKey, string(b)); err != nil {
		logger.L.Warn("failed to persist session slot", "error", err)
	}
}
