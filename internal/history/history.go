// Package history is the ordered, persisted log of conversation turns.
// Every mutation rewrites the full log into a storage slot before returning.
// The log is restored from that slot on construction; a missing or
// unreadable slot starts an empty history.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/comigor/chatwidget-go/internal/logger"
	"github.com/comigor/chatwidget-go/internal/storage"
	"github.com/comigor/chatwidget-go/internal/turn"
)

// SlotKey is the storage key holding the serialized turn sequence.
const SlotKey = "chat_messages"

var (
	ErrInvalidTurn = errors.New("invalid turn: user turn needs text or images")
	ErrNoUserTurn  = errors.New("no user turn at tail of history")
	ErrCorrupt     = errors.New("stored history is corrupt")
)

// Rotator issues a fresh session identifier when history is cleared.
type Rotator interface {
	Rotate() string
}

// Store owns the turn sequence.
type Store struct {
	kv      storage.Store
	session Rotator
	now     func() time.Time

	mu      sync.Mutex
	records []turn.Record
}

// New restores the history persisted in kv.
func New(kv storage.Store, session Rotator) *Store {
	s := &Store{kv: kv, session: session, now: time.Now}
	records, err := load(kv)
	if err != nil {
		logger.L.Warn("starting with empty history", "error", err)
	}
	s.records = records
	return s
}

func load(kv storage.Store) ([]turn.Record, error) {
	raw, ok, err := kv.Get(SlotKey)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var records []turn.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return records, nil
}

func validate(t turn.Turn) error {
	if t.IsUser() && t.Empty() {
		return ErrInvalidTurn
	}
	return nil
}

// Append adds t to the tail.
func (s *Store) Append(t turn.Turn) error {
	if err := validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, turn.ToRecord(t))
	s.persist()
	return nil
}

// ReplaceLastUserTurn swaps the tail for t. The tail must be a user turn.
func (s *Store) ReplaceLastUserTurn(t turn.Turn) error {
	if err := validate(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	if n == 0 || turn.Normalize(s.records[n-1], s.now()).Sender != turn.SenderUser {
		return ErrNoUserTurn
	}
	s.records[n-1] = turn.ToRecord(t)
	s.persist()
	return nil
}

// Clear empties the history, removes the persisted copy and rotates the
// session identifier.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	err := s.kv.Delete(SlotKey)
	if err != nil {
		logger.L.Warn("failed to delete persisted history", "error", err)
	}
	if s.session != nil {
		s.session.Rotate()
	}
	return err
}

// Snapshot returns the normalized turn sequence in display order.
func (s *Store) Snapshot() []turn.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return turn.NormalizeAll(s.records, s.now())
}

// Len returns the number of turns.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// LastUserTurn returns the most recent user turn, if any.
func (s *Store) LastUserTurn() (turn.Turn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := len(s.records) - 1; i >= 0; i-- {
		if t := turn.Normalize(s.records[i], now); t.IsUser() {
			return t, true
		}
	}
	return turn.Turn{}, false
}

// persist must be called with mu held. Failures are logged: the in-memory
// history stays authoritative.
func (s *Store) persist() {
	records := s.records
	if records == nil {
		records = []turn.Record{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		logger.L.Error("failed to encode history", "error", err)
		return
	}
	if err := s.kv.Set(SlotKey, string(b)); err != nil {
		logger.L.Warn("failed to persist history", "turns", len(records), "error", err)
	}
}
