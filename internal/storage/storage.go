// Package storage provides the durable key-value slots the conversation core
// persists into. The SQLite store opens its database lazily on first use and
// falls back to in-memory storage if opening the DB or a query fails.
package storage

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/chatwidget-go/internal/logger"
)

// Store is a synchronous key-value slot. Get reports ok=false for a missing key.
type Store interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStore keeps slots in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	slots map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]string)}
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.slots[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	m.slots[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	delete(m.slots, key)
	m.mu.Unlock()
	return nil
}

// SQLiteStore persists slots in a single SQLite table and always keeps an
// in-memory copy as fallback.
type SQLiteStore struct {
	path string

	once    sync.Once
	db      *sql.DB
	initErr error

	mem *MemoryStore
}

// NewSQLiteStore returns a store backed by the database file at path. The
// file is not opened until the first operation.
func NewSQLiteStore(path string) *SQLiteStore {
	if path == "" {
		path = "chatwidget.db"
	}
	return &SQLiteStore{path: path, mem: NewMemoryStore()}
}

// initDB opens the SQLite database and creates the slots table if it doesn't exist.
func (s *SQLiteStore) initDB() {
	var err error
	s.db, err = sql.Open("sqlite", "file:"+s.path+"?_busy_timeout=10000")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; using in-memory storage", "path", s.path, "error", err)
		return
	}
	if _, err = s.db.Exec(`CREATE TABLE IF NOT EXISTS slots (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL,
        updated_at DATETIME
    );`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory storage", "path", s.path, "error", err)
		return
	}
	logger.L.Debug("sqlite storage initialized", "path", s.path)
}

func (s *SQLiteStore) ready() bool {
	s.once.Do(s.initDB)
	return s.initErr == nil && s.db != nil
}

// Get reads a slot from SQLite, or from memory when the DB is unavailable.
func (s *SQLiteStore) Get(key string) (string, bool, error) {
	if s.ready() {
		var v string
		err := s.db.QueryRow(`SELECT value FROM slots WHERE key = ?;`, key).Scan(&v)
		switch {
		case err == nil:
			return v, true, nil
		case errors.Is(err, sql.ErrNoRows):
			return "", false, nil
		default:
			logger.L.Error("failed to read slot from sqlite; falling back to memory", "key", key, "error", err)
		}
	}
	return s.mem.Get(key)
}

// Set writes a slot. The memory copy is updated even when SQLite fails, so the
// returned error only reports that the value was not made durable.
func (s *SQLiteStore) Set(key, value string) error {
	var err error
	if s.ready() {
		_, err = s.db.Exec(`INSERT INTO slots (key, value, updated_at) VALUES (?,?,?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			key, value, time.Now().UTC())
		if err != nil {
			logger.L.Error("failed to store slot in sqlite; falling back to memory", "key", key, "error", err)
		}
	} else {
		err = s.initErr
	}
	_ = s.mem.Set(key, value)
	return err
}

// Delete removes a slot from both SQLite and memory.
func (s *SQLiteStore) Delete(key string) error {
	var err error
	if s.ready() {
		if _, err = s.db.Exec(`DELETE FROM slots WHERE key = ?;`, key); err != nil {
			logger.L.Error("failed to delete slot from sqlite", "key", key, "error", err)
		}
	} else {
		err = s.initErr
	}
	_ = s.mem.Delete(key)
	return err
}

// Close releases the database handle if it was opened.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
