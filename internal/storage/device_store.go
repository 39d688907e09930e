package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
)

// userKey is where the logged-in seller's identity blob lives.
const userKey = "user"

const schema = `
CREATE TABLE IF NOT EXISTS device_store (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`

// DeviceStore is the local-device key/value storage: it persists the session
// identity across restarts. Message caches and unread baselines stay
// in-memory on purpose.
type DeviceStore struct {
	db *sqlx.DB
}

// Open opens (and migrates) the sqlite-backed store at path. Use ":memory:"
// for a throwaway store.
func Open(path string) (*DeviceStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device store at %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate device store: %w", err)
	}
	log.Info().Str("path", path).Msg("Device store opened")
	return &DeviceStore{db: db}, nil
}

// Close releases the underlying database.
func (s *DeviceStore) Close() error {
	return s.db.Close()
}

// Set stores an opaque value under key, replacing any previous value.
func (s *DeviceStore) Set(key string, value []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO device_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(value),
	)
	if err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}
	return nil
}

// Get fetches the value stored under key; models.ErrNotFound when absent.
func (s *DeviceStore) Get(key string) ([]byte, error) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM device_store WHERE key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return []byte(value), nil
}

// Delete removes a key; deleting a missing key is not an error.
func (s *DeviceStore) Delete(key string) error {
	if _, err := s.db.Exec(`DELETE FROM device_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// SaveUser persists the session identity under the "user" key.
func (s *DeviceStore) SaveUser(u models.User) error {
	blob, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}
	return s.Set(userKey, blob)
}

// LoadUser restores the persisted session identity.
func (s *DeviceStore) LoadUser() (models.User, error) {
	blob, err := s.Get(userKey)
	if err != nil {
		return models.User{}, err
	}
	var u models.User
	if err := json.Unmarshal(blob, &u); err != nil {
		return models.User{}, fmt.Errorf("failed to decode stored user: %w", err)
	}
	return u, nil
}
