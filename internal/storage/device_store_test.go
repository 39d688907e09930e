package storage_test

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasalmeidadh/lemeai-sync/internal/models"
	"github.com/lucasalmeidadh/lemeai-sync/internal/storage"
)

func openStore(t *testing.T) *storage.DeviceStore {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDeviceStoreKeyValue(t *testing.T) {
	s := openStore(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.Set("k", []byte("v1")))
	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Set replaces.
	require.NoError(t, s.Set("k", []byte("v2")))
	got, err = s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, s.Delete("k"))
	_, err = s.Get("k")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Deleting again is fine.
	require.NoError(t, s.Delete("k"))
}

func TestDeviceStoreUserRoundTrip(t *testing.T) {
	s := openStore(t)

	_, err := s.LoadUser()
	assert.ErrorIs(t, err, models.ErrNotFound)

	u := models.User{ID: 12, Name: "Ana", Email: "ana@leme.ai", Raw: json.RawMessage(`{"idUsuario":12}`)}
	require.NoError(t, s.SaveUser(u))

	got, err := s.LoadUser()
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, u.Name, got.Name)
	assert.Equal(t, u.Email, got.Email)
}

func TestDeviceStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.db")
	s, err := storage.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveUser(models.User{ID: 7, Name: "Bruno"}))
	require.NoError(t, s.Close())

	s, err = storage.Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.LoadUser()
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
}
