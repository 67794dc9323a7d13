package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// SavedTTL is how long a message stays recorded as saved.
const SavedTTL = 30 * 24 * time.Hour

// SavedStore remembers which messages `fetch --save` already wrote to
// disk. Reader fetches leave \Seen alone, so without it every run would
// save the same attachments again.
type SavedStore struct {
	path string
	Keys map[string]int64 `json:"keys"` // key -> unix timestamp
}

func SavedPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "saved.json"), nil
}

// OpenSavedStore loads the store at path, or at SavedPath when path is
// empty. A missing or unreadable file yields an empty store.
func OpenSavedStore(path string) (*SavedStore, error) {
	if path == "" {
		var err error
		path, err = SavedPath()
		if err != nil {
			return nil, err
		}
	}

	store := &SavedStore{path: path, Keys: make(map[string]int64)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, store); err != nil {
		return store, nil
	}
	if store.Keys == nil {
		store.Keys = make(map[string]int64)
	}

	return store, nil
}

// Seen reports whether key was recorded within SavedTTL.
func (s *SavedStore) Seen(key string) bool {
	if key == "" {
		return false
	}
	ts, exists := s.Keys[key]
	if !exists {
		return false
	}
	return time.Now().Unix()-ts <= int64(SavedTTL.Seconds())
}

// Record marks key as saved now. Call Save to persist.
func (s *SavedStore) Record(key string) {
	if key == "" {
		return
	}
	s.Keys[key] = time.Now().Unix()
}

// Save drops expired keys and writes the store.
func (s *SavedStore) Save() error {
	now := time.Now().Unix()
	for key, ts := range s.Keys {
		if now-ts > int64(SavedTTL.Seconds()) {
			delete(s.Keys, key)
		}
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0600)
}
