// Package credential persists the signed-in account in the system keyring.
package credential

import (
	"encoding/json"
	"fmt"

	"github.com/99designs/keyring"

	"github.com/dukerupert/rota/internal/model"
)

const (
	serviceName = "rota"
	sessionKey  = "session"
)

// Saved is what survives between runs: the access token and who it is for.
type Saved struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

type Store struct {
	ring keyring.Keyring
}

// New wraps an opened keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Open opens the platform keyring, falling back to an encrypted file store
// under fileDir.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("rota-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

// Load returns the saved session, or nil if there is none.
func (s *Store) Load() (*Saved, error) {
	item, err := s.ring.Get(sessionKey)
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential %q: %w", sessionKey, err)
	}
	var saved Saved
	if err := json.Unmarshal(item.Data, &saved); err != nil {
		return nil, fmt.Errorf("decoding credential %q: %w", sessionKey, err)
	}
	if saved.Token == "" || saved.User.ID == "" {
		return nil, nil
	}
	return &saved, nil
}

func (s *Store) Save(saved Saved) error {
	data, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         sessionKey,
		Data:        data,
		Label:       "rota session",
		Description: "rota access token",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", sessionKey, err)
	}
	return nil
}

// Clear removes the saved session. Clearing when nothing is saved is not an
// error.
func (s *Store) Clear() error {
	err := s.ring.Remove(sessionKey)
	if err != nil && err != keyring.ErrKeyNotFound {
		return fmt.Errorf("deleting credential %q: %w", sessionKey, err)
	}
	return nil
}
