// Package session holds the signed-in identity of a client process.
package session

import (
	"sync"

	"github.com/dukerupert/rota/internal/credential"
	"github.com/dukerupert/rota/internal/model"
)

// Session is the current user and access token, mirrored to a credential
// store when one is configured.
type Session struct {
	creds *credential.Store

	mu    sync.RWMutex
	token string
	user  model.User
}

// New creates an empty session. creds may be nil, which keeps the session in
// memory only.
func New(creds *credential.Store) *Session {
	return &Session{creds: creds}
}

// Set records a successful login and persists it.
func (s *Session) Set(token string, user model.User) error {
	s.mu.Lock()
	s.token = token
	s.user = user
	s.mu.Unlock()

	if s.creds == nil {
		return nil
	}
	return s.creds.Save(credential.Saved{Token: token, User: user})
}

// Restore loads a persisted session. It reports false when none is saved.
func (s *Session) Restore() (bool, error) {
	if s.creds == nil {
		return false, nil
	}
	saved, err := s.creds.Load()
	if err != nil || saved == nil {
		return false, err
	}
	s.mu.Lock()
	s.token = saved.Token
	s.user = saved.User
	s.mu.Unlock()
	return true, nil
}

// Clear forgets the identity in memory and in the credential store.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.token = ""
	s.user = model.User{}
	s.mu.Unlock()

	if s.creds == nil {
		return nil
	}
	return s.creds.Clear()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.ID
}

func (s *Session) User() model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && s.user.ID != ""
}
