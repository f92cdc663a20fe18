package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dukerupert/rota/internal/model"
)

// SessionStore tracks issued access tokens so logout can revoke them before
// they expire.
type SessionStore struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

const sessionCols = `id, user_id, expires_at, created_at`

func (s *SessionStore) Create(userID string, ttl time.Duration) (*model.Session, error) {
	id := uuid.NewString()
	expiresAt := s.now().UTC().Add(ttl)

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, user_id, expires_at) VALUES (?, ?, ?)`,
		id, userID, expiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	var sess model.Session
	if err := s.db.Get(&sess, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// Get returns the session, or nil if it is unknown or expired.
func (s *SessionStore) Get(id string) (*model.Session, error) {
	var sess model.Session
	err := s.db.Get(&sess, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if !sess.ExpiresAt.After(s.now()) {
		return nil, nil
	}
	return &sess, nil
}

func (s *SessionStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *SessionStore) DeleteByUserID(userID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions by user: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions past their expiry and reports how many.
func (s *SessionStore) DeleteExpired() (int64, error) {
	var ids []string
	var all []model.Session
	if err := s.db.Select(&all, `SELECT `+sessionCols+` FROM sessions`); err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}
	now := s.now()
	for _, sess := range all {
		if !sess.ExpiresAt.After(now) {
			ids = append(ids, sess.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	query, args, err := sqlx.In(`DELETE FROM sessions WHERE id IN (?)`, ids)
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}
	result, err := s.db.Exec(s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
