package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/chore"
	"github.com/dukerupert/rota/internal/model"
)

// ChoreStore holds the canonical chore state. Every rotation change runs in
// a transaction and returns the chore as it stands afterwards.
type ChoreStore struct {
	db *sqlx.DB
}

func NewChoreStore(db *sqlx.DB) *ChoreStore {
	return &ChoreStore{db: db}
}

type queryer interface {
	sqlx.Queryer
	sqlx.Execer
}

type choreRow struct {
	ID                 string    `db:"id"`
	Name               string    `db:"name"`
	OwnerID            string    `db:"owner_id"`
	CurrentPersonIndex int       `db:"current_person_index"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

const choreCols = `id, name, owner_id, current_person_index, created_at, updated_at`

func loadChore(q queryer, id string) (*model.Chore, error) {
	var row choreRow
	err := sqlx.Get(q, &row, `SELECT `+choreCols+` FROM chores WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chore: %w", err)
	}

	c := &model.Chore{
		ID:                 row.ID,
		Name:               row.Name,
		OwnerID:            row.OwnerID,
		CurrentPersonIndex: row.CurrentPersonIndex,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
		SharedWith:         []string{},
		People:             []model.Person{},
	}

	if err := sqlx.Select(q, &c.SharedWith,
		`SELECT user_id FROM chore_members WHERE chore_id = ? ORDER BY created_at, rowid`, id,
	); err != nil {
		return nil, fmt.Errorf("list chore members: %w", err)
	}
	if err := sqlx.Select(q, &c.People,
		`SELECT id, name, user_id FROM chore_people WHERE chore_id = ? ORDER BY position`, id,
	); err != nil {
		return nil, fmt.Errorf("list chore people: %w", err)
	}
	return c, nil
}

func mustLoadChore(q queryer, id string) (*model.Chore, error) {
	c, err := loadChore(q, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.NotFoundf("chore %q", id)
	}
	return c, nil
}

// withTx runs fn in a transaction. Under an in-memory database there is a
// single connection, so fn must only touch tx.
func (s *ChoreStore) withTx(fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func touch(q queryer, id string, index int) error {
	_, err := q.Exec(
		`UPDATE chores SET current_person_index = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		index, id,
	)
	if err != nil {
		return fmt.Errorf("update chore: %w", err)
	}
	return nil
}

func appendPerson(q queryer, c *model.Chore, u *model.User) error {
	name := u.Name
	if name == "" {
		name = u.Email
	}
	_, err := q.Exec(
		`INSERT INTO chore_people (id, chore_id, user_id, name, position) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), c.ID, u.ID, name, len(c.People),
	)
	if err != nil {
		return fmt.Errorf("insert chore person: %w", err)
	}
	return nil
}

func deletePerson(q queryer, choreID string, position int, personID string) error {
	if _, err := q.Exec(`DELETE FROM chore_people WHERE id = ?`, personID); err != nil {
		return fmt.Errorf("delete chore person: %w", err)
	}
	_, err := q.Exec(
		`UPDATE chore_people SET position = position - 1 WHERE chore_id = ? AND position > ?`,
		choreID, position,
	)
	if err != nil {
		return fmt.Errorf("reorder chore people: %w", err)
	}
	return nil
}

func insertMember(q queryer, choreID, userID string) error {
	_, err := q.Exec(`INSERT INTO chore_members (chore_id, user_id) VALUES (?, ?)`, choreID, userID)
	if err != nil {
		return fmt.Errorf("insert chore member: %w", err)
	}
	return nil
}

func deleteMember(q queryer, choreID, userID string) error {
	_, err := q.Exec(`DELETE FROM chore_members WHERE chore_id = ? AND user_id = ?`, choreID, userID)
	if err != nil {
		return fmt.Errorf("delete chore member: %w", err)
	}
	return nil
}

func (s *ChoreStore) Create(ownerID, name string) (*model.Chore, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NotValidf("empty chore name")
	}

	id := uuid.NewString()
	_, err := s.db.Exec(`INSERT INTO chores (id, name, owner_id) VALUES (?, ?, ?)`, id, name, ownerID)
	if err != nil {
		return nil, fmt.Errorf("insert chore: %w", err)
	}
	return s.GetByID(id)
}

// GetByID returns nil, nil when the chore does not exist.
func (s *ChoreStore) GetByID(id string) (*model.Chore, error) {
	return loadChore(s.db, id)
}

// ListForUser returns every chore userID owns or is a member of.
func (s *ChoreStore) ListForUser(userID string) ([]model.Chore, error) {
	var ids []string
	err := s.db.Select(&ids,
		`SELECT id FROM chores
		 WHERE owner_id = ? OR id IN (SELECT chore_id FROM chore_members WHERE user_id = ?)
		 ORDER BY created_at, rowid`,
		userID, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chores: %w", err)
	}

	chores := make([]model.Chore, 0, len(ids))
	for _, id := range ids {
		c, err := loadChore(s.db, id)
		if err != nil {
			return nil, err
		}
		if c != nil {
			chores = append(chores, *c)
		}
	}
	return chores, nil
}

func (s *ChoreStore) Rename(id, name string) (*model.Chore, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NotValidf("empty chore name")
	}

	result, err := s.db.Exec(
		`UPDATE chores SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, name, id,
	)
	if err != nil {
		return nil, fmt.Errorf("rename chore: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.NotFoundf("chore %q", id)
	}
	return s.GetByID(id)
}

func (s *ChoreStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM chores WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chore: %w", err)
	}
	return nil
}

// Join makes u a member and appends a slot bound to them.
func (s *ChoreStore) Join(choreID string, u *model.User) (*model.Chore, error) {
	var out *model.Chore
	err := s.withTx(func(tx *sqlx.Tx) error {
		c, err := mustLoadChore(tx, choreID)
		if err != nil {
			return err
		}
		if c.VisibleTo(u.ID) {
			return errors.WithType(errors.Errorf("user %q already in chore %q", u.ID, choreID), model.ErrAlreadyMember)
		}
		if err := insertMember(tx, c.ID, u.ID); err != nil {
			return err
		}
		if err := appendPerson(tx, c, u); err != nil {
			return err
		}
		if err := touch(tx, c.ID, c.CurrentPersonIndex); err != nil {
			return err
		}
		out, err = loadChore(tx, c.ID)
		return err
	})
	return out, err
}

// Leave drops userID's membership and every slot bound to them. The owner
// cannot leave.
func (s *ChoreStore) Leave(choreID, userID string) (*model.Chore, error) {
	var out *model.Chore
	err := s.withTx(func(tx *sqlx.Tx) error {
		c, err := mustLoadChore(tx, choreID)
		if err != nil {
			return err
		}
		if c.IsOwner(userID) {
			return errors.WithType(errors.Errorf("owner of chore %q cannot leave", choreID), model.ErrOwnerCannotLeave)
		}
		if !c.IsMember(userID) {
			return errors.NotFoundf("user %q in chore %q", userID, choreID)
		}
		if err := deleteMember(tx, c.ID, userID); err != nil {
			return err
		}
		if err := s.dropUserSlots(tx, c, userID); err != nil {
			return err
		}
		out, err = loadChore(tx, c.ID)
		return err
	})
	return out, err
}

func (s *ChoreStore) dropUserSlots(tx *sqlx.Tx, c *model.Chore, userID string) error {
	people, index := c.People, c.CurrentPersonIndex
	for i := len(people) - 1; i >= 0; i-- {
		if people[i].UserID != userID {
			continue
		}
		if err := deletePerson(tx, c.ID, i, people[i].ID); err != nil {
			return err
		}
		people, index = chore.RemoveAt(people, index, i)
	}
	return touch(tx, c.ID, index)
}

// AddPerson appends a slot bound to u. A user who is neither owner nor
// member becomes a member.
func (s *ChoreStore) AddPerson(choreID string, u *model.User) (*model.Chore, error) {
	var out *model.Chore
	err := s.withTx(func(tx *sqlx.Tx) error {
		c, err := mustLoadChore(tx, choreID)
		if err != nil {
			return err
		}
		if c.HasPersonForUser(u.ID) {
			return errors.WithType(errors.Errorf("%s already in rotation of chore %q", u.Email, choreID), model.ErrDuplicateMember)
		}
		if !c.VisibleTo(u.ID) {
			if err := insertMember(tx, c.ID, u.ID); err != nil {
				return err
			}
		}
		if err := appendPerson(tx, c, u); err != nil {
			return err
		}
		if err := touch(tx, c.ID, c.CurrentPersonIndex); err != nil {
			return err
		}
		out, err = loadChore(tx, c.ID)
		return err
	})
	return out, err
}

// RemovePerson deletes one slot. If the slot's user is a member with no
// slot left, their membership is revoked too and revoked is true.
func (s *ChoreStore) RemovePerson(choreID, personID string) (out *model.Chore, removed model.Person, revoked bool, err error) {
	err = s.withTx(func(tx *sqlx.Tx) error {
		c, err := mustLoadChore(tx, choreID)
		if err != nil {
			return err
		}
		i := c.PersonIndex(personID)
		if i < 0 {
			return errors.NotFoundf("person %q in chore %q", personID, choreID)
		}
		removed = c.People[i]

		if err := deletePerson(tx, c.ID, i, personID); err != nil {
			return err
		}
		people, index := chore.RemoveAt(c.People, c.CurrentPersonIndex, i)
		if err := touch(tx, c.ID, index); err != nil {
			return err
		}

		stillListed := false
		for _, p := range people {
			if p.UserID == removed.UserID {
				stillListed = true
				break
			}
		}
		if c.IsMember(removed.UserID) && !c.IsOwner(removed.UserID) && !stillListed {
			if err := deleteMember(tx, c.ID, removed.UserID); err != nil {
				return err
			}
			revoked = true
		}

		out, err = loadChore(tx, c.ID)
		return err
	})
	return out, removed, revoked, err
}

// Advance passes the turn to the next person. changed is false for an empty
// rotation, which is left untouched.
func (s *ChoreStore) Advance(choreID string) (out *model.Chore, changed bool, err error) {
	err = s.withTx(func(tx *sqlx.Tx) error {
		c, err := mustLoadChore(tx, choreID)
		if err != nil {
			return err
		}
		if len(c.People) == 0 {
			out = c
			return nil
		}
		if err := touch(tx, c.ID, chore.Advance(c.CurrentPersonIndex, len(c.People))); err != nil {
			return err
		}
		changed = true
		out, err = loadChore(tx, c.ID)
		return err
	})
	return out, changed, err
}
