package model

import (
	"slices"
	"time"

	"github.com/juju/errors"
)

// Person is one slot in a chore's rotation. Every slot is bound to a
// registered account; a payload without a user id is rejected.
type Person struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	UserID string `json:"user_id" db:"user_id"`
}

type Chore struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OwnerID            string    `json:"owner_id"`
	SharedWith         []string  `json:"shared_with"`
	People             []Person  `json:"people"`
	CurrentPersonIndex int       `json:"current_person_index"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// IsOwner reports whether userID created the chore.
func (c *Chore) IsOwner(userID string) bool {
	return userID != "" && c.OwnerID == userID
}

// IsMember reports whether userID appears in shared_with.
func (c *Chore) IsMember(userID string) bool {
	return userID != "" && slices.Contains(c.SharedWith, userID)
}

// VisibleTo reports whether userID may observe and act on the chore.
func (c *Chore) VisibleTo(userID string) bool {
	return c.IsOwner(userID) || c.IsMember(userID)
}

// Audience returns the users entitled to see the chore: the owner followed
// by every member, without duplicates.
func (c *Chore) Audience() []string {
	out := make([]string, 0, len(c.SharedWith)+1)
	if c.OwnerID != "" {
		out = append(out, c.OwnerID)
	}
	for _, id := range c.SharedWith {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// CurrentHolder returns the person whose turn it is.
func (c *Chore) CurrentHolder() (Person, bool) {
	if len(c.People) == 0 || c.CurrentPersonIndex < 0 || c.CurrentPersonIndex >= len(c.People) {
		return Person{}, false
	}
	return c.People[c.CurrentPersonIndex], true
}

// PersonIndex returns the position of the slot with the given id, or -1.
func (c *Chore) PersonIndex(personID string) int {
	return slices.IndexFunc(c.People, func(p Person) bool { return p.ID == personID })
}

// HasPersonForUser reports whether a slot bound to userID exists.
func (c *Chore) HasPersonForUser(userID string) bool {
	return slices.ContainsFunc(c.People, func(p Person) bool { return p.UserID == userID })
}

// Validate checks the structural invariants a chore payload must satisfy
// before it is stored or applied.
func (c *Chore) Validate() error {
	if c.ID == "" {
		return errors.NotValidf("chore without id")
	}
	if c.OwnerID == "" {
		return errors.NotValidf("chore %q without owner", c.ID)
	}
	for i, p := range c.People {
		if p.ID == "" {
			return errors.NotValidf("chore %q person %d without id", c.ID, i)
		}
		if p.UserID == "" {
			return errors.NotValidf("chore %q person %q without user", c.ID, p.ID)
		}
	}
	if len(c.People) == 0 {
		if c.CurrentPersonIndex != 0 {
			return errors.NotValidf("chore %q index %d with no people", c.ID, c.CurrentPersonIndex)
		}
		return nil
	}
	if c.CurrentPersonIndex < 0 || c.CurrentPersonIndex >= len(c.People) {
		return errors.NotValidf("chore %q index %d of %d people", c.ID, c.CurrentPersonIndex, len(c.People))
	}
	return nil
}

// Clone returns a deep copy so callers can hand chores out without sharing
// the backing slices.
func (c Chore) Clone() Chore {
	c.SharedWith = slices.Clone(c.SharedWith)
	c.People = slices.Clone(c.People)
	if c.SharedWith == nil {
		c.SharedWith = []string{}
	}
	if c.People == nil {
		c.People = []Person{}
	}
	return c
}

// Equal compares the replicated fields of two chores.
func (c *Chore) Equal(o *Chore) bool {
	return c.ID == o.ID &&
		c.Name == o.Name &&
		c.OwnerID == o.OwnerID &&
		c.CurrentPersonIndex == o.CurrentPersonIndex &&
		slices.Equal(c.SharedWith, o.SharedWith) &&
		slices.Equal(c.People, o.People)
}
