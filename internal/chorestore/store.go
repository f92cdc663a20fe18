// Package chorestore holds a client's view of the chores it may see. Local
// state changes only through Refresh and server events; mutations go to the
// server and wait for the resulting event.
package chorestore

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/model"
	"github.com/dukerupert/rota/internal/realtime"
)

// ChoreService is the REST surface the store calls.
type ChoreService interface {
	GetAllChores(ctx context.Context) ([]model.Chore, error)
	CreateChore(ctx context.Context, name string) (*model.Chore, error)
	RenameChore(ctx context.Context, choreID, name string) (*model.Chore, error)
	DeleteChore(ctx context.Context, choreID string) error
	JoinChore(ctx context.Context, choreID string) (*model.Chore, error)
	LeaveChore(ctx context.Context, choreID string) error
	AddPersonToChore(ctx context.Context, choreID, email string) (*model.Chore, error)
	RemovePersonFromChore(ctx context.Context, choreID, personID string) (*model.Chore, error)
	AdvanceQueue(ctx context.Context, choreID string) (*model.Chore, error)
}

// Identity names the signed-in user.
type Identity interface {
	UserID() string
}

type Store struct {
	svc    ChoreService
	id     Identity
	logger *slog.Logger

	mu      sync.RWMutex
	chores  map[string]model.Chore
	loading bool
	err     error

	subMu  sync.Mutex
	subs   map[int]func()
	nextID int
}

func New(svc ChoreService, id Identity, logger *slog.Logger) *Store {
	return &Store{
		svc:    svc,
		id:     id,
		logger: logger,
		chores: make(map[string]model.Chore),
		subs:   make(map[int]func()),
	}
}

// Subscribe registers fn to run after every change to the store. The
// returned function removes it.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Chores returns the visible chores sorted by name.
func (s *Store) Chores() []model.Chore {
	s.mu.RLock()
	out := make([]model.Chore, 0, len(s.chores))
	for _, c := range s.chores {
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b model.Chore) int {
		return cmp.Or(cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name)), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (s *Store) Get(choreID string) (model.Chore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chores[choreID]
	if !ok {
		return model.Chore{}, false
	}
	return c.Clone(), true
}

func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the error of the last failed refresh, or nil once a refresh
// succeeds.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Reset drops all local state.
func (s *Store) Reset() {
	s.mu.Lock()
	s.chores = make(map[string]model.Chore)
	s.loading = false
	s.err = nil
	s.mu.Unlock()
	s.notify()
}

// Refresh replaces local state with the visible chores on the server. On
// failure the previous state is kept.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()
	s.notify()

	chores, err := s.svc.GetAllChores(ctx)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.err = errors.Annotate(err, "refresh chores")
		s.mu.Unlock()
		s.notify()
		return s.Err()
	}
	me := s.id.UserID()
	next := make(map[string]model.Chore, len(chores))
	for _, c := range chores {
		if err := c.Validate(); err != nil {
			s.logger.Warn("dropping invalid chore", "chore_id", c.ID, "error", err)
			continue
		}
		if c.VisibleTo(me) {
			next[c.ID] = c.Clone()
		}
	}
	s.chores = next
	s.err = nil
	s.mu.Unlock()
	s.notify()
	return nil
}

// local returns the stored chore or NotFound.
func (s *Store) local(choreID string) (model.Chore, error) {
	c, ok := s.Get(choreID)
	if !ok {
		return model.Chore{}, errors.NotFoundf("chore %q", choreID)
	}
	return c, nil
}

func (s *Store) requireOwner(choreID, action string) (model.Chore, error) {
	c, err := s.local(choreID)
	if err != nil {
		return c, err
	}
	if !c.IsOwner(s.id.UserID()) {
		return c, errors.Forbiddenf("only the owner may %s chore %q", action, c.Name)
	}
	return c, nil
}

// Create asks the server for a new chore. The chore appears locally when
// its chore_created event arrives. The returned chore is the server's reply.
func (s *Store) Create(ctx context.Context, name string) (*model.Chore, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.NotValidf("empty chore name")
	}
	return s.svc.CreateChore(ctx, name)
}

func (s *Store) Rename(ctx context.Context, choreID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.NotValidf("empty chore name")
	}
	if _, err := s.requireOwner(choreID, "rename"); err != nil {
		return err
	}
	_, err := s.svc.RenameChore(ctx, choreID, name)
	return err
}

func (s *Store) Delete(ctx context.Context, choreID string) error {
	if _, err := s.requireOwner(choreID, "delete"); err != nil {
		return err
	}
	return s.svc.DeleteChore(ctx, choreID)
}

// Join adds the user to a chore by id and then refreshes, since the joining
// client may not see an event for it. A failed refresh is left in Err.
func (s *Store) Join(ctx context.Context, choreID string) error {
	choreID = strings.TrimSpace(choreID)
	if choreID == "" {
		return errors.NotValidf("empty chore id")
	}
	if _, err := s.svc.JoinChore(ctx, choreID); err != nil {
		return err
	}
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("refresh after join failed", "chore_id", choreID, "error", err)
	}
	return nil
}

func (s *Store) Leave(ctx context.Context, choreID string) error {
	c, err := s.local(choreID)
	if err != nil {
		return err
	}
	if c.IsOwner(s.id.UserID()) {
		return errors.WithType(errors.Errorf("owner must delete chore %q instead of leaving", c.Name), model.ErrOwnerCannotLeave)
	}
	return s.svc.LeaveChore(ctx, choreID)
}

func (s *Store) AddPerson(ctx context.Context, choreID, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if !model.ValidEmail(email) {
		return errors.NotValidf("email %q", email)
	}
	if _, err := s.local(choreID); err != nil {
		return err
	}
	_, err := s.svc.AddPersonToChore(ctx, choreID, email)
	return err
}

func (s *Store) RemovePerson(ctx context.Context, choreID, personID string) error {
	c, err := s.requireOwner(choreID, "remove people from")
	if err != nil {
		return err
	}
	if c.PersonIndex(personID) < 0 {
		return errors.NotFoundf("person %q in chore %q", personID, c.Name)
	}
	_, err = s.svc.RemovePersonFromChore(ctx, choreID, personID)
	return err
}

// AdvanceQueue passes the turn to the next person. It does nothing when the
// rotation is empty.
func (s *Store) AdvanceQueue(ctx context.Context, choreID string) error {
	c, err := s.local(choreID)
	if err != nil {
		return err
	}
	if len(c.People) == 0 {
		return nil
	}
	_, err = s.svc.AdvanceQueue(ctx, choreID)
	return err
}

// Apply folds a server event into local state. Its signature matches
// realtime.Handler.
func (s *Store) Apply(ev realtime.Event) error {
	me := s.id.UserID()

	s.mu.Lock()
	var changed bool
	switch e := ev.(type) {
	case realtime.ChoreCreated:
		changed = s.upsertOrEvictLocked(me, e.Chore)
	case realtime.ChoreDeleted:
		changed = s.removeLocked(e.ChoreID)
	case realtime.PersonAdded:
		changed = s.upsertOrEvictLocked(me, e.Chore)
	case realtime.PersonRemoved:
		changed = s.upsertOrEvictLocked(me, e.Chore)
	case realtime.QueueAdvanced:
		changed = s.upsertOrEvictLocked(me, e.Chore)
	case realtime.ChoreUpdated:
		changed = s.upsertOrEvictLocked(me, e.Chore)
	case realtime.UserJoined:
		changed = s.upsertOrEvictLocked(me, e.Chore)
	case realtime.UserLeft:
		if e.UserID == me {
			changed = s.removeLocked(e.ChoreID)
		} else {
			changed = s.upsertOrEvictLocked(me, e.Chore)
		}
	case realtime.UserRemoved:
		if e.RemovedPerson.UserID == me && !e.Chore.IsOwner(me) {
			changed = s.removeLocked(e.ChoreID)
		} else {
			changed = s.upsertOrEvictLocked(me, e.Chore)
		}
	default:
		s.mu.Unlock()
		return errors.NotValidf("event %T", ev)
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
	return nil
}

func (s *Store) putLocked(c model.Chore) bool {
	if old, ok := s.chores[c.ID]; ok && old.Equal(&c) {
		return false
	}
	s.chores[c.ID] = c.Clone()
	return true
}

func (s *Store) removeLocked(choreID string) bool {
	if _, ok := s.chores[choreID]; !ok {
		return false
	}
	delete(s.chores, choreID)
	return true
}

// upsertOrEvictLocked stores c if me may see it and drops it otherwise.
func (s *Store) upsertOrEvictLocked(me string, c model.Chore) bool {
	if c.VisibleTo(me) {
		return s.putLocked(c)
	}
	return s.removeLocked(c.ID)
}
