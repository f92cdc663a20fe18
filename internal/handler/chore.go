package handler

import (
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/auth"
	"github.com/dukerupert/rota/internal/model"
	"github.com/dukerupert/rota/internal/store"
)

// Publisher delivers a realtime message to the listed users.
type Publisher interface {
	Publish(msg model.Message, audience ...string)
}

// Notifier sends out-of-band notices. Implementations must not block.
type Notifier interface {
	NotifyTurn(c *model.Chore)
	NotifyAdded(c *model.Chore, added *model.User, by *model.User)
}

type ChoreHandler struct {
	// mu orders mutations with their broadcasts, so clients receive
	// snapshots in commit order.
	mu sync.Mutex

	choreStore *store.ChoreStore
	userStore  *store.UserStore
	hub        Publisher
	notifier   Notifier
	logger     *slog.Logger
}

func NewChoreHandler(cs *store.ChoreStore, us *store.UserStore, hub Publisher, notifier Notifier, logger *slog.Logger) *ChoreHandler {
	return &ChoreHandler{choreStore: cs, userStore: us, hub: hub, notifier: notifier, logger: logger}
}

// broadcast sends msg to everyone who could see the chore before or after
// the mutation, so members who just lost access still learn about it.
func (h *ChoreHandler) broadcast(msg model.Message, before, after *model.Chore) {
	if h.hub == nil {
		return
	}
	var audience []string
	for _, c := range []*model.Chore{before, after} {
		if c == nil {
			continue
		}
		for _, id := range c.Audience() {
			if !slices.Contains(audience, id) {
				audience = append(audience, id)
			}
		}
	}
	h.hub.Publish(msg, audience...)
}

// visibleChore loads the chore named by the path and hides it from users
// who are neither owner nor member.
func (h *ChoreHandler) visibleChore(r *http.Request, id string) (*model.Chore, error) {
	c, err := h.choreStore.GetByID(id)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.VisibleTo(auth.UserID(r.Context())) {
		return nil, errors.NotFoundf("chore %q", id)
	}
	return c, nil
}

func (h *ChoreHandler) currentUser(r *http.Request) (*model.User, error) {
	u, err := h.userStore.GetByID(auth.UserID(r.Context()))
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errors.Unauthorizedf("unknown user")
	}
	return u, nil
}

type choreRequest struct {
	Name string `json:"name"`
}

type joinRequest struct {
	ChoreID string `json:"chore_id"`
}

type addPersonRequest struct {
	Email string `json:"email"`
}

func (h *ChoreHandler) List(w http.ResponseWriter, r *http.Request) {
	chores, err := h.choreStore.ListForUser(auth.UserID(r.Context()))
	if err != nil {
		writeError(w, h.logger, "failed to list chores", err)
		return
	}
	writeJSON(w, http.StatusOK, chores)
}

func (h *ChoreHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ChoreHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req choreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	userID := auth.UserID(r.Context())
	c, err := h.choreStore.Create(userID, req.Name)
	if err != nil {
		writeError(w, h.logger, "failed to create chore", err)
		return
	}

	msg := model.NewChoreMessage(model.MessageChoreCreated, c)
	msg.UserID = userID
	h.broadcast(msg, nil, c)

	writeJSON(w, http.StatusCreated, c)
}

// Update renames a chore. Only the owner may rename.
func (h *ChoreHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req choreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}
	if !before.IsOwner(auth.UserID(r.Context())) {
		writeError(w, h.logger, "", errors.Forbiddenf("only the owner may rename chore %q", before.ID))
		return
	}

	c, err := h.choreStore.Rename(before.ID, req.Name)
	if err != nil {
		writeError(w, h.logger, "failed to rename chore", err)
		return
	}

	h.broadcast(model.NewChoreMessage(model.MessageChoreUpdated, c), before, c)
	writeJSON(w, http.StatusOK, c)
}

func (h *ChoreHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}
	if !before.IsOwner(auth.UserID(r.Context())) {
		writeError(w, h.logger, "", errors.Forbiddenf("only the owner may delete chore %q", before.ID))
		return
	}

	if err := h.choreStore.Delete(before.ID); err != nil {
		writeError(w, h.logger, "failed to delete chore", err)
		return
	}

	h.broadcast(model.Message{Type: model.MessageChoreDeleted, ChoreID: before.ID}, before, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChoreHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON", err)
		return
	}
	req.ChoreID = strings.TrimSpace(req.ChoreID)
	if req.ChoreID == "" {
		writeError(w, h.logger, "", errors.NotValidf("empty chore id"))
		return
	}

	u, err := h.currentUser(r)
	if err != nil {
		writeError(w, h.logger, "failed to load user", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.choreStore.Join(req.ChoreID, u)
	if err != nil {
		writeError(w, h.logger, "failed to join chore", err)
		return
	}

	msg := model.NewChoreMessage(model.MessageUserJoined, c)
	msg.UserID = u.ID
	h.broadcast(msg, nil, c)

	writeJSON(w, http.StatusOK, c)
}

func (h *ChoreHandler) Leave(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}

	userID := auth.UserID(r.Context())
	c, err := h.choreStore.Leave(before.ID, userID)
	if err != nil {
		writeError(w, h.logger, "failed to leave chore", err)
		return
	}

	msg := model.NewChoreMessage(model.MessageUserLeft, c)
	msg.UserID = userID
	h.broadcast(msg, before, c)

	holderBefore, _ := before.CurrentHolder()
	if holderAfter, ok := c.CurrentHolder(); ok && holderAfter.ID != holderBefore.ID {
		h.notifyTurn(c)
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ChoreHandler) AddPerson(w http.ResponseWriter, r *http.Request) {
	var req addPersonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, "invalid JSON", err)
		return
	}
	email := store.NormalizeEmail(req.Email)
	if !model.ValidEmail(email) {
		writeError(w, h.logger, "", errors.NotValidf("email %q", req.Email))
		return
	}

	target, err := h.userStore.GetByEmail(email)
	if err != nil {
		writeError(w, h.logger, "failed to look up user", err)
		return
	}
	if target == nil {
		writeError(w, h.logger, "", errors.NotFoundf("user with email %q", email))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}

	c, err := h.choreStore.AddPerson(before.ID, target)
	if err != nil {
		writeError(w, h.logger, "failed to add person", err)
		return
	}

	h.broadcast(model.NewChoreMessage(model.MessagePersonAdded, c), before, c)

	if h.notifier != nil && target.ID != auth.UserID(r.Context()) {
		if actor, err := h.userStore.GetByID(auth.UserID(r.Context())); err == nil && actor != nil {
			h.notifier.NotifyAdded(c, target, actor)
		}
	}

	writeJSON(w, http.StatusOK, c)
}

// RemovePerson takes a slot out of the rotation. Only the owner may remove.
func (h *ChoreHandler) RemovePerson(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}
	if !before.IsOwner(auth.UserID(r.Context())) {
		writeError(w, h.logger, "", errors.Forbiddenf("only the owner may remove people from chore %q", before.ID))
		return
	}

	c, removed, revoked, err := h.choreStore.RemovePerson(before.ID, r.PathValue("person_id"))
	if err != nil {
		writeError(w, h.logger, "failed to remove person", err)
		return
	}

	msg := model.NewChoreMessage(model.MessagePersonRemoved, c)
	if revoked {
		msg.Type = model.MessageUserRemoved
		msg.RemovedPerson = &removed
	}
	h.broadcast(msg, before, c)

	holderBefore, _ := before.CurrentHolder()
	if holderAfter, ok := c.CurrentHolder(); ok && holderAfter.ID != holderBefore.ID {
		h.notifyTurn(c)
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *ChoreHandler) Advance(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	before, err := h.visibleChore(r, r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, "failed to get chore", err)
		return
	}

	c, changed, err := h.choreStore.Advance(before.ID)
	if err != nil {
		writeError(w, h.logger, "failed to advance queue", err)
		return
	}

	if changed {
		h.broadcast(model.NewChoreMessage(model.MessageQueueAdvanced, c), before, c)
		h.notifyTurn(c)
	}

	writeJSON(w, http.StatusOK, c)
}

func (h *ChoreHandler) notifyTurn(c *model.Chore) {
	if h.notifier != nil {
		h.notifier.NotifyTurn(c)
	}
}
