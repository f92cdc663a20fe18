// Package notify delivers turn and rotation notices off the request path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/email"
	"github.com/dukerupert/rota/internal/model"
	"github.com/dukerupert/rota/internal/push"
	"github.com/dukerupert/rota/internal/store"
)

const queueSize = 64

type job func(ctx context.Context)

// Dispatcher queues notifications and sends them from a single worker.
type Dispatcher struct {
	mu      sync.RWMutex
	push    *push.Service
	email   *email.Client
	subs    *store.PushStore
	logger  *slog.Logger
	jobs    chan job
	cancel  context.CancelFunc
	done    chan struct{}
	baseURL string
}

// New creates a Dispatcher. Either sender may be nil, which disables it.
func New(pushSvc *push.Service, emailClient *email.Client, subs *store.PushStore, baseURL string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		push:    pushSvc,
		email:   emailClient,
		subs:    subs,
		logger:  logger,
		jobs:    make(chan job, queueSize),
		baseURL: baseURL,
	}
}

// Start begins the worker loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		for {
			select {
			case <-ctx.Done():
				return
			case j := <-d.jobs:
				j(ctx)
			}
		}
	}()
}

// Stop stops the worker. Queued jobs that have not started are dropped.
func (d *Dispatcher) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (d *Dispatcher) enqueue(kind string, j job) {
	select {
	case d.jobs <- j:
	default:
		d.logger.Warn("notification queue full, dropping", "kind", kind)
	}
}

// NotifyTurn pushes a notice to the devices of the chore's current holder.
func (d *Dispatcher) NotifyTurn(c *model.Chore) {
	if d.push == nil {
		return
	}
	holder, ok := c.CurrentHolder()
	if !ok {
		return
	}
	choreID, choreName := c.ID, c.Name
	d.enqueue("turn", func(ctx context.Context) {
		d.pushTo(ctx, holder.UserID, push.Payload{
			Title: "Your turn",
			Body:  fmt.Sprintf("It's your turn for %s", choreName),
			URL:   d.baseURL + "/chores/" + choreID,
			Tag:   "turn-" + choreID,
		})
	})
}

// NotifyAdded tells a user they were put in a rotation, by email and push.
func (d *Dispatcher) NotifyAdded(c *model.Chore, added *model.User, by *model.User) {
	choreID, choreName := c.ID, c.Name
	toEmail, toID := added.Email, added.ID
	byName := by.Name
	if byName == "" {
		byName = by.Email
	}

	d.enqueue("added", func(ctx context.Context) {
		if d.email.Configured() {
			if err := d.email.SendAddedToRotation(ctx, toEmail, choreName, byName); err != nil {
				d.logger.Error("send rotation email", "error", err, "chore_id", choreID)
			}
		}
		if d.push != nil {
			d.pushTo(ctx, toID, push.Payload{
				Title: "New rotation",
				Body:  fmt.Sprintf("%s added you to %s", byName, choreName),
				URL:   d.baseURL + "/chores/" + choreID,
				Tag:   "added-" + choreID,
			})
		}
	})
}

func (d *Dispatcher) pushTo(ctx context.Context, userID string, payload push.Payload) {
	subs, err := d.subs.ListByUser(userID)
	if err != nil {
		d.logger.Error("list push subscriptions", "error", err, "user_id", userID)
		return
	}
	for _, sub := range subs {
		err := d.push.Send(ctx, &sub, payload)
		switch {
		case err == nil:
		case errors.Is(err, push.ErrExpired):
			d.logger.Info("removing expired push subscription", "subscription_id", sub.ID)
			if err := d.subs.DeleteByEndpoint(sub.Endpoint); err != nil {
				d.logger.Error("delete expired subscription", "error", err)
			}
		default:
			d.logger.Warn("push send", "error", err, "subscription_id", sub.ID)
		}
	}
}
