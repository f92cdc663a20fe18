package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/auth"
	"github.com/dukerupert/rota/internal/model"
)

// fakeVerifier accepts tokens of the form "token-<user>".
type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (auth.AuthContext, error) {
	const prefix = "token-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return auth.AuthContext{}, errors.Unauthorizedf("bad token")
	}
	user := token[len(prefix):]
	return auth.AuthContext{UserID: user, SessionID: "sess-" + user}, nil
}

func newTestHub() *Hub {
	return NewHub(fakeVerifier{}, slog.Default())
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		conn: nil,
		send: make(chan []byte, sendBufferSize),
	}
}

func authedClient(t *testing.T, hub *Hub, user string) *Client {
	t.Helper()
	c := mockClient(hub)
	hub.Register(c)
	if !hub.authenticate(c, "token-"+user, user) {
		t.Fatalf("authenticate %s failed", user)
	}
	return c
}

func recv(t *testing.T, c *Client) model.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var got model.Message
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
	return model.Message{}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("unexpected message %s", data)
	default:
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := newTestHub()

	c1 := mockClient(hub)
	c2 := mockClient(hub)

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestDoubleUnregister(t *testing.T) {
	hub := newTestHub()
	c := mockClient(hub)
	hub.Register(c)
	hub.Unregister(c)
	// Should not panic
	hub.Unregister(c)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestPublishOnlyToAudience(t *testing.T) {
	hub := newTestHub()

	alice := authedClient(t, hub, "alice")
	bob := authedClient(t, hub, "bob")
	carol := authedClient(t, hub, "carol")
	anon := mockClient(hub)
	hub.Register(anon)

	chore := &model.Chore{ID: "c1", Name: "Dishes", OwnerID: "alice", SharedWith: []string{"bob"}}
	hub.Publish(model.NewChoreMessage(model.MessageQueueAdvanced, chore), chore.Audience()...)

	for _, c := range []*Client{alice, bob} {
		got := recv(t, c)
		if got.Type != model.MessageQueueAdvanced {
			t.Errorf("type = %q, want %q", got.Type, model.MessageQueueAdvanced)
		}
		if got.ChoreID != "c1" || got.Chore == nil || got.Chore.Name != "Dishes" {
			t.Errorf("payload = %+v", got)
		}
	}
	expectNothing(t, carol)
	expectNothing(t, anon)
}

func TestPublishEmptyAudience(t *testing.T) {
	hub := newTestHub()
	c := authedClient(t, hub, "alice")
	hub.Publish(model.Message{Type: model.MessageChoreDeleted, ChoreID: "c1"})
	expectNothing(t, c)
}

func TestPublishAllClientsOfUser(t *testing.T) {
	hub := newTestHub()
	phone := authedClient(t, hub, "alice")
	laptop := authedClient(t, hub, "alice")

	hub.Publish(model.Message{Type: model.MessageChoreDeleted, ChoreID: "c1"}, "alice")

	recv(t, phone)
	recv(t, laptop)
	if got := hub.UserClientCount("alice"); got != 2 {
		t.Errorf("UserClientCount = %d, want 2", got)
	}
}

func TestPublishFullBuffer(t *testing.T) {
	hub := newTestHub()
	c := authedClient(t, hub, "alice")

	for i := 0; i < sendBufferSize; i++ {
		hub.Publish(model.Message{Type: model.MessageQueueAdvanced, ChoreID: "fill"}, "alice")
	}

	// This should drop the message, not panic or block
	hub.Publish(model.Message{Type: model.MessageQueueAdvanced, ChoreID: "dropped"}, "alice")

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestHandleAuthAndPing(t *testing.T) {
	hub := newTestHub()
	c := mockClient(hub)
	hub.Register(c)

	c.handle([]byte(`{"type":"ping"}`))
	if got := recv(t, c); got.Type != model.MessagePong {
		t.Errorf("ping reply = %q, want pong", got.Type)
	}

	c.handle([]byte(`{"type":"auth","token":"nope","user_id":"alice"}`))
	if got := recv(t, c); got.Type != model.MessageAuthFailed {
		t.Errorf("bad token reply = %q, want auth_failed", got.Type)
	}

	c.handle([]byte(`{"type":"auth","token":"token-alice","user_id":"bob"}`))
	if got := recv(t, c); got.Type != model.MessageAuthFailed {
		t.Errorf("mismatched user reply = %q, want auth_failed", got.Type)
	}

	c.handle([]byte(`{"type":"auth","token":"token-alice","user_id":"alice"}`))
	if got := recv(t, c); got.Type != model.MessageAuthSuccess {
		t.Errorf("good token reply = %q, want auth_success", got.Type)
	}

	c.handle([]byte(`not json`))
	expectNothing(t, c)

	hub.Publish(model.Message{Type: model.MessageChoreDeleted, ChoreID: "c1"}, "alice")
	if got := recv(t, c); got.Type != model.MessageChoreDeleted {
		t.Errorf("type = %q, want chore_deleted", got.Type)
	}
}

func TestRevokeSession(t *testing.T) {
	hub := newTestHub()
	alice := authedClient(t, hub, "alice")
	authedClient(t, hub, "bob")

	hub.RevokeSession("sess-alice")

	if got := hub.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
	if _, ok := <-alice.send; ok {
		t.Error("revoked client's send channel should be closed")
	}
	// Unregister after revoke must not panic.
	hub.Unregister(alice)
}

func TestConcurrentAccess(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub)
			hub.Register(c)
			hub.authenticate(c, "token-alice", "alice")
			hub.Publish(model.Message{Type: model.MessageQueueAdvanced}, "alice")
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}
