package store

import "testing"

func TestPushSubscriptionUpsert(t *testing.T) {
	db := setupTestDB(t)
	ps, us := NewPushStore(db), NewUserStore(db)
	u := createUser(t, us, "alice@example.com", "Alice")

	sub, err := ps.CreateSubscription(u.ID, "https://push.example.com/1", "p256", "auth", "Phone")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.DeviceName != "Phone" {
		t.Errorf("device_name = %q, want %q", sub.DeviceName, "Phone")
	}

	again, err := ps.CreateSubscription(u.ID, "https://push.example.com/1", "p256-new", "auth-new", "Tablet")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if again.ID != sub.ID {
		t.Errorf("upsert id = %q, want %q", again.ID, sub.ID)
	}
	if again.P256dhKey != "p256-new" {
		t.Errorf("p256dh = %q, want %q", again.P256dhKey, "p256-new")
	}

	subs, err := ps.ListByUser(u.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("len = %d, want 1", len(subs))
	}
}

func TestPushSubscriptionDelete(t *testing.T) {
	db := setupTestDB(t)
	ps, us := NewPushStore(db), NewUserStore(db)
	alice := createUser(t, us, "alice@example.com", "Alice")
	bob := createUser(t, us, "bob@example.com", "Bob")

	sub, _ := ps.CreateSubscription(alice.ID, "https://push.example.com/a", "k", "a", "")

	// Another user's id does not match.
	if err := ps.DeleteSubscription(sub.ID, bob.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := ps.GetByID(sub.ID, alice.ID); got == nil {
		t.Fatal("subscription deleted by wrong user")
	}

	if err := ps.DeleteByEndpoint("https://push.example.com/a"); err != nil {
		t.Fatalf("delete by endpoint: %v", err)
	}
	if got, _ := ps.GetByID(sub.ID, alice.ID); got != nil {
		t.Error("subscription survived delete by endpoint")
	}
}
