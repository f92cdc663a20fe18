package credential

import (
	"testing"

	"github.com/99designs/keyring"

	"github.com/dukerupert/rota/internal/model"
)

func TestSaveLoadClear(t *testing.T) {
	s := New(keyring.NewArrayKeyring(nil))

	got, err := s.Load()
	if err != nil || got != nil {
		t.Fatalf("empty load = %+v, %v", got, err)
	}

	want := Saved{Token: "tok", User: model.User{ID: "u1", Email: "a@x.com", Name: "A"}}
	if err := s.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Token != "tok" || got.User.ID != "u1" || got.User.Email != "a@x.com" {
		t.Errorf("loaded %+v", got)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got, _ := s.Load(); got != nil {
		t.Errorf("load after clear = %+v", got)
	}
	if err := s.Clear(); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestLoadIgnoresIncomplete(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: sessionKey, Data: []byte(`{"token":""}`)}})
	if got, err := New(ring).Load(); err != nil || got != nil {
		t.Errorf("load = %+v, %v; want nil, nil", got, err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	ring := keyring.NewArrayKeyring([]keyring.Item{{Key: sessionKey, Data: []byte(`{`)}})
	if _, err := New(ring).Load(); err == nil {
		t.Error("expected decode error")
	}
}
