package model

import (
	"testing"

	"github.com/juju/errors"
)

func TestVisibleTo(t *testing.T) {
	c := Chore{ID: "c1", OwnerID: "alice", SharedWith: []string{"bob"}}

	if !c.VisibleTo("alice") {
		t.Error("owner should see chore")
	}
	if !c.VisibleTo("bob") {
		t.Error("member should see chore")
	}
	if c.VisibleTo("carol") {
		t.Error("stranger should not see chore")
	}
	if c.VisibleTo("") {
		t.Error("empty user should not see chore")
	}
}

func TestAudience(t *testing.T) {
	c := Chore{OwnerID: "alice", SharedWith: []string{"bob", "alice", "carol", "bob"}}
	got := c.Audience()
	want := []string{"alice", "bob", "carol"}
	if len(got) != len(want) {
		t.Fatalf("audience = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audience[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCurrentHolder(t *testing.T) {
	c := Chore{People: []Person{{ID: "p1", Name: "A", UserID: "u1"}, {ID: "p2", Name: "B", UserID: "u2"}}, CurrentPersonIndex: 1}
	p, ok := c.CurrentHolder()
	if !ok || p.Name != "B" {
		t.Errorf("holder = %+v %v, want B", p, ok)
	}

	empty := Chore{}
	if _, ok := empty.CurrentHolder(); ok {
		t.Error("empty chore should have no holder")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		chore Chore
		ok    bool
	}{
		{"empty rotation", Chore{ID: "c", OwnerID: "o"}, true},
		{"valid index", Chore{ID: "c", OwnerID: "o", People: []Person{{ID: "p", UserID: "u"}}}, true},
		{"missing id", Chore{OwnerID: "o"}, false},
		{"missing owner", Chore{ID: "c"}, false},
		{"index out of bounds", Chore{ID: "c", OwnerID: "o", People: []Person{{ID: "p", UserID: "u"}}, CurrentPersonIndex: 1}, false},
		{"index on empty", Chore{ID: "c", OwnerID: "o", CurrentPersonIndex: 2}, false},
		{"unbound person", Chore{ID: "c", OwnerID: "o", People: []Person{{ID: "p"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.chore.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, errors.NotValid) {
					t.Errorf("error %v is not NotValid", err)
				}
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := Chore{ID: "c", SharedWith: []string{"a"}, People: []Person{{ID: "p", UserID: "u"}}}
	cp := c.Clone()
	cp.SharedWith[0] = "changed"
	cp.People[0].Name = "changed"
	if c.SharedWith[0] != "a" || c.People[0].Name != "" {
		t.Error("clone shares backing arrays")
	}
}

func TestErrorCodeRoundTrip(t *testing.T) {
	kinds := []struct {
		code string
		kind errors.ConstError
	}{
		{CodeAlreadyMember, ErrAlreadyMember},
		{CodeDuplicateMember, ErrDuplicateMember},
		{CodeOwnerCannotLeave, ErrOwnerCannotLeave},
		{CodeNotFound, errors.NotFound},
		{CodeValidation, errors.NotValid},
		{CodeForbidden, errors.Forbidden},
		{CodeUnauthorized, errors.Unauthorized},
		{CodeAlreadyExists, errors.AlreadyExists},
	}
	for _, k := range kinds {
		err := ErrorFromCode(k.code, "server said no")
		if !errors.Is(err, k.kind) {
			t.Errorf("ErrorFromCode(%q) is not %v", k.code, k.kind)
		}
		if got := ErrorCode(err); got != k.code {
			t.Errorf("ErrorCode = %q, want %q", got, k.code)
		}
		if err.Error() != "server said no" {
			t.Errorf("message = %q", err.Error())
		}
	}
}
