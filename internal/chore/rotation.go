// Package chore holds the queue rotation rules that decide whose turn it is.
// The server applies them to canonical state; the client mirrors them only
// for verification.
package chore

import (
	"slices"

	"github.com/dukerupert/rota/internal/model"
)

// Advance returns the index after current in a rotation of length people.
// An empty rotation stays at 0.
func Advance(current, length int) int {
	if length <= 0 {
		return 0
	}
	return (current + 1) % length
}

// IndexAfterRemoval returns the current index once the slot at removed is
// gone from a rotation that now holds newLength people.
//
// Removing someone before the holder shifts the index left so it tracks the
// same holder. Removing the holder keeps the index, which now names the next
// person. Removing someone after the holder changes nothing. The result is
// wrapped to 0 when it falls off the end.
func IndexAfterRemoval(current, removed, newLength int) int {
	if removed < current {
		current--
	}
	if newLength <= 0 || current >= newLength || current < 0 {
		return 0
	}
	return current
}

// RemoveAt removes the slot at index removed and returns the new rotation
// and index. An out-of-range index leaves both untouched.
func RemoveAt(people []model.Person, current, removed int) ([]model.Person, int) {
	if removed < 0 || removed >= len(people) {
		return people, current
	}
	out := slices.Delete(slices.Clone(people), removed, removed+1)
	return out, IndexAfterRemoval(current, removed, len(out))
}

// RemoveUser drops every slot bound to userID, highest index first so each
// step sees the positions the rules were written for.
func RemoveUser(people []model.Person, current int, userID string) ([]model.Person, int, []model.Person) {
	var removed []model.Person
	for i := len(people) - 1; i >= 0; i-- {
		if people[i].UserID != userID {
			continue
		}
		removed = append(removed, people[i])
		people, current = RemoveAt(people, current, i)
	}
	return people, current, removed
}
