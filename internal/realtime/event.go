package realtime

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/dukerupert/rota/internal/model"
)

// Kind names an inbound domain event. KindAny matches every event.
type Kind = model.MessageType

const KindAny Kind = "*"

// Event is one of the domain events the server pushes. The set is closed:
// ChoreCreated, ChoreDeleted, PersonAdded, PersonRemoved, QueueAdvanced,
// ChoreUpdated, UserJoined, UserLeft and UserRemoved.
type Event interface {
	Kind() Kind
	ID() string
	isEvent()
}

// ChorePayload is the snapshot carried by every event except ChoreDeleted.
type ChorePayload struct {
	ChoreID string
	Chore   model.Chore
}

func (p ChorePayload) ID() string { return p.ChoreID }
func (ChorePayload) isEvent()     {}

type ChoreCreated struct {
	ChorePayload
	UserID string
}

type ChoreDeleted struct {
	ChoreID string
}

type PersonAdded struct{ ChorePayload }

type PersonRemoved struct{ ChorePayload }

type QueueAdvanced struct{ ChorePayload }

type ChoreUpdated struct{ ChorePayload }

type UserJoined struct {
	ChorePayload
	UserID string
}

type UserLeft struct {
	ChorePayload
	UserID string
}

type UserRemoved struct {
	ChorePayload
	RemovedPerson model.Person
}

func (ChoreCreated) Kind() Kind  { return model.MessageChoreCreated }
func (ChoreDeleted) Kind() Kind  { return model.MessageChoreDeleted }
func (PersonAdded) Kind() Kind   { return model.MessagePersonAdded }
func (PersonRemoved) Kind() Kind { return model.MessagePersonRemoved }
func (QueueAdvanced) Kind() Kind { return model.MessageQueueAdvanced }
func (ChoreUpdated) Kind() Kind  { return model.MessageChoreUpdated }
func (UserJoined) Kind() Kind    { return model.MessageUserJoined }
func (UserLeft) Kind() Kind      { return model.MessageUserLeft }
func (UserRemoved) Kind() Kind   { return model.MessageUserRemoved }

func (e ChoreDeleted) ID() string { return e.ChoreID }
func (ChoreDeleted) isEvent()     {}

// Kinds lists every domain event kind.
var Kinds = []Kind{
	model.MessageChoreCreated,
	model.MessageChoreDeleted,
	model.MessagePersonAdded,
	model.MessagePersonRemoved,
	model.MessageQueueAdvanced,
	model.MessageChoreUpdated,
	model.MessageUserJoined,
	model.MessageUserLeft,
	model.MessageUserRemoved,
}

// Decode parses a domain event. Control messages, unknown types and
// payloads that fail validation are reported as NotValid.
func Decode(data []byte) (Event, error) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.NewNotValid(err, "malformed message")
	}
	return FromMessage(msg)
}

// FromMessage converts a decoded wire message into its event type.
func FromMessage(msg model.Message) (Event, error) {
	if msg.Type == model.MessageChoreDeleted {
		if msg.ChoreID == "" {
			return nil, errors.NotValidf("%s without chore_id", msg.Type)
		}
		return ChoreDeleted{ChoreID: msg.ChoreID}, nil
	}

	var payload ChorePayload
	switch msg.Type {
	case model.MessageChoreCreated, model.MessagePersonAdded, model.MessagePersonRemoved,
		model.MessageQueueAdvanced, model.MessageChoreUpdated, model.MessageUserJoined,
		model.MessageUserLeft, model.MessageUserRemoved:
		if msg.Chore == nil {
			return nil, errors.NotValidf("%s without chore", msg.Type)
		}
		if err := msg.Chore.Validate(); err != nil {
			return nil, errors.Annotatef(err, "%s payload", msg.Type)
		}
		payload = ChorePayload{ChoreID: msg.Chore.ID, Chore: msg.Chore.Clone()}
		if msg.ChoreID != "" && msg.ChoreID != msg.Chore.ID {
			return nil, errors.NotValidf("%s chore_id %q does not match chore %q", msg.Type, msg.ChoreID, msg.Chore.ID)
		}
	default:
		return nil, errors.NotValidf("message type %q", msg.Type)
	}

	switch msg.Type {
	case model.MessageChoreCreated:
		return ChoreCreated{ChorePayload: payload, UserID: msg.UserID}, nil
	case model.MessagePersonAdded:
		return PersonAdded{payload}, nil
	case model.MessagePersonRemoved:
		return PersonRemoved{payload}, nil
	case model.MessageQueueAdvanced:
		return QueueAdvanced{payload}, nil
	case model.MessageChoreUpdated:
		return ChoreUpdated{payload}, nil
	case model.MessageUserJoined:
		if msg.UserID == "" {
			return nil, errors.NotValidf("%s without user_id", msg.Type)
		}
		return UserJoined{ChorePayload: payload, UserID: msg.UserID}, nil
	case model.MessageUserLeft:
		if msg.UserID == "" {
			return nil, errors.NotValidf("%s without user_id", msg.Type)
		}
		return UserLeft{ChorePayload: payload, UserID: msg.UserID}, nil
	case model.MessageUserRemoved:
		if msg.RemovedPerson == nil || msg.RemovedPerson.UserID == "" {
			return nil, errors.NotValidf("%s without removed_person", msg.Type)
		}
		return UserRemoved{ChorePayload: payload, RemovedPerson: *msg.RemovedPerson}, nil
	}
	return nil, errors.NotValidf("message type %q", msg.Type)
}
