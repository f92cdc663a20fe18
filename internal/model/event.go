package model

// MessageType is the discriminator carried in every realtime message.
type MessageType string

// Control messages.
const (
	MessageAuth        MessageType = "auth"
	MessageAuthSuccess MessageType = "auth_success"
	MessageAuthFailed  MessageType = "auth_failed"
	MessagePing        MessageType = "ping"
	MessagePong        MessageType = "pong"
)

// Domain events.
const (
	MessageChoreCreated  MessageType = "chore_created"
	MessageChoreDeleted  MessageType = "chore_deleted"
	MessageChoreUpdated  MessageType = "chore_updated"
	MessagePersonAdded   MessageType = "person_added"
	MessagePersonRemoved MessageType = "person_removed"
	MessageQueueAdvanced MessageType = "queue_advanced"
	MessageUserJoined    MessageType = "user_joined"
	MessageUserLeft      MessageType = "user_left"
	MessageUserRemoved   MessageType = "user_removed"
)

// Message is the JSON object exchanged over the realtime channel in both
// directions. Which fields are set depends on Type.
type Message struct {
	Type          MessageType `json:"type"`
	ChoreID       string      `json:"chore_id,omitempty"`
	Chore         *Chore      `json:"chore,omitempty"`
	UserID        string      `json:"user_id,omitempty"`
	RemovedPerson *Person     `json:"removed_person,omitempty"`
	Token         string      `json:"token,omitempty"`
}

// NewChoreMessage builds a domain event carrying a chore snapshot.
func NewChoreMessage(t MessageType, c *Chore) Message {
	snapshot := c.Clone()
	return Message{Type: t, ChoreID: c.ID, Chore: &snapshot}
}
