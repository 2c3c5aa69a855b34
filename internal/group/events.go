package group

import (
	"context"
	"time"
)

type EventType string

const (
	EventGroupCreated         EventType = "group_created"
	EventGroupUpdated         EventType = "group_updated"
	EventMemberAdded          EventType = "member_added"
	EventMemberRemoved        EventType = "member_removed"
	EventMemberLeft           EventType = "member_left"
	EventRoleChanged          EventType = "role_changed"
	EventOwnershipTransferred EventType = "ownership_transferred"
	EventPermissionsChanged   EventType = "permissions_changed"
)

// Event announces a committed change. Audience holds the user ids that
// should receive it and is not part of the client payload.
type Event struct {
	Type     EventType `json:"type"`
	GroupID  string    `json:"groupId"`
	ActorID  string    `json:"actorId,omitempty"`
	UserID   string    `json:"userId,omitempty"`
	Data     any       `json:"data,omitempty"`
	At       time.Time `json:"at"`
	Audience []string  `json:"-"`
}

// Notifier delivers events to connected clients.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Recorder receives operation outcomes for metrics.
type Recorder interface {
	Operation(op, outcome string)
	InvariantViolation(op string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

type nopRecorder struct{}

func (nopRecorder) Operation(string, string) {}
func (nopRecorder) InvariantViolation(string) {}
