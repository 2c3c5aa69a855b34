package group

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindPrivate    Kind = "private"
	KindGroup      Kind = "group"
	KindSupergroup Kind = "supergroup"
	KindChannel    Kind = "channel"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPrivate, KindGroup, KindSupergroup, KindChannel:
		return true
	}
	return false
}

type JoinPolicy string

const (
	JoinOpen    JoinPolicy = "open"
	JoinInvite  JoinPolicy = "invite"
	JoinRequest JoinPolicy = "request"
)

func (j JoinPolicy) Valid() bool {
	switch j {
	case JoinOpen, JoinInvite, JoinRequest:
		return true
	}
	return false
}

// DefaultPermissions is the group-wide permission set shown to clients.
type DefaultPermissions struct {
	SendMessages bool `json:"sendMessages" bson:"send_messages"`
	SendMedia    bool `json:"sendMedia" bson:"send_media"`
	AddMembers   bool `json:"addMembers" bson:"add_members"`
	PinMessages  bool `json:"pinMessages" bson:"pin_messages"`
	ChangeInfo   bool `json:"changeInfo" bson:"change_info"`
}

type Settings struct {
	JoinPolicy         JoinPolicy         `json:"joinPolicy" bson:"join_policy"`
	SlowModeSeconds    int                `json:"slowModeSeconds" bson:"slow_mode_seconds"`
	AdminsOnlyPost     bool               `json:"adminsOnlyPost" bson:"admins_only_post"`
	DefaultPermissions DefaultPermissions `json:"defaultPermissions" bson:"default_permissions"`
}

// DefaultSettings returns the settings a new group starts with.
func DefaultSettings() Settings {
	return Settings{
		JoinPolicy: JoinInvite,
		DefaultPermissions: DefaultPermissions{
			SendMessages: true,
			SendMedia:    true,
			AddMembers:   true,
			PinMessages:  false,
			ChangeInfo:   true,
		},
	}
}

func (s Settings) Validate() error {
	if !s.JoinPolicy.Valid() {
		return fmt.Errorf("unknown join policy %q", string(s.JoinPolicy))
	}
	if s.SlowModeSeconds < 0 {
		return fmt.Errorf("slow mode interval must not be negative")
	}
	return nil
}

type Group struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Avatar      string    `json:"avatar,omitempty"`
	OwnerID     string    `json:"ownerId"`
	Settings    Settings  `json:"settings"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Overrides are per-member permission decisions. A nil field means the
// role default applies.
type Overrides struct {
	CanPost           *bool `json:"canPost,omitempty" bson:"can_post,omitempty"`
	CanMedia          *bool `json:"canMedia,omitempty" bson:"can_media,omitempty"`
	CanAddMembers     *bool `json:"canAddMembers,omitempty" bson:"can_add_members,omitempty"`
	CanPin            *bool `json:"canPin,omitempty" bson:"can_pin,omitempty"`
	CanDeleteMessages *bool `json:"canDeleteMessages,omitempty" bson:"can_delete_messages,omitempty"`
}

// For returns the override for an action, or nil when none is set or the
// action cannot be overridden.
func (o Overrides) For(a Action) *bool {
	switch a {
	case ActionSendMessages:
		return o.CanPost
	case ActionSendMedia:
		return o.CanMedia
	case ActionAddMembers:
		return o.CanAddMembers
	case ActionPinMessages:
		return o.CanPin
	case ActionDeleteMessages:
		return o.CanDeleteMessages
	}
	return nil
}

// Set returns a copy with the action's override replaced.
func (o Overrides) Set(a Action, v *bool) Overrides {
	switch a {
	case ActionSendMessages:
		o.CanPost = v
	case ActionSendMedia:
		o.CanMedia = v
	case ActionAddMembers:
		o.CanAddMembers = v
	case ActionPinMessages:
		o.CanPin = v
	case ActionDeleteMessages:
		o.CanDeleteMessages = v
	}
	return o
}

func (o Overrides) IsEmpty() bool {
	for _, a := range Actions {
		if o.For(a) != nil {
			return false
		}
	}
	return true
}

type Membership struct {
	GroupID   string    `json:"groupId"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Overrides Overrides `json:"overrides"`
	JoinedAt  time.Time `json:"joinedAt"`
	InvitedBy string    `json:"invitedBy,omitempty"`
}

// CreateGroupInput carries the attributes supplied by the founder.
type CreateGroupInput struct {
	Kind         Kind
	Name         string
	Description  string
	Avatar       string
	Settings     *Settings
	Participants []string
}

// GroupPatch lists the group fields to change. Nil fields are left alone.
type GroupPatch struct {
	Kind        *Kind
	Name        *string
	Description *string
	Avatar      *string
	Settings    *Settings
}

func (p GroupPatch) apply(g *Group) {
	if p.Kind != nil {
		g.Kind = *p.Kind
	}
	if p.Name != nil {
		g.Name = *p.Name
	}
	if p.Description != nil {
		g.Description = *p.Description
	}
	if p.Avatar != nil {
		g.Avatar = *p.Avatar
	}
	if p.Settings != nil {
		g.Settings = *p.Settings
	}
}

// Page bounds a membership listing. A zero Limit returns everything.
type Page struct {
	Limit  int
	Offset int
}

// Bool returns a pointer to v, for building Overrides.
func Bool(v bool) *bool {
	return &v
}
