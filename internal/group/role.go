package group

import "fmt"

type Role string

const (
	RoleOwner      Role = "owner"
	RoleAdmin      Role = "admin"
	RoleModerator  Role = "moderator"
	RoleMember     Role = "member"
	RoleRestricted Role = "restricted"
)

// Roles lists every role from most to least authority.
var Roles = []Role{RoleOwner, RoleAdmin, RoleModerator, RoleMember, RoleRestricted}

// Action is a closed set of things a member can be allowed to do in a group.
type Action string

const (
	ActionSendMessages   Action = "sendMessages"
	ActionSendMedia      Action = "sendMedia"
	ActionAddMembers     Action = "addMembers"
	ActionPinMessages    Action = "pinMessages"
	ActionChangeInfo     Action = "changeInfo"
	ActionDeleteMessages Action = "deleteMessages"
	ActionRemoveMembers  Action = "removeMembers"
)

// Actions lists every action in a stable order.
var Actions = []Action{
	ActionSendMessages,
	ActionSendMedia,
	ActionAddMembers,
	ActionPinMessages,
	ActionChangeInfo,
	ActionDeleteMessages,
	ActionRemoveMembers,
}

var ranks = map[Role]int{
	RoleOwner:      0,
	RoleAdmin:      1,
	RoleModerator:  2,
	RoleMember:     3,
	RoleRestricted: 4,
}

type grants map[Action]bool

var defaultGrants = map[Role]grants{
	RoleOwner: {
		ActionSendMessages:   true,
		ActionSendMedia:      true,
		ActionAddMembers:     true,
		ActionPinMessages:    true,
		ActionChangeInfo:     true,
		ActionDeleteMessages: true,
		ActionRemoveMembers:  true,
	},
	RoleAdmin: {
		ActionSendMessages:   true,
		ActionSendMedia:      true,
		ActionAddMembers:     true,
		ActionPinMessages:    true,
		ActionChangeInfo:     true,
		ActionDeleteMessages: true,
		ActionRemoveMembers:  true,
	},
	RoleModerator: {
		ActionSendMessages:   true,
		ActionSendMedia:      true,
		ActionAddMembers:     true,
		ActionPinMessages:    true,
		ActionChangeInfo:     false,
		ActionDeleteMessages: true,
		ActionRemoveMembers:  false,
	},
	RoleMember: {
		ActionSendMessages:   true,
		ActionSendMedia:      true,
		ActionAddMembers:     false,
		ActionPinMessages:    false,
		ActionChangeInfo:     false,
		ActionDeleteMessages: false,
		ActionRemoveMembers:  false,
	},
	RoleRestricted: {
		ActionSendMessages:   false,
		ActionSendMedia:      false,
		ActionAddMembers:     false,
		ActionPinMessages:    false,
		ActionChangeInfo:     false,
		ActionDeleteMessages: false,
		ActionRemoveMembers:  false,
	},
}

// Rank returns the position of the role in the hierarchy. Lower means more
// authority, so the owner has rank 0.
func Rank(r Role) int {
	rank, ok := ranks[r]
	if !ok {
		panic(fmt.Sprintf("group: unknown role %q", string(r)))
	}
	return rank
}

// Outranks reports whether a holds strictly more authority than b.
func Outranks(a, b Role) bool {
	return Rank(a) < Rank(b)
}

// DefaultAllows reports whether the role grants the action when no
// per-member override is set.
func DefaultAllows(r Role, a Action) bool {
	table, ok := defaultGrants[r]
	if !ok {
		panic(fmt.Sprintf("group: unknown role %q", string(r)))
	}
	allowed, ok := table[a]
	if !ok {
		panic(fmt.Sprintf("group: unknown action %q", string(a)))
	}
	return allowed
}

func (r Role) Valid() bool {
	_, ok := ranks[r]
	return ok
}

func (a Action) Valid() bool {
	_, ok := defaultGrants[RoleOwner][a]
	return ok
}

// ParseRole converts untrusted input into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ParseAction converts untrusted input into an Action.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}
