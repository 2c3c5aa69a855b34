package group

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service is the only path through which memberships and groups change.
// It keeps no state between calls; the Store is the source of truth.
type Service struct {
	store    Store
	log      *zap.Logger
	notifier Notifier
	metrics  Recorder
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		log:      zap.NewNop(),
		notifier: nopNotifier{},
		metrics:  nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateGroup creates a group owned by founderID. The group, the owner
// membership and the initial participants are written as one unit.
func (s *Service) CreateGroup(ctx context.Context, founderID string, in CreateGroupInput) (*Group, error) {
	const op = "create group"
	if founderID == "" {
		return nil, s.done(op, fail(op, ErrUnauthorized, "no authenticated user"))
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, s.done(op, fail(op, ErrInvalid, "group name is required"))
	}
	kind := in.Kind
	if kind == "" {
		kind = KindGroup
	}
	if !kind.Valid() {
		return nil, s.done(op, fail(op, ErrInvalid, fmt.Sprintf("unknown group kind %q", string(kind))))
	}
	settings := DefaultSettings()
	if in.Settings != nil {
		settings = *in.Settings
	}
	if err := settings.Validate(); err != nil {
		return nil, s.done(op, fail(op, ErrInvalid, err.Error()))
	}

	now := s.now()
	g := &Group{
		ID:          s.newID(),
		Kind:        kind,
		Name:        name,
		Description: in.Description,
		Avatar:      in.Avatar,
		OwnerID:     founderID,
		Settings:    settings,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var audience []string
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		audience = audience[:0]
		if err := tx.InsertGroup(ctx, g); err != nil {
			return err
		}
		owner := &Membership{GroupID: g.ID, UserID: founderID, Role: RoleOwner, JoinedAt: now}
		if err := tx.InsertMembership(ctx, owner); err != nil {
			return err
		}
		audience = append(audience, founderID)

		seen := map[string]bool{founderID: true}
		for _, userID := range in.Participants {
			userID = strings.TrimSpace(userID)
			if userID == "" || seen[userID] {
				continue
			}
			seen[userID] = true
			m := &Membership{GroupID: g.ID, UserID: userID, Role: RoleMember, JoinedAt: now, InvitedBy: founderID}
			if err := tx.InsertMembership(ctx, m); err != nil {
				return err
			}
			audience = append(audience, userID)
		}
		return nil
	})
	if err != nil {
		return nil, s.done(op, err)
	}
	s.done(op, nil)
	s.publish(ctx, Event{Type: EventGroupCreated, GroupID: g.ID, ActorID: founderID, Data: g, At: now, Audience: audience})
	return g, nil
}

func (s *Service) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	const op = "get group"
	g, err := s.store.GetGroup(ctx, groupID)
	if errors.Is(err, ErrNotFound) {
		return nil, s.done(op, fail(op, ErrNotFound, "group not found"))
	}
	if err != nil {
		return nil, s.done(op, err)
	}
	return g, nil
}

// UpdateGroupInfo applies patch on behalf of an actor holding changeInfo.
func (s *Service) UpdateGroupInfo(ctx context.Context, groupID, actorID string, patch GroupPatch) (*Group, error) {
	const op = "update group info"
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, s.done(op, fail(op, ErrInvalid, "group name is required"))
		}
		patch.Name = &name
	}
	if patch.Kind != nil && !patch.Kind.Valid() {
		return nil, s.done(op, fail(op, ErrInvalid, fmt.Sprintf("unknown group kind %q", string(*patch.Kind))))
	}
	if patch.Settings != nil {
		if err := patch.Settings.Validate(); err != nil {
			return nil, s.done(op, fail(op, ErrInvalid, err.Error()))
		}
	}

	var updated *Group
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		g, err := tx.GetGroup(ctx, groupID)
		if errors.Is(err, ErrNotFound) {
			return fail(op, ErrNotFound, "group not found")
		}
		if err != nil {
			return err
		}
		actor, err := lookup(ctx, tx, groupID, actorID)
		if err != nil {
			return err
		}
		if !Resolve(actor, ActionChangeInfo) {
			return fail(op, ErrUnauthorized, "you are not allowed to change group info")
		}
		patch.apply(g)
		g.UpdatedAt = s.now()
		if err := tx.UpdateGroup(ctx, g); err != nil {
			return err
		}
		updated = g
		return nil
	})
	if err != nil {
		return nil, s.done(op, err)
	}
	s.done(op, nil)
	s.publish(ctx, Event{Type: EventGroupUpdated, GroupID: groupID, ActorID: actorID, Data: updated, At: updated.UpdatedAt})
	return updated, nil
}

// AddMember adds newUserID as a plain member invited by actorID.
func (s *Service) AddMember(ctx context.Context, groupID, newUserID, actorID string) (*Membership, error) {
	const op = "add member"
	if newUserID == "" {
		return nil, s.done(op, fail(op, ErrInvalid, "user id is required"))
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.done(op, fail(op, ErrNotFound, "group not found"))
		}
		return nil, s.done(op, err)
	}
	actor, err := lookup(ctx, s.store, groupID, actorID)
	if err != nil {
		return nil, s.done(op, err)
	}
	if !Resolve(actor, ActionAddMembers) {
		return nil, s.done(op, fail(op, ErrUnauthorized, "you are not allowed to add members"))
	}
	existing, err := lookup(ctx, s.store, groupID, newUserID)
	if err != nil {
		return nil, s.done(op, err)
	}
	if existing != nil {
		return nil, s.done(op, fail(op, ErrAlreadyMember, "user is already a member"))
	}

	m := &Membership{
		GroupID:   groupID,
		UserID:    newUserID,
		Role:      RoleMember,
		JoinedAt:  s.now(),
		InvitedBy: actorID,
	}
	if err := s.store.InsertMembership(ctx, m); err != nil {
		if errors.Is(err, ErrDuplicateMembership) {
			return nil, s.done(op, fail(op, ErrAlreadyMember, "user is already a member"))
		}
		return nil, s.done(op, err)
	}
	s.done(op, nil)
	s.publish(ctx, Event{Type: EventMemberAdded, GroupID: groupID, ActorID: actorID, UserID: newUserID, Data: m, At: m.JoinedAt})
	return m, nil
}

// RemoveMember removes targetID. A member removing themselves leaves the
// group; the owner has to transfer ownership first. Roles are checked
// against the memberships read inside the same atomic unit as the delete.
func (s *Service) RemoveMember(ctx context.Context, groupID, targetID, actorID string) error {
	const op = "remove member"
	leaving := targetID == actorID
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		target, err := lookup(ctx, tx, groupID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			return fail(op, ErrNotFound, "member not found")
		}

		if leaving {
			if target.Role == RoleOwner {
				return fail(op, ErrLastOwnerCannotLeave, "transfer ownership before leaving the group")
			}
			return remove(ctx, tx, op, groupID, targetID)
		}

		actor, err := lookup(ctx, tx, groupID, actorID)
		if err != nil {
			return err
		}
		switch {
		case actor == nil:
			return fail(op, ErrUnauthorized, "you are not a member of this group")
		case target.Role == RoleOwner:
			return fail(op, ErrUnauthorized, "the owner cannot be removed")
		case !Outranks(actor.Role, target.Role):
			return fail(op, ErrUnauthorized, "you can only remove members below your role")
		case !Resolve(actor, ActionRemoveMembers):
			return fail(op, ErrUnauthorized, "you are not allowed to remove members")
		}
		return remove(ctx, tx, op, groupID, targetID)
	})
	if err != nil {
		return s.done(op, err)
	}
	s.done(op, nil)

	eventType := EventMemberRemoved
	if leaving {
		eventType = EventMemberLeft
	}
	s.publish(ctx, Event{Type: eventType, GroupID: groupID, ActorID: actorID, UserID: targetID, At: s.now(), Audience: []string{targetID}})
	return nil
}

func remove(ctx context.Context, tx Store, op, groupID, userID string) error {
	err := tx.RemoveMembership(ctx, groupID, userID)
	if errors.Is(err, ErrNotFound) {
		return fail(op, ErrNotFound, "member not found")
	}
	return err
}

// UpdateMemberRole changes the role of targetID. Promoting to owner
// transfers ownership and demotes the current owner to admin.
func (s *Service) UpdateMemberRole(ctx context.Context, groupID, targetID string, newRole Role, actorID string) (*Membership, error) {
	const op = "update member role"
	if !newRole.Valid() {
		return nil, s.done(op, fail(op, ErrInvalid, fmt.Sprintf("unknown role %q", string(newRole))))
	}
	if newRole == RoleOwner {
		return s.transferOwnership(ctx, groupID, targetID, actorID)
	}

	var (
		previous Role
		updated  *Membership
	)
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		target, actor, err := participants(ctx, tx, op, groupID, targetID, actorID)
		if err != nil {
			return err
		}
		if !Outranks(actor.Role, target.Role) || !Outranks(actor.Role, newRole) {
			return fail(op, ErrUnauthorized, "you can only assign roles below your own to members below you")
		}
		previous = target.Role
		if target.Role == newRole {
			updated = target
			return nil
		}
		updated, err = tx.UpdateMembership(ctx, groupID, targetID, newRole, nil)
		if errors.Is(err, ErrNotFound) {
			return fail(op, ErrNotFound, "member not found")
		}
		return err
	})
	if err != nil {
		return nil, s.done(op, err)
	}
	s.done(op, nil)
	if previous == newRole {
		return updated, nil
	}
	s.publish(ctx, Event{
		Type:    EventRoleChanged,
		GroupID: groupID,
		ActorID: actorID,
		UserID:  targetID,
		Data:    map[string]Role{"from": previous, "to": newRole},
		At:      s.now(),
	})
	return updated, nil
}

// participants reads the target and the actor of a role operation. A
// missing target is NotFound, a missing actor Unauthorized.
func participants(ctx context.Context, tx Store, op, groupID, targetID, actorID string) (target, actor *Membership, err error) {
	target, err = lookup(ctx, tx, groupID, targetID)
	if err != nil {
		return nil, nil, err
	}
	if target == nil {
		return nil, nil, fail(op, ErrNotFound, "member not found")
	}
	actor, err = lookup(ctx, tx, groupID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if actor == nil {
		return nil, nil, fail(op, ErrUnauthorized, "you are not a member of this group")
	}
	return target, actor, nil
}

func (s *Service) transferOwnership(ctx context.Context, groupID, targetID, actorID string) (*Membership, error) {
	const op = "transfer ownership"
	var promoted *Membership
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		_, actor, err := participants(ctx, tx, op, groupID, targetID, actorID)
		if err != nil {
			return err
		}
		if actor.Role != RoleOwner {
			return fail(op, ErrUnauthorized, "only the owner can transfer ownership")
		}
		if targetID == actorID {
			return fail(op, ErrUnauthorized, "you already own this group")
		}

		g, err := tx.GetGroup(ctx, groupID)
		if errors.Is(err, ErrNotFound) {
			return fail(op, ErrNotFound, "group not found")
		}
		if err != nil {
			return err
		}
		if g.OwnerID != actorID {
			return s.violation(op, groupID, "group owner does not match the owner membership",
				zap.String("owner_id", g.OwnerID), zap.String("owner_member", actorID))
		}
		owners, err := tx.CountOwners(ctx, groupID)
		if err != nil {
			return err
		}
		if owners != 1 {
			return s.violation(op, groupID, "group does not have exactly one owner", zap.Int64("owners", owners))
		}

		cleared := Overrides{}
		if _, err := tx.UpdateMembership(ctx, groupID, actorID, RoleAdmin, &cleared); err != nil {
			return err
		}
		promoted, err = tx.UpdateMembership(ctx, groupID, targetID, RoleOwner, &cleared)
		if errors.Is(err, ErrDuplicateOwner) {
			return fail(op, ErrUnauthorized, "ownership changed concurrently")
		}
		if err != nil {
			return err
		}
		g.OwnerID = targetID
		g.UpdatedAt = s.now()
		return tx.UpdateGroup(ctx, g)
	})
	if err != nil {
		return nil, s.done(op, err)
	}
	s.done(op, nil)
	s.publish(ctx, Event{
		Type:    EventOwnershipTransferred,
		GroupID: groupID,
		ActorID: actorID,
		UserID:  targetID,
		Data:    map[string]string{"previousOwner": actorID, "newOwner": targetID},
		At:      s.now(),
	})
	return promoted, nil
}

// SetMemberOverrides replaces the per-member overrides of targetID. The
// actor must be an admin or the owner, outrank the target and hold every
// permission it grants.
func (s *Service) SetMemberOverrides(ctx context.Context, groupID, targetID string, overrides Overrides, actorID string) (*Membership, error) {
	const op = "set member overrides"
	var updated *Membership
	err := s.store.Atomic(ctx, func(ctx context.Context, tx Store) error {
		target, err := lookup(ctx, tx, groupID, targetID)
		if err != nil {
			return err
		}
		if target == nil {
			return fail(op, ErrNotFound, "member not found")
		}
		actor, err := lookup(ctx, tx, groupID, actorID)
		if err != nil {
			return err
		}
		switch {
		case actor == nil:
			return fail(op, ErrUnauthorized, "you are not a member of this group")
		case target.Role == RoleOwner:
			return fail(op, ErrUnauthorized, "the owner's permissions cannot be changed")
		case Rank(actor.Role) > Rank(RoleAdmin):
			return fail(op, ErrUnauthorized, "only admins can change member permissions")
		case !Outranks(actor.Role, target.Role):
			return fail(op, ErrUnauthorized, "you can only change permissions of members below you")
		}
		for _, a := range Actions {
			if v := overrides.For(a); v != nil && *v && !Resolve(actor, a) {
				return fail(op, ErrUnauthorized, fmt.Sprintf("you cannot grant %s", a))
			}
		}
		updated, err = tx.UpdateMembership(ctx, groupID, targetID, target.Role, &overrides)
		return err
	})
	if err != nil {
		return nil, s.done(op, err)
	}
	s.done(op, nil)
	s.publish(ctx, Event{Type: EventPermissionsChanged, GroupID: groupID, ActorID: actorID, UserID: targetID, Data: updated.Overrides, At: s.now()})
	return updated, nil
}

// HasPermission reports whether userID may perform action in the group.
// Non-members are denied without an error.
func (s *Service) HasPermission(ctx context.Context, groupID, userID string, action Action) (bool, error) {
	const op = "has permission"
	if !action.Valid() {
		return false, s.done(op, fail(op, ErrInvalid, fmt.Sprintf("unknown action %q", string(action))))
	}
	m, err := lookup(ctx, s.store, groupID, userID)
	if err != nil {
		return false, s.done(op, err)
	}
	return Resolve(m, action), nil
}

// EffectivePermissions resolves every action for userID. Every action is
// denied for non-members.
func (s *Service) EffectivePermissions(ctx context.Context, groupID, userID string) (map[Action]bool, error) {
	const op = "effective permissions"
	m, err := lookup(ctx, s.store, groupID, userID)
	if err != nil {
		return nil, s.done(op, err)
	}
	return Effective(m), nil
}

// GetGroupMembers lists members in join order.
func (s *Service) GetGroupMembers(ctx context.Context, groupID string, page Page) ([]Membership, error) {
	const op = "get group members"
	if page.Limit < 0 || page.Offset < 0 {
		return nil, s.done(op, fail(op, ErrInvalid, "limit and offset must not be negative"))
	}
	if _, err := s.store.GetGroup(ctx, groupID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, s.done(op, fail(op, ErrNotFound, "group not found"))
		}
		return nil, s.done(op, err)
	}
	members, err := s.store.ListMemberships(ctx, groupID, page)
	if err != nil {
		return nil, s.done(op, err)
	}
	return members, nil
}

// lookup returns the membership or nil when the user is not in the group.
func lookup(ctx context.Context, st Store, groupID, userID string) (*Membership, error) {
	if userID == "" {
		return nil, nil
	}
	m, err := st.GetMembership(ctx, groupID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) violation(op, groupID, reason string, fields ...zap.Field) error {
	s.metrics.InvariantViolation(op)
	s.log.Error("invariant violation",
		append([]zap.Field{zap.String("op", op), zap.String("group_id", groupID), zap.String("reason", reason)}, fields...)...)
	return fail(op, ErrInvariantViolation, reason)
}

// done records the outcome of op and returns err. Errors that are not
// Service rejections are wrapped as infrastructure failures.
func (s *Service) done(op string, err error) error {
	outcome := Outcome(err)
	s.metrics.Operation(op, outcome)
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		s.log.Debug("operation rejected", zap.String("op", op), zap.String("outcome", outcome), zap.String("reason", e.Reason))
		return err
	}
	s.log.Error("operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w", op, err)
}

// publish fills in the audience from the current member list and hands the
// event to the notifier. Delivery failures do not fail the operation.
func (s *Service) publish(ctx context.Context, e Event) {
	seen := make(map[string]bool, len(e.Audience))
	audience := make([]string, 0, len(e.Audience))
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			audience = append(audience, id)
		}
	}
	for _, id := range e.Audience {
		add(id)
	}
	add(e.UserID)

	members, err := s.store.ListMemberships(ctx, e.GroupID, Page{})
	if err != nil {
		s.log.Warn("listing event audience", zap.String("group_id", e.GroupID), zap.Error(err))
	}
	for _, m := range members {
		add(m.UserID)
	}
	e.Audience = audience

	if err := s.notifier.Notify(ctx, e); err != nil {
		s.log.Warn("event delivery failed", zap.String("type", string(e.Type)), zap.String("group_id", e.GroupID), zap.Error(err))
	}
}
