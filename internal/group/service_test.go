package group_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kite-server/internal/group"
	"kite-server/internal/store/sqlstore"
	"kite-server/internal/testutil"
)

type recorder struct {
	mu         sync.Mutex
	outcomes   map[string]int
	violations []string
}

func (r *recorder) Operation(op, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[op+"/"+outcome]++
}

func (r *recorder) InvariantViolation(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, op)
}

type env struct {
	svc    *group.Service
	store  group.Store
	fx     *testutil.Fixtures
	events *testutil.Notifier
	rec    *recorder
}

var fixedNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newEnv(t *testing.T) (*env, context.Context) {
	t.Helper()
	return newEnvWithStore(t, sqlstore.New(testutil.SetupTestDB(t)))
}

func newEnvWithStore(t *testing.T, store group.Store) (*env, context.Context) {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	t.Cleanup(cancel)

	e := &env{store: store, events: &testutil.Notifier{}, rec: &recorder{}}
	var n int
	e.svc = group.NewService(store,
		group.WithLogger(zap.NewNop()),
		group.WithNotifier(e.events),
		group.WithMetrics(e.rec),
		group.WithClock(func() time.Time { return fixedNow }),
		group.WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("g%d", n)
		}),
	)
	e.fx = testutil.NewFixtures(t, store)
	return e, ctx
}

func (e *env) role(t *testing.T, ctx context.Context, groupID, userID string) group.Role {
	t.Helper()
	m, err := e.store.GetMembership(ctx, groupID, userID)
	require.NoError(t, err)
	return m.Role
}

func (e *env) assertSingleOwner(t *testing.T, ctx context.Context, groupID string) {
	t.Helper()
	n, err := e.store.CountOwners(ctx, groupID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "owners in %s", groupID)

	g, err := e.store.GetGroup(ctx, groupID)
	require.NoError(t, err)
	assert.Equal(t, group.RoleOwner, e.role(t, ctx, groupID, g.OwnerID))
}

func TestService_Scenario(t *testing.T) {
	e, ctx := newEnv(t)

	g, err := e.svc.CreateGroup(ctx, "u1", group.CreateGroupInput{Name: "Book club"})
	require.NoError(t, err)
	assert.Equal(t, "u1", g.OwnerID)
	assert.Equal(t, group.KindGroup, g.Kind)
	assert.Equal(t, group.RoleOwner, e.role(t, ctx, g.ID, "u1"))

	ok, err := e.svc.HasPermission(ctx, g.ID, "u1", group.ActionChangeInfo)
	require.NoError(t, err)
	assert.True(t, ok)

	m, err := e.svc.AddMember(ctx, g.ID, "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, group.RoleMember, m.Role)
	assert.Equal(t, "u1", m.InvitedBy)
	assert.True(t, m.JoinedAt.Equal(fixedNow))

	m, err = e.svc.UpdateMemberRole(ctx, g.ID, "u2", group.RoleAdmin, "u1")
	require.NoError(t, err)
	assert.Equal(t, group.RoleAdmin, m.Role)

	_, err = e.svc.UpdateMemberRole(ctx, g.ID, "u1", group.RoleMember, "u2")
	assert.ErrorIs(t, err, group.ErrUnauthorized)
	assert.Equal(t, group.RoleOwner, e.role(t, ctx, g.ID, "u1"))

	err = e.svc.RemoveMember(ctx, g.ID, "u1", "u1")
	assert.ErrorIs(t, err, group.ErrLastOwnerCannotLeave)

	_, err = e.svc.AddMember(ctx, g.ID, "u3", "u1")
	require.NoError(t, err)
	ok, err = e.svc.HasPermission(ctx, g.ID, "u3", group.ActionAddMembers)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.svc.SetMemberOverrides(ctx, g.ID, "u3", group.Overrides{CanAddMembers: group.Bool(true)}, "u2")
	require.NoError(t, err)
	ok, err = e.svc.HasPermission(ctx, g.ID, "u3", group.ActionAddMembers)
	require.NoError(t, err)
	assert.True(t, ok)

	e.assertSingleOwner(t, ctx, g.ID)
}

func TestService_CreateGroup(t *testing.T) {
	e, ctx := newEnv(t)

	settings := group.DefaultSettings()
	settings.AdminsOnlyPost = true
	g, err := e.svc.CreateGroup(ctx, "alice", group.CreateGroupInput{
		Kind:         group.KindSupergroup,
		Name:         "  Climbers ",
		Settings:     &settings,
		Participants: []string{"bob", "alice", "carol", "bob", ""},
	})
	require.NoError(t, err)
	assert.Equal(t, "Climbers", g.Name)
	assert.True(t, g.Settings.AdminsOnlyPost)

	members, err := e.svc.GetGroupMembers(ctx, g.ID, group.Page{})
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, group.RoleOwner, members[0].Role)
	for _, m := range members[1:] {
		assert.Equal(t, group.RoleMember, m.Role)
		assert.Equal(t, "alice", m.InvitedBy)
	}

	ev := e.events.Last(t)
	assert.Equal(t, group.EventGroupCreated, ev.Type)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, ev.Audience)
}

func TestService_CreateGroup_Invalid(t *testing.T) {
	e, ctx := newEnv(t)

	_, err := e.svc.CreateGroup(ctx, "alice", group.CreateGroupInput{Name: "   "})
	assert.ErrorIs(t, err, group.ErrInvalid)

	_, err = e.svc.CreateGroup(ctx, "alice", group.CreateGroupInput{Name: "x", Kind: "forum"})
	assert.ErrorIs(t, err, group.ErrInvalid)

	bad := group.DefaultSettings()
	bad.SlowModeSeconds = -1
	_, err = e.svc.CreateGroup(ctx, "alice", group.CreateGroupInput{Name: "x", Settings: &bad})
	assert.ErrorIs(t, err, group.ErrInvalid)

	_, err = e.svc.CreateGroup(ctx, "", group.CreateGroupInput{Name: "x"})
	assert.ErrorIs(t, err, group.ErrUnauthorized)
}

// flakyStore fails inserting the membership of one user.
type flakyStore struct {
	group.Store
	failUser string
}

func (f flakyStore) InsertMembership(ctx context.Context, m *group.Membership) error {
	if m.UserID == f.failUser {
		return errors.New("write failed")
	}
	return f.Store.InsertMembership(ctx, m)
}

func (f flakyStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx group.Store) error) error {
	return f.Store.Atomic(ctx, func(ctx context.Context, tx group.Store) error {
		return fn(ctx, flakyStore{Store: tx, failUser: f.failUser})
	})
}

func TestService_CreateGroup_RollsBack(t *testing.T) {
	for _, failUser := range []string{"alice", "carol"} {
		t.Run(failUser, func(t *testing.T) {
			inner := sqlstore.New(testutil.SetupTestDB(t))
			e, ctx := newEnvWithStore(t, flakyStore{Store: inner, failUser: failUser})

			_, err := e.svc.CreateGroup(ctx, "alice", group.CreateGroupInput{Name: "x", Participants: []string{"bob", "carol"}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "write failed")

			_, err = inner.GetGroup(ctx, "g1")
			assert.ErrorIs(t, err, group.ErrNotFound)
			members, err := inner.ListMemberships(ctx, "g1", group.Page{})
			require.NoError(t, err)
			assert.Empty(t, members)
			assert.Empty(t, e.events.Events())
		})
	}
}

func TestService_AddMember(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "mod", group.RoleModerator)
	e.fx.AddMember(ctx, "g", "member", group.RoleMember)
	e.fx.AddMember(ctx, "g", "muted", group.RoleRestricted)

	tests := []struct {
		name    string
		groupID string
		actor   string
		user    string
		wantErr error
	}{
		{"moderator adds", "g", "mod", "new1", nil},
		{"member lacks addMembers", "g", "member", "new2", group.ErrUnauthorized},
		{"restricted lacks addMembers", "g", "muted", "new2", group.ErrUnauthorized},
		{"non member", "g", "stranger", "new2", group.ErrUnauthorized},
		{"already member", "g", "owner", "member", group.ErrAlreadyMember},
		{"missing group", "nope", "owner", "new2", group.ErrNotFound},
		{"empty user", "g", "owner", "", group.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.AddMember(ctx, tt.groupID, tt.user, tt.actor)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// retrying a successful add reports AlreadyMember
	_, err := e.svc.AddMember(ctx, "g", "new1", "mod")
	assert.ErrorIs(t, err, group.ErrAlreadyMember)
}

func TestService_AddMember_OverrideGrantsAndRevokes(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "member", group.RoleMember)
	e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)

	_, err := e.store.UpdateMembership(ctx, "g", "member", group.RoleMember, &group.Overrides{CanAddMembers: group.Bool(true)})
	require.NoError(t, err)
	_, err = e.store.UpdateMembership(ctx, "g", "admin", group.RoleAdmin, &group.Overrides{CanAddMembers: group.Bool(false)})
	require.NoError(t, err)

	_, err = e.svc.AddMember(ctx, "g", "x", "member")
	assert.NoError(t, err)
	_, err = e.svc.AddMember(ctx, "g", "y", "admin")
	assert.ErrorIs(t, err, group.ErrUnauthorized)
}

func TestService_AddMember_Concurrent(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := "owner"
			if i%2 == 1 {
				actor = "admin"
			}
			_, errs[i] = e.svc.AddMember(ctx, "g", "newbie", actor)
		}(i)
	}
	wg.Wait()

	var ok, dup int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, group.ErrAlreadyMember):
			dup++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, dup)

	members, err := e.svc.GetGroupMembers(ctx, "g", group.Page{})
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestService_RemoveMember(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		target  string
		wantErr error
		event   group.EventType
	}{
		{"owner removes admin", "owner", "admin", nil, group.EventMemberRemoved},
		{"admin removes moderator", "admin", "mod", nil, group.EventMemberRemoved},
		{"admin removes member", "admin", "member", nil, group.EventMemberRemoved},
		{"admin cannot remove admin", "admin", "admin2", group.ErrUnauthorized, ""},
		{"admin cannot remove owner", "admin", "owner", group.ErrUnauthorized, ""},
		{"moderator lacks removeMembers", "mod", "member", group.ErrUnauthorized, ""},
		{"member cannot remove member", "member", "member2", group.ErrUnauthorized, ""},
		{"non member", "stranger", "member", group.ErrUnauthorized, ""},
		{"missing target", "owner", "ghost", group.ErrNotFound, ""},
		{"member leaves", "member", "member", nil, group.EventMemberLeft},
		{"restricted leaves", "muted", "muted", nil, group.EventMemberLeft},
		{"admin leaves", "admin", "admin", nil, group.EventMemberLeft},
		{"owner cannot leave", "owner", "owner", group.ErrLastOwnerCannotLeave, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ctx := newEnv(t)
			e.fx.CreateGroup(ctx, "g", "owner")
			e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "admin2", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "mod", group.RoleModerator)
			e.fx.AddMember(ctx, "g", "member", group.RoleMember)
			e.fx.AddMember(ctx, "g", "member2", group.RoleMember)
			e.fx.AddMember(ctx, "g", "muted", group.RoleRestricted)

			err := e.svc.RemoveMember(ctx, "g", tt.target, tt.actor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, e.events.Events())
				return
			}
			require.NoError(t, err)
			_, err = e.store.GetMembership(ctx, "g", tt.target)
			assert.ErrorIs(t, err, group.ErrNotFound)

			ev := e.events.Last(t)
			assert.Equal(t, tt.event, ev.Type)
			assert.Contains(t, ev.Audience, tt.target)
			assert.Contains(t, ev.Audience, "owner")
			e.assertSingleOwner(t, ctx, "g")
		})
	}
}

func TestService_RemoveMember_ActorOverrideCannotBypassRank(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)

	err := e.svc.RemoveMember(ctx, "g", "owner", "admin")
	assert.ErrorIs(t, err, group.ErrUnauthorized)
	e.assertSingleOwner(t, ctx, "g")
}

func TestService_UpdateMemberRole(t *testing.T) {
	tests := []struct {
		name    string
		actor   string
		target  string
		role    group.Role
		wantErr error
	}{
		{"owner promotes member to admin", "owner", "member", group.RoleAdmin, nil},
		{"owner demotes admin", "owner", "admin", group.RoleRestricted, nil},
		{"admin promotes member to moderator", "admin", "member", group.RoleModerator, nil},
		{"admin restricts moderator", "admin", "mod", group.RoleRestricted, nil},
		{"admin cannot grant admin", "admin", "member", group.RoleAdmin, group.ErrUnauthorized},
		{"admin cannot touch admin", "admin", "admin2", group.RoleMember, group.ErrUnauthorized},
		{"admin cannot demote owner", "admin", "owner", group.RoleMember, group.ErrUnauthorized},
		{"moderator cannot grant moderator", "mod", "member", group.RoleModerator, group.ErrUnauthorized},
		{"member cannot change roles", "member", "muted", group.RoleMember, group.ErrUnauthorized},
		{"nobody changes own role", "admin", "admin", group.RoleMember, group.ErrUnauthorized},
		{"non member", "stranger", "member", group.RoleModerator, group.ErrUnauthorized},
		{"missing target", "owner", "ghost", group.RoleAdmin, group.ErrNotFound},
		{"unknown role", "owner", "member", "superuser", group.ErrInvalid},
		{"admin cannot transfer ownership", "admin", "member", group.RoleOwner, group.ErrUnauthorized},
		{"owner cannot promote self", "owner", "owner", group.RoleOwner, group.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ctx := newEnv(t)
			e.fx.CreateGroup(ctx, "g", "owner")
			e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "admin2", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "mod", group.RoleModerator)
			e.fx.AddMember(ctx, "g", "member", group.RoleMember)
			e.fx.AddMember(ctx, "g", "muted", group.RoleRestricted)

			m, err := e.svc.UpdateMemberRole(ctx, "g", tt.target, tt.role, tt.actor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				e.assertSingleOwner(t, ctx, "g")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.role, m.Role)
			assert.Equal(t, tt.role, e.role(t, ctx, "g", tt.target))
			assert.Equal(t, group.EventRoleChanged, e.events.Last(t).Type)
		})
	}
}

func TestService_TransferOwnership(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "alice")
	e.fx.AddMember(ctx, "g", "bob", group.RoleMember)
	_, err := e.store.UpdateMembership(ctx, "g", "bob", group.RoleMember, &group.Overrides{CanPost: group.Bool(false)})
	require.NoError(t, err)

	m, err := e.svc.UpdateMemberRole(ctx, "g", "bob", group.RoleOwner, "alice")
	require.NoError(t, err)
	assert.Equal(t, group.RoleOwner, m.Role)
	assert.True(t, m.Overrides.IsEmpty())

	assert.Equal(t, group.RoleAdmin, e.role(t, ctx, "g", "alice"))
	g, err := e.svc.GetGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "bob", g.OwnerID)
	e.assertSingleOwner(t, ctx, "g")

	ev := e.events.Last(t)
	assert.Equal(t, group.EventOwnershipTransferred, ev.Type)
	assert.Equal(t, "bob", ev.UserID)

	// the previous owner can now leave
	require.NoError(t, e.svc.RemoveMember(ctx, "g", "alice", "alice"))
	e.assertSingleOwner(t, ctx, "g")
}

func TestService_TransferOwnership_Concurrent(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "alice")
	e.fx.AddMember(ctx, "g", "bob", group.RoleAdmin)
	e.fx.AddMember(ctx, "g", "carol", group.RoleAdmin)

	targets := []string{"bob", "carol", "bob", "carol"}
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target string) {
			defer wg.Done()
			_, errs[i] = e.svc.UpdateMemberRole(ctx, "g", target, group.RoleOwner, "alice")
		}(i, target)
	}
	wg.Wait()

	var winners int
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, group.ErrUnauthorized)
	}
	assert.Equal(t, 1, winners)
	e.assertSingleOwner(t, ctx, "g")
	assert.Equal(t, group.RoleAdmin, e.role(t, ctx, "g", "alice"))
}

func TestService_TransferOwnership_InvariantViolation(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "alice")
	e.fx.AddMember(ctx, "g", "bob", group.RoleAdmin)

	g, err := e.store.GetGroup(ctx, "g")
	require.NoError(t, err)
	g.OwnerID = "bob"
	require.NoError(t, e.store.UpdateGroup(ctx, g))

	_, err = e.svc.UpdateMemberRole(ctx, "g", "bob", group.RoleOwner, "alice")
	require.ErrorIs(t, err, group.ErrInvariantViolation)
	assert.Equal(t, []string{"transfer ownership"}, e.rec.violations)

	// nothing changed
	assert.Equal(t, group.RoleOwner, e.role(t, ctx, "g", "alice"))
	assert.Equal(t, group.RoleAdmin, e.role(t, ctx, "g", "bob"))
}

// interleavedStore runs race once, right before the service starts its
// first mutation, whether that is an atomic unit or a direct write.
type interleavedStore struct {
	group.Store
	once sync.Once
	race func()
}

func (s *interleavedStore) fire() {
	if s.race != nil {
		s.once.Do(s.race)
	}
}

func (s *interleavedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx group.Store) error) error {
	s.fire()
	return s.Store.Atomic(ctx, fn)
}

func (s *interleavedStore) UpdateMembership(ctx context.Context, groupID, userID string, role group.Role, overrides *group.Overrides) (*group.Membership, error) {
	s.fire()
	return s.Store.UpdateMembership(ctx, groupID, userID, role, overrides)
}

func (s *interleavedStore) RemoveMembership(ctx context.Context, groupID, userID string) error {
	s.fire()
	return s.Store.RemoveMembership(ctx, groupID, userID)
}

func TestService_TransferBeforeWriteKeepsOwner(t *testing.T) {
	tests := []struct {
		name string
		run  func(ctx context.Context, svc *group.Service) error
	}{
		{"demote", func(ctx context.Context, svc *group.Service) error {
			_, err := svc.UpdateMemberRole(ctx, "g", "bob", group.RoleRestricted, "carol")
			return err
		}},
		{"kick", func(ctx context.Context, svc *group.Service) error {
			return svc.RemoveMember(ctx, "g", "bob", "carol")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := sqlstore.New(testutil.SetupTestDB(t))
			racing := &interleavedStore{Store: inner}
			e, ctx := newEnvWithStore(t, racing)
			e.fx.CreateGroup(ctx, "g", "alice")
			e.fx.AddMember(ctx, "g", "bob", group.RoleMember)
			e.fx.AddMember(ctx, "g", "carol", group.RoleAdmin)

			// alice hands the group to bob after carol's request started
			other := group.NewService(inner)
			racing.race = func() {
				_, err := other.UpdateMemberRole(ctx, "g", "bob", group.RoleOwner, "alice")
				require.NoError(t, err)
			}

			err := tt.run(ctx, e.svc)
			assert.ErrorIs(t, err, group.ErrUnauthorized)
			assert.Equal(t, group.RoleOwner, e.role(t, ctx, "g", "bob"))
			e.assertSingleOwner(t, ctx, "g")
		})
	}
}

func TestService_HasPermission(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "muted", group.RoleRestricted)

	for _, a := range group.Actions {
		ok, err := e.svc.HasPermission(ctx, "g", "stranger", a)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = e.svc.HasPermission(ctx, "nope", "owner", a)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := e.svc.HasPermission(ctx, "g", "muted", group.ActionSendMessages)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.svc.HasPermission(ctx, "g", "owner", "fly")
	assert.ErrorIs(t, err, group.ErrInvalid)
}

func TestService_SetMemberOverrides(t *testing.T) {
	tests := []struct {
		name      string
		actor     string
		target    string
		overrides group.Overrides
		wantErr   error
	}{
		{"admin revokes posting", "admin", "member", group.Overrides{CanPost: group.Bool(false)}, nil},
		{"admin grants pin", "admin", "member", group.Overrides{CanPin: group.Bool(true)}, nil},
		{"owner overrides admin", "owner", "admin", group.Overrides{CanDeleteMessages: group.Bool(false)}, nil},
		{"moderator is not admin", "mod", "member", group.Overrides{CanPost: group.Bool(false)}, group.ErrUnauthorized},
		{"admin cannot touch admin", "admin", "admin2", group.Overrides{CanPost: group.Bool(false)}, group.ErrUnauthorized},
		{"owner is untouchable", "owner", "owner", group.Overrides{CanPost: group.Bool(false)}, group.ErrUnauthorized},
		{"cannot grant what you lack", "limited", "member", group.Overrides{CanPost: group.Bool(true)}, group.ErrUnauthorized},
		{"can revoke what you lack", "limited", "member", group.Overrides{CanPost: group.Bool(false)}, nil},
		{"missing target", "admin", "ghost", group.Overrides{}, group.ErrNotFound},
		{"non member", "stranger", "member", group.Overrides{}, group.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, ctx := newEnv(t)
			e.fx.CreateGroup(ctx, "g", "owner")
			e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "admin2", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "limited", group.RoleAdmin)
			e.fx.AddMember(ctx, "g", "mod", group.RoleModerator)
			e.fx.AddMember(ctx, "g", "member", group.RoleMember)
			_, err := e.store.UpdateMembership(ctx, "g", "limited", group.RoleAdmin, &group.Overrides{CanPost: group.Bool(false)})
			require.NoError(t, err)

			m, err := e.svc.SetMemberOverrides(ctx, "g", tt.target, tt.overrides, tt.actor)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.overrides, m.Overrides)
			assert.Equal(t, group.EventPermissionsChanged, e.events.Last(t).Type)

			effective, err := e.svc.EffectivePermissions(ctx, "g", tt.target)
			require.NoError(t, err)
			for _, a := range group.Actions {
				if v := tt.overrides.For(a); v != nil {
					assert.Equal(t, *v, effective[a], a)
				}
			}
		})
	}
}

func TestService_UpdateGroupInfo(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "admin", group.RoleAdmin)
	e.fx.AddMember(ctx, "g", "mod", group.RoleModerator)

	name := "Renamed"
	desc := "new description"
	g, err := e.svc.UpdateGroupInfo(ctx, "g", "admin", group.GroupPatch{Name: &name, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", g.Name)
	assert.Equal(t, "new description", g.Description)
	assert.Equal(t, group.EventGroupUpdated, e.events.Last(t).Type)

	stored, err := e.svc.GetGroup(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", stored.Name)
	assert.Equal(t, "owner", stored.OwnerID)

	_, err = e.svc.UpdateGroupInfo(ctx, "g", "mod", group.GroupPatch{Name: &name})
	assert.ErrorIs(t, err, group.ErrUnauthorized)

	_, err = e.svc.UpdateGroupInfo(ctx, "missing", "admin", group.GroupPatch{Name: &name})
	assert.ErrorIs(t, err, group.ErrNotFound)

	blank := " "
	_, err = e.svc.UpdateGroupInfo(ctx, "g", "admin", group.GroupPatch{Name: &blank})
	assert.ErrorIs(t, err, group.ErrInvalid)
}

func TestService_GetGroupMembers(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")
	e.fx.AddMember(ctx, "g", "a", group.RoleMember)
	e.fx.AddMember(ctx, "g", "b", group.RoleMember)

	page, err := e.svc.GetGroupMembers(ctx, "g", group.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].UserID)
	assert.Equal(t, "b", page[1].UserID)

	_, err = e.svc.GetGroupMembers(ctx, "missing", group.Page{})
	assert.ErrorIs(t, err, group.ErrNotFound)

	_, err = e.svc.GetGroupMembers(ctx, "g", group.Page{Limit: -1})
	assert.ErrorIs(t, err, group.ErrInvalid)
}

func TestService_RecordsOutcomes(t *testing.T) {
	e, ctx := newEnv(t)
	e.fx.CreateGroup(ctx, "g", "owner")

	_, err := e.svc.AddMember(ctx, "g", "x", "owner")
	require.NoError(t, err)
	_, err = e.svc.AddMember(ctx, "g", "x", "owner")
	require.Error(t, err)

	assert.Equal(t, 1, e.rec.outcomes["add member/ok"])
	assert.Equal(t, 1, e.rec.outcomes["add member/already_member"])
	assert.Equal(t, "user is already a member", group.Reason(err))
}
