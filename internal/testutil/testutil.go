package testutil

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"kite-server/internal/db"
	"kite-server/internal/group"
	"kite-server/internal/store/sqlstore"
)

// SetupTestDB opens a migrated in-memory sqlite database that is closed
// when the test ends.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(db.Memory)
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(gdb))
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// TestContext returns a context that times out after ten seconds.
func TestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// WithChiURLParam adds a chi URL parameter to the request context.
func WithChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx, ok := r.Context().Value(chi.RouteCtxKey).(*chi.Context)
	if !ok {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// Fixtures writes test data straight into a store, bypassing the service
// rules.
type Fixtures struct {
	t     *testing.T
	store group.Store
	now   time.Time
}

func NewFixtures(t *testing.T, store group.Store) *Fixtures {
	t.Helper()
	return &Fixtures{t: t, store: store, now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// CreateGroup creates a group owned by ownerID.
func (f *Fixtures) CreateGroup(ctx context.Context, id, ownerID string) *group.Group {
	f.t.Helper()
	g := &group.Group{
		ID:        id,
		Kind:      group.KindGroup,
		Name:      "Group " + id,
		OwnerID:   ownerID,
		Settings:  group.DefaultSettings(),
		CreatedAt: f.now,
		UpdatedAt: f.now,
	}
	require.NoError(f.t, f.store.InsertGroup(ctx, g))
	f.AddMember(ctx, id, ownerID, group.RoleOwner)
	return g
}

// AddMember inserts a membership with the given role. Each call joins one
// second after the previous one.
func (f *Fixtures) AddMember(ctx context.Context, groupID, userID string, role group.Role) *group.Membership {
	f.t.Helper()
	f.now = f.now.Add(time.Second)
	m := &group.Membership{GroupID: groupID, UserID: userID, Role: role, JoinedAt: f.now}
	require.NoError(f.t, f.store.InsertMembership(ctx, m))
	return m
}

// Notifier collects events for assertions.
type Notifier struct {
	mu     sync.Mutex
	events []group.Event
}

func (n *Notifier) Notify(_ context.Context, e group.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *Notifier) Events() []group.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]group.Event(nil), n.events...)
}

// Last returns the most recent event or fails the test when there is none.
func (n *Notifier) Last(t *testing.T) group.Event {
	t.Helper()
	events := n.Events()
	require.NotEmpty(t, events, "no events published")
	return events[len(events)-1]
}
