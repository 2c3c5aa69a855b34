package group

import (
	"context"
	"errors"
	"fmt"
)

// Store persists groups and memberships. Implementations enforce the
// (group, user) uniqueness and single-owner constraints with indexes and
// report them as ErrDuplicateMembership and ErrDuplicateOwner. Missing
// records are reported as ErrNotFound.
type Store interface {
	InsertGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, groupID string) (*Group, error)
	UpdateGroup(ctx context.Context, g *Group) error
	DeleteGroup(ctx context.Context, groupID string) error

	GetMembership(ctx context.Context, groupID, userID string) (*Membership, error)
	ListMemberships(ctx context.Context, groupID string, page Page) ([]Membership, error)
	CountOwners(ctx context.Context, groupID string) (int64, error)
	InsertMembership(ctx context.Context, m *Membership) error
	// UpdateMembership changes the role and, when overrides is non-nil,
	// replaces the overrides.
	UpdateMembership(ctx context.Context, groupID, userID string, role Role, overrides *Overrides) (*Membership, error)
	RemoveMembership(ctx context.Context, groupID, userID string) error

	// Atomic runs fn as a single unit: either every mutation made through
	// the Store handed to fn is kept, or none is.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}

// RunCompensated runs fn against a Journal over s and undoes every applied
// mutation if fn fails. Stores use it when the backend cannot offer a
// transaction.
func RunCompensated(ctx context.Context, s Store, fn func(ctx context.Context, tx Store) error) error {
	j := NewJournal(s)
	err := fn(ctx, j)
	if err == nil {
		return nil
	}
	if rbErr := j.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
		return errors.Join(err, fmt.Errorf("compensation failed: %w", rbErr))
	}
	return err
}

// Journal wraps a Store and records how to undo each mutation.
type Journal struct {
	s    Store
	undo []func(ctx context.Context) error
}

func NewJournal(s Store) *Journal {
	return &Journal{s: s}
}

// Len returns the number of recorded mutations.
func (j *Journal) Len() int {
	return len(j.undo)
}

// Rollback undoes the recorded mutations newest first. It keeps going after
// a failed step and returns every error it met.
func (j *Journal) Rollback(ctx context.Context) error {
	var errs []error
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	j.undo = nil
	return errors.Join(errs...)
}

func (j *Journal) record(fn func(ctx context.Context) error) {
	j.undo = append(j.undo, fn)
}

func (j *Journal) InsertGroup(ctx context.Context, g *Group) error {
	if err := j.s.InsertGroup(ctx, g); err != nil {
		return err
	}
	id := g.ID
	j.record(func(ctx context.Context) error {
		return j.s.DeleteGroup(ctx, id)
	})
	return nil
}

func (j *Journal) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return j.s.GetGroup(ctx, groupID)
}

func (j *Journal) UpdateGroup(ctx context.Context, g *Group) error {
	prev, err := j.s.GetGroup(ctx, g.ID)
	if err != nil {
		return err
	}
	if err := j.s.UpdateGroup(ctx, g); err != nil {
		return err
	}
	j.record(func(ctx context.Context) error {
		return j.s.UpdateGroup(ctx, prev)
	})
	return nil
}

func (j *Journal) DeleteGroup(ctx context.Context, groupID string) error {
	prev, err := j.s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := j.s.DeleteGroup(ctx, groupID); err != nil {
		return err
	}
	j.record(func(ctx context.Context) error {
		return j.s.InsertGroup(ctx, prev)
	})
	return nil
}

func (j *Journal) GetMembership(ctx context.Context, groupID, userID string) (*Membership, error) {
	return j.s.GetMembership(ctx, groupID, userID)
}

func (j *Journal) ListMemberships(ctx context.Context, groupID string, page Page) ([]Membership, error) {
	return j.s.ListMemberships(ctx, groupID, page)
}

func (j *Journal) CountOwners(ctx context.Context, groupID string) (int64, error) {
	return j.s.CountOwners(ctx, groupID)
}

func (j *Journal) InsertMembership(ctx context.Context, m *Membership) error {
	if err := j.s.InsertMembership(ctx, m); err != nil {
		return err
	}
	groupID, userID := m.GroupID, m.UserID
	j.record(func(ctx context.Context) error {
		return j.s.RemoveMembership(ctx, groupID, userID)
	})
	return nil
}

func (j *Journal) UpdateMembership(ctx context.Context, groupID, userID string, role Role, overrides *Overrides) (*Membership, error) {
	prev, err := j.s.GetMembership(ctx, groupID, userID)
	if err != nil {
		return nil, err
	}
	m, err := j.s.UpdateMembership(ctx, groupID, userID, role, overrides)
	if err != nil {
		return nil, err
	}
	j.record(func(ctx context.Context) error {
		prevOverrides := prev.Overrides
		_, err := j.s.UpdateMembership(ctx, groupID, userID, prev.Role, &prevOverrides)
		return err
	})
	return m, nil
}

func (j *Journal) RemoveMembership(ctx context.Context, groupID, userID string) error {
	prev, err := j.s.GetMembership(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if err := j.s.RemoveMembership(ctx, groupID, userID); err != nil {
		return err
	}
	j.record(func(ctx context.Context) error {
		return j.s.InsertMembership(ctx, prev)
	})
	return nil
}

// Atomic on a Journal joins the surrounding unit.
func (j *Journal) Atomic(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, j)
}
