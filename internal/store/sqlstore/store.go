// Package sqlstore implements group.Store on a relational database through
// gorm.
package sqlstore

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"kite-server/internal/group"
)

// Store is safe for concurrent use. Inside Atomic it is bound to the
// transaction.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the tables and indexes. The single-owner rule is a
// partial unique index, which gorm tags cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&GroupModel{}, &MembershipModel{}); err != nil {
		return err
	}
	return db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_group_members_one_owner ON group_members (group_id) WHERE role = 'owner'`).Error
}

func (s *Store) InsertGroup(ctx context.Context, g *group.Group) error {
	model := groupToModel(g)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*group.Group, error) {
	var model GroupModel
	if err := s.db.WithContext(ctx).Where("id = ?", groupID).First(&model).Error; err != nil {
		return nil, translate(err)
	}
	return model.toGroup(), nil
}

func (s *Store) UpdateGroup(ctx context.Context, g *group.Group) error {
	res := s.db.WithContext(ctx).Model(&GroupModel{}).Where("id = ?", g.ID).Updates(map[string]interface{}{
		"kind":        string(g.Kind),
		"name":        g.Name,
		"description": g.Description,
		"avatar":      g.Avatar,
		"owner_id":    g.OwnerID,
		"settings":    SettingsType(g.Settings),
		"updated_at":  g.UpdatedAt,
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("group_id = ?", groupID).Delete(&MembershipModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", groupID).Delete(&GroupModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return group.ErrNotFound
		}
		return nil
	})
}

func (s *Store) GetMembership(ctx context.Context, groupID, userID string) (*group.Membership, error) {
	var model MembershipModel
	err := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		First(&model).Error
	if err != nil {
		return nil, translate(err)
	}
	m := model.toMembership()
	return &m, nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID string, page group.Page) ([]group.Membership, error) {
	q := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("joined_at ASC").
		Order("seq ASC")
	if page.Limit > 0 {
		q = q.Limit(page.Limit)
	}
	if page.Offset > 0 {
		q = q.Offset(page.Offset)
	}

	var models []MembershipModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]group.Membership, 0, len(models))
	for _, model := range models {
		out = append(out, model.toMembership())
	}
	return out, nil
}

func (s *Store) CountOwners(ctx context.Context, groupID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("group_id = ? AND role = ?", groupID, string(group.RoleOwner)).
		Count(&n).Error
	return n, err
}

func (s *Store) InsertMembership(ctx context.Context, m *group.Membership) error {
	model := membershipToModel(m)
	return translate(s.db.WithContext(ctx).Create(&model).Error)
}

func (s *Store) UpdateMembership(ctx context.Context, groupID, userID string, role group.Role, overrides *group.Overrides) (*group.Membership, error) {
	updates := map[string]interface{}{"role": string(role)}
	if overrides != nil {
		updates["can_post"] = overrides.CanPost
		updates["can_media"] = overrides.CanMedia
		updates["can_add_members"] = overrides.CanAddMembers
		updates["can_pin"] = overrides.CanPin
		updates["can_delete_messages"] = overrides.CanDeleteMessages
	}
	res := s.db.WithContext(ctx).Model(&MembershipModel{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Updates(updates)
	if res.Error != nil {
		return nil, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, group.ErrNotFound
	}
	return s.GetMembership(ctx, groupID, userID)
}

func (s *Store) RemoveMembership(ctx context.Context, groupID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&MembershipModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx group.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Store{db: tx})
	})
}

// translate maps driver errors onto the group store errors. The sqlite
// driver reports constraint failures only through the message text.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return group.ErrNotFound
	}
	msg := err.Error()
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "group_members.user_id") {
			return group.ErrDuplicateMembership
		}
		if strings.Contains(msg, "group_members.group_id") {
			return group.ErrDuplicateOwner
		}
	}
	return err
}
