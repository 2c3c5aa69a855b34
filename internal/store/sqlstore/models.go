package sqlstore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"kite-server/internal/group"
)

// GroupModel is the database row of a group.
type GroupModel struct {
	ID          string `gorm:"primaryKey"`
	Kind        string `gorm:"not null;default:'group'"`
	Name        string `gorm:"not null"`
	Description string
	Avatar      string
	OwnerID     string `gorm:"not null"`
	Settings    SettingsType
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (GroupModel) TableName() string { return "chat_groups" }

// MembershipModel is the database row of a membership. Seq keeps insertion
// order for members that joined at the same instant.
type MembershipModel struct {
	Seq               uint      `gorm:"primaryKey;autoIncrement"`
	GroupID           string    `gorm:"not null;uniqueIndex:idx_group_members_group_user,priority:1;index:idx_group_members_joined,priority:1"`
	UserID            string    `gorm:"not null;uniqueIndex:idx_group_members_group_user,priority:2"`
	Role              string    `gorm:"not null"`
	CanPost           *bool
	CanMedia          *bool
	CanAddMembers     *bool
	CanPin            *bool
	CanDeleteMessages *bool
	JoinedAt          time.Time `gorm:"not null;index:idx_group_members_joined,priority:2"`
	InvitedBy         string
}

func (MembershipModel) TableName() string { return "group_members" }

// SettingsType stores group settings as a JSON column.
type SettingsType group.Settings

func (s SettingsType) Value() (driver.Value, error) {
	b, err := json.Marshal(group.Settings(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SettingsType) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*s = SettingsType(group.DefaultSettings())
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into SettingsType", value)
	}
	var settings group.Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return err
	}
	*s = SettingsType(settings)
	return nil
}

func groupToModel(g *group.Group) GroupModel {
	return GroupModel{
		ID:          g.ID,
		Kind:        string(g.Kind),
		Name:        g.Name,
		Description: g.Description,
		Avatar:      g.Avatar,
		OwnerID:     g.OwnerID,
		Settings:    SettingsType(g.Settings),
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	}
}

func (m GroupModel) toGroup() *group.Group {
	return &group.Group{
		ID:          m.ID,
		Kind:        group.Kind(m.Kind),
		Name:        m.Name,
		Description: m.Description,
		Avatar:      m.Avatar,
		OwnerID:     m.OwnerID,
		Settings:    group.Settings(m.Settings),
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
}

func membershipToModel(m *group.Membership) MembershipModel {
	return MembershipModel{
		GroupID:           m.GroupID,
		UserID:            m.UserID,
		Role:              string(m.Role),
		CanPost:           m.Overrides.CanPost,
		CanMedia:          m.Overrides.CanMedia,
		CanAddMembers:     m.Overrides.CanAddMembers,
		CanPin:            m.Overrides.CanPin,
		CanDeleteMessages: m.Overrides.CanDeleteMessages,
		JoinedAt:          m.JoinedAt,
		InvitedBy:         m.InvitedBy,
	}
}

func (m MembershipModel) toMembership() group.Membership {
	return group.Membership{
		GroupID: m.GroupID,
		UserID:  m.UserID,
		Role:    group.Role(m.Role),
		Overrides: group.Overrides{
			CanPost:           m.CanPost,
			CanMedia:          m.CanMedia,
			CanAddMembers:     m.CanAddMembers,
			CanPin:            m.CanPin,
			CanDeleteMessages: m.CanDeleteMessages,
		},
		JoinedAt:  m.JoinedAt.UTC(),
		InvitedBy: m.InvitedBy,
	}
}
