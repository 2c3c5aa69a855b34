// Package mongostore implements group.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"kite-server/internal/group"
)

const (
	groupsCollection  = "groups"
	membersCollection = "group_members"

	memberIndex = "uniq_group_user"
	ownerIndex  = "uniq_group_owner"
)

type groupDoc struct {
	ID          string         `bson:"_id"`
	Kind        string         `bson:"kind"`
	Name        string         `bson:"name"`
	Description string         `bson:"description,omitempty"`
	Avatar      string         `bson:"avatar,omitempty"`
	OwnerID     string         `bson:"owner_id"`
	Settings    group.Settings `bson:"settings"`
	CreatedAt   time.Time      `bson:"created_at"`
	UpdatedAt   time.Time      `bson:"updated_at"`
}

type memberDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	GroupID   string             `bson:"group_id"`
	UserID    string             `bson:"user_id"`
	Role      string             `bson:"role"`
	Overrides group.Overrides    `bson:"overrides"`
	JoinedAt  time.Time          `bson:"joined_at"`
	InvitedBy string             `bson:"invited_by,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	client  *mongo.Client
	groups  *mongo.Collection
	members *mongo.Collection
	log     *zap.Logger

	inTxn bool
	noTxn *atomic.Bool
}

func New(client *mongo.Client, database string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := client.Database(database)
	return &Store{
		client:  client,
		groups:  db.Collection(groupsCollection),
		members: db.Collection(membersCollection),
		log:     logger,
		noTxn:   new(atomic.Bool),
	}
}

// EnsureIndexes creates the membership indexes. It is safe to call on
// every start.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.members.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}},
			Options: options.Index().SetName(memberIndex).SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "group_id", Value: 1}},
			Options: options.Index().
				SetName(ownerIndex).
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"role": string(group.RoleOwner)}),
		},
		{
			Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "joined_at", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_group_joined"),
		},
	})
	return err
}

func (s *Store) InsertGroup(ctx context.Context, g *group.Group) error {
	_, err := s.groups.InsertOne(ctx, groupDoc{
		ID:          g.ID,
		Kind:        string(g.Kind),
		Name:        g.Name,
		Description: g.Description,
		Avatar:      g.Avatar,
		OwnerID:     g.OwnerID,
		Settings:    g.Settings,
		CreatedAt:   g.CreatedAt,
		UpdatedAt:   g.UpdatedAt,
	})
	return translate(err)
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*group.Group, error) {
	var d groupDoc
	if err := s.groups.FindOne(ctx, bson.M{"_id": groupID}).Decode(&d); err != nil {
		return nil, translate(err)
	}
	return &group.Group{
		ID:          d.ID,
		Kind:        group.Kind(d.Kind),
		Name:        d.Name,
		Description: d.Description,
		Avatar:      d.Avatar,
		OwnerID:     d.OwnerID,
		Settings:    d.Settings,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}, nil
}

func (s *Store) UpdateGroup(ctx context.Context, g *group.Group) error {
	res, err := s.groups.UpdateOne(ctx, bson.M{"_id": g.ID}, bson.M{"$set": bson.M{
		"kind":        string(g.Kind),
		"name":        g.Name,
		"description": g.Description,
		"avatar":      g.Avatar,
		"owner_id":    g.OwnerID,
		"settings":    g.Settings,
		"updated_at":  g.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := s.members.DeleteMany(ctx, bson.M{"group_id": groupID}); err != nil {
		return err
	}
	res, err := s.groups.DeleteOne(ctx, bson.M{"_id": groupID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, groupID, userID string) (*group.Membership, error) {
	var d memberDoc
	err := s.members.FindOne(ctx, bson.M{"group_id": groupID, "user_id": userID}).Decode(&d)
	if err != nil {
		return nil, translate(err)
	}
	m := d.toMembership()
	return &m, nil
}

func (s *Store) ListMemberships(ctx context.Context, groupID string, page group.Page) ([]group.Membership, error) {
	opts := options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}, {Key: "_id", Value: 1}})
	if page.Limit > 0 {
		opts.SetLimit(int64(page.Limit))
	}
	if page.Offset > 0 {
		opts.SetSkip(int64(page.Offset))
	}
	cur, err := s.members.Find(ctx, bson.M{"group_id": groupID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []group.Membership{}
	for cur.Next(ctx) {
		var d memberDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.toMembership())
	}
	return out, cur.Err()
}

func (s *Store) CountOwners(ctx context.Context, groupID string) (int64, error) {
	return s.members.CountDocuments(ctx, bson.M{"group_id": groupID, "role": string(group.RoleOwner)})
}

func (s *Store) InsertMembership(ctx context.Context, m *group.Membership) error {
	_, err := s.members.InsertOne(ctx, memberDoc{
		ID:        primitive.NewObjectID(),
		GroupID:   m.GroupID,
		UserID:    m.UserID,
		Role:      string(m.Role),
		Overrides: m.Overrides,
		JoinedAt:  m.JoinedAt,
		InvitedBy: m.InvitedBy,
	})
	return translate(err)
}

func (s *Store) UpdateMembership(ctx context.Context, groupID, userID string, role group.Role, overrides *group.Overrides) (*group.Membership, error) {
	set := bson.M{"role": string(role)}
	if overrides != nil {
		set["overrides"] = *overrides
	}
	var d memberDoc
	err := s.members.FindOneAndUpdate(ctx,
		bson.M{"group_id": groupID, "user_id": userID},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return nil, translate(err)
	}
	m := d.toMembership()
	return &m, nil
}

func (s *Store) RemoveMembership(ctx context.Context, groupID, userID string) error {
	res, err := s.members.DeleteOne(ctx, bson.M{"group_id": groupID, "user_id": userID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return group.ErrNotFound
	}
	return nil
}

// Atomic runs fn in a multi-document transaction. Standalone servers do
// not support transactions; there fn runs against a compensating journal
// instead, and the store remembers to skip the transaction attempt.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, tx group.Store) error) error {
	if s.inTxn {
		return fn(ctx, s)
	}
	if s.noTxn.Load() {
		return group.RunCompensated(ctx, s, fn)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		if IsNotSupported(err) {
			return s.fallback(ctx, err, fn)
		}
		return err
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	tx := *s
	tx.inTxn = true
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &tx)
	})
	if err != nil && IsNotSupported(err) {
		var rejected *group.Error
		if !errors.As(err, &rejected) {
			return s.fallback(ctx, err, fn)
		}
	}
	return err
}

func (s *Store) fallback(ctx context.Context, cause error, fn func(ctx context.Context, tx group.Store) error) error {
	if !s.noTxn.Swap(true) {
		s.log.Warn("transactions not supported, using compensation", zap.Error(cause))
	}
	return group.RunCompensated(ctx, s, fn)
}

func (d memberDoc) toMembership() group.Membership {
	return group.Membership{
		GroupID:   d.GroupID,
		UserID:    d.UserID,
		Role:      group.Role(d.Role),
		Overrides: d.Overrides,
		JoinedAt:  d.JoinedAt.UTC(),
		InvitedBy: d.InvitedBy,
	}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return group.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		msg := err.Error()
		if strings.Contains(msg, ownerIndex) {
			return group.ErrDuplicateOwner
		}
		if strings.Contains(msg, memberIndex) {
			return group.ErrDuplicateMembership
		}
	}
	return err
}
