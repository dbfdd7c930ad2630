// Package mongostore backs the non-cache half of internal/store.Store with
// MongoDB, generalizing the teacher's UserRepo (a single "users" collection
// keyed by name, read with FindOne/bson.M and written with InsertOne) into
// separate collections for device rosters, groups, and key/value
// preferences. The cache half (AddUnprocessed..RemoveAllUnprocessed) is
// delegated to an embedded *rediscache.Store so one mongostore.Store value
// satisfies the full interface.
package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"signalengine/internal/store"
	"signalengine/internal/store/rediscache"
)

// deviceRosterDoc is the per-number analogue of the teacher's User document:
// FindOne by _id=number instead of by name.
type deviceRosterDoc struct {
	Number    string   `bson:"_id"`
	DeviceIDs []uint32 `bson:"deviceIds"`
}

type groupDoc struct {
	ID      []byte   `bson:"_id"`
	Name    string   `bson:"name"`
	Members []string `bson:"members"`
	Avatar  []byte   `bson:"avatar,omitempty"`
}

type preferenceDoc struct {
	Key   string `bson:"_id"`
	Value string `bson:"value"`
}

// Store is the Mongo-backed implementation of internal/store.Store.
type Store struct {
	*rediscache.Store

	localNumber   string
	localDeviceID uint32

	devices     *mongo.Collection
	groups      *mongo.Collection
	preferences *mongo.Collection
}

// New wraps an established *mongo.Database. cache backs the unprocessed
// envelope surface; pass a *rediscache.Store built from the same process's
// Redis client.
func New(db *mongo.Database, cache *rediscache.Store, localNumber string, localDeviceID uint32) *Store {
	return &Store{
		Store:         cache,
		localNumber:   localNumber,
		localDeviceID: localDeviceID,
		devices:       db.Collection("device_rosters"),
		groups:        db.Collection("groups"),
		preferences:   db.Collection("preferences"),
	}
}

func (s *Store) UserGetNumber() string   { return s.localNumber }
func (s *Store) UserGetDeviceID() uint32 { return s.localDeviceID }

func (s *Store) GetDeviceIDs(ctx context.Context, number string) ([]uint32, error) {
	var doc deviceRosterDoc
	err := s.devices.FindOne(ctx, bson.M{"_id": number}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get device ids for %s: %w", number, err)
	}
	return doc.DeviceIDs, nil
}

func (s *Store) SetDeviceIDs(ctx context.Context, number string, deviceIDs []uint32) error {
	_, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": number},
		bson.M{"$set": bson.M{"deviceIds": deviceIDs}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: set device ids for %s: %w", number, err)
	}
	return nil
}

func (s *Store) RemoveDevice(ctx context.Context, number string, deviceID uint32) error {
	_, err := s.devices.UpdateOne(ctx,
		bson.M{"_id": number},
		bson.M{"$pull": bson.M{"deviceIds": deviceID}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: remove device %d for %s: %w", deviceID, number, err)
	}
	return nil
}

// RemoveSession has no Mongo-side state in this adapter: ratchet session
// teardown lives entirely in ratchetlib.Manager, which the caller clears
// before calling here. Kept to satisfy the interface and as the seam a
// session-archive table would hang off later.
func (s *Store) RemoveSession(ctx context.Context, address store.SessionAddress) error {
	return nil
}

func (s *Store) GroupsGetGroup(ctx context.Context, id []byte) (*store.Group, error) {
	var doc groupDoc
	err := s.groups.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongostore: get group: %w", err)
	}
	return &store.Group{ID: doc.ID, Name: doc.Name, Members: doc.Members, Avatar: doc.Avatar}, nil
}

func (s *Store) GroupsGetNumbers(ctx context.Context, id []byte) ([]string, error) {
	group, err := s.GroupsGetGroup(ctx, id)
	if err != nil || group == nil {
		return nil, err
	}
	return group.Members, nil
}

func (s *Store) GroupsCreateNewGroup(ctx context.Context, members []string, id []byte) error {
	_, err := s.groups.InsertOne(ctx, groupDoc{ID: id, Members: members})
	if err != nil {
		return fmt.Errorf("mongostore: create group: %w", err)
	}
	return nil
}

func (s *Store) GroupsUpdateNumbers(ctx context.Context, id []byte, members []string) error {
	_, err := s.groups.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"members": members}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: update group members: %w", err)
	}
	return nil
}

func (s *Store) GroupsRemoveNumber(ctx context.Context, id []byte, number string) error {
	_, err := s.groups.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$pull": bson.M{"members": number}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: remove group member: %w", err)
	}
	return nil
}

func (s *Store) GroupsDeleteGroup(ctx context.Context, id []byte) error {
	_, err := s.groups.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete group: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string, def string) (string, error) {
	var doc preferenceDoc
	err := s.preferences.FindOne(ctx, bson.M{"_id": key}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("mongostore: get preference %s: %w", key, err)
	}
	return doc.Value, nil
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	_, err := s.preferences.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"value": value}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: put preference %s: %w", key, err)
	}
	return nil
}
