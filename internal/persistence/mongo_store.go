package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// MongoInstanceStore is an InstanceStore backed by a MongoDB collection.
type MongoInstanceStore struct {
	coll *mongo.Collection
}

// Ensure it implements InstanceStore.
var _ InstanceStore = (*MongoInstanceStore)(nil)

// NewMongoInstanceStore creates a Mongo-backed instance store.
// dbName defaults to "sundayhug" if empty, collName defaults to "workflow_instances".
func NewMongoInstanceStore(client *mongo.Client, dbName, collName string) *MongoInstanceStore {
	if dbName == "" {
		dbName = "sundayhug"
	}
	if collName == "" {
		collName = "workflow_instances"
	}

	return &MongoInstanceStore{
		coll: client.Database(dbName).Collection(collName),
	}
}

type mongoInstanceDoc struct {
	ID                string    `bson:"_id"`
	DefinitionID      string    `bson:"definition_id"`
	Version           string    `bson:"version"`
	State             string    `bson:"state"`
	CurrentStep       string    `bson:"current_step"`
	PendingApprovalID string    `bson:"pending_approval_id,omitempty"`
	CreatedAt         time.Time `bson:"created_at"`
	UpdatedAt         time.Time `bson:"updated_at"`
	Snapshot          []byte    `bson:"snapshot"`
}

func toMongoDoc(inst *api.WorkflowInstance) (mongoInstanceDoc, error) {
	snapshot, err := encodeInstance(inst)
	if err != nil {
		return mongoInstanceDoc{}, err
	}
	return mongoInstanceDoc{
		ID:                inst.ID,
		DefinitionID:      inst.DefinitionID,
		Version:           inst.Version,
		State:             string(inst.State),
		CurrentStep:       inst.CurrentStepID,
		PendingApprovalID: inst.PendingApprovalID,
		CreatedAt:         inst.CreatedAt,
		UpdatedAt:         inst.UpdatedAt,
		Snapshot:          snapshot,
	}, nil
}

func (s *MongoInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	doc, err := toMongoDoc(inst)
	if err != nil {
		return err
	}
	_, err = s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	return err
}

func (s *MongoInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	doc, err := toMongoDoc(inst)
	if err != nil {
		return err
	}

	update := bson.M{
		"$set": bson.M{
			"definition_id":       doc.DefinitionID,
			"version":             doc.Version,
			"state":               doc.State,
			"current_step":        doc.CurrentStep,
			"pending_approval_id": doc.PendingApprovalID,
			"updated_at":          doc.UpdatedAt,
			"snapshot":            doc.Snapshot,
		},
	}

	res, err := s.coll.UpdateByID(ctx, inst.ID, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

func (s *MongoInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var doc mongoInstanceDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return decodeInstance(doc.Snapshot)
}

func (s *MongoInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	bfilter := bson.M{}
	if filter.DefinitionID != "" {
		bfilter["definition_id"] = filter.DefinitionID
	}
	if filter.State != "" {
		bfilter["state"] = string(filter.State)
	}

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var results []*api.WorkflowInstance
	for cur.Next(ctx) {
		var doc mongoInstanceDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(doc.Snapshot)
		if err != nil {
			return nil, err
		}
		results = append(results, inst)
	}
	return results, cur.Err()
}
