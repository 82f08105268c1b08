package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

const callsCollection = "calls"

type CallRepository struct {
	collection *mongo.Collection
}

var _ repositories.CallRepository = (*CallRepository)(nil)

// NewCallRepository creates a new MongoDB call repository
func NewCallRepository(db *mongo.Database) *CallRepository {
	return &CallRepository{
		collection: db.Collection(callsCollection),
	}
}

// EnsureIndexes creates the index used by ListByWorkspace
func (r *CallRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create calls index: %w", err)
	}
	return nil
}

// Create implements repositories.CallRepository
func (r *CallRepository) Create(ctx context.Context, record *entities.CallRecord) error {
	if record == nil {
		return errors.New("call record cannot be nil")
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

// GetByID implements repositories.CallRepository
func (r *CallRepository) GetByID(ctx context.Context, id string) (*entities.CallRecord, error) {
	if id == "" {
		return nil, errors.New("call ID cannot be empty")
	}

	var record entities.CallRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrCallNotFound
		}
		return nil, fmt.Errorf("failed to get call %s: %w", id, err)
	}
	return &record, nil
}

// ListByWorkspace returns the most recent calls first, at most limit when limit > 0
func (r *CallRepository) ListByWorkspace(ctx context.Context, workspaceID string, limit int) ([]*entities.CallRecord, error) {
	if workspaceID == "" {
		return nil, errors.New("workspace ID cannot be empty")
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, bson.M{"workspace_id": workspaceID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list calls for workspace %s: %w", workspaceID, err)
	}
	defer cursor.Close(ctx)

	records := make([]*entities.CallRecord, 0)
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode calls: %w", err)
	}
	return records, nil
}
