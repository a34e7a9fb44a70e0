package outbox

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository implements Repository on MongoDB, one collection per
// item type. Absent messageGroup fields sort before present ones, which
// gives the required NULLS FIRST ordering for free.
type MongoRepository struct {
	db     *mongo.Database
	config *RepositoryConfig
}

// NewMongoRepository creates a Mongo outbox repository.
func NewMongoRepository(db *mongo.Database, config *RepositoryConfig) *MongoRepository {
	if config == nil {
		config = DefaultRepositoryConfig()
	}
	return &MongoRepository{db: db, config: config}
}

// TableName returns the collection for the item type.
func (r *MongoRepository) TableName(itemType ItemType) string {
	return r.config.tableName(itemType)
}

func (r *MongoRepository) collection(itemType ItemType) *mongo.Collection {
	return r.db.Collection(r.TableName(itemType))
}

// FetchPending returns pending items in (messageGroup, createdAt) order.
func (r *MongoRepository) FetchPending(ctx context.Context, itemType ItemType, limit int) ([]*Item, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "messageGroup", Value: 1}, {Key: "createdAt", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection(itemType).Find(ctx, bson.M{"status": StatusPending}, opts)
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode pending items: %w", err)
	}
	return items, nil
}

// MarkAsInProgress claims fetched items.
func (r *MongoRepository) MarkAsInProgress(ctx context.Context, itemType ItemType, ids []string) error {
	return r.transition(ctx, itemType, ids,
		bson.M{"status": StatusPending},
		bson.M{"status": StatusInProgress})
}

// MarkWithStatus applies a terminal transition.
func (r *MongoRepository) MarkWithStatus(ctx context.Context, itemType ItemType, ids []string, status Status) error {
	return r.transition(ctx, itemType, ids, nil, bson.M{"status": status})
}

// MarkWithStatusAndError applies a terminal transition with error text.
func (r *MongoRepository) MarkWithStatusAndError(ctx context.Context, itemType ItemType, ids []string, status Status, errorMessage string) error {
	return r.transition(ctx, itemType, ids, nil,
		bson.M{"status": status, "errorMessage": errorMessage})
}

// IncrementRetryCount returns items to PENDING with retryCount bumped.
func (r *MongoRepository) IncrementRetryCount(ctx context.Context, itemType ItemType, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.collection(itemType).UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "status": StatusInProgress},
		bson.M{
			"$set": bson.M{"status": StatusPending, "updatedAt": time.Now()},
			"$inc": bson.M{"retryCount": 1},
		})
	if err != nil {
		return fmt.Errorf("increment retry count: %w", err)
	}
	return nil
}

// FetchStuckItems returns all IN_PROGRESS items.
func (r *MongoRepository) FetchStuckItems(ctx context.Context, itemType ItemType) ([]*Item, error) {
	cursor, err := r.collection(itemType).Find(ctx,
		bson.M{"status": StatusInProgress},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("fetch stuck items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode stuck items: %w", err)
	}
	return items, nil
}

// ResetStuckItems returns IN_PROGRESS items to PENDING, retries unchanged.
func (r *MongoRepository) ResetStuckItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.transition(ctx, itemType, ids,
		bson.M{"status": StatusInProgress},
		bson.M{"status": StatusPending})
}

// FetchRecoverableItems returns stale items in recoverable statuses.
func (r *MongoRepository) FetchRecoverableItems(ctx context.Context, itemType ItemType, timeoutSeconds int, limit int) ([]*Item, error) {
	cutoff := time.Now().Add(-time.Duration(timeoutSeconds) * time.Second)

	cursor, err := r.collection(itemType).Find(ctx,
		bson.M{
			"status":    bson.M{"$in": recoverableStatuses},
			"updatedAt": bson.M{"$lt": cutoff},
		},
		options.Find().
			SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
			SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []*Item
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode recoverable items: %w", err)
	}
	return items, nil
}

// ResetRecoverableItems returns items to PENDING, retries unchanged.
func (r *MongoRepository) ResetRecoverableItems(ctx context.Context, itemType ItemType, ids []string) error {
	return r.transition(ctx, itemType, ids,
		bson.M{"status": bson.M{"$in": recoverableStatuses}},
		bson.M{"status": StatusPending})
}

// CountPending returns the pending backlog size.
func (r *MongoRepository) CountPending(ctx context.Context, itemType ItemType) (int64, error) {
	count, err := r.collection(itemType).CountDocuments(ctx, bson.M{"status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// CreateSchema creates the poll index on each collection.
func (r *MongoRepository) CreateSchema(ctx context.Context) error {
	for _, itemType := range AllItemTypes {
		_, err := r.collection(itemType).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "messageGroup", Value: 1},
				{Key: "createdAt", Value: 1},
			},
			Options: options.Index().SetName("idx_status_group_created"),
		})
		if err != nil {
			return fmt.Errorf("create index on %s: %w", r.TableName(itemType), err)
		}
	}
	return nil
}

// transition updates ids matching the optional status guard.
func (r *MongoRepository) transition(ctx context.Context, itemType ItemType, ids []string, guard bson.M, set bson.M) error {
	if len(ids) == 0 {
		return nil
	}

	filter := bson.M{"_id": bson.M{"$in": ids}}
	for k, v := range guard {
		filter[k] = v
	}
	set["updatedAt"] = time.Now()

	_, err := r.collection(itemType).UpdateMany(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update %s items: %w", r.TableName(itemType), err)
	}
	return nil
}
