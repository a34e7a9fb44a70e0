package leader

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.flowcatalyst.tech/dispatch/internal/common/metrics"
)

// Lock is the lease document stored in the leader_locks collection.
type Lock struct {
	ID         string    `bson:"_id"` // lock name
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// MongoElector elects a leader through conditional upserts on a single
// lease document. The TTL index it creates is auxiliary cleanup only;
// every decision compares expiresAt against the current time.
type MongoElector struct {
	collection *mongo.Collection
	config     *Config
	isLeader   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewMongoElector creates a Mongo-backed elector.
func NewMongoElector(db *mongo.Database, config *Config) *MongoElector {
	if config == nil {
		config = DefaultConfig("default-leader")
	}
	config.normalize()

	ctx, cancel := context.WithCancel(context.Background())
	return &MongoElector{
		collection: db.Collection("leader_locks"),
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// OnBecomeLeader sets the callback fired on lease acquisition.
func (e *MongoElector) OnBecomeLeader(fn func()) { e.onBecomeLeader = fn }

// OnLoseLeadership sets the callback fired when a refresh fails.
func (e *MongoElector) OnLoseLeadership(fn func()) { e.onLoseLeadership = fn }

// Start begins the election loop.
func (e *MongoElector) Start(ctx context.Context) error {
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	}
	if _, err := e.collection.Indexes().CreateOne(ctx, indexModel); err != nil {
		slog.Debug("Could not create TTL index (may already exist)", "error", err)
	}

	e.wg.Add(1)
	go e.electionLoop()

	slog.Info("Leader election started",
		"backend", "mongo",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL,
		"refreshInterval", e.config.RefreshInterval)
	return nil
}

// Stop halts the loop and releases the lease if held.
func (e *MongoElector) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.isLeader.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}
	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsLeader reports whether this instance holds the lease.
func (e *MongoElector) IsLeader() bool { return e.isLeader.Load() }

// InstanceID returns the configured instance identity.
func (e *MongoElector) InstanceID() string { return e.config.InstanceID }

func (e *MongoElector) electionLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.tryAcquireOrRefresh()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tryAcquireOrRefresh()
		}
	}
}

func (e *MongoElector) tryAcquireOrRefresh() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasLeader := e.isLeader.Load()

	if wasLeader {
		if e.refresh(ctx) {
			return
		}
		e.isLeader.Store(false)
		metrics.LeaderElectionState.WithLabelValues(e.config.LockName).Set(0)
		slog.Warn("Lost leadership - refresh failed",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}

	if e.tryAcquire(ctx) {
		e.isLeader.Store(true)
		metrics.LeaderElectionState.WithLabelValues(e.config.LockName).Set(1)
		if !wasLeader {
			slog.Info("Acquired leadership",
				"instanceId", e.config.InstanceID,
				"lockName", e.config.LockName)
			if e.onBecomeLeader != nil {
				e.onBecomeLeader()
			}
		}
	}
}

// tryAcquire upserts the lease iff it is missing, expired, or already ours.
func (e *MongoElector) tryAcquire(ctx context.Context) bool {
	now := time.Now()

	filter := bson.M{
		"_id": e.config.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.config.InstanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": e.config.InstanceID,
			"acquiredAt": now,
			"expiresAt":  now.Add(e.config.TTL),
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result Lock
	err := e.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		// The upsert races with a live holder: the filter misses the
		// existing document and the insert collides on _id.
		if mongo.IsDuplicateKeyError(err) {
			return false
		}
		if e.ctx.Err() == nil {
			slog.Error("Failed to acquire leader lock",
				"error", err,
				"lockName", e.config.LockName)
		}
		return false
	}

	return result.InstanceID == e.config.InstanceID
}

// refresh extends the lease with an update conditional on ownership.
// MatchedCount == 0 means another instance took the lease.
func (e *MongoElector) refresh(ctx context.Context) bool {
	filter := bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	}
	update := bson.M{
		"$set": bson.M{"expiresAt": time.Now().Add(e.config.TTL)},
	}

	result, err := e.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		if e.ctx.Err() == nil {
			slog.Error("Failed to refresh leader lock",
				"error", err,
				"lockName", e.config.LockName)
		}
		return false
	}
	return result.MatchedCount > 0
}

// Release deletes the lease if this instance owns it.
func (e *MongoElector) Release(ctx context.Context) {
	filter := bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	}

	result, err := e.collection.DeleteOne(ctx, filter)
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err,
			"lockName", e.config.LockName)
		return
	}
	if result.DeletedCount > 0 {
		slog.Info("Released leader lock",
			"instanceId", e.config.InstanceID,
			"lockName", e.config.LockName)
	}

	e.isLeader.Store(false)
	metrics.LeaderElectionState.WithLabelValues(e.config.LockName).Set(0)
}

// CurrentLeader returns the instance ID holding a live lease, or "".
func (e *MongoElector) CurrentLeader(ctx context.Context) (string, error) {
	filter := bson.M{
		"_id":       e.config.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}

	var lock Lock
	err := e.collection.FindOne(ctx, filter).Decode(&lock)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return "", nil
		}
		return "", err
	}
	return lock.InstanceID, nil
}
