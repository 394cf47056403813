// Package store provides the persistent substrates of the engine: the
// append-only event log and the durable subscriber registry. MongoDB is the
// production engine; an in-process memory engine backs tests and
// single-node development.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/kernelci/eventbus/pubsub"
	"github.com/kernelci/eventbus/sequence"
)

// Collection names. Event history is shared with the /events API.
const (
	EventHistoryCollection    = "eventhistory"
	SubscriberStateCollection = "subscriber_state"
)

// legacyRetention is the TTL of the pre-sequence eventhistory format.
// Detecting it triggers the one-shot rebuild in Migrate.
const legacyRetention = 24 * time.Hour

// MongoEventLog is the EventLog engine backed by MongoDB. Sequence numbers
// come from the shared event-seq counter; writes use acknowledged write
// concern so an event is durable before it is broadcast.
type MongoEventLog struct {
	col *mongo.Collection
	seq sequence.Counter
}

// NewMongoEventLog creates the event log on db.
func NewMongoEventLog(db *mongo.Database, seq sequence.Counter) *MongoEventLog {
	col := db.Collection(EventHistoryCollection,
		options.Collection().SetWriteConcern(writeconcern.W1()))
	return &MongoEventLog{col: col, seq: seq}
}

// Append durably writes one event and returns its sequence number.
func (l *MongoEventLog) Append(ctx context.Context, channel string, data map[string]any, owner string) (int64, error) {
	seq, err := l.seq.Next(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to obtain sequence number: %w", err)
	}
	doc := bson.M{
		"timestamp":   time.Now().UTC(),
		"sequence_id": seq,
		"channel":     channel,
		"data":        data,
	}
	if owner != "" {
		doc["owner"] = owner
	}
	if _, err := l.col.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("failed to store event: %w", err)
	}
	return seq, nil
}

// rangeFilter builds the catch-up query document.
func rangeFilter(channel string, afterSeq int64, owner string, promiscuous bool) bson.M {
	filter := bson.M{
		"channel":     channel,
		"sequence_id": bson.M{"$gt": afterSeq},
	}
	if !promiscuous && owner != "" {
		filter["$or"] = bson.A{
			bson.M{"owner": owner},
			bson.M{"owner": nil},
			bson.M{"owner": bson.M{"$exists": false}},
		}
	}
	return filter
}

// Range returns up to limit events after afterSeq on channel in ascending
// sequence order, honouring the owner visibility rule.
func (l *MongoEventLog) Range(ctx context.Context, channel string, afterSeq int64, owner string, promiscuous bool, limit int) ([]pubsub.Event, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := l.col.Find(ctx, rangeFilter(channel, afterSeq, owner, promiscuous), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query missed events: %w", err)
	}
	var events []pubsub.Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode missed events: %w", err)
	}
	return events, nil
}

// EarliestSequence returns the lowest surviving sequence number, or 0 when
// the log is empty.
func (l *MongoEventLog) EarliestSequence(ctx context.Context) (int64, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "sequence_id", Value: 1}}).
		SetProjection(bson.M{"sequence_id": 1})
	var doc struct {
		SequenceID int64 `bson:"sequence_id"`
	}
	err := l.col.FindOne(ctx, bson.M{}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read earliest sequence: %w", err)
	}
	return doc.SequenceID, nil
}

// Query returns events for the /events endpoint: optionally restricted to
// one channel, starting after fromSeq, up to limit.
func (l *MongoEventLog) Query(ctx context.Context, filter EventFilter) ([]pubsub.Event, error) {
	q := bson.M{"sequence_id": bson.M{"$gt": filter.FromSeq}}
	if filter.Channel != "" {
		q["channel"] = filter.Channel
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "sequence_id", Value: 1}}).
		SetLimit(int64(filter.Limit))
	cur, err := l.col.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	var events []pubsub.Event
	if err := cur.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

// EnsureIndexes creates the TTL and catch-up indexes on the event history
// collection. An existing TTL index with a different horizon is handled by
// Migrate, not here.
func (l *MongoEventLog) EnsureIndexes(ctx context.Context, retention time.Duration) error {
	_, err := l.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().
				SetExpireAfterSeconds(int32(retention.Seconds())).
				SetName("ttl_timestamp"),
		},
		{
			Keys: bson.D{
				{Key: "channel", Value: 1},
				{Key: "sequence_id", Value: 1},
			},
			Options: options.Index().SetName("channel_sequence_id"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create eventhistory indexes: %w", err)
	}
	return nil
}

// Migrate detects the legacy eventhistory format (24h TTL, no sequence_id
// index) and rebuilds the collection before the engine serves traffic.
// Data loss is bounded by the legacy retention.
func (l *MongoEventLog) Migrate(ctx context.Context) error {
	db := l.col.Database()
	names, err := db.ListCollectionNames(ctx, bson.M{"name": EventHistoryCollection})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	if len(names) == 0 {
		slog.Info("eventhistory collection does not exist, will be created")
		return nil
	}

	cur, err := l.col.Indexes().List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list eventhistory indexes: %w", err)
	}
	var indexes []bson.M
	if err := cur.All(ctx, &indexes); err != nil {
		return fmt.Errorf("failed to decode eventhistory indexes: %w", err)
	}

	if !legacyFormatDetected(indexes) {
		return nil
	}
	slog.Warn("Detected old eventhistory format, rebuilding collection")

	for _, idx := range indexes {
		name, _ := idx["name"].(string)
		if name == "" || name == "_id_" {
			continue
		}
		slog.Info("Dropping index", "name", name)
		if _, err := l.col.Indexes().DropOne(ctx, name); err != nil {
			return fmt.Errorf("failed to drop index %q: %w", name, err)
		}
	}

	res, err := l.col.DeleteMany(ctx, bson.M{})
	if err != nil {
		return fmt.Errorf("failed to delete legacy events: %w", err)
	}
	slog.Info("Deleted legacy eventhistory documents", "count", res.DeletedCount)
	return nil
}

// legacyFormatDetected reports whether the index set carries the legacy 24h
// TTL without a sequence_id index.
func legacyFormatDetected(indexes []bson.M) bool {
	oldTTL := false
	hasSequence := false
	for _, idx := range indexes {
		if ttl, ok := numberAsInt64(idx["expireAfterSeconds"]); ok {
			if ttl == int64(legacyRetention.Seconds()) {
				oldTTL = true
			}
		}
		if key, ok := idx["key"].(bson.M); ok {
			if _, ok := key["sequence_id"]; ok {
				hasSequence = true
			}
		}
	}
	return oldTTL && !hasSequence
}

// numberAsInt64 normalises the numeric types the driver may decode.
func numberAsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// MongoRegistry is the SubscriberRegistry engine backed by MongoDB.
type MongoRegistry struct {
	col *mongo.Collection
}

// NewMongoRegistry creates the registry on db.
func NewMongoRegistry(db *mongo.Database) *MongoRegistry {
	return &MongoRegistry{col: db.Collection(SubscriberStateCollection)}
}

// Get returns the state for subscriberID, or (nil, nil) when absent.
func (r *MongoRegistry) Get(ctx context.Context, subscriberID string) (*pubsub.SubscriberState, error) {
	var state pubsub.SubscriberState
	err := r.col.FindOne(ctx, bson.M{"subscriber_id": subscriberID}).Decode(&state)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read subscriber state: %w", err)
	}
	return &state, nil
}

// Create inserts a new state. A duplicate subscriber_id is reported as
// pubsub.ErrDuplicateSubscriber.
func (r *MongoRegistry) Create(ctx context.Context, state pubsub.SubscriberState) error {
	_, err := r.col.InsertOne(ctx, state)
	if mongo.IsDuplicateKeyError(err) {
		return pubsub.ErrDuplicateSubscriber
	}
	if err != nil {
		return fmt.Errorf("failed to create subscriber state: %w", err)
	}
	return nil
}

// Update applies a partial cursor update.
func (r *MongoRegistry) Update(ctx context.Context, subscriberID string, update pubsub.CursorUpdate) error {
	set := bson.M{}
	if update.LastEventID != nil {
		set["last_event_id"] = *update.LastEventID
	}
	if update.LastPoll != nil {
		set["last_poll"] = *update.LastPoll
	}
	if len(set) == 0 {
		return nil
	}
	_, err := r.col.UpdateOne(ctx,
		bson.M{"subscriber_id": subscriberID},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update subscriber state: %w", err)
	}
	return nil
}

// DeleteStale removes states whose last_poll is older than the cutoff.
func (r *MongoRegistry) DeleteStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.col.DeleteMany(ctx, bson.M{"last_poll": bson.M{"$lt": olderThan}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale subscriber states: %w", err)
	}
	return res.DeletedCount, nil
}

// EnsureIndexes creates the unique subscriber_id index and the stale-scan
// index.
func (r *MongoRegistry) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "subscriber_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("unique_subscriber_id"),
		},
		{
			Keys:    bson.D{{Key: "last_poll", Value: 1}},
			Options: options.Index().SetName("last_poll"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create subscriber_state indexes: %w", err)
	}
	return nil
}
