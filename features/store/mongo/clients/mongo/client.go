// Package mongo hosts the MongoDB client used by the graph snapshot store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"
)

const (
	defaultCollection = "graph_snapshots"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "snapshot-mongo"
)

// ErrNotFound is returned when no snapshot exists under the requested ID.
var ErrNotFound = errors.New("snapshot not found")

type (
	// Snapshot is one persisted graph serialization.
	Snapshot struct {
		// ID is the caller-chosen snapshot key; saving under an existing ID
		// replaces the previous snapshot.
		ID string `bson:"_id"`
		// Format names the serialization syntax of Triples.
		Format string `bson:"format"`
		// Triples is the serialized graph.
		Triples []byte `bson:"triples"`
		// SavedAt records when the snapshot was written (UTC).
		SavedAt time.Time `bson:"saved_at"`
	}

	// Client exposes Mongo-backed operations for graph snapshots.
	Client interface {
		health.Pinger

		SaveSnapshot(ctx context.Context, snap Snapshot) error
		LoadSnapshot(ctx context.Context, id string) (Snapshot, error)
		DeleteSnapshot(ctx context.Context, id string) error
		ListSnapshotIDs(ctx context.Context) ([]string, error)
	}

	// Options configures the Mongo snapshot client.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "graph_snapshots".
		Collection string
		// Timeout bounds individual operations, 5s when zero.
		Timeout time.Duration
	}

	client struct {
		mongo     *mongodriver.Client
		snapshots *mongodriver.Collection
		timeout   time.Duration
	}
)

// New returns a Client backed by MongoDB.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:     opts.Client,
		snapshots: opts.Client.Database(opts.Database).Collection(coll),
		timeout:   timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if snap.ID == "" {
		return errors.New("snapshot id is required")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.snapshots.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: snap.ID}},
		snap,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func (c *client) LoadSnapshot(ctx context.Context, id string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var snap Snapshot
	err := c.snapshots.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&snap)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot %s: %w", id, err)
	}
	return snap, nil
}

func (c *client) DeleteSnapshot(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.snapshots.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

func (c *client) ListSnapshotIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cur, err := c.snapshots.Find(ctx, bson.D{},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer cur.Close(ctx)
	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		ids = append(ids, doc.ID)
	}
	return ids, cur.Err()
}
