// Package mongo persists whole-graph snapshots to MongoDB. The engine keeps
// every definition and all runtime state in one graph, so saving and
// restoring an engine is serializing that graph and parsing it back.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/spear-engine/spear/features/store/mongo/clients/mongo"

	"github.com/spear-engine/spear/engine/graph"
)

// ErrNotFound is returned when the requested snapshot does not exist.
var ErrNotFound = clientsmongo.ErrNotFound

// Store saves and restores graph snapshots through the Mongo client.
type Store struct {
	client clientsmongo.Client
	clock  func() time.Time
}

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client, clock: time.Now}, nil
}

// WithClock overrides the wall clock, for tests.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Save serializes the graph and writes it under the given snapshot ID,
// replacing any previous snapshot with that ID.
func (s *Store) Save(ctx context.Context, id string, st graph.Store) error {
	data, err := st.Serialize(graph.FormatNTriples)
	if err != nil {
		return err
	}
	return s.client.SaveSnapshot(ctx, clientsmongo.Snapshot{
		ID:      id,
		Format:  string(graph.FormatNTriples),
		Triples: data,
		SavedAt: s.clock().UTC(),
	})
}

// Load reads the snapshot and parses it into the given store, adding to
// whatever the store already holds. Load into a fresh store to restore an
// engine exactly.
func (s *Store) Load(ctx context.Context, id string, st graph.Store) error {
	snap, err := s.client.LoadSnapshot(ctx, id)
	if err != nil {
		return err
	}
	return st.Parse(snap.Triples, graph.Format(snap.Format))
}

// Delete removes the snapshot.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.DeleteSnapshot(ctx, id)
}

// List returns the stored snapshot IDs.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.client.ListSnapshotIDs(ctx)
}
