package mongo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	clientsmongo "github.com/spear-engine/spear/features/store/mongo/clients/mongo"

	"github.com/spear-engine/spear/engine/graph"
)

// fakeClient keeps snapshots in memory and satisfies the Mongo client
// interface, so the store logic is tested without a live server.
type fakeClient struct {
	snaps map[string]clientsmongo.Snapshot
}

func newFakeClient() *fakeClient {
	return &fakeClient{snaps: make(map[string]clientsmongo.Snapshot)}
}

func (f *fakeClient) Name() string                   { return "fake" }
func (f *fakeClient) Ping(context.Context) error     { return nil }
func (f *fakeClient) SaveSnapshot(_ context.Context, snap clientsmongo.Snapshot) error {
	f.snaps[snap.ID] = snap
	return nil
}

func (f *fakeClient) LoadSnapshot(_ context.Context, id string) (clientsmongo.Snapshot, error) {
	snap, ok := f.snaps[id]
	if !ok {
		return clientsmongo.Snapshot{}, clientsmongo.ErrNotFound
	}
	return snap, nil
}

func (f *fakeClient) DeleteSnapshot(_ context.Context, id string) error {
	delete(f.snaps, id)
	return nil
}

func (f *fakeClient) ListSnapshotIDs(context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.snaps))
	for id := range f.snaps {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	fc := newFakeClient()
	store, err := NewStore(fc)
	require.NoError(t, err)
	store.WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) })

	src := graph.NewMemoryStore()
	src.Add("https://example.com/a", "https://example.com/p", graph.String("hello"))
	src.Add("https://example.com/a", "https://example.com/q", graph.Int(42))
	src.Add("https://example.com/b", "https://example.com/p", graph.IRI("https://example.com/a"))

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "nightly", src))
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), fc.snaps["nightly"].SavedAt)

	dst := graph.NewMemoryStore()
	require.NoError(t, store.Load(ctx, "nightly", dst))
	require.Equal(t, src.Len(), dst.Len())
	v, ok := dst.Value("https://example.com/a", "https://example.com/q")
	require.True(t, ok)
	require.Equal(t, int64(42), v.Native())
}

func TestLoadMissingSnapshot(t *testing.T) {
	store, err := NewStore(newFakeClient())
	require.NoError(t, err)
	err = store.Load(context.Background(), "absent", graph.NewMemoryStore())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.Error(t, err)
}
