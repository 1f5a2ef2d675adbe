package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/hooks"
)

func TestRecorderAppendsInOrder(t *testing.T) {
	st := graph.NewMemoryStore()
	ns := graph.DefaultNamespaces()
	rec := NewRecorder(st, ns)
	bus := hooks.NewBus()
	_, err := bus.Subscribe(rec)
	require.NoError(t, err)

	ctx := context.Background()
	inst := "urn:inst:1"
	require.NoError(t, bus.Publish(ctx, hooks.NewInstanceStateChangedEvent(inst, "", "active", "")))
	require.NoError(t, bus.Publish(ctx, hooks.NewTokenCreatedEvent(inst, "urn:n:start", "urn:tok:1", "", -1)))
	require.NoError(t, bus.Publish(ctx, hooks.NewTokenMovedEvent(inst, "urn:n:start", "urn:tok:1", []string{"urn:n:end"}, false)))
	// Events from another instance interleave without disturbing the trail.
	require.NoError(t, bus.Publish(ctx, hooks.NewInstanceStateChangedEvent("urn:inst:2", "", "active", "")))

	require.Equal(t, []string{"instance_state_changed", "token_created", "token_moved"}, rec.EventTypes(inst))

	entries := rec.Entries(inst)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i+1), e.Seq)
	}
	require.Equal(t, "urn:n:start", entries[1].Node)
	require.Equal(t, "urn:tok:1", entries[1].Details["token"])
	require.Equal(t, "active", entries[0].Details["newState"])
}

func TestSeqResumesFromGraph(t *testing.T) {
	st := graph.NewMemoryStore()
	ns := graph.DefaultNamespaces()
	ctx := context.Background()
	inst := "urn:inst:1"

	rec := NewRecorder(st, ns)
	require.NoError(t, rec.HandleEvent(ctx, hooks.NewTokenConsumedEvent(inst, "urn:n:end", "urn:tok:1")))
	require.NoError(t, rec.HandleEvent(ctx, hooks.NewTokenConsumedEvent(inst, "urn:n:end", "urn:tok:2")))

	// A fresh recorder over the same graph continues the sequence.
	rec2 := NewRecorder(st, ns)
	require.NoError(t, rec2.HandleEvent(ctx, hooks.NewTokenConsumedEvent(inst, "urn:n:end", "urn:tok:3")))

	entries := rec2.Entries(inst)
	require.Len(t, entries, 3)
	require.Equal(t, int64(3), entries[2].Seq)
}

func TestEventsOutsideInstancesAreSkipped(t *testing.T) {
	st := graph.NewMemoryStore()
	rec := NewRecorder(st, graph.DefaultNamespaces())

	require.NoError(t, rec.HandleEvent(context.Background(), hooks.NewMessageSentEvent("", "", "order.created", "", nil)))
	require.Zero(t, st.Len())
}
