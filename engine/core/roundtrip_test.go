package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/gateway"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/topics"
)

// A serialized graph carries everything: definition, tokens, variables,
// tasks, and audit. Reloading it into a fresh engine must let execution
// continue exactly where it parked.
func TestSerializedInstanceResumesInFreshEngine(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	approve := b.Node(proc+"#approve", definition.KindUserTask, definition.WithName("Approve"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, approve)
	b.Flow(approve, end)

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, map[string]any{"amount": 7})
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))
	auditBefore := len(f.eng.Audit().Entries(inst))

	for _, format := range []graph.Format{graph.FormatNTriples, graph.FormatJSON} {
		data, err := f.st.Serialize(format)
		require.NoError(t, err)

		st2 := graph.NewMemoryStore()
		require.NoError(t, st2.Parse(data, format))
		require.Equal(t, f.st.Len(), st2.Len())

		eng2, err := NewEngine(Options{
			Store:      st2,
			Namespaces: f.ns,
			Clock:      func() time.Time { return f.now },
		})
		require.NoError(t, err)

		pending := eng2.Tasks().Pending(inst)
		require.Len(t, pending, 1)
		require.Equal(t, "Approve", pending[0].Name)

		v, ok := eng2.Instances().GetVariable(inst, "amount", "")
		require.True(t, ok)
		require.Equal(t, int64(7), v.Native())

		require.NoError(t, eng2.CompleteTask(ctx, pending[0].URI, map[string]any{"approved": true}, "alice"))
		st, ok := eng2.Instances().State(inst)
		require.True(t, ok)
		require.Equal(t, instance.StateCompleted, st)

		// Audit seq continues past the pre-serialization entries.
		entries := eng2.Audit().Entries(inst)
		require.Greater(t, len(entries), auditBefore)
		for i := 1; i < len(entries); i++ {
			require.Greater(t, entries[i].Seq, entries[i-1].Seq)
		}
	}
}

// Join arrivals live in the graph, so a join parked halfway through its
// incoming branches keeps its bookkeeping across serialize and restore.
func TestInclusiveJoinArrivalsSurviveRestore(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	split := b.Node(proc+"#split", definition.KindInclusiveGateway)
	stock := b.Node(proc+"#stock", definition.KindServiceTask, definition.WithTopic("stock"))
	approve := b.Node(proc+"#approve", definition.KindUserTask, definition.WithName("Approve"))
	join := b.Node(proc+"#join", definition.KindInclusiveGateway)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, split)
	b.Flow(split, stock)
	b.Flow(split, approve)
	b.Flow(stock, join)
	b.Flow(approve, join)
	b.Flow(join, end)

	require.NoError(t, f.eng.Topics().Register("stock", func(ctx context.Context, inv *topics.Invocation) error {
		return nil
	}))

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))

	data, err := f.st.Serialize(graph.FormatNTriples)
	require.NoError(t, err)
	st2 := graph.NewMemoryStore()
	require.NoError(t, st2.Parse(data, graph.FormatNTriples))

	eng2, err := NewEngine(Options{
		Store:      st2,
		Namespaces: f.ns,
		Clock:      func() time.Time { return f.now },
	})
	require.NoError(t, err)
	require.NoError(t, eng2.Topics().Register("stock", func(ctx context.Context, inv *topics.Invocation) error {
		return nil
	}))

	// The service branch already reached the join before the snapshot.
	idx, err := eng2.LoadDefinition(proc)
	require.NoError(t, err)
	ev := gateway.NewEvaluator(st2, f.ns, idx, eng2.Instances())
	require.Len(t, ev.Arrivals(inst, join), 1)

	pending := eng2.Tasks().Pending(inst)
	require.Len(t, pending, 1)
	require.NoError(t, eng2.CompleteTask(ctx, pending[0].URI, nil, "alice"))
	st, ok := eng2.Instances().State(inst)
	require.True(t, ok)
	require.Equal(t, instance.StateCompleted, st)
	require.Empty(t, eng2.Tokens().Active(inst))
}
