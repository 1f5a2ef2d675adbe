package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/core"
	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/topics"
)

func TestTickFiresDueTimers(t *testing.T) {
	st := graph.NewMemoryStore()
	ns := graph.DefaultNamespaces()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	eng, err := core.NewEngine(core.Options{Store: st, Namespaces: ns, Clock: clock})
	require.NoError(t, err)

	p := "https://example.com/process/reminder"
	b := definition.NewBuilder(st, ns, p)
	start := b.Node(p+"#start", definition.KindStartEvent)
	wait := b.Node(p+"#wait", definition.KindIntermediateCatchEvent,
		definition.WithTimerDuration("PT30S"))
	remind := b.Node(p+"#remind", definition.KindServiceTask, definition.WithTopic("remind"))
	end := b.Node(p+"#end", definition.KindEndEvent)
	b.Flow(start, wait)
	b.Flow(wait, remind)
	b.Flow(remind, end)

	reminded := false
	require.NoError(t, eng.Topics().Register("remind", func(ctx context.Context, inv *topics.Invocation) error {
		reminded = true
		return nil
	}))

	s, err := New(Options{Engine: eng, Clock: clock})
	require.NoError(t, err)

	ctx := context.Background()
	inst, err := eng.StartInstance(ctx, p, nil)
	require.NoError(t, err)

	s.Tick(ctx)
	require.False(t, reminded, "timer fired before it was due")

	now = now.Add(time.Minute)
	s.Tick(ctx)
	require.True(t, reminded)
	state, ok := eng.Instances().State(inst)
	require.True(t, ok)
	require.Equal(t, instance.StateCompleted, state)
}

func TestStartStop(t *testing.T) {
	st := graph.NewMemoryStore()
	eng, err := core.NewEngine(core.Options{Store: st})
	require.NoError(t, err)
	s, err := New(Options{Engine: eng, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx), "second start must fail")
	s.Stop()
	require.NoError(t, s.Start(ctx), "restart after stop")
	s.Stop()
}
