package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/task"
	"github.com/spear-engine/spear/engine/topics"
)

type fixture struct {
	t   *testing.T
	st  *graph.MemoryStore
	ns  graph.Namespaces
	eng *Engine
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:   t,
		st:  graph.NewMemoryStore(),
		ns:  graph.DefaultNamespaces(),
		now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	eng, err := NewEngine(Options{
		Store:      f.st,
		Namespaces: f.ns,
		Clock:      func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.eng = eng
	return f
}

func (f *fixture) builder(processURI string) *definition.Builder {
	return definition.NewBuilder(f.st, f.ns, processURI)
}

func (f *fixture) register(topic string, h topics.Handler) {
	require.NoError(f.t, f.eng.Topics().Register(topic, h))
}

func (f *fixture) state(instanceURI string) instance.State {
	st, ok := f.eng.Instances().State(instanceURI)
	require.True(f.t, ok)
	return st
}

func (f *fixture) variable(instanceURI, name string) any {
	v, ok := f.eng.Instances().GetVariable(instanceURI, name, "")
	require.True(f.t, ok, "variable %q not bound", name)
	return v.Native()
}

const proc = "https://example.com/process/order"

func TestLinearServiceTask(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	calc := b.Node(proc+"#calc", definition.KindServiceTask, definition.WithTopic("calc-total"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, calc)
	b.Flow(calc, end)

	f.register("calc-total", func(ctx context.Context, inv *topics.Invocation) error {
		amount, ok := inv.Variable("amount")
		require.True(t, ok)
		inv.SetVariable("total", amount.(int64)*2)
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 21})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, int64(42), f.variable(inst, "total"))
	require.Empty(t, f.eng.Tokens().Active(inst))

	types := f.eng.Audit().EventTypes(inst)
	require.Contains(t, types, string(hooks.ServiceTaskCompleted))
	require.Contains(t, types, string(hooks.InstanceStateChanged))
	entries := f.eng.Audit().Entries(inst)
	for i := 1; i < len(entries); i++ {
		require.Greater(t, entries[i].Seq, entries[i-1].Seq)
	}
}

func TestExclusiveGatewayRouting(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	gw := b.Node(proc+"#route", definition.KindExclusiveGateway)
	high := b.Node(proc+"#high", definition.KindServiceTask, definition.WithTopic("high"))
	low := b.Node(proc+"#low", definition.KindServiceTask, definition.WithTopic("low"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, gw)
	b.Flow(gw, high, definition.WithCondition("amount", ">", 100))
	lowFlow := b.Flow(gw, low)
	b.DefaultFlow(gw, lowFlow)
	b.Flow(high, end)
	b.Flow(low, end)

	var took string
	f.register("high", func(ctx context.Context, inv *topics.Invocation) error {
		took = "high"
		return nil
	})
	f.register("low", func(ctx context.Context, inv *topics.Invocation) error {
		took = "low"
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 250})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, "high", took)

	inst, err = f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 40})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, "low", took)
}

func TestParallelSplitAndJoin(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	split := b.Node(proc+"#split", definition.KindParallelGateway)
	left := b.Node(proc+"#reserve", definition.KindServiceTask, definition.WithTopic("reserve"))
	right := b.Node(proc+"#invoice", definition.KindServiceTask, definition.WithTopic("invoice"))
	join := b.Node(proc+"#join", definition.KindParallelGateway)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, split)
	b.Flow(split, left)
	b.Flow(split, right)
	b.Flow(left, join)
	b.Flow(right, join)
	b.Flow(join, end)

	counter := 0
	count := func(ctx context.Context, inv *topics.Invocation) error {
		counter++
		return nil
	}
	f.register("reserve", count)
	f.register("invoice", count)

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, 2, counter)
	require.Empty(t, f.eng.Tokens().Active(inst))
}

func TestInclusiveGatewayReleasesWithPartialBranches(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	split := b.Node(proc+"#split", definition.KindInclusiveGateway)
	ship := b.Node(proc+"#ship", definition.KindServiceTask, definition.WithTopic("ship"))
	insure := b.Node(proc+"#insure", definition.KindServiceTask, definition.WithTopic("insure"))
	join := b.Node(proc+"#join", definition.KindInclusiveGateway)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, split)
	b.Flow(split, ship, definition.WithCondition("amount", ">", 100))
	b.Flow(split, insure, definition.WithCondition("amount", ">", 1000))
	b.Flow(ship, join)
	b.Flow(insure, join)
	b.Flow(join, end)

	var ran []string
	record := func(name string) topics.Handler {
		return func(ctx context.Context, inv *topics.Invocation) error {
			ran = append(ran, name)
			return nil
		}
	}
	f.register("ship", record("ship"))
	f.register("insure", record("insure"))

	// One branch holds: the join must release on the single arrival.
	inst, err := f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 500})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, []string{"ship"}, ran)
	require.Empty(t, f.eng.Tokens().Active(inst))

	// Both branches hold: the join waits for both arrivals.
	ran = nil
	inst, err = f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 2000})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.ElementsMatch(t, []string{"ship", "insure"}, ran)
	require.Empty(t, f.eng.Tokens().Active(inst))
}

func TestInclusiveJoinInsideSubprocess(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	sub := b.Node(proc+"#sub", definition.KindSubprocess)
	innerStart := b.Node(proc+"#sub.start", definition.KindStartEvent)
	split := b.Node(proc+"#sub.split", definition.KindInclusiveGateway)
	ship := b.Node(proc+"#sub.ship", definition.KindServiceTask, definition.WithTopic("ship"))
	insure := b.Node(proc+"#sub.insure", definition.KindServiceTask, definition.WithTopic("insure"))
	join := b.Node(proc+"#sub.join", definition.KindInclusiveGateway)
	innerEnd := b.Node(proc+"#sub.end", definition.KindEndEvent)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	for _, n := range []string{innerStart, split, ship, insure, join, innerEnd} {
		b.Contains(sub, n)
	}
	b.Flow(start, sub)
	b.Flow(innerStart, split)
	b.Flow(split, ship, definition.WithCondition("amount", ">", 100))
	b.Flow(split, insure, definition.WithCondition("amount", ">", 1000))
	b.Flow(ship, join)
	b.Flow(insure, join)
	b.Flow(join, innerEnd)
	b.Flow(sub, end)

	f.register("ship", func(ctx context.Context, inv *topics.Invocation) error { return nil })
	f.register("insure", func(ctx context.Context, inv *topics.Invocation) error { return nil })

	// Only one branch holds. The wrapper token parked at the subprocess must
	// not hold the join open: it resumes after the join, not before.
	inst, err := f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 500})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Empty(t, f.eng.Tokens().Active(inst))
	require.Contains(t, f.eng.Audit().EventTypes(inst), string(hooks.SubprocessCompleted))
}

func TestUserTaskSuspendsAndResumes(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	approve := b.Node(proc+"#approve", definition.KindUserTask,
		definition.WithName("Approve order"),
		definition.WithCandidates([]string{"alice"}, nil))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, approve)
	b.Flow(approve, end)

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))

	pending := f.eng.Tasks().Pending(inst)
	require.Len(t, pending, 1)
	require.Equal(t, "Approve order", pending[0].Name)

	require.NoError(t, f.eng.ClaimTask(ctx, pending[0].URI, "alice"))
	require.NoError(t, f.eng.CompleteTask(ctx, pending[0].URI, map[string]any{"approved": true}, "alice"))
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, true, f.variable(inst, "approved"))
}

func TestInterruptingTimerBoundary(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	approve := b.Node(proc+"#approve", definition.KindUserTask)
	escalate := b.Node(proc+"#timeout", definition.KindBoundaryEvent,
		definition.AttachedTo(approve, true),
		definition.WithTimerDuration("PT1S"))
	notify := b.Node(proc+"#notify", definition.KindServiceTask, definition.WithTopic("notify"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	end2 := b.Node(proc+"#end2", definition.KindEndEvent)
	b.Flow(start, approve)
	b.Flow(approve, end)
	b.Flow(escalate, notify)
	b.Flow(notify, end2)

	notified := false
	f.register("notify", func(ctx context.Context, inv *topics.Invocation) error {
		notified = true
		return nil
	})

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)
	pending := f.eng.Tasks().Pending(inst)
	require.Len(t, pending, 1)

	f.now = f.now.Add(2 * time.Second)
	due := f.eng.Timers().Due(f.now)
	require.Len(t, due, 1)
	require.NoError(t, f.eng.SignalTimer(ctx, due[0].URI))

	require.True(t, notified)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	tk, ok := f.eng.Tasks().Get(pending[0].URI)
	require.True(t, ok)
	require.Equal(t, task.StateCancelled, tk.State)
}

func TestNonInterruptingTimerBoundaryRearms(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	approve := b.Node(proc+"#approve", definition.KindUserTask)
	reminder := b.Node(proc+"#reminder", definition.KindBoundaryEvent,
		definition.AttachedTo(approve, false),
		definition.WithTimerDuration("PT10S"))
	remind := b.Node(proc+"#remind", definition.KindServiceTask, definition.WithTopic("remind"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	end2 := b.Node(proc+"#end2", definition.KindEndEvent)
	b.Flow(start, approve)
	b.Flow(approve, end)
	b.Flow(reminder, remind)
	b.Flow(remind, end2)

	reminders := 0
	f.register("remind", func(ctx context.Context, inv *topics.Invocation) error {
		reminders++
		return nil
	})

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)

	// The boundary keeps firing while the task waits, one reminder per
	// period, without cancelling the task.
	for i := 1; i <= 3; i++ {
		f.now = f.now.Add(15 * time.Second)
		due := f.eng.Timers().Due(f.now)
		require.Len(t, due, 1)
		require.NoError(t, f.eng.SignalTimer(ctx, due[0].URI))
		require.Equal(t, i, reminders)
		require.Len(t, f.eng.Tasks().Pending(inst), 1)
		require.Equal(t, instance.StateActive, f.state(inst))
	}

	// Completing the task stands the reminder down.
	pending := f.eng.Tasks().Pending(inst)
	require.NoError(t, f.eng.CompleteTask(ctx, pending[0].URI, nil, "alice"))
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Empty(t, f.eng.Timers().Due(f.now.Add(time.Hour)))
}

func TestErrorBoundaryCatchesBusinessError(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	reserve := b.Node(proc+"#reserve", definition.KindServiceTask, definition.WithTopic("reserve"))
	catch := b.Node(proc+"#nostock", definition.KindBoundaryEvent,
		definition.AttachedTo(reserve, true),
		definition.WithErrorCode("E_STOCK"))
	apologise := b.Node(proc+"#apologise", definition.KindServiceTask, definition.WithTopic("apologise"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	end2 := b.Node(proc+"#end2", definition.KindEndEvent)
	b.Flow(start, reserve)
	b.Flow(reserve, end)
	b.Flow(catch, apologise)
	b.Flow(apologise, end2)

	f.register("reserve", func(ctx context.Context, inv *topics.Invocation) error {
		return inv.Fail("E_STOCK", "out of stock")
	})
	apologised := false
	f.register("apologise", func(ctx context.Context, inv *topics.Invocation) error {
		apologised = true
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.True(t, apologised)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Contains(t, f.eng.Audit().EventTypes(inst), string(hooks.ErrorThrown))
}

func TestUncaughtErrorFailsInstance(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	svc := b.Node(proc+"#svc", definition.KindServiceTask, definition.WithTopic("boom"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, svc)
	b.Flow(svc, end)

	f.register("boom", func(ctx context.Context, inv *topics.Invocation) error {
		return inv.Fail("E_BOOM", "no handler for this one")
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateFailed, f.state(inst))
	require.Empty(t, f.eng.Tokens().Active(inst))
}

func TestUnknownTopicFailsInstance(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	svc := b.Node(proc+"#svc", definition.KindServiceTask, definition.WithTopic("never-registered"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, svc)
	b.Flow(svc, end)

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateFailed, f.state(inst))
}

func TestMessageCatchWithCorrelation(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	wait := b.Node(proc+"#wait", definition.KindIntermediateCatchEvent,
		definition.WithMessage("payment", "orderId"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, wait)
	b.Flow(wait, end)

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, map[string]any{"orderId": "o-1"})
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))

	n, err := f.eng.DeliverMessage(ctx, "payment", "o-2", nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, instance.StateActive, f.state(inst))

	n, err = f.eng.DeliverMessage(ctx, "payment", "o-1", map[string]any{"paid": true})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, true, f.variable(inst, "paid"))
}

func TestEventBasedGatewayMessageWins(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	gw := b.Node(proc+"#race", definition.KindEventBasedGateway)
	approved := b.Node(proc+"#approved", definition.KindIntermediateCatchEvent,
		definition.WithMessage("approve", ""))
	timeout := b.Node(proc+"#timeout", definition.KindIntermediateCatchEvent,
		definition.WithTimerDuration("PT10S"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	end2 := b.Node(proc+"#end2", definition.KindEndEvent)
	b.Flow(start, gw)
	b.Flow(gw, approved)
	b.Flow(gw, timeout)
	b.Flow(approved, end)
	b.Flow(timeout, end2)

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))

	n, err := f.eng.DeliverMessage(ctx, "approve", "", nil)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, instance.StateCompleted, f.state(inst))

	// The losing timer stood down with the gateway.
	f.now = f.now.Add(time.Minute)
	require.Empty(t, f.eng.Timers().Due(f.now))
}

func TestEmbeddedSubprocess(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	sub := b.Node(proc+"#fulfil", definition.KindSubprocess)
	innerStart := b.Node(proc+"#fulfil.start", definition.KindStartEvent)
	pick := b.Node(proc+"#fulfil.pick", definition.KindServiceTask, definition.WithTopic("pick"))
	innerEnd := b.Node(proc+"#fulfil.end", definition.KindEndEvent)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Contains(sub, innerStart)
	b.Contains(sub, pick)
	b.Contains(sub, innerEnd)
	b.Flow(start, sub)
	b.Flow(innerStart, pick)
	b.Flow(pick, innerEnd)
	b.Flow(sub, end)

	picked := false
	f.register("pick", func(ctx context.Context, inv *topics.Invocation) error {
		picked = true
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.True(t, picked)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Contains(t, f.eng.Audit().EventTypes(inst), string(hooks.SubprocessCompleted))
}

func TestCallActivityMergesChildVariables(t *testing.T) {
	f := newFixture(t)
	child := "https://example.com/process/pricing"
	cb := f.builder(child)
	cstart := cb.Node(child+"#start", definition.KindStartEvent)
	price := cb.Node(child+"#price", definition.KindServiceTask, definition.WithTopic("price"))
	cend := cb.Node(child+"#end", definition.KindEndEvent)
	cb.Flow(cstart, price)
	cb.Flow(price, cend)

	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	call := b.Node(proc+"#call", definition.KindCallActivity, definition.Calls(child))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, call)
	b.Flow(call, end)

	f.register("price", func(ctx context.Context, inv *topics.Invocation) error {
		amount, _ := inv.Variable("amount")
		inv.SetVariable("price", amount.(int64)+5)
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, map[string]any{"amount": 10})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, int64(15), f.variable(inst, "price"))
}

func TestCallActivityChildFailurePropagates(t *testing.T) {
	f := newFixture(t)
	child := "https://example.com/process/pricing"
	cb := f.builder(child)
	cstart := cb.Node(child+"#start", definition.KindStartEvent)
	price := cb.Node(child+"#price", definition.KindServiceTask, definition.WithTopic("price"))
	cend := cb.Node(child+"#end", definition.KindEndEvent)
	cb.Flow(cstart, price)
	cb.Flow(price, cend)

	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	call := b.Node(proc+"#call", definition.KindCallActivity, definition.Calls(child))
	catch := b.Node(proc+"#failed", definition.KindBoundaryEvent,
		definition.AttachedTo(call, true),
		definition.WithErrorCode(CodeSubprocessFailed))
	manual := b.Node(proc+"#manual", definition.KindUserTask)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	end2 := b.Node(proc+"#end2", definition.KindEndEvent)
	b.Flow(start, call)
	b.Flow(call, end)
	b.Flow(catch, manual)
	b.Flow(manual, end2)

	f.register("price", func(ctx context.Context, inv *topics.Invocation) error {
		return inv.Fail("E_PRICE", "pricing unavailable")
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))
	require.Len(t, f.eng.Tasks().Pending(inst), 1)
}

func TestParallelMultiInstanceOverCollection(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	ship := b.Node(proc+"#ship", definition.KindServiceTask,
		definition.WithTopic("ship"),
		definition.WithLoop(definition.Loop{Collection: "items", ElementVariable: "item"}))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, ship)
	b.Flow(ship, end)

	seen := make(map[string]bool)
	f.register("ship", func(ctx context.Context, inv *topics.Invocation) error {
		item, ok := inv.Variable("item")
		require.True(t, ok)
		seen[item.(string)] = true
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc,
		map[string]any{"items": `["a","b","c"]`})
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Len(t, seen, 3)
	for _, it := range []string{"a", "b", "c"} {
		require.True(t, seen[it])
	}
}

func TestSequentialMultiInstanceOrder(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	step := b.Node(proc+"#step", definition.KindServiceTask,
		definition.WithTopic("step"),
		definition.WithLoop(definition.Loop{Cardinality: 3, Sequential: true}))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, step)
	b.Flow(step, end)

	var order []int64
	f.register("step", func(ctx context.Context, inv *topics.Invocation) error {
		i, ok := inv.Variable("loopIndex")
		require.True(t, ok)
		order = append(order, i.(int64))
		return nil
	})

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateCompleted, f.state(inst))
	require.Equal(t, []int64{0, 1, 2}, order)
}

func TestTerminateEndCancelsEverything(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	split := b.Node(proc+"#split", definition.KindParallelGateway)
	approve := b.Node(proc+"#approve", definition.KindUserTask)
	kill := b.Node(proc+"#kill", definition.KindEndEvent, definition.Terminate())
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, split)
	b.Flow(split, approve)
	b.Flow(split, kill)
	b.Flow(approve, end)

	inst, err := f.eng.StartInstance(context.Background(), proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateTerminated, f.state(inst))
	require.Empty(t, f.eng.Tokens().Active(inst))
	require.Empty(t, f.eng.Tasks().Pending(inst))
}

func TestCancelInstanceCompensatesInReverseOrder(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	undoReserve := b.Node(proc+"#undo-reserve", definition.KindServiceTask, definition.WithTopic("undo-reserve"))
	undoCharge := b.Node(proc+"#undo-charge", definition.KindServiceTask, definition.WithTopic("undo-charge"))
	reserve := b.Node(proc+"#reserve", definition.KindServiceTask,
		definition.WithTopic("reserve"), definition.CompensatedBy(undoReserve))
	charge := b.Node(proc+"#charge", definition.KindServiceTask,
		definition.WithTopic("charge"), definition.CompensatedBy(undoCharge))
	approve := b.Node(proc+"#approve", definition.KindUserTask)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, reserve)
	b.Flow(reserve, charge)
	b.Flow(charge, approve)
	b.Flow(approve, end)

	var order []string
	pass := func(name string) topics.Handler {
		return func(ctx context.Context, inv *topics.Invocation) error {
			order = append(order, name)
			return nil
		}
	}
	f.register("reserve", pass("reserve"))
	f.register("charge", pass("charge"))
	f.register("undo-reserve", pass("undo-reserve"))
	f.register("undo-charge", pass("undo-charge"))

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)
	require.Equal(t, instance.StateActive, f.state(inst))

	require.NoError(t, f.eng.CancelInstance(ctx, inst, "customer changed their mind"))
	require.Equal(t, instance.StateCancelled, f.state(inst))
	require.Equal(t, []string{"reserve", "charge", "undo-charge", "undo-reserve"}, order)
	require.Empty(t, f.eng.Tasks().Pending(inst))
}

func TestSuspendHoldsResumeContinues(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	approve := b.Node(proc+"#approve", definition.KindUserTask)
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, approve)
	b.Flow(approve, end)

	ctx := context.Background()
	inst, err := f.eng.StartInstance(ctx, proc, nil)
	require.NoError(t, err)

	require.NoError(t, f.eng.SuspendInstance(ctx, inst, "maintenance"))
	require.Equal(t, instance.StateSuspended, f.state(inst))
	require.Error(t, f.eng.SuspendInstance(ctx, inst, "again"))

	require.NoError(t, f.eng.ResumeInstance(ctx, inst))
	require.Equal(t, instance.StateActive, f.state(inst))

	pending := f.eng.Tasks().Pending(inst)
	require.Len(t, pending, 1)
	require.NoError(t, f.eng.CompleteTask(ctx, pending[0].URI, nil, "alice"))
	require.Equal(t, instance.StateCompleted, f.state(inst))
}

func TestNoValidPathWithoutDefaultFails(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	gw := b.Node(proc+"#route", definition.KindExclusiveGateway)
	a := b.Node(proc+"#a", definition.KindEndEvent)
	bn := b.Node(proc+"#b", definition.KindEndEvent)
	b.Flow(start, gw)
	b.Flow(gw, a, definition.WithCondition("x", "=", 1))
	b.Flow(gw, bn, definition.WithCondition("x", "=", 2))

	inst, err := f.eng.StartInstance(context.Background(), proc, map[string]any{"x": 3})
	require.NoError(t, err)
	require.Equal(t, instance.StateFailed, f.state(inst))
}

func TestManyInstancesStayIsolated(t *testing.T) {
	f := newFixture(t)
	b := f.builder(proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	double := b.Node(proc+"#double", definition.KindServiceTask, definition.WithTopic("double"))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, double)
	b.Flow(double, end)

	f.register("double", func(ctx context.Context, inv *topics.Invocation) error {
		n, _ := inv.Variable("n")
		inv.SetVariable("out", n.(int64)*2)
		return nil
	})

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		inst, err := f.eng.StartInstance(ctx, proc, map[string]any{"n": i, "tag": fmt.Sprintf("run-%d", i)})
		require.NoError(t, err)
		require.Equal(t, instance.StateCompleted, f.state(inst))
		require.Equal(t, int64(2*i), f.variable(inst, "out"))
		require.Equal(t, fmt.Sprintf("run-%d", i), f.variable(inst, "tag"))
	}
}
