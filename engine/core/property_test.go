package core

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/topics"
	"github.com/spear-engine/spear/engine/token"
)

// buildRoutingEngine assembles a process with an exclusive split, a parallel
// split/join on one branch, and service tasks on both. It exercises token
// fan-out, joins, and routing in one definition.
func buildRoutingEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	st := graph.NewMemoryStore()
	ns := graph.DefaultNamespaces()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	eng, err := NewEngine(Options{Store: st, Namespaces: ns, Clock: func() time.Time { return now }})
	require.NoError(t, err)

	p := "https://example.com/process/routing"
	b := definition.NewBuilder(st, ns, p)
	start := b.Node(p+"#start", definition.KindStartEvent)
	route := b.Node(p+"#route", definition.KindExclusiveGateway)
	split := b.Node(p+"#split", definition.KindParallelGateway)
	reserve := b.Node(p+"#reserve", definition.KindServiceTask, definition.WithTopic("noop"))
	invoice := b.Node(p+"#invoice", definition.KindServiceTask, definition.WithTopic("noop"))
	join := b.Node(p+"#join", definition.KindParallelGateway)
	quick := b.Node(p+"#quick", definition.KindServiceTask, definition.WithTopic("noop"))
	end := b.Node(p+"#end", definition.KindEndEvent)
	end2 := b.Node(p+"#end2", definition.KindEndEvent)
	b.Flow(start, route)
	b.Flow(route, split, definition.WithCondition("amount", ">", 100))
	quickFlow := b.Flow(route, quick)
	b.DefaultFlow(route, quickFlow)
	b.Flow(split, reserve)
	b.Flow(split, invoice)
	b.Flow(reserve, join)
	b.Flow(invoice, join)
	b.Flow(join, end)
	b.Flow(quick, end2)

	require.NoError(t, eng.Topics().Register("noop", func(ctx context.Context, inv *topics.Invocation) error {
		return nil
	}))
	return eng, p
}

// Every completed instance conserves its tokens: each created token ends up
// consumed, and the audit trail agrees with the graph.
func TestTokenConservationProperty(t *testing.T) {
	eng, p := buildRoutingEngine(t)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("created tokens are all consumed", prop.ForAll(
		func(amount int64) bool {
			inst, err := eng.StartInstance(context.Background(), p, map[string]any{"amount": amount})
			if err != nil {
				return false
			}
			if st, _ := eng.Instances().State(inst); st != instance.StateCompleted {
				return false
			}
			created, consumed := 0, 0
			for _, tok := range eng.Tokens().OfInstance(inst) {
				created++
				if tok.State == token.StateConsumed {
					consumed++
				}
			}
			if created == 0 || created != consumed {
				return false
			}
			var auditCreated, auditConsumed int
			for _, entry := range eng.Audit().Entries(inst) {
				switch entry.EventType {
				case string(hooks.TokenCreated):
					auditCreated++
				case string(hooks.TokenConsumed):
					auditConsumed++
				}
			}
			return auditCreated == created && auditConsumed == consumed
		},
		gen.Int64Range(0, 10_000),
	))

	properties.TestingRun(t)
}

// Audit sequence numbers are strictly increasing per instance, whatever path
// the instance takes.
func TestAuditMonotonicityProperty(t *testing.T) {
	eng, p := buildRoutingEngine(t)
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("seq strictly increases", prop.ForAll(
		func(amount int64) bool {
			inst, err := eng.StartInstance(context.Background(), p, map[string]any{"amount": amount})
			if err != nil {
				return false
			}
			entries := eng.Audit().Entries(inst)
			if len(entries) == 0 {
				return false
			}
			for i := 1; i < len(entries); i++ {
				if entries[i].Seq <= entries[i-1].Seq {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 10_000),
	))

	properties.TestingRun(t)
}
