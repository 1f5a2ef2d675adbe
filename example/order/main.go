// Command order runs a small order-handling process end to end: a service
// task prices the order, an exclusive gateway routes cheap orders straight
// through and sends expensive ones to a manual approval task, and the audit
// trail is printed when the instance completes.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spear-engine/spear/engine/core"
	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/topics"
)

const proc = "https://spear.dev/process/order"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx := context.Background()
	st := graph.NewMemoryStore()
	ns := graph.DefaultNamespaces()

	buildDefinition(st, ns)

	eng, err := core.NewEngine(core.Options{Store: st, Namespaces: ns})
	if err != nil {
		return err
	}
	if err := eng.Topics().Register("price-order", priceOrder); err != nil {
		return err
	}

	// A cheap order sails through without human involvement.
	inst, err := eng.StartInstance(ctx, proc, map[string]any{"quantity": 2})
	if err != nil {
		return err
	}
	report(eng, inst)

	// An expensive order parks on the approval task.
	inst, err = eng.StartInstance(ctx, proc, map[string]any{"quantity": 50})
	if err != nil {
		return err
	}
	pending := eng.Tasks().Pending(inst)
	if len(pending) != 1 {
		return fmt.Errorf("expected one pending task, got %d", len(pending))
	}
	fmt.Printf("\napproval required: %s\n", pending[0].Name)
	if err := eng.ClaimTask(ctx, pending[0].URI, "alice"); err != nil {
		return err
	}
	if err := eng.CompleteTask(ctx, pending[0].URI, map[string]any{"approved": true}, "alice"); err != nil {
		return err
	}
	report(eng, inst)
	return nil
}

func buildDefinition(st graph.Store, ns graph.Namespaces) {
	b := definition.NewBuilder(st, ns, proc)
	start := b.Node(proc+"#start", definition.KindStartEvent)
	price := b.Node(proc+"#price", definition.KindServiceTask,
		definition.WithName("Price order"),
		definition.WithTopic("price-order"))
	route := b.Node(proc+"#route", definition.KindExclusiveGateway)
	approve := b.Node(proc+"#approve", definition.KindUserTask,
		definition.WithName("Approve expensive order"),
		definition.WithCandidates([]string{"alice", "bob"}, nil))
	end := b.Node(proc+"#end", definition.KindEndEvent)
	b.Flow(start, price)
	b.Flow(price, route)
	b.Flow(route, approve, definition.WithCondition("total", ">", 100))
	direct := b.Flow(route, end)
	b.DefaultFlow(route, direct)
	b.Flow(approve, end)
}

func priceOrder(ctx context.Context, inv *topics.Invocation) error {
	quantity, ok := inv.Variable("quantity")
	if !ok {
		return inv.Fail("E_INPUT", "quantity is required")
	}
	inv.SetVariable("total", quantity.(int64)*10)
	return nil
}

func report(eng *core.Engine, inst string) {
	state, _ := eng.Instances().State(inst)
	fmt.Printf("\ninstance %s: %s\n", inst, state)
	if state != instance.StateCompleted {
		return
	}
	for _, entry := range eng.Audit().Entries(inst) {
		fmt.Printf("  %3d %-25s %s\n", entry.Seq, entry.EventType, entry.Node)
	}
}
