package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/gateway"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/task"
	"github.com/spear-engine/spear/engine/timer"
	"github.com/spear-engine/spear/engine/token"
	"github.com/spear-engine/spear/engine/topics"
)

// runToQuiescence steps the instance's live tokens until none can advance:
// every token is waiting or consumed, or the instance reached a terminal
// state. Must be called with the instance lane held.
func (s *session) runToQuiescence(ctx context.Context, instanceURI string) error {
	e := s.e
	for {
		if st, ok := e.insts.State(instanceURI); !ok || st != instance.StateActive {
			return nil
		}
		progressed := false
		for _, tok := range e.tokens.Live(instanceURI) {
			if e.tokens.State(tok.URI) != token.StateLive {
				continue // consumed or parked by an earlier step this pass
			}
			p, err := s.step(ctx, instanceURI, tok.URI)
			if err != nil {
				return err
			}
			progressed = progressed || p
			if st, _ := e.insts.State(instanceURI); st != instance.StateActive {
				return nil
			}
		}
		if !progressed {
			if s.revisitInclusiveJoins(instanceURI) {
				continue
			}
			break
		}
	}
	return s.maybeComplete(ctx, instanceURI)
}

// revisitInclusiveJoins re-livens tokens parked at inclusive joins whose
// readiness changed since they parked: a sibling branch may have ended
// without ever reaching the join.
func (s *session) revisitInclusiveJoins(instanceURI string) bool {
	e := s.e
	idx, err := e.indexFor(e.insts.Process(instanceURI))
	if err != nil {
		return false
	}
	woke := false
	for _, tok := range e.tokens.Waiting(instanceURI) {
		n, ok := idx.Node(tok.Node)
		if !ok || n.Kind != definition.KindInclusiveGateway || len(n.Incoming) <= 1 {
			continue
		}
		ready, err := s.inclusiveJoinReady(instanceURI, idx, n, tok.URI)
		if err != nil || !ready {
			continue
		}
		e.tokens.SetLive(tok.URI)
		woke = true
	}
	return woke
}

// step advances one live token by a single node. It returns true when the
// step changed state in a way that may enable further steps.
func (s *session) step(ctx context.Context, instanceURI, tokenURI string) (bool, error) {
	e := s.e
	idx, err := e.indexFor(e.insts.Process(instanceURI))
	if err != nil {
		return false, err
	}
	nodeURI := e.tokens.Node(tokenURI)
	node, ok := idx.Node(nodeURI)
	if !ok {
		return s.throwError(ctx, instanceURI, idx, nodeURI, tokenURI, CodeInvalidDefinition,
			fmt.Sprintf("token at unknown node %s", nodeURI))
	}

	// Multi-instance wrapper: a token arriving at a looped activity spawns
	// body tokens instead of executing the activity itself.
	if node.Loop != nil && e.tokenLoopIndex(tokenURI) < 0 && node.Kind.IsActivity() {
		return s.startLoop(ctx, instanceURI, idx, node, tokenURI)
	}

	switch node.Kind {
	case definition.KindStartEvent, definition.KindBoundaryEvent:
		return s.advanceAlongSole(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindEndEvent:
		return s.handleEnd(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindServiceTask, definition.KindScriptTask:
		return s.runServiceTask(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindUserTask:
		return s.enterUserTask(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindReceiveTask:
		return s.enterMessageWait(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindIntermediateCatchEvent:
		switch {
		case node.MessageName != "":
			return s.enterMessageWait(ctx, instanceURI, idx, node, tokenURI)
		case node.TimerDuration > 0 || !node.TimerDate.IsZero():
			return s.enterTimerWait(ctx, instanceURI, node, tokenURI, "")
		default:
			return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
				"catch event has neither message nor timer")
		}

	case definition.KindIntermediateThrowEvent:
		return s.runThrowEvent(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindExclusiveGateway:
		return s.runExclusive(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindInclusiveGateway:
		return s.runInclusive(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindParallelGateway:
		return s.runParallel(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindEventBasedGateway:
		return s.runEventBased(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindSubprocess:
		return s.enterSubprocess(ctx, instanceURI, idx, node, tokenURI)

	case definition.KindCallActivity:
		return s.enterCallActivity(ctx, instanceURI, idx, node, tokenURI)
	}
	return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
		fmt.Sprintf("no dispatch for node kind %s", node.Kind))
}

// advanceAlongSole follows the node's first outgoing flow.
func (s *session) advanceAlongSole(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	flows := idx.OutgoingFlows(node.URI)
	if len(flows) == 0 {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
			fmt.Sprintf("node %s has no outgoing flow", node.URI))
	}
	return true, s.moveAlong(ctx, instanceURI, idx, tokenURI, flows[0])
}

// moveAlong repositions the token over a flow, recording a join arrival when
// the target is a joining gateway.
func (s *session) moveAlong(ctx context.Context, instanceURI string, idx *definition.Index, tokenURI string, flow definition.Flow) error {
	e := s.e
	e.tokens.Move(tokenURI, flow.Target)
	if err := e.publish(ctx, hooks.NewTokenMovedEvent(instanceURI, flow.Source, tokenURI, []string{flow.Target}, false)); err != nil {
		return err
	}
	if isJoin(idx, flow.Target) {
		e.evaluator(idx).RecordArrival(instanceURI, flow.Target, flow.URI)
	}
	return nil
}

func isJoin(idx *definition.Index, nodeURI string) bool {
	n, ok := idx.Node(nodeURI)
	return ok && n.Kind.IsGateway() && len(n.Incoming) > 1
}

// runServiceTask dispatches to the topic handler and advances on success.
func (s *session) runServiceTask(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	scope := s.scopeOf(tokenURI)
	snapshot := e.insts.Variables(instanceURI, tokenURI)
	if err := e.publish(ctx, hooks.NewServiceTaskExecuteEvent(instanceURI, node.URI, tokenURI, node.Topic, snapshot)); err != nil {
		return false, err
	}
	inv := topics.NewInvocation(instanceURI, node.URI, tokenURI, snapshot)
	start := e.clock()
	err := e.topics.Invoke(ctx, node.Topic, inv)
	e.metrics.RecordTimer("engine.service_task.duration", e.clock().Sub(start), "topic", node.Topic)
	if err != nil {
		be, ok := err.(*topics.BusinessError)
		if !ok {
			be = &topics.BusinessError{Message: err.Error()}
		}
		e.logger.Warn(ctx, "service task failed",
			"instance", instanceURI, "node", node.URI, "topic", node.Topic, "code", be.Code)
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, be.Code, be.Message)
	}
	if err := e.applyVariables(ctx, instanceURI, tokenURI, inv.Out()); err != nil {
		return false, err
	}
	if err := e.publish(ctx, hooks.NewServiceTaskCompletedEvent(instanceURI, node.URI, tokenURI, node.Topic, inv.Variables())); err != nil {
		return false, err
	}
	if err := s.recordCompensable(instanceURI, node, scope); err != nil {
		return false, err
	}
	return s.advanceAfterActivity(ctx, instanceURI, idx, node, tokenURI)
}

// enterUserTask materializes a task and parks the token.
func (s *session) enterUserTask(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	spec := task.Spec{
		Name:            node.Name,
		CandidateUsers:  node.CandidateUsers,
		CandidateGroups: node.CandidateGroups,
		FormSchema:      node.FormSchema,
	}
	taskURI := e.tasks.Create(instanceURI, node.URI, tokenURI, spec)
	if err := e.publish(ctx, hooks.NewTaskCreatedEvent(instanceURI, node.URI, taskURI, tokenURI, node.Name,
		node.CandidateUsers, node.CandidateGroups, spec.DueDate, spec.Priority)); err != nil {
		return false, err
	}
	e.tokens.SetWaiting(tokenURI)
	return false, s.armBoundaries(ctx, instanceURI, idx, node, tokenURI)
}

// enterMessageWait registers a message wait for a receive task or message
// catch event and parks the token.
func (s *session) enterMessageWait(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	if node.MessageName == "" {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
			fmt.Sprintf("node %s declares no message name", node.URI))
	}
	e.createWait(instanceURI, node.URI, tokenURI, node.MessageName, s.correlationValue(instanceURI, node, tokenURI), "")
	e.tokens.SetWaiting(tokenURI)
	if node.Kind == definition.KindReceiveTask {
		return false, s.armBoundaries(ctx, instanceURI, idx, node, tokenURI)
	}
	return false, nil
}

// correlationValue resolves the node's correlation variable against the
// token scope, empty when the node declares none.
func (s *session) correlationValue(instanceURI string, node *definition.Node, tokenURI string) string {
	if node.CorrelationVariable == "" {
		return ""
	}
	v, ok := s.e.insts.GetVariable(instanceURI, node.CorrelationVariable, tokenURI)
	if !ok {
		return ""
	}
	return v.Value
}

// enterTimerWait arms a node timer and parks the token.
func (s *session) enterTimerWait(ctx context.Context, instanceURI string, node *definition.Node, tokenURI, group string) (bool, error) {
	e := s.e
	fireAt := node.TimerDate
	if fireAt.IsZero() {
		fireAt = e.clock().Add(node.TimerDuration)
	}
	e.timers.Register(instanceURI, node.URI, tokenURI, fireAt, timer.KindNode, group)
	e.insts.SetNextRunAt(instanceURI, fireAt)
	if err := e.publish(ctx, hooks.NewTimerRegisteredEvent(instanceURI, node.URI, tokenURI, fireAt, timer.KindNode)); err != nil {
		return false, err
	}
	if group == "" {
		e.tokens.SetWaiting(tokenURI)
	}
	return false, nil
}

// runThrowEvent handles intermediate throw events: error throws route to
// boundary events, message throws publish a MessageSent for external
// transports, plain throws just advance.
func (s *session) runThrowEvent(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	if node.ErrorCode != "" {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, node.ErrorCode, node.Name)
	}
	if node.MessageName != "" {
		payload := e.insts.Variables(instanceURI, tokenURI)
		key := s.correlationValue(instanceURI, node, tokenURI)
		if err := e.publish(ctx, hooks.NewMessageSentEvent(instanceURI, node.URI, node.MessageName, key, payload)); err != nil {
			return false, err
		}
	}
	return s.advanceAlongSole(ctx, instanceURI, idx, node, tokenURI)
}

// runExclusive routes through an exclusive gateway.
func (s *session) runExclusive(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	flow, err := e.evaluator(idx).SelectExclusive(node.URI, instanceURI, tokenURI)
	if err != nil {
		if re, ok := err.(*gateway.RoutingError); ok {
			return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, re.Code, re.Reason)
		}
		return false, err
	}
	if err := e.publish(ctx, hooks.NewGatewayEvaluatedEvent(instanceURI, node.URI, tokenURI, node.Kind.String(), []string{flow.URI})); err != nil {
		return false, err
	}
	return true, s.moveAlong(ctx, instanceURI, idx, tokenURI, flow)
}

// runInclusive handles inclusive gateways, joining first when the node has
// multiple incoming flows and then splitting over every holding condition.
func (s *session) runInclusive(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	if len(node.Incoming) > 1 {
		ready, err := s.inclusiveJoinReady(instanceURI, idx, node, tokenURI)
		if err != nil {
			return false, err
		}
		if !ready {
			e.tokens.SetWaiting(tokenURI)
			return false, nil
		}
		if _, err := s.releaseJoin(ctx, instanceURI, idx, node, tokenURI); err != nil {
			return false, err
		}
	}
	flows, err := e.evaluator(idx).SelectInclusive(node.URI, instanceURI, tokenURI)
	if err != nil {
		if re, ok := err.(*gateway.RoutingError); ok {
			return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, re.Code, re.Reason)
		}
		return false, err
	}
	uris := make([]string, len(flows))
	for i, f := range flows {
		uris[i] = f.URI
	}
	if err := e.publish(ctx, hooks.NewGatewayEvaluatedEvent(instanceURI, node.URI, tokenURI, node.Kind.String(), uris)); err != nil {
		return false, err
	}
	if len(flows) == 1 {
		return true, s.moveAlong(ctx, instanceURI, idx, tokenURI, flows[0])
	}
	return s.fanOut(ctx, instanceURI, idx, node, tokenURI, flows)
}

// inclusiveJoinReady reports whether the inclusive join can release: either
// every incoming flow has delivered a token, or no token outside the gateway
// could still reach it. Tokens parked at the join's enclosing subprocess
// nodes host this scope; they resume only after the join releases, so they
// never count as reachable work.
func (s *session) inclusiveJoinReady(instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	ev := e.evaluator(idx)
	arrivals := len(ev.Arrivals(instanceURI, node.URI))
	if arrivals == 0 {
		return false, nil
	}
	if arrivals >= len(node.Incoming) {
		return true, nil
	}
	enclosing := make(map[string]bool)
	for _, enc := range idx.EnclosureChain(node.URI) {
		enclosing[enc] = true
	}
	for _, tok := range e.tokens.Active(instanceURI) {
		if tok.URI == tokenURI || tok.Node == node.URI || enclosing[tok.Node] {
			continue
		}
		return false, nil
	}
	return true, nil
}

// runParallel handles parallel gateways: join when multiple incoming flows,
// split over every outgoing flow.
func (s *session) runParallel(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	survivor := tokenURI
	if len(node.Incoming) > 1 {
		if !e.evaluator(idx).ParallelJoinReady(instanceURI, node.URI) {
			e.tokens.SetWaiting(tokenURI)
			return false, nil
		}
		var err error
		if survivor, err = s.releaseJoin(ctx, instanceURI, idx, node, tokenURI); err != nil {
			return false, err
		}
	}
	flows := idx.OutgoingFlows(node.URI)
	uris := make([]string, len(flows))
	for i, f := range flows {
		uris[i] = f.URI
	}
	if err := e.publish(ctx, hooks.NewGatewayEvaluatedEvent(instanceURI, node.URI, survivor, node.Kind.String(), uris)); err != nil {
		return false, err
	}
	if len(flows) == 1 {
		return true, s.moveAlong(ctx, instanceURI, idx, survivor, flows[0])
	}
	return s.fanOut(ctx, instanceURI, idx, node, survivor, flows)
}

// releaseJoin consumes the tokens parked at a satisfied join and returns a
// single surviving token positioned at the gateway.
func (s *session) releaseJoin(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (string, error) {
	e := s.e
	for _, tok := range e.tokens.At(instanceURI, node.URI) {
		if tok.URI == tokenURI {
			continue
		}
		e.tokens.Consume(tok.URI)
		if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, node.URI, tok.URI)); err != nil {
			return "", err
		}
	}
	e.evaluator(idx).ResetJoin(instanceURI, node.URI)
	e.tokens.SetLive(tokenURI)
	return tokenURI, nil
}

// fanOut creates one child token per flow and consumes the original.
func (s *session) fanOut(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string, flows []definition.Flow) (bool, error) {
	e := s.e
	parent := e.tokens.Parent(tokenURI)
	targets := make([]string, len(flows))
	for i, f := range flows {
		targets[i] = f.Target
	}
	if err := e.publish(ctx, hooks.NewTokenMovedEvent(instanceURI, node.URI, tokenURI, targets, true)); err != nil {
		return false, err
	}
	for _, f := range flows {
		child := e.tokens.Create(instanceURI, f.Target, parent, -1)
		if err := e.publish(ctx, hooks.NewTokenCreatedEvent(instanceURI, f.Target, child, parent, -1)); err != nil {
			return false, err
		}
		if isJoin(idx, f.Target) {
			e.evaluator(idx).RecordArrival(instanceURI, f.Target, f.URI)
		}
	}
	e.tokens.Consume(tokenURI)
	if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, node.URI, tokenURI)); err != nil {
		return false, err
	}
	return true, nil
}

// runEventBased arms a wait per outgoing catch event; the first stimulus to
// fire wins and cancels the rest.
func (s *session) runEventBased(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	for _, f := range idx.OutgoingFlows(node.URI) {
		target, ok := idx.Node(f.Target)
		if !ok {
			return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
				fmt.Sprintf("event gateway flow targets unknown node %s", f.Target))
		}
		switch {
		case target.MessageName != "":
			e.createWait(instanceURI, target.URI, tokenURI, target.MessageName,
				s.correlationValue(instanceURI, target, tokenURI), tokenURI)
		case target.TimerDuration > 0 || !target.TimerDate.IsZero():
			if _, err := s.enterTimerWait(ctx, instanceURI, target, tokenURI, tokenURI); err != nil {
				return false, err
			}
		default:
			return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
				fmt.Sprintf("event gateway target %s is not a catch event", target.URI))
		}
	}
	e.tokens.SetWaiting(tokenURI)
	return false, nil
}

// enterSubprocess opens an embedded scope: the token parks at the
// subprocess node and a child token starts at the inner start event.
func (s *session) enterSubprocess(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	start, err := idx.SubprocessStart(node.URI)
	if err != nil {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition, err.Error())
	}
	if err := e.publish(ctx, hooks.NewSubprocessStartedEvent(instanceURI, node.URI, tokenURI, "")); err != nil {
		return false, err
	}
	if err := s.armBoundaries(ctx, instanceURI, idx, node, tokenURI); err != nil {
		return false, err
	}
	child := e.tokens.Create(instanceURI, start.URI, tokenURI, -1)
	if err := e.publish(ctx, hooks.NewTokenCreatedEvent(instanceURI, start.URI, child, tokenURI, -1)); err != nil {
		return false, err
	}
	e.tokens.SetWaiting(tokenURI)
	return true, nil
}

// enterCallActivity spawns a child instance of the called process and runs
// it inline on its own lane.
func (s *session) enterCallActivity(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	if node.CalledProcess == "" {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
			fmt.Sprintf("call activity %s names no process", node.URI))
	}
	childIdx, err := e.indexFor(node.CalledProcess)
	if err != nil {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition, err.Error())
	}
	childStart, err := childIdx.StartEvent("")
	if err != nil {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition, err.Error())
	}
	if err := s.armBoundaries(ctx, instanceURI, idx, node, tokenURI); err != nil {
		return false, err
	}
	childInst := e.insts.Create(node.CalledProcess, e.insts.Variables(instanceURI, tokenURI), tokenURI)
	if err := e.publish(ctx, hooks.NewInstanceStateChangedEvent(childInst, "", string(instance.StateActive), "")); err != nil {
		return false, err
	}
	if err := e.publish(ctx, hooks.NewSubprocessStartedEvent(instanceURI, node.URI, tokenURI, childInst)); err != nil {
		return false, err
	}
	e.tokens.SetWaiting(tokenURI)

	ctok := e.tokens.Create(childInst, childStart.URI, "", -1)
	if err := e.publish(ctx, hooks.NewTokenCreatedEvent(childInst, childStart.URI, ctok, "", -1)); err != nil {
		return false, err
	}
	// The child runs on its own lane; the parent lane stays held. Child
	// completion queues a wake that drains after the parent quiesces.
	unlock := e.lockInstance(childInst)
	err = s.runToQuiescence(ctx, childInst)
	unlock()
	return true, err
}

// advanceAfterActivity moves the token past a completed activity, clearing
// its boundary waits. Loop body tokens complete their iteration instead of
// following the outgoing flow.
func (s *session) advanceAfterActivity(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	e.timers.RemoveForToken(tokenURI)
	e.removeWaitsForToken(tokenURI)
	if node.Loop != nil && e.tokenLoopIndex(tokenURI) >= 0 {
		return s.completeLoopIteration(ctx, instanceURI, idx, node, tokenURI)
	}
	return s.advanceAlongSole(ctx, instanceURI, idx, node, tokenURI)
}

// startLoop expands a multi-instance activity: the wrapper token parks and
// body tokens run the activity once per iteration, each with a scoped
// element variable.
func (s *session) startLoop(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	n, items, err := s.loopItems(instanceURI, node, tokenURI)
	if err != nil {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition, err.Error())
	}
	if n == 0 {
		// Empty collection: the activity is skipped entirely.
		return s.advanceAlongSole(ctx, instanceURI, idx, node, tokenURI)
	}
	e.tokens.SetWaiting(tokenURI)
	count := n
	if node.Loop.Sequential {
		count = 1
	}
	for i := 0; i < count; i++ {
		if err := s.spawnLoopBody(ctx, instanceURI, node, tokenURI, i, items); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *session) spawnLoopBody(ctx context.Context, instanceURI string, node *definition.Node, wrapper string, index int, items []any) error {
	e := s.e
	body := e.tokens.Create(instanceURI, node.URI, wrapper, index)
	if index < len(items) {
		e.insts.SetVariable(instanceURI, node.Loop.ElementVariable, items[index], body)
	}
	e.insts.SetVariable(instanceURI, "loopIndex", int64(index), body)
	return e.publish(ctx, hooks.NewTokenCreatedEvent(instanceURI, node.URI, body, wrapper, index))
}

// completeLoopIteration retires a body token and either spawns the next
// sequential iteration or, when all iterations finished, resumes the
// wrapper.
func (s *session) completeLoopIteration(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, bodyURI string) (bool, error) {
	e := s.e
	body, _ := e.tokens.Get(bodyURI)
	wrapper := body.Parent
	e.tokens.Consume(bodyURI)
	e.insts.RemoveScope(instanceURI, bodyURI)
	if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, node.URI, bodyURI)); err != nil {
		return false, err
	}
	n, items, err := s.loopItems(instanceURI, node, wrapper)
	if err != nil {
		return s.throwError(ctx, instanceURI, idx, node.URI, wrapper, CodeInvalidDefinition, err.Error())
	}
	if node.Loop.Sequential && body.LoopIndex+1 < n {
		return true, s.spawnLoopBody(ctx, instanceURI, node, wrapper, body.LoopIndex+1, items)
	}
	if len(e.tokens.Children(wrapper)) > 0 {
		return true, nil // parallel iterations still running
	}
	e.tokens.SetLive(wrapper)
	wnode, _ := idx.Node(e.tokens.Node(wrapper))
	if wnode == nil {
		wnode = node
	}
	e.timers.RemoveForToken(wrapper)
	e.removeWaitsForToken(wrapper)
	if wnode.Loop != nil && e.tokenLoopIndex(wrapper) >= 0 {
		return s.completeLoopIteration(ctx, instanceURI, idx, wnode, wrapper)
	}
	return s.advanceAlongSole(ctx, instanceURI, idx, wnode, wrapper)
}

// loopItems resolves the iteration count and, for collection loops, the
// decoded elements. Collections are instance variables holding either a
// JSON array string or a scalar (treated as a single element).
func (s *session) loopItems(instanceURI string, node *definition.Node, scopeToken string) (int, []any, error) {
	loop := node.Loop
	if loop.Collection == "" {
		if loop.Cardinality <= 0 {
			return 0, nil, fmt.Errorf("loop on %s has neither cardinality nor collection", node.URI)
		}
		return loop.Cardinality, nil, nil
	}
	v, ok := s.e.insts.GetVariable(instanceURI, loop.Collection, scopeToken)
	if !ok {
		return 0, nil, fmt.Errorf("loop collection variable %q is not bound", loop.Collection)
	}
	var items []any
	if err := json.Unmarshal([]byte(v.Value), &items); err != nil {
		items = []any{v.Native()}
	}
	return len(items), items, nil
}

func (e *Engine) tokenLoopIndex(tokenURI string) int {
	tok, ok := e.tokens.Get(tokenURI)
	if !ok {
		return -1
	}
	return tok.LoopIndex
}

// scopeOf returns the token's enclosing scope: its parent token URI, empty
// at the top level.
func (s *session) scopeOf(tokenURI string) string {
	return s.e.tokens.Parent(tokenURI)
}
