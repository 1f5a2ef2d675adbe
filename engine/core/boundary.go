package core

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/timer"
	"github.com/spear-engine/spear/engine/topics"
	"github.com/spear-engine/spear/engine/vocab"
)

// handleEnd retires a token at an end event. Terminate ends kill the whole
// instance, cancel ends unwind the enclosing transaction, error ends throw,
// and plain ends close the enclosing subprocess scope when theirs was the
// last token in it.
func (s *session) handleEnd(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	if node.ErrorCode != "" {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, node.ErrorCode, node.Name)
	}
	if node.TerminateEnd {
		if err := e.publish(ctx, hooks.NewTerminateTriggeredEvent(instanceURI, node.URI, tokenURI)); err != nil {
			return false, err
		}
		return true, s.terminate(ctx, instanceURI, "terminate end event "+node.URI)
	}
	if node.CancelEnd {
		return s.cancelTransaction(ctx, instanceURI, idx, node, tokenURI)
	}

	parent := e.tokens.Parent(tokenURI)
	e.tokens.Consume(tokenURI)
	if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, node.URI, tokenURI)); err != nil {
		return false, err
	}
	if parent == "" {
		return true, nil
	}
	host, ok := idx.Node(e.tokens.Node(parent))
	if !ok || host.Kind != definition.KindSubprocess {
		return true, nil
	}
	if len(e.tokens.Children(parent)) > 0 {
		return true, nil // sibling paths inside the scope still running
	}
	if err := e.publish(ctx, hooks.NewSubprocessCompletedEvent(instanceURI, host.URI, parent, "")); err != nil {
		return false, err
	}
	e.tokens.SetLive(parent)
	return s.advanceAfterActivity(ctx, instanceURI, idx, host, parent)
}

// maybeComplete closes the instance once no token can ever advance again:
// all tokens consumed and nothing is parked on a task, timer, or message.
func (s *session) maybeComplete(ctx context.Context, instanceURI string) error {
	e := s.e
	if st, ok := e.insts.State(instanceURI); !ok || st != instance.StateActive {
		return nil
	}
	if len(e.tokens.Active(instanceURI)) > 0 {
		return nil
	}
	if len(e.tasks.Pending(instanceURI)) > 0 || e.timers.Pending(instanceURI) || e.pendingWaits(instanceURI) {
		return nil
	}
	old, err := e.insts.SetState(instanceURI, instance.StateCompleted, "")
	if err != nil {
		return err
	}
	e.insts.ClearNextRunAt(instanceURI)
	if err := e.publish(ctx, hooks.NewInstanceStateChangedEvent(instanceURI, string(old), string(instance.StateCompleted), "")); err != nil {
		return err
	}
	s.queueWake(instanceURI)
	return nil
}

// queueWake schedules the parent lane resumption for a finished child
// instance, if it has one.
func (s *session) queueWake(childInstance string) {
	e := s.e
	parentTok := e.insts.ParentToken(childInstance)
	if parentTok == "" {
		return
	}
	tok, ok := e.tokens.Get(parentTok)
	if !ok {
		return
	}
	s.wakes = append(s.wakes, wake{instance: tok.Instance, token: parentTok, child: childInstance})
}

// armBoundaries registers the waits and timers for every boundary event
// attached to the activity the token just entered. Error boundaries need no
// arming; they are consulted at throw time.
func (s *session) armBoundaries(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) error {
	e := s.e
	for _, be := range idx.BoundaryEventsOf(node.URI) {
		switch {
		case be.MessageName != "":
			e.createWait(instanceURI, be.URI, tokenURI, be.MessageName,
				s.correlationValue(instanceURI, be, tokenURI), "")
		case be.TimerDuration > 0 || !be.TimerDate.IsZero():
			fireAt := be.TimerDate
			if fireAt.IsZero() {
				fireAt = e.clock().Add(be.TimerDuration)
			}
			e.timers.Register(instanceURI, be.URI, tokenURI, fireAt, timer.KindBoundary, "")
			e.insts.SetNextRunAt(instanceURI, fireAt)
			if err := e.publish(ctx, hooks.NewTimerRegisteredEvent(instanceURI, be.URI, tokenURI, fireAt, timer.KindBoundary)); err != nil {
				return err
			}
		}
	}
	return nil
}

// throwError routes a thrown error code to the nearest matching error
// boundary event, failing the instance when none exists. The scope between
// the throw site and the catching boundary is cancelled.
func (s *session) throwError(ctx context.Context, instanceURI string, idx *definition.Index, sourceNode, tokenURI, code, message string) (bool, error) {
	e := s.e
	if err := e.publish(ctx, hooks.NewErrorThrownEvent(instanceURI, sourceNode, tokenURI, code, message)); err != nil {
		return false, err
	}
	handler := idx.ErrorHandlerFor(sourceNode, code)
	if handler == nil {
		e.logger.Warn(ctx, "uncaught error fails instance",
			"instance", instanceURI, "node", sourceNode, "code", code)
		return true, s.fail(ctx, instanceURI, code+": "+message)
	}
	if err := e.publish(ctx, hooks.NewBoundaryEventTriggeredEvent(instanceURI, handler.AttachedTo, handler.URI, tokenURI, true)); err != nil {
		return false, err
	}
	survivor, err := s.cancelHostScope(ctx, instanceURI, idx, handler.AttachedTo, tokenURI)
	if err != nil {
		return false, err
	}
	e.tokens.Move(survivor, handler.URI)
	e.tokens.SetLive(survivor)
	return true, nil
}

// cancelHostScope cancels everything running under the boundary event's host
// activity and returns the token that will continue at the boundary: the
// host's own token when the host is an enclosing subprocess, otherwise the
// throwing token itself.
func (s *session) cancelHostScope(ctx context.Context, instanceURI string, idx *definition.Index, hostURI, tokenURI string) (string, error) {
	e := s.e
	survivor := tokenURI
	for _, tok := range e.tokens.ScopeChain(tokenURI) {
		if e.tokens.Node(tok) == hostURI {
			survivor = tok
			break
		}
	}
	if survivor != tokenURI {
		if err := s.cancelTokenTree(ctx, instanceURI, survivor, "error boundary"); err != nil {
			return "", err
		}
	} else {
		if err := s.cancelDescendants(ctx, instanceURI, survivor, "error boundary"); err != nil {
			return "", err
		}
		s.releaseToken(instanceURI, survivor)
	}
	return survivor, nil
}

// cancelTokenTree cancels the token's descendants and releases the token's
// own waits, timers, and task without consuming it.
func (s *session) cancelTokenTree(ctx context.Context, instanceURI, tokenURI, reason string) error {
	if err := s.cancelDescendants(ctx, instanceURI, tokenURI, reason); err != nil {
		return err
	}
	if err := s.cancelTokenTask(ctx, instanceURI, tokenURI, reason); err != nil {
		return err
	}
	s.releaseToken(instanceURI, tokenURI)
	return nil
}

// cancelDescendants consumes every unconsumed descendant of the token,
// cancelling their tasks and clearing their waits and timers.
func (s *session) cancelDescendants(ctx context.Context, instanceURI, tokenURI, reason string) error {
	e := s.e
	for _, child := range e.tokens.Children(tokenURI) {
		if err := s.cancelDescendants(ctx, instanceURI, child.URI, reason); err != nil {
			return err
		}
		if err := s.cancelTokenTask(ctx, instanceURI, child.URI, reason); err != nil {
			return err
		}
		s.releaseToken(instanceURI, child.URI)
		e.tokens.Consume(child.URI)
		if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, child.Node, child.URI)); err != nil {
			return err
		}
	}
	return nil
}

// cancelTokenTask cancels the pending task parked on the token, if any.
func (s *session) cancelTokenTask(ctx context.Context, instanceURI, tokenURI, reason string) error {
	e := s.e
	tk, ok := e.tasks.ForToken(tokenURI)
	if !ok {
		return nil
	}
	if err := e.tasks.Cancel(tk.URI, reason); err != nil {
		return err
	}
	return e.publish(ctx, hooks.NewTaskCancelledEvent(instanceURI, tk.Node, tk.URI, tokenURI, reason))
}

// releaseToken clears the waits, timers, and scoped variables attached to a
// token that is leaving its current position.
func (s *session) releaseToken(instanceURI, tokenURI string) {
	e := s.e
	e.timers.RemoveForToken(tokenURI)
	e.removeWaitsForToken(tokenURI)
	e.insts.RemoveScope(instanceURI, tokenURI)
}

// fail moves the instance to the failed state, cancelling all outstanding
// work, and wakes the parent so a call-activity failure propagates.
func (s *session) fail(ctx context.Context, instanceURI, reason string) error {
	if err := s.shutdown(ctx, instanceURI, reason); err != nil {
		return err
	}
	return s.finish(ctx, instanceURI, instance.StateFailed, reason)
}

// terminate moves the instance to the terminated state, cancelling all
// outstanding work.
func (s *session) terminate(ctx context.Context, instanceURI, reason string) error {
	if err := s.shutdown(ctx, instanceURI, reason); err != nil {
		return err
	}
	return s.finish(ctx, instanceURI, instance.StateTerminated, reason)
}

// shutdown consumes every active token and cancels every task, wait, and
// timer of the instance.
func (s *session) shutdown(ctx context.Context, instanceURI, reason string) error {
	e := s.e
	for _, tok := range e.tokens.Active(instanceURI) {
		if err := s.cancelTokenTask(ctx, instanceURI, tok.URI, reason); err != nil {
			return err
		}
		s.releaseToken(instanceURI, tok.URI)
		e.tokens.Consume(tok.URI)
		if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, tok.Node, tok.URI)); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) finish(ctx context.Context, instanceURI string, state instance.State, reason string) error {
	e := s.e
	old, err := e.insts.SetState(instanceURI, state, reason)
	if err != nil {
		return err
	}
	e.insts.ClearNextRunAt(instanceURI)
	if err := e.publish(ctx, hooks.NewInstanceStateChangedEvent(instanceURI, string(old), string(state), reason)); err != nil {
		return err
	}
	s.queueWake(instanceURI)
	return nil
}

// compensable is a graph-backed record of a completed activity that declared
// a compensation handler. Records accumulate per instance and replay in
// reverse completion order, innermost scope first.
type compensable struct {
	URI      string
	Activity string
	Handler  string
	Scope    string
	Seq      int64
}

// recordCompensable notes the completed activity for later compensation when
// it declares a handler.
func (s *session) recordCompensable(instanceURI string, node *definition.Node, scope string) error {
	if node.CompensatedBy == "" {
		return nil
	}
	e := s.e
	uri := e.ns.Instance + "compensable/" + uuid.NewString()
	e.st.Add(uri, graph.RDFType, e.ns.Class(vocab.ClassCompensable))
	e.st.Add(uri, e.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	e.st.Add(uri, e.ns.Pred(vocab.Activity), graph.IRI(node.URI))
	e.st.Add(uri, e.ns.Pred(vocab.Handler), graph.IRI(node.CompensatedBy))
	if scope != "" {
		e.st.Add(uri, e.ns.Pred(vocab.Scope), graph.IRI(scope))
	}
	e.st.Add(uri, e.ns.Pred(vocab.CompletedNo), graph.Int(s.nextCompensableSeq(instanceURI)))
	return nil
}

func (s *session) nextCompensableSeq(instanceURI string) int64 {
	var max int64
	for _, c := range s.compensables(instanceURI) {
		if c.Seq > max {
			max = c.Seq
		}
	}
	return max + 1
}

func (s *session) compensables(instanceURI string) []compensable {
	e := s.e
	var out []compensable
	for _, uri := range e.st.Subjects(graph.RDFType, e.ns.Class(vocab.ClassCompensable)) {
		of, ok := e.st.Value(uri, e.ns.Pred(vocab.OfInstance))
		if !ok || of.Value != instanceURI {
			continue
		}
		c := compensable{URI: uri}
		if v, ok := e.st.Value(uri, e.ns.Pred(vocab.Activity)); ok {
			c.Activity = v.Value
		}
		if v, ok := e.st.Value(uri, e.ns.Pred(vocab.Handler)); ok {
			c.Handler = v.Value
		}
		if v, ok := e.st.Value(uri, e.ns.Pred(vocab.Scope)); ok {
			c.Scope = v.Value
		}
		if v, ok := e.st.Value(uri, e.ns.Pred(vocab.CompletedNo)); ok {
			if n, isInt := v.Native().(int64); isInt {
				c.Seq = n
			}
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// compensate replays compensation handlers for the instance: innermost
// scopes first, and within a scope in reverse completion order. A non-empty
// scope restricts compensation to activities completed under that token.
func (s *session) compensate(ctx context.Context, instanceURI string, idx *definition.Index, triggerNode, triggerToken, scope string) error {
	e := s.e
	records := s.compensables(instanceURI)
	if scope != "" {
		var scoped []compensable
		for _, c := range records {
			if s.withinScope(c.Scope, scope) {
				scoped = append(scoped, c)
			}
		}
		records = scoped
	}
	sort.SliceStable(records, func(i, j int) bool {
		di, dj := s.scopeDepth(records[i].Scope), s.scopeDepth(records[j].Scope)
		if di != dj {
			return di > dj
		}
		return records[i].Seq > records[j].Seq
	})
	for _, c := range records {
		if err := e.publish(ctx, hooks.NewCompensationTriggeredEvent(instanceURI, triggerNode, triggerToken, c.Activity, c.Scope)); err != nil {
			return err
		}
		if err := s.runCompensationHandler(ctx, instanceURI, idx, c, triggerToken); err != nil {
			return err
		}
		e.st.Remove(c.URI, "", nil)
	}
	return nil
}

// withinScope reports whether the record's scope token is the given scope or
// one of its descendants.
func (s *session) withinScope(recordScope, scope string) bool {
	for tok := recordScope; tok != ""; tok = s.e.tokens.Parent(tok) {
		if tok == scope {
			return true
		}
	}
	return scope == ""
}

func (s *session) scopeDepth(scope string) int {
	return len(s.e.tokens.ScopeChain(scope))
}

// runCompensationHandler executes the handler activity out of band: the
// handler never joins the normal flow, it runs its topic against the current
// variables and writes its outputs back.
func (s *session) runCompensationHandler(ctx context.Context, instanceURI string, idx *definition.Index, c compensable, triggerToken string) error {
	e := s.e
	handler, ok := idx.Node(c.Handler)
	if !ok || handler.Topic == "" {
		return nil
	}
	snapshot := e.insts.Variables(instanceURI, triggerToken)
	if err := e.publish(ctx, hooks.NewServiceTaskExecuteEvent(instanceURI, handler.URI, triggerToken, handler.Topic, snapshot)); err != nil {
		return err
	}
	inv := topics.NewInvocation(instanceURI, handler.URI, triggerToken, snapshot)
	if err := e.topics.Invoke(ctx, handler.Topic, inv); err != nil {
		// A failing compensation handler is logged, not fatal: remaining
		// handlers still run.
		e.logger.Error(ctx, "compensation handler failed",
			"instance", instanceURI, "handler", handler.URI, "topic", handler.Topic, "err", err)
		return nil
	}
	if err := e.applyVariables(ctx, instanceURI, triggerToken, inv.Out()); err != nil {
		return err
	}
	return e.publish(ctx, hooks.NewServiceTaskCompletedEvent(instanceURI, handler.URI, triggerToken, handler.Topic, inv.Variables()))
}

// cancelTransaction unwinds the transaction subprocess enclosing a cancel
// end event: compensation runs for the scope, its tokens are consumed, and
// flow resumes at the cancel boundary event when one is attached.
func (s *session) cancelTransaction(ctx context.Context, instanceURI string, idx *definition.Index, node *definition.Node, tokenURI string) (bool, error) {
	e := s.e
	var txURI string
	for _, enc := range idx.EnclosureChain(node.URI) {
		if n, ok := idx.Node(enc); ok && n.Transaction {
			txURI = enc
			break
		}
	}
	if txURI == "" {
		return s.throwError(ctx, instanceURI, idx, node.URI, tokenURI, CodeInvalidDefinition,
			"cancel end event outside a transaction subprocess")
	}
	host := tokenURI
	for _, tok := range e.tokens.ScopeChain(tokenURI) {
		if e.tokens.Node(tok) == txURI {
			host = tok
			break
		}
	}
	if err := e.publish(ctx, hooks.NewCancelTriggeredEvent(instanceURI, node.URI, tokenURI, txURI)); err != nil {
		return false, err
	}
	if err := s.compensate(ctx, instanceURI, idx, node.URI, tokenURI, host); err != nil {
		return false, err
	}
	if err := s.cancelTokenTree(ctx, instanceURI, host, "transaction cancelled"); err != nil {
		return false, err
	}

	var cancelBoundary *definition.Node
	for _, be := range idx.BoundaryEventsOf(txURI) {
		if be.CancelEnd {
			cancelBoundary = be
			break
		}
	}
	if cancelBoundary == nil {
		e.tokens.Consume(host)
		if err := e.publish(ctx, hooks.NewTokenConsumedEvent(instanceURI, txURI, host)); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := e.publish(ctx, hooks.NewBoundaryEventTriggeredEvent(instanceURI, txURI, cancelBoundary.URI, host, true)); err != nil {
		return false, err
	}
	e.tokens.Move(host, cancelBoundary.URI)
	e.tokens.SetLive(host)
	return true, nil
}
