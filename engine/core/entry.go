package core

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/timer"
	"github.com/spear-engine/spear/engine/token"
)

// Entry points. Each acquires the instance lane, mutates state, runs the
// step loop to quiescence, releases the lane, and then drains any parent
// wakes queued by completed child instances.

// StartInstance creates a process instance with the given initial variables
// and runs it until it completes or parks on external input. It returns the
// new instance URI.
func (e *Engine) StartInstance(ctx context.Context, processURI string, initial map[string]any) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.start_instance")
	defer span.End()
	idx, err := e.indexFor(processURI)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	start, err := idx.StartEvent("")
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	s := e.newSession()
	instanceURI := e.insts.Create(processURI, initial, "")
	unlock := e.lockInstance(instanceURI)
	err = func() error {
		if err := e.publish(ctx, hooks.NewInstanceStateChangedEvent(instanceURI, "", string(instance.StateActive), "")); err != nil {
			return err
		}
		tok := e.tokens.Create(instanceURI, start.URI, "", -1)
		if err := e.publish(ctx, hooks.NewTokenCreatedEvent(instanceURI, start.URI, tok, "", -1)); err != nil {
			return err
		}
		return s.runToQuiescence(ctx, instanceURI)
	}()
	unlock()
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if err := s.drainWakes(ctx); err != nil {
		span.RecordError(err)
		return "", err
	}
	e.checkpoint(ctx)
	e.metrics.IncCounter("engine.instances.started", 1, "process", processURI)
	e.logger.Info(ctx, "instance started", "instance", instanceURI, "process", processURI)
	span.SetStatus(codes.Ok, "")
	return instanceURI, nil
}

// ClaimTask assigns a pending user task to the given user.
func (e *Engine) ClaimTask(ctx context.Context, taskURI, user string) error {
	tk, ok := e.tasks.Get(taskURI)
	if !ok {
		return fmt.Errorf("no task %s", taskURI)
	}
	unlock := e.lockInstance(tk.Instance)
	defer unlock()
	if err := e.tasks.Claim(taskURI, user); err != nil {
		return err
	}
	return e.publish(ctx, hooks.NewTaskClaimedEvent(tk.Instance, tk.Node, taskURI, tk.Token, user))
}

// CompleteTask finishes a user task with the submitted variables and resumes
// the instance. Form data is validated against the task's schema before any
// state changes.
func (e *Engine) CompleteTask(ctx context.Context, taskURI string, variables map[string]any, user string) error {
	ctx, span := e.tracer.Start(ctx, "engine.complete_task")
	defer span.End()
	tk, ok := e.tasks.Get(taskURI)
	if !ok {
		return fmt.Errorf("no task %s", taskURI)
	}
	s := e.newSession()
	unlock := e.lockInstance(tk.Instance)
	err := func() error {
		if err := e.tasks.Complete(taskURI, variables, user); err != nil {
			return err
		}
		if err := e.applyVariables(ctx, tk.Instance, tk.Token, variables); err != nil {
			return err
		}
		if err := e.publish(ctx, hooks.NewTaskCompletedEvent(tk.Instance, tk.Node, taskURI, tk.Token, user, variables)); err != nil {
			return err
		}
		idx, err := e.indexFor(e.insts.Process(tk.Instance))
		if err != nil {
			return err
		}
		node, ok := idx.Node(tk.Node)
		if !ok {
			return fmt.Errorf("task node %s is not in the definition", tk.Node)
		}
		e.tokens.SetLive(tk.Token)
		if err := s.recordCompensable(tk.Instance, node, e.tokens.Parent(tk.Token)); err != nil {
			return err
		}
		if _, err := s.advanceAfterActivity(ctx, tk.Instance, idx, node, tk.Token); err != nil {
			return err
		}
		return s.runToQuiescence(ctx, tk.Instance)
	}()
	unlock()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.drainWakes(ctx); err != nil {
		return err
	}
	e.checkpoint(ctx)
	return nil
}

// DeliverMessage correlates an inbound message against every waiting
// receiver and resumes the matched instances. It returns the number of
// tokens resumed; zero means nothing was waiting for the message.
func (e *Engine) DeliverMessage(ctx context.Context, name, correlationKey string, payload map[string]any) (int, error) {
	ctx, span := e.tracer.Start(ctx, "engine.deliver_message")
	defer span.End()
	matched := e.matchWaits(name, correlationKey)
	byInstance := make(map[string][]messageWait)
	var order []string
	for _, w := range matched {
		if _, seen := byInstance[w.Instance]; !seen {
			order = append(order, w.Instance)
		}
		byInstance[w.Instance] = append(byInstance[w.Instance], w)
	}
	s := e.newSession()
	delivered := 0
	for _, inst := range order {
		unlock := e.lockInstance(inst)
		err := func() error {
			for _, w := range byInstance[inst] {
				if _, ok := e.getWait(w.URI); !ok {
					continue // cleared by an earlier delivery in this batch
				}
				n, err := s.receiveMessage(ctx, inst, w, payload)
				if err != nil {
					return err
				}
				delivered += n
			}
			return s.runToQuiescence(ctx, inst)
		}()
		unlock()
		if err != nil {
			span.RecordError(err)
			return delivered, err
		}
	}
	if err := s.drainWakes(ctx); err != nil {
		return delivered, err
	}
	e.checkpoint(ctx)
	e.metrics.IncCounter("engine.messages.delivered", float64(delivered), "message", name)
	return delivered, nil
}

// receiveMessage resumes one wait record. Must hold the instance lane.
func (s *session) receiveMessage(ctx context.Context, instanceURI string, w messageWait, payload map[string]any) (int, error) {
	e := s.e
	idx, err := e.indexFor(e.insts.Process(instanceURI))
	if err != nil {
		return 0, err
	}
	node, ok := idx.Node(w.Node)
	if !ok {
		e.removeWait(w.URI)
		return 0, nil
	}
	if err := e.publish(ctx, hooks.NewMessageReceivedEvent(instanceURI, w.Node, w.Token, w.Name, payload)); err != nil {
		return 0, err
	}
	if err := e.applyVariables(ctx, instanceURI, w.Token, payload); err != nil {
		return 0, err
	}
	e.removeWait(w.URI)

	if node.Kind == definition.KindBoundaryEvent {
		return 1, s.fireBoundary(ctx, instanceURI, idx, node, w.Token)
	}
	if w.Group != "" {
		// Event-based gateway: the message wins the race, the sibling
		// stimuli stand down.
		e.cancelWaitGroup(w.Group, w.URI)
	}
	e.tokens.Move(w.Token, w.Node)
	e.tokens.SetLive(w.Token)
	if _, err := s.advanceAlongSole(ctx, instanceURI, idx, node, w.Token); err != nil {
		return 0, err
	}
	return 1, nil
}

// fireBoundary triggers a message or timer boundary event on its host
// token: interrupting boundaries cancel the host activity and continue at
// the boundary, non-interrupting ones spawn a parallel token.
func (s *session) fireBoundary(ctx context.Context, instanceURI string, idx *definition.Index, be *definition.Node, hostToken string) error {
	e := s.e
	if err := e.publish(ctx, hooks.NewBoundaryEventTriggeredEvent(instanceURI, be.AttachedTo, be.URI, hostToken, be.Interrupting)); err != nil {
		return err
	}
	if !be.Interrupting {
		tok := e.tokens.Create(instanceURI, be.URI, e.tokens.Parent(hostToken), -1)
		if err := e.publish(ctx, hooks.NewTokenCreatedEvent(instanceURI, be.URI, tok, e.tokens.Parent(hostToken), -1)); err != nil {
			return err
		}
		return s.rearmTimerBoundary(ctx, instanceURI, be, hostToken)
	}
	if err := s.cancelTokenTree(ctx, instanceURI, hostToken, "boundary event"); err != nil {
		return err
	}
	e.tokens.Move(hostToken, be.URI)
	e.tokens.SetLive(hostToken)
	return nil
}

// rearmTimerBoundary re-registers a duration timer after a non-interrupting
// fire: the boundary keeps firing while its host activity waits. Date-based
// timers fire once. The registration goes away with the host token's other
// timers when the activity completes or is cancelled.
func (s *session) rearmTimerBoundary(ctx context.Context, instanceURI string, be *definition.Node, hostToken string) error {
	e := s.e
	if be.TimerDuration <= 0 {
		return nil
	}
	fireAt := e.clock().Add(be.TimerDuration)
	e.timers.Register(instanceURI, be.URI, hostToken, fireAt, timer.KindBoundary, "")
	e.insts.SetNextRunAt(instanceURI, fireAt)
	return e.publish(ctx, hooks.NewTimerRegisteredEvent(instanceURI, be.URI, hostToken, fireAt, timer.KindBoundary))
}

// SignalTimer fires a due timer registration and resumes its instance. The
// scheduler calls this for each registration returned by Timers().Due.
func (e *Engine) SignalTimer(ctx context.Context, registrationURI string) error {
	ctx, span := e.tracer.Start(ctx, "engine.signal_timer")
	defer span.End()
	reg, found := e.timers.Get(registrationURI)
	if !found {
		return nil // already fired or cancelled
	}
	s := e.newSession()
	unlock := e.lockInstance(reg.Instance)
	err := func() error {
		if _, still := e.timers.Get(registrationURI); !still {
			return nil // raced with a completion on the lane
		}
		e.timers.Remove(registrationURI)
		if err := e.publish(ctx, hooks.NewTimerFiredEvent(reg.Instance, reg.Node, reg.Token)); err != nil {
			return err
		}
		idx, err := e.indexFor(e.insts.Process(reg.Instance))
		if err != nil {
			return err
		}
		node, ok := idx.Node(reg.Node)
		if !ok {
			return fmt.Errorf("timer node %s is not in the definition", reg.Node)
		}
		if reg.Kind == timer.KindBoundary {
			if err := s.fireBoundary(ctx, reg.Instance, idx, node, reg.Token); err != nil {
				return err
			}
			return s.runToQuiescence(ctx, reg.Instance)
		}
		if reg.Group != "" {
			e.cancelWaitGroup(reg.Group, registrationURI)
		}
		e.tokens.Move(reg.Token, reg.Node)
		e.tokens.SetLive(reg.Token)
		if _, err := s.advanceAlongSole(ctx, reg.Instance, idx, node, reg.Token); err != nil {
			return err
		}
		return s.runToQuiescence(ctx, reg.Instance)
	}()
	unlock()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.drainWakes(ctx); err != nil {
		return err
	}
	e.checkpoint(ctx)
	return nil
}

// SuspendInstance pauses an active instance. Parked work stays parked; live
// tokens stop advancing until ResumeInstance.
func (e *Engine) SuspendInstance(ctx context.Context, instanceURI, reason string) error {
	unlock := e.lockInstance(instanceURI)
	defer unlock()
	st, ok := e.insts.State(instanceURI)
	if !ok {
		return fmt.Errorf("no instance %s", instanceURI)
	}
	if st != instance.StateActive {
		return fmt.Errorf("instance %s is %s, not active", instanceURI, st)
	}
	old, err := e.insts.SetState(instanceURI, instance.StateSuspended, reason)
	if err != nil {
		return err
	}
	return e.publish(ctx, hooks.NewInstanceStateChangedEvent(instanceURI, string(old), string(instance.StateSuspended), reason))
}

// ResumeInstance reactivates a suspended instance and runs it to
// quiescence.
func (e *Engine) ResumeInstance(ctx context.Context, instanceURI string) error {
	s := e.newSession()
	unlock := e.lockInstance(instanceURI)
	err := func() error {
		st, ok := e.insts.State(instanceURI)
		if !ok {
			return fmt.Errorf("no instance %s", instanceURI)
		}
		if st != instance.StateSuspended {
			return fmt.Errorf("instance %s is %s, not suspended", instanceURI, st)
		}
		old, err := e.insts.SetState(instanceURI, instance.StateActive, "")
		if err != nil {
			return err
		}
		if err := e.publish(ctx, hooks.NewInstanceStateChangedEvent(instanceURI, string(old), string(instance.StateActive), "")); err != nil {
			return err
		}
		return s.runToQuiescence(ctx, instanceURI)
	}()
	unlock()
	if err != nil {
		return err
	}
	if err := s.drainWakes(ctx); err != nil {
		return err
	}
	e.checkpoint(ctx)
	return nil
}

// CancelInstance cancels an instance from the outside, running compensation
// for every completed compensable activity before the state change.
func (e *Engine) CancelInstance(ctx context.Context, instanceURI, reason string) error {
	s := e.newSession()
	unlock := e.lockInstance(instanceURI)
	err := func() error {
		st, ok := e.insts.State(instanceURI)
		if !ok {
			return fmt.Errorf("no instance %s", instanceURI)
		}
		if st.Terminal() {
			return fmt.Errorf("instance %s is already %s", instanceURI, st)
		}
		idx, err := e.indexFor(e.insts.Process(instanceURI))
		if err != nil {
			return err
		}
		if err := s.compensate(ctx, instanceURI, idx, "", "", ""); err != nil {
			return err
		}
		if err := s.shutdown(ctx, instanceURI, reason); err != nil {
			return err
		}
		return s.finish(ctx, instanceURI, instance.StateCancelled, reason)
	}()
	unlock()
	if err != nil {
		return err
	}
	if err := s.drainWakes(ctx); err != nil {
		return err
	}
	e.checkpoint(ctx)
	return nil
}

// TriggerCompensation replays the instance's compensation handlers on
// demand, innermost scope first, most recently completed first.
func (e *Engine) TriggerCompensation(ctx context.Context, instanceURI string) error {
	s := e.newSession()
	unlock := e.lockInstance(instanceURI)
	defer unlock()
	idx, err := e.indexFor(e.insts.Process(instanceURI))
	if err != nil {
		return err
	}
	return s.compensate(ctx, instanceURI, idx, "", "", "")
}

// drainWakes resumes parent instances whose call-activity children finished
// while their lanes were held. Each wake runs under its own lane; resuming a
// parent may finish it and queue further wakes, so the loop runs until the
// queue empties.
func (s *session) drainWakes(ctx context.Context) error {
	e := s.e
	for len(s.wakes) > 0 {
		w := s.wakes[0]
		s.wakes = s.wakes[1:]
		unlock := e.lockInstance(w.instance)
		err := s.resumeParent(ctx, w)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// resumeParent applies one child completion to its parent token. Must hold
// the parent lane.
func (s *session) resumeParent(ctx context.Context, w wake) error {
	e := s.e
	if st, ok := e.insts.State(w.instance); !ok || st != instance.StateActive {
		return nil
	}
	tok, ok := e.tokens.Get(w.token)
	if !ok || tok.State != token.StateWaiting {
		return nil
	}
	idx, err := e.indexFor(e.insts.Process(w.instance))
	if err != nil {
		return err
	}
	node, ok := idx.Node(tok.Node)
	if !ok {
		return fmt.Errorf("call activity node %s is not in the definition", tok.Node)
	}
	childState, _ := e.insts.State(w.child)
	if childState != instance.StateCompleted {
		if _, err := s.throwError(ctx, w.instance, idx, node.URI, w.token, CodeSubprocessFailed,
			fmt.Sprintf("child instance %s ended %s", w.child, childState)); err != nil {
			return err
		}
		return s.runToQuiescence(ctx, w.instance)
	}
	if err := e.publish(ctx, hooks.NewSubprocessCompletedEvent(w.instance, node.URI, w.token, w.child)); err != nil {
		return err
	}
	if err := e.applyVariables(ctx, w.instance, w.token, e.insts.Variables(w.child, "")); err != nil {
		return err
	}
	e.tokens.SetLive(w.token)
	if err := s.recordCompensable(w.instance, node, e.tokens.Parent(w.token)); err != nil {
		return err
	}
	if _, err := s.advanceAfterActivity(ctx, w.instance, idx, node, w.token); err != nil {
		return err
	}
	return s.runToQuiescence(ctx, w.instance)
}
