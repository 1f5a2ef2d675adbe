package hooks

import (
	"time"
)

// EventType identifies the concrete type of an event record.
type EventType string

// Event types published by the engine.
const (
	TokenCreated  EventType = "token_created"
	TokenMoved    EventType = "token_moved"
	TokenConsumed EventType = "token_consumed"

	TaskCreated   EventType = "task_created"
	TaskClaimed   EventType = "task_claimed"
	TaskCompleted EventType = "task_completed"
	TaskCancelled EventType = "task_cancelled"

	VariableSet EventType = "variable_set"

	MessageSent     EventType = "message_sent"
	MessageReceived EventType = "message_received"

	InstanceStateChanged EventType = "instance_state_changed"

	ServiceTaskExecute   EventType = "service_task_execute"
	ServiceTaskCompleted EventType = "service_task_completed"

	SubprocessStarted   EventType = "subprocess_started"
	SubprocessCompleted EventType = "subprocess_completed"

	GatewayEvaluated EventType = "gateway_evaluated"

	ErrorThrown            EventType = "error_thrown"
	CompensationTriggered  EventType = "compensation_triggered"
	CancelTriggered        EventType = "cancel_triggered"
	TerminateTriggered     EventType = "terminate_triggered"
	BoundaryEventTriggered EventType = "boundary_event_triggered"

	TimerRegistered EventType = "timer_registered"
	TimerFired      EventType = "timer_fired"

	AuditLog EventType = "audit_log"
)

type (
	// Event is the interface all engine events implement. Subscribers use
	// type switches to access event-specific fields:
	//
	//	func (s *mySub) HandleEvent(ctx context.Context, evt hooks.Event) error {
	//	    switch e := evt.(type) {
	//	    case *hooks.ServiceTaskCompletedEvent:
	//	        log.Printf("topic %s done on %s", e.Topic, e.Node())
	//	    case *hooks.ErrorThrownEvent:
	//	        log.Printf("error %s: %s", e.Code, e.Message)
	//	    }
	//	    return nil
	//	}
	Event interface {
		// Type returns the event type constant. Subscribers use this to
		// route without type assertions.
		Type() EventType
		// Instance returns the URI of the process instance that produced
		// the event, empty for events raised outside any instance.
		Instance() string
		// Node returns the URI of the definition node the event concerns,
		// empty when the event is not tied to a node.
		Node() string
		// Timestamp returns the Unix timestamp in milliseconds at event
		// creation, not delivery.
		Timestamp() int64
	}

	baseEvent struct {
		instance  string
		node      string
		timestamp int64
	}

	// TokenCreatedEvent fires when a new token is minted.
	TokenCreatedEvent struct {
		baseEvent
		// Token is the new token URI.
		Token string
		// Parent is the enclosing scope token, empty at the top level.
		Parent string
		// LoopIndex is the multi-instance iteration index, -1 otherwise.
		LoopIndex int
	}

	// TokenMovedEvent fires when a token advances along one or more flows.
	TokenMovedEvent struct {
		baseEvent
		// Token is the moving token.
		Token string
		// Targets lists the node URIs the token (or its fan-out children)
		// landed on.
		Targets []string
		// ConsumeOriginal reports whether the original token was consumed
		// by the move, as happens on parallel fan-out.
		ConsumeOriginal bool
	}

	// TokenConsumedEvent fires when a token is retired.
	TokenConsumedEvent struct {
		baseEvent
		Token string
	}

	// TaskCreatedEvent fires when a user task node materializes a task.
	TaskCreatedEvent struct {
		baseEvent
		// TaskURI names the task resource.
		TaskURI string
		// Token is the waiting token that owns the task.
		Token string
		// Name is the display name from the definition.
		Name string
		// CandidateUsers and CandidateGroups seed the claim eligibility.
		CandidateUsers  []string
		CandidateGroups []string
		// DueDate is zero when the definition carries no due date.
		DueDate time.Time
		// Priority is the task priority, zero when unset.
		Priority int
	}

	// TaskClaimedEvent fires when a user claims a created task.
	TaskClaimedEvent struct {
		baseEvent
		TaskURI  string
		Token    string
		Assignee string
	}

	// TaskCompletedEvent fires when an external caller completes a task.
	TaskCompletedEvent struct {
		baseEvent
		TaskURI     string
		Token       string
		CompletedBy string
		// Variables carries the completion payload merged into the
		// instance variables.
		Variables map[string]any
	}

	// TaskCancelledEvent fires when a task is withdrawn, typically by an
	// interrupting boundary event on its user task.
	TaskCancelledEvent struct {
		baseEvent
		TaskURI string
		Token   string
		Reason  string
	}

	// VariableSetEvent fires on every variable write.
	VariableSetEvent struct {
		baseEvent
		Name  string
		Value any
		// Scope is the token URI the binding is scoped to, empty for
		// instance-global bindings.
		Scope string
	}

	// MessageSentEvent fires when a message throw event (or an embedder)
	// emits a message.
	MessageSentEvent struct {
		baseEvent
		Name           string
		CorrelationKey string
		Payload        map[string]any
		// Source is the throwing node, empty for external sends.
		Source string
	}

	// MessageReceivedEvent fires when a delivered message matches a wait.
	MessageReceivedEvent struct {
		baseEvent
		Token   string
		Name    string
		Payload map[string]any
	}

	// InstanceStateChangedEvent fires on every instance lifecycle
	// transition.
	InstanceStateChangedEvent struct {
		baseEvent
		OldState string
		NewState string
		Reason   string
	}

	// ServiceTaskExecuteEvent fires immediately before a topic handler
	// runs.
	ServiceTaskExecuteEvent struct {
		baseEvent
		Token string
		Topic string
		// Variables is the scoped variable snapshot passed to the handler.
		Variables map[string]any
	}

	// ServiceTaskCompletedEvent fires after a topic handler returns
	// successfully and its writes have been applied.
	ServiceTaskCompletedEvent struct {
		baseEvent
		Token string
		Topic string
		// Variables is the variable snapshot after handler writes.
		Variables map[string]any
	}

	// SubprocessStartedEvent fires when a subprocess or call activity
	// spawns a child scope. For call activities Child is the child
	// instance URI; for embedded subprocesses it is empty and the scope is
	// the parent token itself.
	SubprocessStartedEvent struct {
		baseEvent
		Token string
		Child string
	}

	// SubprocessCompletedEvent fires when a child scope drains and the
	// parent token is about to advance.
	SubprocessCompletedEvent struct {
		baseEvent
		Token string
		Child string
	}

	// GatewayEvaluatedEvent fires after a gateway routing decision.
	GatewayEvaluatedEvent struct {
		baseEvent
		Token string
		// GatewayType is the node kind name, e.g. "ExclusiveGateway".
		GatewayType string
		// SelectedFlows lists the flow URIs taken, empty for a join that
		// is still waiting.
		SelectedFlows []string
	}

	// ErrorThrownEvent fires when a handler fails with a business error or
	// the engine hits a definition error. Routing to boundary events
	// happens after publication.
	ErrorThrownEvent struct {
		baseEvent
		Token   string
		Code    string
		Message string
	}

	// CompensationTriggeredEvent requests compensation. Activity narrows
	// it to one compensable; empty compensates the whole scope in reverse
	// completion order.
	CompensationTriggeredEvent struct {
		baseEvent
		Token    string
		Activity string
		Scope    string
	}

	// CancelTriggeredEvent fires when a transaction subprocess cancels.
	CancelTriggeredEvent struct {
		baseEvent
		Token string
		Scope string
	}

	// TerminateTriggeredEvent fires when a terminate end event is reached.
	TerminateTriggeredEvent struct {
		baseEvent
		Token string
	}

	// BoundaryEventTriggeredEvent fires when an attached boundary event
	// activates on its host.
	BoundaryEventTriggeredEvent struct {
		baseEvent
		Token string
		// Boundary is the boundary event node URI; Node() is the host
		// activity.
		Boundary     string
		Interrupting bool
	}

	// TimerRegisteredEvent fires when a timer wait is armed.
	TimerRegisteredEvent struct {
		baseEvent
		Token  string
		FireAt time.Time
		// Kind distinguishes "node" timers (catch events) from "boundary"
		// timers.
		Kind string
	}

	// TimerFiredEvent fires when the scheduler signals a due timer.
	TimerFiredEvent struct {
		baseEvent
		Token string
	}

	// AuditLogEvent carries a free-form audit record emitted by embedder
	// code; engine-originated audit entries are derived from the other
	// event types instead.
	AuditLogEvent struct {
		baseEvent
		EventName string
		Details   map[string]any
		User      string
	}
)

func newBaseEvent(instance, node string) baseEvent {
	return baseEvent{instance: instance, node: node, timestamp: time.Now().UnixMilli()}
}

// Instance implements Event.
func (e *baseEvent) Instance() string { return e.instance }

// Node implements Event.
func (e *baseEvent) Node() string { return e.node }

// Timestamp implements Event.
func (e *baseEvent) Timestamp() int64 { return e.timestamp }

// NewTokenCreatedEvent constructs a TokenCreatedEvent.
func NewTokenCreatedEvent(instance, node, token, parent string, loopIndex int) *TokenCreatedEvent {
	return &TokenCreatedEvent{baseEvent: newBaseEvent(instance, node), Token: token, Parent: parent, LoopIndex: loopIndex}
}

// NewTokenMovedEvent constructs a TokenMovedEvent.
func NewTokenMovedEvent(instance, node, token string, targets []string, consumeOriginal bool) *TokenMovedEvent {
	return &TokenMovedEvent{
		baseEvent:       newBaseEvent(instance, node),
		Token:           token,
		Targets:         append([]string(nil), targets...),
		ConsumeOriginal: consumeOriginal,
	}
}

// NewTokenConsumedEvent constructs a TokenConsumedEvent.
func NewTokenConsumedEvent(instance, node, token string) *TokenConsumedEvent {
	return &TokenConsumedEvent{baseEvent: newBaseEvent(instance, node), Token: token}
}

// NewTaskCreatedEvent constructs a TaskCreatedEvent.
func NewTaskCreatedEvent(instance, node, taskURI, token, name string, users, groups []string, due time.Time, priority int) *TaskCreatedEvent {
	return &TaskCreatedEvent{
		baseEvent:       newBaseEvent(instance, node),
		TaskURI:         taskURI,
		Token:           token,
		Name:            name,
		CandidateUsers:  append([]string(nil), users...),
		CandidateGroups: append([]string(nil), groups...),
		DueDate:         due,
		Priority:        priority,
	}
}

// NewTaskClaimedEvent constructs a TaskClaimedEvent.
func NewTaskClaimedEvent(instance, node, taskURI, token, assignee string) *TaskClaimedEvent {
	return &TaskClaimedEvent{baseEvent: newBaseEvent(instance, node), TaskURI: taskURI, Token: token, Assignee: assignee}
}

// NewTaskCompletedEvent constructs a TaskCompletedEvent.
func NewTaskCompletedEvent(instance, node, taskURI, token, completedBy string, variables map[string]any) *TaskCompletedEvent {
	return &TaskCompletedEvent{
		baseEvent:   newBaseEvent(instance, node),
		TaskURI:     taskURI,
		Token:       token,
		CompletedBy: completedBy,
		Variables:   variables,
	}
}

// NewTaskCancelledEvent constructs a TaskCancelledEvent.
func NewTaskCancelledEvent(instance, node, taskURI, token, reason string) *TaskCancelledEvent {
	return &TaskCancelledEvent{baseEvent: newBaseEvent(instance, node), TaskURI: taskURI, Token: token, Reason: reason}
}

// NewVariableSetEvent constructs a VariableSetEvent.
func NewVariableSetEvent(instance, name string, value any, scope string) *VariableSetEvent {
	return &VariableSetEvent{baseEvent: newBaseEvent(instance, ""), Name: name, Value: value, Scope: scope}
}

// NewMessageSentEvent constructs a MessageSentEvent.
func NewMessageSentEvent(instance, source, name, correlationKey string, payload map[string]any) *MessageSentEvent {
	return &MessageSentEvent{
		baseEvent:      newBaseEvent(instance, source),
		Name:           name,
		CorrelationKey: correlationKey,
		Payload:        payload,
		Source:         source,
	}
}

// NewMessageReceivedEvent constructs a MessageReceivedEvent.
func NewMessageReceivedEvent(instance, node, token, name string, payload map[string]any) *MessageReceivedEvent {
	return &MessageReceivedEvent{baseEvent: newBaseEvent(instance, node), Token: token, Name: name, Payload: payload}
}

// NewInstanceStateChangedEvent constructs an InstanceStateChangedEvent.
func NewInstanceStateChangedEvent(instance, oldState, newState, reason string) *InstanceStateChangedEvent {
	return &InstanceStateChangedEvent{baseEvent: newBaseEvent(instance, ""), OldState: oldState, NewState: newState, Reason: reason}
}

// NewServiceTaskExecuteEvent constructs a ServiceTaskExecuteEvent.
func NewServiceTaskExecuteEvent(instance, node, token, topic string, variables map[string]any) *ServiceTaskExecuteEvent {
	return &ServiceTaskExecuteEvent{baseEvent: newBaseEvent(instance, node), Token: token, Topic: topic, Variables: variables}
}

// NewServiceTaskCompletedEvent constructs a ServiceTaskCompletedEvent.
func NewServiceTaskCompletedEvent(instance, node, token, topic string, variables map[string]any) *ServiceTaskCompletedEvent {
	return &ServiceTaskCompletedEvent{baseEvent: newBaseEvent(instance, node), Token: token, Topic: topic, Variables: variables}
}

// NewSubprocessStartedEvent constructs a SubprocessStartedEvent.
func NewSubprocessStartedEvent(instance, node, token, child string) *SubprocessStartedEvent {
	return &SubprocessStartedEvent{baseEvent: newBaseEvent(instance, node), Token: token, Child: child}
}

// NewSubprocessCompletedEvent constructs a SubprocessCompletedEvent.
func NewSubprocessCompletedEvent(instance, node, token, child string) *SubprocessCompletedEvent {
	return &SubprocessCompletedEvent{baseEvent: newBaseEvent(instance, node), Token: token, Child: child}
}

// NewGatewayEvaluatedEvent constructs a GatewayEvaluatedEvent.
func NewGatewayEvaluatedEvent(instance, gateway, token, gatewayType string, selected []string) *GatewayEvaluatedEvent {
	return &GatewayEvaluatedEvent{
		baseEvent:     newBaseEvent(instance, gateway),
		Token:         token,
		GatewayType:   gatewayType,
		SelectedFlows: append([]string(nil), selected...),
	}
}

// NewErrorThrownEvent constructs an ErrorThrownEvent.
func NewErrorThrownEvent(instance, sourceNode, token, code, message string) *ErrorThrownEvent {
	return &ErrorThrownEvent{baseEvent: newBaseEvent(instance, sourceNode), Token: token, Code: code, Message: message}
}

// NewCompensationTriggeredEvent constructs a CompensationTriggeredEvent.
func NewCompensationTriggeredEvent(instance, node, token, activity, scope string) *CompensationTriggeredEvent {
	return &CompensationTriggeredEvent{baseEvent: newBaseEvent(instance, node), Token: token, Activity: activity, Scope: scope}
}

// NewCancelTriggeredEvent constructs a CancelTriggeredEvent.
func NewCancelTriggeredEvent(instance, node, token, scope string) *CancelTriggeredEvent {
	return &CancelTriggeredEvent{baseEvent: newBaseEvent(instance, node), Token: token, Scope: scope}
}

// NewTerminateTriggeredEvent constructs a TerminateTriggeredEvent.
func NewTerminateTriggeredEvent(instance, node, token string) *TerminateTriggeredEvent {
	return &TerminateTriggeredEvent{baseEvent: newBaseEvent(instance, node), Token: token}
}

// NewBoundaryEventTriggeredEvent constructs a BoundaryEventTriggeredEvent.
// host is the activity the boundary event is attached to.
func NewBoundaryEventTriggeredEvent(instance, host, boundary, token string, interrupting bool) *BoundaryEventTriggeredEvent {
	return &BoundaryEventTriggeredEvent{
		baseEvent:    newBaseEvent(instance, host),
		Token:        token,
		Boundary:     boundary,
		Interrupting: interrupting,
	}
}

// NewTimerRegisteredEvent constructs a TimerRegisteredEvent.
func NewTimerRegisteredEvent(instance, node, token string, fireAt time.Time, kind string) *TimerRegisteredEvent {
	return &TimerRegisteredEvent{baseEvent: newBaseEvent(instance, node), Token: token, FireAt: fireAt, Kind: kind}
}

// NewTimerFiredEvent constructs a TimerFiredEvent.
func NewTimerFiredEvent(instance, node, token string) *TimerFiredEvent {
	return &TimerFiredEvent{baseEvent: newBaseEvent(instance, node), Token: token}
}

// NewAuditLogEvent constructs an AuditLogEvent.
func NewAuditLogEvent(instance, node, eventName string, details map[string]any, user string) *AuditLogEvent {
	return &AuditLogEvent{baseEvent: newBaseEvent(instance, node), EventName: eventName, Details: details, User: user}
}

// Type implements Event for TokenCreatedEvent.
func (e *TokenCreatedEvent) Type() EventType { return TokenCreated }

// Type implements Event for TokenMovedEvent.
func (e *TokenMovedEvent) Type() EventType { return TokenMoved }

// Type implements Event for TokenConsumedEvent.
func (e *TokenConsumedEvent) Type() EventType { return TokenConsumed }

// Type implements Event for TaskCreatedEvent.
func (e *TaskCreatedEvent) Type() EventType { return TaskCreated }

// Type implements Event for TaskClaimedEvent.
func (e *TaskClaimedEvent) Type() EventType { return TaskClaimed }

// Type implements Event for TaskCompletedEvent.
func (e *TaskCompletedEvent) Type() EventType { return TaskCompleted }

// Type implements Event for TaskCancelledEvent.
func (e *TaskCancelledEvent) Type() EventType { return TaskCancelled }

// Type implements Event for VariableSetEvent.
func (e *VariableSetEvent) Type() EventType { return VariableSet }

// Type implements Event for MessageSentEvent.
func (e *MessageSentEvent) Type() EventType { return MessageSent }

// Type implements Event for MessageReceivedEvent.
func (e *MessageReceivedEvent) Type() EventType { return MessageReceived }

// Type implements Event for InstanceStateChangedEvent.
func (e *InstanceStateChangedEvent) Type() EventType { return InstanceStateChanged }

// Type implements Event for ServiceTaskExecuteEvent.
func (e *ServiceTaskExecuteEvent) Type() EventType { return ServiceTaskExecute }

// Type implements Event for ServiceTaskCompletedEvent.
func (e *ServiceTaskCompletedEvent) Type() EventType { return ServiceTaskCompleted }

// Type implements Event for SubprocessStartedEvent.
func (e *SubprocessStartedEvent) Type() EventType { return SubprocessStarted }

// Type implements Event for SubprocessCompletedEvent.
func (e *SubprocessCompletedEvent) Type() EventType { return SubprocessCompleted }

// Type implements Event for GatewayEvaluatedEvent.
func (e *GatewayEvaluatedEvent) Type() EventType { return GatewayEvaluated }

// Type implements Event for ErrorThrownEvent.
func (e *ErrorThrownEvent) Type() EventType { return ErrorThrown }

// Type implements Event for CompensationTriggeredEvent.
func (e *CompensationTriggeredEvent) Type() EventType { return CompensationTriggered }

// Type implements Event for CancelTriggeredEvent.
func (e *CancelTriggeredEvent) Type() EventType { return CancelTriggered }

// Type implements Event for TerminateTriggeredEvent.
func (e *TerminateTriggeredEvent) Type() EventType { return TerminateTriggered }

// Type implements Event for BoundaryEventTriggeredEvent.
func (e *BoundaryEventTriggeredEvent) Type() EventType { return BoundaryEventTriggered }

// Type implements Event for TimerRegisteredEvent.
func (e *TimerRegisteredEvent) Type() EventType { return TimerRegistered }

// Type implements Event for TimerFiredEvent.
func (e *TimerFiredEvent) Type() EventType { return TimerFired }

// Type implements Event for AuditLogEvent.
func (e *AuditLogEvent) Type() EventType { return AuditLog }
