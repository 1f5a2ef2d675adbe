package hooks

import "time"

// Details flattens an event's type-specific fields into a string-keyed map
// suitable for audit entries and stream envelopes. The base fields (type,
// instance, node, timestamp) are the caller's concern; only payload fields
// appear here. Unknown event types yield an empty map.
func Details(event Event) map[string]any {
	d := make(map[string]any)
	switch e := event.(type) {
	case *TokenCreatedEvent:
		d["token"] = e.Token
		putIf(d, "parent", e.Parent)
		if e.LoopIndex >= 0 {
			d["loopIndex"] = e.LoopIndex
		}
	case *TokenMovedEvent:
		d["token"] = e.Token
		d["targets"] = append([]string(nil), e.Targets...)
		d["consumeOriginal"] = e.ConsumeOriginal
	case *TokenConsumedEvent:
		d["token"] = e.Token
	case *TaskCreatedEvent:
		d["task"] = e.TaskURI
		d["token"] = e.Token
		putIf(d, "name", e.Name)
		if len(e.CandidateUsers) > 0 {
			d["candidateUsers"] = append([]string(nil), e.CandidateUsers...)
		}
		if len(e.CandidateGroups) > 0 {
			d["candidateGroups"] = append([]string(nil), e.CandidateGroups...)
		}
		if !e.DueDate.IsZero() {
			d["dueDate"] = e.DueDate.Format(time.RFC3339)
		}
		if e.Priority != 0 {
			d["priority"] = e.Priority
		}
	case *TaskClaimedEvent:
		d["task"] = e.TaskURI
		d["token"] = e.Token
		d["assignee"] = e.Assignee
	case *TaskCompletedEvent:
		d["task"] = e.TaskURI
		d["token"] = e.Token
		putIf(d, "completedBy", e.CompletedBy)
		if len(e.Variables) > 0 {
			d["variables"] = e.Variables
		}
	case *TaskCancelledEvent:
		d["task"] = e.TaskURI
		d["token"] = e.Token
		putIf(d, "reason", e.Reason)
	case *VariableSetEvent:
		d["name"] = e.Name
		d["value"] = e.Value
		putIf(d, "scope", e.Scope)
	case *MessageSentEvent:
		d["name"] = e.Name
		putIf(d, "correlationKey", e.CorrelationKey)
		putIf(d, "source", e.Source)
		if len(e.Payload) > 0 {
			d["payload"] = e.Payload
		}
	case *MessageReceivedEvent:
		d["token"] = e.Token
		d["name"] = e.Name
		if len(e.Payload) > 0 {
			d["payload"] = e.Payload
		}
	case *InstanceStateChangedEvent:
		putIf(d, "oldState", e.OldState)
		d["newState"] = e.NewState
		putIf(d, "reason", e.Reason)
	case *ServiceTaskExecuteEvent:
		d["token"] = e.Token
		d["topic"] = e.Topic
		if len(e.Variables) > 0 {
			d["variables"] = e.Variables
		}
	case *ServiceTaskCompletedEvent:
		d["token"] = e.Token
		d["topic"] = e.Topic
		if len(e.Variables) > 0 {
			d["variables"] = e.Variables
		}
	case *SubprocessStartedEvent:
		d["token"] = e.Token
		putIf(d, "child", e.Child)
	case *SubprocessCompletedEvent:
		d["token"] = e.Token
		putIf(d, "child", e.Child)
	case *GatewayEvaluatedEvent:
		d["token"] = e.Token
		d["gatewayType"] = e.GatewayType
		d["selectedFlows"] = append([]string(nil), e.SelectedFlows...)
	case *ErrorThrownEvent:
		putIf(d, "token", e.Token)
		d["code"] = e.Code
		putIf(d, "message", e.Message)
	case *CompensationTriggeredEvent:
		putIf(d, "token", e.Token)
		putIf(d, "activity", e.Activity)
		putIf(d, "scope", e.Scope)
	case *CancelTriggeredEvent:
		d["token"] = e.Token
		putIf(d, "scope", e.Scope)
	case *TerminateTriggeredEvent:
		d["token"] = e.Token
	case *BoundaryEventTriggeredEvent:
		d["token"] = e.Token
		d["boundary"] = e.Boundary
		d["interrupting"] = e.Interrupting
	case *TimerRegisteredEvent:
		d["token"] = e.Token
		d["fireAt"] = e.FireAt.Format(time.RFC3339Nano)
		putIf(d, "kind", e.Kind)
	case *TimerFiredEvent:
		d["token"] = e.Token
	case *AuditLogEvent:
		putIf(d, "eventName", e.EventName)
		putIf(d, "user", e.User)
		for k, v := range e.Details {
			d[k] = v
		}
	}
	return d
}

func putIf(d map[string]any, key, value string) {
	if value != "" {
		d[key] = value
	}
}
