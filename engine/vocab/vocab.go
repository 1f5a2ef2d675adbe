// Package vocab enumerates the local names of the engine vocabulary: the RDF
// classes and predicates used to encode process definitions and runtime state.
// Full IRIs are produced by joining these names with the configured vocabulary
// namespace (graph.Namespaces.Pred / Class), so the names here stay stable
// while deployments relocate the namespace itself.
package vocab

// Classes.
const (
	ClassProcess                = "Process"
	ClassSequenceFlow           = "SequenceFlow"
	ClassStartEvent             = "StartEvent"
	ClassEndEvent               = "EndEvent"
	ClassServiceTask            = "ServiceTask"
	ClassUserTask               = "UserTask"
	ClassScriptTask             = "ScriptTask"
	ClassReceiveTask            = "ReceiveTask"
	ClassExclusiveGateway       = "ExclusiveGateway"
	ClassParallelGateway        = "ParallelGateway"
	ClassInclusiveGateway       = "InclusiveGateway"
	ClassEventBasedGateway      = "EventBasedGateway"
	ClassIntermediateCatchEvent = "IntermediateCatchEvent"
	ClassIntermediateThrowEvent = "IntermediateThrowEvent"
	ClassSubprocess             = "Subprocess"
	ClassCallActivity           = "CallActivity"
	ClassBoundaryEvent          = "BoundaryEvent"

	ClassInstance        = "Instance"
	ClassToken           = "Token"
	ClassVariableBinding = "VariableBinding"
	ClassTask            = "Task"
	ClassTimer           = "TimerRegistration"
	ClassAuditEntry      = "AuditEntry"
	ClassMessageWait     = "MessageWait"
	ClassJoinArrival     = "JoinArrival"
	ClassCompensable     = "Compensable"
)

// Definition predicates.
const (
	HasNode           = "hasNode"
	Name              = "name"
	Source            = "source"
	Target            = "target"
	FlowOrder         = "flowOrder"
	DefaultFlow       = "defaultFlow"
	ConditionVariable = "conditionVariable"
	ConditionOperator = "conditionOperator"
	ConditionValue    = "conditionValue"
	ConditionAsk      = "conditionAsk"
	Topic             = "topic"
	MessageName       = "messageName"
	CorrelationVar    = "correlationVariable"
	TimerDuration     = "timerDuration"
	TimerDate         = "timerDate"
	ErrorCode         = "errorCode"
	AttachedTo        = "attachedTo"
	Interrupting      = "isInterrupting"
	TerminateEnd      = "isTerminateEnd"
	CancelEnd         = "isCancelEnd"
	Transaction       = "isTransaction"
	CompensatedBy     = "compensatedBy"
	CalledProcess     = "calledProcess"
	Contains          = "contains"
	LoopSequential    = "loopSequential"
	LoopCardinality   = "loopCardinality"
	LoopCollection    = "loopCollection"
	LoopElementVar    = "loopElementVariable"
	FormSchema        = "formSchema"
	CandidateUser     = "candidateUser"
	CandidateGroup    = "candidateGroup"
)

// Runtime predicates.
const (
	OfProcess   = "ofProcess"
	OfInstance  = "ofInstance"
	OfToken     = "ofToken"
	HasToken    = "hasToken"
	State       = "state"
	StateReason = "stateReason"
	StartedAt   = "startedAt"
	CompletedAt = "completedAt"
	NextRunAt   = "nextRunAt"
	ParentToken = "parentToken"

	CurrentNode = "currentNode"
	LoopIndex   = "loopIndex"

	VarName  = "varName"
	VarValue = "varValue"
	VarScope = "varScope"

	AtNode      = "atNode"
	Assignee    = "assignee"
	FormData    = "formData"
	DueDate     = "dueDate"
	Priority    = "priority"
	CompletedBy = "completedBy"
	CreatedAt   = "createdAt"

	FireAt    = "fireAt"
	TimerKind = "timerKind"

	ViaFlow   = "viaFlow"
	AtGateway = "atGateway"

	WaitMessage   = "waitMessage"
	CorrelationID = "correlationValue"
	WaitGroup     = "waitGroup"

	Activity    = "activity"
	Handler     = "handler"
	Scope       = "scope"
	CompletedNo = "completedSeq"

	EventType = "eventType"
	Seq       = "seq"
	At        = "at"
	Details   = "details"
	User      = "user"
)
