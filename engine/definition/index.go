// Package definition provides the read-only index over a loaded process
// definition subgraph. The index is built once per process and gives the
// execution core O(1) access to node descriptors, sequence flows, condition
// expressions, and boundary event attachments. Node kinds are a tagged
// variant, so the step loop dispatches on a Kind value rather than matching
// type IRIs ad hoc.
package definition

import (
	"fmt"
	"sort"
	"time"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// Kind identifies the BPMN node variant of a definition node.
type Kind int

// Node kinds.
const (
	KindUnknown Kind = iota
	KindStartEvent
	KindEndEvent
	KindServiceTask
	KindUserTask
	KindScriptTask
	KindReceiveTask
	KindExclusiveGateway
	KindParallelGateway
	KindInclusiveGateway
	KindEventBasedGateway
	KindIntermediateCatchEvent
	KindIntermediateThrowEvent
	KindSubprocess
	KindCallActivity
	KindBoundaryEvent
)

var kindNames = map[Kind]string{
	KindUnknown:                "Unknown",
	KindStartEvent:             vocab.ClassStartEvent,
	KindEndEvent:               vocab.ClassEndEvent,
	KindServiceTask:            vocab.ClassServiceTask,
	KindUserTask:               vocab.ClassUserTask,
	KindScriptTask:             vocab.ClassScriptTask,
	KindReceiveTask:            vocab.ClassReceiveTask,
	KindExclusiveGateway:       vocab.ClassExclusiveGateway,
	KindParallelGateway:        vocab.ClassParallelGateway,
	KindInclusiveGateway:       vocab.ClassInclusiveGateway,
	KindEventBasedGateway:      vocab.ClassEventBasedGateway,
	KindIntermediateCatchEvent: vocab.ClassIntermediateCatchEvent,
	KindIntermediateThrowEvent: vocab.ClassIntermediateThrowEvent,
	KindSubprocess:             vocab.ClassSubprocess,
	KindCallActivity:           vocab.ClassCallActivity,
	KindBoundaryEvent:          vocab.ClassBoundaryEvent,
}

// String returns the vocabulary class name for the kind.
func (k Kind) String() string { return kindNames[k] }

// IsGateway reports whether the kind is one of the gateway variants.
func (k Kind) IsGateway() bool {
	switch k {
	case KindExclusiveGateway, KindParallelGateway, KindInclusiveGateway, KindEventBasedGateway:
		return true
	}
	return false
}

// IsActivity reports whether boundary events may attach to this kind.
func (k Kind) IsActivity() bool {
	switch k {
	case KindServiceTask, KindUserTask, KindScriptTask, KindReceiveTask, KindSubprocess, KindCallActivity:
		return true
	}
	return false
}

type (
	// Condition is the routing expression attached to a sequence flow. Either
	// the structured triple (Variable/Operator/Value) or the ASK query may be
	// set; when both are present the ASK query wins. A condition with neither
	// evaluates to true.
	Condition struct {
		Variable string
		Operator string
		Value    graph.Term
		Ask      string
	}

	// Flow is one sequence flow in definition order.
	Flow struct {
		URI       string
		Source    string
		Target    string
		Condition *Condition
	}

	// Loop describes multi-instance characteristics of an activity.
	Loop struct {
		// Sequential selects one-at-a-time iteration instead of parallel.
		Sequential bool
		// Cardinality is the fixed iteration count; zero means the collection
		// variable drives the count.
		Cardinality int
		// Collection names an instance variable holding a JSON array.
		Collection string
		// ElementVariable is the token-scoped name bound to each element.
		ElementVariable string
	}

	// Node is the tagged descriptor the step loop dispatches on.
	Node struct {
		URI  string
		Kind Kind
		Name string

		// Topic is the service/script task handler key.
		Topic string
		// MessageName is set for receive tasks, message catch/throw events,
		// and message boundary events.
		MessageName string
		// CorrelationVariable names the instance variable whose value must
		// match an inbound message's correlation key.
		CorrelationVariable string
		// TimerDuration is the ISO-8601 relative timer, zero when unset.
		TimerDuration time.Duration
		// TimerDate is the absolute timer fire time, zero when unset.
		TimerDate time.Time
		// ErrorCode is set for error boundary events and error throw events.
		ErrorCode string
		// AttachedTo references the host activity of a boundary event.
		AttachedTo string
		// Interrupting marks a boundary event as cancelling its host.
		Interrupting bool
		// TerminateEnd marks a terminate end event.
		TerminateEnd bool
		// CancelEnd marks a cancel end event inside a transaction subprocess.
		CancelEnd bool
		// Transaction marks a subprocess as a transaction scope.
		Transaction bool
		// CompensatedBy references the compensation handler activity.
		CompensatedBy string
		// CalledProcess is the target process of a call activity.
		CalledProcess string
		// FormSchema is the JSON schema for user task form data, if any.
		FormSchema string
		// CandidateUsers and CandidateGroups seed user task assignment.
		CandidateUsers  []string
		CandidateGroups []string
		// Loop holds multi-instance characteristics, nil for plain activities.
		Loop *Loop

		Outgoing    []Flow
		Incoming    []Flow
		DefaultFlow string
		// EnclosedBy is the directly enclosing subprocess, empty at top level.
		EnclosedBy string
	}

	// Index is the immutable lookup structure over one process definition.
	Index struct {
		process string
		nodes   map[string]*Node
		flows   map[string]*Flow
		// boundary maps host activity URI to attached boundary events.
		boundary map[string][]*Node
		starts   []*Node
	}
)

// Build constructs the index for the given process. The definition subgraph is
// treated as immutable for the life of the index; rebuild after mutating it.
func Build(st graph.Store, ns graph.Namespaces, processURI string) (*Index, error) {
	idx := &Index{
		process:  processURI,
		nodes:    make(map[string]*Node),
		flows:    make(map[string]*Flow),
		boundary: make(map[string][]*Node),
	}
	for _, t := range st.Values(processURI, ns.Pred(vocab.HasNode)) {
		if !t.IsIRI() {
			continue
		}
		n, err := readNode(st, ns, t.Value)
		if err != nil {
			return nil, err
		}
		idx.nodes[n.URI] = n
	}
	if len(idx.nodes) == 0 {
		return nil, fmt.Errorf("process %s has no nodes", processURI)
	}

	// Wire flows after all nodes exist; edges derive from flow sources.
	flowSubjects := st.Subjects(graph.RDFType, ns.Class(vocab.ClassSequenceFlow))
	type orderedFlow struct {
		flow  *Flow
		order int64
	}
	bySource := make(map[string][]orderedFlow)
	for _, fURI := range flowSubjects {
		src, _ := st.Value(fURI, ns.Pred(vocab.Source))
		dst, _ := st.Value(fURI, ns.Pred(vocab.Target))
		if _, ok := idx.nodes[src.Value]; !ok {
			continue // flow belongs to another process
		}
		fl := &Flow{URI: fURI, Source: src.Value, Target: dst.Value, Condition: readCondition(st, ns, fURI)}
		idx.flows[fURI] = fl
		var ord int64
		if o, ok := st.Value(fURI, ns.Pred(vocab.FlowOrder)); ok {
			if n, isInt := o.Native().(int64); isInt {
				ord = n
			}
		}
		bySource[src.Value] = append(bySource[src.Value], orderedFlow{flow: fl, order: ord})
	}
	for src, flows := range bySource {
		sort.SliceStable(flows, func(i, j int) bool {
			if flows[i].order != flows[j].order {
				return flows[i].order < flows[j].order
			}
			return flows[i].flow.URI < flows[j].flow.URI
		})
		n := idx.nodes[src]
		for _, of := range flows {
			n.Outgoing = append(n.Outgoing, *of.flow)
			if tgt, ok := idx.nodes[of.flow.Target]; ok {
				tgt.Incoming = append(tgt.Incoming, *of.flow)
			}
		}
	}

	for _, n := range idx.nodes {
		switch n.Kind {
		case KindStartEvent:
			idx.starts = append(idx.starts, n)
		case KindBoundaryEvent:
			if n.AttachedTo != "" {
				idx.boundary[n.AttachedTo] = append(idx.boundary[n.AttachedTo], n)
			}
		}
	}
	sort.Slice(idx.starts, func(i, j int) bool { return idx.starts[i].URI < idx.starts[j].URI })

	if err := idx.validate(); err != nil {
		return nil, err
	}
	return idx, nil
}

func readNode(st graph.Store, ns graph.Namespaces, uri string) (*Node, error) {
	n := &Node{URI: uri, Kind: KindUnknown}
	for _, t := range st.Values(uri, graph.RDFType) {
		for k, name := range kindNames {
			if k != KindUnknown && t.Value == ns.Vocab+name {
				n.Kind = k
			}
		}
	}
	if n.Kind == KindUnknown {
		return nil, fmt.Errorf("node %s has no recognized type", uri)
	}
	str := func(pred string) string {
		if v, ok := st.Value(uri, ns.Pred(pred)); ok {
			return v.Value
		}
		return ""
	}
	boolean := func(pred string) bool {
		v, ok := st.Value(uri, ns.Pred(pred))
		if !ok {
			return false
		}
		b, _ := v.Native().(bool)
		return b
	}
	n.Name = str(vocab.Name)
	n.Topic = str(vocab.Topic)
	n.MessageName = str(vocab.MessageName)
	n.CorrelationVariable = str(vocab.CorrelationVar)
	n.ErrorCode = str(vocab.ErrorCode)
	n.AttachedTo = str(vocab.AttachedTo)
	n.Interrupting = boolean(vocab.Interrupting)
	n.TerminateEnd = boolean(vocab.TerminateEnd)
	n.CancelEnd = boolean(vocab.CancelEnd)
	n.Transaction = boolean(vocab.Transaction)
	n.CompensatedBy = str(vocab.CompensatedBy)
	n.CalledProcess = str(vocab.CalledProcess)
	n.FormSchema = str(vocab.FormSchema)
	n.DefaultFlow = str(vocab.DefaultFlow)
	for _, t := range st.Values(uri, ns.Pred(vocab.CandidateUser)) {
		n.CandidateUsers = append(n.CandidateUsers, t.Value)
	}
	for _, t := range st.Values(uri, ns.Pred(vocab.CandidateGroup)) {
		n.CandidateGroups = append(n.CandidateGroups, t.Value)
	}
	if d := str(vocab.TimerDuration); d != "" {
		dur, err := graph.ParseDuration(d)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", uri, err)
		}
		n.TimerDuration = dur
	}
	if v, ok := st.Value(uri, ns.Pred(vocab.TimerDate)); ok {
		if ts, isTime := v.Native().(time.Time); isTime {
			n.TimerDate = ts
		}
	}
	if card, hasCard := st.Value(uri, ns.Pred(vocab.LoopCardinality)); hasCard {
		n.Loop = &Loop{}
		if c, isInt := card.Native().(int64); isInt {
			n.Loop.Cardinality = int(c)
		}
	}
	if coll := str(vocab.LoopCollection); coll != "" {
		if n.Loop == nil {
			n.Loop = &Loop{}
		}
		n.Loop.Collection = coll
	}
	if n.Loop != nil {
		n.Loop.Sequential = boolean(vocab.LoopSequential)
		n.Loop.ElementVariable = str(vocab.LoopElementVar)
		if n.Loop.ElementVariable == "" {
			n.Loop.ElementVariable = "loopItem"
		}
	}
	// Enclosure: the subject containing this node, if any.
	if parents := st.Subjects(ns.Pred(vocab.Contains), graph.IRI(uri)); len(parents) > 0 {
		n.EnclosedBy = parents[0]
	}
	return n, nil
}

func readCondition(st graph.Store, ns graph.Namespaces, flowURI string) *Condition {
	var c Condition
	if v, ok := st.Value(flowURI, ns.Pred(vocab.ConditionAsk)); ok {
		c.Ask = v.Value
	}
	if v, ok := st.Value(flowURI, ns.Pred(vocab.ConditionVariable)); ok {
		c.Variable = v.Value
		if op, hasOp := st.Value(flowURI, ns.Pred(vocab.ConditionOperator)); hasOp {
			c.Operator = op.Value
		}
		if val, hasVal := st.Value(flowURI, ns.Pred(vocab.ConditionValue)); hasVal {
			c.Value = val
		}
	}
	if c.Ask == "" && c.Variable == "" {
		return nil
	}
	return &c
}

// Process returns the process URI the index was built for.
func (x *Index) Process() string { return x.process }

// Node returns the descriptor for the given node URI.
func (x *Index) Node(uri string) (*Node, bool) {
	n, ok := x.nodes[uri]
	return n, ok
}

// NodeKind returns the kind for the given node, KindUnknown when absent.
func (x *Index) NodeKind(uri string) Kind {
	if n, ok := x.nodes[uri]; ok {
		return n.Kind
	}
	return KindUnknown
}

// OutgoingFlows returns the node's outgoing flows in definition order.
func (x *Index) OutgoingFlows(uri string) []Flow {
	if n, ok := x.nodes[uri]; ok {
		return n.Outgoing
	}
	return nil
}

// IncomingFlows returns the node's incoming flows.
func (x *Index) IncomingFlows(uri string) []Flow {
	if n, ok := x.nodes[uri]; ok {
		return n.Incoming
	}
	return nil
}

// DefaultFlow returns the URI of the node's default flow, empty when unset.
func (x *Index) DefaultFlow(uri string) string {
	if n, ok := x.nodes[uri]; ok {
		return n.DefaultFlow
	}
	return ""
}

// ConditionOf returns the condition attached to a flow, nil for none.
func (x *Index) ConditionOf(flowURI string) *Condition {
	if f, ok := x.flows[flowURI]; ok {
		return f.Condition
	}
	return nil
}

// Flow returns the flow descriptor for the given URI.
func (x *Index) Flow(uri string) (*Flow, bool) {
	f, ok := x.flows[uri]
	return f, ok
}

// BoundaryEventsOf returns the boundary events attached to the activity.
func (x *Index) BoundaryEventsOf(activityURI string) []*Node {
	return x.boundary[activityURI]
}

// StartEvent returns the default start event of the process. When id is
// non-empty it selects the start event with that URI instead.
func (x *Index) StartEvent(id string) (*Node, error) {
	if id != "" {
		n, ok := x.nodes[id]
		if !ok || n.Kind != KindStartEvent {
			return nil, fmt.Errorf("no start event %s in process %s", id, x.process)
		}
		return n, nil
	}
	// Prefer top-level start events; subprocess starts are reached via their
	// enclosing activity.
	for _, s := range x.starts {
		if s.EnclosedBy == "" {
			return s, nil
		}
	}
	return nil, fmt.Errorf("process %s has no start event", x.process)
}

// SubprocessStart returns the start event enclosed by the given subprocess.
func (x *Index) SubprocessStart(subprocessURI string) (*Node, error) {
	for _, s := range x.starts {
		if s.EnclosedBy == subprocessURI {
			return s, nil
		}
	}
	return nil, fmt.Errorf("subprocess %s has no start event", subprocessURI)
}

// EnclosureChain returns the chain of enclosing subprocesses from the node
// outward, innermost first.
func (x *Index) EnclosureChain(nodeURI string) []string {
	var chain []string
	n, ok := x.nodes[nodeURI]
	if !ok {
		return nil
	}
	for cur := n.EnclosedBy; cur != ""; {
		chain = append(chain, cur)
		parent, exists := x.nodes[cur]
		if !exists {
			break
		}
		cur = parent.EnclosedBy
	}
	return chain
}

// ErrorHandlerFor finds the nearest error boundary event matching the code,
// walking up the subprocess enclosure chain from the source node. The code
// "*" on a boundary event matches any thrown code but loses to an exact match
// in the same scope. Returns nil when no handler exists in the process.
func (x *Index) ErrorHandlerFor(nodeURI, code string) *Node {
	scopes := append([]string{nodeURI}, x.EnclosureChain(nodeURI)...)
	for _, scope := range scopes {
		var catchAll *Node
		for _, be := range x.boundary[scope] {
			if be.ErrorCode == "" {
				continue // timer or message boundary
			}
			if be.ErrorCode == code {
				return be
			}
			if be.ErrorCode == "*" {
				catchAll = be
			}
		}
		if catchAll != nil {
			return catchAll
		}
	}
	return nil
}

// Nodes returns every node descriptor, in unspecified order.
func (x *Index) Nodes() []*Node {
	out := make([]*Node, 0, len(x.nodes))
	for _, n := range x.nodes {
		out = append(out, n)
	}
	return out
}

// validate checks the structural invariants of the definition.
func (x *Index) validate() error {
	// Compensation handlers sit off the normal flow; they are reached by
	// association, not by sequence flows.
	handlers := make(map[string]struct{})
	for _, n := range x.nodes {
		if n.CompensatedBy != "" {
			handlers[n.CompensatedBy] = struct{}{}
		}
	}
	for _, n := range x.nodes {
		if _, isHandler := handlers[n.URI]; isHandler {
			continue
		}
		switch n.Kind {
		case KindStartEvent, KindBoundaryEvent:
			// No incoming flow required.
		default:
			if len(n.Incoming) == 0 {
				return fmt.Errorf("node %s has no incoming flow", n.URI)
			}
		}
		switch n.Kind {
		case KindEndEvent:
			// No outgoing flow required.
		default:
			if len(n.Outgoing) == 0 {
				return fmt.Errorf("node %s has no outgoing flow", n.URI)
			}
		}
		if n.Kind == KindBoundaryEvent {
			if _, ok := x.nodes[n.AttachedTo]; !ok {
				return fmt.Errorf("boundary event %s references missing activity %s", n.URI, n.AttachedTo)
			}
		}
	}
	return nil
}
