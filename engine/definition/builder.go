package definition

import (
	"fmt"
	"time"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

type (
	// Builder writes a process definition subgraph. Definitions normally
	// arrive pre-loaded in the store; the builder exists for embedders that
	// assemble processes in code and for tests.
	Builder struct {
		st      graph.Store
		ns      graph.Namespaces
		process string
		flowSeq int
	}

	// NodeOption customizes a node added through the builder.
	NodeOption func(b *Builder, uri string)

	// FlowOption customizes a sequence flow.
	FlowOption func(b *Builder, uri string)
)

// NewBuilder starts a definition for the given process URI.
func NewBuilder(st graph.Store, ns graph.Namespaces, processURI string) *Builder {
	ns = ns.Normalized()
	st.Add(processURI, graph.RDFType, ns.Class(vocab.ClassProcess))
	return &Builder{st: st, ns: ns, process: processURI}
}

// Process returns the process URI under construction.
func (b *Builder) Process() string { return b.process }

// Node adds a node of the given kind and returns its URI.
func (b *Builder) Node(uri string, kind Kind, opts ...NodeOption) string {
	b.st.Add(uri, graph.RDFType, b.ns.Class(kind.String()))
	b.st.Add(b.process, b.ns.Pred(vocab.HasNode), graph.IRI(uri))
	for _, opt := range opts {
		opt(b, uri)
	}
	return uri
}

// Flow connects source to target with an optional condition. Flows are
// ordered by insertion; the order is what exclusive gateways evaluate in.
func (b *Builder) Flow(source, target string, opts ...FlowOption) string {
	b.flowSeq++
	uri := fmt.Sprintf("%s/flow/%d", b.process, b.flowSeq)
	b.st.Add(uri, graph.RDFType, b.ns.Class(vocab.ClassSequenceFlow))
	b.st.Add(uri, b.ns.Pred(vocab.Source), graph.IRI(source))
	b.st.Add(uri, b.ns.Pred(vocab.Target), graph.IRI(target))
	b.st.Add(uri, b.ns.Pred(vocab.FlowOrder), graph.Int(int64(b.flowSeq)))
	for _, opt := range opts {
		opt(b, uri)
	}
	return uri
}

// DefaultFlow marks an existing flow as the default of its source gateway.
func (b *Builder) DefaultFlow(source, flowURI string) {
	b.st.Set(source, b.ns.Pred(vocab.DefaultFlow), graph.IRI(flowURI))
}

// Contains records that parent (a subprocess) encloses child. Enclosed nodes
// still belong to the process node set.
func (b *Builder) Contains(parent, child string) {
	b.st.Add(parent, b.ns.Pred(vocab.Contains), graph.IRI(child))
}

// Build indexes the definition written so far.
func (b *Builder) Build() (*Index, error) {
	return Build(b.st, b.ns, b.process)
}

// WithName sets the display name of a node.
func WithName(name string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.Name), graph.String(name))
	}
}

// WithTopic sets the service/script task handler topic.
func WithTopic(topic string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.Topic), graph.String(topic))
	}
}

// WithMessage sets the message name (and optional correlation variable) a
// node waits for or throws.
func WithMessage(name, correlationVariable string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.MessageName), graph.String(name))
		if correlationVariable != "" {
			b.st.Set(uri, b.ns.Pred(vocab.CorrelationVar), graph.String(correlationVariable))
		}
	}
}

// WithTimerDuration sets a relative ISO-8601 timer on the node.
func WithTimerDuration(iso string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.TimerDuration), graph.String(iso))
	}
}

// WithTimerDate sets an absolute timer on the node.
func WithTimerDate(at time.Time) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.TimerDate), graph.Time(at))
	}
}

// WithErrorCode sets the error code of an error boundary or throw event.
// Use "*" for a catch-all boundary.
func WithErrorCode(code string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.ErrorCode), graph.String(code))
	}
}

// AttachedTo attaches a boundary event to its host activity.
func AttachedTo(activity string, interrupting bool) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.AttachedTo), graph.IRI(activity))
		b.st.Set(uri, b.ns.Pred(vocab.Interrupting), graph.Bool(interrupting))
	}
}

// Terminate marks an end event as terminating the whole instance.
func Terminate() NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.TerminateEnd), graph.Bool(true))
	}
}

// CancelEnd marks an end event as a cancel end inside a transaction.
func CancelEnd() NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.CancelEnd), graph.Bool(true))
	}
}

// Transaction marks a subprocess as a transaction scope.
func Transaction() NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.Transaction), graph.Bool(true))
	}
}

// CompensatedBy declares the compensation handler activity for a node.
func CompensatedBy(handler string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.CompensatedBy), graph.IRI(handler))
	}
}

// Calls sets the target process of a call activity.
func Calls(processURI string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.CalledProcess), graph.IRI(processURI))
	}
}

// WithFormSchema attaches a JSON schema validated on task completion.
func WithFormSchema(schemaJSON string) NodeOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.FormSchema), graph.String(schemaJSON))
	}
}

// WithCandidates seeds candidate users and groups of a user task.
func WithCandidates(users, groups []string) NodeOption {
	return func(b *Builder, uri string) {
		for _, u := range users {
			b.st.Add(uri, b.ns.Pred(vocab.CandidateUser), graph.String(u))
		}
		for _, g := range groups {
			b.st.Add(uri, b.ns.Pred(vocab.CandidateGroup), graph.String(g))
		}
	}
}

// WithLoop sets multi-instance characteristics on an activity. Cardinality
// zero means the collection variable drives the iteration count.
func WithLoop(l Loop) NodeOption {
	return func(b *Builder, uri string) {
		if l.Cardinality > 0 {
			b.st.Set(uri, b.ns.Pred(vocab.LoopCardinality), graph.Int(int64(l.Cardinality)))
		}
		if l.Collection != "" {
			b.st.Set(uri, b.ns.Pred(vocab.LoopCollection), graph.String(l.Collection))
		}
		if l.Sequential {
			b.st.Set(uri, b.ns.Pred(vocab.LoopSequential), graph.Bool(true))
		}
		if l.ElementVariable != "" {
			b.st.Set(uri, b.ns.Pred(vocab.LoopElementVar), graph.String(l.ElementVariable))
		}
	}
}

// WithCondition attaches a structured condition to a flow.
func WithCondition(variable, operator string, value any) FlowOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.ConditionVariable), graph.String(variable))
		b.st.Set(uri, b.ns.Pred(vocab.ConditionOperator), graph.String(operator))
		b.st.Set(uri, b.ns.Pred(vocab.ConditionValue), graph.FromValue(value))
	}
}

// WithAsk attaches a SPARQL ASK condition to a flow. ?instance is bound to
// the instance URI at evaluation time. When both a structured condition and
// an ASK query are present, the ASK query wins.
func WithAsk(query string) FlowOption {
	return func(b *Builder, uri string) {
		b.st.Set(uri, b.ns.Pred(vocab.ConditionAsk), graph.String(query))
	}
}
