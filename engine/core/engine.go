// Package core implements the token-based execution state machine: the step
// loop that drives process instances across nodes and gateways, dispatching
// to topic handlers, suspending on user tasks, messages, and timers, and
// routing errors to boundary events. All runtime state lives in the graph;
// the engine holds only URIs and the managers that read them.
package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spear-engine/spear/engine/audit"
	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/gateway"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/hooks"
	"github.com/spear-engine/spear/engine/instance"
	"github.com/spear-engine/spear/engine/task"
	"github.com/spear-engine/spear/engine/telemetry"
	"github.com/spear-engine/spear/engine/timer"
	"github.com/spear-engine/spear/engine/token"
	"github.com/spear-engine/spear/engine/topics"
)

// Reserved error codes raised by the engine itself. They route through
// boundary events like handler codes; uncaught they fail the instance.
const (
	// CodeInvalidDefinition marks structural definition errors discovered
	// at execution time, such as a subprocess without a start event.
	CodeInvalidDefinition = "InvalidDefinition"
	// CodeSubprocessFailed propagates a failed call-activity child into
	// the parent instance.
	CodeSubprocessFailed = "SubprocessFailed"
)

type (
	// Options configures a new Engine. Store is required; everything else
	// defaults to a working in-process setup.
	Options struct {
		// Store holds the definition and runtime graphs.
		Store graph.Store
		// Namespaces overrides the URI prefixes, DefaultNamespaces when
		// zero.
		Namespaces graph.Namespaces
		// Bus receives every engine event. A fresh in-memory bus is
		// created when nil.
		Bus hooks.Bus
		// Topics supplies service-task handlers. A fresh empty registry
		// is created when nil.
		Topics *topics.Registry
		// Logger, Metrics, and Tracer default to no-op implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// Clock overrides the wall clock, for tests.
		Clock func() time.Time
		// DisableAudit skips registering the audit recorder on the bus.
		DisableAudit bool
		// Persister, when set, is invoked after every entry point once the
		// affected instances are quiescent. A persist failure is logged,
		// never surfaced to the caller: the graph state is already
		// committed.
		Persister Persister
	}

	// Persister saves the engine's graph after quiescence. Implementations
	// typically serialize the store to an external snapshot backend.
	Persister interface {
		Persist(ctx context.Context) error
	}

	// PersisterFunc adapts a function to the Persister interface.
	PersisterFunc func(ctx context.Context) error

	// Engine drives process instances. Each instance executes on a
	// logical lane: the step loop runs to quiescence under the lane lock,
	// and external inputs (CompleteTask, DeliverMessage, timer fires)
	// serialize on it.
	Engine struct {
		st      graph.Store
		ns      graph.Namespaces
		bus     hooks.Bus
		topics  *topics.Registry
		insts   *instance.Manager
		tokens  *token.Manager
		tasks   *task.Manager
		timers  *timer.Manager
		audit   *audit.Recorder
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		clock   func() time.Time
		persist Persister

		mu    sync.Mutex
		lanes map[string]*sync.Mutex
		defs  map[string]*definition.Index
	}

	// wake is a deferred parent-lane resumption queued while a child
	// scope completes. Wakes drain after the current lane is released so
	// two lanes are never held at once.
	wake struct {
		instance string // parent instance
		token    string // parent token at the call activity
		child    string // completed child instance
	}

	// session carries the state of one entry-point invocation: the engine
	// plus the wakes collected while lanes were held.
	session struct {
		e     *Engine
		wakes []wake
	}
)

// NewEngine constructs an engine from the given options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	ns := opts.Namespaces
	if ns == (graph.Namespaces{}) {
		ns = graph.DefaultNamespaces()
	}
	ns = ns.Normalized()
	bus := opts.Bus
	if bus == nil {
		bus = hooks.NewBus()
	}
	reg := opts.Topics
	if reg == nil {
		reg = topics.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	e := &Engine{
		st:      opts.Store,
		ns:      ns,
		bus:     bus,
		topics:  reg,
		insts:   instance.NewManager(opts.Store, ns).WithClock(clock),
		tokens:  token.NewManager(opts.Store, ns),
		tasks:   task.NewManager(opts.Store, ns).WithClock(clock),
		timers:  timer.NewManager(opts.Store, ns),
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		clock:   clock,
		persist: opts.Persister,
		lanes:   make(map[string]*sync.Mutex),
		defs:    make(map[string]*definition.Index),
	}
	if !opts.DisableAudit {
		e.audit = audit.NewRecorder(opts.Store, ns)
		if _, err := bus.Subscribe(e.audit); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Store returns the underlying graph store.
func (e *Engine) Store() graph.Store { return e.st }

// Namespaces returns the configured URI prefixes.
func (e *Engine) Namespaces() graph.Namespaces { return e.ns }

// Bus returns the event bus.
func (e *Engine) Bus() hooks.Bus { return e.bus }

// Topics returns the topic registry.
func (e *Engine) Topics() *topics.Registry { return e.topics }

// Instances returns the instance manager.
func (e *Engine) Instances() *instance.Manager { return e.insts }

// Tokens returns the token manager.
func (e *Engine) Tokens() *token.Manager { return e.tokens }

// Tasks returns the task manager.
func (e *Engine) Tasks() *task.Manager { return e.tasks }

// Timers returns the timer registry.
func (e *Engine) Timers() *timer.Manager { return e.timers }

// Audit returns the audit recorder, nil when auditing is disabled.
func (e *Engine) Audit() *audit.Recorder { return e.audit }

// LoadDefinition indexes the process definition and caches the index. Call
// again after mutating a definition subgraph.
func (e *Engine) LoadDefinition(processURI string) (*definition.Index, error) {
	idx, err := definition.Build(e.st, e.ns, processURI)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.defs[processURI] = idx
	e.mu.Unlock()
	return idx, nil
}

// indexFor returns the cached index for the process, building it on first
// use.
func (e *Engine) indexFor(processURI string) (*definition.Index, error) {
	e.mu.Lock()
	idx, ok := e.defs[processURI]
	e.mu.Unlock()
	if ok {
		return idx, nil
	}
	return e.LoadDefinition(processURI)
}

// lockInstance acquires the instance's execution lane and returns the
// release function.
func (e *Engine) lockInstance(instanceURI string) func() {
	e.mu.Lock()
	l, ok := e.lanes[instanceURI]
	if !ok {
		l = &sync.Mutex{}
		e.lanes[instanceURI] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) publish(ctx context.Context, event hooks.Event) error {
	return e.bus.Publish(ctx, event)
}

func (e *Engine) evaluator(idx *definition.Index) *gateway.Evaluator {
	return gateway.NewEvaluator(e.st, e.ns, idx, e.insts)
}

// applyVariables writes a handler or payload variable map into the
// instance, publishing a VariableSet event per name. Each write goes to the
// innermost token scope that already binds the name, falling back to the
// instance-global scope, so loop element variables update in place while new
// names become global.
func (e *Engine) applyVariables(ctx context.Context, instanceURI, scopeToken string, vars map[string]any) error {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		scope := e.resolveWriteScope(instanceURI, name, scopeToken)
		e.insts.SetVariable(instanceURI, name, vars[name], scope)
		if err := e.publish(ctx, hooks.NewVariableSetEvent(instanceURI, name, vars[name], scope)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) resolveWriteScope(instanceURI, name, scopeToken string) string {
	for tok := scopeToken; tok != ""; tok = e.tokens.Parent(tok) {
		if e.insts.HasBinding(instanceURI, name, tok) {
			return tok
		}
	}
	return ""
}

// Persist implements Persister.
func (f PersisterFunc) Persist(ctx context.Context) error { return f(ctx) }

// checkpoint invokes the configured persister, logging failures.
func (e *Engine) checkpoint(ctx context.Context) {
	if e.persist == nil {
		return
	}
	if err := e.persist.Persist(ctx); err != nil {
		e.logger.Error(ctx, "graph persist failed", "err", err)
	}
}

func (e *Engine) newSession() *session {
	return &session{e: e}
}
