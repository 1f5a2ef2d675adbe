// Package instance manages process instance lifecycle state and the
// per-instance variable namespace. Variables follow the XSD primitive mapping
// (boolean, integer, decimal, double, string, dateTime); unknown datatypes
// are stored as strings. Bindings may be shadowed by a token scope, which the
// engine uses for subprocess and multi-instance loop variables.
package instance

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// State is the lifecycle state of a process instance.
type State string

// Instance lifecycle states.
const (
	StateActive     State = "active"
	StateSuspended  State = "suspended"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
	StateTerminated State = "terminated"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateFailed, StateTerminated:
		return true
	}
	return false
}

type (
	// Manager reads and writes instance resources in the graph. It holds no
	// state of its own beyond the store and namespaces.
	Manager struct {
		st    graph.Store
		ns    graph.Namespaces
		clock func() time.Time
	}
)

// NewManager returns an instance manager over the given store.
func NewManager(st graph.Store, ns graph.Namespaces) *Manager {
	return &Manager{st: st, ns: ns.Normalized(), clock: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create mints a new instance of the process in state active, seeds the
// initial variables, and returns the instance URI. parentToken is non-empty
// for subprocess instances.
func (m *Manager) Create(processURI string, initial map[string]any, parentToken string) string {
	uri := m.ns.Instance + uuid.NewString()
	m.st.Add(uri, graph.RDFType, m.ns.Class(vocab.ClassInstance))
	m.st.Add(uri, m.ns.Pred(vocab.OfProcess), graph.IRI(processURI))
	m.st.Add(uri, m.ns.Pred(vocab.State), graph.String(string(StateActive)))
	m.st.Add(uri, m.ns.Pred(vocab.StartedAt), graph.Time(m.clock()))
	if parentToken != "" {
		m.st.Add(uri, m.ns.Pred(vocab.ParentToken), graph.IRI(parentToken))
	}
	for name, value := range initial {
		m.SetVariable(uri, name, value, "")
	}
	return uri
}

// Exists reports whether the URI names a known instance.
func (m *Manager) Exists(uri string) bool {
	ty, ok := m.st.Value(uri, graph.RDFType)
	return ok && ty.Equal(m.ns.Class(vocab.ClassInstance))
}

// State returns the instance's lifecycle state.
func (m *Manager) State(uri string) (State, bool) {
	v, ok := m.st.Value(uri, m.ns.Pred(vocab.State))
	if !ok {
		return "", false
	}
	return State(v.Value), true
}

// SetState transitions the instance and returns the previous state. Terminal
// states are sticky: transitioning out of one returns an error.
func (m *Manager) SetState(uri string, s State, reason string) (State, error) {
	old, ok := m.State(uri)
	if !ok {
		return "", fmt.Errorf("unknown instance %s", uri)
	}
	if old.Terminal() && old != s {
		return old, fmt.Errorf("instance %s is %s and cannot become %s", uri, old, s)
	}
	m.st.Set(uri, m.ns.Pred(vocab.State), graph.String(string(s)))
	if reason != "" {
		m.st.Set(uri, m.ns.Pred(vocab.StateReason), graph.String(reason))
	}
	if s.Terminal() {
		m.st.Set(uri, m.ns.Pred(vocab.CompletedAt), graph.Time(m.clock()))
	}
	return old, nil
}

// Process returns the process URI the instance enacts.
func (m *Manager) Process(uri string) string {
	v, _ := m.st.Value(uri, m.ns.Pred(vocab.OfProcess))
	return v.Value
}

// ParentToken returns the parent token URI for subprocess instances, empty
// for top-level instances.
func (m *Manager) ParentToken(uri string) string {
	v, _ := m.st.Value(uri, m.ns.Pred(vocab.ParentToken))
	return v.Value
}

// SetNextRunAt records when the scheduler should next pick up the instance.
func (m *Manager) SetNextRunAt(uri string, at time.Time) {
	m.st.Set(uri, m.ns.Pred(vocab.NextRunAt), graph.Time(at))
}

// ClearNextRunAt removes the scheduler mark.
func (m *Manager) ClearNextRunAt(uri string) {
	m.st.Remove(uri, m.ns.Pred(vocab.NextRunAt), nil)
}

// DueInstances returns instances whose nextRunAt is at or before now.
func (m *Manager) DueInstances(now time.Time) []string {
	var due []string
	for _, tr := range m.st.Triples(graph.Pattern{P: m.ns.Pred(vocab.NextRunAt)}) {
		at, ok := tr.O.Native().(time.Time)
		if !ok || at.After(now) {
			continue
		}
		due = append(due, tr.S)
	}
	return due
}

// InState returns every instance currently in the given state.
func (m *Manager) InState(s State) []string {
	return m.st.Subjects(m.ns.Pred(vocab.State), graph.String(string(s)))
}
