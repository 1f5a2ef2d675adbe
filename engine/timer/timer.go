// Package timer keeps timer registrations in the graph so pending timers
// survive serialization. The execution core arms and cancels registrations;
// the scheduler polls for due ones and signals the owning tokens.
package timer

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// Registration kinds.
const (
	// KindNode is a timer catch event the token itself waits on.
	KindNode = "node"
	// KindBoundary is a timer boundary event armed on a host activity.
	KindBoundary = "boundary"
)

type (
	// Registration is one armed timer.
	Registration struct {
		URI      string
		Instance string
		Node     string
		Token    string
		FireAt   time.Time
		Kind     string
		// Group ties the registration to an event-based gateway wait
		// group, empty otherwise.
		Group string
	}

	// Manager reads and writes timer registrations.
	Manager struct {
		st graph.Store
		ns graph.Namespaces
	}
)

// NewManager returns a timer manager over the given store.
func NewManager(st graph.Store, ns graph.Namespaces) *Manager {
	return &Manager{st: st, ns: ns.Normalized()}
}

// Register arms a timer and returns its URI.
func (m *Manager) Register(instanceURI, nodeURI, tokenURI string, fireAt time.Time, kind, group string) string {
	uri := m.ns.Instance + "timer/" + uuid.NewString()
	m.st.Add(uri, graph.RDFType, m.ns.Class(vocab.ClassTimer))
	m.st.Add(uri, m.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	m.st.Add(uri, m.ns.Pred(vocab.AtNode), graph.IRI(nodeURI))
	m.st.Add(uri, m.ns.Pred(vocab.OfToken), graph.IRI(tokenURI))
	m.st.Add(uri, m.ns.Pred(vocab.FireAt), graph.Time(fireAt))
	m.st.Add(uri, m.ns.Pred(vocab.TimerKind), graph.String(kind))
	if group != "" {
		m.st.Add(uri, m.ns.Pred(vocab.WaitGroup), graph.IRI(group))
	}
	return uri
}

// Due returns every registration with fireAt at or before now, soonest
// first.
func (m *Manager) Due(now time.Time) []Registration {
	var due []Registration
	for _, r := range m.all() {
		if !r.FireAt.After(now) {
			due = append(due, r)
		}
	}
	return due
}

// Soonest returns the earliest fireAt across all registrations. The second
// result is false when no timers are armed.
func (m *Manager) Soonest() (time.Time, bool) {
	all := m.all()
	if len(all) == 0 {
		return time.Time{}, false
	}
	return all[0].FireAt, true
}

// ForToken returns the token's registrations, soonest first.
func (m *Manager) ForToken(tokenURI string) []Registration {
	var regs []Registration
	for _, r := range m.all() {
		if r.Token == tokenURI {
			regs = append(regs, r)
		}
	}
	return regs
}

// Pending reports whether the instance has any armed timers.
func (m *Manager) Pending(instanceURI string) bool {
	for _, r := range m.all() {
		if r.Instance == instanceURI {
			return true
		}
	}
	return false
}

// Get returns the registration for the given URI.
func (m *Manager) Get(registrationURI string) (Registration, bool) {
	return m.get(registrationURI)
}

// Remove disarms one registration.
func (m *Manager) Remove(registrationURI string) {
	m.st.Remove(registrationURI, "", nil)
}

// RemoveForToken disarms every registration owned by the token.
func (m *Manager) RemoveForToken(tokenURI string) {
	for _, r := range m.ForToken(tokenURI) {
		m.Remove(r.URI)
	}
}

func (m *Manager) all() []Registration {
	var regs []Registration
	for _, tr := range m.st.Triples(graph.Pattern{P: m.ns.Pred(vocab.TimerKind)}) {
		if r, ok := m.get(tr.S); ok {
			regs = append(regs, r)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if regs[i].FireAt.Equal(regs[j].FireAt) {
			return regs[i].URI < regs[j].URI
		}
		return regs[i].FireAt.Before(regs[j].FireAt)
	})
	return regs
}

func (m *Manager) get(uri string) (Registration, bool) {
	ty, ok := m.st.Value(uri, graph.RDFType)
	if !ok || !ty.Equal(m.ns.Class(vocab.ClassTimer)) {
		return Registration{}, false
	}
	r := Registration{URI: uri}
	if v, ok := m.st.Value(uri, m.ns.Pred(vocab.OfInstance)); ok {
		r.Instance = v.Value
	}
	if v, ok := m.st.Value(uri, m.ns.Pred(vocab.AtNode)); ok {
		r.Node = v.Value
	}
	if v, ok := m.st.Value(uri, m.ns.Pred(vocab.OfToken)); ok {
		r.Token = v.Value
	}
	if v, ok := m.st.Value(uri, m.ns.Pred(vocab.FireAt)); ok {
		if at, isTime := v.Native().(time.Time); isTime {
			r.FireAt = at
		}
	}
	if v, ok := m.st.Value(uri, m.ns.Pred(vocab.TimerKind)); ok {
		r.Kind = v.Value
	}
	if v, ok := m.st.Value(uri, m.ns.Pred(vocab.WaitGroup)); ok {
		r.Group = v.Value
	}
	return r, true
}
