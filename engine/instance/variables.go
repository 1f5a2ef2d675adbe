package instance

import (
	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// Variable bindings live as their own resources so a (name, scope) pair can
// be replaced atomically and so serialization round-trips them unchanged.
// A binding with an empty scope is instance-global; a binding scoped to a
// token URI shadows the global one for that token and its descendants.

// SetVariable writes the binding for name in the given scope, replacing any
// previous binding with the same (instance, name, scope) key. scopeToken is
// empty for instance-global variables. Values are coerced through the XSD
// datatype mapping; Go types without a mapping are stored as their string
// form.
func (m *Manager) SetVariable(instanceURI, name string, value any, scopeToken string) {
	term := graph.FromValue(value)
	for _, uri := range m.bindingURIs(instanceURI, name) {
		if m.bindingScope(uri) == scopeToken {
			m.st.Remove(uri, "", nil)
		}
	}
	uri := m.ns.Variable + uuid.NewString()
	m.st.Add(uri, graph.RDFType, m.ns.Class(vocab.ClassVariableBinding))
	m.st.Add(uri, m.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	m.st.Add(uri, m.ns.Pred(vocab.VarName), graph.String(name))
	m.st.Add(uri, m.ns.Pred(vocab.VarValue), term)
	if scopeToken != "" {
		m.st.Add(uri, m.ns.Pred(vocab.VarScope), graph.IRI(scopeToken))
	}
}

// GetVariable resolves name for the given token scope: the token's own scope
// is consulted first, then each ancestor scope up the parent-token chain, and
// finally the instance-global binding. The second result reports whether any
// binding was found.
func (m *Manager) GetVariable(instanceURI, name, scopeToken string) (graph.Term, bool) {
	byScope := make(map[string]graph.Term)
	for _, uri := range m.bindingURIs(instanceURI, name) {
		if v, ok := m.st.Value(uri, m.ns.Pred(vocab.VarValue)); ok {
			byScope[m.bindingScope(uri)] = v
		}
	}
	for tok := scopeToken; tok != ""; tok = m.tokenParent(tok) {
		if v, ok := byScope[tok]; ok {
			return v, true
		}
	}
	v, ok := byScope[""]
	return v, ok
}

// Variables returns the instance's variable map as seen from the given scope,
// with values converted to native Go types.
func (m *Manager) Variables(instanceURI, scopeToken string) map[string]any {
	names := make(map[string]struct{})
	for _, uri := range m.st.Subjects(m.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI)) {
		if ty, ok := m.st.Value(uri, graph.RDFType); !ok || !ty.Equal(m.ns.Class(vocab.ClassVariableBinding)) {
			continue
		}
		if n, ok := m.st.Value(uri, m.ns.Pred(vocab.VarName)); ok {
			names[n.Value] = struct{}{}
		}
	}
	vars := make(map[string]any, len(names))
	for name := range names {
		if v, ok := m.GetVariable(instanceURI, name, scopeToken); ok {
			vars[name] = v.Native()
		}
	}
	return vars
}

// HasBinding reports whether name has a binding in exactly the given scope,
// with no chain walking.
func (m *Manager) HasBinding(instanceURI, name, scopeToken string) bool {
	for _, uri := range m.bindingURIs(instanceURI, name) {
		if m.bindingScope(uri) == scopeToken {
			return true
		}
	}
	return false
}

// RemoveScope drops every binding scoped to the given token. Called when a
// loop iteration or subprocess scope ends.
func (m *Manager) RemoveScope(instanceURI, scopeToken string) {
	for _, uri := range m.st.Subjects(m.ns.Pred(vocab.VarScope), graph.IRI(scopeToken)) {
		if of, ok := m.st.Value(uri, m.ns.Pred(vocab.OfInstance)); ok && of.Value == instanceURI {
			m.st.Remove(uri, "", nil)
		}
	}
}

func (m *Manager) bindingURIs(instanceURI, name string) []string {
	var uris []string
	for _, uri := range m.st.Subjects(m.ns.Pred(vocab.VarName), graph.String(name)) {
		of, ok := m.st.Value(uri, m.ns.Pred(vocab.OfInstance))
		if ok && of.Value == instanceURI {
			uris = append(uris, uri)
		}
	}
	return uris
}

func (m *Manager) bindingScope(bindingURI string) string {
	v, _ := m.st.Value(bindingURI, m.ns.Pred(vocab.VarScope))
	return v.Value
}

func (m *Manager) tokenParent(tokenURI string) string {
	v, _ := m.st.Value(tokenURI, m.ns.Pred(vocab.ParentToken))
	return v.Value
}
