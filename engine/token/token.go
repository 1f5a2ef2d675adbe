// Package token manages execution tokens: the unit of control flow position
// inside a process instance. A token sits at exactly one node, is live while
// the engine may still advance it, waits while blocked on an external
// stimulus, and is consumed once it can never advance again. Consumed tokens
// stay in the graph for audit and join accounting.
package token

import (
	"sort"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// State is a token's execution state.
type State string

// Token states.
const (
	StateLive     State = "live"
	StateWaiting  State = "waiting"
	StateConsumed State = "consumed"
)

type (
	// Token is a snapshot of one token's graph resource.
	Token struct {
		URI       string
		Instance  string
		Node      string
		State     State
		Parent    string
		LoopIndex int
	}

	// Manager reads and writes token resources.
	Manager struct {
		st graph.Store
		ns graph.Namespaces
	}
)

// NewManager returns a token manager over the given store.
func NewManager(st graph.Store, ns graph.Namespaces) *Manager {
	return &Manager{st: st, ns: ns.Normalized()}
}

// Create mints a live token at the given node. parent is the enclosing
// scope token (subprocess or loop body), empty at the top level. loopIndex
// is meaningful only for multi-instance body tokens; pass -1 otherwise.
func (m *Manager) Create(instanceURI, nodeURI, parent string, loopIndex int) string {
	uri := m.ns.Instance + "token/" + uuid.NewString()
	m.st.Add(uri, graph.RDFType, m.ns.Class(vocab.ClassToken))
	m.st.Add(uri, m.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	m.st.Add(uri, m.ns.Pred(vocab.CurrentNode), graph.IRI(nodeURI))
	m.st.Add(uri, m.ns.Pred(vocab.State), graph.String(string(StateLive)))
	m.st.Add(instanceURI, m.ns.Pred(vocab.HasToken), graph.IRI(uri))
	if parent != "" {
		m.st.Add(uri, m.ns.Pred(vocab.ParentToken), graph.IRI(parent))
	}
	if loopIndex >= 0 {
		m.st.Add(uri, m.ns.Pred(vocab.LoopIndex), graph.Int(int64(loopIndex)))
	}
	return uri
}

// Move repositions a live or waiting token onto another node and marks it
// live again.
func (m *Manager) Move(tokenURI, nodeURI string) {
	m.st.Set(tokenURI, m.ns.Pred(vocab.CurrentNode), graph.IRI(nodeURI))
	m.st.Set(tokenURI, m.ns.Pred(vocab.State), graph.String(string(StateLive)))
}

// Consume retires the token. Consumed is final.
func (m *Manager) Consume(tokenURI string) {
	m.st.Set(tokenURI, m.ns.Pred(vocab.State), graph.String(string(StateConsumed)))
}

// SetWaiting blocks the token on an external stimulus.
func (m *Manager) SetWaiting(tokenURI string) {
	m.st.Set(tokenURI, m.ns.Pred(vocab.State), graph.String(string(StateWaiting)))
}

// SetLive resumes a waiting token without moving it.
func (m *Manager) SetLive(tokenURI string) {
	m.st.Set(tokenURI, m.ns.Pred(vocab.State), graph.String(string(StateLive)))
}

// Get loads the token snapshot. The second result is false for unknown URIs.
func (m *Manager) Get(tokenURI string) (Token, bool) {
	node, ok := m.st.Value(tokenURI, m.ns.Pred(vocab.CurrentNode))
	if !ok {
		return Token{}, false
	}
	tok := Token{URI: tokenURI, Node: node.Value, LoopIndex: -1}
	if v, ok := m.st.Value(tokenURI, m.ns.Pred(vocab.OfInstance)); ok {
		tok.Instance = v.Value
	}
	if v, ok := m.st.Value(tokenURI, m.ns.Pred(vocab.State)); ok {
		tok.State = State(v.Value)
	}
	if v, ok := m.st.Value(tokenURI, m.ns.Pred(vocab.ParentToken)); ok {
		tok.Parent = v.Value
	}
	if v, ok := m.st.Value(tokenURI, m.ns.Pred(vocab.LoopIndex)); ok {
		if n, isInt := v.Native().(int64); isInt {
			tok.LoopIndex = int(n)
		}
	}
	return tok, true
}

// State returns the token's state.
func (m *Manager) State(tokenURI string) State {
	v, _ := m.st.Value(tokenURI, m.ns.Pred(vocab.State))
	return State(v.Value)
}

// Node returns the node the token currently sits at.
func (m *Manager) Node(tokenURI string) string {
	v, _ := m.st.Value(tokenURI, m.ns.Pred(vocab.CurrentNode))
	return v.Value
}

// Parent returns the enclosing scope token, empty at the top level.
func (m *Manager) Parent(tokenURI string) string {
	v, _ := m.st.Value(tokenURI, m.ns.Pred(vocab.ParentToken))
	return v.Value
}

// OfInstance returns every token of the instance, sorted by URI for
// deterministic iteration.
func (m *Manager) OfInstance(instanceURI string) []Token {
	var toks []Token
	for _, tr := range m.st.Triples(graph.Pattern{S: instanceURI, P: m.ns.Pred(vocab.HasToken)}) {
		if tok, ok := m.Get(tr.O.Value); ok {
			toks = append(toks, tok)
		}
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i].URI < toks[j].URI })
	return toks
}

// Live returns the instance's live tokens.
func (m *Manager) Live(instanceURI string) []Token {
	return m.inState(instanceURI, StateLive)
}

// Waiting returns the instance's waiting tokens.
func (m *Manager) Waiting(instanceURI string) []Token {
	return m.inState(instanceURI, StateWaiting)
}

// Active returns live and waiting tokens: everything not yet consumed.
func (m *Manager) Active(instanceURI string) []Token {
	var toks []Token
	for _, tok := range m.OfInstance(instanceURI) {
		if tok.State != StateConsumed {
			toks = append(toks, tok)
		}
	}
	return toks
}

// At returns the instance's unconsumed tokens sitting at the given node.
func (m *Manager) At(instanceURI, nodeURI string) []Token {
	var toks []Token
	for _, tok := range m.OfInstance(instanceURI) {
		if tok.Node == nodeURI && tok.State != StateConsumed {
			toks = append(toks, tok)
		}
	}
	return toks
}

// Children returns the unconsumed tokens whose parent is the given token.
func (m *Manager) Children(parentURI string) []Token {
	var toks []Token
	for _, uri := range m.st.Subjects(m.ns.Pred(vocab.ParentToken), graph.IRI(parentURI)) {
		tok, ok := m.Get(uri)
		if ok && tok.State != StateConsumed {
			toks = append(toks, tok)
		}
	}
	sort.Slice(toks, func(i, j int) bool { return toks[i].URI < toks[j].URI })
	return toks
}

// ScopeChain returns the token's scope ancestry from itself outward, the
// token first and the outermost scope last.
func (m *Manager) ScopeChain(tokenURI string) []string {
	var chain []string
	for uri := tokenURI; uri != ""; uri = m.Parent(uri) {
		chain = append(chain, uri)
	}
	return chain
}

func (m *Manager) inState(instanceURI string, s State) []Token {
	var toks []Token
	for _, tok := range m.OfInstance(instanceURI) {
		if tok.State == s {
			toks = append(toks, tok)
		}
	}
	return toks
}
