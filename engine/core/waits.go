package core

import (
	"sort"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// messageWait is a graph-backed record of a token blocked on a named
// message. Group ties waits created by an event-based gateway together so
// the first stimulus cancels its siblings.
type messageWait struct {
	URI         string
	Instance    string
	Node        string
	Token       string
	Name        string
	Correlation string
	Group       string
}

func (e *Engine) createWait(instanceURI, nodeURI, tokenURI, name, correlation, group string) string {
	uri := e.ns.Instance + "wait/" + uuid.NewString()
	e.st.Add(uri, graph.RDFType, e.ns.Class(vocab.ClassMessageWait))
	e.st.Add(uri, e.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	e.st.Add(uri, e.ns.Pred(vocab.AtNode), graph.IRI(nodeURI))
	e.st.Add(uri, e.ns.Pred(vocab.OfToken), graph.IRI(tokenURI))
	e.st.Add(uri, e.ns.Pred(vocab.WaitMessage), graph.String(name))
	if correlation != "" {
		e.st.Add(uri, e.ns.Pred(vocab.CorrelationID), graph.String(correlation))
	}
	if group != "" {
		e.st.Add(uri, e.ns.Pred(vocab.WaitGroup), graph.IRI(group))
	}
	return uri
}

func (e *Engine) allWaits() []messageWait {
	var waits []messageWait
	for _, tr := range e.st.Triples(graph.Pattern{P: e.ns.Pred(vocab.WaitMessage)}) {
		if w, ok := e.getWait(tr.S); ok {
			waits = append(waits, w)
		}
	}
	sort.Slice(waits, func(i, j int) bool { return waits[i].URI < waits[j].URI })
	return waits
}

func (e *Engine) getWait(uri string) (messageWait, bool) {
	ty, ok := e.st.Value(uri, graph.RDFType)
	if !ok || !ty.Equal(e.ns.Class(vocab.ClassMessageWait)) {
		return messageWait{}, false
	}
	w := messageWait{URI: uri}
	if v, ok := e.st.Value(uri, e.ns.Pred(vocab.OfInstance)); ok {
		w.Instance = v.Value
	}
	if v, ok := e.st.Value(uri, e.ns.Pred(vocab.AtNode)); ok {
		w.Node = v.Value
	}
	if v, ok := e.st.Value(uri, e.ns.Pred(vocab.OfToken)); ok {
		w.Token = v.Value
	}
	if v, ok := e.st.Value(uri, e.ns.Pred(vocab.WaitMessage)); ok {
		w.Name = v.Value
	}
	if v, ok := e.st.Value(uri, e.ns.Pred(vocab.CorrelationID)); ok {
		w.Correlation = v.Value
	}
	if v, ok := e.st.Value(uri, e.ns.Pred(vocab.WaitGroup)); ok {
		w.Group = v.Value
	}
	return w, true
}

// matchWaits returns the waits a delivered message satisfies. A wait with no
// correlation value matches any key; one with a value requires equality.
func (e *Engine) matchWaits(name, correlationKey string) []messageWait {
	var matched []messageWait
	for _, w := range e.allWaits() {
		if w.Name != name {
			continue
		}
		if w.Correlation != "" && w.Correlation != correlationKey {
			continue
		}
		matched = append(matched, w)
	}
	return matched
}

func (e *Engine) removeWait(uri string) {
	e.st.Remove(uri, "", nil)
}

func (e *Engine) removeWaitsForToken(tokenURI string) {
	for _, w := range e.allWaits() {
		if w.Token == tokenURI {
			e.removeWait(w.URI)
		}
	}
}

// cancelWaitGroup clears every wait and timer armed under the group,
// keeping the one that fired.
func (e *Engine) cancelWaitGroup(group, keepURI string) {
	for _, w := range e.allWaits() {
		if w.Group == group && w.URI != keepURI {
			e.removeWait(w.URI)
		}
	}
	for _, r := range e.timers.ForToken(group) {
		if r.Group == group && r.URI != keepURI {
			e.timers.Remove(r.URI)
		}
	}
}

func (e *Engine) pendingWaits(instanceURI string) bool {
	for _, w := range e.allWaits() {
		if w.Instance == instanceURI {
			return true
		}
	}
	return false
}
