// Package gateway makes routing decisions for activated gateways: condition
// evaluation over flows, exclusive and inclusive flow selection, and the
// arrival bookkeeping parallel joins need. The execution core consumes the
// decisions; this package never moves tokens itself.
package gateway

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/spear-engine/spear/engine/definition"
	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// Reserved error codes for routing failures. They route like business error
// codes: an error boundary event may catch them, otherwise the instance
// fails.
const (
	CodeNoValidPath         = "NoValidPath"
	CodeConditionEvaluation = "ConditionEvaluationFailed"
)

type (
	// VariableReader resolves a variable for condition evaluation with
	// token-scope shadowing. Implemented by the instance manager.
	VariableReader interface {
		GetVariable(instanceURI, name, scopeToken string) (graph.Term, bool)
	}

	// RoutingError is a gateway failure with a reserved routable code.
	RoutingError struct {
		Code    string
		Gateway string
		Reason  string
	}

	// Evaluator answers routing questions for one process definition.
	Evaluator struct {
		st   graph.Store
		ns   graph.Namespaces
		idx  *definition.Index
		vars VariableReader
	}
)

// Error implements error.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Gateway, e.Reason)
}

// NewEvaluator returns an evaluator over the given definition index.
func NewEvaluator(st graph.Store, ns graph.Namespaces, idx *definition.Index, vars VariableReader) *Evaluator {
	return &Evaluator{st: st, ns: ns.Normalized(), idx: idx, vars: vars}
}

// EvaluateCondition evaluates a flow condition for the given instance and
// token scope. A nil condition is true (unconditional flow). When both an
// ASK query and a structured triple are present, the ASK query wins.
func (ev *Evaluator) EvaluateCondition(cond *definition.Condition, instanceURI, scopeToken string) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if cond.Ask != "" {
		return ev.st.Ask(cond.Ask, map[string]graph.Term{"instance": graph.IRI(instanceURI)})
	}
	left, ok := ev.vars.GetVariable(instanceURI, cond.Variable, scopeToken)
	if !ok {
		return false, fmt.Errorf("variable %q is not bound", cond.Variable)
	}
	return compare(left, cond.Operator, cond.Value)
}

// SelectExclusive picks the flow an exclusive gateway routes to: outgoing
// flows in definition order, first holding condition wins, then the default
// flow. A condition evaluation error fails the gateway unless a default flow
// exists, in which case the default is taken.
func (ev *Evaluator) SelectExclusive(gatewayURI, instanceURI, scopeToken string) (definition.Flow, error) {
	defaultFlow := ev.idx.DefaultFlow(gatewayURI)
	for _, f := range ev.idx.OutgoingFlows(gatewayURI) {
		if f.URI == defaultFlow {
			continue
		}
		hold, err := ev.EvaluateCondition(ev.idx.ConditionOf(f.URI), instanceURI, scopeToken)
		if err != nil {
			if defaultFlow != "" {
				continue
			}
			return definition.Flow{}, &RoutingError{Code: CodeConditionEvaluation, Gateway: gatewayURI, Reason: err.Error()}
		}
		if hold {
			return f, nil
		}
	}
	if defaultFlow != "" {
		if f, ok := ev.idx.Flow(defaultFlow); ok {
			return *f, nil
		}
	}
	return definition.Flow{}, &RoutingError{Code: CodeNoValidPath, Gateway: gatewayURI, Reason: "no condition held and no default flow"}
}

// SelectInclusive picks every flow whose condition holds; when none hold the
// default flow is taken. Condition evaluation errors count as false.
func (ev *Evaluator) SelectInclusive(gatewayURI, instanceURI, scopeToken string) ([]definition.Flow, error) {
	defaultFlow := ev.idx.DefaultFlow(gatewayURI)
	var selected []definition.Flow
	for _, f := range ev.idx.OutgoingFlows(gatewayURI) {
		if f.URI == defaultFlow {
			continue
		}
		hold, err := ev.EvaluateCondition(ev.idx.ConditionOf(f.URI), instanceURI, scopeToken)
		if err != nil || !hold {
			continue
		}
		selected = append(selected, f)
	}
	if len(selected) > 0 {
		return selected, nil
	}
	if defaultFlow != "" {
		if f, ok := ev.idx.Flow(defaultFlow); ok {
			return []definition.Flow{*f}, nil
		}
	}
	return nil, &RoutingError{Code: CodeNoValidPath, Gateway: gatewayURI, Reason: "no condition held and no default flow"}
}

// RecordArrival notes that a token reached the join gateway via the given
// incoming flow. Arrivals accumulate in the graph so they survive snapshots.
func (ev *Evaluator) RecordArrival(instanceURI, gatewayURI, viaFlow string) {
	uri := ev.ns.Instance + "arrival/" + uuid.NewString()
	ev.st.Add(uri, graph.RDFType, ev.ns.Class(vocab.ClassJoinArrival))
	ev.st.Add(uri, ev.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	ev.st.Add(uri, ev.ns.Pred(vocab.AtGateway), graph.IRI(gatewayURI))
	ev.st.Add(uri, ev.ns.Pred(vocab.ViaFlow), graph.IRI(viaFlow))
}

// Arrivals returns the distinct incoming flows that have delivered a token
// to the join since its last release.
func (ev *Evaluator) Arrivals(instanceURI, gatewayURI string) []string {
	seen := make(map[string]struct{})
	var flows []string
	for _, uri := range ev.arrivalURIs(instanceURI, gatewayURI) {
		via, ok := ev.st.Value(uri, ev.ns.Pred(vocab.ViaFlow))
		if !ok {
			continue
		}
		if _, dup := seen[via.Value]; dup {
			continue
		}
		seen[via.Value] = struct{}{}
		flows = append(flows, via.Value)
	}
	return flows
}

// ParallelJoinReady reports whether every incoming flow of the join has
// delivered a token.
func (ev *Evaluator) ParallelJoinReady(instanceURI, gatewayURI string) bool {
	return len(ev.Arrivals(instanceURI, gatewayURI)) >= len(ev.idx.IncomingFlows(gatewayURI))
}

// ResetJoin clears the join's arrival records after it releases a token.
func (ev *Evaluator) ResetJoin(instanceURI, gatewayURI string) {
	for _, uri := range ev.arrivalURIs(instanceURI, gatewayURI) {
		ev.st.Remove(uri, "", nil)
	}
}

func (ev *Evaluator) arrivalURIs(instanceURI, gatewayURI string) []string {
	var uris []string
	for _, uri := range ev.st.Subjects(ev.ns.Pred(vocab.AtGateway), graph.IRI(gatewayURI)) {
		of, ok := ev.st.Value(uri, ev.ns.Pred(vocab.OfInstance))
		if ok && of.Value == instanceURI {
			uris = append(uris, uri)
		}
	}
	return uris
}

// compare applies a structured condition operator. Both ASCII and the
// typographic forms of the comparison operators are accepted. Numeric
// comparison is used when both sides parse as numbers, boolean equality for
// xsd:boolean pairs, and lexical comparison otherwise.
func compare(left graph.Term, operator string, right graph.Term) (bool, error) {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	var cmp int
	switch {
	case lok && rok:
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	case left.Datatype == graph.XSDBoolean || right.Datatype == graph.XSDBoolean:
		switch operator {
		case "=", "==":
			return left.Value == right.Value, nil
		case "!=", "≠", "<>":
			return left.Value != right.Value, nil
		default:
			return false, fmt.Errorf("operator %q is not defined for booleans", operator)
		}
	default:
		switch {
		case left.Value < right.Value:
			cmp = -1
		case left.Value > right.Value:
			cmp = 1
		}
	}
	switch operator {
	case "<":
		return cmp < 0, nil
	case "<=", "≤":
		return cmp <= 0, nil
	case "=", "==":
		return cmp == 0, nil
	case "!=", "≠", "<>":
		return cmp != 0, nil
	case ">=", "≥":
		return cmp >= 0, nil
	case ">":
		return cmp > 0, nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", operator)
	}
}

func asFloat(t graph.Term) (float64, bool) {
	switch t.Datatype {
	case graph.XSDInteger, graph.XSDDecimal, graph.XSDDouble:
		f, err := strconv.ParseFloat(t.Value, 64)
		return f, err == nil
	}
	return 0, false
}
