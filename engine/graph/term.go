// Package graph implements the triple store that backs every other engine
// component. Process definitions, instances, tokens, variables, tasks, timers,
// and audit entries are all named resources in a single RDF-like graph; the
// engine holds URIs and resolves attributes through this package.
//
// The package provides the Store interface, an in-memory implementation, a
// small SPARQL SELECT/ASK evaluator for condition queries, and N-Triples and
// JSON serialization for snapshot persistence.
package graph

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known datatype and vocabulary IRIs.
const (
	RDFType = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"

	XSDBoolean  = "http://www.w3.org/2001/XMLSchema#boolean"
	XSDInteger  = "http://www.w3.org/2001/XMLSchema#integer"
	XSDDecimal  = "http://www.w3.org/2001/XMLSchema#decimal"
	XSDDouble   = "http://www.w3.org/2001/XMLSchema#double"
	XSDString   = "http://www.w3.org/2001/XMLSchema#string"
	XSDDateTime = "http://www.w3.org/2001/XMLSchema#dateTime"
)

type (
	// Term is a single RDF term: either a resource IRI or a literal with an
	// optional datatype. The zero Term is an empty IRI and is not valid in a
	// stored triple.
	Term struct {
		// Value holds the IRI for resources or the lexical form for literals.
		Value string
		// Literal reports whether the term is a literal rather than an IRI.
		Literal bool
		// Datatype is the literal datatype IRI. Empty means plain string.
		Datatype string
	}

	// Triple is one (subject, predicate, object) statement. Subjects and
	// predicates are always IRIs; objects may be IRIs or literals.
	Triple struct {
		S string
		P string
		O Term
	}

	// Pattern selects triples by fixed components. Empty S or P and a nil O
	// act as wildcards.
	Pattern struct {
		S string
		P string
		O *Term
	}
)

// IRI returns a resource term for the given IRI.
func IRI(v string) Term { return Term{Value: v} }

// Lit returns a literal term with an explicit datatype IRI.
func Lit(v, datatype string) Term { return Term{Value: v, Literal: true, Datatype: datatype} }

// String returns a plain string literal.
func String(v string) Term { return Term{Value: v, Literal: true, Datatype: XSDString} }

// Bool returns an xsd:boolean literal.
func Bool(v bool) Term { return Lit(strconv.FormatBool(v), XSDBoolean) }

// Int returns an xsd:integer literal.
func Int(v int64) Term { return Lit(strconv.FormatInt(v, 10), XSDInteger) }

// Float returns an xsd:double literal.
func Float(v float64) Term { return Lit(strconv.FormatFloat(v, 'g', -1, 64), XSDDouble) }

// Time returns an xsd:dateTime literal in RFC 3339 form.
func Time(v time.Time) Term { return Lit(v.UTC().Format(time.RFC3339Nano), XSDDateTime) }

// FromValue converts a Go value to a literal term following the XSD primitive
// mapping. Unknown types are stored as plain strings via fmt.Sprint.
func FromValue(v any) Term {
	switch x := v.(type) {
	case Term:
		return x
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case time.Time:
		return Time(x)
	case string:
		return String(x)
	default:
		return String(fmt.Sprint(v))
	}
}

// Native converts a literal term back to its Go value according to its
// datatype. IRIs and literals with unknown datatypes come back as strings.
func (t Term) Native() any {
	if !t.Literal {
		return t.Value
	}
	switch t.Datatype {
	case XSDBoolean:
		b, err := strconv.ParseBool(t.Value)
		if err != nil {
			return t.Value
		}
		return b
	case XSDInteger:
		n, err := strconv.ParseInt(t.Value, 10, 64)
		if err != nil {
			return t.Value
		}
		return n
	case XSDDecimal, XSDDouble:
		f, err := strconv.ParseFloat(t.Value, 64)
		if err != nil {
			return t.Value
		}
		return f
	case XSDDateTime:
		ts, err := time.Parse(time.RFC3339Nano, t.Value)
		if err != nil {
			return t.Value
		}
		return ts
	default:
		return t.Value
	}
}

// IsIRI reports whether the term is a resource IRI.
func (t Term) IsIRI() bool { return !t.Literal }

// Equal reports term equality. Two literals are equal when lexical form and
// datatype match; plain strings and xsd:string compare equal.
func (t Term) Equal(o Term) bool {
	if t.Literal != o.Literal || t.Value != o.Value {
		return false
	}
	if !t.Literal {
		return true
	}
	return normalizeDatatype(t.Datatype) == normalizeDatatype(o.Datatype)
}

func normalizeDatatype(dt string) string {
	if dt == "" {
		return XSDString
	}
	return dt
}

// String renders the term in N-Triples syntax.
func (t Term) String() string {
	if !t.Literal {
		return "<" + t.Value + ">"
	}
	s := strconv.Quote(t.Value)
	if t.Datatype != "" && t.Datatype != XSDString {
		s += "^^<" + t.Datatype + ">"
	}
	return s
}

// Matches reports whether the triple satisfies the pattern.
func (tr Triple) Matches(p Pattern) bool {
	if p.S != "" && p.S != tr.S {
		return false
	}
	if p.P != "" && p.P != tr.P {
		return false
	}
	if p.O != nil && !p.O.Equal(tr.O) {
		return false
	}
	return true
}

// ParseDuration parses an ISO-8601 duration of the restricted form used by
// timer definitions (PnDTnHnMnS, with any subset of components). It returns an
// error for unsupported forms such as year or month components.
func ParseDuration(s string) (time.Duration, error) {
	orig := s
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	s = s[1:]
	var d time.Duration
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9' || r == '.':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
			}
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid ISO-8601 duration %q: %w", orig, err)
			}
			num = ""
			switch {
			case r == 'D' && !inTime:
				d += time.Duration(f * 24 * float64(time.Hour))
			case r == 'H' && inTime:
				d += time.Duration(f * float64(time.Hour))
			case r == 'M' && inTime:
				d += time.Duration(f * float64(time.Minute))
			case r == 'S' && inTime:
				d += time.Duration(f * float64(time.Second))
			default:
				return 0, fmt.Errorf("unsupported ISO-8601 duration component %q in %q", string(r), orig)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid ISO-8601 duration %q", orig)
	}
	return d, nil
}
