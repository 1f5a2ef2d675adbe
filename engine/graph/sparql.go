package graph

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The engine needs only a small slice of SPARQL: basic graph patterns with
// variables, IRIs, and literals, plus simple comparison FILTERs. Condition
// queries on sequence flows bind ?instance before evaluation.

type (
	sparqlQuery struct {
		ask      bool
		project  []string // empty means project all bound variables
		patterns []sparqlPattern
		filters  []sparqlFilter
	}

	sparqlPattern struct {
		s, p, o sparqlTerm
	}

	sparqlTerm struct {
		variable string // set when the position is a variable
		term     Term   // otherwise the concrete term
	}

	sparqlFilter struct {
		variable string
		op       string
		value    Term
	}
)

// Query evaluates a SPARQL SELECT against the in-memory store.
func (m *MemoryStore) Query(q string, bindings map[string]Term) ([]map[string]Term, error) {
	parsed, err := parseSparql(q)
	if err != nil {
		return nil, err
	}
	if parsed.ask {
		return nil, fmt.Errorf("expected SELECT query, got ASK")
	}
	return evalSparql(m, parsed, bindings)
}

// Ask evaluates a SPARQL ASK against the in-memory store.
func (m *MemoryStore) Ask(q string, bindings map[string]Term) (bool, error) {
	parsed, err := parseSparql(q)
	if err != nil {
		return false, err
	}
	if !parsed.ask {
		return false, fmt.Errorf("expected ASK query, got SELECT")
	}
	rows, err := evalSparql(m, parsed, bindings)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Serialize is implemented in serialize.go.

func evalSparql(st Store, q *sparqlQuery, bindings map[string]Term) ([]map[string]Term, error) {
	initial := make(map[string]Term, len(bindings))
	for k, v := range bindings {
		initial[strings.TrimPrefix(k, "?")] = v
	}
	solutions := matchPatterns(st, q.patterns, initial)
	var rows []map[string]Term
	for _, sol := range solutions {
		ok := true
		for _, f := range q.filters {
			v, bound := sol[f.variable]
			if !bound {
				ok = false
				break
			}
			pass, err := compareTerms(v, f.op, f.value)
			if err != nil || !pass {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		if len(q.project) == 0 {
			rows = append(rows, sol)
			continue
		}
		row := make(map[string]Term, len(q.project))
		for _, name := range q.project {
			if v, bound := sol[name]; bound {
				row[name] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func matchPatterns(st Store, patterns []sparqlPattern, bound map[string]Term) []map[string]Term {
	if len(patterns) == 0 {
		return []map[string]Term{bound}
	}
	pat := patterns[0]
	var out []map[string]Term
	for _, tr := range st.Triples(Pattern{}) {
		next, ok := unify(pat, tr, bound)
		if !ok {
			continue
		}
		out = append(out, matchPatterns(st, patterns[1:], next)...)
	}
	return out
}

func unify(pat sparqlPattern, tr Triple, bound map[string]Term) (map[string]Term, bool) {
	next := bound
	copied := false
	bind := func(st sparqlTerm, actual Term) bool {
		if st.variable == "" {
			return st.term.Equal(actual)
		}
		if existing, ok := next[st.variable]; ok {
			return existing.Equal(actual)
		}
		if !copied {
			dup := make(map[string]Term, len(next)+1)
			for k, v := range next {
				dup[k] = v
			}
			next = dup
			copied = true
		}
		next[st.variable] = actual
		return true
	}
	if !bind(pat.s, IRI(tr.S)) {
		return nil, false
	}
	if !bind(pat.p, IRI(tr.P)) {
		return nil, false
	}
	if !bind(pat.o, tr.O) {
		return nil, false
	}
	return next, true
}

func compareTerms(a Term, op string, b Term) (bool, error) {
	af, aerr := strconv.ParseFloat(a.Value, 64)
	bf, berr := strconv.ParseFloat(b.Value, 64)
	if aerr == nil && berr == nil {
		return compareOrdered(af, bf, op)
	}
	return compareOrdered(a.Value, b.Value, op)
}

func compareOrdered[T string | float64](a, b T, op string) (bool, error) {
	switch op {
	case "=", "==":
		return a == b, nil
	case "!=":
		return a != b, nil
	case "<":
		return a < b, nil
	case "<=":
		return a <= b, nil
	case ">":
		return a > b, nil
	case ">=":
		return a >= b, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// parseSparql parses the supported SELECT/ASK subset.
func parseSparql(q string) (*sparqlQuery, error) {
	toks, err := tokenizeSparql(q)
	if err != nil {
		return nil, err
	}
	p := &sparqlParser{toks: toks}
	return p.parse()
}

type sparqlParser struct {
	toks []string
	pos  int
}

func (p *sparqlParser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *sparqlParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *sparqlParser) expect(tok string) error {
	if got := p.next(); !strings.EqualFold(got, tok) {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *sparqlParser) parse() (*sparqlQuery, error) {
	q := &sparqlQuery{}
	switch kw := strings.ToUpper(p.next()); kw {
	case "SELECT":
		for strings.HasPrefix(p.peek(), "?") || p.peek() == "*" {
			tok := p.next()
			if tok != "*" {
				q.project = append(q.project, strings.TrimPrefix(tok, "?"))
			}
		}
		if err := p.expect("WHERE"); err != nil {
			return nil, err
		}
	case "ASK":
		q.ask = true
		if strings.EqualFold(p.peek(), "WHERE") {
			p.next()
		}
	default:
		return nil, fmt.Errorf("unsupported query form %q", kw)
	}
	if err := p.expect("{"); err != nil {
		return nil, err
	}
	for p.peek() != "}" && p.peek() != "" {
		if strings.EqualFold(p.peek(), "FILTER") {
			p.next()
			f, err := p.parseFilter()
			if err != nil {
				return nil, err
			}
			q.filters = append(q.filters, *f)
		} else {
			pat, err := p.parsePattern()
			if err != nil {
				return nil, err
			}
			q.patterns = append(q.patterns, *pat)
		}
		if p.peek() == "." {
			p.next()
		}
	}
	if err := p.expect("}"); err != nil {
		return nil, err
	}
	return q, nil
}

func (p *sparqlParser) parsePattern() (*sparqlPattern, error) {
	s, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	pr, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	o, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	return &sparqlPattern{s: *s, p: *pr, o: *o}, nil
}

func (p *sparqlParser) parseFilter() (*sparqlFilter, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	v := p.next()
	if !strings.HasPrefix(v, "?") {
		return nil, fmt.Errorf("FILTER must compare a variable, got %q", v)
	}
	op := p.next()
	switch op {
	case "=", "==", "!=", "<", "<=", ">", ">=":
	default:
		return nil, fmt.Errorf("unsupported FILTER operator %q", op)
	}
	val, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if val.variable != "" {
		return nil, fmt.Errorf("FILTER against a variable is not supported")
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	return &sparqlFilter{variable: strings.TrimPrefix(v, "?"), op: op, value: val.term}, nil
}

func (p *sparqlParser) parseTerm() (*sparqlTerm, error) {
	tok := p.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of query")
	case strings.HasPrefix(tok, "?"):
		return &sparqlTerm{variable: strings.TrimPrefix(tok, "?")}, nil
	case strings.HasPrefix(tok, "<") && strings.HasSuffix(tok, ">"):
		iri := tok[1 : len(tok)-1]
		if iri == "a" {
			iri = RDFType
		}
		return &sparqlTerm{term: IRI(iri)}, nil
	case tok == "a":
		return &sparqlTerm{term: IRI(RDFType)}, nil
	case strings.HasPrefix(tok, `"`):
		lex := unescapeLiteral(tok[1 : len(tok)-1])
		dt := XSDString
		if strings.HasPrefix(p.peek(), "^^") {
			dtTok := strings.TrimPrefix(p.next(), "^^")
			dt = strings.Trim(dtTok, "<>")
		}
		return &sparqlTerm{term: Lit(lex, dt)}, nil
	case tok == "true" || tok == "false":
		return &sparqlTerm{term: Lit(tok, XSDBoolean)}, nil
	default:
		if _, err := strconv.ParseInt(tok, 10, 64); err == nil {
			return &sparqlTerm{term: Lit(tok, XSDInteger)}, nil
		}
		if _, err := strconv.ParseFloat(tok, 64); err == nil {
			return &sparqlTerm{term: Lit(tok, XSDDecimal)}, nil
		}
		return nil, fmt.Errorf("unsupported term %q", tok)
	}
}

func unescapeLiteral(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	r := strings.NewReplacer(`\"`, `"`, `\\`, `\`, `\n`, "\n", `\t`, "\t")
	return r.Replace(s)
}

// isIRIStart distinguishes an angle-bracketed IRI from the '<' comparison
// operator: an IRI closes with '>' before any whitespace.
func isIRIStart(s string) bool {
	end := strings.IndexByte(s, '>')
	if end < 1 {
		return false
	}
	for j := 1; j < end; j++ {
		if unicode.IsSpace(rune(s[j])) {
			return false
		}
	}
	return true
}

func tokenizeSparql(q string) ([]string, error) {
	var toks []string
	i := 0
	for i < len(q) {
		c := q[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '{' || c == '}' || c == '(' || c == ')' || c == '.':
			toks = append(toks, string(c))
			i++
		case c == '<' && isIRIStart(q[i:]):
			end := strings.IndexByte(q[i:], '>')
			toks = append(toks, q[i:i+end+1])
			i += end + 1
		case c == '"':
			j := i + 1
			for j < len(q) && (q[j] != '"' || q[j-1] == '\\') {
				j++
			}
			if j >= len(q) {
				return nil, fmt.Errorf("unterminated string at offset %d", i)
			}
			toks = append(toks, q[i:j+1])
			i = j + 1
		case c == '^' && i+1 < len(q) && q[i+1] == '^':
			end := strings.IndexByte(q[i:], '>')
			if end < 0 {
				return nil, fmt.Errorf("unterminated datatype at offset %d", i)
			}
			toks = append(toks, q[i:i+end+1])
			i += end + 1
		case c == '?':
			j := i + 1
			for j < len(q) && (unicode.IsLetter(rune(q[j])) || unicode.IsDigit(rune(q[j])) || q[j] == '_') {
				j++
			}
			toks = append(toks, q[i:j])
			i = j
		case strings.ContainsRune("=!<>", rune(c)):
			j := i + 1
			if j < len(q) && q[j] == '=' {
				j++
			}
			toks = append(toks, q[i:j])
			i = j
		default:
			j := i
			for j < len(q) && !unicode.IsSpace(rune(q[j])) && !strings.ContainsRune("{}().", rune(q[j])) {
				j++
			}
			toks = append(toks, q[i:j])
			i = j
		}
	}
	return toks, nil
}
