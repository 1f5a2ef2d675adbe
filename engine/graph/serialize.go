package graph

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type jsonTriple struct {
	S        string `json:"s"`
	P        string `json:"p"`
	O        string `json:"o"`
	Literal  bool   `json:"literal,omitempty"`
	Datatype string `json:"datatype,omitempty"`
}

// Serialize renders the full graph. N-Triples output is line-per-triple in
// insertion order; JSON output is a flat array of triple objects.
func (m *MemoryStore) Serialize(format Format) ([]byte, error) {
	m.mu.RLock()
	triples := append([]Triple(nil), m.triples...)
	m.mu.RUnlock()
	switch format {
	case FormatNTriples:
		var buf bytes.Buffer
		for _, tr := range triples {
			fmt.Fprintf(&buf, "<%s> <%s> %s .\n", tr.S, tr.P, tr.O)
		}
		return buf.Bytes(), nil
	case FormatJSON:
		out := make([]jsonTriple, len(triples))
		for i, tr := range triples {
			out[i] = jsonTriple{S: tr.S, P: tr.P, O: tr.O.Value, Literal: tr.O.Literal, Datatype: tr.O.Datatype}
		}
		return json.MarshalIndent(out, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported serialization format %q", format)
	}
}

// Parse loads triples in the given format, adding to existing content.
func (m *MemoryStore) Parse(data []byte, format Format) error {
	switch format {
	case FormatNTriples:
		return m.parseNTriples(data)
	case FormatJSON:
		var in []jsonTriple
		if err := json.Unmarshal(data, &in); err != nil {
			return fmt.Errorf("parse json graph: %w", err)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, jt := range in {
			m.addLocked(jt.S, jt.P, Term{Value: jt.O, Literal: jt.Literal, Datatype: jt.Datatype})
		}
		return nil
	default:
		return fmt.Errorf("unsupported serialization format %q", format)
	}
}

func (m *MemoryStore) parseNTriples(data []byte) error {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	m.mu.Lock()
	defer m.mu.Unlock()
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tr, err := parseNTripleLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineNo, err)
		}
		m.addLocked(tr.S, tr.P, tr.O)
	}
	return sc.Err()
}

func parseNTripleLine(line string) (Triple, error) {
	var tr Triple
	rest := line
	s, rest, err := takeIRI(rest)
	if err != nil {
		return tr, err
	}
	p, rest, err := takeIRI(rest)
	if err != nil {
		return tr, err
	}
	rest = strings.TrimSpace(rest)
	var o Term
	switch {
	case strings.HasPrefix(rest, "<"):
		iri, tail, err := takeIRI(rest)
		if err != nil {
			return tr, err
		}
		rest = tail
		o = IRI(iri)
	case strings.HasPrefix(rest, `"`):
		end := -1
		for i := 1; i < len(rest); i++ {
			if rest[i] == '"' && rest[i-1] != '\\' {
				end = i
				break
			}
		}
		if end < 0 {
			return tr, fmt.Errorf("unterminated literal")
		}
		lex, err := strconv.Unquote(rest[:end+1])
		if err != nil {
			lex = unescapeLiteral(rest[1:end])
		}
		rest = rest[end+1:]
		dt := XSDString
		if strings.HasPrefix(rest, "^^<") {
			close := strings.IndexByte(rest, '>')
			if close < 0 {
				return tr, fmt.Errorf("unterminated datatype")
			}
			dt = rest[3:close]
			rest = rest[close+1:]
		}
		o = Lit(lex, dt)
	default:
		return tr, fmt.Errorf("unsupported object term in %q", line)
	}
	rest = strings.TrimSpace(rest)
	if rest != "." && rest != "" {
		return tr, fmt.Errorf("trailing content %q", rest)
	}
	tr.S, tr.P, tr.O = s, p, o
	return tr, nil
}

func takeIRI(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "<") {
		return "", "", fmt.Errorf("expected IRI, got %q", s)
	}
	end := strings.IndexByte(s, '>')
	if end < 0 {
		return "", "", fmt.Errorf("unterminated IRI in %q", s)
	}
	return s[1:end], s[end+1:], nil
}
