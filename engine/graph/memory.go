package graph

import (
	"sync"
)

type (
	// MemoryStore is the in-memory Store implementation. It keeps an
	// insertion-ordered triple list alongside a subject/predicate index and is
	// safe for concurrent use.
	MemoryStore struct {
		mu      sync.RWMutex
		triples []Triple
		spo     map[string]map[string][]Term
	}
)

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory triple store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{spo: make(map[string]map[string][]Term)}
}

// Add inserts the triple unless an identical one is already present.
func (m *MemoryStore) Add(s, p string, o Term) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(s, p, o)
}

func (m *MemoryStore) addLocked(s, p string, o Term) {
	for _, existing := range m.spo[s][p] {
		if existing.Equal(o) {
			return
		}
	}
	if m.spo[s] == nil {
		m.spo[s] = make(map[string][]Term)
	}
	m.spo[s][p] = append(m.spo[s][p], o)
	m.triples = append(m.triples, Triple{S: s, P: p, O: o})
}

// Remove deletes triples matching (s, p, o); a nil o matches any object.
func (m *MemoryStore) Remove(s, p string, o *Term) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(s, p, o)
}

func (m *MemoryStore) removeLocked(s, p string, o *Term) int {
	objs := m.spo[s][p]
	if len(objs) == 0 {
		return 0
	}
	kept := objs[:0]
	removed := 0
	for _, existing := range objs {
		if o == nil || o.Equal(existing) {
			removed++
			continue
		}
		kept = append(kept, existing)
	}
	if removed == 0 {
		return 0
	}
	if len(kept) == 0 {
		delete(m.spo[s], p)
		if len(m.spo[s]) == 0 {
			delete(m.spo, s)
		}
	} else {
		m.spo[s][p] = kept
	}
	out := m.triples[:0]
	for _, tr := range m.triples {
		if tr.S == s && tr.P == p && (o == nil || o.Equal(tr.O)) {
			continue
		}
		out = append(out, tr)
	}
	m.triples = out
	return removed
}

// Set replaces all objects of (s, p) with o.
func (m *MemoryStore) Set(s, p string, o Term) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(s, p, nil)
	m.addLocked(s, p, o)
}

// Value returns the first object of (s, p).
func (m *MemoryStore) Value(s, p string) (Term, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	objs := m.spo[s][p]
	if len(objs) == 0 {
		return Term{}, false
	}
	return objs[0], true
}

// Values returns every object of (s, p) in insertion order.
func (m *MemoryStore) Values(s, p string) []Term {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Term(nil), m.spo[s][p]...)
}

// Subjects returns every subject carrying (p, o).
func (m *MemoryStore) Subjects(p string, o Term) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	seen := make(map[string]struct{})
	for _, tr := range m.triples {
		if tr.P != p || !tr.O.Equal(o) {
			continue
		}
		if _, ok := seen[tr.S]; ok {
			continue
		}
		seen[tr.S] = struct{}{}
		out = append(out, tr.S)
	}
	return out
}

// Triples returns all triples matching the pattern in insertion order.
func (m *MemoryStore) Triples(pat Pattern) []Triple {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Triple
	for _, tr := range m.triples {
		if tr.Matches(pat) {
			out = append(out, tr)
		}
	}
	return out
}

// Len returns the number of stored triples.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.triples)
}
