package graph

type (
	// Store is the abstract triple store contract. The execution core
	// serializes all writes for a given instance subgraph on that instance's
	// lane, so implementations only need to tolerate concurrent access on
	// different subgraphs; the in-memory implementation is globally
	// thread-safe, which is stricter than required.
	Store interface {
		// Add inserts the triple. Duplicate triples are ignored.
		Add(s, p string, o Term)

		// Remove deletes triples matching (s, p, o). A nil o removes every
		// object for the predicate. It returns the number of triples removed.
		Remove(s, p string, o *Term) int

		// Set replaces all objects of (s, p) with the single object o.
		Set(s, p string, o Term)

		// Value returns one object of (s, p). The second result is false when
		// no such triple exists.
		Value(s, p string) (Term, bool)

		// Values returns every object of (s, p) in insertion order.
		Values(s, p string) []Term

		// Subjects returns every subject s such that (s, p, o) is present.
		Subjects(p string, o Term) []string

		// Triples returns all triples matching the pattern in insertion order.
		Triples(pat Pattern) []Triple

		// Query evaluates a SPARQL SELECT over the store. Bindings pre-bind
		// query variables by name (without the leading '?').
		Query(q string, bindings map[string]Term) ([]map[string]Term, error)

		// Ask evaluates a SPARQL ASK over the store with the given bindings.
		Ask(q string, bindings map[string]Term) (bool, error)

		// Serialize renders the whole graph in the given format.
		Serialize(format Format) ([]byte, error)

		// Parse loads triples in the given format into the store, adding to
		// any existing content.
		Parse(data []byte, format Format) error

		// Len returns the number of stored triples.
		Len() int
	}

	// Format names a serialization syntax understood by Serialize and Parse.
	Format string
)

// Supported serialization formats.
const (
	// FormatNTriples is line-oriented N-Triples.
	FormatNTriples Format = "ntriples"
	// FormatJSON is a flat JSON array of {s, p, o} objects.
	FormatJSON Format = "json"
)
