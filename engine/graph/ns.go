package graph

type (
	// Namespaces holds the URI prefixes used to partition the graph. All engine
	// components mint and resolve resource URIs through these prefixes, so a
	// deployment can relocate its data by supplying its own values.
	Namespaces struct {
		// Process prefixes process definition resources.
		Process string `yaml:"process"`
		// Instance prefixes instance, token, and timer resources.
		Instance string `yaml:"instance"`
		// Variable prefixes variable binding resources.
		Variable string `yaml:"variable"`
		// Task prefixes user task resources.
		Task string `yaml:"task"`
		// Audit prefixes audit entry resources.
		Audit string `yaml:"audit"`
		// Vocab prefixes the engine vocabulary (classes and predicates).
		Vocab string `yaml:"vocab"`
	}
)

// DefaultNamespaces returns the prefixes used when no configuration overrides
// them.
func DefaultNamespaces() Namespaces {
	return Namespaces{
		Process:  "https://spear.dev/process/",
		Instance: "https://spear.dev/instance/",
		Variable: "https://spear.dev/variable/",
		Task:     "https://spear.dev/task/",
		Audit:    "https://spear.dev/audit/",
		Vocab:    "https://spear.dev/vocab#",
	}
}

// Pred returns the vocabulary IRI for a predicate local name.
func (n Namespaces) Pred(name string) string { return n.Vocab + name }

// Class returns the vocabulary IRI for a class local name.
func (n Namespaces) Class(name string) Term { return IRI(n.Vocab + name) }

// normalized fills empty fields from the defaults so partially configured
// namespaces remain usable.
func (n Namespaces) Normalized() Namespaces {
	d := DefaultNamespaces()
	if n.Process == "" {
		n.Process = d.Process
	}
	if n.Instance == "" {
		n.Instance = d.Instance
	}
	if n.Variable == "" {
		n.Variable = d.Variable
	}
	if n.Task == "" {
		n.Task = d.Task
	}
	if n.Audit == "" {
		n.Audit = d.Audit
	}
	if n.Vocab == "" {
		n.Vocab = d.Vocab
	}
	return n
}
