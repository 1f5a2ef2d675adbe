// Package task manages user tasks: graph-backed work items created when a
// user task node is entered and completed by external callers. Completion
// payloads are validated against the node's JSON schema when one is declared.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

// State is a task's lifecycle state.
type State string

// Task states.
const (
	StateCreated   State = "created"
	StateClaimed   State = "claimed"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

type (
	// Task is a snapshot of one task resource.
	Task struct {
		URI             string
		Instance        string
		Node            string
		Token           string
		State           State
		Name            string
		Assignee        string
		CandidateUsers  []string
		CandidateGroups []string
		DueDate         time.Time
		Priority        int
		CreatedAt       time.Time
	}

	// Spec carries the definition-derived attributes of a new task.
	Spec struct {
		Name            string
		CandidateUsers  []string
		CandidateGroups []string
		// FormSchema is a JSON schema source validated against the
		// completion variables, empty for schema-less tasks.
		FormSchema string
		DueDate    time.Time
		Priority   int
	}

	// Manager reads and writes task resources.
	Manager struct {
		st    graph.Store
		ns    graph.Namespaces
		clock func() time.Time
	}
)

// NewManager returns a task manager over the given store.
func NewManager(st graph.Store, ns graph.Namespaces) *Manager {
	return &Manager{st: st, ns: ns.Normalized(), clock: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Create materializes a task for the waiting token at a user task node.
func (m *Manager) Create(instanceURI, nodeURI, tokenURI string, spec Spec) string {
	uri := m.ns.Task + uuid.NewString()
	m.st.Add(uri, graph.RDFType, m.ns.Class(vocab.ClassTask))
	m.st.Add(uri, m.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI))
	m.st.Add(uri, m.ns.Pred(vocab.AtNode), graph.IRI(nodeURI))
	m.st.Add(uri, m.ns.Pred(vocab.OfToken), graph.IRI(tokenURI))
	m.st.Add(uri, m.ns.Pred(vocab.State), graph.String(string(StateCreated)))
	m.st.Add(uri, m.ns.Pred(vocab.CreatedAt), graph.Time(m.clock()))
	if spec.Name != "" {
		m.st.Add(uri, m.ns.Pred(vocab.Name), graph.String(spec.Name))
	}
	for _, u := range spec.CandidateUsers {
		m.st.Add(uri, m.ns.Pred(vocab.CandidateUser), graph.String(u))
	}
	for _, g := range spec.CandidateGroups {
		m.st.Add(uri, m.ns.Pred(vocab.CandidateGroup), graph.String(g))
	}
	if spec.FormSchema != "" {
		m.st.Add(uri, m.ns.Pred(vocab.FormSchema), graph.String(spec.FormSchema))
	}
	if !spec.DueDate.IsZero() {
		m.st.Add(uri, m.ns.Pred(vocab.DueDate), graph.Time(spec.DueDate))
	}
	if spec.Priority != 0 {
		m.st.Add(uri, m.ns.Pred(vocab.Priority), graph.Int(int64(spec.Priority)))
	}
	return uri
}

// Get loads the task snapshot.
func (m *Manager) Get(taskURI string) (Task, bool) {
	st, ok := m.st.Value(taskURI, m.ns.Pred(vocab.State))
	if !ok {
		return Task{}, false
	}
	tk := Task{URI: taskURI, State: State(st.Value)}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.OfInstance)); ok {
		tk.Instance = v.Value
	}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.AtNode)); ok {
		tk.Node = v.Value
	}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.OfToken)); ok {
		tk.Token = v.Value
	}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.Name)); ok {
		tk.Name = v.Value
	}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.Assignee)); ok {
		tk.Assignee = v.Value
	}
	for _, u := range m.st.Values(taskURI, m.ns.Pred(vocab.CandidateUser)) {
		tk.CandidateUsers = append(tk.CandidateUsers, u.Value)
	}
	for _, g := range m.st.Values(taskURI, m.ns.Pred(vocab.CandidateGroup)) {
		tk.CandidateGroups = append(tk.CandidateGroups, g.Value)
	}
	sort.Strings(tk.CandidateUsers)
	sort.Strings(tk.CandidateGroups)
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.DueDate)); ok {
		if at, isTime := v.Native().(time.Time); isTime {
			tk.DueDate = at
		}
	}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.Priority)); ok {
		if n, isInt := v.Native().(int64); isInt {
			tk.Priority = int(n)
		}
	}
	if v, ok := m.st.Value(taskURI, m.ns.Pred(vocab.CreatedAt)); ok {
		if at, isTime := v.Native().(time.Time); isTime {
			tk.CreatedAt = at
		}
	}
	return tk, true
}

// Claim assigns the task to a user. Only created tasks can be claimed, and
// when the task declares candidates the user must be one of them.
func (m *Manager) Claim(taskURI, user string) error {
	tk, ok := m.Get(taskURI)
	if !ok {
		return fmt.Errorf("unknown task %s", taskURI)
	}
	if tk.State != StateCreated {
		return fmt.Errorf("task %s is %s and cannot be claimed", taskURI, tk.State)
	}
	if len(tk.CandidateUsers) > 0 && !contains(tk.CandidateUsers, user) {
		return fmt.Errorf("user %s is not a candidate for task %s", user, taskURI)
	}
	m.st.Set(taskURI, m.ns.Pred(vocab.Assignee), graph.String(user))
	m.st.Set(taskURI, m.ns.Pred(vocab.State), graph.String(string(StateClaimed)))
	return nil
}

// Complete finishes the task with the given payload, validating it against
// the task's form schema when one is present. The caller (the execution
// core) is responsible for merging the variables and resuming the token.
func (m *Manager) Complete(taskURI string, variables map[string]any, user string) error {
	tk, ok := m.Get(taskURI)
	if !ok {
		return fmt.Errorf("unknown task %s", taskURI)
	}
	if tk.State != StateCreated && tk.State != StateClaimed {
		return fmt.Errorf("task %s is %s and cannot be completed", taskURI, tk.State)
	}
	if schema, ok := m.st.Value(taskURI, m.ns.Pred(vocab.FormSchema)); ok {
		if err := validateForm(schema.Value, variables); err != nil {
			return fmt.Errorf("task %s: %w", taskURI, err)
		}
	}
	if len(variables) > 0 {
		raw, err := json.Marshal(variables)
		if err != nil {
			return fmt.Errorf("task %s: encode form data: %w", taskURI, err)
		}
		m.st.Set(taskURI, m.ns.Pred(vocab.FormData), graph.String(string(raw)))
	}
	if user != "" {
		m.st.Set(taskURI, m.ns.Pred(vocab.CompletedBy), graph.String(user))
	}
	m.st.Set(taskURI, m.ns.Pred(vocab.State), graph.String(string(StateCompleted)))
	m.st.Set(taskURI, m.ns.Pred(vocab.CompletedAt), graph.Time(m.clock()))
	return nil
}

// Cancel withdraws a pending task, typically because an interrupting
// boundary event fired on its node.
func (m *Manager) Cancel(taskURI, reason string) error {
	tk, ok := m.Get(taskURI)
	if !ok {
		return fmt.Errorf("unknown task %s", taskURI)
	}
	if tk.State == StateCompleted || tk.State == StateCancelled {
		return fmt.Errorf("task %s is already %s", taskURI, tk.State)
	}
	m.st.Set(taskURI, m.ns.Pred(vocab.State), graph.String(string(StateCancelled)))
	if reason != "" {
		m.st.Set(taskURI, m.ns.Pred(vocab.StateReason), graph.String(reason))
	}
	return nil
}

// ByInstance returns the instance's tasks sorted by URI.
func (m *Manager) ByInstance(instanceURI string) []Task {
	var tasks []Task
	for _, uri := range m.st.Subjects(m.ns.Pred(vocab.OfInstance), graph.IRI(instanceURI)) {
		if ty, ok := m.st.Value(uri, graph.RDFType); !ok || !ty.Equal(m.ns.Class(vocab.ClassTask)) {
			continue
		}
		if tk, ok := m.Get(uri); ok {
			tasks = append(tasks, tk)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].URI < tasks[j].URI })
	return tasks
}

// Pending returns the instance's created and claimed tasks.
func (m *Manager) Pending(instanceURI string) []Task {
	var tasks []Task
	for _, tk := range m.ByInstance(instanceURI) {
		if tk.State == StateCreated || tk.State == StateClaimed {
			tasks = append(tasks, tk)
		}
	}
	return tasks
}

// ForToken returns the pending task owned by the given token, if any.
func (m *Manager) ForToken(tokenURI string) (Task, bool) {
	for _, uri := range m.st.Subjects(m.ns.Pred(vocab.OfToken), graph.IRI(tokenURI)) {
		tk, ok := m.Get(uri)
		if ok && (tk.State == StateCreated || tk.State == StateClaimed) {
			return tk, true
		}
	}
	return Task{}, false
}

// validateForm checks the completion payload against the schema. Variables
// are round-tripped through JSON so the validator sees canonical JSON types.
func validateForm(schemaSource string, variables map[string]any) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaSource)))
	if err != nil {
		return fmt.Errorf("parse form schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("form.json", doc); err != nil {
		return fmt.Errorf("load form schema: %w", err)
	}
	schema, err := c.Compile("form.json")
	if err != nil {
		return fmt.Errorf("compile form schema: %w", err)
	}
	raw, err := json.Marshal(variables)
	if err != nil {
		return fmt.Errorf("encode form data: %w", err)
	}
	payload, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode form data: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("form data rejected: %w", err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
