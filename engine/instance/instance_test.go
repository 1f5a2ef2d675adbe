package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/graph"
	"github.com/spear-engine/spear/engine/vocab"
)

func newTestManager() (*Manager, graph.Store) {
	st := graph.NewMemoryStore()
	return NewManager(st, graph.DefaultNamespaces()), st
}

func TestCreateAndState(t *testing.T) {
	m, _ := newTestManager()
	inst := m.Create("urn:proc:order", map[string]any{"amount": 1500}, "")

	require.True(t, m.Exists(inst))
	require.Equal(t, "urn:proc:order", m.Process(inst))
	s, ok := m.State(inst)
	require.True(t, ok)
	require.Equal(t, StateActive, s)

	old, err := m.SetState(inst, StateCompleted, "")
	require.NoError(t, err)
	require.Equal(t, StateActive, old)

	_, err = m.SetState(inst, StateActive, "")
	require.Error(t, err)
}

func TestTerminalStateRecordsCompletedAt(t *testing.T) {
	m, st := newTestManager()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.WithClock(func() time.Time { return now })
	inst := m.Create("urn:proc:p", nil, "")

	_, err := m.SetState(inst, StateFailed, "handler blew up")
	require.NoError(t, err)

	ns := graph.DefaultNamespaces()
	at, ok := st.Value(inst, ns.Pred(vocab.CompletedAt))
	require.True(t, ok)
	require.Equal(t, now, at.Native())
	reason, ok := st.Value(inst, ns.Pred(vocab.StateReason))
	require.True(t, ok)
	require.Equal(t, "handler blew up", reason.Value)
}

func TestVariableScopeShadowing(t *testing.T) {
	m, st := newTestManager()
	ns := graph.DefaultNamespaces()
	inst := m.Create("urn:proc:p", map[string]any{"item": "global", "n": 3}, "")

	// Fake a token scope chain: child -> parent -> (instance global).
	parent := "urn:tok:parent"
	child := "urn:tok:child"
	st.Add(child, ns.Pred(vocab.ParentToken), graph.IRI(parent))

	m.SetVariable(inst, "item", "parent-scoped", parent)

	v, ok := m.GetVariable(inst, "item", child)
	require.True(t, ok)
	require.Equal(t, "parent-scoped", v.Value)

	m.SetVariable(inst, "item", "child-scoped", child)
	v, _ = m.GetVariable(inst, "item", child)
	require.Equal(t, "child-scoped", v.Value)

	// Other scopes still see the global binding; n has no scoped override.
	v, _ = m.GetVariable(inst, "item", "")
	require.Equal(t, "global", v.Value)
	v, _ = m.GetVariable(inst, "n", child)
	require.Equal(t, int64(3), v.Native())

	vars := m.Variables(inst, child)
	require.Equal(t, map[string]any{"item": "child-scoped", "n": int64(3)}, vars)

	m.RemoveScope(inst, child)
	v, _ = m.GetVariable(inst, "item", child)
	require.Equal(t, "parent-scoped", v.Value)
}

func TestSetVariableReplacesBinding(t *testing.T) {
	m, _ := newTestManager()
	inst := m.Create("urn:proc:p", nil, "")

	m.SetVariable(inst, "amount", 100, "")
	m.SetVariable(inst, "amount", 250, "")

	v, ok := m.GetVariable(inst, "amount", "")
	require.True(t, ok)
	require.Equal(t, int64(250), v.Native())
	require.Len(t, m.bindingURIs(inst, "amount"), 1)
}

func TestDueInstances(t *testing.T) {
	m, _ := newTestManager()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := m.Create("urn:proc:p", nil, "")
	b := m.Create("urn:proc:p", nil, "")

	m.SetNextRunAt(a, now.Add(-time.Minute))
	m.SetNextRunAt(b, now.Add(time.Hour))

	due := m.DueInstances(now)
	require.Equal(t, []string{a}, due)

	m.ClearNextRunAt(a)
	require.Empty(t, m.DueInstances(now))
}
