package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spear-engine/spear/engine/graph"
)

func TestRegisterDueRemove(t *testing.T) {
	m := NewManager(graph.NewMemoryStore(), graph.DefaultNamespaces())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	early := m.Register("urn:inst:1", "urn:n:t1", "urn:tok:1", now.Add(-time.Second), KindNode, "")
	m.Register("urn:inst:1", "urn:n:t2", "urn:tok:2", now.Add(time.Hour), KindBoundary, "")

	due := m.Due(now)
	require.Len(t, due, 1)
	require.Equal(t, early, due[0].URI)
	require.Equal(t, KindNode, due[0].Kind)
	require.Equal(t, "urn:tok:1", due[0].Token)

	soonest, ok := m.Soonest()
	require.True(t, ok)
	require.Equal(t, now.Add(-time.Second), soonest)

	require.True(t, m.Pending("urn:inst:1"))
	m.Remove(early)
	require.Empty(t, m.Due(now))

	m.RemoveForToken("urn:tok:2")
	require.False(t, m.Pending("urn:inst:1"))
	_, ok = m.Soonest()
	require.False(t, ok)
}

func TestForTokenSortsBySoonest(t *testing.T) {
	m := NewManager(graph.NewMemoryStore(), graph.DefaultNamespaces())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m.Register("urn:inst:1", "urn:n:b", "urn:tok:1", now.Add(2*time.Minute), KindBoundary, "")
	m.Register("urn:inst:1", "urn:n:a", "urn:tok:1", now.Add(time.Minute), KindNode, "urn:group:1")

	regs := m.ForToken("urn:tok:1")
	require.Len(t, regs, 2)
	require.Equal(t, "urn:n:a", regs[0].Node)
	require.Equal(t, "urn:group:1", regs[0].Group)
}
