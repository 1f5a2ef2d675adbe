package topics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndInvoke(t *testing.T) {
	r := NewRegistry()
	err := r.Register("tax", func(_ context.Context, inv *Invocation) error {
		total, ok := inv.Variable("orderTotal")
		require.True(t, ok)
		inv.SetVariable("taxAmount", total.(float64)*0.10)
		return nil
	})
	require.NoError(t, err)

	inv := NewInvocation("urn:inst:1", "urn:n:tax", "urn:tok:1", map[string]any{"orderTotal": 1000.0})
	require.NoError(t, r.Invoke(context.Background(), "tax", inv))
	require.Equal(t, map[string]any{"taxAmount": 100.0}, inv.Out())

	// Buffered writes shadow the snapshot on read-back.
	v, ok := inv.Variable("taxAmount")
	require.True(t, ok)
	require.Equal(t, 100.0, v)
	require.Equal(t, 1000.0, inv.Variables()["orderTotal"])
}

func TestMissingTopicIsBusinessError(t *testing.T) {
	r := NewRegistry()
	inv := NewInvocation("urn:inst:1", "urn:n:x", "urn:tok:1", nil)
	err := r.Invoke(context.Background(), "nope", inv)

	var be *BusinessError
	require.ErrorAs(t, err, &be)
	require.Equal(t, CodeUnknownTopic, be.Code)
}

func TestFailEscape(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("risky", func(_ context.Context, inv *Invocation) error {
		return inv.Fail("E_STOCK", "item out of stock")
	}))

	err := r.Invoke(context.Background(), "risky", NewInvocation("i", "n", "t", nil))
	var be *BusinessError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "E_STOCK", be.Code)
	require.Equal(t, "E_STOCK: item out of stock", be.Error())
}

func TestPlainErrorWrapped(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("flaky", func(_ context.Context, _ *Invocation) error {
		return errors.New("connection reset")
	}))

	err := r.Invoke(context.Background(), "flaky", NewInvocation("i", "n", "t", nil))
	var be *BusinessError
	require.ErrorAs(t, err, &be)
	require.Empty(t, be.Code)
	require.Equal(t, "connection reset", be.Message)
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry()
	require.Error(t, r.Register("", func(context.Context, *Invocation) error { return nil }))
	require.Error(t, r.Register("x", nil))

	require.NoError(t, r.Register("b", func(context.Context, *Invocation) error { return nil }))
	require.NoError(t, r.Register("a", func(context.Context, *Invocation) error { return nil }))
	require.Equal(t, []string{"a", "b"}, r.Topics())
}
