package hooks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingSub struct {
	name string
	log  *[]string
	err  error
}

func (r *recordingSub) HandleEvent(_ context.Context, event Event) error {
	*r.log = append(*r.log, r.name+":"+string(event.Type()))
	return r.err
}

func TestPublishOrderGlobalBeforeTyped(t *testing.T) {
	b := NewBus()
	var log []string

	typed := &recordingSub{name: "typed", log: &log}
	global := &recordingSub{name: "global", log: &log}
	global2 := &recordingSub{name: "global2", log: &log}

	_, err := b.SubscribeType(TokenMoved, typed)
	require.NoError(t, err)
	_, err = b.Subscribe(global)
	require.NoError(t, err)
	_, err = b.Subscribe(global2)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewTokenMovedEvent("i", "n", "t", []string{"x"}, false)))
	require.Equal(t, []string{"global:token_moved", "global2:token_moved", "typed:token_moved"}, log)

	// Typed subscribers only see their type.
	log = nil
	require.NoError(t, b.Publish(context.Background(), NewTokenConsumedEvent("i", "n", "t")))
	require.Equal(t, []string{"global:token_consumed", "global2:token_consumed"}, log)
}

func TestDuplicateSubscriptionIsNoOp(t *testing.T) {
	b := NewBus()
	var log []string
	sub := &recordingSub{name: "s", log: &log}

	_, err := b.Subscribe(sub)
	require.NoError(t, err)
	_, err = b.Subscribe(sub)
	require.NoError(t, err)
	_, err = b.SubscribeType(TokenMoved, sub)
	require.NoError(t, err)
	_, err = b.SubscribeType(TokenMoved, sub)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewTokenMovedEvent("i", "n", "t", nil, false)))
	// Once from the global list, once from the typed list.
	require.Len(t, log, 2)
}

func TestSubscriberErrorAbortsPublish(t *testing.T) {
	b := NewBus()
	var log []string
	boom := errors.New("boom")

	_, err := b.Subscribe(&recordingSub{name: "first", log: &log})
	require.NoError(t, err)
	_, err = b.Subscribe(&recordingSub{name: "failing", log: &log, err: boom})
	require.NoError(t, err)
	_, err = b.Subscribe(&recordingSub{name: "never", log: &log})
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewTokenConsumedEvent("i", "n", "t"))
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"first:token_consumed", "failing:token_consumed"}, log)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	var log []string
	sub := &recordingSub{name: "s", log: &log}

	s, err := b.Subscribe(sub)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close()) // idempotent

	require.NoError(t, b.Publish(context.Background(), NewTokenConsumedEvent("i", "n", "t")))
	require.Empty(t, log)
}

func TestReentrantPublish(t *testing.T) {
	b := NewBus()
	var log []string

	_, err := b.Subscribe(SubscriberFunc(func(ctx context.Context, event Event) error {
		log = append(log, "outer:"+string(event.Type()))
		if event.Type() == TokenCreated {
			return b.Publish(ctx, NewTokenConsumedEvent("i", "n", "t"))
		}
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewTokenCreatedEvent("i", "n", "t", "", -1)))
	require.Equal(t, []string{"outer:token_created", "outer:token_consumed"}, log)
}

func TestDetailsFlattening(t *testing.T) {
	evt := NewErrorThrownEvent("urn:inst:1", "urn:n:task", "urn:tok:1", "E_STOCK", "out of stock")
	d := Details(evt)
	require.Equal(t, "E_STOCK", d["code"])
	require.Equal(t, "out of stock", d["message"])
	require.Equal(t, "urn:tok:1", d["token"])

	gw := NewGatewayEvaluatedEvent("urn:inst:1", "urn:n:gw", "urn:tok:1", "ExclusiveGateway", []string{"urn:f:1"})
	d = Details(gw)
	require.Equal(t, []string{"urn:f:1"}, d["selectedFlows"])
}
