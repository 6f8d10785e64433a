package events

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToSubscribers(t *testing.T) {
	b := NewBus()

	var got []EventType
	unsubscribe := b.Subscribe(func(_ context.Context, et EventType, p VariantPayload) {
		got = append(got, et)
		assert.Equal(t, "users", p.TableName)
		assert.False(t, p.OccurredAt.IsZero())
	})

	p := VariantPayload{ID: uuid.New(), TableName: "users", AttributeName: "avatar"}
	b.Emit(context.Background(), VariantStarted, p)
	b.Emit(context.Background(), VariantCompleted, p)

	unsubscribe()
	b.Emit(context.Background(), VariantFailed, p)

	assert.Equal(t, []EventType{VariantStarted, VariantCompleted}, got)
}

func TestBusFiltersByType(t *testing.T) {
	b := NewBus()

	var failures int
	b.Subscribe(func(context.Context, EventType, VariantPayload) { failures++ }, VariantFailed)

	b.Emit(context.Background(), VariantStarted, VariantPayload{})
	b.Emit(context.Background(), VariantFailed, VariantPayload{})

	assert.Equal(t, 1, failures)
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	b := NewBus()

	var delivered bool
	b.Subscribe(func(context.Context, EventType, VariantPayload) { panic("bad handler") }, VariantStarted)
	b.Subscribe(func(context.Context, EventType, VariantPayload) { delivered = true }, VariantStarted)

	require.NotPanics(t, func() {
		b.Emit(context.Background(), VariantStarted, VariantPayload{})
	})
	assert.True(t, delivered)
}
