// Package events publishes variant lifecycle events to in-process handlers
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type EventType string

const (
	VariantStarted   EventType = "variant_started"
	VariantCompleted EventType = "variant_completed"
	VariantFailed    EventType = "variant_failed"
)

type Primary struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// VariantPayload identifies the column a variant run works on. ID is shared
// by the started event and the completed or failed event of the same run.
type VariantPayload struct {
	ID            uuid.UUID `json:"id"`
	TableName     string    `json:"tableName"`
	AttributeName string    `json:"attributeName"`
	Primary       Primary   `json:"primary"`
	Variants      []string  `json:"variants,omitempty"`
	Error         string    `json:"error,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type Handler func(ctx context.Context, t EventType, p VariantPayload)

// Emitter is what the variant pipeline publishes to.
type Emitter interface {
	Emit(ctx context.Context, t EventType, p VariantPayload)
}

// Bus delivers events synchronously to every subscribed handler. A panicking
// handler is logged and doesn't stop the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType]map[uint64]Handler
	next     uint64
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType]map[uint64]Handler)}
}

// Subscribe registers h for the given event types, all of them when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(h Handler, types ...EventType) func() {
	if len(types) == 0 {
		types = []EventType{VariantStarted, VariantCompleted, VariantFailed}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	id := b.next
	for _, t := range types {
		if b.handlers[t] == nil {
			b.handlers[t] = make(map[uint64]Handler)
		}
		b.handlers[t][id] = h
	}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range types {
			delete(b.handlers[t], id)
		}
	}
}

func (b *Bus) Emit(ctx context.Context, t EventType, p VariantPayload) {
	if p.OccurredAt.IsZero() {
		p.OccurredAt = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[t]))
	for _, h := range b.handlers[t] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, h, t, p)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, t EventType, p VariantPayload) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("Event handler panicked", zap.String("event", string(t)), zap.Any("panic", r))
		}
	}()
	h(ctx, t, p)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Emit(context.Context, EventType, VariantPayload) {}

var (
	_ Emitter = (*Bus)(nil)
	_ Emitter = Nop{}
)
