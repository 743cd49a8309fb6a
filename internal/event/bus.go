package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
	"go.uber.org/zap"
)

// EventType identifies a class of call lifecycle events on the bus.
type EventType string

const (
	CallStatusChanged EventType = "call.status_changed"
	CallTerminated    EventType = "call.terminated"
)

// CallEvent is published every time the reconciler commits a status change.
type CallEvent struct {
	Type      EventType
	Record    domain.CallRecord
	Timestamp time.Time
}

// EventHandler handles a single published call event.
type EventHandler func(event *CallEvent)

// EventBus decouples the reconciler from session tracking and metrics export.
type EventBus interface {
	Publish(eventType EventType, record domain.CallRecord) error
	Subscribe(eventType EventType, handler EventHandler) error
	Close() error
}

// DefaultEventBus is an in-process fan-out bus. Handlers run asynchronously
// and must not assume ordering across events.
type DefaultEventBus struct {
	subscribers map[EventType][]EventHandler
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewEventBus creates a new event bus instance.
func NewEventBus() EventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &DefaultEventBus{
		subscribers: make(map[EventType][]EventHandler),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Publish fans the event out to all subscribers of the type.
func (b *DefaultEventBus) Publish(eventType EventType, record domain.CallRecord) error {
	select {
	case <-b.ctx.Done():
		return fmt.Errorf("event bus is closed")
	default:
	}

	b.mutex.RLock()
	handlers := make([]EventHandler, len(b.subscribers[eventType]))
	copy(handlers, b.subscribers[eventType])
	b.mutex.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	ev := &CallEvent{Type: eventType, Record: record, Timestamp: time.Now()}
	for _, handler := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Base().Error("Event handler panic",
						zap.String("type", string(eventType)),
						zap.String("call_id", record.ID),
						zap.Any("panic", r))
				}
			}()
			h(ev)
		}(handler)
	}

	return nil
}

// Subscribe registers a handler for an event type.
func (b *DefaultEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	select {
	case <-b.ctx.Done():
		return fmt.Errorf("event bus is closed")
	default:
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
	return nil
}

// Close shuts down the bus and drops all subscribers.
func (b *DefaultEventBus) Close() error {
	b.cancel()

	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.subscribers = make(map[EventType][]EventHandler)
	return nil
}
