package events

import (
	"fmt"
	"sync"

	console "meshshare/internal/utils/logger"
)

var log = console.New("EVENTS")

// Event names emitted by the lifecycle engine. These are in-process signals
// only; durable mutation feeds come from the table's change stream.
const (
	SubscriptionCreated       = "subscription.created"
	SubscriptionStatusUpdated = "subscription.status_updated"
	SubscriptionGrantsUpdated = "subscription.grants_updated"
)

type EventHandler func(interface{})

type EventBus struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]EventHandler),
	}
}

// On registers a handler for an event
func (bus *EventBus) On(event string, handler EventHandler) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	bus.handlers[event] = append(bus.handlers[event], handler)
	log.Debug("Registered handler for event: %s", event)
}

// Emit triggers an event with the given data. Handlers run on their own
// goroutines; a panicking handler cannot fail the emitting operation.
func (bus *EventBus) Emit(event string, data interface{}) {
	bus.mu.RLock()
	handlers, exists := bus.handlers[event]
	bus.mu.RUnlock()

	if !exists {
		return
	}

	log.Debug("Emitting event: %s", event)

	for _, handler := range handlers {
		go func(h EventHandler) {
			defer func() {
				if r := recover(); r != nil {
					err := log.Error("Panic in event handler: %v", fmt.Errorf("panic: %v", r))
					if err != nil {
						return
					}
				}
			}()
			h(data)
		}(handler)
	}
}
