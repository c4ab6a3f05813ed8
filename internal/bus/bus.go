// Package bus provides the in-process event bus connecting intake, the
// knowledge base, and the automation engine. Dispatch is synchronous:
// Emit invokes every handler registered for the event type, in
// subscription order, on the caller's goroutine. Handlers that need to
// do real work are expected to hand off internally (the engine queues
// runs; it does not execute them on the emitter's stack).
package bus

import (
	"encoding/json"
	"sync"

	"github.com/quiet-coder-io/DomainOS-sub000/internal/logging"
	"github.com/quiet-coder-io/DomainOS-sub000/internal/types"
)

// MaxEventDataBytes caps the serialized size of an event's data payload.
// Oversized payloads are reduced before dispatch, never rejected.
const MaxEventDataBytes = 20 * 1024

// Handler receives an event. It runs on the emitting goroutine and
// must not call Subscribe or Emit re-entrantly with long blocking work.
type Handler func(evt types.Event)

// Bus is a typed publish/subscribe hub. The zero value is not usable;
// construct with New.
type Bus struct {
	mu       sync.RWMutex
	handlers map[types.EventType][]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[types.EventType][]Handler)}
}

// Subscribe registers a handler for one event type. Handlers for the
// same type fire in the order they were registered.
func (b *Bus) Subscribe(t types.EventType, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Emit dispatches the event to every subscriber of its type. The data
// payload is size-capped first; handlers always see the capped form.
func (b *Bus) Emit(evt types.Event) {
	evt.Data = capData(evt.Data)

	b.mu.RLock()
	subs := make([]Handler, len(b.handlers[evt.Type]))
	copy(subs, b.handlers[evt.Type])
	b.mu.RUnlock()

	logging.BusDebug("Emit %s (domain=%s, %d bytes, %d subscribers)", evt.Type, evt.DomainID, len(evt.Data), len(subs))
	for _, h := range subs {
		h(evt)
	}
}

// capData enforces MaxEventDataBytes. Oversized object payloads lose
// their metadata field first; anything still too large (or not a JSON
// object) collapses to a truncation marker.
func capData(data json.RawMessage) json.RawMessage {
	if len(data) <= MaxEventDataBytes {
		return data
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		if _, ok := obj["metadata"]; ok {
			delete(obj, "metadata")
			obj["metadata_truncated"] = json.RawMessage("true")
			if out, err := json.Marshal(obj); err == nil && len(out) <= MaxEventDataBytes {
				logging.Bus("Event data over %d bytes, dropped metadata (%d -> %d bytes)", MaxEventDataBytes, len(data), len(out))
				return out
			}
		}
	}

	logging.Bus("Event data over %d bytes and not reducible, replaced with marker", MaxEventDataBytes)
	return json.RawMessage(`{"truncated":true}`)
}
