// Package registry holds the immutable (source, event type) → handler table.
// The table is built once at process start from explicit registration lists —
// there is no dynamic registration after construction, so lookups are safe for
// unsynchronized concurrent reads.
package registry

import (
	"context"
	"fmt"

	"github.com/confplat/event-service-core/internal/event"
)

// Handler applies the state transition for one (source, event type) pair.
// Handlers must be idempotent: the same payload may be delivered more than
// once (at-least-once transports) and must not double-apply.
type Handler func(ctx context.Context, payload []byte) error

// Registration binds a handler to a (source, event type) pair. IDPointer is an
// optional JSON Pointer to the event's external identifier, used only for log
// and metric context during dispatch.
type Registration struct {
	Source    event.Source
	Type      event.Type
	Handler   Handler
	IDPointer string
}

type key struct {
	source event.Source
	typ    event.Type
}

// Registry is the exact-match handler table.
type Registry struct {
	handlers map[key]Registration
}

// New builds a registry from registration lists. Duplicate (source, type)
// pairs and nil handlers are wiring bugs and fail construction.
func New(lists ...[]Registration) (*Registry, error) {
	r := &Registry{handlers: make(map[key]Registration)}
	for _, regs := range lists {
		for _, reg := range regs {
			if reg.Handler == nil {
				return nil, fmt.Errorf("nil handler for %s/%s", reg.Source, reg.Type)
			}
			k := key{source: reg.Source, typ: reg.Type}
			if _, exists := r.handlers[k]; exists {
				return nil, fmt.Errorf("duplicate registration for %s/%s", reg.Source, reg.Type)
			}
			r.handlers[k] = reg
		}
	}
	return r, nil
}

// Lookup returns the registration for the pair. A miss is a normal condition:
// unknown upstream event types are acknowledged without action.
func (r *Registry) Lookup(source event.Source, typ event.Type) (Registration, bool) {
	reg, ok := r.handlers[key{source: source, typ: typ}]
	return reg, ok
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	return len(r.handlers)
}
