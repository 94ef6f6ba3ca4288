// Package pretixhandler applies ticket-shop webhook events to order records.
// The shop delivers a small notification referencing the order by code; the
// code is the idempotency key for every transition.
package pretixhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/payload"
	"github.com/confplat/event-service-core/internal/registry"
)

// Store is the order repository the handlers mutate.
type Store interface {
	CreateOrder(ctx context.Context, code, shopEvent string) error
	MarkOrderPaid(ctx context.Context, code string) error
	CancelOrder(ctx context.Context, code string) error
}

// Handlers holds the ticket-shop event handlers.
type Handlers struct {
	store Store
}

// New creates the handler set.
func New(store Store) *Handlers {
	return &Handlers{store: store}
}

// Registrations returns the static handler table for this source.
func (h *Handlers) Registrations() []registry.Registration {
	return []registry.Registration{
		{
			Source:    event.SourcePretix,
			Type:      event.PretixOrderPlaced,
			Handler:   h.OrderPlaced,
			IDPointer: payload.MustPointer("/code"),
		},
		{
			Source:    event.SourcePretix,
			Type:      event.PretixOrderPaid,
			Handler:   h.OrderPaid,
			IDPointer: payload.MustPointer("/code"),
		},
		{
			Source:    event.SourcePretix,
			Type:      event.PretixOrderCanceled,
			Handler:   h.OrderCanceled,
			IDPointer: payload.MustPointer("/code"),
		},
	}
}

// notification is the shop's webhook body.
type notification struct {
	NotificationID int64  `json:"notification_id"`
	Organizer      string `json:"organizer"`
	Event          string `json:"event"`
	Code           string `json:"code"`
	Action         string `json:"action"`
}

func decode(body []byte) (notification, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return n, fmt.Errorf("decoding order notification: %w", event.ErrMalformedPayload)
	}
	if n.Code == "" {
		return n, fmt.Errorf("order notification without code: %w", event.ErrMalformedPayload)
	}
	return n, nil
}

// OrderPlaced records first sight of an order. Redelivery is a no-op.
func (h *Handlers) OrderPlaced(ctx context.Context, body []byte) error {
	n, err := decode(body)
	if err != nil {
		return err
	}
	return h.store.CreateOrder(ctx, n.Code, n.Event)
}

// OrderPaid marks an existing order paid. The order must already exist:
// payment events never create.
func (h *Handlers) OrderPaid(ctx context.Context, body []byte) error {
	n, err := decode(body)
	if err != nil {
		return err
	}
	return h.store.MarkOrderPaid(ctx, n.Code)
}

// OrderCanceled cancels an existing order, paid or not.
func (h *Handlers) OrderCanceled(ctx context.Context, body []byte) error {
	n, err := decode(body)
	if err != nil {
		return err
	}
	return h.store.CancelOrder(ctx, n.Code)
}
