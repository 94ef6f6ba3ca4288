// Package stripehandler applies payment-provider webhook events to the
// subscription lifecycle. All handlers look records up by the external
// identifier the event carries and never create on events that presuppose
// prior existence.
package stripehandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/payload"
	"github.com/confplat/event-service-core/internal/registry"
)

// Store is the subscription repository the handlers mutate.
type Store interface {
	ActivateSubscription(ctx context.Context, sessionID, customerID, subscriptionID string) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
	UpdateSubscriptionPlan(ctx context.Context, subscriptionID, priceID string) error
	RecordSubscriptionPayment(ctx context.Context, subscriptionID, invoiceID string) error
}

// Handlers holds the payment-provider event handlers.
type Handlers struct {
	store  Store
	logger *slog.Logger
}

// New creates the handler set.
func New(store Store, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, logger: logger}
}

// Registrations returns the static handler table for this source.
func (h *Handlers) Registrations() []registry.Registration {
	return []registry.Registration{
		{
			Source:    event.SourceStripe,
			Type:      event.StripeCheckoutSessionCompleted,
			Handler:   h.CheckoutSessionCompleted,
			IDPointer: payload.MustPointer("/data/object/id"),
		},
		{
			Source:    event.SourceStripe,
			Type:      event.StripeSubscriptionUpdated,
			Handler:   h.SubscriptionUpdated,
			IDPointer: payload.MustPointer("/data/object/id"),
		},
		{
			Source:    event.SourceStripe,
			Type:      event.StripeSubscriptionDeleted,
			Handler:   h.SubscriptionDeleted,
			IDPointer: payload.MustPointer("/data/object/id"),
		},
		{
			Source:    event.SourceStripe,
			Type:      event.StripeInvoicePaid,
			Handler:   h.InvoicePaid,
			IDPointer: payload.MustPointer("/data/object/id"),
		},
	}
}

// envelope is the provider's outer event structure.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func decodeObject(body []byte, out any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding event envelope: %w", event.ErrMalformedPayload)
	}
	if len(env.Data.Object) == 0 {
		return fmt.Errorf("missing data.object: %w", event.ErrMalformedPayload)
	}
	if err := json.Unmarshal(env.Data.Object, out); err != nil {
		return fmt.Errorf("decoding data.object: %w", event.ErrMalformedPayload)
	}
	return nil
}

// CheckoutSessionCompleted activates the draft subscription created when the
// checkout session was opened, attaching the provider's customer and
// subscription ids. Sessions without a subscription (one-off payments) are
// acknowledged without action.
func (h *Handlers) CheckoutSessionCompleted(ctx context.Context, body []byte) error {
	var session struct {
		ID           string `json:"id"`
		Customer     string `json:"customer"`
		Subscription string `json:"subscription"`
	}
	if err := decodeObject(body, &session); err != nil {
		return err
	}
	if session.ID == "" {
		return fmt.Errorf("checkout session without id: %w", event.ErrMalformedPayload)
	}
	if session.Subscription == "" {
		h.logger.InfoContext(ctx, "Checkout session has no subscription, ignoring",
			slog.String("session_id", session.ID),
		)
		return nil
	}

	return h.store.ActivateSubscription(ctx, session.ID, session.Customer, session.Subscription)
}

// SubscriptionUpdated records a plan change, or cancels when the provider
// reports the subscription as canceled. An unknown subscription id is a
// not-found error, never a create.
func (h *Handlers) SubscriptionUpdated(ctx context.Context, body []byte) error {
	var sub struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Plan   struct {
			ID string `json:"id"`
		} `json:"plan"`
	}
	if err := decodeObject(body, &sub); err != nil {
		return err
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription update without id: %w", event.ErrMalformedPayload)
	}

	if sub.Status == "canceled" {
		return h.store.CancelSubscription(ctx, sub.ID)
	}
	return h.store.UpdateSubscriptionPlan(ctx, sub.ID, sub.Plan.ID)
}

// SubscriptionDeleted cancels the subscription. Already-canceled is a no-op.
func (h *Handlers) SubscriptionDeleted(ctx context.Context, body []byte) error {
	var sub struct {
		ID string `json:"id"`
	}
	if err := decodeObject(body, &sub); err != nil {
		return err
	}
	if sub.ID == "" {
		return fmt.Errorf("subscription delete without id: %w", event.ErrMalformedPayload)
	}

	return h.store.CancelSubscription(ctx, sub.ID)
}

// InvoicePaid records the paid invoice on the subscription it belongs to.
// One-off invoices with no subscription reference are acknowledged.
func (h *Handlers) InvoicePaid(ctx context.Context, body []byte) error {
	var invoice struct {
		ID           string `json:"id"`
		Subscription string `json:"subscription"`
	}
	if err := decodeObject(body, &invoice); err != nil {
		return err
	}
	if invoice.ID == "" {
		return fmt.Errorf("invoice without id: %w", event.ErrMalformedPayload)
	}
	if invoice.Subscription == "" {
		h.logger.InfoContext(ctx, "Invoice has no subscription, ignoring",
			slog.String("invoice_id", invoice.ID),
		)
		return nil
	}

	return h.store.RecordSubscriptionPayment(ctx, invoice.Subscription, invoice.ID)
}
