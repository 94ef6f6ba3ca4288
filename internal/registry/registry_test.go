package registry

import (
	"context"
	"testing"

	"github.com/confplat/event-service-core/internal/event"
)

func noopHandler(ctx context.Context, payload []byte) error {
	return nil
}

func TestNew_BuildsLookupTable(t *testing.T) {
	reg, err := New(
		[]Registration{
			{Source: event.SourceStripe, Type: event.StripeInvoicePaid, Handler: noopHandler},
			{Source: event.SourceStripe, Type: event.StripeSubscriptionDeleted, Handler: noopHandler},
		},
		[]Registration{
			{Source: event.SourcePretix, Type: event.PretixOrderPaid, Handler: noopHandler},
		},
	)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if reg.Len() != 3 {
		t.Errorf("expected 3 registrations, got %d", reg.Len())
	}

	if _, ok := reg.Lookup(event.SourceStripe, event.StripeInvoicePaid); !ok {
		t.Error("expected lookup hit for registered pair")
	}
}

func TestNew_RejectsDuplicatePair(t *testing.T) {
	_, err := New([]Registration{
		{Source: event.SourceStripe, Type: event.StripeInvoicePaid, Handler: noopHandler},
		{Source: event.SourceStripe, Type: event.StripeInvoicePaid, Handler: noopHandler},
	})
	if err == nil {
		t.Fatal("expected error for duplicate registration, got nil")
	}
}

func TestNew_RejectsNilHandler(t *testing.T) {
	_, err := New([]Registration{
		{Source: event.SourceStripe, Type: event.StripeInvoicePaid, Handler: nil},
	})
	if err == nil {
		t.Fatal("expected error for nil handler, got nil")
	}
}

func TestLookup_ExactMatchOnly(t *testing.T) {
	reg, err := New([]Registration{
		{Source: event.SourceStripe, Type: event.StripeInvoicePaid, Handler: noopHandler},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Same type under a different source must miss
	if _, ok := reg.Lookup(event.SourcePretix, event.StripeInvoicePaid); ok {
		t.Error("expected lookup miss for unregistered source")
	}

	// Unknown type must miss
	if _, ok := reg.Lookup(event.SourceStripe, event.Type("unknown.type")); ok {
		t.Error("expected lookup miss for unregistered type")
	}
}
