package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockMetrics implements MetricsPublisher for testing
type MockMetrics struct {
	RecordCalled   bool
	RecordedSource event.Source
	RecordedType   event.Type
	RecordedResult event.Outcome
	RecordErr      error
}

func (m *MockMetrics) RecordDispatch(ctx context.Context, source event.Source, typ event.Type, outcome event.Outcome) error {
	m.RecordCalled = true
	m.RecordedSource = source
	m.RecordedType = typ
	m.RecordedResult = outcome
	return m.RecordErr
}

func newRegistry(t *testing.T, regs ...registry.Registration) *registry.Registry {
	t.Helper()
	reg, err := registry.New(regs)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	return reg
}

func TestDispatch_Handled(t *testing.T) {
	var gotPayload []byte
	reg := newRegistry(t, registry.Registration{
		Source: event.SourceStripe,
		Type:   event.StripeInvoicePaid,
		Handler: func(ctx context.Context, payload []byte) error {
			gotPayload = payload
			return nil
		},
	})

	d := New(reg, testLogger(), nil)
	result := d.Dispatch(context.Background(), event.Inbound{
		Source:  event.SourceStripe,
		Type:    event.StripeInvoicePaid,
		Payload: []byte(`{"id":"in_123"}`),
	})

	if result.Outcome != event.OutcomeHandled {
		t.Errorf("expected outcome handled, got %s", result.Outcome)
	}
	if !result.Handled() {
		t.Error("expected Handled() to be true")
	}
	if !result.Acknowledge() {
		t.Error("expected handled result to acknowledge")
	}
	if string(gotPayload) != `{"id":"in_123"}` {
		t.Errorf("handler received wrong payload: %s", gotPayload)
	}
}

func TestDispatch_NoHandler(t *testing.T) {
	reg := newRegistry(t)

	d := New(reg, testLogger(), nil)
	result := d.Dispatch(context.Background(), event.Inbound{
		Source:  event.SourceStripe,
		Type:    event.Type("charge.refunded"),
		Payload: []byte(`{}`),
	})

	if result.Outcome != event.OutcomeNoHandler {
		t.Errorf("expected outcome no_handler, got %s", result.Outcome)
	}
	// Unknown types are acknowledged, not errors
	if !result.Acknowledge() {
		t.Error("expected no-handler result to acknowledge")
	}
	if result.Err != nil {
		t.Errorf("expected nil error, got %v", result.Err)
	}
}

func TestDispatch_TerminalError(t *testing.T) {
	reg := newRegistry(t, registry.Registration{
		Source: event.SourcePretix,
		Type:   event.PretixOrderPaid,
		Handler: func(ctx context.Context, payload []byte) error {
			return fmt.Errorf("order X is canceled: %w", event.ErrStateConflict)
		},
	})

	d := New(reg, testLogger(), nil)
	result := d.Dispatch(context.Background(), event.Inbound{
		Source:  event.SourcePretix,
		Type:    event.PretixOrderPaid,
		Payload: []byte(`{"code":"X"}`),
	})

	if result.Outcome != event.OutcomeError {
		t.Fatalf("expected outcome error, got %s", result.Outcome)
	}
	if result.Retryable {
		t.Error("expected state conflict to be terminal")
	}
	// Terminal errors are acknowledged so redelivery stops
	if !result.Acknowledge() {
		t.Error("expected terminal error to acknowledge")
	}
	if !errors.Is(result.Err, event.ErrStateConflict) {
		t.Errorf("expected ErrStateConflict in chain, got %v", result.Err)
	}
}

func TestDispatch_RetryableError(t *testing.T) {
	reg := newRegistry(t, registry.Registration{
		Source: event.SourceStripe,
		Type:   event.StripeInvoicePaid,
		Handler: func(ctx context.Context, payload []byte) error {
			return errors.New("dynamodb timeout")
		},
	})

	d := New(reg, testLogger(), nil)
	result := d.Dispatch(context.Background(), event.Inbound{
		Source:  event.SourceStripe,
		Type:    event.StripeInvoicePaid,
		Payload: []byte(`{}`),
	})

	if result.Outcome != event.OutcomeError {
		t.Fatalf("expected outcome error, got %s", result.Outcome)
	}
	if !result.Retryable {
		t.Error("expected unknown error to be retryable")
	}
	if result.Acknowledge() {
		t.Error("expected retryable error not to acknowledge")
	}
}

func TestDispatch_RecordsMetrics(t *testing.T) {
	reg := newRegistry(t, registry.Registration{
		Source:  event.SourceStripe,
		Type:    event.StripeInvoicePaid,
		Handler: func(ctx context.Context, payload []byte) error { return nil },
	})
	mockMetrics := &MockMetrics{}

	d := New(reg, testLogger(), mockMetrics)
	d.Dispatch(context.Background(), event.Inbound{
		Source:  event.SourceStripe,
		Type:    event.StripeInvoicePaid,
		Payload: []byte(`{}`),
	})

	if !mockMetrics.RecordCalled {
		t.Fatal("expected metrics to be recorded")
	}
	if mockMetrics.RecordedSource != event.SourceStripe {
		t.Errorf("expected source stripe, got %s", mockMetrics.RecordedSource)
	}
	if mockMetrics.RecordedResult != event.OutcomeHandled {
		t.Errorf("expected outcome handled, got %s", mockMetrics.RecordedResult)
	}
}

func TestDispatch_MetricFailureDoesNotChangeResult(t *testing.T) {
	reg := newRegistry(t, registry.Registration{
		Source:  event.SourceStripe,
		Type:    event.StripeInvoicePaid,
		Handler: func(ctx context.Context, payload []byte) error { return nil },
	})
	mockMetrics := &MockMetrics{RecordErr: errors.New("cloudwatch throttled")}

	d := New(reg, testLogger(), mockMetrics)
	result := d.Dispatch(context.Background(), event.Inbound{
		Source:  event.SourceStripe,
		Type:    event.StripeInvoicePaid,
		Payload: []byte(`{}`),
	})

	if result.Outcome != event.OutcomeHandled {
		t.Errorf("expected handled despite metric failure, got %s", result.Outcome)
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "state conflict is terminal",
			err:      fmt.Errorf("wrapped: %w", event.ErrStateConflict),
			expected: false,
		},
		{
			name:     "malformed payload is terminal",
			err:      fmt.Errorf("wrapped: %w", event.ErrMalformedPayload),
			expected: false,
		},
		{
			name:     "not found is retryable",
			err:      fmt.Errorf("wrapped: %w", event.ErrNotFound),
			expected: true,
		},
		{
			name:     "unknown error is retryable",
			err:      errors.New("connection reset"),
			expected: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.expected {
				t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.expected)
			}
		})
	}
}
