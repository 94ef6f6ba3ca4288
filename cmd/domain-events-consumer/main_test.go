package main

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/pkg/eventcontract"
)

// MockDispatcher implements EventDispatcher for testing
type MockDispatcher struct {
	DispatchCalled bool
	Dispatched     []event.Inbound
	Results        map[event.Type]event.DispatchResult
}

func (m *MockDispatcher) Dispatch(ctx context.Context, evt event.Inbound) event.DispatchResult {
	m.DispatchCalled = true
	m.Dispatched = append(m.Dispatched, evt)
	if result, ok := m.Results[evt.Type]; ok {
		return result
	}
	return event.DispatchResult{Outcome: event.OutcomeHandled}
}

func record(messageID, eventType, body string, receiveCount string) events.SQSMessage {
	msg := events.SQSMessage{
		MessageId:  messageID,
		Body:       body,
		Attributes: map[string]string{"ApproximateReceiveCount": receiveCount},
	}
	if eventType != "" {
		msg.MessageAttributes = map[string]events.SQSMessageAttribute{
			eventcontract.MessageTypeAttribute: {
				DataType:    "String",
				StringValue: aws.String(eventType),
			},
		}
	}
	return msg
}

func setupDeps(dispatcher *MockDispatcher) {
	deps = &Dependencies{
		Dispatcher:  dispatcher,
		MaxReceives: 5,
	}
}

func TestHandler_DispatchesEachRecord(t *testing.T) {
	mockDispatcher := &MockDispatcher{}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "proposal.submitted", `{"eventType":"proposal.submitted","data":{"proposalId":"prop-1"}}`, "1"),
			record("msg-2", "grant.reply.sent", `{"eventType":"grant.reply.sent","data":{"grantId":"g-1","recipient":"a@example.org"}}`, "1"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(response.BatchItemFailures) != 0 {
		t.Errorf("expected no batch failures, got %d", len(response.BatchItemFailures))
	}
	if len(mockDispatcher.Dispatched) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(mockDispatcher.Dispatched))
	}
	if mockDispatcher.Dispatched[0].Source != event.SourceDomain {
		t.Errorf("expected source domain, got %s", mockDispatcher.Dispatched[0].Source)
	}
	if mockDispatcher.Dispatched[0].Type != event.DomainProposalSubmitted {
		t.Errorf("expected type proposal.submitted, got %s", mockDispatcher.Dispatched[0].Type)
	}
}

func TestHandler_RetryableFailureReportsBatchItem(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Results: map[event.Type]event.DispatchResult{
			event.DomainGrantReplySent: {
				Outcome:   event.OutcomeError,
				Retryable: true,
				Err:       errors.New("queue unavailable"),
			},
		},
	}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "proposal.submitted", `{}`, "1"),
			record("msg-2", "grant.reply.sent", `{}`, "1"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Only the failed record is redriven
	if len(response.BatchItemFailures) != 1 {
		t.Fatalf("expected 1 batch failure, got %d", len(response.BatchItemFailures))
	}
	if response.BatchItemFailures[0].ItemIdentifier != "msg-2" {
		t.Errorf("expected msg-2 to fail, got %s", response.BatchItemFailures[0].ItemIdentifier)
	}
}

func TestHandler_TerminalFailureAcknowledged(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Results: map[event.Type]event.DispatchResult{
			event.DomainProposalSubmitted: {
				Outcome:   event.OutcomeError,
				Retryable: false,
				Err:       event.ErrMalformedPayload,
			},
		},
	}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "proposal.submitted", `{}`, "1"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(response.BatchItemFailures) != 0 {
		t.Errorf("expected terminal failure to be acknowledged, got %d batch failures", len(response.BatchItemFailures))
	}
}

func TestHandler_UnknownTypeAcknowledged(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Results: map[event.Type]event.DispatchResult{
			event.Type("membership.renewed"): {Outcome: event.OutcomeNoHandler},
		},
	}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "membership.renewed", `{}`, "1"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(response.BatchItemFailures) != 0 {
		t.Errorf("expected unhandled type to be acknowledged, got %d batch failures", len(response.BatchItemFailures))
	}
}

func TestHandler_MissingTypeAttributeAcknowledged(t *testing.T) {
	mockDispatcher := &MockDispatcher{}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "", `{"eventType":"mystery"}`, "1"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(response.BatchItemFailures) != 0 {
		t.Errorf("expected untyped message to be acknowledged, got %d batch failures", len(response.BatchItemFailures))
	}
	if mockDispatcher.DispatchCalled {
		t.Error("expected no dispatch without a type attribute")
	}
}

func TestHandler_PoisonMessageDroppedAtMaxReceives(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Results: map[event.Type]event.DispatchResult{
			event.DomainGrantReplySent: {
				Outcome:   event.OutcomeError,
				Retryable: true,
				Err:       errors.New("queue unavailable"),
			},
		},
	}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "grant.reply.sent", `{}`, "5"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// At the receive cap the message is logged and dropped, not redriven
	if len(response.BatchItemFailures) != 0 {
		t.Errorf("expected poison message to be dropped, got %d batch failures", len(response.BatchItemFailures))
	}
}

func TestHandler_BelowMaxReceivesStillRedrives(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Results: map[event.Type]event.DispatchResult{
			event.DomainGrantReplySent: {
				Outcome:   event.OutcomeError,
				Retryable: true,
				Err:       errors.New("queue unavailable"),
			},
		},
	}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.SQSEvent{
		Records: []events.SQSMessage{
			record("msg-1", "grant.reply.sent", `{}`, "4"),
		},
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if len(response.BatchItemFailures) != 1 {
		t.Errorf("expected 1 batch failure below the cap, got %d", len(response.BatchItemFailures))
	}
}
