package main

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/confplat/event-service-core/internal/event"
)

// MockDispatcher implements EventDispatcher for testing
type MockDispatcher struct {
	DispatchCalled bool
	DispatchedEvt  event.Inbound
	Result         event.DispatchResult
}

func (m *MockDispatcher) Dispatch(ctx context.Context, evt event.Inbound) event.DispatchResult {
	m.DispatchCalled = true
	m.DispatchedEvt = evt
	return m.Result
}

// MockSecrets implements SecretReader for testing
type MockSecrets struct {
	Secret string
	Err    error
}

func (m *MockSecrets) GetSecret(ctx context.Context, secretID string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	return m.Secret, nil
}

const testCredential = "pretix:s3cret"

func basicAuth(credential string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credential))
}

func setupDeps(dispatcher *MockDispatcher) {
	deps = &Dependencies{
		Dispatcher: dispatcher,
		Secrets:    &MockSecrets{Secret: testCredential},
		SecretID:   "pretix-webhook-secret",
	}
}

func authorizedRequest(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		Headers: map[string]string{"Authorization": basicAuth(testCredential)},
		Body:    body,
	}
}

func TestHandler_ValidNotificationDispatched(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Result: event.DispatchResult{Outcome: event.OutcomeHandled},
	}
	setupDeps(mockDispatcher)

	body := `{"notification_id":123,"organizer":"acme","event":"acme-2026","code":"ABC12","action":"pretix.event.order.paid"}`
	response, err := handler(context.Background(), authorizedRequest(body))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if response.StatusCode != 200 {
		t.Errorf("expected status 200, got %d", response.StatusCode)
	}
	if !mockDispatcher.DispatchCalled {
		t.Fatal("expected dispatch")
	}
	if mockDispatcher.DispatchedEvt.Source != event.SourcePretix {
		t.Errorf("expected source pretix, got %s", mockDispatcher.DispatchedEvt.Source)
	}
	if mockDispatcher.DispatchedEvt.Type != event.PretixOrderPaid {
		t.Errorf("expected order paid action, got %s", mockDispatcher.DispatchedEvt.Type)
	}
}

func TestHandler_MissingCredentialsRejected(t *testing.T) {
	mockDispatcher := &MockDispatcher{}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.APIGatewayProxyRequest{
		Body: `{"notification_id":123,"action":"pretix.event.order.paid"}`,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if response.StatusCode != 401 {
		t.Errorf("expected status 401, got %d", response.StatusCode)
	}
	if response.Headers["WWW-Authenticate"] == "" {
		t.Error("expected WWW-Authenticate challenge")
	}
	if mockDispatcher.DispatchCalled {
		t.Error("expected no dispatch without credentials")
	}
}

func TestHandler_WrongCredentialsRejected(t *testing.T) {
	mockDispatcher := &MockDispatcher{}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), events.APIGatewayProxyRequest{
		Headers: map[string]string{"Authorization": basicAuth("pretix:wrong")},
		Body:    `{"notification_id":123,"action":"pretix.event.order.paid"}`,
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if response.StatusCode != 401 {
		t.Errorf("expected status 401, got %d", response.StatusCode)
	}
	if mockDispatcher.DispatchCalled {
		t.Error("expected no dispatch with wrong credentials")
	}
}

func TestHandler_MalformedNotificationRejected(t *testing.T) {
	mockDispatcher := &MockDispatcher{}
	setupDeps(mockDispatcher)

	response, err := handler(context.Background(), authorizedRequest(`{"notification_id":123}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if response.StatusCode != 400 {
		t.Errorf("expected status 400 for missing action, got %d", response.StatusCode)
	}
	if mockDispatcher.DispatchCalled {
		t.Error("expected no dispatch for malformed notification")
	}
}

func TestHandler_RetryableFailureReturns500(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Result: event.DispatchResult{
			Outcome:   event.OutcomeError,
			Retryable: true,
			Err:       errors.New("dynamodb timeout"),
		},
	}
	setupDeps(mockDispatcher)

	body := `{"notification_id":123,"code":"ABC12","action":"pretix.event.order.paid"}`
	response, err := handler(context.Background(), authorizedRequest(body))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if response.StatusCode != 500 {
		t.Errorf("expected status 500, got %d", response.StatusCode)
	}
}

func TestHandler_TerminalFailureReturns200(t *testing.T) {
	mockDispatcher := &MockDispatcher{
		Result: event.DispatchResult{
			Outcome:   event.OutcomeError,
			Retryable: false,
			Err:       event.ErrStateConflict,
		},
	}
	setupDeps(mockDispatcher)

	body := `{"notification_id":123,"code":"ABC12","action":"pretix.event.order.paid"}`
	response, err := handler(context.Background(), authorizedRequest(body))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if response.StatusCode != 200 {
		t.Errorf("expected status 200 for terminal failure, got %d", response.StatusCode)
	}
}

func TestCheckBasicAuth(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected bool
	}{
		{
			name:     "valid credentials",
			header:   basicAuth(testCredential),
			expected: true,
		},
		{
			name:     "lowercase scheme",
			header:   "basic " + base64.StdEncoding.EncodeToString([]byte(testCredential)),
			expected: true,
		},
		{
			name:     "wrong credentials",
			header:   basicAuth("other:creds"),
			expected: false,
		},
		{
			name:     "bearer token",
			header:   "Bearer abcdef",
			expected: false,
		},
		{
			name:     "invalid base64",
			header:   "Basic !!!",
			expected: false,
		},
		{
			name:     "empty header",
			header:   "",
			expected: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := checkBasicAuth(tc.header, testCredential); got != tc.expected {
				t.Errorf("checkBasicAuth(%q) = %v, want %v", tc.header, got, tc.expected)
			}
		})
	}
}
