package archive

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/confplat/event-service-core/internal/event"
)

// MockS3 implements S3API for testing
type MockS3 struct {
	PutObjectCalled bool
	PutObjectInputs []*s3.PutObjectInput
	PutObjectErr    error
}

func (m *MockS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	m.PutObjectInputs = append(m.PutObjectInputs, params)
	if m.PutObjectErr != nil {
		return nil, m.PutObjectErr
	}
	return &s3.PutObjectOutput{}, nil
}

func TestArchive_WritesSourceDatePrefixedKey(t *testing.T) {
	mockS3 := &MockS3{}
	a := NewArchiver(mockS3, "event-archive")

	key, err := a.Archive(context.Background(), event.SourceStripe, event.StripeInvoicePaid, []byte(`{"id":"evt_1"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	datePrefix := "stripe/" + time.Now().UTC().Format("2006/01/02") + "/invoice.paid-"
	if !strings.HasPrefix(key, datePrefix) {
		t.Errorf("expected key prefix %s, got %s", datePrefix, key)
	}
	if !strings.HasSuffix(key, ".json") {
		t.Errorf("expected .json suffix, got %s", key)
	}

	if len(mockS3.PutObjectInputs) != 1 {
		t.Fatalf("expected 1 PutObject call, got %d", len(mockS3.PutObjectInputs))
	}
	input := mockS3.PutObjectInputs[0]
	if *input.Bucket != "event-archive" {
		t.Errorf("expected bucket event-archive, got %s", *input.Bucket)
	}
	body, err := io.ReadAll(input.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if string(body) != `{"id":"evt_1"}` {
		t.Errorf("unexpected archived body: %s", body)
	}
}

func TestArchive_UniqueKeysPerCall(t *testing.T) {
	mockS3 := &MockS3{}
	a := NewArchiver(mockS3, "event-archive")

	first, err := a.Archive(context.Background(), event.SourcePretix, event.PretixOrderPaid, []byte(`{}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := a.Archive(context.Background(), event.SourcePretix, event.PretixOrderPaid, []byte(`{}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if first == second {
		t.Errorf("expected unique keys, both were %s", first)
	}
}

func TestArchive_WrapsS3Error(t *testing.T) {
	mockS3 := &MockS3{PutObjectErr: errors.New("bucket gone")}
	a := NewArchiver(mockS3, "event-archive")

	if _, err := a.Archive(context.Background(), event.SourceStripe, event.StripeInvoicePaid, []byte(`{}`)); err == nil {
		t.Fatal("expected error, got nil")
	}
}
