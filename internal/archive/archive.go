// Package archive writes raw inbound payloads to S3 for audit and replay.
// Archiving is best-effort: the core does not guarantee a persistent event
// log, and an archive failure never rejects a webhook.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/confplat/event-service-core/internal/event"
)

// S3API is the interface for the S3 operations the archiver uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver stores raw payloads under source/date prefixed keys.
type Archiver struct {
	s3     S3API
	bucket string
}

// NewArchiver creates an archiver for the given bucket.
func NewArchiver(client S3API, bucket string) *Archiver {
	return &Archiver{
		s3:     client,
		bucket: bucket,
	}
}

// Archive writes one payload and returns the object key.
func (a *Archiver) Archive(ctx context.Context, source event.Source, typ event.Type, body []byte) (string, error) {
	key := fmt.Sprintf("%s/%s/%s-%s.json",
		source,
		time.Now().UTC().Format("2006/01/02"),
		typ,
		uuid.NewString(),
	)

	_, err := a.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive payload: %w", err)
	}
	return key, nil
}
