// Package secrets reads webhook shared secrets from AWS Secrets Manager,
// caching values for the lifetime of the execution environment so warm
// invocations skip the network call.
package secrets

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
)

// SecretsManagerAPI is the interface for the Secrets Manager operations the reader uses
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Reader reads and caches secret strings.
type Reader struct {
	client SecretsManagerAPI

	mu    sync.Mutex
	cache map[string]string
}

// NewReader creates a reader with its own AWS client and OTel instrumentation.
func NewReader(ctx context.Context) (*Reader, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	return NewReaderWithAPI(secretsmanager.NewFromConfig(cfg)), nil
}

// NewReaderWithAPI creates a reader from an existing client.
func NewReaderWithAPI(client SecretsManagerAPI) *Reader {
	return &Reader{
		client: client,
		cache:  make(map[string]string),
	}
}

// GetSecret returns the secret string for the given ARN or name. Rotation is
// picked up on the next cold start; webhook secrets rotate rarely and the
// upstream retries a rejected delivery.
func (r *Reader) GetSecret(ctx context.Context, secretID string) (string, error) {
	r.mu.Lock()
	cached, ok := r.cache[secretID]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	output, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read secret %s: %w", secretID, err)
	}
	if output.SecretString == nil || *output.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value", secretID)
	}

	r.mu.Lock()
	r.cache[secretID] = *output.SecretString
	r.mu.Unlock()

	return *output.SecretString, nil
}
