package main

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"

	"github.com/confplat/event-service-core/internal/archive"
	"github.com/confplat/event-service-core/internal/dispatcher"
	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/handlers/pretixhandler"
	"github.com/confplat/event-service-core/internal/logging"
	"github.com/confplat/event-service-core/internal/metrics"
	"github.com/confplat/event-service-core/internal/registry"
	"github.com/confplat/event-service-core/internal/secrets"
	"github.com/confplat/event-service-core/internal/store"
	"github.com/confplat/event-service-core/internal/tracing"
)

var logger = logging.New()

// Response is the API Gateway proxy response
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// EventDispatcher dispatches a normalized event to its handler
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt event.Inbound) event.DispatchResult
}

// SecretReader reads the webhook basic-auth credential
type SecretReader interface {
	GetSecret(ctx context.Context, secretID string) (string, error)
}

// PayloadArchiver stores raw payloads for audit
type PayloadArchiver interface {
	Archive(ctx context.Context, source event.Source, typ event.Type, body []byte) (string, error)
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Dispatcher EventDispatcher
	Secrets    SecretReader
	Archiver   PayloadArchiver // may be nil
	SecretID   string
}

var deps *Dependencies

func respond(status int, body string) Response {
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func unauthorized() Response {
	return Response{
		StatusCode: 401,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"WWW-Authenticate": `Basic realm="webhook"`,
		},
		Body: `{"error":"unauthorized"}`,
	}
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// checkBasicAuth compares the Authorization header against the stored
// "user:password" credential in constant time.
func checkBasicAuth(header, credential string) bool {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, []byte(credential)) == 1
}

// handler terminates the ticketing system's webhook transport. The sender
// retries on any non-2xx, so terminal failures still return 200.
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	tracer := otel.Tracer("pretix-webhook")
	ctx, span := tracer.Start(ctx, "PretixWebhookHandler")
	defer span.End()

	credential, err := deps.Secrets.GetSecret(ctx, deps.SecretID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read webhook credential",
			slog.String("error", err.Error()),
		)
		return respond(500, `{"error":"configuration error"}`), nil
	}

	if !checkBasicAuth(headerValue(request.Headers, "Authorization"), credential) {
		logger.WarnContext(ctx, "Rejected webhook with missing or invalid credentials",
			slog.String("request_id", request.RequestContext.RequestID),
		)
		return unauthorized(), nil
	}

	body := []byte(request.Body)
	var env struct {
		NotificationID int64  `json:"notification_id"`
		Action         string `json:"action"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Action == "" {
		logger.WarnContext(ctx, "Rejected webhook with malformed envelope",
			slog.String("request_id", request.RequestContext.RequestID),
		)
		return respond(400, `{"error":"malformed notification"}`), nil
	}

	evt := event.Inbound{
		Source:     event.SourcePretix,
		Type:       event.Type(env.Action),
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	if deps.Archiver != nil {
		if _, err := deps.Archiver.Archive(ctx, evt.Source, evt.Type, body); err != nil {
			logger.WarnContext(ctx, "Failed to archive payload",
				slog.Int64("notification_id", env.NotificationID),
				slog.String("error", err.Error()),
			)
		}
	}

	result := deps.Dispatcher.Dispatch(ctx, evt)
	if result.Acknowledge() {
		return respond(200, `{"received":true}`), nil
	}
	return respond(500, `{"error":"event processing failed"}`), nil
}

func main() {
	ctx := context.Background()

	tp, err := tracing.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otel.SetTracerProvider(tp)

	ctx, coldStartSpan := tracing.StartColdStartSpan(ctx, "pretix-webhook")
	defer coldStartSpan.End()

	tableName := os.Getenv("DYNAMODB_TABLE")
	if tableName == "" {
		logger.Error("FATAL: DYNAMODB_TABLE environment variable is required")
		panic("DYNAMODB_TABLE environment variable is required")
	}

	secretID := os.Getenv("PRETIX_WEBHOOK_SECRET_ID")
	if secretID == "" {
		logger.Error("FATAL: PRETIX_WEBHOOK_SECRET_ID environment variable is required")
		panic("PRETIX_WEBHOOK_SECRET_ID environment variable is required")
	}

	storeClient, err := store.NewClient(ctx, tableName)
	if err != nil {
		logger.Error("FATAL: Failed to initialize store",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	secretReader, err := secrets.NewReader(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize secrets reader",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	reg, err := registry.New(pretixhandler.New(storeClient).Registrations())
	if err != nil {
		logger.Error("FATAL: Failed to build handler registry",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	var metricsPublisher dispatcher.MetricsPublisher
	if namespace := os.Getenv("METRIC_NAMESPACE"); namespace != "" {
		metricsPublisher = metrics.NewPublisher(cloudwatch.NewFromConfig(cfg), namespace)
	}

	var archiver PayloadArchiver
	if bucket := os.Getenv("ARCHIVE_BUCKET"); bucket != "" {
		archiver = archive.NewArchiver(s3.NewFromConfig(cfg), bucket)
	}

	deps = &Dependencies{
		Dispatcher: dispatcher.New(reg, logger, metricsPublisher),
		Secrets:    secretReader,
		Archiver:   archiver,
		SecretID:   secretID,
	}

	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(tp)...))
}
