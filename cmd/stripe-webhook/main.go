package main

import (
	"context"
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
	"github.com/confplat/event-service-core/internal/handlers/stripehandler"
	"github.com/confplat/event-service-core/internal/logging"
	"github.com/confplat/event-service-core/internal/metrics"
	"github.com/confplat/event-service-core/internal/registry"
	"github.com/confplat/event-service-core/internal/secrets"
	"github.com/confplat/event-service-core/internal/store"
	"github.com/confplat/event-service-core/internal/stripesig"
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

// SecretReader reads the webhook endpoint secret
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
	Tolerance  time.Duration
}

var deps *Dependencies

func respond(status int, body string) Response {
	return Response{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

// headerValue performs a case-insensitive single-header lookup; API Gateway
// normalizes header casing inconsistently across payload versions.
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

// handler terminates the payment provider's webhook transport: authenticate
// the signature, parse the envelope, dispatch, translate the outcome into a
// status code. The provider retries on any non-2xx.
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	tracer := otel.Tracer("stripe-webhook")
	ctx, span := tracer.Start(ctx, "StripeWebhookHandler")
	defer span.End()

	secret, err := deps.Secrets.GetSecret(ctx, deps.SecretID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read webhook secret",
			slog.String("error", err.Error()),
		)
		return respond(500, `{"error":"configuration error"}`), nil
	}

	sigHeader := headerValue(request.Headers, "Stripe-Signature")
	body := []byte(request.Body)
	if err := stripesig.Verify(body, sigHeader, secret, deps.Tolerance, time.Now()); err != nil {
		logger.WarnContext(ctx, "Rejected webhook with invalid signature",
			slog.String("request_id", request.RequestContext.RequestID),
			slog.String("error", err.Error()),
		)
		return respond(400, `{"error":"invalid signature"}`), nil
	}

	var env struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		logger.WarnContext(ctx, "Rejected webhook with malformed envelope",
			slog.String("request_id", request.RequestContext.RequestID),
		)
		return respond(400, `{"error":"malformed event envelope"}`), nil
	}

	evt := event.Inbound{
		Source:     event.SourceStripe,
		Type:       event.Type(env.Type),
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}

	if deps.Archiver != nil {
		if _, err := deps.Archiver.Archive(ctx, evt.Source, evt.Type, body); err != nil {
			// Audit copy is best-effort, never reject the webhook for it.
			logger.WarnContext(ctx, "Failed to archive payload",
				slog.String("event_id", env.ID),
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

	ctx, coldStartSpan := tracing.StartColdStartSpan(ctx, "stripe-webhook")
	defer coldStartSpan.End()

	tableName := os.Getenv("DYNAMODB_TABLE")
	if tableName == "" {
		logger.Error("FATAL: DYNAMODB_TABLE environment variable is required")
		panic("DYNAMODB_TABLE environment variable is required")
	}

	secretID := os.Getenv("STRIPE_WEBHOOK_SECRET_ID")
	if secretID == "" {
		logger.Error("FATAL: STRIPE_WEBHOOK_SECRET_ID environment variable is required")
		panic("STRIPE_WEBHOOK_SECRET_ID environment variable is required")
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

	reg, err := registry.New(stripehandler.New(storeClient, logger).Registrations())
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
		Tolerance:  stripesig.DefaultTolerance,
	}

	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(tp)...))
}
