package main

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"

	"github.com/confplat/event-service-core/internal/dispatcher"
	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/handlers/mailhandler"
	"github.com/confplat/event-service-core/internal/logging"
	"github.com/confplat/event-service-core/internal/metrics"
	"github.com/confplat/event-service-core/internal/notify"
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

// SecretReader reads the endpoint basic-auth credential
type SecretReader interface {
	GetSecret(ctx context.Context, secretID string) (string, error)
}

// HTTPDoer confirms SNS subscriptions
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Dispatcher EventDispatcher
	Secrets    SecretReader
	HTTP       HTTPDoer
	SecretID   string
}

var deps *Dependencies

// snsEnvelope is the SNS HTTPS delivery envelope. The mail notification
// itself is a JSON document nested inside Message.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

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

// confirmSubscription completes the SNS subscription handshake by fetching
// the SubscribeURL. Only AWS-hosted URLs are followed.
func confirmSubscription(ctx context.Context, subscribeURL string) error {
	parsed, err := url.Parse(subscribeURL)
	if err != nil {
		return fmt.Errorf("failed to parse SubscribeURL: %w", err)
	}
	if parsed.Scheme != "https" || !strings.HasSuffix(parsed.Hostname(), ".amazonaws.com") {
		return fmt.Errorf("refusing to confirm subscription via non-AWS URL %q", parsed.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subscribeURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build confirmation request: %w", err)
	}
	resp, err := deps.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("confirmation request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("confirmation request returned status %d", resp.StatusCode)
	}
	return nil
}

// handler terminates the SNS HTTPS endpoint for mail delivery notifications.
func handler(ctx context.Context, request events.APIGatewayProxyRequest) (Response, error) {
	tracer := otel.Tracer("sns-webhook")
	ctx, span := tracer.Start(ctx, "SNSWebhookHandler")
	defer span.End()

	credential, err := deps.Secrets.GetSecret(ctx, deps.SecretID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read endpoint credential",
			slog.String("error", err.Error()),
		)
		return respond(500, `{"error":"configuration error"}`), nil
	}

	if !checkBasicAuth(headerValue(request.Headers, "Authorization"), credential) {
		logger.WarnContext(ctx, "Rejected notification with missing or invalid credentials",
			slog.String("request_id", request.RequestContext.RequestID),
		)
		return unauthorized(), nil
	}

	var env snsEnvelope
	if err := json.Unmarshal([]byte(request.Body), &env); err != nil {
		logger.WarnContext(ctx, "Rejected malformed notification envelope",
			slog.String("request_id", request.RequestContext.RequestID),
		)
		return respond(400, `{"error":"malformed envelope"}`), nil
	}

	msgType := env.Type
	if h := headerValue(request.Headers, "X-Amz-Sns-Message-Type"); h != "" {
		msgType = h
	}

	switch msgType {
	case "SubscriptionConfirmation":
		if err := confirmSubscription(ctx, env.SubscribeURL); err != nil {
			logger.ErrorContext(ctx, "Failed to confirm subscription",
				slog.String("topic_arn", env.TopicArn),
				slog.String("error", err.Error()),
			)
			return respond(500, `{"error":"confirmation failed"}`), nil
		}
		logger.InfoContext(ctx, "Confirmed topic subscription",
			slog.String("topic_arn", env.TopicArn),
		)
		return respond(200, `{"confirmed":true}`), nil

	case "UnsubscribeConfirmation":
		logger.InfoContext(ctx, "Received unsubscribe confirmation",
			slog.String("topic_arn", env.TopicArn),
		)
		return respond(200, `{"received":true}`), nil

	case "Notification":
		var inner struct {
			NotificationType string `json:"notificationType"`
		}
		if err := json.Unmarshal([]byte(env.Message), &inner); err != nil || inner.NotificationType == "" {
			logger.WarnContext(ctx, "Rejected notification with malformed message",
				slog.String("message_id", env.MessageID),
			)
			return respond(400, `{"error":"malformed message"}`), nil
		}

		result := deps.Dispatcher.Dispatch(ctx, event.Inbound{
			Source:     event.SourceSNS,
			Type:       event.Type(inner.NotificationType),
			Payload:    []byte(env.Message),
			ReceivedAt: time.Now().UTC(),
		})
		if result.Acknowledge() {
			return respond(200, `{"received":true}`), nil
		}
		return respond(500, `{"error":"event processing failed"}`), nil

	default:
		logger.WarnContext(ctx, "Ignoring unrecognized message type",
			slog.String("message_type", msgType),
			slog.String("message_id", env.MessageID),
		)
		return respond(200, `{"received":true}`), nil
	}
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

	ctx, coldStartSpan := tracing.StartColdStartSpan(ctx, "sns-webhook")
	defer coldStartSpan.End()

	tableName := os.Getenv("DYNAMODB_TABLE")
	if tableName == "" {
		logger.Error("FATAL: DYNAMODB_TABLE environment variable is required")
		panic("DYNAMODB_TABLE environment variable is required")
	}

	secretID := os.Getenv("SNS_WEBHOOK_SECRET_ID")
	if secretID == "" {
		logger.Error("FATAL: SNS_WEBHOOK_SECRET_ID environment variable is required")
		panic("SNS_WEBHOOK_SECRET_ID environment variable is required")
	}

	queueURL := os.Getenv("NOTIFICATIONS_QUEUE_URL")
	if queueURL == "" {
		logger.Error("FATAL: NOTIFICATIONS_QUEUE_URL environment variable is required")
		panic("NOTIFICATIONS_QUEUE_URL environment variable is required")
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

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	notifier := notify.NewPublisher(sqs.NewFromConfig(cfg), queueURL, logger)

	reg, err := registry.New(mailhandler.New(storeClient, notifier, logger).Registrations())
	if err != nil {
		logger.Error("FATAL: Failed to build handler registry",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	var metricsPublisher dispatcher.MetricsPublisher
	if namespace := os.Getenv("METRIC_NAMESPACE"); namespace != "" {
		metricsPublisher = metrics.NewPublisher(cloudwatch.NewFromConfig(cfg), namespace)
	}

	deps = &Dependencies{
		Dispatcher: dispatcher.New(reg, logger, metricsPublisher),
		Secrets:    secretReader,
		HTTP:       &http.Client{Timeout: 10 * time.Second},
		SecretID:   secretID,
	}

	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(tp)...))
}
