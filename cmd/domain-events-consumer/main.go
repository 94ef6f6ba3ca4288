package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
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
	"github.com/confplat/event-service-core/internal/handlers/domainhandler"
	"github.com/confplat/event-service-core/internal/logging"
	"github.com/confplat/event-service-core/internal/metrics"
	"github.com/confplat/event-service-core/internal/notify"
	"github.com/confplat/event-service-core/internal/registry"
	"github.com/confplat/event-service-core/internal/tracing"
	"github.com/confplat/event-service-core/pkg/eventcontract"
)

var logger = logging.New()

const defaultMaxReceives = 5

// EventDispatcher dispatches a normalized event to its handler
type EventDispatcher interface {
	Dispatch(ctx context.Context, evt event.Inbound) event.DispatchResult
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	Dispatcher EventDispatcher
	// MaxReceives caps redelivery: once a message has been received this
	// many times it is acknowledged and logged instead of redriven.
	MaxReceives int
}

var deps *Dependencies

func receiveCount(record events.SQSMessage) int {
	n, err := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	if err != nil {
		return 1
	}
	return n
}

// handler consumes domain events from the queue. Failed retryable messages
// are reported individually so the rest of the batch is not redelivered.
func handler(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	tracer := otel.Tracer("domain-events-consumer")
	ctx, span := tracer.Start(ctx, "DomainEventsHandler")
	defer span.End()

	var response events.SQSEventResponse

	for _, record := range sqsEvent.Records {
		attr, ok := record.MessageAttributes[eventcontract.MessageTypeAttribute]
		if !ok || attr.StringValue == nil || *attr.StringValue == "" {
			logger.WarnContext(ctx, "Acknowledging message without a type attribute",
				slog.String("message_id", record.MessageId),
			)
			continue
		}

		result := deps.Dispatcher.Dispatch(ctx, event.Inbound{
			Source:     event.SourceDomain,
			Type:       event.Type(*attr.StringValue),
			Payload:    []byte(record.Body),
			ReceivedAt: time.Now().UTC(),
		})
		if result.Acknowledge() {
			continue
		}

		if n := receiveCount(record); n >= deps.MaxReceives {
			logger.ErrorContext(ctx, "Dropping message after repeated delivery failures",
				slog.String("message_id", record.MessageId),
				slog.String("event_type", *attr.StringValue),
				slog.Int("receive_count", n),
				slog.String("error", result.Err.Error()),
			)
			continue
		}

		response.BatchItemFailures = append(response.BatchItemFailures, events.SQSBatchItemFailure{
			ItemIdentifier: record.MessageId,
		})
	}

	return response, nil
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

	ctx, coldStartSpan := tracing.StartColdStartSpan(ctx, "domain-events-consumer")
	defer coldStartSpan.End()

	queueURL := os.Getenv("NOTIFICATIONS_QUEUE_URL")
	if queueURL == "" {
		logger.Error("FATAL: NOTIFICATIONS_QUEUE_URL environment variable is required")
		panic("NOTIFICATIONS_QUEUE_URL environment variable is required")
	}

	maxReceives := defaultMaxReceives
	if raw := os.Getenv("DOMAIN_EVENT_MAX_RECEIVES"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			logger.Error("FATAL: DOMAIN_EVENT_MAX_RECEIVES must be a positive integer",
				slog.String("value", raw),
			)
			panic("DOMAIN_EVENT_MAX_RECEIVES must be a positive integer")
		}
		maxReceives = n
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

	reg, err := registry.New(domainhandler.New(notifier, logger).Registrations())
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
		Dispatcher:  dispatcher.New(reg, logger, metricsPublisher),
		MaxReceives: maxReceives,
	}

	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(tp)...))
}
