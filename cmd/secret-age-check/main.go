package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"

	"github.com/confplat/event-service-core/internal/logging"
	"github.com/confplat/event-service-core/internal/tracing"
)

var logger = logging.New()

// SSMReader reads parameters from SSM Parameter Store
type SSMReader interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// MetricsPublisher publishes metrics to CloudWatch
type MetricsPublisher interface {
	PublishSecretAge(ctx context.Context, secretName string, ageDays float64) error
}

// Config holds application configuration
type Config struct {
	// SecretParameters maps a secret name to the SSM parameter holding
	// its last-rotation timestamp.
	SecretParameters map[string]string
	MetricNamespace  string
}

// Dependencies for handler (injectable for testing)
type Dependencies struct {
	SSMReader        SSMReader
	MetricsPublisher MetricsPublisher
	Config           Config
}

var deps *Dependencies

// checkSecretAges reads each secret's rotation timestamp and publishes its
// age so an alarm can fire when rotation is overdue.
func checkSecretAges(ctx context.Context) error {
	for name, parameter := range deps.Config.SecretParameters {
		timestamp, err := deps.SSMReader.GetParameter(ctx, parameter)
		if err != nil {
			return fmt.Errorf("failed to read SSM parameter %s: %w", parameter, err)
		}

		rotatedAt, err := time.Parse(time.RFC3339, timestamp)
		if err != nil {
			return fmt.Errorf("failed to parse timestamp for %s: %w", name, err)
		}

		ageDays := time.Since(rotatedAt).Hours() / 24

		if err := deps.MetricsPublisher.PublishSecretAge(ctx, name, ageDays); err != nil {
			return fmt.Errorf("failed to publish metric for %s: %w", name, err)
		}

		logger.InfoContext(ctx, "Secret age check completed",
			slog.String("secret", name),
			slog.Float64("age_days", ageDays),
			slog.String("rotated_at", timestamp),
		)
	}

	return nil
}

// handler is the Lambda entry point
func handler(ctx context.Context) error {
	return checkSecretAges(ctx)
}

// =============================================================================
// Real implementations
// =============================================================================

// SSMParameterReader implements SSMReader using AWS SSM
type SSMParameterReader struct {
	client *ssm.Client
}

// NewSSMParameterReader creates a new SSMParameterReader
func NewSSMParameterReader(client *ssm.Client) *SSMParameterReader {
	return &SSMParameterReader{client: client}
}

// GetParameter retrieves a parameter from SSM
func (r *SSMParameterReader) GetParameter(ctx context.Context, name string) (string, error) {
	result, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name: aws.String(name),
	})
	if err != nil {
		return "", err
	}

	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter value is empty")
	}

	return *result.Parameter.Value, nil
}

// CloudWatchMetricsPublisher implements MetricsPublisher using CloudWatch
type CloudWatchMetricsPublisher struct {
	client    *cloudwatch.Client
	namespace string
}

// NewCloudWatchMetricsPublisher creates a new CloudWatchMetricsPublisher
func NewCloudWatchMetricsPublisher(client *cloudwatch.Client, namespace string) *CloudWatchMetricsPublisher {
	return &CloudWatchMetricsPublisher{
		client:    client,
		namespace: namespace,
	}
}

// PublishSecretAge publishes a secret age metric to CloudWatch
func (p *CloudWatchMetricsPublisher) PublishSecretAge(ctx context.Context, secretName string, ageDays float64) error {
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String("WebhookSecretAgeDays"),
				Value:      aws.Float64(ageDays),
				Unit:       types.StandardUnitCount,
				Dimensions: []types.Dimension{
					{Name: aws.String("Secret"), Value: aws.String(secretName)},
				},
			},
		},
	})
	return err
}

// parseSecretParameters parses "name=/ssm/path,name2=/ssm/path2"
func parseSecretParameters(raw string) (map[string]string, error) {
	parameters := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		name, parameter, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || parameter == "" {
			return nil, fmt.Errorf("invalid secret parameter entry %q", pair)
		}
		parameters[name] = parameter
	}
	return parameters, nil
}

func main() {
	ctx := context.Background()

	// Initialize tracer provider
	tp, err := tracing.Init(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to initialize tracer provider",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otel.SetTracerProvider(tp)

	// Create cold start span - all init AWS calls become children
	ctx, coldStartSpan := tracing.StartColdStartSpan(ctx, "secret-age-check")
	defer coldStartSpan.End()

	// Get required environment variables
	rawParameters := os.Getenv("SECRET_PARAMETERS")
	if rawParameters == "" {
		logger.Error("FATAL: SECRET_PARAMETERS environment variable is required")
		panic("SECRET_PARAMETERS environment variable is required")
	}

	secretParameters, err := parseSecretParameters(rawParameters)
	if err != nil {
		logger.Error("FATAL: Failed to parse SECRET_PARAMETERS",
			slog.String("error", err.Error()),
		)
		panic(err)
	}

	metricNamespace := os.Getenv("METRIC_NAMESPACE")
	if metricNamespace == "" {
		logger.Error("FATAL: METRIC_NAMESPACE environment variable is required")
		panic("METRIC_NAMESPACE environment variable is required")
	}

	// Initialize AWS clients
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Error("FATAL: Failed to load AWS config",
			slog.String("error", err.Error()),
		)
		panic(err)
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)

	ssmClient := ssm.NewFromConfig(cfg)
	cwClient := cloudwatch.NewFromConfig(cfg)

	deps = &Dependencies{
		SSMReader:        NewSSMParameterReader(ssmClient),
		MetricsPublisher: NewCloudWatchMetricsPublisher(cwClient, metricNamespace),
		Config: Config{
			SecretParameters: secretParameters,
			MetricNamespace:  metricNamespace,
		},
	}

	lambda.Start(otellambda.InstrumentHandler(handler, xrayconfig.WithRecommendedOptions(tp)...))
}
