// Package metrics publishes dispatch outcome metrics to CloudWatch.
package metrics

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/confplat/event-service-core/internal/event"
)

// CloudWatchAPI is the interface for the CloudWatch operations the publisher uses
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Publisher publishes dispatch metrics to CloudWatch
type Publisher struct {
	client    CloudWatchAPI
	namespace string
}

// NewPublisher creates a new Publisher
func NewPublisher(client CloudWatchAPI, namespace string) *Publisher {
	return &Publisher{
		client:    client,
		namespace: namespace,
	}
}

// RecordDispatch publishes one EventsDispatched datapoint with source and
// outcome dimensions. Event type is deliberately not a dimension to keep
// metric cardinality bounded as upstreams add types.
func (p *Publisher) RecordDispatch(ctx context.Context, source event.Source, typ event.Type, outcome event.Outcome) error {
	_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String("EventsDispatched"),
				Value:      aws.Float64(1),
				Unit:       types.StandardUnitCount,
				Dimensions: []types.Dimension{
					{Name: aws.String("Source"), Value: aws.String(string(source))},
					{Name: aws.String("Outcome"), Value: aws.String(string(outcome))},
				},
			},
		},
	})
	return err
}
