// Package tracing wires OTel with X-Ray for Lambda entrypoints.
package tracing

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda/xrayconfig"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Init creates an X-Ray tracer provider. Call once from main before any other
// AWS client is constructed so cold start spans capture init calls.
func Init(ctx context.Context) (*sdktrace.TracerProvider, error) {
	return xrayconfig.NewTracerProvider(ctx)
}

// StartColdStartSpan opens a span covering init-time work in main. All AWS
// client setup performed under the returned context becomes child spans.
func StartColdStartSpan(ctx context.Context, function string) (context.Context, trace.Span) {
	tracer := otel.Tracer(function)
	return tracer.Start(ctx, function+"-init")
}
