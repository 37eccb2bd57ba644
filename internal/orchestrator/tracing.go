package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/jobcrawl/internal/platform"
)

const tracerName = "github.com/JakeFAU/jobcrawl/internal/orchestrator"

// Span attribute keys.
const (
	attrPlatforms   = attribute.Key("crawl.platforms")
	attrKeywords    = attribute.Key("crawl.keywords")
	attrConcurrency = attribute.Key("crawl.concurrency")
	attrPlatform    = attribute.Key("crawl.platform")
	attrTaskID      = attribute.Key("crawl.task_id")
	attrStatus      = attribute.Key("crawl.status")
	attrJobCount    = attribute.Key("crawl.job_count")
	attrErrorKind   = attribute.Key("crawl.error_kind")
	attrTotalJobs   = attribute.Key("crawl.total_jobs")
)

// WithTracerProvider sets where batch and platform spans go. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracer = tp.Tracer(tracerName) }
}

func defaultTracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(tracerName)
}

func (o *Orchestrator) startBatch(ctx context.Context, valid []platform.Platform, params SearchParams, workers int) (context.Context, trace.Span) {
	names := make([]string, len(valid))
	for i, p := range valid {
		names[i] = string(p)
	}
	return o.tracer.Start(ctx, "crawl.batch", trace.WithAttributes(
		attrPlatforms.StringSlice(names),
		attrKeywords.String(params.Keywords),
		attrConcurrency.Int(workers),
	))
}

func endBatch(span trace.Span, res Result) {
	span.SetAttributes(attrTotalJobs.Int(res.TotalJobs))
	if res.HasErrors {
		span.SetStatus(codes.Error, "one or more platforms failed")
	}
	span.End()
}

// tracedCrawl wraps crawlPlatform in a child span of the batch.
func (o *Orchestrator) tracedCrawl(ctx context.Context, p platform.Platform, taskID string, params SearchParams) outcome {
	ctx, span := o.tracer.Start(ctx, "crawl.platform", trace.WithAttributes(
		attrPlatform.String(string(p)),
		attrTaskID.String(taskID),
	))
	defer span.End()

	out := o.crawlPlatform(ctx, p, taskID, params)
	span.SetAttributes(attrStatus.String(string(out.status)), attrJobCount.Int(len(out.jobs)))
	if out.err != nil {
		span.SetAttributes(attrErrorKind.String(string(out.err.Kind)))
		span.SetStatus(codes.Error, out.err.Message)
	}
	return out
}
