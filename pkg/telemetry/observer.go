package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/metaboflow/metaboflow/pkg/stages"
	"github.com/metaboflow/metaboflow/pkg/workflow"
)

// StageObserver implements workflow.Observer, emitting one span per
// executed stage. Spans open on StageStarted and close on
// StageCompleted with the stage outcome attached.
type StageObserver struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

// NewStageObserver wraps a tracer as a workflow observer. A nil tracer
// yields a no-op observer, so callers can wire it unconditionally.
func NewStageObserver(tracer trace.Tracer) *StageObserver {
	return &StageObserver{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
	}
}

func (o *StageObserver) StageStarted(ctx context.Context, step stages.StepConfig) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(ctx, "stage."+string(step.Type),
		trace.WithAttributes(
			attribute.String("stage.id", step.ID),
			attribute.String("stage.type", string(step.Type)),
			attribute.String("stage.name", step.Name),
		),
	)

	o.mu.Lock()
	o.spans[step.ID] = span
	o.mu.Unlock()
}

func (o *StageObserver) StageCompleted(_ context.Context, result workflow.StageResult) {
	if o.tracer == nil {
		return
	}

	o.mu.Lock()
	span, ok := o.spans[result.StepID]
	delete(o.spans, result.StepID)
	o.mu.Unlock()
	if !ok {
		return
	}

	span.SetAttributes(
		attribute.Bool("stage.success", result.Success),
		attribute.Bool("stage.remote", result.ExecutedRemotely),
		attribute.Int64("stage.duration_ms", result.ProcessingTimeMs),
	)
	for name, count := range result.Counts {
		span.SetAttributes(attribute.Int("stage.count."+name, count))
	}
	if !result.Success {
		span.SetStatus(codes.Error, result.Error)
	}
	span.End()
}
