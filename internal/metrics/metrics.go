// Package metrics records prompt generation and lifecycle counters through
// the global OpenTelemetry meter provider. With no provider installed the
// instruments are no-ops.
package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/storyprompt/pkg/models"
)

// Recorder holds the instruments. A nil *Recorder is valid and records nothing.
type Recorder struct {
	generated   metric.Int64Counter
	duplicates  metric.Int64Counter
	transitions metric.Int64Counter
	rejected    metric.Int64Counter
	runs        metric.Int64Counter
	runLatency  metric.Float64Histogram
}

// New creates a Recorder from the global meter provider. Instrument errors
// are logged and leave that instrument unset.
func New() *Recorder {
	meter := otel.Meter("storyprompt/prompts")
	r := &Recorder{}
	var err error

	r.generated, err = meter.Int64Counter("prompts_generated_total", metric.WithDescription("Prompts stored by a generator"))
	if err != nil {
		log.Warn().Err(err).Msg("otel counter prompts_generated_total")
	}
	r.duplicates, err = meter.Int64Counter("prompts_duplicate_total", metric.WithDescription("Prompt inserts skipped because the anchor was open"))
	if err != nil {
		log.Warn().Err(err).Msg("otel counter prompts_duplicate_total")
	}
	r.transitions, err = meter.Int64Counter("prompt_transitions_total", metric.WithDescription("Prompt lifecycle transitions"))
	if err != nil {
		log.Warn().Err(err).Msg("otel counter prompt_transitions_total")
	}
	r.rejected, err = meter.Int64Counter("analysis_prompts_rejected_total", metric.WithDescription("Tier-3 candidates dropped by quality gates or filters"))
	if err != nil {
		log.Warn().Err(err).Msg("otel counter analysis_prompts_rejected_total")
	}
	r.runs, err = meter.Int64Counter("analysis_runs_total", metric.WithDescription("Tier-3 analysis runs by outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("otel counter analysis_runs_total")
	}
	r.runLatency, err = meter.Float64Histogram("analysis_run_latency_ms", metric.WithUnit("ms"))
	if err != nil {
		log.Warn().Err(err).Msg("otel histogram analysis_run_latency_ms")
	}
	return r
}

// Generated counts stored prompts and duplicates for a tier.
func (r *Recorder) Generated(ctx context.Context, tier models.Tier, inserted, duplicates int) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Int("tier", int(tier)))
	if r.generated != nil && inserted > 0 {
		r.generated.Add(ctx, int64(inserted), attrs)
	}
	if r.duplicates != nil && duplicates > 0 {
		r.duplicates.Add(ctx, int64(duplicates), attrs)
	}
}

// Transition counts one lifecycle transition.
func (r *Recorder) Transition(ctx context.Context, to models.PromptState, n int) {
	if r == nil || r.transitions == nil || n <= 0 {
		return
	}
	r.transitions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("to", string(to))))
}

// Rejected counts Tier-3 candidates dropped for reason.
func (r *Recorder) Rejected(ctx context.Context, reason string) {
	if r == nil || r.rejected == nil {
		return
	}
	r.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AnalysisRun records a finished Tier-3 run.
func (r *Recorder) AnalysisRun(ctx context.Context, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	if r.runs != nil {
		r.runs.Add(ctx, 1, attrs)
	}
	if r.runLatency != nil {
		r.runLatency.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}
}
