package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thebtf/storyprompt/pkg/models"
)

func TestRecorder_NoopProvider(t *testing.T) {
	r := New()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		r.Generated(ctx, models.TierTemplate, 2, 1)
		r.Transition(ctx, models.StateQueued, 1)
		r.Rejected(ctx, "too_long")
		r.AnalysisRun(ctx, "ok", time.Second)
	})
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.Generated(context.Background(), models.TierAnalysis, 1, 0)
		r.Transition(context.Background(), models.StateUsed, 1)
		r.Rejected(context.Background(), "x")
		r.AnalysisRun(context.Background(), "failed", 0)
	})
}
