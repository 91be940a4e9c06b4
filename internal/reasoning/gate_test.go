package reasoning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// fakeReasoner returns a canned trace per pattern and records what it ran.
type fakeReasoner struct {
	traces   map[models.Pattern]*models.ReasoningTrace
	err      error
	patterns []models.Pattern
	models   []string
}

func (f *fakeReasoner) Reason(_ context.Context, _ Task, p models.Pattern, params Params) (*models.ReasoningTrace, error) {
	f.patterns = append(f.patterns, p)
	f.models = append(f.models, params.Model)
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.traces[p]
	if !ok {
		return &models.ReasoningTrace{Pattern: p, Confidence: 0.1}, nil
	}
	return t, nil
}

func TestEscalate(t *testing.T) {
	tests := []struct {
		from, want models.Pattern
	}{
		{models.PatternSinglePass, models.PatternReflection},
		{models.PatternActObserve, models.PatternReflection},
		{models.PatternReflection, models.PatternConsensus},
		{models.PatternConsensus, models.PatternTreeSearch},
		{models.PatternTreeSearch, models.PatternTreeSearch},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Escalate(tt.from), string(tt.from))
	}
}

func TestGate_PassesFirstTime(t *testing.T) {
	f := &fakeReasoner{traces: map[models.Pattern]*models.ReasoningTrace{
		models.PatternSinglePass: {Pattern: models.PatternSinglePass, Confidence: 0.9, VerificationPassed: true},
	}}
	trace, err := NewGate(f, 2).Run(context.Background(), task, models.PatternSinglePass, Params{})
	require.NoError(t, err)
	assert.Equal(t, models.PatternSinglePass, trace.Pattern)
	assert.Len(t, f.patterns, 1)
}

func TestGate_EscalatesUntilPass(t *testing.T) {
	f := &fakeReasoner{traces: map[models.Pattern]*models.ReasoningTrace{
		models.PatternSinglePass: {Pattern: models.PatternSinglePass, Confidence: 0.95, VerificationPassed: false},
		models.PatternReflection: {Pattern: models.PatternReflection, Confidence: 0.75, VerificationPassed: true},
	}}
	g := NewGate(f, 2)
	g.Stronger = func(m string) (string, bool) { return m + "+", true }

	trace, err := g.Run(context.Background(), task, models.PatternSinglePass, Params{Model: "base"})
	require.NoError(t, err)
	assert.Equal(t, models.PatternReflection, trace.Pattern)
	assert.Equal(t, []models.Pattern{models.PatternSinglePass, models.PatternReflection}, f.patterns)
	assert.Equal(t, []string{"base", "base+"}, f.models)
}

func TestGate_ExhaustionReturnsLastTrace(t *testing.T) {
	f := &fakeReasoner{}
	g := NewGate(f, 2)

	_, err := g.Run(context.Background(), task, models.PatternSinglePass, Params{})
	var qg *QualityGateFailure
	require.ErrorAs(t, err, &qg)
	assert.Equal(t, 3, qg.Attempts)
	assert.Equal(t, models.PatternConsensus, qg.Pattern)
	assert.InDelta(t, 0.1, qg.Confidence, 1e-9)
	assert.Equal(t, DefaultThreshold, qg.Threshold)
	require.NotNil(t, qg.Trace)
	assert.Equal(t, []models.Pattern{models.PatternSinglePass, models.PatternReflection, models.PatternConsensus}, f.patterns)
}

func TestGate_ReasonErrorIsReturned(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewGate(&fakeReasoner{err: boom}, 2).Run(context.Background(), task, models.PatternSinglePass, Params{})
	require.ErrorIs(t, err, boom)
	var qg *QualityGateFailure
	assert.False(t, errors.As(err, &qg))
}

func TestGate_NegativeRetriesRunOnce(t *testing.T) {
	f := &fakeReasoner{}
	var trace *models.ReasoningTrace
	var err error
	require.NotPanics(t, func() {
		trace, err = NewGate(f, -1).Run(context.Background(), task, models.PatternSinglePass, Params{})
	})
	assert.Nil(t, trace)
	var qg *QualityGateFailure
	require.ErrorAs(t, err, &qg)
	assert.Equal(t, 1, qg.Attempts)
	assert.Equal(t, models.PatternSinglePass, qg.Pattern)
	assert.Equal(t, []models.Pattern{models.PatternSinglePass}, f.patterns)
}
