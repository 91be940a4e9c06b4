package reasoning

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// DefaultThreshold is the minimum confidence a trace needs to pass the gate.
const DefaultThreshold = 0.7

// Reasoner runs one task with a given pattern.
type Reasoner interface {
	Reason(ctx context.Context, task Task, pattern models.Pattern, p Params) (*models.ReasoningTrace, error)
}

var _ Reasoner = (*Engine)(nil)

// QualityGateFailure is returned when no attempt met the threshold.
type QualityGateFailure struct {
	Pattern    models.Pattern
	Confidence float64
	Threshold  float64
	Attempts   int
	Trace      *models.ReasoningTrace
}

func (e *QualityGateFailure) Error() string {
	verified := false
	if e.Trace != nil {
		verified = e.Trace.VerificationPassed
	}
	return fmt.Sprintf("quality gate failed after %d attempts: last %s confidence %.2f (threshold %.2f), verified=%t",
		e.Attempts, e.Pattern, e.Confidence, e.Threshold, verified)
}

// Escalate returns the next stronger pattern.
func Escalate(p models.Pattern) models.Pattern {
	switch p {
	case models.PatternSinglePass, models.PatternActObserve:
		return models.PatternReflection
	case models.PatternReflection:
		return models.PatternConsensus
	default:
		return models.PatternTreeSearch
	}
}

// Gate re-runs a task with stronger strategies until a trace passes.
type Gate struct {
	Reasoner  Reasoner
	Threshold float64
	// MaxRetries is the number of attempts after the first. Negative values
	// count as zero.
	MaxRetries int
	// Stronger, when set, picks a more capable model for each retry.
	Stronger func(model string) (string, bool)
	Logger   zerolog.Logger
}

// NewGate creates a gate with the default threshold.
func NewGate(r Reasoner, maxRetries int) *Gate {
	return &Gate{Reasoner: r, Threshold: DefaultThreshold, MaxRetries: maxRetries, Logger: zerolog.Nop()}
}

// Passes reports whether a trace clears the threshold.
func (g *Gate) Passes(t *models.ReasoningTrace) bool {
	return t != nil && t.VerificationPassed && t.Confidence >= g.Threshold
}

// Run executes task starting at pattern. It returns the first passing trace
// or a QualityGateFailure carrying the last one. Generator errors are
// returned as is.
func (g *Gate) Run(ctx context.Context, task Task, pattern models.Pattern, p Params) (*models.ReasoningTrace, error) {
	var last *models.ReasoningTrace
	attempts := 0
	for attempt := 0; attempt <= max(g.MaxRetries, 0); attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			pattern = Escalate(pattern)
			if g.Stronger != nil {
				if m, ok := g.Stronger(p.Model); ok {
					p.Model = m
				}
			}
			g.Logger.Info().Str("subtask", task.ID).Str("pattern", string(pattern)).Str("model", p.Model).
				Int("attempt", attempt+1).Msg("escalating after quality gate")
		}

		trace, err := g.Reasoner.Reason(ctx, task, pattern, p)
		if err != nil {
			return nil, err
		}
		attempts++
		last = trace
		if g.Passes(trace) {
			return trace, nil
		}
	}
	return nil, &QualityGateFailure{
		Pattern:    last.Pattern,
		Confidence: last.Confidence,
		Threshold:  g.Threshold,
		Attempts:   attempts,
		Trace:      last,
	}
}
