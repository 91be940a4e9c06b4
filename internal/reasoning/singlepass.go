package reasoning

import (
	"context"
	"strings"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// singlePass runs the five-phase template in one call. extra is appended to
// the task, which reflection uses to feed a critique back in.
func (s *session) singlePass(ctx context.Context, extra string, temperature float64) (*models.ReasoningTrace, error) {
	text, err := s.call(ctx, singlePassPrompt(s.task, extra), temperature)
	if err != nil {
		return nil, err
	}
	return traceFromStructured(text), nil
}

// traceFromStructured turns a five-phase reply into a trace. An unparseable
// reply becomes a trace with the raw text as the answer, zero confidence and
// failed verification, so the quality gate can escalate.
func traceFromStructured(text string) *models.ReasoningTrace {
	r := parseResponse(text)
	trace := &models.ReasoningTrace{Pattern: models.PatternSinglePass}

	if !r.parsed || !r.has("final_answer") {
		trace.FinalAnswer = strings.TrimSpace(text)
		trace.AddStep(models.StepExecution, strings.TrimSpace(text), 0)
		trace.Reflection = "response did not follow the structured template"
		return trace
	}

	confidence := r.number("confidence", 0.5)
	verification := r.text("verification")

	trace.AddStep(models.StepUnderstanding, r.text("understanding"), confidence)
	trace.AddStep(models.StepAnalysis, r.text("analysis"), confidence)
	trace.AddStep(models.StepPlanning, r.text("plan"), confidence)
	trace.AddStep(models.StepExecution, r.text("execution"), confidence)
	trace.AddStep(models.StepVerification, verification, confidence)

	trace.FinalAnswer = r.text("final_answer")
	trace.Confidence = confidence
	trace.VerificationPassed = r.boolean("verified", verification != "")
	return trace
}
