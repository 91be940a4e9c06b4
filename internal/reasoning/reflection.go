package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/quorum/pkg/models"
)

type critique struct {
	correct      bool
	issues       []string
	improvements []string
	score        float64
}

// reflection generates an answer and then critiques and refines it until the
// critique reports no issues or MaxIterations critiques have run.
func (s *session) reflection(ctx context.Context) (*models.ReasoningTrace, error) {
	current, err := s.singlePass(ctx, "", s.params.Temperature)
	if err != nil {
		return nil, err
	}

	trace := &models.ReasoningTrace{Pattern: models.PatternReflection}
	trace.AddStep(models.StepExecution, "initial answer: "+firstLine(current.FinalAnswer), current.Confidence)

	var last critique
	var summary []string
	for iter := 1; iter <= s.params.MaxIterations; iter++ {
		last, err = s.critique(ctx, current.FinalAnswer)
		if err != nil {
			return nil, err
		}
		trace.AddStep(models.StepVerification,
			fmt.Sprintf("critique %d: score %.2f, %d issues", iter, last.score, len(last.issues)),
			last.score, last.issues...)
		if len(last.issues) > 0 {
			summary = append(summary, fmt.Sprintf("iteration %d: %s", iter, strings.Join(last.issues, "; ")))
		}

		if len(last.issues) == 0 && last.correct {
			break
		}
		if iter == s.params.MaxIterations {
			break
		}

		refined, err := s.singlePass(ctx, refineExtra(current.FinalAnswer, last.issues, last.improvements), s.params.Temperature)
		if err != nil {
			return nil, err
		}
		trace.AddStep(models.StepPlanning, fmt.Sprintf("refinement %d: %s", iter, firstLine(refined.FinalAnswer)), refined.Confidence)
		current = refined
	}

	trace.FinalAnswer = current.FinalAnswer
	trace.Confidence = last.score
	trace.VerificationPassed = len(last.issues) == 0
	if len(summary) == 0 {
		trace.Reflection = "no issues found"
	} else {
		trace.Reflection = strings.Join(summary, "\n")
	}
	return trace, nil
}

func (s *session) critique(ctx context.Context, answer string) (critique, error) {
	text, err := s.call(ctx, critiquePrompt(s.task, answer), 0)
	if err != nil {
		return critique{}, err
	}
	r := parseResponse(text)
	if !r.parsed {
		return critique{
			issues: []string{"critique response was not valid JSON"},
		}, nil
	}
	return critique{
		correct:      r.boolean("is_correct", true),
		issues:       r.strings("issues"),
		improvements: r.strings("improvements"),
		score:        r.number("score", 0),
	}, nil
}
