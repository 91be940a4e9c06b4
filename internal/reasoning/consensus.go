package reasoning

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// consensus samples NumSamples independent single-pass answers at the
// consensus temperature and returns the most common one. Ties go to the
// answer whose first sample came earliest.
func (s *session) consensus(ctx context.Context) (*models.ReasoningTrace, error) {
	n := s.params.NumSamples
	samples := make([]*models.ReasoningTrace, n)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			t, err := s.singlePass(gctx, "", s.params.ConsensusTemperature)
			if err != nil {
				return fmt.Errorf("sample %d: %w", i+1, err)
			}
			samples[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type group struct {
		answer  string
		members []int
	}
	var groups []*group
	byAnswer := make(map[string]*group)
	for i, t := range samples {
		key := strings.TrimSpace(t.FinalAnswer)
		gr, ok := byAnswer[key]
		if !ok {
			gr = &group{answer: key}
			byAnswer[key] = gr
			groups = append(groups, gr)
		}
		gr.members = append(gr.members, i)
	}

	// groups is ordered by first member, so strict > keeps the earliest on ties.
	winner := groups[0]
	for _, gr := range groups[1:] {
		if len(gr.members) > len(winner.members) {
			winner = gr
		}
	}

	trace := &models.ReasoningTrace{Pattern: models.PatternConsensus}
	alternatives := make([]string, 0, len(groups))
	for _, gr := range groups {
		alternatives = append(alternatives, fmt.Sprintf("%d/%d: %s", len(gr.members), n, firstLine(gr.answer)))
	}
	trace.AddStep(models.StepAnalysis, fmt.Sprintf("collected %d samples into %d distinct answers", n, len(groups)), 1, alternatives...)

	verified := true
	for _, i := range winner.members {
		if !samples[i].VerificationPassed {
			verified = false
		}
	}
	confidence := float64(len(winner.members)) / float64(n)
	trace.AddStep(models.StepVerification, fmt.Sprintf("majority answer chosen by %d of %d samples", len(winner.members), n), confidence)

	// keep the reasoning of the first sample that produced the winner
	for _, step := range samples[winner.members[0]].Steps {
		trace.AddStep(step.Type, step.Content, step.Confidence)
	}

	trace.FinalAnswer = winner.answer
	trace.Confidence = confidence
	trace.VerificationPassed = verified
	return trace, nil
}
