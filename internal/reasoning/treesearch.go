package reasoning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// scoreConcurrency caps parallel rubric calls.
const scoreConcurrency = 4

type rubric struct {
	Correctness float64
	Efficiency  float64
	Robustness  float64
	Notes       string
}

func (r rubric) score(w RubricWeights) float64 {
	return models.ClampUnit(w.Correctness*r.Correctness + w.Efficiency*r.Efficiency + w.Robustness*r.Robustness)
}

type candidate struct {
	index    int
	approach string
	initial  rubric
	// set only for developed candidates
	developed bool
	solution  string
	answer    string
	final     rubric
}

// treeSearch proposes Breadth approaches, scores them, develops the top half
// to Depth levels and returns the best developed solution.
func (s *session) treeSearch(ctx context.Context) (*models.ReasoningTrace, error) {
	p := s.params
	trace := &models.ReasoningTrace{Pattern: models.PatternTreeSearch}

	text, err := s.call(ctx, proposePrompt(s.task, p.Breadth), p.Temperature)
	if err != nil {
		return nil, err
	}
	approaches := parseApproaches(text, p.Breadth)
	cands := make([]*candidate, len(approaches))
	for i, a := range approaches {
		cands[i] = &candidate{index: i, approach: a}
	}
	trace.AddStep(models.StepUnderstanding, fmt.Sprintf("generated %d candidate approaches", len(cands)), 1, approaches...)

	// score every candidate
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scoreConcurrency)
	for _, c := range cands {
		g.Go(func() error {
			r, err := s.evaluate(gctx, c.approach)
			if err != nil {
				return err
			}
			c.initial = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ranked := append([]*candidate(nil), cands...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].initial.score(p.Weights) > ranked[j].initial.score(p.Weights)
	})
	for _, c := range ranked {
		trace.AddStep(models.StepAnalysis, fmt.Sprintf("approach %d scored %.2f: %s", c.index+1, c.initial.score(p.Weights), firstLine(c.approach)), c.initial.score(p.Weights))
	}

	keep := p.Breadth / 2
	if keep < 1 {
		keep = 1
	}
	if keep > len(ranked) {
		keep = len(ranked)
	}
	top := ranked[:keep]

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(scoreConcurrency)
	for _, c := range top {
		g.Go(func() error { return s.develop(gctx, c) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	best := top[0]
	for _, c := range top[1:] {
		cs, bs := c.final.score(p.Weights), best.final.score(p.Weights)
		if cs > bs || (cs == bs && c.index < best.index) {
			best = c
		}
	}

	for _, c := range top {
		trace.AddStep(models.StepExecution, fmt.Sprintf("developed approach %d to depth %d, final score %.2f", c.index+1, p.Depth, c.final.score(p.Weights)), c.final.score(p.Weights))
	}
	bestScore := best.final.score(p.Weights)
	trace.AddStep(models.StepVerification, fmt.Sprintf("selected approach %d: correctness %.2f, efficiency %.2f, robustness %.2f. %s",
		best.index+1, best.final.Correctness, best.final.Efficiency, best.final.Robustness, best.final.Notes), bestScore)

	trace.FinalAnswer = best.answer
	trace.Score = bestScore
	trace.Confidence = bestScore
	trace.VerificationPassed = best.final.Correctness >= 0.5
	return trace, nil
}

func (s *session) evaluate(ctx context.Context, subject string) (rubric, error) {
	text, err := s.call(ctx, scorePrompt(s.task, subject), 0)
	if err != nil {
		return rubric{}, err
	}
	r := parseResponse(text)
	return rubric{
		Correctness: r.number("correctness", 0),
		Efficiency:  r.number("efficiency", 0),
		Robustness:  r.number("robustness", 0),
		Notes:       r.text("notes"),
	}, nil
}

func (s *session) develop(ctx context.Context, c *candidate) error {
	solution := ""
	answer := ""
	for level := 1; level <= s.params.Depth; level++ {
		text, err := s.call(ctx, developPrompt(s.task, c.approach, solution, level, s.params.Depth), s.params.Temperature)
		if err != nil {
			return err
		}
		r := parseResponse(text)
		if r.parsed {
			solution = r.text("solution")
			answer = r.text("final_answer")
		} else {
			solution = strings.TrimSpace(text)
			answer = ""
		}
		if answer == "" {
			answer = solution
		}
	}
	final, err := s.evaluate(ctx, solution)
	if err != nil {
		return err
	}
	c.developed = true
	c.solution = solution
	c.answer = answer
	c.final = final
	return nil
}

// parseApproaches reads up to limit approach descriptions. A reply without
// the expected shape is treated as a single approach.
func parseApproaches(text string, limit int) []string {
	r := parseResponse(text)
	var out []string
	for _, a := range r.get("approaches").Array() {
		desc := strings.TrimSpace(a.Get("description").String())
		if name := strings.TrimSpace(a.Get("name").String()); name != "" {
			desc = name + ": " + desc
		}
		if desc == "" {
			desc = strings.TrimSpace(a.String())
		}
		if desc != "" {
			out = append(out, desc)
		}
	}
	if len(out) == 0 {
		out = []string{strings.TrimSpace(text)}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
