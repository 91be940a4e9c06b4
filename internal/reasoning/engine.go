// Package reasoning runs one subtask through a reasoning strategy and returns
// a ReasoningTrace. Strategies are a closed set selected by models.Pattern;
// each has one handler behind Engine.Reason.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/quorum/internal/llm"
	"github.com/ShayCichocki/quorum/internal/tools"
	"github.com/ShayCichocki/quorum/pkg/models"
)

var (
	// ErrUnknownPattern is returned for a pattern outside the closed set.
	ErrUnknownPattern = errors.New("unknown reasoning pattern")
	// ErrToolsRequired is returned when act-observe has no tool invoker.
	ErrToolsRequired = errors.New("act-observe requires a tool invoker")
)

// Task is the input of one reasoning run.
type Task struct {
	// ID is the subtask id, used for logging.
	ID string
	// Description is the work to perform.
	Description string
	// Context carries outputs of dependencies and project notes.
	Context string
}

// RubricWeights weights the tree-search rubric; they should sum to 1.
type RubricWeights struct {
	Correctness float64
	Efficiency  float64
	Robustness  float64
}

// Params are the strategy knobs for one run.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	TopP        float64

	// Breadth and Depth shape tree-search.
	Breadth int
	Depth   int
	// NumSamples and ConsensusTemperature shape consensus.
	NumSamples           int
	ConsensusTemperature float64
	// MaxIterations bounds reflection critiques.
	MaxIterations int
	// MaxSteps bounds act-observe triples.
	MaxSteps int

	Weights RubricWeights
	// Tools serves act-observe actions.
	Tools tools.Invoker
}

// DefaultParams returns the stock strategy parameters.
func DefaultParams() Params {
	return Params{
		Temperature:          0.7,
		MaxTokens:            llm.DefaultMaxTokens,
		Breadth:              4,
		Depth:                2,
		NumSamples:           5,
		ConsensusTemperature: 0.8,
		MaxIterations:        3,
		MaxSteps:             10,
		Weights:              RubricWeights{Correctness: 0.5, Efficiency: 0.25, Robustness: 0.25},
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	if p.Breadth <= 0 {
		p.Breadth = d.Breadth
	}
	if p.Depth <= 0 {
		p.Depth = d.Depth
	}
	if p.NumSamples <= 0 {
		p.NumSamples = d.NumSamples
	}
	if p.ConsensusTemperature <= 0 {
		p.ConsensusTemperature = d.ConsensusTemperature
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = d.MaxIterations
	}
	if p.MaxSteps <= 0 {
		p.MaxSteps = d.MaxSteps
	}
	if p.Weights == (RubricWeights{}) {
		p.Weights = d.Weights
	}
	return p
}

// DefaultPattern maps complexity to the strategy used when no hint is given.
func DefaultPattern(c models.Complexity) models.Pattern {
	switch c {
	case models.ComplexityTrivial, models.ComplexitySimple:
		return models.PatternSinglePass
	case models.ComplexityMedium:
		return models.PatternReflection
	case models.ComplexityComplex:
		return models.PatternConsensus
	default:
		return models.PatternTreeSearch
	}
}

// Engine dispatches to the strategy handlers.
type Engine struct {
	gen    llm.Generator
	logger zerolog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over a text generator.
func NewEngine(gen llm.Generator, opts ...EngineOption) *Engine {
	e := &Engine{gen: gen, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reason executes task with pattern. The returned trace is never mutated
// after return.
func (e *Engine) Reason(ctx context.Context, task Task, pattern models.Pattern, p Params) (*models.ReasoningTrace, error) {
	p = p.withDefaults()
	s := &session{gen: e.gen, params: p, task: task}
	log := e.logger.With().Str("subtask", task.ID).Str("pattern", string(pattern)).Str("model", p.Model).Logger()
	log.Debug().Msg("reasoning started")
	start := time.Now()

	var (
		trace *models.ReasoningTrace
		err   error
	)
	switch pattern {
	case models.PatternSinglePass:
		trace, err = s.singlePass(ctx, "", p.Temperature)
	case models.PatternTreeSearch:
		trace, err = s.treeSearch(ctx)
	case models.PatternConsensus:
		trace, err = s.consensus(ctx)
	case models.PatternReflection:
		trace, err = s.reflection(ctx)
	case models.PatternActObserve:
		if p.Tools == nil {
			return nil, ErrToolsRequired
		}
		trace, err = s.actObserve(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPattern, pattern)
	}
	if err != nil {
		log.Warn().Err(err).Msg("reasoning failed")
		return nil, fmt.Errorf("%s: %w", pattern, err)
	}

	trace.Pattern = pattern
	trace.Model = p.Model
	trace.Usage = s.totalUsage()
	trace.Confidence = models.ClampUnit(trace.Confidence)
	if trace.Outcome == "" {
		trace.Outcome = models.OutcomeCompleted
	}
	trace.CreatedAt = time.Now()

	log.Debug().Float64("confidence", trace.Confidence).Bool("verified", trace.VerificationPassed).
		Dur("elapsed", time.Since(start)).Msg("reasoning finished")
	return trace, nil
}

// session holds the state of one Reason call.
type session struct {
	gen    llm.Generator
	params Params
	task   Task

	mu    sync.Mutex
	usage models.Usage
}

// call sends one prompt with the session's model settings.
func (s *session) call(ctx context.Context, prompt string, temperature float64) (string, error) {
	resp, err := s.gen.Generate(ctx, prompt, llm.Params{
		Model:       s.params.Model,
		System:      systemPrompt,
		Temperature: temperature,
		MaxTokens:   s.params.MaxTokens,
		TopP:        s.params.TopP,
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.usage.Add(models.Usage{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens, Calls: 1})
	s.mu.Unlock()
	return resp.Text, nil
}

func (s *session) totalUsage() models.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
