package models

import "time"

// Pattern selects a reasoning strategy.
type Pattern string

const (
	// PatternSinglePass runs one structured five-phase generation.
	PatternSinglePass Pattern = "single-pass"
	// PatternTreeSearch explores and scores candidate approaches.
	PatternTreeSearch Pattern = "tree-search"
	// PatternConsensus samples several answers and takes the majority.
	PatternConsensus Pattern = "consensus"
	// PatternReflection iterates generate, critique and refine.
	PatternReflection Pattern = "reflection"
	// PatternActObserve interleaves tool actions with observations.
	PatternActObserve Pattern = "act-observe"
)

// Valid returns true if the pattern is a known value.
func (p Pattern) Valid() bool {
	switch p {
	case PatternSinglePass, PatternTreeSearch, PatternConsensus, PatternReflection, PatternActObserve:
		return true
	default:
		return false
	}
}

// StepType labels a thought step.
type StepType string

const (
	StepUnderstanding StepType = "understanding"
	StepAnalysis      StepType = "analysis"
	StepPlanning      StepType = "planning"
	StepExecution     StepType = "execution"
	StepVerification  StepType = "verification"
)

// Outcome describes how a strategy ended.
type Outcome string

const (
	// OutcomeCompleted means the strategy produced an answer.
	OutcomeCompleted Outcome = "completed"
	// OutcomeMaxStepsExceeded means act-observe ran out of steps before FINISH.
	OutcomeMaxStepsExceeded Outcome = "max_steps_exceeded"
)

// ThoughtStep is one recorded step of a reasoning trace.
type ThoughtStep struct {
	StepNumber   int      `json:"step_number"`
	Type         StepType `json:"type"`
	Content      string   `json:"content"`
	Confidence   float64  `json:"confidence"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// ActStep is one (thought, action, observation) triple of act-observe.
type ActStep struct {
	Thought     string         `json:"thought"`
	Action      string         `json:"action"`
	Args        map[string]any `json:"args,omitempty"`
	Observation string         `json:"observation"`
}

// Usage counts tokens consumed by a trace.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Calls        int   `json:"calls"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.Calls += o.Calls
}

// ReasoningTrace records how a strategy arrived at its answer.
type ReasoningTrace struct {
	// Pattern is the strategy that produced the trace.
	Pattern Pattern `json:"pattern"`
	// Steps is the ordered thought sequence.
	Steps []ThoughtStep `json:"steps"`
	// History holds act-observe triples.
	History []ActStep `json:"history,omitempty"`
	// FinalAnswer is the produced answer.
	FinalAnswer string `json:"final_answer"`
	// Confidence is in [0,1].
	Confidence float64 `json:"confidence"`
	// VerificationPassed reports the strategy's own verification.
	VerificationPassed bool `json:"verification_passed"`
	// Reflection is an optional self-critique summary.
	Reflection string `json:"reflection,omitempty"`
	// Outcome is how the strategy ended.
	Outcome Outcome `json:"outcome"`
	// Score is the winning rubric score for tree-search.
	Score float64 `json:"score,omitempty"`
	// Model is the model id used.
	Model string `json:"model,omitempty"`
	// Usage is the token usage of all calls.
	Usage Usage `json:"usage"`
	// CreatedAt is when the trace was finished.
	CreatedAt time.Time `json:"created_at"`
}

// AddStep appends a step numbered after the existing ones.
func (t *ReasoningTrace) AddStep(typ StepType, content string, confidence float64, alternatives ...string) {
	t.Steps = append(t.Steps, ThoughtStep{
		StepNumber:   len(t.Steps) + 1,
		Type:         typ,
		Content:      content,
		Confidence:   ClampUnit(confidence),
		Alternatives: alternatives,
	})
}

// Clone returns a deep copy.
func (t *ReasoningTrace) Clone() *ReasoningTrace {
	c := *t
	c.Steps = make([]ThoughtStep, len(t.Steps))
	for i, s := range t.Steps {
		s.Alternatives = append([]string(nil), s.Alternatives...)
		c.Steps[i] = s
	}
	c.History = append([]ActStep(nil), t.History...)
	return &c
}

// ClampUnit limits v to [0,1].
func ClampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
