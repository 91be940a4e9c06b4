package reasoning

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/quorum/internal/tools"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// finishAction ends an act-observe loop.
const finishAction = "FINISH"

type loopStatus int

const (
	loopRunning loopStatus = iota
	loopFinished
	loopExhausted
)

// actLoop is the explicit state of an act-observe run. Each step records one
// triple or finishes the loop.
type actLoop struct {
	s         *session
	toolNames []string

	stepCount  int
	history    []models.ActStep
	status     loopStatus
	answer     string
	confidence float64
}

// schemaLister is implemented by invokers that can describe their tools.
type schemaLister interface {
	Schemas() []tools.Schema
}

func (s *session) actObserve(ctx context.Context) (*models.ReasoningTrace, error) {
	loop := &actLoop{s: s}
	if l, ok := s.params.Tools.(schemaLister); ok {
		for _, sc := range l.Schemas() {
			loop.toolNames = append(loop.toolNames, sc.Name)
		}
	}

	for loop.status == loopRunning {
		if err := loop.step(ctx); err != nil {
			return nil, err
		}
	}

	trace := &models.ReasoningTrace{
		Pattern: models.PatternActObserve,
		History: loop.history,
	}
	for i, h := range loop.history {
		trace.AddStep(models.StepExecution, fmt.Sprintf("%d. %s -> %s", i+1, h.Action, firstLine(h.Observation)), 1)
	}

	if loop.status == loopExhausted {
		trace.Outcome = models.OutcomeMaxStepsExceeded
		trace.Confidence = 0
		trace.VerificationPassed = false
		trace.Reflection = fmt.Sprintf("no FINISH within %d steps", s.params.MaxSteps)
		return trace, nil
	}

	trace.AddStep(models.StepVerification, "finished after "+fmt.Sprint(len(loop.history))+" actions", loop.confidence)
	trace.Outcome = models.OutcomeCompleted
	trace.FinalAnswer = loop.answer
	trace.Confidence = loop.confidence
	trace.VerificationPassed = true
	return trace, nil
}

// step asks for the next action and runs it. Tool failures become
// observations; only generator errors abort the loop.
func (l *actLoop) step(ctx context.Context) error {
	maxSteps := l.s.params.MaxSteps
	if l.stepCount >= maxSteps {
		l.status = loopExhausted
		return nil
	}

	text, err := l.s.call(ctx, actPrompt(l.s.task, l.toolNames, l.history, maxSteps-l.stepCount), l.s.params.Temperature)
	if err != nil {
		return err
	}
	r := parseResponse(text)

	action := strings.TrimSpace(r.text("action"))
	if r.parsed && strings.EqualFold(action, finishAction) {
		l.answer = r.text("answer")
		if l.answer == "" {
			l.answer = r.text("thought")
		}
		l.confidence = r.number("confidence", 1)
		l.status = loopFinished
		return nil
	}

	triple := models.ActStep{Thought: r.text("thought"), Action: action, Args: r.object("args")}
	switch {
	case !r.parsed:
		triple.Thought = strings.TrimSpace(text)
		triple.Observation = "error: response was not valid JSON"
	case action == "":
		triple.Observation = "error: no action given"
	default:
		out, err := l.s.params.Tools.Invoke(ctx, action, triple.Args)
		if err != nil {
			triple.Observation = "error: " + err.Error()
		} else {
			triple.Observation = out
		}
	}

	l.history = append(l.history, triple)
	l.stepCount++
	if l.stepCount >= maxSteps {
		l.status = loopExhausted
	}
	return nil
}
