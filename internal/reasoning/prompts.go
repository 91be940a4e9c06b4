package reasoning

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/quorum/pkg/models"
)

const systemPrompt = `You are one agent in a team working on a larger goal. Solve only the task you are given. When a JSON reply is requested, reply with a single JSON object and nothing else.`

func taskBlock(t Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n", t.Description)
	if strings.TrimSpace(t.Context) != "" {
		fmt.Fprintf(&b, "\nCONTEXT:\n%s\n", t.Context)
	}
	return b.String()
}

func singlePassPrompt(t Task, extra string) string {
	var b strings.Builder
	b.WriteString(taskBlock(t))
	if extra != "" {
		fmt.Fprintf(&b, "\n%s\n", extra)
	}
	b.WriteString(`
Work through five phases:
1. UNDERSTAND: restate the problem and its constraints.
2. ANALYZE: identify the key considerations and risks.
3. PLAN: list the steps you will take.
4. EXECUTE: carry out the plan.
5. VERIFY: check the result against the task.

Reply with JSON:
{
  "understanding": "...",
  "analysis": "...",
  "plan": ["step 1", "step 2"],
  "execution": "...",
  "verification": "...",
  "verified": true,
  "final_answer": "...",
  "confidence": 0.0
}`)
	return b.String()
}

func proposePrompt(t Task, breadth int) string {
	return fmt.Sprintf(`%s
Propose %d distinct approaches to this task. Make them genuinely different.

Reply with JSON:
{"approaches": [{"name": "...", "description": "..."}]}`, taskBlock(t), breadth)
}

func scorePrompt(t Task, candidate string) string {
	return fmt.Sprintf(`%s
Evaluate this candidate against the task:

%s

Score each criterion from 0.0 to 1.0.
Reply with JSON:
{"correctness": 0.0, "efficiency": 0.0, "robustness": 0.0, "notes": "..."}`, taskBlock(t), candidate)
}

func developPrompt(t Task, approach, solution string, level, depth int) string {
	if level == 1 {
		return fmt.Sprintf(`%s
Develop this approach into a complete solution:

%s

Reply with JSON:
{"solution": "...", "final_answer": "..."}`, taskBlock(t), approach)
	}
	return fmt.Sprintf(`%s
Refine this solution (pass %d of %d). Fill gaps, fix mistakes, handle edge cases:

%s

Reply with JSON:
{"solution": "...", "final_answer": "..."}`, taskBlock(t), level, depth, solution)
}

func critiquePrompt(t Task, answer string) string {
	return fmt.Sprintf(`%s
Critically review this answer:

%s

List concrete issues only. An empty issues list means the answer is correct and complete.
Reply with JSON:
{"is_correct": true, "issues": ["..."], "improvements": ["..."], "score": 0.0}`, taskBlock(t), answer)
}

func refineExtra(previous string, issues, improvements []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A previous answer was:\n%s\n\nIssues found:\n", previous)
	for _, i := range issues {
		fmt.Fprintf(&b, "- %s\n", i)
	}
	if len(improvements) > 0 {
		b.WriteString("Suggested improvements:\n")
		for _, i := range improvements {
			fmt.Fprintf(&b, "- %s\n", i)
		}
	}
	b.WriteString("Produce an improved answer that resolves every issue.")
	return b.String()
}

func actPrompt(t Task, toolNames []string, history []models.ActStep, remaining int) string {
	var b strings.Builder
	b.WriteString(taskBlock(t))
	b.WriteString("\nYou act in a loop: think, pick one action, then read its observation.\n")
	if len(toolNames) > 0 {
		fmt.Fprintf(&b, "Available actions: %s, FINISH.\n", strings.Join(toolNames, ", "))
	} else {
		b.WriteString("Available actions: any tool name you were told about, FINISH.\n")
	}
	if len(history) > 0 {
		b.WriteString("\nHistory:\n")
		for i, h := range history {
			fmt.Fprintf(&b, "%d. Thought: %s\n   Action: %s\n   Observation: %s\n", i+1, h.Thought, h.Action, h.Observation)
		}
	}
	fmt.Fprintf(&b, "\nYou have %d actions left. Use FINISH with the final answer when done.\n", remaining)
	b.WriteString(`Reply with JSON:
{"thought": "...", "action": "tool_name or FINISH", "args": {}, "answer": "only with FINISH", "confidence": 0.0}`)
	return b.String()
}
