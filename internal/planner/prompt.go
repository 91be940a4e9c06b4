package planner

import "fmt"

// decompositionPrompt is the prompt template for task decomposition.
const decompositionPrompt = `Break this task into subtasks for a team of specialist agents. Each subtask should be sized for one agent to finish in one session.

Task:
%s

Return ONLY a JSON object with this exact structure (no other text):
{
  "subtasks": [
    {
      "id": "short-kebab-id",
      "role": "backend|frontend|database|testing|docs|...",
      "description": "What to do, concretely",
      "complexity": "TRIVIAL|SIMPLE|MEDIUM|COMPLEX|EXPERT",
      "estimated_time": 30,
      "dependencies": ["output name this subtask needs"],
      "outputs": ["output name this subtask publishes"],
      "scope": ["src/api/**", "go.mod"],
      "strategy": ""
    }
  ]
}

Dependency Rules:
- A dependency is the NAME of an output another subtask publishes, never a subtask id
- Every dependency must be published by exactly one subtask
- Never create circular dependencies
- Use empty arrays [] when a subtask has no dependencies or outputs

Scope Rules:
- scope lists glob patterns for every file the subtask will modify
- Subtasks with overlapping scope never run at the same time, so keep them disjoint where possible

Guidelines:
- Keep subtasks as independent as possible so they can run in parallel
- Subtasks with the same role are executed by the same agent, one after another
- estimated_time is in minutes
- Leave strategy empty unless a subtask clearly needs tool use ("act-observe")`

const retryNote = `

Your previous answer could not be used: %s
Return the corrected JSON object only.`

func buildPrompt(task, previousErr string) string {
	p := fmt.Sprintf(decompositionPrompt, task)
	if previousErr != "" {
		p += fmt.Sprintf(retryNote, previousErr)
	}
	return p
}
