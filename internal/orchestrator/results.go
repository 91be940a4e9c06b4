package orchestrator

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// ResultsDir is where subtask results are written inside a workspace.
const ResultsDir = ".quorum/results"

// writeResult writes the answer and trace of st into the workspace and
// returns the slash-separated path relative to the workspace root.
func writeResult(root string, st *models.SubTask, trace *models.ReasoningTrace) (string, error) {
	rel := path.Join(ResultsDir, st.ID+".md")
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create results dir: %w", err)
	}
	if err := os.WriteFile(full, []byte(renderResult(st, trace)), 0o644); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}
	return rel, nil
}

func renderResult(st *models.SubTask, trace *models.ReasoningTrace) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n\n", st.ID, st.Description)
	fmt.Fprintf(&b, "- role: %s\n- complexity: %s\n- pattern: %s\n- model: %s\n", st.Role, st.Complexity, trace.Pattern, trace.Model)
	fmt.Fprintf(&b, "- confidence: %.2f\n- verified: %t\n", trace.Confidence, trace.VerificationPassed)
	if trace.Score > 0 {
		fmt.Fprintf(&b, "- score: %.3f\n", trace.Score)
	}

	b.WriteString("\n## Answer\n\n")
	b.WriteString(strings.TrimSpace(trace.FinalAnswer))
	b.WriteString("\n")

	if len(trace.Steps) > 0 {
		b.WriteString("\n## Steps\n\n")
		for _, s := range trace.Steps {
			fmt.Fprintf(&b, "%d. **%s** (%.2f): %s\n", s.StepNumber, s.Type, s.Confidence, oneLine(s.Content))
		}
	}
	if len(trace.History) > 0 {
		b.WriteString("\n## Actions\n\n")
		for i, h := range trace.History {
			fmt.Fprintf(&b, "%d. %s -> `%s`: %s\n", i+1, oneLine(h.Thought), h.Action, oneLine(h.Observation))
		}
	}
	if trace.Reflection != "" {
		fmt.Fprintf(&b, "\n## Reflection\n\n%s\n", trace.Reflection)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
