package orchestrator

import (
	"github.com/bmatcuk/doublestar/v4"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// scopesOverlap reports whether two scope lists may touch the same files.
// Patterns overlap when either one matches the other. An empty scope
// overlaps nothing.
func scopesOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if patternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func patternsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	if !doublestar.ValidatePattern(a) || !doublestar.ValidatePattern(b) {
		return true
	}
	if ok, _ := doublestar.Match(a, b); ok {
		return true
	}
	ok, _ := doublestar.Match(b, a)
	return ok
}

// collides returns the running subtask whose scope overlaps st, if any.
func collides(st *models.SubTask, running []*models.SubTask) *models.SubTask {
	if len(st.Scope) == 0 {
		return nil
	}
	for _, r := range running {
		if scopesOverlap(st.Scope, r.Scope) {
			return r
		}
	}
	return nil
}
