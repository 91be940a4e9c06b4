// Package selector picks the model for a subtask and estimates plan cost.
package selector

import (
	"sort"

	"github.com/ShayCichocki/quorum/internal/registry"
	"github.com/ShayCichocki/quorum/pkg/models"
)

// Select returns mapping[c] when present, otherwise def.
func Select(c models.Complexity, mapping map[models.Complexity]string, def string) string {
	if model, ok := mapping[c]; ok && model != "" {
		return model
	}
	return def
}

// MinCapability is the lowest model rank acceptable for a complexity.
func MinCapability(c models.Complexity) int {
	switch c {
	case models.ComplexityTrivial, models.ComplexitySimple:
		return 1
	case models.ComplexityMedium:
		return 2
	default:
		return 3
	}
}

// Selector layers registry-driven auto-selection over Select.
type Selector struct {
	registry *registry.Registry
}

// New creates a selector backed by reg.
func New(reg *registry.Registry) *Selector {
	return &Selector{registry: reg}
}

// Registry returns the backing catalog.
func (s *Selector) Registry() *registry.Registry {
	return s.registry
}

// ForSubtask chooses the model for a subtask of an agent plan. An explicit
// mapping wins; then auto-selection when enabled; then the plan default.
func (s *Selector) ForSubtask(plan *models.AgentPlan, st *models.SubTask) string {
	if model, ok := plan.ModelMapping[st.Complexity]; ok && model != "" {
		return model
	}
	if plan.AutoSelectModel {
		if model, ok := s.AutoSelect(st.Complexity); ok {
			return model
		}
	}
	return Select(st.Complexity, nil, plan.DefaultModel)
}

// AutoSelect returns the cheapest enabled model meeting the capability
// threshold of c. Ties go to the lower capability, then the lower id.
func (s *Selector) AutoSelect(c models.Complexity) (string, bool) {
	threshold := MinCapability(c)
	var candidates []registry.Model
	for _, m := range s.registry.List() {
		if !m.Disabled && m.Rank() >= threshold {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.BlendedCost() != b.BlendedCost() {
			return a.BlendedCost() < b.BlendedCost()
		}
		if a.Rank() != b.Rank() {
			return a.Rank() < b.Rank()
		}
		return a.ID < b.ID
	})
	return candidates[0].ID, true
}

// Stronger returns the cheapest enabled model ranked above model, if any.
// The orchestrator uses it when the quality gate escalates.
func (s *Selector) Stronger(model string) (string, bool) {
	cur, ok := s.registry.Lookup(model)
	if !ok {
		return "", false
	}
	best := ""
	bestCost := 0.0
	for _, m := range s.registry.List() {
		if m.Disabled || m.Rank() <= cur.Rank() || m.Provider != cur.Provider {
			continue
		}
		if best == "" || m.BlendedCost() < bestCost {
			best, bestCost = m.ID, m.BlendedCost()
		}
	}
	return best, best != ""
}
