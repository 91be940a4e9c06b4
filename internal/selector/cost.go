package selector

import (
	"sort"

	"github.com/ShayCichocki/quorum/pkg/models"
)

// Token assumptions per subtask for the informational cost estimate.
const (
	AssumedInputTokens  = 2000
	AssumedOutputTokens = 1000
)

// ModelCost is the estimate share of one model.
type ModelCost struct {
	Model        string  `json:"model"`
	Subtasks     int     `json:"subtasks"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Estimate is a non-authoritative cost projection for a plan.
type Estimate struct {
	Total   float64     `json:"total"`
	ByModel []ModelCost `json:"by_model"`
	// Unpriced lists models missing from the registry; they count as zero.
	Unpriced []string `json:"unpriced,omitempty"`
}

// Estimate projects the cost of running every subtask of plan once.
func (s *Selector) Estimate(plan *models.Plan) Estimate {
	byModel := make(map[string]*ModelCost)
	unpriced := make(map[string]bool)
	var est Estimate

	for _, agent := range plan.Agents {
		for _, st := range agent.Subtasks {
			model := s.ForSubtask(agent, st)
			mc, ok := byModel[model]
			if !ok {
				mc = &ModelCost{Model: model}
				byModel[model] = mc
			}
			mc.Subtasks++
			mc.InputTokens += AssumedInputTokens
			mc.OutputTokens += AssumedOutputTokens

			info, known := s.registry.Lookup(model)
			if !known {
				unpriced[model] = true
				continue
			}
			cost := info.Cost(AssumedInputTokens, AssumedOutputTokens)
			mc.Cost += cost
			est.Total += cost
		}
	}

	for _, mc := range byModel {
		est.ByModel = append(est.ByModel, *mc)
	}
	sort.Slice(est.ByModel, func(i, j int) bool { return est.ByModel[i].Model < est.ByModel[j].Model })
	for m := range unpriced {
		est.Unpriced = append(est.Unpriced, m)
	}
	sort.Strings(est.Unpriced)
	return est
}
