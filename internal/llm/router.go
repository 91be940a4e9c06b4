package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/quorum/internal/registry"
)

// Router dispatches each call to the backend registered for the model's
// provider and records usage in a Tracker.
type Router struct {
	registry *registry.Registry
	tracker  *Tracker

	mu       sync.RWMutex
	backends map[string]Generator
	fallback string
}

var _ Generator = (*Router)(nil)

// NewRouter creates a router over reg. tracker may be nil.
func NewRouter(reg *registry.Registry, tracker *Tracker) *Router {
	return &Router{
		registry: reg,
		tracker:  tracker,
		backends: make(map[string]Generator),
	}
}

// Register binds a provider name to a backend.
func (r *Router) Register(provider string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[provider] = g
}

// SetFallback names the provider used for models missing from the registry.
func (r *Router) SetFallback(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = provider
}

// Generate routes by provider.
func (r *Router) Generate(ctx context.Context, prompt string, p Params) (Response, error) {
	provider, err := r.registry.Provider(p.Model)
	r.mu.RLock()
	if err != nil {
		provider = r.fallback
	}
	backend, ok := r.backends[provider]
	r.mu.RUnlock()
	if !ok {
		if err != nil {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("no backend for provider %q (model %s)", provider, p.Model)
	}

	resp, genErr := backend.Generate(ctx, prompt, p)
	if genErr == nil && r.tracker != nil {
		r.tracker.Add(p.Model, resp.InputTokens, resp.OutputTokens)
	}
	return resp, genErr
}

// Tracker accumulates token usage per model.
type Tracker struct {
	mu    sync.Mutex
	usage map[string]*ModelUsage
}

// ModelUsage is the accumulated usage of one model.
type ModelUsage struct {
	Model        string  `json:"model"`
	Calls        int     `json:"calls"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{usage: make(map[string]*ModelUsage)}
}

// Add records one call.
func (t *Tracker) Add(model string, input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.usage[model]
	if !ok {
		u = &ModelUsage{Model: model}
		t.usage[model] = u
	}
	u.Calls++
	u.InputTokens += input
	u.OutputTokens += output
}

// Snapshot returns per-model usage priced with reg, sorted by model.
func (t *Tracker) Snapshot(reg *registry.Registry) []ModelUsage {
	t.mu.Lock()
	out := make([]ModelUsage, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, *u)
	}
	t.mu.Unlock()

	for i := range out {
		if m, ok := reg.Lookup(out[i].Model); ok {
			out[i].Cost = m.Cost(out[i].InputTokens, out[i].OutputTokens)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// TotalCost sums the priced usage.
func (t *Tracker) TotalCost(reg *registry.Registry) float64 {
	total := 0.0
	for _, u := range t.Snapshot(reg) {
		total += u.Cost
	}
	return total
}
