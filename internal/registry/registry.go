// Package registry is the model tier catalog: it maps a model id to its
// tier, provider and per-token cost. The catalog starts from built-in Claude
// models and can be extended or overridden by a YAML file.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"go.yaml.in/yaml/v3"
)

// Model identifiers of the built-in catalog.
const (
	ModelHaiku  = "claude-haiku-4-5-20251001"
	ModelSonnet = "claude-sonnet-4-5-20250929"
	ModelOpus   = "claude-opus-4-5-20251101"
)

// ProviderAnthropic is the provider name for Claude models.
const ProviderAnthropic = "anthropic"

// ErrUnknownModel is returned when a model id is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")

// Tier is a coarse capability class.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierSmart    Tier = "smart"
	TierCustom   Tier = "custom"
	TierLocal    Tier = "local"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierBalanced, TierSmart, TierCustom, TierLocal:
		return true
	default:
		return false
	}
}

// Capability returns the rank of the tier, 0 for tiers without a fixed rank.
func (t Tier) Capability() int {
	switch t {
	case TierFast:
		return 1
	case TierBalanced:
		return 2
	case TierSmart:
		return 3
	default:
		return 0
	}
}

// Model describes one catalog entry. Costs are dollars per 1k tokens.
type Model struct {
	ID              string  `yaml:"id" json:"id"`
	Tier            Tier    `yaml:"tier" json:"tier"`
	Provider        string  `yaml:"provider" json:"provider"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k" json:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k" json:"output_cost_per_1k"`
	// Capability overrides the tier rank; required for custom and local tiers.
	Capability int  `yaml:"capability,omitempty" json:"capability,omitempty"`
	Disabled   bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Rank returns the effective capability of the model.
func (m Model) Rank() int {
	if m.Capability > 0 {
		return m.Capability
	}
	return m.Tier.Capability()
}

// BlendedCost is the input plus output rate, used to compare models.
func (m Model) BlendedCost() float64 {
	return m.InputCostPer1K + m.OutputCostPer1K
}

// Cost prices a call with the given token counts.
func (m Model) Cost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)/1000*m.InputCostPer1K + float64(outputTokens)/1000*m.OutputCostPer1K
}

func (m Model) validate() error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if !m.Tier.Valid() {
		return fmt.Errorf("model %s: unknown tier %q", m.ID, m.Tier)
	}
	if m.Provider == "" {
		return fmt.Errorf("model %s: provider is required", m.ID)
	}
	if m.InputCostPer1K < 0 || m.OutputCostPer1K < 0 {
		return fmt.Errorf("model %s: negative cost", m.ID)
	}
	if m.Rank() == 0 {
		return fmt.Errorf("model %s: tier %s needs an explicit capability", m.ID, m.Tier)
	}
	return nil
}

// Builtin returns the default Claude catalog.
func Builtin() []Model {
	return []Model{
		{ID: ModelHaiku, Tier: TierFast, Provider: ProviderAnthropic, InputCostPer1K: 0.001, OutputCostPer1K: 0.005},
		{ID: ModelSonnet, Tier: TierBalanced, Provider: ProviderAnthropic, InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
		{ID: ModelOpus, Tier: TierSmart, Provider: ProviderAnthropic, InputCostPer1K: 0.005, OutputCostPer1K: 0.025},
	}
}

// Registry is a concurrency-safe model catalog.
type Registry struct {
	mu       sync.RWMutex
	builtin  map[string]Model
	models   map[string]Model
	logger   zerolog.Logger
	onReload []func()
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for reload diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry seeded with the built-in catalog.
func New(opts ...Option) *Registry {
	r := &Registry{
		builtin: make(map[string]Model),
		models:  make(map[string]Model),
		logger:  zerolog.Nop(),
	}
	for _, m := range Builtin() {
		r.builtin[m.ID] = m
		r.models[m.ID] = m
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lookup returns the catalog entry for id.
func (r *Registry) Lookup(id string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	return m, ok
}

// Provider returns the provider of a model.
func (r *Registry) Provider(id string) (string, error) {
	m, ok := r.Lookup(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, id)
	}
	return m.Provider, nil
}

// List returns enabled and disabled models ordered by rank, then id.
func (r *Registry) List() []Model {
	r.mu.RLock()
	out := make([]Model, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank() != out[j].Rank() {
			return out[i].Rank() < out[j].Rank()
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Register adds or replaces one model.
func (r *Registry) Register(m Model) error {
	if err := m.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.models[m.ID] = m
	r.mu.Unlock()
	return nil
}

// OnReload registers a callback run after every successful file reload.
func (r *Registry) OnReload(fn func()) {
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

type catalogFile struct {
	Models []Model `yaml:"models"`
}

// LoadFile replaces the file-provided entries with the contents of path,
// layered over the built-in catalog. A bad file leaves the catalog unchanged.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read model catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse model catalog %s: %w", path, err)
	}

	next := make(map[string]Model, len(r.builtin)+len(file.Models))
	for id, m := range r.builtin {
		next[id] = m
	}
	for _, m := range file.Models {
		if err := m.validate(); err != nil {
			return fmt.Errorf("model catalog %s: %w", path, err)
		}
		next[m.ID] = m
	}

	r.mu.Lock()
	r.models = next
	callbacks := append([]func(){}, r.onReload...)
	r.mu.Unlock()

	r.logger.Info().Str("path", path).Int("models", len(next)).Msg("model catalog loaded")
	for _, fn := range callbacks {
		fn()
	}
	return nil
}

// SaveFile writes the non-builtin entries to path.
func (r *Registry) SaveFile(path string) error {
	var file catalogFile
	for _, m := range r.List() {
		if b, ok := r.builtin[m.ID]; ok && b == m {
			continue
		}
		file.Models = append(file.Models, m)
	}
	data, err := yaml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode model catalog: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
