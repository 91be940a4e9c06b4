package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalog = `
models:
  - id: llama3-70b
    tier: local
    provider: ollama
    capability: 2
  - id: claude-haiku-4-5-20251001
    tier: fast
    provider: anthropic
    input_cost_per_1k: 0.0008
    output_cost_per_1k: 0.004
`

func TestNew_Builtin(t *testing.T) {
	r := New()
	m, ok := r.Lookup(ModelOpus)
	require.True(t, ok)
	assert.Equal(t, TierSmart, m.Tier)
	assert.Equal(t, 3, m.Rank())

	provider, err := r.Provider(ModelSonnet)
	require.NoError(t, err)
	assert.Equal(t, ProviderAnthropic, provider)

	_, err = r.Provider("gpt-9")
	assert.ErrorIs(t, err, ErrUnknownModel)

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, ModelHaiku, list[0].ID)
	assert.Equal(t, ModelOpus, list[2].ID)
}

func TestModel_Cost(t *testing.T) {
	m := Model{InputCostPer1K: 0.003, OutputCostPer1K: 0.015}
	assert.InDelta(t, 0.006+0.015, m.Cost(2000, 1000), 1e-9)
	assert.InDelta(t, 0.018, m.BlendedCost(), 1e-9)
}

func TestRegister_Validates(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(Model{ID: "x", Tier: "huge", Provider: "p"}))
	assert.Error(t, r.Register(Model{ID: "x", Tier: TierCustom, Provider: "p"}), "custom needs capability")
	assert.Error(t, r.Register(Model{ID: "", Tier: TierFast, Provider: "p"}))
	require.NoError(t, r.Register(Model{ID: "x", Tier: TierCustom, Provider: "p", Capability: 3}))
}

func TestLoadFile_LayersOverBuiltin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0644))

	r := New()
	reloaded := 0
	r.OnReload(func() { reloaded++ })
	require.NoError(t, r.LoadFile(path))

	m, ok := r.Lookup("llama3-70b")
	require.True(t, ok)
	assert.Equal(t, 2, m.Rank())

	haiku, _ := r.Lookup(ModelHaiku)
	assert.Equal(t, 0.0008, haiku.InputCostPer1K)
	assert.Equal(t, 1, reloaded)

	require.NoError(t, os.WriteFile(path, []byte("models: [{id: broken, tier: nope, provider: x}]"), 0644))
	assert.Error(t, r.LoadFile(path))
	_, ok = r.Lookup("llama3-70b")
	assert.True(t, ok, "bad file keeps previous catalog")
}

func TestSaveFile_RoundTripsCustomEntries(t *testing.T) {
	dir := t.TempDir()
	r := New()
	require.NoError(t, r.Register(Model{ID: "deepseek-coder", Tier: TierFast, Provider: "local"}))
	require.NoError(t, r.SaveFile(filepath.Join(dir, "out.yaml")))

	other := New()
	require.NoError(t, other.LoadFile(filepath.Join(dir, "out.yaml")))
	_, ok := other.Lookup("deepseek-coder")
	assert.True(t, ok)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models: []\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := New()
	require.NoError(t, r.Watch(ctx, path))
	_, ok := r.Lookup("llama3-70b")
	require.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte(catalog), 0644))
	require.Eventually(t, func() bool {
		_, ok := r.Lookup("llama3-70b")
		return ok
	}, 5*time.Second, 20*time.Millisecond)
}
