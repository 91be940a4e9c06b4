package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/quorum/internal/registry"
)

func messageServer(t *testing.T, statuses ...int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if int(n) <= len(statuses) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`))
			return
		}
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, registry.ModelHaiku, body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01", "type": "message", "role": "assistant", "model": "claude-haiku-4-5-20251001",
			"content": [{"type": "text", "text": "hello "}, {"type": "text", "text": "world"}],
			"stop_reason": "end_turn", "stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestAnthropic(t *testing.T, url string) *Anthropic {
	t.Helper()
	a, err := NewAnthropic(context.Background(), AnthropicConfig{
		APIKey:         "sk-ant-test",
		RequestOptions: []option.RequestOption{option.WithBaseURL(url)},
	})
	require.NoError(t, err)
	return a
}

func TestAnthropic_Generate(t *testing.T) {
	srv, _ := messageServer(t)
	a := newTestAnthropic(t, srv.URL)

	resp, err := a.Generate(context.Background(), "hi", Params{Model: registry.ModelHaiku, Temperature: 0.2})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, int64(12), resp.InputTokens)
	assert.Equal(t, int64(7), resp.OutputTokens)
}

func TestNewAnthropic_RequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropic(context.Background(), AnthropicConfig{})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestRetrying_RetriesServerErrors(t *testing.T) {
	srv, calls := messageServer(t, http.StatusServiceUnavailable, http.StatusTooManyRequests)
	r := NewRetrying(newTestAnthropic(t, srv.URL), RetryConfig{CallTimeout: 5 * time.Second, MaxRetries: 3, Backoff: time.Millisecond}, zerolog.Nop())

	resp, err := r.Generate(context.Background(), "hi", Params{Model: registry.ModelHaiku})
	require.NoError(t, err)
	assert.Equal(t, "hello world", resp.Text)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
}

func TestRetrying_DoesNotRetryClientErrors(t *testing.T) {
	srv, calls := messageServer(t, http.StatusBadRequest)
	r := NewRetrying(newTestAnthropic(t, srv.URL), RetryConfig{MaxRetries: 3, Backoff: time.Millisecond}, zerolog.Nop())

	_, err := r.Generate(context.Background(), "hi", Params{Model: registry.ModelHaiku})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestRetrying_GivesUpAfterBound(t *testing.T) {
	var calls int32
	flaky := GeneratorFunc(func(ctx context.Context, prompt string, p Params) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{}, &TransientError{Err: errors.New("connection reset")}
	})
	r := NewRetrying(flaky, RetryConfig{MaxRetries: 2, Backoff: time.Millisecond}, zerolog.Nop())

	_, err := r.Generate(context.Background(), "hi", Params{})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetrying_PerCallTimeout(t *testing.T) {
	var calls int32
	slow := GeneratorFunc(func(ctx context.Context, prompt string, p Params) (Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return Response{}, ctx.Err()
		}
		return Response{Text: "ok"}, nil
	})
	r := NewRetrying(slow, RetryConfig{CallTimeout: 20 * time.Millisecond, MaxRetries: 1, Backoff: time.Millisecond}, zerolog.Nop())

	resp, err := r.Generate(context.Background(), "hi", Params{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestRetrying_StopsOnParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRetrying(GeneratorFunc(func(ctx context.Context, prompt string, p Params) (Response, error) {
		return Response{}, ctx.Err()
	}), RetryConfig{MaxRetries: 5, Backoff: time.Millisecond}, zerolog.Nop())

	_, err := r.Generate(ctx, "hi", Params{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouter_DispatchesByProviderAndTracks(t *testing.T) {
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Model{ID: "llama", Tier: registry.TierLocal, Provider: "ollama", Capability: 2}))
	tracker := NewTracker()
	router := NewRouter(reg, tracker)

	router.Register(registry.ProviderAnthropic, GeneratorFunc(func(ctx context.Context, prompt string, p Params) (Response, error) {
		return Response{Text: "claude", InputTokens: 1000, OutputTokens: 1000}, nil
	}))
	router.Register("ollama", GeneratorFunc(func(ctx context.Context, prompt string, p Params) (Response, error) {
		return Response{Text: "local", InputTokens: 5, OutputTokens: 5}, nil
	}))

	resp, err := router.Generate(context.Background(), "x", Params{Model: registry.ModelSonnet})
	require.NoError(t, err)
	assert.Equal(t, "claude", resp.Text)

	resp, err = router.Generate(context.Background(), "x", Params{Model: "llama"})
	require.NoError(t, err)
	assert.Equal(t, "local", resp.Text)

	_, err = router.Generate(context.Background(), "x", Params{Model: "unknown"})
	assert.ErrorIs(t, err, registry.ErrUnknownModel)

	router.SetFallback(registry.ProviderAnthropic)
	_, err = router.Generate(context.Background(), "x", Params{Model: "unknown"})
	assert.NoError(t, err)

	usage := tracker.Snapshot(reg)
	require.Len(t, usage, 3)
	assert.Equal(t, registry.ModelSonnet, usage[0].Model)
	assert.InDelta(t, 0.018, usage[0].Cost, 1e-9)
	assert.InDelta(t, 0.018, tracker.TotalCost(reg), 1e-9)
}
