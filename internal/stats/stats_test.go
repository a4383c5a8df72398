package stats

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

const testCatalog = `
providers:
  - id: groq
    family: openai
    base_url: https://groq.example
  - id: together-ai
    family: openai
    base_url: https://together.example
models:
  - id: llama
    providers:
      - provider: groq
        metrics: {uptime: 99, latency_ms: 250, throughput: 280}
      - provider: together-ai
        metrics: {uptime: 98, latency_ms: 500, throughput: 100}
`

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return New(c, rdb, "llmgateway:stats:", nil), mr
}

func TestRefreshOverlaysLiveMetrics(t *testing.T) {
	s, mr := newStore(t)
	static := catalog.Metrics{Uptime: 99, LatencyMs: 250, Throughput: 280}

	// Before the first refresh the static values are served.
	assert.Equal(t, static, s.Metrics("llama", "groq", static))

	mr.HSet("llmgateway:stats:llama:groq", "uptime", "90.5", "latency_ms", "1800")
	require.NoError(t, s.Refresh(context.Background()))

	got := s.Metrics("llama", "groq", static)
	assert.Equal(t, 90.5, got.Uptime)
	assert.Equal(t, 1800.0, got.LatencyMs)
	assert.Equal(t, 280.0, got.Throughput, "missing fields fall back to static")

	other := catalog.Metrics{Uptime: 98}
	assert.Equal(t, other, s.Metrics("llama", "together-ai", other))
}

func TestRefreshKeepsSnapshotOnError(t *testing.T) {
	s, mr := newStore(t)
	mr.HSet("llmgateway:stats:llama:groq", "uptime", "50")
	require.NoError(t, s.Refresh(context.Background()))

	mr.Close()
	assert.Error(t, s.Refresh(context.Background()))
	assert.Equal(t, 50.0, s.Metrics("llama", "groq", catalog.Metrics{}).Uptime)
}

func TestStoreWithoutRedis(t *testing.T) {
	c, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	s := New(c, nil, "p:", nil)

	require.NoError(t, s.Refresh(context.Background()))
	static := catalog.Metrics{Uptime: 1}
	assert.Equal(t, static, s.Metrics("llama", "groq", static))

	// Run returns at once when there is nothing to poll.
	s.Run(context.Background(), time.Millisecond)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, mr := newStore(t)
	mr.HSet("llmgateway:stats:llama:together-ai", "throughput", "500")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return s.Metrics("llama", "together-ai", catalog.Metrics{}).Throughput == 500
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
