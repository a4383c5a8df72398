package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/fetch"
	"github.com/howard-nolan/llmgateway/internal/metrics"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/usagelog"
)

// Providers are ranked alpha, beta, gamma, delta by their static metrics.
const testCatalog = `
providers:
  - id: alpha
    family: openai
    streaming: true
  - id: beta
    family: openai
    streaming: true
  - id: gamma
    family: openai
    streaming: true
  - id: delta
    family: openai
    streaming: true
models:
  - id: chat-model
    providers:
      - provider: alpha
        model_name: alpha-chat
        json_output: true
        pricing:
          input_price: 0.000001
          output_price: 0.000002
        metrics:
          uptime: 99.9
          latency_ms: 100
          throughput: 200
      - provider: beta
        model_name: beta-chat
        json_output: true
        tools: true
        metrics:
          uptime: 99
          latency_ms: 300
          throughput: 100
      - provider: gamma
        metrics:
          uptime: 98
          latency_ms: 600
          throughput: 50
      - provider: delta
        metrics:
          uptime: 97
          latency_ms: 900
          throughput: 20
  - id: old-model
    deprecated_at: 2020-01-01T00:00:00Z
    providers:
      - provider: alpha
  - id: embed-model
    output: [embedding]
    providers:
      - provider: alpha
        max_dimensions: 256
  - id: image-model
    output: [image]
    providers:
      - provider: alpha
        pricing:
          image_output_price: 0.00004
  - id: video-model
    output: [video]
    providers:
      - provider: alpha
        pricing:
          request_price: 0.5
`

var providerIDs = []string{"alpha", "beta", "gamma", "delta"}

// upstream is a fake OpenAI-compatible provider.
type upstream struct {
	srv  *httptest.Server
	hits atomic.Int32

	mu      sync.Mutex
	handler http.HandlerFunc
}

func (u *upstream) handle(h http.HandlerFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handler = h
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.hits.Add(1)
	u.mu.Lock()
	h := u.handler
	u.mu.Unlock()
	if h == nil {
		http.Error(w, `{"error":{"message":"no handler"}}`, http.StatusInternalServerError)
		return
	}
	h(w, r)
}

// fakeCreds points every provider at its test server.
type fakeCreds struct {
	urls map[string]string
	keys map[string]string
}

func (f *fakeCreds) GetProviderToken(providerID, _ string) (string, bool) {
	key, ok := f.keys[providerID]
	return key, ok
}

func (f *fakeCreds) BaseURL(providerID string) string {
	return f.urls[providerID]
}

// memorySink keeps usage logs for assertions.
type memorySink struct {
	mu   sync.Mutex
	logs []*usagelog.Log
}

func (s *memorySink) InsertLog(_ context.Context, l *usagelog.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, l)
	return nil
}

func (s *memorySink) last(t *testing.T) *usagelog.Log {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.logs, "no usage log written")
	return s.logs[len(s.logs)-1]
}

type harness struct {
	gw    *Gateway
	ups   map[string]*upstream
	creds *fakeCreds
	sink  *memorySink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	h := &harness{
		ups:   map[string]*upstream{},
		creds: &fakeCreds{urls: map[string]string{}, keys: map[string]string{}},
		sink:  &memorySink{},
	}
	for _, id := range providerIDs {
		u := &upstream{}
		u.srv = httptest.NewServer(u)
		t.Cleanup(u.srv.Close)
		h.ups[id] = u
		h.creds.urls[id] = u.srv.URL
		h.creds.keys[id] = "key-" + id
	}

	h.gw = New(Options{
		Catalog:           c,
		Adapters:          provider.NewAdapters(fetch.New()),
		Client:            provider.NewClient(nil),
		Credentials:       h.creds,
		Cost:              cost.New(c, cost.CharTokenizer{}),
		Sink:              h.sink,
		Metrics:           metrics.New(prometheus.NewRegistry()),
		UpstreamTimeout:   5 * time.Second,
		VideoPollInterval: 5 * time.Millisecond,
		VideoTimeout:      2 * time.Second,
	})
	return h
}

func (h *harness) hits(id string) int {
	return int(h.ups[id].hits.Load())
}

func info() RequestInfo {
	return RequestInfo{RequestID: "req-1", Org: "org-1"}
}

func chatRequest(model string) *provider.ChatRequest {
	return &provider.ChatRequest{
		Model:    model,
		Messages: []provider.Message{{Role: provider.RoleUser, Content: provider.Text("hi")}},
	}
}

// chatOK answers with a complete OpenAI chat completion.
func chatOK(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"up-1","model":"native","choices":[{"index":0,"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`, content)
	}
}

// chatStream answers with an SSE stream of deltas.
func chatStream(deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"up-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {\"id\":\"up-1\",\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"up-1\",\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func status(code int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		fmt.Fprint(w, body)
	}
}
