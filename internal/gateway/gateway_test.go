package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/heal"
	"github.com/howard-nolan/llmgateway/internal/provider"
)

func requireError(t *testing.T, err error, typ string, status int) *Error {
	t.Helper()
	require.Error(t, err)
	e := AsError(err)
	assert.Equal(t, typ, e.Type, "error: %v", err)
	assert.Equal(t, status, e.Status, "error: %v", err)
	return e
}

func TestChatServesFromBestProvider(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(chatOK("hello"))

	res, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	require.NoError(t, err)
	require.NotNil(t, res.Response)

	out := res.Response
	assert.Equal(t, "chat.completion", out.Object)
	assert.Equal(t, "chat-model", out.Model)
	assert.True(t, strings.HasPrefix(out.ID, "chatcmpl-"))
	require.Len(t, out.Choices, 1)
	require.NotNil(t, out.Choices[0].Message.Content)
	assert.Equal(t, "hello", *out.Choices[0].Message.Content)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)

	assert.Equal(t, 10, out.Usage.PromptTokens)
	assert.Equal(t, 5, out.Usage.CompletionTokens)
	require.NotNil(t, out.Usage.Cost)
	assert.InDelta(t, 10*0.000001+5*0.000002, *out.Usage.Cost, 1e-12)

	assert.Equal(t, "alpha", out.Metadata.UsedProvider)
	assert.Equal(t, "alpha-chat", out.Metadata.UsedModel)
	assert.Len(t, out.Metadata.Routing, 1)
	assert.Equal(t, Served{Provider: "alpha", Model: "alpha-chat"}, res.Served)

	log := h.sink.last(t)
	assert.Equal(t, http.StatusOK, log.StatusCode)
	assert.Equal(t, "alpha", log.UsedProvider)
	assert.Equal(t, "hello", log.Content)
	assert.Equal(t, "completed", log.FinishReason)
	assert.Empty(t, log.UpstreamRequest, "capture is off without debug")
}

func TestChatFallsBackOnRetryableError(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(status(http.StatusServiceUnavailable, `{"error":{"message":"overloaded"}}`))
	h.ups["beta"].handle(chatOK("from beta"))

	res, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	require.NoError(t, err)

	assert.Equal(t, "from beta", *res.Response.Choices[0].Message.Content)
	assert.Equal(t, "beta", res.Served.Provider)

	attempts := res.Response.Metadata.Routing
	require.Len(t, attempts, 2)
	assert.Equal(t, "alpha", attempts[0].Provider)
	assert.False(t, attempts[0].Succeeded)
	assert.Equal(t, http.StatusServiceUnavailable, attempts[0].StatusCode)
	assert.Equal(t, "upstream_error", attempts[0].ErrorType)
	assert.Equal(t, "beta", attempts[1].Provider)
	assert.True(t, attempts[1].Succeeded)

	// No pricing on beta: tokens are still counted, cost is unknown.
	assert.Nil(t, res.Response.Usage.Cost)
}

func TestChatStopsAfterThreeAttempts(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"alpha", "beta", "gamma"} {
		h.ups[id].handle(status(http.StatusInternalServerError, `{"error":{"message":"boom from `+id+`"}}`))
	}
	h.ups["delta"].handle(chatOK("never"))

	_, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	e := requireError(t, err, TypeUpstream, http.StatusInternalServerError)
	assert.Equal(t, "boom from gamma", e.Message)

	assert.Equal(t, 0, h.hits("delta"))
	log := h.sink.last(t)
	assert.Len(t, log.Attempts, 3)
	assert.Equal(t, http.StatusInternalServerError, log.StatusCode)
}

func TestChatPinnedProviderNeverRetries(t *testing.T) {
	h := newHarness(t)
	h.ups["beta"].handle(status(http.StatusServiceUnavailable, `{"error":{"message":"down"}}`))
	h.ups["alpha"].handle(chatOK("never"))

	_, err := h.gw.Chat(context.Background(), info(), chatRequest("beta/chat-model"))
	e := requireError(t, err, TypeUpstream, http.StatusServiceUnavailable)
	assert.Equal(t, "down", e.Message)
	assert.Equal(t, 0, h.hits("alpha"))
	assert.Equal(t, "beta", h.sink.last(t).RequestedProvider)
}

func TestChatNoFallbackHeader(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(status(http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`))
	h.ups["beta"].handle(chatOK("never"))

	ri := info()
	ri.NoFallback = true
	_, err := h.gw.Chat(context.Background(), ri, chatRequest("chat-model"))
	requireError(t, err, TypeRateLimited, http.StatusTooManyRequests)
	assert.Equal(t, 0, h.hits("beta"))
}

func TestChatClientErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(status(http.StatusBadRequest, `{"error":{"message":"bad things"}}`))
	h.ups["beta"].handle(chatOK("never"))

	_, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	e := requireError(t, err, TypeValidation, http.StatusBadRequest)
	assert.Equal(t, "bad things", e.Message)
	assert.Equal(t, 0, h.hits("beta"))
}

func TestChatNetworkErrorIsServerError(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].srv.Close()

	_, err := h.gw.Chat(context.Background(), info(), chatRequest("alpha/chat-model"))
	requireError(t, err, TypeNetwork, http.StatusInternalServerError)

	log := h.sink.last(t)
	require.Len(t, log.Attempts, 1)
	assert.Equal(t, 0, log.Attempts[0].StatusCode)
	assert.Equal(t, "network_error", log.Attempts[0].ErrorType)
}

func TestChatNetworkErrorFallsBack(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].srv.Close()
	h.ups["beta"].handle(chatOK("from beta"))

	res, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Served.Provider)
}

func TestChatInvalidResponseIsRetried(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(status(http.StatusOK, `not json`))
	h.ups["beta"].handle(chatOK("ok"))

	res, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Served.Provider)
	assert.Equal(t, http.StatusBadGateway, res.Response.Metadata.Routing[0].StatusCode)
}

func TestChatRejectsBadRequests(t *testing.T) {
	h := newHarness(t)

	unknown := chatRequest("no-such-model")
	_, err := h.gw.Chat(context.Background(), info(), unknown)
	requireError(t, err, TypeNotFound, http.StatusBadRequest)

	unmapped := chatRequest("gamma/embed-model")
	_, err = h.gw.Chat(context.Background(), info(), unmapped)
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	plugin := chatRequest("chat-model")
	plugin.Plugins = []provider.Plugin{{ID: "web-search"}}
	_, err = h.gw.Chat(context.Background(), info(), plugin)
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	empty := &provider.ChatRequest{Model: "chat-model"}
	_, err = h.gw.Chat(context.Background(), info(), empty)
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	temp := 3.0
	hot := chatRequest("chat-model")
	hot.Temperature = &temp
	_, err = h.gw.Chat(context.Background(), info(), hot)
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	for _, id := range providerIDs {
		assert.Equal(t, 0, h.hits(id), "invalid requests never reach %s", id)
	}
	assert.Equal(t, http.StatusBadRequest, h.sink.last(t).StatusCode)
}

func TestValidateChat(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *provider.ChatRequest)
		ok     bool
	}{
		{"plain", func(r *provider.ChatRequest) {}, true},
		{"healing plugin", func(r *provider.ChatRequest) {
			r.Plugins = []provider.Plugin{{ID: heal.PluginID}}
		}, true},
		{"unknown role", func(r *provider.ChatRequest) { r.Messages[0].Role = "robot" }, false},
		{"tool without id", func(r *provider.ChatRequest) { r.Messages[0].Role = provider.RoleTool }, false},
		{"image without url", func(r *provider.ChatRequest) {
			r.Messages[0].Content = provider.Parts(provider.ContentPart{Type: provider.PartImageURL})
		}, false},
		{"negative max_tokens", func(r *provider.ChatRequest) { r.MaxTokens = -1 }, false},
		{"schema missing", func(r *provider.ChatRequest) {
			r.ResponseFormat = &provider.ResponseFormat{Type: "json_schema"}
		}, false},
		{"unknown format", func(r *provider.ChatRequest) {
			r.ResponseFormat = &provider.ResponseFormat{Type: "xml"}
		}, false},
		{"bad effort", func(r *provider.ChatRequest) { r.ReasoningEffort = "extreme" }, false},
		{"nameless tool", func(r *provider.ChatRequest) {
			r.Tools = []provider.Tool{{Type: "function"}}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chatRequest("chat-model")
			tt.mutate(r)
			err := validateChat(r)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestChatHealsJSONWhenEnabled(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(chatOK("```json\n{\"a\": 1}\n```"))

	req := chatRequest("chat-model")
	req.ResponseFormat = &provider.ResponseFormat{Type: "json_object"}
	req.Plugins = []provider.Plugin{{ID: heal.PluginID}}

	res, err := h.gw.Chat(context.Background(), info(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, *res.Response.Choices[0].Message.Content)

	log := h.sink.last(t)
	assert.True(t, log.Healed)
	assert.Equal(t, heal.StageStripFence, log.HealStrategy)
	assert.Equal(t, []string{heal.PluginID}, log.Plugins)
}

func TestChatLeavesContentWithoutPlugin(t *testing.T) {
	h := newHarness(t)
	raw := "```json\n{\"a\": 1}\n```"
	h.ups["alpha"].handle(chatOK(raw))

	req := chatRequest("chat-model")
	req.ResponseFormat = &provider.ResponseFormat{Type: "json_object"}

	res, err := h.gw.Chat(context.Background(), info(), req)
	require.NoError(t, err)
	assert.Equal(t, raw, *res.Response.Choices[0].Message.Content)
	assert.False(t, h.sink.last(t).Healed)
}

func TestChatSkipsProvidersMissingCapabilities(t *testing.T) {
	h := newHarness(t)
	h.ups["beta"].handle(chatOK("tools ok"))

	req := chatRequest("chat-model")
	req.Tools = []provider.Tool{{Type: "function", Function: provider.FunctionDef{Name: "lookup"}}}

	res, err := h.gw.Chat(context.Background(), info(), req)
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Served.Provider)
	assert.Equal(t, 0, h.hits("alpha"))

	pinned := chatRequest("alpha/chat-model")
	pinned.Tools = req.Tools
	_, err = h.gw.Chat(context.Background(), info(), pinned)
	e := requireError(t, err, TypeValidation, http.StatusBadRequest)
	assert.Contains(t, e.Message, "tools")
}

func TestChatMissingCredentials(t *testing.T) {
	h := newHarness(t)
	delete(h.creds.keys, "alpha")
	h.ups["beta"].handle(chatOK("from beta"))

	res, err := h.gw.Chat(context.Background(), info(), chatRequest("chat-model"))
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Served.Provider)

	_, err = h.gw.Chat(context.Background(), info(), chatRequest("alpha/chat-model"))
	requireError(t, err, TypeAuth, http.StatusUnauthorized)
}

func TestChatDeprecatedModelStillServed(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(chatOK("legacy"))

	res, err := h.gw.Chat(context.Background(), info(), chatRequest("old-model"))
	require.NoError(t, err)
	assert.True(t, res.Served.Deprecated)
	assert.True(t, h.sink.last(t).Deprecated)
}

func TestChatDebugCapturesUpstreamTraffic(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(chatOK("captured"))

	ri := info()
	ri.Debug = true
	_, err := h.gw.Chat(context.Background(), ri, chatRequest("chat-model"))
	require.NoError(t, err)

	log := h.sink.last(t)
	assert.Contains(t, log.UpstreamRequest, `"alpha-chat"`)
	assert.Contains(t, log.UpstreamResponse, "captured")
}

func TestChatStream(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(chatStream("hello", " world"))

	req := chatRequest("chat-model")
	req.Stream = true
	res, err := h.gw.Chat(context.Background(), info(), req)
	require.NoError(t, err)
	require.NotNil(t, res.Stream)
	assert.Nil(t, res.Response)

	rec := httptest.NewRecorder()
	require.NoError(t, res.Stream.Serve(rec))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"hello"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.Contains(t, body, `"cost"`)
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))

	log := h.sink.last(t)
	assert.True(t, log.Streamed)
	assert.Equal(t, "hello world", log.Content)
	assert.Equal(t, http.StatusOK, log.StatusCode)
	require.NotNil(t, log.Cost)
	assert.Equal(t, 4, log.Cost.PromptTokens)
	assert.Equal(t, 2, log.Cost.CompletionTokens)
	assert.False(t, log.Cost.EstimatedCost)
}

func TestChatStreamRetriesBeforeFirstChunk(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(status(http.StatusBadGateway, `{"error":{"message":"bad gateway"}}`))
	h.ups["beta"].handle(chatStream("from beta"))

	req := chatRequest("chat-model")
	req.Stream = true
	res, err := h.gw.Chat(context.Background(), info(), req)
	require.NoError(t, err)
	assert.Equal(t, "beta", res.Served.Provider)

	rec := httptest.NewRecorder()
	require.NoError(t, res.Stream.Serve(rec))
	assert.Contains(t, rec.Body.String(), "from beta")
	assert.Len(t, h.sink.last(t).Attempts, 2)
}

func TestChatStreamConnectTimeoutIsNetworkError(t *testing.T) {
	h := newHarness(t)
	h.gw.upstreamTimeout = 50 * time.Millisecond
	for _, id := range providerIDs {
		// Never sends headers.
		h.ups[id].handle(func(_ http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		})
	}

	req := chatRequest("chat-model")
	req.Stream = true
	res, err := h.gw.Chat(context.Background(), info(), req)
	requireError(t, err, TypeNetwork, http.StatusInternalServerError)
	assert.Nil(t, res)

	log := h.sink.last(t)
	assert.Equal(t, http.StatusInternalServerError, log.StatusCode)
	assert.Equal(t, TypeNetwork, log.ErrorType)
	require.Len(t, log.Attempts, 3)
	for _, a := range log.Attempts {
		assert.Equal(t, 0, a.StatusCode)
		assert.Equal(t, "network_error", a.ErrorType)
	}
}

func TestChatStreamCallerGoneBeforeConnect(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req := chatRequest("chat-model")
	req.Stream = true
	_, err := h.gw.Chat(ctx, info(), req)
	requireError(t, err, TypeClientClosed, statusClientClosed)
	assert.Equal(t, 0, h.hits("beta"))
}

// hangupWriter accepts a fixed number of writes and then fails, like a
// client that disconnected mid-stream.
type hangupWriter struct {
	*httptest.ResponseRecorder
	writes int
}

func (w *hangupWriter) Write(p []byte) (int, error) {
	if w.writes <= 0 {
		return 0, errors.New("write: broken pipe")
	}
	w.writes--
	return w.ResponseRecorder.Write(p)
}

func TestChatStreamClientGoneCancelsUpstream(t *testing.T) {
	h := newHarness(t)
	canceled := make(chan struct{})
	h.ups["alpha"].handle(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; ; i++ {
			fmt.Fprintf(w, "data: {\"id\":\"up-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"tok%d \"}}]}\n\n", i)
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				close(canceled)
				return
			case <-time.After(time.Millisecond):
			}
		}
	})

	ri := info()
	ri.Debug = true
	req := chatRequest("chat-model")
	req.Stream = true
	res, err := h.gw.Chat(context.Background(), ri, req)
	require.NoError(t, err)

	w := &hangupWriter{ResponseRecorder: httptest.NewRecorder(), writes: 1}
	require.Error(t, res.Stream.Serve(w))

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request still open after the client went away")
	}

	log := h.sink.last(t)
	assert.Equal(t, statusClientClosed, log.StatusCode)
	assert.Equal(t, TypeClientClosed, log.ErrorType)
	assert.Contains(t, log.UpstreamResponse, "tok0")
}

func TestChatUsageKeepsReportedPromptTokens(t *testing.T) {
	h := newHarness(t)
	m, ok := h.gw.catalog.FindModel("chat-model")
	require.True(t, ok)
	mp, ok := h.gw.catalog.FindMapping("chat-model", "alpha")
	require.True(t, ok)
	p, ok := h.gw.catalog.FindProvider("alpha")
	require.True(t, ok)

	req := chatRequest("chat-model")
	req.Messages[0].Content = provider.Parts(
		provider.ContentPart{Type: provider.PartText, Text: "what is this"},
		provider.ContentPart{Type: provider.PartImageURL, ImageURL: &provider.ImageURL{URL: "https://example.com/cat.png"}},
	)
	u := &provider.Usage{PromptTokens: 100, CompletionTokens: 5, Reported: true}

	b := h.gw.cost.Calculate(chatCostInput(m, &target{provider: p, mapping: mp}, req, u, "a cat", "", nil, 0))
	assert.Equal(t, 560, b.ImageInputTokens)

	out := chatUsage(u, b)
	assert.Equal(t, 100, out.PromptTokens)
	assert.Equal(t, 5, out.CompletionTokens)
	assert.Equal(t, 105, out.TotalTokens)
	assert.Equal(t, b.TotalCost, out.Cost)
}

func TestEmbeddings(t *testing.T) {
	h := newHarness(t)
	var path atomic.Value
	h.ups["alpha"].handle(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		io.WriteString(w, `{"data":[{"index":0,"embedding":[0.1,0.2]}],"model":"native","usage":{"prompt_tokens":3}}`)
	})

	out, served, err := h.gw.Embeddings(context.Background(), info(), &provider.EmbeddingRequest{
		Model: "embed-model",
		Input: provider.StringList{"hello there"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/embeddings", path.Load())
	assert.Equal(t, "list", out.Object)
	assert.Equal(t, "embed-model", out.Model)
	require.Len(t, out.Data, 1)
	assert.Equal(t, []float64{0.1, 0.2}, out.Data[0].Embedding)
	assert.Equal(t, 3, out.Usage.PromptTokens)
	assert.Equal(t, 0, out.Usage.CompletionTokens)
	assert.Equal(t, "alpha", served.Provider)
}

func TestEmbeddingsValidation(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.gw.Embeddings(context.Background(), info(), &provider.EmbeddingRequest{Model: "embed-model"})
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	_, _, err = h.gw.Embeddings(context.Background(), info(), &provider.EmbeddingRequest{
		Model:      "embed-model",
		Input:      provider.StringList{"x"},
		Dimensions: 1024,
	})
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	_, _, err = h.gw.Embeddings(context.Background(), info(), &provider.EmbeddingRequest{
		Model: "chat-model",
		Input: provider.StringList{"x"},
	})
	requireError(t, err, TypeValidation, http.StatusBadRequest)
	assert.Equal(t, 0, h.hits("alpha"))
}

func TestImages(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		io.WriteString(w, `{"created":1700000000,"data":[{"b64_json":"aGk="}]}`)
	})

	out, _, err := h.gw.Images(context.Background(), info(), &provider.ImageRequest{
		Model:  "image-model",
		Prompt: "a cat",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), out.Created)
	require.Len(t, out.Data, 1)
	assert.Equal(t, "aGk=", out.Data[0].B64JSON)

	log := h.sink.last(t)
	require.NotNil(t, log.Cost)
	assert.Equal(t, 1290, log.Cost.ImageOutputTokens)
	require.NotNil(t, out.Usage.Cost)
	assert.InDelta(t, 1290*0.00004, *out.Usage.Cost, 1e-9)
}

func TestImagesValidation(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.gw.Images(context.Background(), info(), &provider.ImageRequest{Model: "image-model"})
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	_, _, err = h.gw.Images(context.Background(), info(), &provider.ImageRequest{Model: "image-model", Prompt: "x", N: 11})
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	_, _, err = h.gw.Images(context.Background(), info(), &provider.ImageRequest{Model: "image-model", Prompt: "x", Edit: true})
	requireError(t, err, TypeValidation, http.StatusBadRequest)
}

func videoHandler(t *testing.T, states ...string) http.HandlerFunc {
	var polls atomic.Int32
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos":
			io.WriteString(w, `{"id":"vid_1","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/videos/vid_1":
			i := int(polls.Add(1)) - 1
			if i >= len(states) {
				i = len(states) - 1
			}
			io.WriteString(w, states[i])
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestVideoPollsUntilComplete(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(videoHandler(t,
		`{"id":"vid_1","status":"in_progress"}`,
		`{"error":{"message":"busy"}}`,
		`{"id":"vid_1","status":"completed"}`,
	))

	out, served, err := h.gw.Video(context.Background(), info(), &provider.VideoRequest{
		Model:  "video-model",
		Prompt: "a sunrise",
	})
	require.NoError(t, err)
	assert.Equal(t, "vid_1", out.ID)
	assert.Equal(t, "video", out.Object)
	assert.Equal(t, "completed", out.Status)
	assert.Equal(t, []string{h.ups["alpha"].srv.URL + "/videos/vid_1/content"}, out.URLs)
	require.NotNil(t, out.Usage.Cost)
	assert.InDelta(t, 0.5, *out.Usage.Cost, 1e-12)
	assert.Equal(t, "alpha", served.Provider)
}

func TestVideoFailedJob(t *testing.T) {
	h := newHarness(t)
	h.ups["alpha"].handle(videoHandler(t,
		`{"id":"vid_1","status":"failed","error":{"message":"unsafe prompt"}}`,
	))

	_, _, err := h.gw.Video(context.Background(), info(), &provider.VideoRequest{Model: "video-model", Prompt: "x"})
	e := requireError(t, err, TypeUpstream, http.StatusBadGateway)
	assert.Contains(t, e.Message, "unsafe prompt")
}

func TestVideoTimeout(t *testing.T) {
	h := newHarness(t)
	h.gw.videoTimeout = 30 * time.Millisecond
	h.ups["alpha"].handle(videoHandler(t, `{"id":"vid_1","status":"in_progress"}`))

	_, _, err := h.gw.Video(context.Background(), info(), &provider.VideoRequest{Model: "video-model", Prompt: "x"})
	requireError(t, err, TypeTimeout, http.StatusGatewayTimeout)
	assert.Equal(t, TypeTimeout, h.sink.last(t).ErrorType)
}

func TestVideoValidation(t *testing.T) {
	h := newHarness(t)

	_, _, err := h.gw.Video(context.Background(), info(), &provider.VideoRequest{Model: "video-model"})
	requireError(t, err, TypeValidation, http.StatusBadRequest)

	_, _, err = h.gw.Video(context.Background(), info(), &provider.VideoRequest{Model: "video-model", Prompt: "x", Seconds: 600})
	requireError(t, err, TypeValidation, http.StatusBadRequest)
}
