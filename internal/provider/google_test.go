package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

func TestGoogleBuildChatRequest(t *testing.T) {
	g := NewGoogleAdapter(fakeFetcher{"https://img.example/cat.png": catImage})
	up := testUpstream(catalog.FamilyGoogle, "https://gemini.example/v1beta")

	req := &ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: Text("be brief")},
			{Role: RoleUser, Content: Parts(
				ContentPart{Type: PartText, Text: "describe"},
				ContentPart{Type: PartImageURL, ImageURL: &ImageURL{URL: "https://img.example/cat.png"}},
			)},
			{Role: RoleAssistant, Content: Text("a cat"), ToolCalls: []ToolCall{
				{ID: "call_1", Type: "function", Function: FunctionCall{Name: "lookup", Arguments: `{"q":"cat"}`}},
			}},
			{Role: RoleTool, ToolCallID: "call_1", Content: Text("felis catus")},
		},
		MaxTokens:       256,
		ReasoningEffort: "low",
		ResponseFormat: &ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &JSONSchema{Name: "x", Schema: json.RawMessage(`{"type":"object"}`)},
		},
	}

	httpReq, err := g.BuildChatRequest(context.Background(), req, up)
	require.NoError(t, err)
	assert.Equal(t, "https://gemini.example/v1beta/models/native-model:generateContent?key=test-key", httpReq.URL.String())

	body := bodyOf(t, httpReq)
	assert.Equal(t, map[string]any{"parts": []any{map[string]any{"text": "be brief"}}}, body["systemInstruction"])

	contents := body["contents"].([]any)
	require.Len(t, contents, 3)
	assert.Equal(t, "user", contents[0].(map[string]any)["role"])
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])

	userParts := contents[0].(map[string]any)["parts"].([]any)
	assert.Equal(t, map[string]any{"mimeType": "image/png", "data": catImage.Base64()}, userParts[1].(map[string]any)["inlineData"])

	modelParts := contents[1].(map[string]any)["parts"].([]any)
	require.Len(t, modelParts, 2)
	assert.Equal(t, map[string]any{"name": "lookup", "args": map[string]any{"q": "cat"}}, modelParts[1].(map[string]any)["functionCall"])

	toolParts := contents[2].(map[string]any)["parts"].([]any)
	assert.Equal(t, map[string]any{
		"name":     "lookup",
		"response": map[string]any{"content": "felis catus"},
	}, toolParts[0].(map[string]any)["functionResponse"])

	cfg := body["generationConfig"].(map[string]any)
	assert.Equal(t, float64(256), cfg["maxOutputTokens"])
	assert.Equal(t, "application/json", cfg["responseMimeType"])
	assert.Equal(t, map[string]any{"type": "object"}, cfg["responseJsonSchema"])
	assert.Equal(t, map[string]any{"thinkingBudget": float64(1024), "includeThoughts": true}, cfg["thinkingConfig"])
}

func TestGoogleStreamURLAndImageOutput(t *testing.T) {
	g := NewGoogleAdapter(nil)
	up := testUpstream(catalog.FamilyGoogle, "https://gemini.example/v1beta")
	up.ImageOutput = true

	httpReq, err := g.BuildChatRequest(context.Background(), &ChatRequest{
		Stream:   true,
		Messages: []Message{{Role: RoleUser, Content: Text("draw")}},
	}, up)
	require.NoError(t, err)
	assert.Equal(t, "https://gemini.example/v1beta/models/native-model:streamGenerateContent?alt=sse&key=test-key", httpReq.URL.String())

	cfg := bodyOf(t, httpReq)["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"TEXT", "IMAGE"}, cfg["responseModalities"])
}

func TestGoogleToolChoice(t *testing.T) {
	assert.Equal(t, "ANY", geminiChoice(json.RawMessage(`"required"`)).FunctionCallingConfig.Mode)
	named := geminiChoice(json.RawMessage(`{"type":"function","function":{"name":"f"}}`))
	assert.Equal(t, []string{"f"}, named.FunctionCallingConfig.AllowedFunctionNames)
	assert.Nil(t, geminiChoice(json.RawMessage(`"bogus"`)))
}

func TestGoogleParseChatResponse(t *testing.T) {
	resp, err := NewGoogleAdapter(nil).ParseChatResponse([]byte(`{
		"candidates": [{
			"content": {"role": "model", "parts": [
				{"text": "pondering", "thought": true},
				{"text": "Hello "},
				{"text": "there"},
				{"inlineData": {"mimeType": "image/png", "data": "aGk="}}
			]},
			"finishReason": "STOP"
		}],
		"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "cachedContentTokenCount": 4, "thoughtsTokenCount": 3},
		"modelVersion": "gemini-2.5-flash",
		"responseId": "resp-1"
	}`))
	require.NoError(t, err)

	assert.Equal(t, "Hello there", resp.Content)
	assert.Equal(t, "pondering", resp.Reasoning)
	assert.Equal(t, FinishCompleted, resp.FinishReason)
	require.Len(t, resp.Images, 1)
	assert.Equal(t, "data:image/png;base64,aGk=", resp.Images[0].DataURL())
	assert.Equal(t, Usage{PromptTokens: 10, CompletionTokens: 5, CachedTokens: 4, ReasoningTokens: 3, Reported: true}, resp.Usage)
}

func TestGoogleParseFinishReasons(t *testing.T) {
	g := NewGoogleAdapter(nil)

	blocked, err := g.ParseChatResponse([]byte(`{"promptFeedback":{"blockReason":"SAFETY"}}`))
	require.NoError(t, err)
	assert.Equal(t, FinishContentFilter, blocked.FinishReason)

	length, err := g.ParseChatResponse([]byte(`{"candidates":[{"content":{"parts":[{"text":"x"}]},"finishReason":"MAX_TOKENS"}]}`))
	require.NoError(t, err)
	assert.Equal(t, FinishLengthLimit, length.FinishReason)

	tools, err := g.ParseChatResponse([]byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{"a":1}}}]},"finishReason":"STOP"}]}`))
	require.NoError(t, err)
	assert.Equal(t, FinishToolCalls, tools.FinishReason)
	require.Len(t, tools.ToolCalls, 1)
	assert.True(t, strings.HasPrefix(tools.ToolCalls[0].ID, "call_"))
	assert.Equal(t, `{"a":1}`, tools.ToolCalls[0].Function.Arguments)
}

func TestGoogleStreamDecoder(t *testing.T) {
	chunks := decodeAll(t, NewGoogleAdapter(nil).NewStreamDecoder(),
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hel"}]}}],"usageMetadata":{"promptTokenCount":4},"responseId":"r1"}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":4,"candidatesTokenCount":2},"responseId":"r1"}`,
	)

	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Delta)
	assert.Equal(t, "lo", chunks[1].Delta)

	last := chunks[2]
	assert.True(t, last.Done)
	assert.Equal(t, "r1", last.ID)
	assert.Equal(t, FinishCompleted, last.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 2, last.Usage.CompletionTokens)
}

func TestGoogleEmbeddings(t *testing.T) {
	g := NewGoogleAdapter(nil)
	up := testUpstream(catalog.FamilyGoogle, "https://gemini.example/v1beta")

	httpReq, err := g.BuildEmbeddingRequest(context.Background(), &EmbeddingRequest{Input: StringList{"a", "b"}, Dimensions: 8}, up)
	require.NoError(t, err)
	assert.Equal(t, "https://gemini.example/v1beta/models/native-model:batchEmbedContents?key=test-key", httpReq.URL.String())

	requests := bodyOf(t, httpReq)["requests"].([]any)
	require.Len(t, requests, 2)
	first := requests[0].(map[string]any)
	assert.Equal(t, "models/native-model", first["model"])
	assert.Equal(t, float64(8), first["outputDimensionality"])

	resp, err := g.ParseEmbeddingResponse([]byte(`{"embeddings":[{"values":[1,2]},{"values":[3,4]}]}`))
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 1, resp.Data[1].Index)
	assert.Equal(t, []float64{3, 4}, resp.Data[1].Embedding)
	assert.False(t, resp.Usage.Reported)
}

func TestGoogleImages(t *testing.T) {
	g := NewGoogleAdapter(fakeFetcher{"https://img.example/cat.png": catImage})
	up := testUpstream(catalog.FamilyGoogle, "https://gemini.example/v1beta")

	httpReq, err := g.BuildImageRequest(context.Background(), &ImageRequest{
		Prompt: "add a hat",
		Size:   "4K",
		Images: []string{"https://img.example/cat.png"},
		Edit:   true,
	}, up)
	require.NoError(t, err)

	body := bodyOf(t, httpReq)
	cfg := body["generationConfig"].(map[string]any)
	assert.Equal(t, []any{"IMAGE"}, cfg["responseModalities"])
	assert.Equal(t, map[string]any{"imageSize": "4K"}, cfg["imageConfig"])
	parts := body["contents"].([]any)[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)

	resp, err := g.ParseImageResponse([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"aGk="}}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1290}}`))
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "aGk=", resp.Data[0].B64JSON)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 1290, resp.Usage.CompletionTokens)
}

func TestGoogleVideoOperations(t *testing.T) {
	g := NewGoogleAdapter(nil)
	up := testUpstream(catalog.FamilyGoogle, "https://gemini.example/v1beta")

	submit, err := g.BuildVideoSubmit(context.Background(), &VideoRequest{Prompt: "waves", Seconds: 8, Size: "16:9"}, up)
	require.NoError(t, err)
	assert.Equal(t, "https://gemini.example/v1beta/models/native-model:predictLongRunning?key=test-key", submit.URL.String())
	body := bodyOf(t, submit)
	assert.Equal(t, map[string]any{"durationSeconds": float64(8), "aspectRatio": "16:9"}, body["parameters"])

	job, err := g.ParseVideoJob([]byte(`{"name":"models/veo/operations/op1"}`), up)
	require.NoError(t, err)
	assert.Equal(t, VideoInProgress, job.Status)
	assert.False(t, job.Terminal())

	poll, err := g.BuildVideoPoll(context.Background(), job, up)
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, poll.Method)
	assert.Equal(t, "https://gemini.example/v1beta/models/veo/operations/op1?key=test-key", poll.URL.String())

	done, err := g.ParseVideoJob([]byte(`{"name":"models/veo/operations/op1","done":true,"response":{"generateVideoResponse":{"generatedSamples":[{"video":{"uri":"https://files.example/v.mp4"}}]}}}`), up)
	require.NoError(t, err)
	assert.Equal(t, VideoCompleted, done.Status)
	assert.Equal(t, []string{"https://files.example/v.mp4"}, done.URLs)

	failed, err := g.ParseVideoJob([]byte(`{"name":"op","done":true,"error":{"message":"blocked"}}`), up)
	require.NoError(t, err)
	assert.Equal(t, VideoFailed, failed.Status)
	assert.Equal(t, "blocked", failed.Error)
}
