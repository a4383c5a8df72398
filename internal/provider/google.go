package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

// ---------------------------------------------------------------------------
// GoogleAdapter
// ---------------------------------------------------------------------------

// GoogleAdapter translates to and from the Gemini generateContent API.
//
// The main differences from the unified format:
//   - the assistant role is called "model"
//   - system messages go into a separate systemInstruction
//   - content is nested as contents[].parts[] instead of a flat string
//   - the model name goes in the URL path, not the body
//   - tool calls have no ids, so we mint them and match results by name
type GoogleAdapter struct {
	fetcher ImageFetcher
}

// NewGoogleAdapter creates a GoogleAdapter.
func NewGoogleAdapter(fetcher ImageFetcher) *GoogleAdapter {
	return &GoogleAdapter{fetcher: fetcher}
}

// Family returns catalog.FamilyGoogle.
func (g *GoogleAdapter) Family() catalog.Family {
	return catalog.FamilyGoogle
}

// ---------------------------------------------------------------------------
// Gemini API types (unexported)
// ---------------------------------------------------------------------------

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	ToolConfig        *geminiToolConfig       `json:"toolConfig,omitempty"`
}

// geminiContent is one turn. Role is "user" or "model" and is omitted for
// systemInstruction.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *geminiBlob             `json:"inlineData,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens    int                   `json:"maxOutputTokens,omitempty"`
	Temperature        *float64              `json:"temperature,omitempty"`
	TopP               *float64              `json:"topP,omitempty"`
	StopSequences      []string              `json:"stopSequences,omitempty"`
	ResponseMimeType   string                `json:"responseMimeType,omitempty"`
	ResponseJSONSchema json.RawMessage       `json:"responseJsonSchema,omitempty"`
	ResponseModalities []string              `json:"responseModalities,omitempty"`
	ThinkingConfig     *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
	ImageConfig        *geminiImageConfig    `json:"imageConfig,omitempty"`
}

type geminiThinkingConfig struct {
	ThinkingBudget  int  `json:"thinkingBudget"`
	IncludeThoughts bool `json:"includeThoughts,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDecl `json:"functionDeclarations"`
}

type geminiFunctionDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parametersJsonSchema,omitempty"`
}

type geminiToolConfig struct {
	FunctionCallingConfig geminiFunctionCallingConfig `json:"functionCallingConfig"`
}

type geminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode"` // AUTO, ANY, NONE
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata"`
	ModelVersion   string                `json:"modelVersion"`
	ResponseID     string                `json:"responseId"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

// geminiUsage holds token counts. promptTokenCount includes cached
// tokens; thoughtsTokenCount is separate from candidatesTokenCount.
type geminiUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
}

func (u *geminiUsage) toUsage() Usage {
	return Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		CachedTokens:     u.CachedContentTokenCount,
		ReasoningTokens:  u.ThoughtsTokenCount,
		Reported:         true,
	}
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

func (g *GoogleAdapter) toGeminiRequest(ctx context.Context, req *ChatRequest, up Upstream) *geminiRequest {
	gr := &geminiRequest{}
	msgs := flattenToolParts(req.Messages)

	// Gemini matches function responses by name, not id, so remember which
	// name every earlier tool call id belonged to.
	callNames := map[string]string{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Function.Name
		}
	}

	var systemParts []geminiPart
	for _, msg := range msgs {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, geminiPart{Text: msg.Content.String()})
			continue
		}

		role := "user"
		if msg.Role == RoleAssistant {
			role = "model"
		}
		parts := g.toParts(ctx, msg, callNames)
		if len(parts) == 0 {
			continue
		}

		if n := len(gr.Contents); n > 0 && gr.Contents[n-1].Role == role {
			gr.Contents[n-1].Parts = append(gr.Contents[n-1].Parts, parts...)
			continue
		}
		gr.Contents = append(gr.Contents, geminiContent{Role: role, Parts: parts})
	}
	if len(systemParts) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: systemParts}
	}

	cfg := &geminiGenerationConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		StopSequences:   req.Stop,
	}
	switch req.ResponseFormatType() {
	case "json_object":
		cfg.ResponseMimeType = "application/json"
	case "json_schema":
		cfg.ResponseMimeType = "application/json"
		if req.ResponseFormat.JSONSchema != nil {
			cfg.ResponseJSONSchema = req.ResponseFormat.JSONSchema.Schema
		}
	}
	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
		cfg.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: budget, IncludeThoughts: true}
	}
	if up.ImageOutput {
		cfg.ResponseModalities = []string{"TEXT", "IMAGE"}
	}
	gr.GenerationConfig = cfg

	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		gr.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	gr.ToolConfig = geminiChoice(req.ToolChoice)

	return gr
}

func (g *GoogleAdapter) toParts(ctx context.Context, msg Message, callNames map[string]string) []geminiPart {
	if msg.Role == RoleTool {
		return []geminiPart{{FunctionResponse: &geminiFunctionResponse{
			Name:     callNames[msg.ToolCallID],
			Response: functionResponseBody(msg.Content.String()),
		}}}
	}

	var parts []geminiPart
	if !msg.Content.IsParts() && msg.Content.Text != "" {
		parts = append(parts, geminiPart{Text: msg.Content.Text})
	}
	for _, p := range msg.Content.Parts {
		switch p.Type {
		case PartText:
			if p.Text != "" {
				parts = append(parts, geminiPart{Text: p.Text})
			}
		case PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			img, err := loadImage(ctx, g.fetcher, p.ImageURL.URL)
			if err != nil {
				parts = append(parts, geminiPart{Text: imagePlaceholder(p.ImageURL.URL)})
				continue
			}
			parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: img.MediaType, Data: img.Base64()}})
		}
	}
	for _, tc := range msg.ToolCalls {
		parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
			Name: tc.Function.Name,
			Args: jsonOrEmpty(tc.Function.Arguments),
		}})
	}
	return parts
}

// functionResponseBody wraps a tool result so it is always a JSON object,
// which is what Gemini requires for functionResponse.response.
func functionResponseBody(result string) json.RawMessage {
	trimmed := strings.TrimSpace(result)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	b, _ := json.Marshal(map[string]string{"content": result})
	return b
}

func geminiChoice(raw json.RawMessage) *geminiToolConfig {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		mode := map[string]string{"auto": "AUTO", "none": "NONE", "required": "ANY"}[s]
		if mode == "" {
			return nil
		}
		return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{Mode: mode}}
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &geminiToolConfig{FunctionCallingConfig: geminiFunctionCallingConfig{
			Mode:                 "ANY",
			AllowedFunctionNames: []string{obj.Function.Name},
		}}
	}
	return nil
}

// BuildChatRequest builds a POST to {base}/models/{model}:generateContent,
// or :streamGenerateContent?alt=sse when streaming. Gemini takes the API
// key as a query parameter.
func (g *GoogleAdapter) BuildChatRequest(ctx context.Context, req *ChatRequest, up Upstream) (*http.Request, error) {
	body, err := json.Marshal(g.toGeminiRequest(ctx, req, up))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", up.BaseURL, up.ModelName, up.APIKey)
	if req.Stream {
		url = fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", up.BaseURL, up.ModelName, up.APIKey)
	}
	return newJSONRequest(ctx, url, body)
}

// ---------------------------------------------------------------------------
// Response translation
// ---------------------------------------------------------------------------

// ParseChatResponse decodes a generateContent response.
func (g *GoogleAdapter) ParseChatResponse(body []byte) (*ChatResponse, error) {
	var gr geminiResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, fmt.Errorf("decoding gemini response: %w", err)
	}

	resp := &ChatResponse{
		ID:           gr.ResponseID,
		Model:        gr.ModelVersion,
		FinishReason: FinishCompleted,
	}
	if gr.UsageMetadata != nil {
		resp.Usage = gr.UsageMetadata.toUsage()
	}

	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			resp.FinishReason = FinishContentFilter
		}
		return resp, nil
	}

	c := gr.Candidates[0]
	var text, reasoning strings.Builder
	for _, p := range c.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, geminiToolCall(p.FunctionCall, nil))
		case p.InlineData != nil:
			resp.Images = append(resp.Images, GeneratedImage{MediaType: p.InlineData.MimeType, Data: p.InlineData.Data})
		case p.Thought:
			reasoning.WriteString(p.Text)
		default:
			text.WriteString(p.Text)
		}
	}
	resp.Content = text.String()
	resp.Reasoning = reasoning.String()

	resp.FinishReason = finishFromGoogle(c.FinishReason)
	if len(resp.ToolCalls) > 0 && resp.FinishReason == FinishCompleted {
		resp.FinishReason = FinishToolCalls
	}
	return resp, nil
}

// geminiToolCall gives a Gemini function call an OpenAI-style id.
func geminiToolCall(fc *geminiFunctionCall, index *int) ToolCall {
	args := string(fc.Args)
	if args == "" {
		args = "{}"
	}
	return ToolCall{
		Index:    index,
		ID:       "call_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Type:     "function",
		Function: FunctionCall{Name: fc.Name, Arguments: args},
	}
}

// NewStreamDecoder returns a decoder for streamGenerateContent SSE.
func (g *GoogleAdapter) NewStreamDecoder() StreamDecoder {
	return &geminiDecoder{}
}

// geminiDecoder handles Gemini's stream, where every event has the same
// shape as a full response. Usage is cumulative and repeated, so the last
// value wins. Gemini sends no [DONE]; the terminal chunk is produced at
// EOF by Finish.
type geminiDecoder struct {
	id       string
	model    string
	usage    *geminiUsage
	finish   string
	blocked  bool
	hasTools bool
	nTools   int
	done     bool
}

func (d *geminiDecoder) Decode(data []byte) ([]StreamChunk, error) {
	var ev geminiResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.ResponseID != "" {
		d.id = ev.ResponseID
	}
	if ev.ModelVersion != "" {
		d.model = ev.ModelVersion
	}
	if ev.UsageMetadata != nil {
		d.usage = ev.UsageMetadata
	}
	if ev.PromptFeedback != nil && ev.PromptFeedback.BlockReason != "" {
		d.blocked = true
	}
	if len(ev.Candidates) == 0 {
		return nil, nil
	}

	c := ev.Candidates[0]
	if c.FinishReason != "" {
		d.finish = c.FinishReason
	}

	chunk := StreamChunk{ID: d.id, Model: d.model}
	for _, p := range c.Content.Parts {
		switch {
		case p.FunctionCall != nil:
			idx := d.nTools
			d.nTools++
			d.hasTools = true
			chunk.ToolCalls = append(chunk.ToolCalls, geminiToolCall(p.FunctionCall, &idx))
		case p.InlineData != nil:
			chunk.Images = append(chunk.Images, GeneratedImage{MediaType: p.InlineData.MimeType, Data: p.InlineData.Data})
		case p.Thought:
			chunk.Reasoning += p.Text
		default:
			chunk.Delta += p.Text
		}
	}
	if chunk.Delta == "" && chunk.Reasoning == "" && chunk.ToolCalls == nil && chunk.Images == nil {
		return nil, nil
	}
	return []StreamChunk{chunk}, nil
}

func (d *geminiDecoder) Finish() []StreamChunk {
	if d.done {
		return nil
	}
	d.done = true

	finish := finishFromGoogle(d.finish)
	switch {
	case d.blocked:
		finish = FinishContentFilter
	case d.hasTools && finish == FinishCompleted:
		finish = FinishToolCalls
	}
	chunk := StreamChunk{ID: d.id, Model: d.model, Done: true, FinishReason: finish}
	if d.usage != nil {
		u := d.usage.toUsage()
		chunk.Usage = &u
	}
	return []StreamChunk{chunk}
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

type geminiEmbedRequest struct {
	Requests []geminiEmbedItem `json:"requests"`
}

type geminiEmbedItem struct {
	Model                string        `json:"model"`
	Content              geminiContent `json:"content"`
	OutputDimensionality int           `json:"outputDimensionality,omitempty"`
}

type geminiEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// BuildEmbeddingRequest builds a POST to :batchEmbedContents with one
// entry per input string.
func (g *GoogleAdapter) BuildEmbeddingRequest(ctx context.Context, req *EmbeddingRequest, up Upstream) (*http.Request, error) {
	wire := geminiEmbedRequest{}
	for _, text := range req.Input {
		wire.Requests = append(wire.Requests, geminiEmbedItem{
			Model:                "models/" + up.ModelName,
			Content:              geminiContent{Parts: []geminiPart{{Text: text}}},
			OutputDimensionality: req.Dimensions,
		})
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", up.BaseURL, up.ModelName, up.APIKey)
	return newJSONRequest(ctx, url, body)
}

// ParseEmbeddingResponse decodes a batchEmbedContents response. Gemini
// reports no usage for embeddings; the caller estimates it.
func (g *GoogleAdapter) ParseEmbeddingResponse(body []byte) (*EmbeddingResponse, error) {
	var er geminiEmbedResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("decoding gemini embeddings: %w", err)
	}
	resp := &EmbeddingResponse{Object: "list"}
	for i, e := range er.Embeddings {
		resp.Data = append(resp.Data, Embedding{Object: "embedding", Index: i, Embedding: e.Values})
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

// BuildImageRequest asks an image-capable Gemini model for IMAGE output.
// Edits send the input images inline next to the prompt.
func (g *GoogleAdapter) BuildImageRequest(ctx context.Context, req *ImageRequest, up Upstream) (*http.Request, error) {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, url := range req.Images {
		img, err := loadImage(ctx, g.fetcher, url)
		if err != nil {
			return nil, fmt.Errorf("loading image %q: %w", url, err)
		}
		parts = append(parts, geminiPart{InlineData: &geminiBlob{MimeType: img.MediaType, Data: img.Base64()}})
	}

	cfg := &geminiGenerationConfig{ResponseModalities: []string{"IMAGE"}}
	if ic := geminiImageSize(req.Size); ic != nil {
		cfg.ImageConfig = ic
	}

	body, err := json.Marshal(geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: parts}},
		GenerationConfig: cfg,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", up.BaseURL, up.ModelName, up.APIKey)
	return newJSONRequest(ctx, url, body)
}

// geminiImageSize accepts either an aspect ratio ("16:9") or a Gemini
// size tier ("1K", "2K", "4K"). Pixel sizes are left to the model.
func geminiImageSize(size string) *geminiImageConfig {
	switch {
	case size == "":
		return nil
	case strings.Contains(size, ":"):
		return &geminiImageConfig{AspectRatio: size}
	case size == "1K" || size == "2K" || size == "4K":
		return &geminiImageConfig{ImageSize: size}
	}
	return nil
}

// ParseImageResponse collects every inline image in the response.
func (g *GoogleAdapter) ParseImageResponse(body []byte) (*ImageResponse, error) {
	chat, err := g.ParseChatResponse(body)
	if err != nil {
		return nil, err
	}
	resp := &ImageResponse{Created: time.Now().Unix()}
	for _, img := range chat.Images {
		resp.Data = append(resp.Data, ImageData{B64JSON: img.Data})
	}
	if chat.Usage.Reported {
		u := chat.Usage
		resp.Usage = &u
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Video
// ---------------------------------------------------------------------------

type geminiVideoRequest struct {
	Instances  []geminiVideoInstance `json:"instances"`
	Parameters *geminiVideoParams    `json:"parameters,omitempty"`
}

type geminiVideoInstance struct {
	Prompt string `json:"prompt"`
}

type geminiVideoParams struct {
	DurationSeconds int    `json:"durationSeconds,omitempty"`
	AspectRatio     string `json:"aspectRatio,omitempty"`
}

// geminiOperation is a long-running operation. done flips to true once
// either response or error is set.
type geminiOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// BuildVideoSubmit builds a POST to :predictLongRunning.
func (g *GoogleAdapter) BuildVideoSubmit(ctx context.Context, req *VideoRequest, up Upstream) (*http.Request, error) {
	wire := geminiVideoRequest{Instances: []geminiVideoInstance{{Prompt: req.Prompt}}}
	if req.Seconds > 0 || strings.Contains(req.Size, ":") {
		wire.Parameters = &geminiVideoParams{DurationSeconds: req.Seconds}
		if strings.Contains(req.Size, ":") {
			wire.Parameters.AspectRatio = req.Size
		}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:predictLongRunning?key=%s", up.BaseURL, up.ModelName, up.APIKey)
	return newJSONRequest(ctx, url, body)
}

// BuildVideoPoll builds a GET for the operation. job.ID is the operation
// name, e.g. "models/veo-3.0-generate-001/operations/abc".
func (g *GoogleAdapter) BuildVideoPoll(ctx context.Context, job *VideoJob, up Upstream) (*http.Request, error) {
	url := fmt.Sprintf("%s/%s?key=%s", up.BaseURL, job.ID, up.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return httpReq, nil
}

// ParseVideoJob decodes an operation.
func (g *GoogleAdapter) ParseVideoJob(body []byte, _ Upstream) (*VideoJob, error) {
	var op geminiOperation
	if err := json.Unmarshal(body, &op); err != nil {
		return nil, fmt.Errorf("decoding gemini operation: %w", err)
	}
	job := &VideoJob{ID: op.Name, Status: VideoInProgress}
	switch {
	case !op.Done:
	case op.Error != nil:
		job.Status = VideoFailed
		job.Error = op.Error.Message
	default:
		job.Status = VideoCompleted
		if op.Response != nil {
			for _, s := range op.Response.GenerateVideoResponse.GeneratedSamples {
				job.URLs = append(job.URLs, s.Video.URI)
			}
		}
	}
	return job, nil
}
