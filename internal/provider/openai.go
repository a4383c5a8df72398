package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

// ---------------------------------------------------------------------------
// OpenAIAdapter
// ---------------------------------------------------------------------------

// OpenAIAdapter speaks the OpenAI Chat Completions protocol. Since the
// unified schema is already OpenAI-shaped, translation here is mostly a
// pass-through: swap in the provider-native model name, inline images,
// and apply per-provider quirks like the missing system role.
//
// Every "openai" family provider in the catalog (OpenAI itself, Groq,
// Together, custom endpoints) goes through this adapter.
type OpenAIAdapter struct {
	fetcher ImageFetcher
}

// NewOpenAIAdapter creates an OpenAIAdapter. fetcher inlines image URLs.
func NewOpenAIAdapter(fetcher ImageFetcher) *OpenAIAdapter {
	return &OpenAIAdapter{fetcher: fetcher}
}

// Family returns catalog.FamilyOpenAI.
func (a *OpenAIAdapter) Family() catalog.Family {
	return catalog.FamilyOpenAI
}

// ---------------------------------------------------------------------------
// OpenAI API types (unexported)
// ---------------------------------------------------------------------------

type openaiRequest struct {
	Model           string               `json:"model"`
	Messages        []Message            `json:"messages"`
	Stream          bool                 `json:"stream,omitempty"`
	StreamOptions   *openaiStreamOptions `json:"stream_options,omitempty"`
	MaxTokens       int                  `json:"max_tokens,omitempty"`
	Temperature     *float64             `json:"temperature,omitempty"`
	TopP            *float64             `json:"top_p,omitempty"`
	Stop            []string             `json:"stop,omitempty"`
	Tools           []Tool               `json:"tools,omitempty"`
	ToolChoice      json.RawMessage      `json:"tool_choice,omitempty"`
	ResponseFormat  *ResponseFormat      `json:"response_format,omitempty"`
	ReasoningEffort string               `json:"reasoning_effort,omitempty"`
}

// openaiStreamOptions asks for a final usage chunk. Without it OpenAI
// streams carry no token counts at all.
type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage"`
}

type openaiChoice struct {
	Message      openaiMessage `json:"message"`
	Delta        openaiMessage `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

// openaiMessage covers both full messages and stream deltas. Reasoning
// text shows up under different names depending on the provider.
type openaiMessage struct {
	Content          *string       `json:"content"`
	ReasoningContent string        `json:"reasoning_content"`
	Reasoning        string        `json:"reasoning"`
	ToolCalls        []ToolCall    `json:"tool_calls"`
	Images           []ContentPart `json:"images"`
}

type openaiUsage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	PromptTokensDetails     *openaiPromptDetails     `json:"prompt_tokens_details"`
	CompletionTokensDetails *openaiCompletionDetails `json:"completion_tokens_details"`
}

type openaiPromptDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

type openaiCompletionDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// toUsage normalizes OpenAI counts. OpenAI includes reasoning tokens in
// completion_tokens; the unified Usage keeps them separate.
func (u *openaiUsage) toUsage() Usage {
	out := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		Reported:         true,
	}
	if u.PromptTokensDetails != nil {
		out.CachedTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
		out.CompletionTokens = max(0, u.CompletionTokens-out.ReasoningTokens)
	}
	return out
}

// ---------------------------------------------------------------------------
// Chat
// ---------------------------------------------------------------------------

func (a *OpenAIAdapter) toOpenAIRequest(ctx context.Context, req *ChatRequest, up Upstream) *openaiRequest {
	msgs := inlineImageParts(ctx, a.fetcher, flattenToolParts(req.Messages))

	if up.Provider != nil && up.Provider.NoSystemRole {
		for i := range msgs {
			if msgs[i].Role == RoleSystem {
				msgs[i].Role = RoleUser
			}
		}
	}

	or := &openaiRequest{
		Model:           up.ModelName,
		Messages:        msgs,
		Stream:          req.Stream,
		MaxTokens:       req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		Stop:            req.Stop,
		Tools:           req.Tools,
		ToolChoice:      req.ToolChoice,
		ResponseFormat:  req.ResponseFormat,
		ReasoningEffort: req.ReasoningEffort,
	}
	if req.Stream {
		or.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	return or
}

// BuildChatRequest builds a POST to {base}/chat/completions.
func (a *OpenAIAdapter) BuildChatRequest(ctx context.Context, req *ChatRequest, up Upstream) (*http.Request, error) {
	body, err := json.Marshal(a.toOpenAIRequest(ctx, req, up))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := newJSONRequest(ctx, up.BaseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	setBearer(httpReq, up.APIKey)
	return httpReq, nil
}

// ParseChatResponse decodes a Chat Completions response body.
func (a *OpenAIAdapter) ParseChatResponse(body []byte) (*ChatResponse, error) {
	var or openaiResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("decoding openai response: %w", err)
	}

	resp := &ChatResponse{
		ID:           or.ID,
		Model:        or.Model,
		FinishReason: FinishCompleted,
	}
	if len(or.Choices) > 0 {
		c := or.Choices[0]
		if c.Message.Content != nil {
			resp.Content = *c.Message.Content
		}
		resp.Reasoning = c.Message.ReasoningContent + c.Message.Reasoning
		resp.ToolCalls = c.Message.ToolCalls
		resp.Images = openaiImages(c.Message.Images)
		if c.FinishReason != nil {
			resp.FinishReason = finishFromOpenAI(*c.FinishReason)
		}
	}
	if or.Usage != nil {
		resp.Usage = or.Usage.toUsage()
	}
	return resp, nil
}

// openaiImages picks inline images out of the non-standard "images" array
// some OpenAI-compatible providers return.
func openaiImages(parts []ContentPart) []GeneratedImage {
	var out []GeneratedImage
	for _, p := range parts {
		if p.ImageURL == nil {
			continue
		}
		mediaType, data, ok := splitDataURL(p.ImageURL.URL)
		if ok {
			out = append(out, GeneratedImage{MediaType: mediaType, Data: data})
		}
	}
	return out
}

// NewStreamDecoder returns a decoder for Chat Completions SSE.
func (a *OpenAIAdapter) NewStreamDecoder() StreamDecoder {
	return &openaiDecoder{}
}

// openaiDecoder tracks the finish reason across chunks. With
// include_usage, OpenAI sends finish_reason on one chunk and usage on a
// separate, final chunk with empty choices, so the terminal chunk is held
// back until usage arrives or the stream ends.
type openaiDecoder struct {
	id     string
	model  string
	finish *FinishReason
	done   bool
}

func (d *openaiDecoder) Decode(data []byte) ([]StreamChunk, error) {
	var ev openaiResponse
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.ID != "" {
		d.id = ev.ID
	}
	if ev.Model != "" {
		d.model = ev.Model
	}

	var chunks []StreamChunk
	for _, c := range ev.Choices {
		chunk := StreamChunk{
			ID:        d.id,
			Model:     d.model,
			Reasoning: c.Delta.ReasoningContent + c.Delta.Reasoning,
			ToolCalls: c.Delta.ToolCalls,
			Images:    openaiImages(c.Delta.Images),
		}
		if c.Delta.Content != nil {
			chunk.Delta = *c.Delta.Content
		}
		if chunk.Delta != "" || chunk.Reasoning != "" || len(chunk.ToolCalls) > 0 || len(chunk.Images) > 0 {
			chunks = append(chunks, chunk)
		}
		if c.FinishReason != nil && *c.FinishReason != "" {
			f := finishFromOpenAI(*c.FinishReason)
			d.finish = &f
		}
	}

	if ev.Usage != nil {
		u := ev.Usage.toUsage()
		chunks = append(chunks, d.terminal(&u))
	}
	return chunks, nil
}

func (d *openaiDecoder) Finish() []StreamChunk {
	if d.done {
		return nil
	}
	return []StreamChunk{d.terminal(nil)}
}

func (d *openaiDecoder) terminal(u *Usage) StreamChunk {
	d.done = true
	finish := FinishCompleted
	if d.finish != nil {
		finish = *d.finish
	}
	return StreamChunk{ID: d.id, Model: d.model, Done: true, FinishReason: finish, Usage: u}
}

// ---------------------------------------------------------------------------
// Embeddings
// ---------------------------------------------------------------------------

type openaiEmbeddingResponse struct {
	Data  []Embedding `json:"data"`
	Model string      `json:"model"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// BuildEmbeddingRequest builds a POST to {base}/embeddings.
func (a *OpenAIAdapter) BuildEmbeddingRequest(ctx context.Context, req *EmbeddingRequest, up Upstream) (*http.Request, error) {
	wire := *req
	wire.Model = up.ModelName
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := newJSONRequest(ctx, up.BaseURL+"/embeddings", body)
	if err != nil {
		return nil, err
	}
	setBearer(httpReq, up.APIKey)
	return httpReq, nil
}

// ParseEmbeddingResponse decodes an embeddings response.
func (a *OpenAIAdapter) ParseEmbeddingResponse(body []byte) (*EmbeddingResponse, error) {
	var er openaiEmbeddingResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("decoding openai embeddings: %w", err)
	}
	resp := &EmbeddingResponse{Object: "list", Data: er.Data, Model: er.Model}
	for i := range resp.Data {
		resp.Data[i].Object = "embedding"
	}
	if er.Usage != nil {
		resp.Usage = Usage{PromptTokens: er.Usage.PromptTokens, Reported: true}
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

type openaiImageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n,omitempty"`
	Size           string `json:"size,omitempty"`
	Quality        string `json:"quality,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type openaiImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Usage   *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BuildImageRequest builds a JSON POST to {base}/images/generations, or a
// multipart POST to {base}/images/edits when req.Edit is set.
func (a *OpenAIAdapter) BuildImageRequest(ctx context.Context, req *ImageRequest, up Upstream) (*http.Request, error) {
	if req.Edit {
		return a.buildImageEdit(ctx, req, up)
	}
	body, err := json.Marshal(openaiImageRequest{
		Model:          up.ModelName,
		Prompt:         req.Prompt,
		N:              req.N,
		Size:           req.Size,
		Quality:        req.Quality,
		ResponseFormat: req.ResponseFormat,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := newJSONRequest(ctx, up.BaseURL+"/images/generations", body)
	if err != nil {
		return nil, err
	}
	setBearer(httpReq, up.APIKey)
	return httpReq, nil
}

// buildImageEdit uploads every input image (and the optional mask) as
// multipart files. Unlike chat, a failed image here fails the request:
// there is nothing sensible to edit without it.
func (a *OpenAIAdapter) buildImageEdit(ctx context.Context, req *ImageRequest, up Upstream) (*http.Request, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"model":   up.ModelName,
		"prompt":  req.Prompt,
		"size":    req.Size,
		"quality": req.Quality,
	}
	if req.N > 0 {
		fields["n"] = strconv.Itoa(req.N)
	}
	for _, k := range []string{"model", "prompt", "n", "size", "quality"} {
		if v := fields[k]; v != "" {
			if err := w.WriteField(k, v); err != nil {
				return nil, fmt.Errorf("writing field %s: %w", k, err)
			}
		}
	}

	addFile := func(field, url string, i int) error {
		img, err := loadImage(ctx, a.fetcher, url)
		if err != nil {
			return fmt.Errorf("loading image %q: %w", url, err)
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename="image-%d.%s"`, field, i, extensionFor(img.MediaType)))
		h.Set("Content-Type", img.MediaType)
		part, err := w.CreatePart(h)
		if err != nil {
			return err
		}
		_, err = part.Write(img.Data)
		return err
	}

	for i, url := range req.Images {
		if err := addFile("image[]", url, i); err != nil {
			return nil, err
		}
	}
	if req.Mask != "" {
		if err := addFile("mask", req.Mask, 0); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, up.BaseURL+"/images/edits", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	setBearer(httpReq, up.APIKey)
	return httpReq, nil
}

// ParseImageResponse decodes an images response.
func (a *OpenAIAdapter) ParseImageResponse(body []byte) (*ImageResponse, error) {
	var ir openaiImageResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return nil, fmt.Errorf("decoding openai images: %w", err)
	}
	resp := &ImageResponse{Created: ir.Created, Data: ir.Data}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	if ir.Usage != nil {
		resp.Usage = &Usage{
			PromptTokens:     ir.Usage.InputTokens,
			CompletionTokens: ir.Usage.OutputTokens,
			Reported:         true,
		}
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Video
// ---------------------------------------------------------------------------

type openaiVideoRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Seconds string `json:"seconds,omitempty"`
	Size    string `json:"size,omitempty"`
}

type openaiVideoJob struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// BuildVideoSubmit builds a POST to {base}/videos.
func (a *OpenAIAdapter) BuildVideoSubmit(ctx context.Context, req *VideoRequest, up Upstream) (*http.Request, error) {
	wire := openaiVideoRequest{Model: up.ModelName, Prompt: req.Prompt, Size: req.Size}
	if req.Seconds > 0 {
		wire.Seconds = strconv.Itoa(req.Seconds)
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := newJSONRequest(ctx, up.BaseURL+"/videos", body)
	if err != nil {
		return nil, err
	}
	setBearer(httpReq, up.APIKey)
	return httpReq, nil
}

// BuildVideoPoll builds a GET to {base}/videos/{id}.
func (a *OpenAIAdapter) BuildVideoPoll(ctx context.Context, job *VideoJob, up Upstream) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, up.BaseURL+"/videos/"+job.ID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	setBearer(httpReq, up.APIKey)
	return httpReq, nil
}

// ParseVideoJob decodes a video job. Completed jobs point at the content
// endpoint of the same provider.
func (a *OpenAIAdapter) ParseVideoJob(body []byte, up Upstream) (*VideoJob, error) {
	var vj openaiVideoJob
	if err := json.Unmarshal(body, &vj); err != nil {
		return nil, fmt.Errorf("decoding openai video job: %w", err)
	}
	job := &VideoJob{ID: vj.ID}
	switch vj.Status {
	case "completed":
		job.Status = VideoCompleted
		job.URLs = []string{up.BaseURL + "/videos/" + vj.ID + "/content"}
	case "failed":
		job.Status = VideoFailed
		job.Error = "video generation failed"
		if vj.Error != nil && vj.Error.Message != "" {
			job.Error = vj.Error.Message
		}
	case "in_progress":
		job.Status = VideoInProgress
	default:
		job.Status = VideoQueued
	}
	return job, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func setBearer(req *http.Request, key string) {
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

// splitDataURL returns the media type and base64 payload of a data URL.
func splitDataURL(u string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, _, _ = strings.Cut(meta, ";")
	return mediaType, payload, true
}

func extensionFor(mediaType string) string {
	switch mediaType {
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	}
	return "png"
}
