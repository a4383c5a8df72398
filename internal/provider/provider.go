// Package provider translates between the unified (OpenAI-shaped) request
// and response schema and each upstream provider family's native wire
// format, and performs the upstream HTTP calls.
//
// Every family (OpenAI-style, Anthropic, Google) implements the Adapter
// interface. The rest of the gateway works with the unified types in this
// file, so handlers, cost and logging never need to know which provider
// actually served a request.
package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/fetch"
)

// Adapter converts unified requests into provider-native HTTP requests and
// provider-native responses back into unified ones. Adapters are stateless
// and chosen once per provider when the gateway is built.
type Adapter interface {
	// Family returns the wire protocol this adapter speaks.
	Family() catalog.Family

	// BuildChatRequest builds the upstream HTTP request for a chat
	// completion. When req.Stream is set the request asks for SSE.
	BuildChatRequest(ctx context.Context, req *ChatRequest, up Upstream) (*http.Request, error)

	// ParseChatResponse decodes a complete (non-streaming) response body.
	ParseChatResponse(body []byte) (*ChatResponse, error)

	// NewStreamDecoder returns a decoder for one streamed response.
	NewStreamDecoder() StreamDecoder
}

// StreamDecoder turns SSE data payloads of one stream into unified chunks.
// Decoders are stateful: some providers spread response metadata across
// several events, so a fresh decoder is needed per stream.
type StreamDecoder interface {
	// Decode handles one "data:" payload and returns zero or more chunks.
	// A chunk with Done set is the terminal chunk of the stream.
	Decode(data []byte) ([]StreamChunk, error)

	// Finish is called once when the upstream stream ends ([DONE] or EOF).
	// It returns the terminal chunk if Decode has not produced one yet.
	Finish() []StreamChunk
}

// Embedder is implemented by adapters whose family supports embeddings.
type Embedder interface {
	BuildEmbeddingRequest(ctx context.Context, req *EmbeddingRequest, up Upstream) (*http.Request, error)
	ParseEmbeddingResponse(body []byte) (*EmbeddingResponse, error)
}

// ImageGenerator is implemented by adapters that can generate or edit
// images.
type ImageGenerator interface {
	BuildImageRequest(ctx context.Context, req *ImageRequest, up Upstream) (*http.Request, error)
	ParseImageResponse(body []byte) (*ImageResponse, error)
}

// VideoGenerator is implemented by adapters that run asynchronous video
// jobs: one submit call followed by status polls.
type VideoGenerator interface {
	BuildVideoSubmit(ctx context.Context, req *VideoRequest, up Upstream) (*http.Request, error)
	BuildVideoPoll(ctx context.Context, job *VideoJob, up Upstream) (*http.Request, error)
	ParseVideoJob(body []byte, up Upstream) (*VideoJob, error)
}

// ImageFetcher resolves image URLs (remote or data:) into bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (*fetch.Image, error)
}

// Upstream is the resolved target of a single attempt.
type Upstream struct {
	Provider  *catalog.Provider
	BaseURL   string
	APIKey    string
	ModelName string // provider-native model name

	// ImageOutput asks chat models that can produce images to do so.
	ImageOutput bool
}

// NewAdapters builds one adapter per family. The fetcher is shared by the
// families that inline images.
func NewAdapters(fetcher ImageFetcher) map[catalog.Family]Adapter {
	return map[catalog.Family]Adapter{
		catalog.FamilyOpenAI:    NewOpenAIAdapter(fetcher),
		catalog.FamilyAnthropic: NewAnthropicAdapter(fetcher),
		catalog.FamilyGoogle:    NewGoogleAdapter(fetcher),
	}
}

// ---------------------------------------------------------------------------
// Unified request types
// ---------------------------------------------------------------------------

// Roles in the unified schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content part types.
const (
	PartText       = "text"
	PartImageURL   = "image_url"
	PartToolUse    = "tool_use"
	PartToolResult = "tool_result"
)

// ChatRequest is the unified chat completion request. The HTTP handler
// decodes the caller's OpenAI-format JSON into it and adapters translate
// it into their provider's format.
type ChatRequest struct {
	Model           string          `json:"model"`
	Messages        []Message       `json:"messages"`
	Stream          bool            `json:"stream,omitempty"`
	MaxTokens       int             `json:"max_tokens,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	Stop            StringList      `json:"stop,omitempty"`
	Tools           []Tool          `json:"tools,omitempty"`
	ToolChoice      json.RawMessage `json:"tool_choice,omitempty"`
	ResponseFormat  *ResponseFormat `json:"response_format,omitempty"`
	ReasoningEffort string          `json:"reasoning_effort,omitempty"`
	Plugins         []Plugin        `json:"plugins,omitempty"`
}

// Plugin is an opt-in gateway feature listed by the caller.
type Plugin struct {
	ID string `json:"id"`
}

// PluginIDs returns the ids of the requested plugins.
func (r *ChatRequest) PluginIDs() []string {
	ids := make([]string, 0, len(r.Plugins))
	for _, p := range r.Plugins {
		ids = append(ids, p.ID)
	}
	return ids
}

// ResponseFormatType returns the requested response format type, or "".
func (r *ChatRequest) ResponseFormatType() string {
	if r.ResponseFormat == nil {
		return ""
	}
	return r.ResponseFormat.Type
}

// HasImages reports whether any message carries an image part.
func (r *ChatRequest) HasImages() bool {
	for _, m := range r.Messages {
		for _, p := range m.Content.Parts {
			if p.Type == PartImageURL {
				return true
			}
		}
	}
	return false
}

// ResponseFormat mirrors OpenAI's response_format.
type ResponseFormat struct {
	Type       string      `json:"type"` // text, json_object, json_schema
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema is the json_schema payload of a structured-output request.
type JSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// Tool is a function the model may call.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef describes a callable function.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Message is a single message in the conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Content is either a plain string or an ordered list of typed parts. It
// keeps whichever form the caller sent.
type Content struct {
	Text  string
	Parts []ContentPart
}

// Text returns a Content holding a plain string.
func Text(s string) Content {
	return Content{Text: s}
}

// Parts returns a Content holding typed parts.
func Parts(parts ...ContentPart) Content {
	return Content{Parts: parts}
}

// IsParts reports whether the content is in list form.
func (c Content) IsParts() bool {
	return c.Parts != nil
}

// String concatenates all text in the content.
func (c Content) String() string {
	if c.Parts == nil {
		return c.Text
	}
	var b strings.Builder
	for _, p := range c.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// MarshalJSON writes a string or an array depending on the form held.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	*c = Content{}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		parts := []ContentPart{}
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		c.Parts = parts
		return nil
	}
	return json.Unmarshal(data, &c.Text)
}

// ContentPart is one typed piece of message content. Which fields are set
// depends on Type.
type ContentPart struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image_url
	ImageURL *ImageURL `json:"image_url,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Result    json.RawMessage `json:"content,omitempty"`
}

// ImageURL points at an image by remote URL or data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ToolCall is a function call made by the model.
type ToolCall struct {
	Index    *int         `json:"index,omitempty"` // set on streamed deltas only
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

// StringList accepts either a single JSON string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ---------------------------------------------------------------------------
// Unified response types
// ---------------------------------------------------------------------------

// ChatResponse is a complete (non-streaming) chat completion, normalized
// from whatever the provider returned.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	Reasoning    string
	ToolCalls    []ToolCall
	Images       []GeneratedImage
	FinishReason FinishReason
	Usage        Usage
}

// GeneratedImage is an image produced inline by a chat model.
type GeneratedImage struct {
	MediaType string
	Data      string // base64
}

// DataURL renders the image as a data: URL.
func (g GeneratedImage) DataURL() string {
	return "data:" + g.MediaType + ";base64," + g.Data
}

// Usage holds normalized token counts. PromptTokens includes CachedTokens.
// CompletionTokens excludes ReasoningTokens.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	ReasoningTokens  int

	// Reported is false when the provider sent no usage at all.
	Reported bool
}

// TotalTokens is the sum of prompt, completion and reasoning tokens.
func (u Usage) TotalTokens() int {
	return u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
}

// UsageJSON is the OpenAI-format usage object returned to callers.
// completion_tokens includes reasoning tokens, as OpenAI reports it.
type UsageJSON struct {
	PromptTokens            int                   `json:"prompt_tokens"`
	CompletionTokens        int                   `json:"completion_tokens"`
	TotalTokens             int                   `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensJSON     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensJSON `json:"completion_tokens_details,omitempty"`
	Cost                    *float64              `json:"cost,omitempty"`
}

// PromptTokensJSON breaks down prompt tokens.
type PromptTokensJSON struct {
	CachedTokens int `json:"cached_tokens"`
}

// CompletionTokensJSON breaks down completion tokens.
type CompletionTokensJSON struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// JSON renders u in OpenAI format.
func (u Usage) JSON() *UsageJSON {
	out := &UsageJSON{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens + u.ReasoningTokens,
		TotalTokens:      u.TotalTokens(),
	}
	if u.CachedTokens > 0 {
		out.PromptTokensDetails = &PromptTokensJSON{CachedTokens: u.CachedTokens}
	}
	if u.ReasoningTokens > 0 {
		out.CompletionTokensDetails = &CompletionTokensJSON{ReasoningTokens: u.ReasoningTokens}
	}
	return out
}

// StreamChunk is one unit of a streaming response, already normalized.
// Adapters send these over a channel; the stream package writes them to
// the client as SSE in the order received.
type StreamChunk struct {
	ID        string
	Model     string
	Delta     string
	Reasoning string
	ToolCalls []ToolCall
	Images    []GeneratedImage

	// Done marks the terminal chunk, which carries FinishReason and, when
	// the provider reported it, Usage.
	Done         bool
	FinishReason FinishReason
	Usage        *Usage

	// Error is set when the upstream stream broke mid-way.
	Error error
}

// ---------------------------------------------------------------------------
// Embeddings, images, video
// ---------------------------------------------------------------------------

// EmbeddingRequest is the unified embeddings request.
type EmbeddingRequest struct {
	Model          string     `json:"model"`
	Input          StringList `json:"input"`
	Dimensions     int        `json:"dimensions,omitempty"`
	EncodingFormat string     `json:"encoding_format,omitempty"`
}

// EmbeddingResponse is the unified embeddings response.
type EmbeddingResponse struct {
	Object string      `json:"object"`
	Data   []Embedding `json:"data"`
	Model  string      `json:"model"`
	Usage  Usage       `json:"-"`
}

// Embedding is one vector.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// ImageRequest is the unified image generation/edit request. Images and
// Mask are only used for edits and may be remote URLs or data URLs.
type ImageRequest struct {
	Model          string   `json:"model"`
	Prompt         string   `json:"prompt"`
	N              int      `json:"n,omitempty"`
	Size           string   `json:"size,omitempty"`
	Quality        string   `json:"quality,omitempty"`
	ResponseFormat string   `json:"response_format,omitempty"`
	Images         []string `json:"images,omitempty"`
	Mask           string   `json:"mask,omitempty"`

	// Edit is set by the edits endpoint.
	Edit bool `json:"-"`
}

// ImageResponse is the unified image response.
type ImageResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
	Usage   *Usage      `json:"-"`
}

// ImageData is one generated image.
type ImageData struct {
	B64JSON       string `json:"b64_json,omitempty"`
	URL           string `json:"url,omitempty"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// VideoRequest is the unified video generation request.
type VideoRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	Seconds int    `json:"seconds,omitempty"`
	Size    string `json:"size,omitempty"`
}

// VideoStatus is the state of an asynchronous video job.
type VideoStatus string

const (
	VideoQueued     VideoStatus = "queued"
	VideoInProgress VideoStatus = "in_progress"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

// VideoJob is a provider video job as seen by the gateway.
type VideoJob struct {
	ID     string      `json:"id"`
	Status VideoStatus `json:"status"`
	URLs   []string    `json:"urls,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Terminal reports whether the job will not change state again.
func (j *VideoJob) Terminal() bool {
	return j.Status == VideoCompleted || j.Status == VideoFailed
}
