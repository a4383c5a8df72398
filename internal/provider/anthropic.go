package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

// ---------------------------------------------------------------------------
// AnthropicAdapter
// ---------------------------------------------------------------------------

// AnthropicAdapter translates to and from Anthropic's Messages API.
//
// The bigger differences from the unified format:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is required
//   - content is always a list of typed blocks (text, image, tool_use,
//     tool_result, thinking)
//   - tool results travel inside user messages, and roles must alternate
type AnthropicAdapter struct {
	fetcher ImageFetcher
}

// NewAnthropicAdapter creates an AnthropicAdapter. Images are always sent
// inline as base64, so fetcher is used for every remote image URL.
func NewAnthropicAdapter(fetcher ImageFetcher) *AnthropicAdapter {
	return &AnthropicAdapter{fetcher: fetcher}
}

// Family returns catalog.FamilyAnthropic.
func (a *AnthropicAdapter) Family() catalog.Family {
	return catalog.FamilyAnthropic
}

// anthropicAPIVersion pins the Anthropic API behavior. Anthropic versions
// its API with a date-based header instead of the URL path.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the caller doesn't specify max_tokens.
// Anthropic requires this field, so we need a fallback.
const defaultMaxTokens = 1024

// thinkingBudgets maps reasoning_effort onto Anthropic's extended
// thinking budget.
var thinkingBudgets = map[string]int{
	"low":    1024,
	"medium": 4096,
	"high":   16384,
}

// jsonInstruction is appended to the system prompt when the caller asks
// for JSON output. Anthropic has no native JSON mode.
const jsonInstruction = "Respond only with a single valid JSON value. Do not wrap it in markdown or add any other text."

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

type anthropicRequest struct {
	Model         string               `json:"model"`
	MaxTokens     int                  `json:"max_tokens"`
	System        string               `json:"system,omitempty"`
	Messages      []anthropicMessage   `json:"messages"`
	Stream        bool                 `json:"stream,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	StopSequences []string             `json:"stop_sequences,omitempty"`
	Tools         []anthropicTool      `json:"tools,omitempty"`
	ToolChoice    *anthropicToolChoice `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking   `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. Like the unified ContentPart, all
// possible fields live in one struct and Type decides which are set.
type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // always "base64" here
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // auto, any, tool, none
	Name string `json:"name,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

// anthropicUsage holds token counts. input_tokens excludes anything read
// from or written to the prompt cache; those come separately.
type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

// toUsage folds cache creation and cache reads into the prompt count so
// that PromptTokens always means "every input token", like OpenAI.
func (u anthropicUsage) toUsage() Usage {
	return Usage{
		PromptTokens:     u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens,
		CompletionTokens: u.OutputTokens,
		CachedTokens:     u.CacheReadInputTokens,
		Reported:         true,
	}
}

// --- Streaming event types ---
//
// Anthropic sends named events, each with a different payload, and every
// payload repeats its event name in "type":
//
//	message_start        → id, model, input usage
//	content_block_start  → block type (tool_use carries id and name)
//	content_block_delta  → text_delta, thinking_delta or input_json_delta
//	message_delta        → stop_reason and output usage
//	message_stop         → end of stream
//	error                → the provider failed mid-stream
type anthropicStreamEvent struct {
	Type         string              `json:"type"`
	Index        int                 `json:"index"`
	Message      *anthropicResponse  `json:"message,omitempty"`
	ContentBlock *anthropicBlock     `json:"content_block,omitempty"`
	Delta        *anthropicDelta     `json:"delta,omitempty"`
	Usage        *anthropicUsage     `json:"usage,omitempty"`
	Error        *anthropicErrorBody `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Request translation
// ---------------------------------------------------------------------------

// toAnthropicRequest translates the unified request. System messages are
// pulled out, tool calls and tool results become blocks, and consecutive
// messages with the same role are merged because Anthropic requires
// strictly alternating roles.
func (a *AnthropicAdapter) toAnthropicRequest(ctx context.Context, req *ChatRequest, up Upstream) *anthropicRequest {
	ar := &anthropicRequest{
		Model:         up.ModelName,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		MaxTokens:     defaultMaxTokens,
	}
	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			systemParts = append(systemParts, msg.Content.String())
			continue
		}

		role := msg.Role
		if role == RoleTool {
			role = RoleUser
		}
		blocks := a.toBlocks(ctx, msg)
		if len(blocks) == 0 {
			continue
		}

		if n := len(ar.Messages); n > 0 && ar.Messages[n-1].Role == role {
			ar.Messages[n-1].Content = append(ar.Messages[n-1].Content, blocks...)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: role, Content: blocks})
	}

	if rf := req.ResponseFormatType(); rf == "json_object" || rf == "json_schema" {
		instruction := jsonInstruction
		if rf == "json_schema" && req.ResponseFormat.JSONSchema != nil && len(req.ResponseFormat.JSONSchema.Schema) > 0 {
			instruction += " The JSON must match this schema: " + string(req.ResponseFormat.JSONSchema.Schema)
		}
		systemParts = append(systemParts, instruction)
	}
	ar.System = strings.Join(systemParts, "\n")

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	ar.ToolChoice = anthropicChoice(req.ToolChoice)

	if budget, ok := thinkingBudgets[req.ReasoningEffort]; ok {
		ar.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: budget}
		// max_tokens must leave room for the answer after thinking, and
		// sampling parameters are not allowed with thinking on.
		if ar.MaxTokens <= budget {
			ar.MaxTokens = budget + defaultMaxTokens
		}
		ar.Temperature = nil
		ar.TopP = nil
	}

	return ar
}

// toBlocks converts one unified message into Anthropic content blocks.
func (a *AnthropicAdapter) toBlocks(ctx context.Context, msg Message) []anthropicBlock {
	var blocks []anthropicBlock

	if msg.Role == RoleTool {
		return []anthropicBlock{{
			Type:      "tool_result",
			ToolUseID: msg.ToolCallID,
			Content:   msg.Content.String(),
		}}
	}

	if !msg.Content.IsParts() {
		if msg.Content.Text != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content.Text})
		}
	}
	for _, p := range msg.Content.Parts {
		switch p.Type {
		case PartText:
			if p.Text != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
			}
		case PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			img, err := loadImage(ctx, a.fetcher, p.ImageURL.URL)
			if err != nil {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: imagePlaceholder(p.ImageURL.URL)})
				continue
			}
			blocks = append(blocks, anthropicBlock{
				Type:   "image",
				Source: &anthropicImageSource{Type: "base64", MediaType: img.MediaType, Data: img.Base64()},
			})
		case PartToolUse:
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: p.ID, Name: p.Name, Input: jsonOrEmpty(string(p.Input))})
		case PartToolResult:
			blocks = append(blocks, anthropicBlock{Type: "tool_result", ToolUseID: p.ToolUseID, Content: toolResultText(p.Result)})
		}
	}

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, anthropicBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: jsonOrEmpty(tc.Function.Arguments),
		})
	}
	return blocks
}

// anthropicChoice maps OpenAI's tool_choice ("auto", "none", "required",
// or {"type":"function","function":{"name":...}}).
func anthropicChoice(raw json.RawMessage) *anthropicToolChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch s {
		case "auto":
			return &anthropicToolChoice{Type: "auto"}
		case "none":
			return &anthropicToolChoice{Type: "none"}
		case "required":
			return &anthropicToolChoice{Type: "any"}
		}
		return nil
	}
	var obj struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Function.Name != "" {
		return &anthropicToolChoice{Type: "tool", Name: obj.Function.Name}
	}
	return nil
}

// jsonOrEmpty returns s as raw JSON if it is valid, otherwise "{}".
// Models occasionally emit truncated arguments that Anthropic would reject.
func jsonOrEmpty(s string) json.RawMessage {
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return json.RawMessage(`{}`)
}

// BuildChatRequest builds a POST to {base}/messages. The same endpoint
// serves streaming; "stream": true in the body switches it to SSE.
func (a *AnthropicAdapter) BuildChatRequest(ctx context.Context, req *ChatRequest, up Upstream) (*http.Request, error) {
	body, err := json.Marshal(a.toAnthropicRequest(ctx, req, up))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := newJSONRequest(ctx, up.BaseURL+"/messages", body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("x-api-key", up.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// ---------------------------------------------------------------------------
// Response translation
// ---------------------------------------------------------------------------

// ParseChatResponse decodes a Messages API response.
func (a *AnthropicAdapter) ParseChatResponse(body []byte) (*ChatResponse, error) {
	var ar anthropicResponse
	if err := json.Unmarshal(body, &ar); err != nil {
		return nil, fmt.Errorf("decoding anthropic response: %w", err)
	}

	resp := &ChatResponse{
		ID:           ar.ID,
		Model:        ar.Model,
		FinishReason: finishFromAnthropic(ar.StopReason),
		Usage:        ar.Usage.toUsage(),
	}

	var text, reasoning strings.Builder
	for _, block := range ar.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: string(jsonOrEmpty(string(block.Input)))},
			})
		}
	}
	resp.Content = text.String()
	resp.Reasoning = reasoning.String()
	return resp, nil
}

// NewStreamDecoder returns a decoder for Messages API SSE.
func (a *AnthropicAdapter) NewStreamDecoder() StreamDecoder {
	return &anthropicDecoder{toolIndex: map[int]int{}}
}

// anthropicDecoder accumulates metadata that Anthropic spreads over the
// stream: id, model and input usage arrive first, stop reason and output
// usage near the end.
type anthropicDecoder struct {
	id     string
	model  string
	usage  anthropicUsage
	stop   string
	done   bool
	seen   bool // any usage arrived
	nTools int

	// toolIndex maps Anthropic content block indexes to the position of
	// the tool call among tool calls, which is what OpenAI deltas use.
	toolIndex map[int]int
}

func (d *anthropicDecoder) Decode(data []byte) ([]StreamChunk, error) {
	var ev anthropicStreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			d.id = ev.Message.ID
			d.model = ev.Message.Model
			d.usage = ev.Message.Usage
			d.seen = true
		}

	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			idx := d.nTools
			d.nTools++
			d.toolIndex[ev.Index] = idx
			return []StreamChunk{d.chunk(StreamChunk{ToolCalls: []ToolCall{{
				Index:    &idx,
				ID:       ev.ContentBlock.ID,
				Type:     "function",
				Function: FunctionCall{Name: ev.ContentBlock.Name},
			}}})}, nil
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return nil, nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []StreamChunk{d.chunk(StreamChunk{Delta: ev.Delta.Text})}, nil
		case "thinking_delta":
			return []StreamChunk{d.chunk(StreamChunk{Reasoning: ev.Delta.Thinking})}, nil
		case "input_json_delta":
			idx, ok := d.toolIndex[ev.Index]
			if !ok {
				return nil, nil
			}
			return []StreamChunk{d.chunk(StreamChunk{ToolCalls: []ToolCall{{
				Index:    &idx,
				Function: FunctionCall{Arguments: ev.Delta.PartialJSON},
			}}})}, nil
		}

	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			d.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			// message_delta usage is cumulative. Input counts are only
			// present on some API versions, so keep the earlier ones.
			d.usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				d.usage.InputTokens = ev.Usage.InputTokens
			}
			d.seen = true
		}

	case "message_stop":
		return d.Finish(), nil

	case "error":
		msg := "stream error"
		if ev.Error != nil {
			msg = ev.Error.Type + ": " + ev.Error.Message
		}
		return []StreamChunk{{Error: fmt.Errorf("anthropic %s", msg)}}, nil
	}

	return nil, nil
}

func (d *anthropicDecoder) Finish() []StreamChunk {
	if d.done {
		return nil
	}
	d.done = true
	chunk := d.chunk(StreamChunk{Done: true, FinishReason: finishFromAnthropic(d.stop)})
	if d.seen {
		u := d.usage.toUsage()
		chunk.Usage = &u
	}
	return []StreamChunk{chunk}
}

func (d *anthropicDecoder) chunk(c StreamChunk) StreamChunk {
	c.ID = d.id
	c.Model = d.model
	return c
}
