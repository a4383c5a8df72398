package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/heal"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/routing"
	"github.com/howard-nolan/llmgateway/internal/stream"
)

// ChatCompletion is the OpenAI-format chat completion returned to callers.
type ChatCompletion struct {
	ID       string              `json:"id"`
	Object   string              `json:"object"`
	Created  int64               `json:"created"`
	Model    string              `json:"model"`
	Choices  []ChatChoice        `json:"choices"`
	Usage    *provider.UsageJSON `json:"usage"`
	Metadata Metadata            `json:"metadata"`
}

// ChatChoice is the single choice of a completion.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// ChatMessage is the assistant message. Content is null when the model
// only called tools.
type ChatMessage struct {
	Role      string              `json:"role"`
	Content   *string             `json:"content"`
	Reasoning string              `json:"reasoning,omitempty"`
	ToolCalls []provider.ToolCall `json:"tool_calls,omitempty"`
	Images    []ChatImage         `json:"images,omitempty"`
}

// ChatImage is an image generated inline by a chat model.
type ChatImage struct {
	Type     string            `json:"type"`
	ImageURL provider.ImageURL `json:"image_url"`
}

// Metadata tells the caller how the request was routed.
type Metadata struct {
	RequestedModel    string            `json:"requested_model"`
	RequestedProvider string            `json:"requested_provider,omitempty"`
	UsedProvider      string            `json:"used_provider"`
	UsedModel         string            `json:"used_model"`
	Routing           []routing.Attempt `json:"routing"`
}

// ChatResult is either a complete response or an open stream.
type ChatResult struct {
	Served   Served
	Response *ChatCompletion
	Stream   *Stream
}

// Chat runs a chat completion. For streaming requests every retry happens
// before the first chunk; the returned Stream is already connected to the
// provider that answered.
func (g *Gateway) Chat(ctx context.Context, info RequestInfo, req *provider.ChatRequest) (*ChatResult, error) {
	c := g.begin(info, "chat", req.Model)
	c.rec.Streamed = req.Stream
	c.rec.Plugins = req.PluginIDs()

	if err := validateChat(req); err != nil {
		return nil, c.fail(ctx, err)
	}
	rt, err := g.resolve(ctx, c, req.Model, chatNeeds(req))
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	if req.Stream {
		return g.chatStream(ctx, c, rt, req)
	}

	var resp *provider.ChatResponse
	t, err := g.run(ctx, c, rt, func(ctx context.Context, t *target) error {
		ctx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
		defer cancel()

		httpReq, err := t.adapter.BuildChatRequest(ctx, req, t.upstream)
		if err != nil {
			return err
		}
		body, err := g.client.Do(ctx, httpReq, c.newCapture())
		if err != nil {
			return err
		}
		resp, err = t.adapter.ParseChatResponse(body)
		if err != nil {
			return invalidResponse(err)
		}
		return nil
	})
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	resp.Content = g.heal(c, req, resp.Content)

	b := g.cost.Calculate(chatCostInput(rt.model, t, req, &resp.Usage, resp.Content, resp.Reasoning, resp.ToolCalls, len(resp.Images)))
	c.record(t.provider.ID, b)
	c.rec.FinishReason = string(resp.FinishReason)
	c.rec.Content = resp.Content

	msg := ChatMessage{
		Role:      provider.RoleAssistant,
		Reasoning: resp.Reasoning,
		ToolCalls: resp.ToolCalls,
	}
	if resp.Content != "" || len(resp.ToolCalls) == 0 {
		content := resp.Content
		msg.Content = &content
	}
	for _, img := range resp.Images {
		msg.Images = append(msg.Images, ChatImage{Type: provider.PartImageURL, ImageURL: provider.ImageURL{URL: img.DataURL()}})
	}

	out := &ChatCompletion{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: g.now().Unix(),
		Model:   rt.model.ID,
		Choices: []ChatChoice{{Message: msg, FinishReason: openAIFinish(resp.FinishReason)}},
		Usage:   chatUsage(&resp.Usage, b),
		Metadata: Metadata{
			RequestedModel:    req.Model,
			RequestedProvider: rt.requestedProvider,
			UsedProvider:      t.provider.ID,
			UsedModel:         t.mapping.ModelName,
			Routing:           c.rec.Attempts,
		},
	}

	c.end(ctx, http.StatusOK, nil)
	return &ChatResult{Served: c.servedBy(t, rt), Response: out}, nil
}

func (g *Gateway) chatStream(ctx context.Context, c *call, rt *route, req *provider.ChatRequest) (*ChatResult, error) {
	// Each attempt gets its own deadline covering connect and, for the
	// attempt that answers, the whole stream. A connect timeout is then an
	// upstream failure while ctx only reports the caller going away.
	var (
		sctx   context.Context
		cancel context.CancelFunc
		chunks <-chan provider.StreamChunk
	)
	t, err := g.run(ctx, c, rt, func(ctx context.Context, t *target) error {
		actx, acancel := context.WithTimeout(ctx, g.upstreamTimeout)
		httpReq, err := t.adapter.BuildChatRequest(actx, req, t.upstream)
		if err != nil {
			acancel()
			return err
		}
		ch, err := g.client.Stream(actx, httpReq, t.adapter.NewStreamDecoder(), c.newCapture())
		if err != nil {
			acancel()
			return err
		}
		sctx, cancel, chunks = actx, acancel, ch
		return nil
	})
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	s := &Stream{
		ctx:    sctx,
		cancel: cancel,
		chunks: chunks,
		call:   c,
	}
	var priced *cost.Breakdown
	price := func(r *stream.Result) cost.Breakdown {
		if priced == nil {
			b := g.cost.Calculate(chatCostInput(rt.model, t, req, r.Usage, r.Content, r.Reasoning, r.ToolCalls, r.Images))
			priced = &b
		}
		return *priced
	}
	s.meta = stream.Meta{
		ID:      completionID(),
		Model:   rt.model.ID,
		Created: g.now().Unix(),
		Finalize: func(r *stream.Result) *provider.UsageJSON {
			return chatUsage(r.Usage, price(r))
		},
	}
	s.finish = func(r *stream.Result, writeErr error) {
		// Deltas already went out as they arrived; healing only changes
		// what is logged.
		c.rec.Content = g.heal(c, req, r.Content)
		c.rec.FinishReason = string(r.FinishReason)
		c.record(t.provider.ID, price(r))

		switch {
		case writeErr != nil:
			c.end(s.ctx, statusClientClosed, clientClosed(writeErr))
		case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
			c.end(s.ctx, http.StatusGatewayTimeout, timeoutError("stream exceeded %s", g.upstreamTimeout))
		case r.FinishReason == provider.FinishClientError:
			c.end(s.ctx, statusClientClosed, clientClosed(s.ctx.Err()))
		case r.Err != nil:
			c.end(s.ctx, http.StatusOK, &Error{Type: TypeUpstream, Status: http.StatusBadGateway, Message: r.Err.Error()})
		default:
			c.end(s.ctx, http.StatusOK, nil)
		}
	}

	return &ChatResult{Served: c.servedBy(t, rt), Stream: s}, nil
}

// Stream is a connected upstream stream waiting to be written.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	chunks <-chan provider.StreamChunk
	meta   stream.Meta
	call   *call
	finish func(r *stream.Result, writeErr error)
}

// Serve writes the stream to w as SSE, then logs and prices it. It must be
// called exactly once. Returning early (client gone) cancels the upstream
// call so no connection is left behind.
func (s *Stream) Serve(w http.ResponseWriter) error {
	res, err := stream.Write(w, s.meta, s.chunks)
	s.release()
	if res == nil {
		res = &stream.Result{FinishReason: provider.FinishGatewayError}
	}
	s.finish(res, err)
	return err
}

// Close abandons a stream that will not be served.
func (s *Stream) Close() {
	s.release()
	s.call.end(s.ctx, statusClientClosed, clientClosed(context.Canceled))
}

// release cancels the upstream call and waits for its reader to exit. The
// reader owns the debug capture until the chunk channel is closed.
func (s *Stream) release() {
	s.cancel()
	for range s.chunks {
	}
}

// heal applies response healing when the request opted in and records the
// outcome.
func (g *Gateway) heal(c *call, req *provider.ChatRequest, content string) string {
	if !heal.Enabled(req.ResponseFormatType(), req.PluginIDs()) {
		return content
	}
	h := heal.Heal(content)
	c.rec.Healed = h.Healed
	c.rec.HealStrategy = h.Strategy
	g.metrics.ObserveHealing(h.Strategy)
	return h.Content
}

// chatNeeds derives mapping requirements from the request.
func chatNeeds(req *provider.ChatRequest) needs {
	format := req.ResponseFormatType()
	return needs{
		kind:      catalog.OutputText,
		stream:    req.Stream,
		vision:    req.HasImages(),
		tools:     len(req.Tools) > 0,
		json:      format == "json_object" || format == "json_schema",
		reasoning: req.ReasoningEffort != "",
	}
}

// validateChat rejects requests that no provider could serve.
func validateChat(req *provider.ChatRequest) error {
	if req.Model == "" {
		return validationError("model is required")
	}
	if len(req.Messages) == 0 {
		return validationError("messages must not be empty")
	}
	for i, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant:
		case provider.RoleTool:
			if m.ToolCallID == "" {
				return validationError("messages[%d]: tool messages require tool_call_id", i)
			}
		default:
			return validationError("messages[%d]: unknown role %q", i, m.Role)
		}
		for j, p := range m.Content.Parts {
			switch p.Type {
			case provider.PartText, provider.PartToolUse, provider.PartToolResult:
			case provider.PartImageURL:
				if p.ImageURL == nil || p.ImageURL.URL == "" {
					return validationError("messages[%d].content[%d]: image_url.url is required", i, j)
				}
			default:
				return validationError("messages[%d].content[%d]: unknown part type %q", i, j, p.Type)
			}
		}
	}
	if req.MaxTokens < 0 {
		return validationError("max_tokens must not be negative")
	}
	if t := req.Temperature; t != nil && (*t < 0 || *t > 2) {
		return validationError("temperature must be between 0 and 2")
	}
	if t := req.TopP; t != nil && (*t < 0 || *t > 1) {
		return validationError("top_p must be between 0 and 1")
	}
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "text", "json_object":
		case "json_schema":
			if rf.JSONSchema == nil {
				return validationError("response_format json_schema requires a json_schema object")
			}
		default:
			return validationError("unknown response_format type %q", rf.Type)
		}
	}
	switch req.ReasoningEffort {
	case "", "low", "medium", "high":
	default:
		return validationError("reasoning_effort must be low, medium or high")
	}
	for i, tool := range req.Tools {
		if tool.Type != "" && tool.Type != "function" {
			return validationError("tools[%d]: unsupported type %q", i, tool.Type)
		}
		if tool.Function.Name == "" {
			return validationError("tools[%d]: function name is required", i)
		}
	}
	for _, p := range req.Plugins {
		if p.ID != heal.PluginID {
			return validationError("unknown plugin %q", p.ID)
		}
	}
	return nil
}

// chatCostInput prices a chat response. Reported usage is trusted; image
// tokens are moved out of the reported counts so they are billed at image
// prices only. Without reported usage the counts are estimated from text.
func chatCostInput(m *catalog.Model, t *target, req *provider.ChatRequest, u *provider.Usage, content, reasoning string, calls []provider.ToolCall, images int) cost.Input {
	in := cost.Input{
		Model:            m.ID,
		Provider:         t.provider.ID,
		PromptText:       promptText(req),
		CompletionText:   completionText(content, reasoning, calls),
		InputImageCount:  countImages(req),
		OutputImageCount: images,
	}
	if u == nil || !u.Reported {
		return in
	}

	imageIn, imageOut := cost.ImageTokens(in.InputImageCount, in.OutputImageCount, "")
	prompt := max(u.PromptTokens-imageIn, 0)
	completion := max(u.CompletionTokens-imageOut, 0)
	cached := u.CachedTokens
	in.PromptTokens = &prompt
	in.CompletionTokens = &completion
	in.CachedTokens = &cached
	in.ReasoningTokens = u.ReasoningTokens
	return in
}

// chatUsage reports the provider's own token counts when it sent them, with
// the priced total attached. The image split only affects pricing.
func chatUsage(u *provider.Usage, b cost.Breakdown) *provider.UsageJSON {
	if u == nil || !u.Reported {
		return usageJSON(b)
	}
	out := u.JSON()
	out.Cost = b.TotalCost
	return out
}

func promptText(req *provider.ChatRequest) string {
	var b strings.Builder
	for _, m := range req.Messages {
		b.WriteString(m.Content.String())
		b.WriteByte('\n')
		for _, tc := range m.ToolCalls {
			b.WriteString(tc.Function.Name)
			b.WriteString(tc.Function.Arguments)
		}
	}
	for _, tool := range req.Tools {
		b.WriteString(tool.Function.Name)
		b.WriteString(tool.Function.Description)
		b.Write(tool.Function.Parameters)
	}
	return b.String()
}

func completionText(content, reasoning string, calls []provider.ToolCall) string {
	var b strings.Builder
	b.WriteString(reasoning)
	b.WriteString(content)
	for _, tc := range calls {
		b.WriteString(tc.Function.Name)
		b.WriteString(tc.Function.Arguments)
	}
	return b.String()
}

func countImages(req *provider.ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		for _, p := range m.Content.Parts {
			if p.Type == provider.PartImageURL {
				n++
			}
		}
	}
	return n
}

// openAIFinish maps the unified finish reason for a completed response.
// Error reasons have no OpenAI equivalent and are reported as "stop".
func openAIFinish(f provider.FinishReason) string {
	if s := f.OpenAI(); s != "" {
		return s
	}
	return "stop"
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}
