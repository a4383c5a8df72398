// Package stream writes unified stream chunks to the client as
// OpenAI-compatible Server-Sent Events while accumulating the full
// response for healing, cost and logging.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/provider"
)

// ---------------------------------------------------------------------------
// OpenAI-compatible SSE response types
// ---------------------------------------------------------------------------

// The OpenAI streaming format looks like:
//
//	data: {"id":"...","object":"chat.completion.chunk","choices":[{"delta":{"content":"Hi"}}]}
//
// These structs are private to this package; no other code needs to know
// about the wire format details.

type sseChunk struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`

	// Usage is only set on the final chunk. Pointer + omitempty keeps the
	// key out of every other event, like OpenAI does.
	Usage *provider.UsageJSON `json:"usage,omitempty"`
}

type sseChoice struct {
	Index int      `json:"index"`
	Delta sseDelta `json:"delta"`

	// FinishReason is null on every chunk except the final one.
	FinishReason *string `json:"finish_reason"`
}

// sseDelta holds the incremental content. Every field is omitempty so the
// final chunk sends {"delta":{}}.
type sseDelta struct {
	Role      string              `json:"role,omitempty"`
	Content   string              `json:"content,omitempty"`
	Reasoning string              `json:"reasoning,omitempty"`
	ToolCalls []provider.ToolCall `json:"tool_calls,omitempty"`
	Images    []sseImage          `json:"images,omitempty"`
}

type sseImage struct {
	Type     string            `json:"type"`
	ImageURL provider.ImageURL `json:"image_url"`
}

// sseError is the event sent when the upstream breaks mid-stream. Headers
// are already on the wire, so the status code can no longer change.
type sseError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// ---------------------------------------------------------------------------
// Result
// ---------------------------------------------------------------------------

// Meta identifies the response being streamed.
type Meta struct {
	ID      string
	Model   string
	Created int64

	// Finalize, if set, is called once the terminal chunk arrives and
	// returns the usage object to put on it. The gateway uses it to fill
	// in estimated counts and cost. Without it the provider usage is
	// passed through.
	Finalize func(r *Result) *provider.UsageJSON
}

// Result is everything the client was sent, accumulated in order.
type Result struct {
	Content      string
	Reasoning    string
	ToolCalls    []provider.ToolCall
	Images       int
	FinishReason provider.FinishReason
	Usage        *provider.Usage
	Chunks       int

	// Err is the upstream failure that ended the stream early, if any.
	Err error
}

// accumulator merges streamed deltas. Tool call fragments are keyed by
// their index, the same way OpenAI clients reassemble them.
type accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	tools     map[int]*provider.ToolCall
	images    int
	chunks    int
}

func (a *accumulator) add(c provider.StreamChunk) {
	a.chunks++
	a.content.WriteString(c.Delta)
	a.reasoning.WriteString(c.Reasoning)
	a.images += len(c.Images)
	for i, tc := range c.ToolCalls {
		idx := i
		if tc.Index != nil {
			idx = *tc.Index
		}
		if a.tools == nil {
			a.tools = map[int]*provider.ToolCall{}
		}
		cur, ok := a.tools[idx]
		if !ok {
			cur = &provider.ToolCall{Type: "function"}
			a.tools[idx] = cur
		}
		if tc.ID != "" {
			cur.ID = tc.ID
		}
		if tc.Function.Name != "" {
			cur.Function.Name = tc.Function.Name
		}
		cur.Function.Arguments += tc.Function.Arguments
	}
}

func (a *accumulator) result() *Result {
	r := &Result{
		Content:   a.content.String(),
		Reasoning: a.reasoning.String(),
		Images:    a.images,
		Chunks:    a.chunks,
	}
	keys := make([]int, 0, len(a.tools))
	for k := range a.tools {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		r.ToolCalls = append(r.ToolCalls, *a.tools[k])
	}
	return r
}

// ---------------------------------------------------------------------------
// SSE Writer
// ---------------------------------------------------------------------------

// Write drains chunks and writes them to w as Server-Sent Events, in the
// order received, flushing after every event.
//
// The stream always ends with "data: [DONE]". If the upstream fails
// mid-stream an error event is written first. If the channel closes
// without a terminal chunk (the client went away and the upstream reader
// was canceled) the result is marked as a client error.
//
// The returned error is only non-nil when writing to the client failed.
func Write(w http.ResponseWriter, meta Meta, chunks <-chan provider.StreamChunk) (*Result, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	// Headers must be set before the first Write or Flush.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling SSE chunk: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
		return nil
	}

	event := func(delta sseDelta) sseChunk {
		return sseChunk{
			ID:      meta.ID,
			Object:  "chat.completion.chunk",
			Created: meta.Created,
			Model:   meta.Model,
			Choices: []sseChoice{{Delta: delta}},
		}
	}

	var (
		acc      accumulator
		terminal *provider.StreamChunk
		failure  error
		first    = true
	)

	for chunk := range chunks {
		if chunk.Error != nil {
			failure = chunk.Error
			break
		}

		acc.add(chunk)

		delta := sseDelta{
			Content:   chunk.Delta,
			Reasoning: chunk.Reasoning,
			ToolCalls: chunk.ToolCalls,
		}
		for _, img := range chunk.Images {
			delta.Images = append(delta.Images, sseImage{Type: "image_url", ImageURL: provider.ImageURL{URL: img.DataURL()}})
		}
		if first {
			delta.Role = provider.RoleAssistant
		}

		// A terminal chunk may carry content too (Gemini sends text and
		// finishReason in the same event). Content goes out first, then a
		// separate finish event.
		if delta.Content != "" || delta.Reasoning != "" || delta.ToolCalls != nil || delta.Images != nil {
			if err := send(event(delta)); err != nil {
				return acc.result(), err
			}
			first = false
		}

		if chunk.Done {
			c := chunk
			terminal = &c
			break
		}
	}

	res := acc.result()

	switch {
	case failure != nil:
		res.Err = failure
		res.FinishReason = provider.FinishUpstreamError
		var ev sseError
		ev.Error.Message = failure.Error()
		ev.Error.Type = "upstream_error"
		ev.Error.Code = http.StatusBadGateway
		if err := send(ev); err != nil {
			return res, err
		}

	case terminal != nil:
		res.FinishReason = terminal.FinishReason
		res.Usage = terminal.Usage

		ev := event(sseDelta{})
		reason := terminal.FinishReason.OpenAI()
		if reason == "" {
			reason = "stop"
		}
		ev.Choices[0].FinishReason = &reason
		switch {
		case meta.Finalize != nil:
			ev.Usage = meta.Finalize(res)
		case terminal.Usage != nil:
			ev.Usage = terminal.Usage.JSON()
		}
		if err := send(ev); err != nil {
			return res, err
		}

	default:
		res.FinishReason = provider.FinishClientError
	}

	// [DONE] is an OpenAI convention, not JSON. Clients stop reading when
	// they see it.
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return res, fmt.Errorf("writing SSE done marker: %w", err)
	}
	flusher.Flush()

	return res, nil
}
