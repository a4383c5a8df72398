package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/howard-nolan/llmgateway/internal/fetch"
)

// imagePlaceholder replaces an image that could not be loaded, so the
// request still goes through with a visible note instead of failing.
func imagePlaceholder(url string) string {
	return fmt.Sprintf("[Image failed to load: %s]", url)
}

// loadImage resolves an image part through the fetcher. Data URLs are
// decoded locally without a network round trip.
func loadImage(ctx context.Context, fetcher ImageFetcher, url string) (*fetch.Image, error) {
	if strings.HasPrefix(url, "data:") {
		return fetch.ParseDataURL(url)
	}
	if fetcher == nil {
		return nil, fmt.Errorf("no image fetcher configured")
	}
	return fetcher.Fetch(ctx, url)
}

// inlineImageParts rewrites every image_url part so its URL is a base64
// data URL. Images that fail to load become a text placeholder. The input
// messages are not modified.
func inlineImageParts(ctx context.Context, fetcher ImageFetcher, msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if !m.Content.IsParts() {
			continue
		}
		parts := make([]ContentPart, len(m.Content.Parts))
		for j, p := range m.Content.Parts {
			parts[j] = p
			if p.Type != PartImageURL || p.ImageURL == nil || strings.HasPrefix(p.ImageURL.URL, "data:") {
				continue
			}
			img, err := loadImage(ctx, fetcher, p.ImageURL.URL)
			if err != nil {
				parts[j] = ContentPart{Type: PartText, Text: imagePlaceholder(p.ImageURL.URL)}
				continue
			}
			parts[j] = ContentPart{
				Type:     PartImageURL,
				ImageURL: &ImageURL{URL: img.DataURL(), Detail: p.ImageURL.Detail},
			}
		}
		out[i].Content = Content{Parts: parts}
	}
	return out
}

// flattenToolParts converts Anthropic-style tool_use / tool_result content
// parts into OpenAI-style tool_calls and tool messages. Callers may send
// either form; OpenAI and Google wire formats only understand the latter.
func flattenToolParts(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Content.IsParts() {
			out = append(out, m)
			continue
		}

		var (
			kept    []ContentPart
			calls   []ToolCall
			results []Message
		)
		for _, p := range m.Content.Parts {
			switch p.Type {
			case PartToolUse:
				args := string(p.Input)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, ToolCall{
					ID:       p.ID,
					Type:     "function",
					Function: FunctionCall{Name: p.Name, Arguments: args},
				})
			case PartToolResult:
				results = append(results, Message{
					Role:       RoleTool,
					ToolCallID: p.ToolUseID,
					Content:    Text(toolResultText(p.Result)),
				})
			default:
				kept = append(kept, p)
			}
		}

		if calls == nil && results == nil {
			out = append(out, m)
			continue
		}
		if len(kept) > 0 || len(calls) > 0 {
			nm := m
			nm.Content = Content{Parts: kept}
			if len(kept) == 0 {
				nm.Content = Text("")
			}
			nm.ToolCalls = append(append([]ToolCall(nil), m.ToolCalls...), calls...)
			out = append(out, nm)
		}
		out = append(out, results...)
	}
	return out
}

// toolResultText extracts text from a tool_result content value, which may
// be a string or an array of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentPart
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return Content{Parts: blocks}.String()
	}
	return string(raw)
}
