// Package heal repairs model output that was supposed to be JSON but came
// back fenced in markdown, wrapped in prose, truncated, or broken by
// trailing commas.
//
// Healing is an ordered list of small string transforms. Each stage feeds
// the next and the first candidate that parses as JSON wins. When nothing
// parses, the original text is returned untouched: healing never fails
// and never invents values.
package heal

import (
	"encoding/json"
	"strings"
)

// PluginID is the plugin a caller lists to opt into healing.
const PluginID = "response-healing"

// Stage names reported in Result.Strategy.
const (
	StageNone           = ""
	StageStripFence     = "strip_fence"
	StageTrailingCommas = "trailing_commas"
	StageBalance        = "balance_brackets"
	StageExtract        = "extract_span"
)

// Result is the outcome of Heal.
type Result struct {
	// Content is the healed JSON text, or the original text when no stage
	// produced valid JSON or the input was already valid.
	Content string

	// Healed is true when Content differs from the input because a stage
	// repaired it.
	Healed bool

	// Strategy names the stage that produced Content.
	Strategy string
}

// Enabled reports whether healing applies to a request: the caller asked
// for JSON output and listed the healing plugin.
func Enabled(responseFormat string, plugins []string) bool {
	if responseFormat != "json_object" && responseFormat != "json_schema" {
		return false
	}
	for _, p := range plugins {
		if p == PluginID {
			return true
		}
	}
	return false
}

type stage struct {
	name      string
	transform func(string) (string, bool)
}

// pipeline stages run cumulatively on the output of the previous stage.
var pipeline = []stage{
	{StageStripFence, stripFence},
	{StageTrailingCommas, removeTrailingCommas},
	{StageBalance, balance},
}

// Heal runs the healing stages over content.
func Heal(content string) Result {
	if valid(content) {
		return Result{Content: content}
	}

	candidate := content
	for _, s := range pipeline {
		next, ok := s.transform(candidate)
		if !ok {
			continue
		}
		candidate = next
		if valid(candidate) {
			return Result{Content: candidate, Healed: true, Strategy: s.name}
		}
	}

	if span, ok := extractSpan(content); ok {
		return Result{Content: span, Healed: true, Strategy: StageExtract}
	}

	return Result{Content: content}
}

func valid(s string) bool {
	return strings.TrimSpace(s) != "" && json.Valid([]byte(s))
}

// stripFence removes a ```json ... ``` (or bare ```) fence, keeping what is
// inside. A missing closing fence is tolerated for truncated output.
func stripFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return s, false
	}
	rest := s[start+3:]

	// Drop an info string such as "json" up to the end of the line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && isInfoString(rest[:nl]) {
		rest = rest[nl+1:]
	} else if isInfoString(rest) {
		rest = ""
	}

	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

func isInfoString(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// removeTrailingCommas drops commas that are followed only by whitespace and
// a closing bracket or the end of input. Commas inside strings are kept.
func removeTrailingCommas(s string) (string, bool) {
	var b strings.Builder
	b.Grow(len(s))

	changed := false
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		if c == '"' {
			inString = true
			b.WriteByte(c)
			continue
		}

		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j == len(s) || s[j] == '}' || s[j] == ']' {
				changed = true
				continue
			}
		}
		b.WriteByte(c)
	}

	return b.String(), changed
}

// balance closes an unterminated string and any open objects and arrays.
// It refuses inputs whose brackets are mismatched or that end right after
// a key, since completing those would need invented data.
func balance(s string) (string, bool) {
	var stack []byte
	inString, escaped := false, false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return s, false
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(stack) == 0 && !inString {
		return s, false
	}

	out := s
	if inString {
		if escaped {
			out = out[:len(out)-1]
		}
		out += `"`
	}

	out = strings.TrimRightFunc(out, func(r rune) bool { return r < 128 && isSpace(byte(r)) })
	out = strings.TrimSuffix(out, ",")
	if strings.HasSuffix(out, ":") {
		return s, false
	}

	var b strings.Builder
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), true
}

// extractSpan finds the first balanced {...} or [...] region in s that
// parses as JSON, ignoring any prose around it.
func extractSpan(s string) (string, bool) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' && s[start] != '[' {
			continue
		}
		end, ok := matchingClose(s, start)
		if !ok {
			continue
		}
		span := s[start : end+1]
		if valid(span) {
			return span, true
		}
		if fixed, changed := removeTrailingCommas(span); changed && valid(fixed) {
			return fixed, true
		}
	}
	return "", false
}

// matchingClose returns the index of the bracket closing the one at start.
func matchingClose(s string, start int) (int, bool) {
	var stack []byte
	inString, escaped := false, false

	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
