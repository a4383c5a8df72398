package cost

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens in text for cost estimation.
type Tokenizer interface {
	Count(text string) int
}

// NewTokenizer returns a cl100k_base tiktoken counter. If the encoding
// cannot be loaded (it is fetched on first use), it falls back to a
// character-based estimate so pricing keeps working offline.
func NewTokenizer(log *slog.Logger) Tokenizer {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		if log != nil {
			log.Warn("tiktoken encoding unavailable, estimating tokens from length", "error", err)
		}
		return CharTokenizer{}
	}
	return &tiktokenCounter{enc: enc}
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CharTokenizer estimates one token per four bytes, rounded up.
type CharTokenizer struct{}

func (CharTokenizer) Count(text string) int {
	return (len(text) + 3) / 4
}
